package status

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/pipeline"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/pkg/middleware"
)

// statusResponse は/statusのJSONレスポンス構造。
type statusResponse struct {
	pipeline.Status
	// Credential は認証トークンの状態。
	Credential credentialResponse `json:"credential"`
}

// credentialResponse は認証トークンの状態のJSON構造。
type credentialResponse struct {
	// State はNONE/VALID/REGENERATING/EXPIREDのいずれか。
	State credential.State `json:"state"`
	// ExpiresAt は失効日時（RFC3339形式）。保持していない場合は空。
	ExpiresAt string `json:"expires_at,omitempty"`
}

// deviceRequest は端末トークンの登録・無効化のリクエストボディ。
type deviceRequest struct {
	// Token はプラットフォーム固有の端末トークン。
	Token string `json:"token"`
	// Platform はIOSまたはANDROID。
	Platform string `json:"platform"`
}

// handleHealth はストアへの疎通を確認するハンドラを返す。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.deps.Registry.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "service": "pushdispatcher", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "pushdispatcher"})
	}
}

// handleStatus はパイプラインの状況を返すハンドラを返す。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := statusResponse{
			Status: s.deps.Pipeline.Status(),
			Credential: credentialResponse{
				State: s.deps.Credentials.State(),
			},
		}
		if exp := s.deps.Credentials.ExpiresAt(); !exp.IsZero() {
			resp.Credential.ExpiresAt = exp.Format(time.RFC3339)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// bindDevice はリクエストボディを検証して端末トークンとプラットフォームを返す。
func bindDevice(c *gin.Context) (string, store.Platform, bool) {
	var req deviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
		return "", "", false
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tokenは必須です"})
		return "", "", false
	}
	platform, ok := store.ParsePlatform(strings.ToUpper(req.Platform))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "platformはIOSまたはANDROIDを指定してください"})
		return "", "", false
	}
	return token, platform, true
}

// handleRegisterDevice は端末トークンを登録するハンドラを返す。
// 同じトークンが登録済みの場合は所有者を付け替えて有効化する。
func (s *Server) handleRegisterDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		token, platform, ok := bindDevice(c)
		if !ok {
			return
		}

		if err := s.deps.Registry.RegisterToken(c.Request.Context(), userID, token, platform); err != nil {
			s.logger.Error("端末トークンの登録に失敗しました", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "端末トークンの登録に失敗しました"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "platform": platform})
	}
}

// handleDeactivateDevice は自身の端末トークンを無効化するハンドラを返す。
func (s *Server) handleDeactivateDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		token, platform, ok := bindDevice(c)
		if !ok {
			return
		}

		changed, err := s.deps.Registry.DeactivateUserToken(c.Request.Context(), userID, platform, token)
		if err != nil {
			s.logger.Error("端末トークンの無効化に失敗しました", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "端末トークンの無効化に失敗しました"})
			return
		}
		if !changed {
			c.JSON(http.StatusNotFound, gin.H{"error": "有効な端末トークンが見つかりません"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// bindReaction はパスパラメータからアーティストIDとリアクションの種類を取得する。
func bindReaction(c *gin.Context) (string, store.ReactionKind, bool) {
	artistID := strings.TrimSpace(c.Param("id"))
	if artistID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "アーティストIDは必須です"})
		return "", "", false
	}
	kind, ok := store.ParseReactionKind(strings.ToUpper(c.Param("kind")))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "リアクションはLIKEまたはNOTIFYを指定してください"})
		return "", "", false
	}
	return artistID, kind, true
}

// handleReact はアーティストへのリアクションを登録するハンドラを返す。
func (s *Server) handleReact() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		artistID, kind, ok := bindReaction(c)
		if !ok {
			return
		}
		if err := s.deps.Registry.Subscribe(c.Request.Context(), userID, artistID, kind); err != nil {
			s.logger.Error("リアクションの登録に失敗しました", "user_id", userID, "artist_id", artistID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "リアクションの登録に失敗しました"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// handleUnreact はアーティストへのリアクションを解除するハンドラを返す。
func (s *Server) handleUnreact() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		artistID, kind, ok := bindReaction(c)
		if !ok {
			return
		}
		if err := s.deps.Registry.Unsubscribe(c.Request.Context(), userID, artistID, kind); err != nil {
			s.logger.Error("リアクションの解除に失敗しました", "user_id", userID, "artist_id", artistID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "リアクションの解除に失敗しました"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
