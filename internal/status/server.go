package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/pipeline"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/pkg/middleware"
)

// Registry は端末トークンと購読の登録先。
type Registry interface {
	Ping(ctx context.Context) error
	RegisterToken(ctx context.Context, userID, token string, platform store.Platform) error
	DeactivateUserToken(ctx context.Context, userID string, platform store.Platform, token string) (bool, error)
	Subscribe(ctx context.Context, userID, artistID string, kind store.ReactionKind) error
	Unsubscribe(ctx context.Context, userID, artistID string, kind store.ReactionKind) error
}

// PipelineStatus はパイプラインの状況の取得元。
type PipelineStatus interface {
	Status() pipeline.Status
}

// CredentialStatus は認証トークンの状態の取得元。
type CredentialStatus interface {
	State() credential.State
	ExpiresAt() time.Time
}

// Deps はサーバーの依存関係。
type Deps struct {
	Registry    Registry
	Pipeline    PipelineStatus
	Credentials CredentialStatus
	Gatherer    prometheus.Gatherer
	JWTSecret   string
	Logger      *slog.Logger
}

// Server はステータスAPIのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	deps Deps
	// logger はコンポーネント名を付与したロガー。
	logger *slog.Logger
}

// NewServer は新しいステータスサーバーを生成する。
func NewServer(port string, deps Deps) *Server {
	logger := deps.Logger.With(slog.String("component", "status"))

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger, "/health", "/metrics"))

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
		logger: logger,
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラーを返す。テストで使用する。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxがキャンセルされるまでHTTPサーバーを動かす。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ステータスAPIを起動しました", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ステータスAPIの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ステータスAPIの停止に失敗: %w", err)
	}
	s.logger.Info("ステータスAPIを停止しました")
	return nil
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
	// パイプラインの状況
	s.router.GET("/status", s.handleStatus())
	// Prometheusメトリクス
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api/v1")
	api.Use(middleware.JWTAuth(s.deps.JWTSecret))
	{
		devices := api.Group("/devices")
		{
			// 端末トークンの登録
			devices.POST("", s.handleRegisterDevice())
			// 端末トークンの無効化（ログアウト時）
			devices.DELETE("", s.handleDeactivateDevice())
		}

		artists := api.Group("/artists")
		{
			// リアクションの登録
			artists.PUT("/:id/reactions/:kind", s.handleReact())
			// リアクションの解除
			artists.DELETE("/:id/reactions/:kind", s.handleUnreact())
		}
	}
}
