package status

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/workshoppush/internal/credential"
	"github.com/nao1215/workshoppush/internal/logger"
	"github.com/nao1215/workshoppush/internal/metrics"
	"github.com/nao1215/workshoppush/internal/pipeline"
	"github.com/nao1215/workshoppush/internal/store"
	"github.com/nao1215/workshoppush/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

type fakePipeline struct{ status pipeline.Status }

func (f fakePipeline) Status() pipeline.Status { return f.status }

type fakeCredentials struct {
	state     credential.State
	expiresAt time.Time
}

func (f fakeCredentials) State() credential.State { return f.state }
func (f fakeCredentials) ExpiresAt() time.Time    { return f.expiresAt }

// setupTestServer はテスト用のサーバーを構築する。
func setupTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Storeの初期化に失敗: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Deliveries.WithLabelValues(metrics.OutcomeSent).Add(3)

	srv := NewServer("0", Deps{
		Registry: s,
		Pipeline: fakePipeline{status: pipeline.Status{LastRead: 12, Committed: 10, Queued: 4, RetriesPending: 2}},
		Credentials: fakeCredentials{
			state:     credential.StateValid,
			expiresAt: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
		},
		Gatherer:  reg,
		JWTSecret: testSecret,
		Logger:    logger.Discard(),
	})
	return srv, s
}

// doRequest はユーザーのJWTを付与してリクエストを送信する。userIDが空の場合は付与しない。
func doRequest(t *testing.T, srv *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("リクエストボディのJSON変換に失敗: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		token, err := middleware.GenerateJWT(testSecret, userID, time.Hour)
		if err != nil {
			t.Fatalf("JWTの生成に失敗: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

// TestHealthAndStatus は状態確認のエンドポイントを検証する。
func TestHealthAndStatus(t *testing.T) {
	t.Parallel()

	t.Run("正常系_ヘルスチェックが200を返すこと", func(t *testing.T) {
		t.Parallel()

		srv, _ := setupTestServer(t)
		w := doRequest(t, srv, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("異常系_ストアが閉じている場合は503を返すこと", func(t *testing.T) {
		t.Parallel()

		srv, s := setupTestServer(t)
		s.Close()
		w := doRequest(t, srv, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("正常系_パイプラインと認証トークンの状況が返ること", func(t *testing.T) {
		t.Parallel()

		srv, _ := setupTestServer(t)
		w := doRequest(t, srv, http.MethodGet, "/status", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}

		var resp map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if resp["queue_depth"] != float64(4) || resp["retries_pending"] != float64(2) {
			t.Errorf("キューの状況 = %v", resp)
		}
		if resp["committed_position"] != float64(10) {
			t.Errorf("committed_position = %v, want 10", resp["committed_position"])
		}
		cred, _ := resp["credential"].(map[string]any)
		if cred["state"] != "VALID" || cred["expires_at"] != "2026-10-18T12:00:00Z" {
			t.Errorf("credential = %v", cred)
		}
	})

	t.Run("正常系_メトリクスが公開されること", func(t *testing.T) {
		t.Parallel()

		srv, _ := setupTestServer(t)
		w := doRequest(t, srv, http.MethodGet, "/metrics", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), `pushdispatcher_deliveries_total{outcome="sent"} 3`) {
			t.Errorf("メトリクスに配信数が含まれていない: %s", w.Body.String())
		}
	})
}

// TestDevices は端末トークンの登録と無効化を検証する。
func TestDevices(t *testing.T) {
	t.Parallel()

	t.Run("正常系_登録したトークンが有効になること", func(t *testing.T) {
		t.Parallel()

		srv, s := setupTestServer(t)
		w := doRequest(t, srv, http.MethodPost, "/api/v1/devices", "u1", deviceRequest{Token: "tok-1", Platform: "ios"})
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
		}

		tok, err := s.GetToken(context.Background(), store.PlatformIOS, "tok-1")
		if err != nil {
			t.Fatalf("GetToken()でエラーが発生: %v", err)
		}
		if tok.UserID != "u1" || !tok.IsActive {
			t.Errorf("トークン = %+v, want u1の有効なトークン", tok)
		}
	})

	t.Run("異常系_未認証の場合は401を返すこと", func(t *testing.T) {
		t.Parallel()

		srv, _ := setupTestServer(t)
		w := doRequest(t, srv, http.MethodPost, "/api/v1/devices", "", deviceRequest{Token: "tok-1", Platform: "IOS"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("異常系_不明なプラットフォームは400を返すこと", func(t *testing.T) {
		t.Parallel()

		srv, _ := setupTestServer(t)
		w := doRequest(t, srv, http.MethodPost, "/api/v1/devices", "u1", deviceRequest{Token: "tok-1", Platform: "WINDOWS"})
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("正常系_自分のトークンだけを無効化できること", func(t *testing.T) {
		t.Parallel()

		srv, s := setupTestServer(t)
		if err := s.RegisterToken(context.Background(), "u1", "tok-1", store.PlatformAndroid); err != nil {
			t.Fatalf("RegisterToken()でエラーが発生: %v", err)
		}

		w := doRequest(t, srv, http.MethodDelete, "/api/v1/devices", "u2", deviceRequest{Token: "tok-1", Platform: "ANDROID"})
		if w.Code != http.StatusNotFound {
			t.Errorf("他人のトークンのステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}

		w = doRequest(t, srv, http.MethodDelete, "/api/v1/devices", "u1", deviceRequest{Token: "tok-1", Platform: "ANDROID"})
		if w.Code != http.StatusNoContent {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		ok, err := s.HasActiveToken(context.Background(), "u1")
		if err != nil || ok {
			t.Errorf("HasActiveToken() = %v, %v, want false, nil", ok, err)
		}
	})
}

// TestReactions はリアクションの登録と解除を検証する。
func TestReactions(t *testing.T) {
	t.Parallel()

	t.Run("正常系_NOTIFYの登録と解除が購読者に反映されること", func(t *testing.T) {
		t.Parallel()

		srv, s := setupTestServer(t)
		ctx := context.Background()

		w := doRequest(t, srv, http.MethodPut, "/api/v1/artists/a1/reactions/notify", "u1", nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		users, err := s.FindNotifySubscribers(ctx, []string{"a1"})
		if err != nil || len(users) != 1 || users[0] != "u1" {
			t.Fatalf("FindNotifySubscribers() = %v, %v, want [u1]", users, err)
		}

		w = doRequest(t, srv, http.MethodDelete, "/api/v1/artists/a1/reactions/NOTIFY", "u1", nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusNoContent)
		}
		users, err = s.FindNotifySubscribers(ctx, []string{"a1"})
		if err != nil || len(users) != 0 {
			t.Errorf("FindNotifySubscribers() = %v, %v, want empty", users, err)
		}
	})

	t.Run("異常系_不明なリアクションは400を返すこと", func(t *testing.T) {
		t.Parallel()

		srv, _ := setupTestServer(t)
		w := doRequest(t, srv, http.MethodPut, "/api/v1/artists/a1/reactions/LOVE", "u1", nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}
