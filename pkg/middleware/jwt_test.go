package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("正常にJWTトークンを生成できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-123", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims := &JWTClaims{}
		token, err := jwt.ParseWithClaims(tokenStr, claims, func(_ *jwt.Token) (any, error) {
			return []byte(testSecret), nil
		})
		if err != nil || !token.Valid {
			t.Fatalf("トークンのパースに失敗: %v", err)
		}
		if claims.UserID != "user-123" {
			t.Errorf("UserID = %q, want %q", claims.UserID, "user-123")
		}
		if claims.Issuer != issuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, issuer)
		}
		if token.Method.Alg() != "HS256" {
			t.Errorf("署名アルゴリズム = %q, want %q", token.Method.Alg(), "HS256")
		}
	})

	t.Run("ユーザーIDが空の場合はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := GenerateJWT(testSecret, "", time.Hour); err == nil {
			t.Fatal("GenerateJWT()がエラーを返すべきだが、nilが返った")
		}
	})
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	newRouter := func(captured *string) *gin.Engine {
		router := gin.New()
		router.Use(JWTAuth(testSecret))
		router.GET("/test", func(c *gin.Context) {
			*captured = GetUserID(c)
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		return router
	}

	t.Run("有効なトークンでユーザーIDが設定されること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, "user-ok", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		var captured string
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		req.Header.Set("Authorization", "Bearer "+tokenStr)
		w := httptest.NewRecorder()
		newRouter(&captured).ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if captured != "user-ok" {
			t.Errorf("user_id = %q, want %q", captured, "user-ok")
		}
	})

	tests := []struct {
		name   string
		header func(t *testing.T) string
	}{
		{
			name:   "Authorizationヘッダーがない場合は401",
			header: func(*testing.T) string { return "" },
		},
		{
			name:   "Bearer形式でない場合は401",
			header: func(*testing.T) string { return "Token abc" },
		},
		{
			name: "異なるシークレットで署名されたトークンは401",
			header: func(t *testing.T) string {
				s, err := GenerateJWT("other-secret", "user-x", time.Hour)
				if err != nil {
					t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
				}
				return "Bearer " + s
			},
		},
		{
			name: "期限切れのトークンは401",
			header: func(t *testing.T) string {
				s, err := GenerateJWT(testSecret, "user-x", -time.Minute)
				if err != nil {
					t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
				}
				return "Bearer " + s
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var captured string
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			if h := tt.header(t); h != "" {
				req.Header.Set("Authorization", h)
			}
			w := httptest.NewRecorder()
			newRouter(&captured).ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			if captured != "" {
				t.Errorf("ハンドラが呼び出された: user_id = %q", captured)
			}
		})
	}
}
