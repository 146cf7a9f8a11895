package credential

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nao1215/workshoppush/internal/logger"
	"github.com/nao1215/workshoppush/internal/metrics"
)

// generateKeyPEM はテスト用のP-256秘密鍵をPKCS#8のPEM形式で生成する。
func generateKeyPEM(t *testing.T, curve elliptic.Curve) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("鍵の生成に失敗: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("鍵のエンコードに失敗: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// TestJWTSigner はES256の認証トークン生成を検証する。
func TestJWTSigner(t *testing.T) {
	t.Parallel()

	t.Run("正常系_kidとissを含むES256トークンが生成されること", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "key.p8")
		if err := os.WriteFile(path, generateKeyPEM(t, elliptic.P256()), 0o600); err != nil {
			t.Fatalf("鍵ファイルの書き込みに失敗: %v", err)
		}
		signer, err := LoadJWTSigner(path, "KEY123", "TEAM456", 55*time.Minute)
		if err != nil {
			t.Fatalf("LoadJWTSigner()でエラーが発生: %v", err)
		}

		now := time.Now()
		cred, err := signer.Sign(now)
		if err != nil {
			t.Fatalf("Sign()でエラーが発生: %v", err)
		}
		if got := cred.ExpiresAt.Sub(cred.IssuedAt); got != 55*time.Minute {
			t.Errorf("有効期間 = %s, want 55m", got)
		}

		parsed, err := jwt.ParseWithClaims(cred.Token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
			return signer.PublicKey(), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}))
		if err != nil {
			t.Fatalf("トークンの検証に失敗: %v", err)
		}
		if kid := parsed.Header["kid"]; kid != "KEY123" {
			t.Errorf("kid = %v, want KEY123", kid)
		}
		claims := parsed.Claims.(*jwt.RegisteredClaims)
		if claims.Issuer != "TEAM456" {
			t.Errorf("iss = %q, want TEAM456", claims.Issuer)
		}
	})

	t.Run("異常系_P-256以外の鍵は拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewJWTSigner(generateKeyPEM(t, elliptic.P384()), "k", "t", time.Minute); err == nil {
			t.Fatal("NewJWTSigner()がエラーを返すべきだが、nilが返った")
		}
	})

	t.Run("異常系_不正なPEMは拒否されること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewJWTSigner([]byte("not a key"), "k", "t", time.Minute); err == nil {
			t.Fatal("NewJWTSigner()がエラーを返すべきだが、nilが返った")
		}
	})
}

// fakeSigner は失敗を切り替えられる署名器。
type fakeSigner struct {
	mu       sync.Mutex
	lifetime time.Duration
	fail     bool
	calls    int
}

func (s *fakeSigner) Sign(now time.Time) (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return nil, errors.New("鍵ストアに接続できません")
	}
	return &Credential{
		Token:     fmt.Sprintf("token-%d", s.calls),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.lifetime),
	}, nil
}

func (s *fakeSigner) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *fakeSigner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func runRotator(t *testing.T, r *Rotator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("条件の成立待ちがタイムアウト")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// TestRotator は認証トークンの差し替えを検証する。
func TestRotator(t *testing.T) {
	t.Parallel()

	t.Run("異常系_起動時の生成に失敗するとエラーになること", func(t *testing.T) {
		t.Parallel()

		r := NewRotator(&fakeSigner{fail: true, lifetime: time.Minute}, Config{}, logger.Discard(), metrics.New(nil))
		if err := r.Start(context.Background()); err == nil {
			t.Fatal("Start()がエラーを返すべきだが、nilが返った")
		}
		if _, err := r.Current(); !errors.Is(err, ErrNoCredential) {
			t.Errorf("err = %v, want ErrNoCredential", err)
		}
		if r.State() != StateNone {
			t.Errorf("State() = %s, want NONE", r.State())
		}
	})

	t.Run("正常系_失効前に新しいトークンへ差し替えられること", func(t *testing.T) {
		t.Parallel()

		signer := &fakeSigner{lifetime: 200 * time.Millisecond}
		r := NewRotator(signer, Config{RefreshMargin: 150 * time.Millisecond, RetryInterval: 10 * time.Millisecond}, logger.Discard(), metrics.New(nil))
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("Start()でエラーが発生: %v", err)
		}
		first, err := r.Current()
		if err != nil {
			t.Fatalf("Current()でエラーが発生: %v", err)
		}
		if r.State() != StateValid {
			t.Errorf("State() = %s, want VALID", r.State())
		}

		runRotator(t, r)
		waitFor(t, func() bool { return signer.callCount() >= 2 })

		second, err := r.Current()
		if err != nil {
			t.Fatalf("Current()でエラーが発生: %v", err)
		}
		if second.Token == first.Token {
			t.Error("トークンが差し替えられていない")
		}
		if first.Token != "token-1" {
			t.Errorf("取得済みのスナップショットが変更された: %s", first.Token)
		}
	})

	t.Run("異常系_再生成に失敗しても古いトークンを失効まで使い続けること", func(t *testing.T) {
		t.Parallel()

		signer := &fakeSigner{lifetime: 150 * time.Millisecond}
		m := metrics.New(nil)
		r := NewRotator(signer, Config{RefreshMargin: 120 * time.Millisecond, RetryInterval: 10 * time.Millisecond}, logger.Discard(), m)
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("Start()でエラーが発生: %v", err)
		}
		signer.setFail(true)
		runRotator(t, r)

		waitFor(t, func() bool { return signer.callCount() >= 2 })
		cred, err := r.Current()
		if err != nil && !errors.Is(err, ErrCredentialExpired) {
			t.Fatalf("Current()で想定外のエラーが発生: %v", err)
		}
		if cred.Token != "token-1" {
			t.Errorf("Token = %q, want token-1", cred.Token)
		}

		waitFor(t, func() bool { return r.State() == StateExpired })
		if _, err := r.Current(); !errors.Is(err, ErrCredentialExpired) {
			t.Errorf("err = %v, want ErrCredentialExpired", err)
		}
		if got := testutil.ToFloat64(m.CredentialErrors); got < 1 {
			t.Errorf("CredentialErrors = %v, want >= 1", got)
		}

		signer.setFail(false)
		waitFor(t, func() bool {
			_, err := r.Current()
			return err == nil
		})
	})

	t.Run("正常系_Triggerで前倒しに再生成されること", func(t *testing.T) {
		t.Parallel()

		signer := &fakeSigner{lifetime: time.Hour}
		r := NewRotator(signer, Config{RefreshMargin: time.Minute, RetryInterval: time.Second}, logger.Discard(), metrics.New(nil))
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("Start()でエラーが発生: %v", err)
		}
		runRotator(t, r)

		r.Trigger()
		waitFor(t, func() bool { return signer.callCount() >= 2 })
		cred, err := r.Current()
		if err != nil {
			t.Fatalf("Current()でエラーが発生: %v", err)
		}
		if cred.Token != "token-2" {
			t.Errorf("Token = %q, want token-2", cred.Token)
		}
	})
}
