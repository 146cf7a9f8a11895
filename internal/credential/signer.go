package credential

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential はプロバイダへのリクエストに付与する認証トークン。生成後は変更しない。
type Credential struct {
	// Token はAuthorizationヘッダーに設定するトークン文字列。
	Token string
	// KeyID は署名に使用した鍵の識別子。
	KeyID string
	// IssuedAt は発行日時。
	IssuedAt time.Time
	// ExpiresAt は失効日時。
	ExpiresAt time.Time
}

// Expired はnow時点で失効しているかを返す。
func (c *Credential) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Signer は認証トークンを生成する。
type Signer interface {
	Sign(now time.Time) (*Credential, error)
}

// JWTSigner はP-256鍵でES256署名したJWTを認証トークンとして生成する。
// issにはチームID、ヘッダーのkidには鍵IDを設定する。
type JWTSigner struct {
	key      *ecdsa.PrivateKey
	keyID    string
	teamID   string
	lifetime time.Duration
}

// NewJWTSigner はPEM形式の秘密鍵からJWTSignerを生成する。
func NewJWTSigner(pemBytes []byte, keyID, teamID string, lifetime time.Duration) (*JWTSigner, error) {
	if keyID == "" || teamID == "" {
		return nil, errors.New("鍵IDとチームIDは必須です")
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("有効期間が不正です: %s", lifetime)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の解析に失敗: %w", err)
	}
	if key.Curve.Params().Name != "P-256" {
		return nil, fmt.Errorf("ES256にはP-256鍵が必要です: %s", key.Curve.Params().Name)
	}
	return &JWTSigner{key: key, keyID: keyID, teamID: teamID, lifetime: lifetime}, nil
}

// LoadJWTSigner はファイルから秘密鍵を読み込みJWTSignerを生成する。
func LoadJWTSigner(path, keyID, teamID string, lifetime time.Duration) (*JWTSigner, error) {
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("秘密鍵の読み込みに失敗: %w", err)
	}
	return NewJWTSigner(pemBytes, keyID, teamID, lifetime)
}

// Sign はnow時点で発行された認証トークンを生成する。
func (s *JWTSigner) Sign(now time.Time) (*Credential, error) {
	issuedAt := now.UTC().Truncate(time.Second)
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:   s.teamID,
		IssuedAt: jwt.NewNumericDate(issuedAt),
	})
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("認証トークンの署名に失敗: %w", err)
	}
	return &Credential{
		Token:     signed,
		KeyID:     s.keyID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(s.lifetime),
	}, nil
}

// PublicKey は検証用の公開鍵を返す。
func (s *JWTSigner) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}
