package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer はトークンの発行者名。
const DefaultIssuer = "closet-identity"

// DefaultTokenTTL は発行するトークンの有効期間。
// 呼び出しごとに発行し直すため短めにしている。
const DefaultTokenTTL = 5 * time.Minute

// Claims はJWTトークンのクレーム（ペイロード）を表す。
type Claims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
}

// User はサインイン中のユーザー。
type User struct {
	// ID はユーザーの一意識別子。
	ID string
	// Email はユーザーのメールアドレス。
	Email string
}

// GenerateToken はユーザー情報からHS256署名のJWTトークンを生成する。
func GenerateToken(secret string, user User, issuer string, ttl time.Duration, now time.Time) (string, error) {
	if secret == "" {
		return "", errors.New("署名鍵が空です")
	}
	if user.ID == "" {
		return "", errors.New("ユーザーIDが空です")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
		UserID: user.ID,
		Email:  user.Email,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// ParseToken はJWTトークンを検証してクレームを返す。
// HS256以外の署名アルゴリズムは拒否する。
func ParseToken(secret, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}
	if claims.UserID == "" {
		return nil, errors.New("トークンにユーザーIDが含まれていません")
	}
	return claims, nil
}

// TokenIssuer はサインイン中のユーザーに対してトークンを発行する。
type TokenIssuer interface {
	Issue(ctx context.Context, user User) (string, error)
}

// JWTIssuer は共有鍵でJWTを発行する TokenIssuer。
// 開発環境やCLIでIDプロバイダの代わりに使用する。
type JWTIssuer struct {
	// Secret はHS256の署名鍵。
	Secret string
	// Issuer はトークンの発行者名。空の場合は DefaultIssuer。
	Issuer string
	// TTL はトークンの有効期間。0の場合は DefaultTokenTTL。
	TTL time.Duration
	// Now は現在時刻を返す。nilの場合は time.Now。
	Now func() time.Time
}

// Issue はユーザーに対して新しいJWTを発行する。
func (i *JWTIssuer) Issue(ctx context.Context, user User) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	issuer := i.Issuer
	if issuer == "" {
		issuer = DefaultIssuer
	}
	ttl := i.TTL
	if ttl == 0 {
		ttl = DefaultTokenTTL
	}
	now := time.Now
	if i.Now != nil {
		now = i.Now
	}
	return GenerateToken(i.Secret, user, issuer, ttl, now())
}

// StaticToken は事前に用意したトークンをそのまま返す TokenIssuer。
type StaticToken string

// Issue は保持しているトークンを返す。
func (s StaticToken) Issue(_ context.Context, _ User) (string, error) {
	return string(s), nil
}
