// Package storage はアップロードされた画像を保存するオブジェクトストレージを提供する。
//
// オブジェクトはキー（例: "uploads/<uuid>.jpg"）で識別され、
// 期限付きの署名付きURLを通じてのみ外部から参照できる。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNotFound はオブジェクトが存在しないことを表す。
var ErrNotFound = errors.New("オブジェクトが見つかりません")

// ErrInvalidSignature は署名付きURLのトークンが不正であることを表す。
var ErrInvalidSignature = errors.New("署名が不正です")

// Bucket はオブジェクトの保存と取得を行うストレージ。
type Bucket interface {
	// Put はオブジェクトを保存する。
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	// Open はオブジェクトを読み出す。存在しない場合は ErrNotFound を返す。
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete はオブジェクトを削除する。
	Delete(ctx context.Context, key string) error
}

// ValidateKey はオブジェクトキーとして使用できるかを検証する。
// 絶対パスやディレクトリトラバーサルを含むキーは拒否する。
func ValidateKey(key string) error {
	if key == "" {
		return errors.New("キーが空です")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("不正なキーです: %q", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("正規化されていないキーです: %q", key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." || seg == "." {
			return fmt.Errorf("不正なキーです: %q", key)
		}
	}
	return nil
}

// DiskBucket はローカルディスクに保存する Bucket の実装。
type DiskBucket struct {
	dir string
}

var _ Bucket = (*DiskBucket)(nil)

// NewDiskBucket は指定したディレクトリを保存先とするバケットを生成する。
// ディレクトリが存在しない場合は作成する。
func NewDiskBucket(dir string) (*DiskBucket, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ストレージディレクトリの作成に失敗: %w", err)
	}
	return &DiskBucket{dir: dir}, nil
}

func (b *DiskBucket) path(key string) (string, error) {
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(b.dir, filepath.FromSlash(key)), nil
}

// Put はオブジェクトを一時ファイルに書き込んでからリネームする。
// 書き込み途中のファイルが読み出されることはない。
func (b *DiskBucket) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	dst, err := b.path(key)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, fmt.Errorf("保存先ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	written, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		return 0, fmt.Errorf("オブジェクトの書き込みに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return 0, fmt.Errorf("オブジェクトの保存に失敗: %w", err)
	}
	return written, nil
}

// Open はオブジェクトを読み出す。
func (b *DiskBucket) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("オブジェクトのオープンに失敗: %w", err)
	}
	return f, nil
}

// Delete はオブジェクトを削除する。存在しない場合は何もしない。
func (b *DiskBucket) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("オブジェクトの削除に失敗: %w", err)
	}
	return nil
}

// urlClaims は署名付きURLのトークンに含めるクレーム。
type urlClaims struct {
	jwt.RegisteredClaims
	// Key は参照を許可するオブジェクトキー。
	Key string `json:"key"`
}

// URLSigner は期限付きの署名付きURLを発行・検証する。
type URLSigner struct {
	// baseURL は外部公開URL（例: "https://cdn.example.com"）。
	baseURL string
	secret  []byte
}

// NewURLSigner は署名付きURLの発行者を生成する。
func NewURLSigner(baseURL, secret string) (*URLSigner, error) {
	if secret == "" {
		return nil, errors.New("署名鍵が空です")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("公開URLのパースに失敗: %w", err)
	}
	return &URLSigner{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}, nil
}

// Sign はキーに対する署名付きURLを返す。URLは now+ttl まで有効。
func (s *URLSigner) Sign(key string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if err := ValidateKey(key); err != nil {
		return "", time.Time{}, err
	}
	expiresAt := now.Add(ttl)
	claims := urlClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Key: key,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("URLの署名に失敗: %w", err)
	}

	segments := strings.Split(key, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/assets/%s?token=%s", s.baseURL, strings.Join(segments, "/"), url.QueryEscape(token)), expiresAt, nil
}

// Verify はトークンが有効期限内かつ key に対して発行されたものかを検証する。
func (s *URLSigner) Verify(key, token string) error {
	claims := &urlClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return ErrInvalidSignature
	}
	if claims.Key != key {
		return ErrInvalidSignature
	}
	return nil
}
