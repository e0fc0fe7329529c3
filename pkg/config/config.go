// Package config は各サービスとCLIの設定を環境変数と設定ファイルから読み込む。
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config はサービス共通の設定。
type Config struct {
	// Service はサービス名。
	Service string `mapstructure:"-"`
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// JWTSecret はJWT署名用の秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// DBPath はSQLiteデータベースファイルのパス。
	DBPath string `mapstructure:"db_path"`
	// StorageDir はオブジェクトストレージの保存先ディレクトリ。
	StorageDir string `mapstructure:"storage_dir"`
	// PublicBaseURL は署名付きURLの生成に使う外部公開URL。
	PublicBaseURL string `mapstructure:"public_base_url"`
	// SignedURLTTL は署名付きURLの有効期間。
	SignedURLTTL time.Duration `mapstructure:"signed_url_ttl"`
	// MaxUploadBytes はアップロード可能な最大サイズ。
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes"`
	// LogLevel はログレベル。
	LogLevel string `mapstructure:"log_level"`
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string `mapstructure:"frontend_url"`
	// APIBaseURL はクライアントが接続するバックエンドのベースURL。
	APIBaseURL string `mapstructure:"api_base_url"`
	// EndpointsFile はエンドポイント定義ファイルのパス。空の場合は組み込み定義を使う。
	EndpointsFile string `mapstructure:"endpoints_file"`
	// UpstreamAPIURL はゲートウェイの転送先となるAPIサービスのURL。
	UpstreamAPIURL string `mapstructure:"upstream_api_url"`
	// UpstreamUploadURL はゲートウェイの転送先となるアップロードサービスのURL。
	UpstreamUploadURL string `mapstructure:"upstream_upload_url"`
	// DevTokens は開発用トークン発行エンドポイントを有効にするか。
	DevTokens bool `mapstructure:"dev_tokens"`
}

// defaultPorts はサービスごとの既定ポート。
var defaultPorts = map[string]string{
	"gateway": "8000",
	"api":     "8080",
	"upload":  "8081",
}

// Load は環境変数（および指定された場合は設定ファイル）から設定を読み込む。
// 環境変数名はキーを大文字にしたもの（例: JWT_SECRET, DB_PATH）。
// 環境変数は設定ファイルより優先される。
func Load(service, configFile string) (*Config, error) {
	v := viper.New()

	port, ok := defaultPorts[service]
	if !ok {
		port = "8080"
	}
	v.SetDefault("port", port)
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("db_path", fmt.Sprintf("/data/%s.db", service))
	v.SetDefault("storage_dir", "/data/objects")
	v.SetDefault("public_base_url", "http://localhost:"+port)
	v.SetDefault("signed_url_ttl", time.Hour)
	v.SetDefault("max_upload_bytes", int64(20<<20))
	v.SetDefault("log_level", "info")
	v.SetDefault("frontend_url", "http://localhost:3000")
	v.SetDefault("api_base_url", "http://localhost:8000")
	v.SetDefault("endpoints_file", "")
	v.SetDefault("upstream_api_url", "http://localhost:8080")
	v.SetDefault("upstream_upload_url", "http://localhost:8081")
	v.SetDefault("dev_tokens", false)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定のデコードに失敗: %w", err)
	}
	cfg.Service = service

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は設定値の整合性を確認する。
func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("PORTが空です")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRETが空です")
	}
	if c.SignedURLTTL <= 0 {
		return fmt.Errorf("SIGNED_URL_TTLは正の値である必要があります: %v", c.SignedURLTTL)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTESは正の値である必要があります: %d", c.MaxUploadBytes)
	}
	return nil
}
