// Package cli はゲートウェイ経由でバックエンドAPIを呼び出すコマンドラインツールを提供する。
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nao1215/closet/pkg/apiclient"
	"github.com/nao1215/closet/pkg/config"
	"github.com/nao1215/closet/pkg/endpoint"
	"github.com/nao1215/closet/pkg/identity"
	"github.com/nao1215/closet/pkg/logging"
)

// Version はコマンドのバージョン。
const Version = "0.1.0"

// tokenEnv は事前に発行済みのトークンを渡す環境変数。
const tokenEnv = "CLOSET_TOKEN"

// globalFlags は全サブコマンド共通のフラグ。
type globalFlags struct {
	configFile string
	baseURL    string
	logLevel   string
	user       string
	email      string
}

// NewRootCommand はルートコマンドを生成する。
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "closetctl",
		Short: "closet APIのコマンドラインクライアント",
		Long: `closetctl はエンドポイントキーを指定してバックエンドAPIを呼び出す。

保護されたエンドポイントには Bearer トークンを付与する。
トークンは環境変数 CLOSET_TOKEN、または --user と JWT_SECRET から発行する。`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "c", "", "設定ファイルのパス（YAML）")
	cmd.PersistentFlags().StringVar(&g.baseURL, "base-url", "", "接続先のベースURL（省略時は API_BASE_URL）")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "ログレベル（debug, info, warn, error）")
	cmd.PersistentFlags().StringVar(&g.user, "user", "", "サインインするユーザーID")
	cmd.PersistentFlags().StringVar(&g.email, "email", "", "サインインするユーザーのメールアドレス")

	cmd.AddCommand(newCallCommand(g))
	cmd.AddCommand(newEndpointsCommand(g))
	cmd.AddCommand(newTokenCommand(g))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "バージョンを表示する",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "closetctl version %s\n", Version)
		},
	})
	return cmd
}

// Execute はルートコマンドを実行する。
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// loadConfig は設定を読み込み、フラグで上書きする。
func (g *globalFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load("closetctl", g.configFile)
	if err != nil {
		return nil, err
	}
	if g.baseURL != "" {
		cfg.APIBaseURL = g.baseURL
	}
	return cfg, nil
}

// registry はエンドポイント定義を返す。ENDPOINTS_FILE がなければ組み込みの定義を使う。
func registry(cfg *config.Config) (*endpoint.Registry, error) {
	if cfg.EndpointsFile == "" {
		return endpoint.Default(), nil
	}
	return endpoint.LoadFile(cfg.EndpointsFile)
}

// session はCLI用のセッションを生成する。
// CLOSET_TOKEN があればそのトークンで、--user があれば JWT_SECRET で発行したトークンでサインインする。
// どちらもなければサインアウト状態になる。
func (g *globalFlags) session(cfg *config.Config) *identity.Session {
	var issuer identity.TokenIssuer = &identity.JWTIssuer{Secret: cfg.JWTSecret}
	token := os.Getenv(tokenEnv)
	if token != "" {
		issuer = identity.StaticToken(token)
	}

	s := identity.NewSession(issuer)
	s.MarkLoaded()
	switch {
	case g.user != "":
		s.SignIn(identity.User{ID: g.user, Email: g.email})
	case token != "":
		s.SignIn(identity.User{ID: "token"})
	}
	return s
}

// newClient は設定からゲートウェイを生成する。
// ログは既定でwarn以上のみ標準エラー出力に出す。
func (g *globalFlags) newClient() (*apiclient.Client, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}

	level := "warn"
	if g.logLevel != "" {
		level = g.logLevel
	}
	logger, err := logging.New("closetctl", level)
	if err != nil {
		return nil, err
	}

	reg, err := registry(cfg)
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL, reg, g.session(cfg), apiclient.WithLogger(logger))
}
