package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/closet/pkg/identity"
)

func newTokenCommand(g *globalFlags) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のJWTを発行する",
		Long:  "JWT_SECRET で署名したトークンを発行する。出力は CLOSET_TOKEN にそのまま設定できる。",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if g.user == "" {
				return errors.New("--user を指定してください")
			}
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			issuer := &identity.JWTIssuer{Secret: cfg.JWTSecret, TTL: ttl}
			token, err := issuer.Issue(cmd.Context(), identity.User{ID: g.user, Email: g.email})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "トークンの有効期間")
	return cmd
}
