package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nao1215/closet/pkg/endpoint"
)

func newEndpointsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "呼び出し可能なエンドポイントの一覧を表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			reg, err := registry(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tKEY\tPATH")
			for _, p := range []endpoint.Partition{endpoint.PartitionPublic, endpoint.PartitionProtected} {
				for _, key := range reg.Keys(p) {
					var path string
					if p == endpoint.PartitionPublic {
						path, err = reg.Public(key)
					} else {
						path, err = reg.Protected(key)
					}
					if err != nil {
						return err
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", p, key, path)
				}
			}
			return w.Flush()
		},
	}
}
