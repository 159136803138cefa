package status

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/config"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/cluster"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/wiring"
)

func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Read cluster health through the first reachable node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			token := os.Getenv("VAULT_TOKEN")
			var lastErr error
			for _, addr := range cfg.Cluster.Nodes {
				client, err := wiring.NodeClient(cfg, addr, token)
				if err != nil {
					lastErr = err
					continue
				}
				health, err := cluster.HealthCheck(cmd.Context(), client, cfg.Cluster.Quorum)
				if err != nil {
					lastErr = err
					continue
				}

				fmt.Printf("state:  %s\n", health.State)
				fmt.Printf("leader: %s\n", health.LeaderAddr)
				fmt.Printf("voters: %d (quorum %d)\n", health.Voters, health.Quorum)
				return nil
			}
			return fmt.Errorf("no node answered a health check: %w", lastErr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sealctl.yaml", "Path to the sealctl config file")
	return cmd
}
