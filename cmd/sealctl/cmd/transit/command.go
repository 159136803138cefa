package transit

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/config"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/seal"
	transitpkg "github.com/sealkit/sealctl/cmd/sealctl/internal/feature/transit"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/wiring"
)

func NewCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "transit",
		Short: "Bootstrap the transit instance and mint the unseal credential",
		Long: `Initializes the standalone transit instance if needed, enables the
transit engine, creates the wrapping key, and mints a token scoped to
wrap/unwrap on that key only. Idempotent: an already-bootstrapped
instance is reused, never re-created.

Recovery material is written to the state directory for operator
storage. Prints the rendered seal stanza on success.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			result, err := Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			stanza, err := seal.Compose(cfg.Transit.Addr, result.KeyRef, result.Credential, cfg.TLS.SkipVerify)
			if err != nil {
				return err
			}
			fmt.Print(stanza.Render())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sealctl.yaml", "Path to the sealctl config file")
	return cmd
}

// Run executes transit bootstrap for the given configuration. Shared
// with the full bootstrap command.
func Run(ctx context.Context, cfg *config.Config) (*transitpkg.Result, error) {
	client, err := wiring.TransitClient(cfg)
	if err != nil {
		return nil, err
	}
	store, err := wiring.OpenStore(cfg)
	if err != nil {
		return nil, err
	}

	bootstrapper := transitpkg.NewBootstrapper(client, store, transitpkg.Config{
		ClusterName:  cfg.Cluster.Name,
		Mount:        cfg.Transit.Mount,
		KeyName:      cfg.Transit.KeyName,
		ReachTimeout: cfg.Transit.ReachTimeout,
	})
	return bootstrapper.Bootstrap(ctx)
}
