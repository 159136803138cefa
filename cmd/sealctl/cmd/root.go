package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sealkit/sealctl/cmd/sealctl/cmd/agent"
	"github.com/sealkit/sealctl/cmd/sealctl/cmd/bootstrap"
	"github.com/sealkit/sealctl/cmd/sealctl/cmd/sealconfig"
	"github.com/sealkit/sealctl/cmd/sealctl/cmd/status"
	"github.com/sealkit/sealctl/cmd/sealctl/cmd/transit"
)

var rootCmd = &cobra.Command{
	Use:   "sealctl",
	Short: "Bootstrap and operate a self-unsealing secrets cluster",
	Long: `sealctl drives a transit-backed auto-unseal setup end to end:

  transit      - initialize the standalone transit instance and mint
                 the wrap/unwrap-only unseal credential
  seal-config  - render and validate the per-node seal stanza
  bootstrap    - full sequence: transit, seal config, raft cluster
                 formation, snapshot principal
  agent        - recurring snapshot-to-object-storage loop
  status       - one-shot cluster health read`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	rootCmd.AddCommand(transit.NewCommand())
	rootCmd.AddCommand(sealconfig.NewCommand())
	rootCmd.AddCommand(bootstrap.NewCommand())
	rootCmd.AddCommand(agent.NewCommand())
	rootCmd.AddCommand(status.NewCommand())
}
