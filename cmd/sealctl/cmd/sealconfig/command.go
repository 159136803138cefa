package sealconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/config"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/seal"
)

func NewCommand() *cobra.Command {
	var (
		configPath string
		token      string
		outDir     string
	)

	cmd := &cobra.Command{
		Use:   "seal-config",
		Short: "Render and validate the per-node seal stanza",
		Long: `Composes the transit seal stanza every cluster node must carry in its
startup configuration, validates it, and checks the composed set is
identical across nodes. The stanza must be in place before a node
process starts; it is never applied at runtime.

With --out, one <host>.hcl file is written per node; otherwise the
stanza is printed once.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("SEALCTL_UNSEAL_TOKEN")
			}
			if token == "" {
				return fmt.Errorf("an unseal token is required (--token or SEALCTL_UNSEAL_TOKEN)")
			}

			ref := seal.KeyRef{KeyName: cfg.Transit.KeyName, MountPath: cfg.Transit.Mount}
			cred := seal.Credential{Token: token}

			seals, err := Compose(cfg, ref, cred)
			if err != nil {
				return err
			}

			if outDir == "" {
				fmt.Print(seals[0].Seal.Render())
				return nil
			}

			if err := os.MkdirAll(outDir, 0o700); err != nil {
				return fmt.Errorf("create output dir %q: %w", outDir, err)
			}
			for _, ns := range seals {
				name := strings.NewReplacer("://", "_", ":", "_", "/", "_").Replace(ns.NodeAddr)
				path := filepath.Join(outDir, name+".hcl")
				if err := os.WriteFile(path, []byte(ns.Seal.Render()), 0o600); err != nil {
					return fmt.Errorf("write seal stanza %q: %w", path, err)
				}
				log.WithFields(log.Fields{
					"node": ns.NodeAddr,
					"file": path,
				}).Info("seal stanza written")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sealctl.yaml", "Path to the sealctl config file")
	cmd.Flags().StringVar(&token, "token", "", "Unseal token minted by 'sealctl transit' (env: SEALCTL_UNSEAL_TOKEN)")
	cmd.Flags().StringVar(&outDir, "out", "", "Directory to write per-node stanza files into")
	return cmd
}

// Compose builds the stanza for every configured node and validates
// uniformity. Shared with the full bootstrap command.
func Compose(cfg *config.Config, ref seal.KeyRef, cred seal.Credential) ([]seal.NodeSeal, error) {
	var seals []seal.NodeSeal
	for _, node := range cfg.Cluster.Nodes {
		stanza, err := seal.Compose(cfg.Transit.Addr, ref, cred, cfg.TLS.SkipVerify)
		if err != nil {
			return nil, fmt.Errorf("compose seal for %q: %w", node, err)
		}
		seals = append(seals, seal.NodeSeal{NodeAddr: node, Seal: stanza})
	}
	if err := seal.ValidateUniform(seals); err != nil {
		return nil, err
	}
	return seals, nil
}
