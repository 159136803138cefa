package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sealkit/sealctl/cmd/sealctl/cmd/sealconfig"
	transitcmd "github.com/sealkit/sealctl/cmd/sealctl/cmd/transit"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/config"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/approle"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/cluster"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/wiring"
)

// SnapshotPrincipal is the approle name provisioned for the agent.
const SnapshotPrincipal = "snapshot-agent"

func NewCommand() *cobra.Command {
	var (
		configPath     string
		rotateSecretID bool
	)

	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Run the full bootstrap sequence",
		Long: `Runs the whole sequence in order:

  1. transit bootstrap (init, engine, key, unseal credential)
  2. seal stanza composition and cross-node validation
  3. raft cluster formation (seed init + follower joins)
  4. snapshot principal provisioning (policy + approle credential)

Every step is idempotent; re-running against a formed cluster verifies
state instead of re-initializing. The seal stanzas from step 2 must be
installed in each node's startup configuration before its process
starts; bootstrap pauses for confirmation unless they are already in
place and the nodes are running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, rotateSecretID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sealctl.yaml", "Path to the sealctl config file")
	cmd.Flags().BoolVar(&rotateSecretID, "rotate-secret-id", false,
		"Mint a fresh secret id for the snapshot principal even if the stored one is valid")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, rotateSecretID bool) error {
	// Step 1: transit.
	transitResult, err := transitcmd.Run(ctx, cfg)
	if err != nil {
		return err
	}

	// Step 2: seal stanzas. Any cross-node mismatch fails here, before
	// a single cluster API call.
	if _, err := sealconfig.Compose(cfg, transitResult.KeyRef, transitResult.Credential); err != nil {
		return err
	}

	store, err := wiring.OpenStore(cfg)
	if err != nil {
		return err
	}

	// Step 3: cluster formation.
	clusterBootstrapper := cluster.NewBootstrapper(wiring.NodeFactory(cfg), store, cluster.Config{
		Name:               cfg.Cluster.Name,
		Nodes:              cfg.Cluster.Nodes,
		Quorum:             cfg.Cluster.Quorum,
		RecoveryShares:     cfg.Cluster.RecoveryShares,
		RecoveryThreshold:  cfg.Cluster.RecoveryThreshold,
		UnsealPollInterval: cfg.Cluster.UnsealPollInterval,
		UnsealMaxAttempts:  cfg.Cluster.UnsealMaxAttempts,
		JoinMaxAttempts:    cfg.Cluster.JoinMaxAttempts,
		ReachTimeout:       cfg.Transit.ReachTimeout,
		LeaderCACert:       tlsCACert(cfg),
	})

	result, err := clusterBootstrapper.Bootstrap(ctx)
	if err != nil {
		// Quorum-met partial failure comes back as DegradedUsable with a
		// nil error; any error here is fatal.
		return err
	}
	for _, failed := range result.Failed() {
		log.WithField("node", failed).
			Warn("node failed to join; retry it individually once it is healthy")
	}

	// Step 4: snapshot principal, provisioned through the seed node.
	token, err := clusterToken(cfg, store)
	if err != nil {
		return err
	}
	seed, err := wiring.NodeClient(cfg, cfg.Cluster.Nodes[0], token)
	if err != nil {
		return err
	}

	provisioner := approle.NewProvisioner(seed, store, cfg.Cluster.Name)
	cred, err := provisioner.Provision(ctx, SnapshotPrincipal, approle.SnapshotPolicyRules(), rotateSecretID)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"cluster":   cfg.Cluster.Name,
		"outcome":   result.Outcome.String(),
		"joined":    result.Joined(),
		"principal": SnapshotPrincipal,
		"role_id":   cred.RoleID,
	}).Info("bootstrap complete")

	fmt.Printf("outcome: %s\nrole_id: %s\n", result.Outcome, cred.RoleID)
	return nil
}

// clusterToken resolves the token used for post-formation
// provisioning: an explicit VAULT_TOKEN wins, otherwise the root token
// captured at first initialization.
func clusterToken(cfg *config.Config, store statestore.Store) (string, error) {
	if t := os.Getenv("VAULT_TOKEN"); t != "" {
		return t, nil
	}
	stored, err := store.Get(cfg.Cluster.Name, statestore.EntryRootToken)
	if err != nil {
		if errors.Is(err, statestore.ErrNotFound) {
			return "", fmt.Errorf("no cluster token available: set VAULT_TOKEN or run first-time bootstrap")
		}
		return "", err
	}
	return string(stored), nil
}

func tlsCACert(cfg *config.Config) string {
	if cfg.TLS.CACert == "" {
		return ""
	}
	content, err := os.ReadFile(cfg.TLS.CACert)
	if err != nil {
		log.WithError(err).Warn("could not read CA certificate for raft join")
		return ""
	}
	return string(content)
}
