package agent

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/config"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/approle"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/snapshot"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/metrics"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/wiring"
)

func NewCommand() *cobra.Command {
	var (
		configPath  string
		roleID      string
		secretID    string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the recurring snapshot loop",
		Long: `Runs the snapshot agent until SIGINT/SIGTERM: each cycle it
authenticates as the snapshot principal, skips unless the local node
is the raft leader, streams a snapshot, uploads it to object storage,
and prunes snapshots beyond the retention count.

The approle credential comes from --role-id/--secret-id, the
SEALCTL_ROLE_ID/SEALCTL_SECRET_ID env vars, or the secret id stored by
'sealctl bootstrap'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Snapshot.NodeAddr == "" {
				return fmt.Errorf("snapshot.node_addr is required for agent mode")
			}

			cred, err := resolveCredential(cfg, roleID, secretID)
			if err != nil {
				return err
			}

			client, err := wiring.NodeClient(cfg, cfg.Snapshot.NodeAddr, "")
			if err != nil {
				return err
			}
			store, err := snapshot.NewS3Store(cmd.Context(), snapshot.S3Config{
				Bucket:         cfg.Snapshot.Bucket,
				Endpoint:       cfg.Snapshot.Endpoint,
				Region:         cfg.Snapshot.Region,
				AccessKey:      cfg.Snapshot.AccessKey,
				SecretKey:      cfg.Snapshot.SecretKey,
				ForcePathStyle: cfg.Snapshot.ForcePathStyle,
			})
			if err != nil {
				return err
			}

			agent := metrics.NewAgent(cfg.Cluster.Name)
			if metricsAddr != "" {
				go serveMetrics(metricsAddr, agent)
			}

			scheduler := snapshot.NewScheduler(client, store, cred, snapshot.Config{
				Cluster:  cfg.Cluster.Name,
				Prefix:   cfg.Snapshot.Prefix,
				Interval: cfg.Snapshot.Interval,
				Retain:   cfg.Snapshot.Retain,
			}, agent)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.WithFields(log.Fields{
				"cluster":  cfg.Cluster.Name,
				"node":     cfg.Snapshot.NodeAddr,
				"interval": cfg.Snapshot.Interval.String(),
				"retain":   cfg.Snapshot.Retain,
			}).Info("snapshot agent starting")

			scheduler.Run(ctx)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "sealctl.yaml", "Path to the sealctl config file")
	cmd.Flags().StringVar(&roleID, "role-id", "", "AppRole role id (env: SEALCTL_ROLE_ID)")
	cmd.Flags().StringVar(&secretID, "secret-id", "", "AppRole secret id (env: SEALCTL_SECRET_ID)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for Prometheus metrics (disabled when empty)")
	return cmd
}

func resolveCredential(cfg *config.Config, roleID, secretID string) (approle.Credential, error) {
	if roleID == "" {
		roleID = os.Getenv("SEALCTL_ROLE_ID")
	}
	if secretID == "" {
		secretID = os.Getenv("SEALCTL_SECRET_ID")
	}

	if secretID == "" {
		store, err := wiring.OpenStore(cfg)
		if err == nil {
			if stored, err := store.Get(cfg.Cluster.Name, statestore.EntrySnapshotSecretID); err == nil {
				secretID = string(stored)
			} else if !errors.Is(err, statestore.ErrNotFound) {
				return approle.Credential{}, err
			}
		}
	}

	if roleID == "" || secretID == "" {
		return approle.Credential{}, fmt.Errorf(
			"snapshot credential incomplete: role id and secret id are both required")
	}
	return approle.Credential{RoleID: roleID, SecretID: secretID}, nil
}

func serveMetrics(addr string, agent *metrics.Agent) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", agent.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics listener stopped")
	}
}
