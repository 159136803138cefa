package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/approle"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/metrics"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/vaultapi"
)

// keyTimeLayout derives the object key from the cycle timestamp.
// Lexicographic order equals chronological order, which the pruner
// relies on.
const keyTimeLayout = "2006-01-02T15-04-05"

// sessionSlack renews the cached session token this long before it
// would expire.
const sessionSlack = 30 * time.Second

// SessionAPI is the node client surface one snapshot cycle needs.
type SessionAPI interface {
	Address() string
	LoginAppRole(ctx context.Context, mount, roleID, secretID string) (string, time.Duration, error)
	SetToken(token string)
	Leader(ctx context.Context) (*api.LeaderResponse, error)
	Snapshot(ctx context.Context, w io.Writer) error
}

// Config for the scheduler.
type Config struct {
	Cluster  string
	Prefix   string
	Interval time.Duration
	Retain   int

	// SpoolDir receives the snapshot stream before upload; defaults to
	// the OS temp dir.
	SpoolDir string

	// MaxAttempts bounds in-cycle retries of the auth/leader/stream
	// steps.
	MaxAttempts uint64
}

// CycleOutcome is the per-cycle result, one of success, skipped
// (not leader), or failure.
type CycleOutcome string

const (
	CycleSuccess CycleOutcome = "success"
	CycleSkipped CycleOutcome = "skipped"
	CycleFailure CycleOutcome = "failure"
)

// Scheduler runs the recurring snapshot loop: authenticate, check
// leader affinity, stream, upload, verify, prune. A single cycle's
// failure never stops the loop, and retry state resets between
// cycles.
type Scheduler struct {
	client SessionAPI
	store  ObjectStore
	cred   approle.Credential
	cfg    Config
	agent  *metrics.Agent

	sessionToken  string
	sessionExpiry time.Time

	// records holds this scheduler's most recent uploads, bounded by
	// the retention count. The object store stays the source of truth
	// for what exists.
	records []Record

	// now is swappable for tests.
	now func() time.Time
}

func NewScheduler(client SessionAPI, store ObjectStore, cred approle.Credential, cfg Config, agent *metrics.Agent) *Scheduler {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = os.TempDir()
	}
	return &Scheduler{
		client: client,
		store:  store,
		cred:   cred,
		cfg:    cfg,
		agent:  agent,
		now:    time.Now,
	}
}

// Run executes cycles until ctx is cancelled. The first cycle runs
// immediately.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		outcome, err := s.Cycle(ctx)
		entry := log.WithFields(log.Fields{
			"cluster": s.cfg.Cluster,
			"outcome": string(outcome),
		})
		switch {
		case err != nil && ctx.Err() != nil:
			entry.Info("snapshot agent stopping")
			return
		case err != nil:
			entry.WithError(err).Error("snapshot cycle failed")
		default:
			entry.Info("snapshot cycle finished")
		}
		if s.agent != nil {
			s.agent.CyclesTotal.WithLabelValues(string(outcome)).Inc()
		}

		select {
		case <-ctx.Done():
			log.WithField("cluster", s.cfg.Cluster).Info("snapshot agent stopping")
			return
		case <-ticker.C:
		}
	}
}

// Cycle performs one snapshot pass.
func (s *Scheduler) Cycle(ctx context.Context) (CycleOutcome, error) {
	isLeader, err := s.withRetry(ctx, func() (bool, error) {
		if err := s.ensureSession(ctx); err != nil {
			return false, err
		}
		leader, err := s.client.Leader(ctx)
		if err != nil {
			return false, err
		}
		return leader.IsSelf, nil
	})
	if err != nil {
		return CycleFailure, err
	}

	if !isLeader {
		// Not an error: replicas observe and stand down so only the
		// leader uploads.
		log.WithFields(log.Fields{
			"cluster": s.cfg.Cluster,
			"node":    s.client.Address(),
		}).Info("skipped, not leader")
		return CycleSkipped, nil
	}

	record, err := s.captureAndUpload(ctx)
	if err != nil {
		return CycleFailure, err
	}
	s.records = append(s.records, *record)
	if len(s.records) > s.cfg.Retain {
		s.records = s.records[len(s.records)-s.cfg.Retain:]
	}

	if s.agent != nil {
		s.agent.LastSnapshotBytes.Set(float64(record.SizeBytes))
		s.agent.LastSnapshotTime.Set(float64(record.Timestamp.Unix()))
	}

	// Prune failures are logged and retried next cycle; the upload
	// already succeeded.
	if err := s.Prune(ctx); err != nil {
		log.WithError(err).WithField("cluster", s.cfg.Cluster).
			Warn("retention pruning incomplete")
	}

	return CycleSuccess, nil
}

// captureAndUpload streams the snapshot to a spool file while hashing,
// uploads it, and verifies the stored copy before keeping the record.
func (s *Scheduler) captureAndUpload(ctx context.Context) (*Record, error) {
	spool, err := os.CreateTemp(s.cfg.SpoolDir, "sealctl-snapshot-*.snap")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	hash := sha256.New()
	_, err = s.withRetry(ctx, func() (bool, error) {
		if err := s.ensureSession(ctx); err != nil {
			return false, err
		}
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return false, backoff.Permanent(err)
		}
		if err := spool.Truncate(0); err != nil {
			return false, backoff.Permanent(err)
		}
		hash.Reset()

		if err := s.client.Snapshot(ctx, io.MultiWriter(spool, hash)); err != nil {
			if vaultapi.IsAuthDenied(err) {
				// Session expired mid-stream: drop it so the retry
				// re-authenticates once, then surface if that fails too.
				s.sessionToken = ""
			}
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot stream: %w", err)
	}

	info, err := spool.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat spool file: %w", err)
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	ts := s.now().UTC()
	key := fmt.Sprintf("%s/%s.snap", strings.Trim(s.cfg.Prefix, "/"), ts.Format(keyTimeLayout))

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spool file: %w", err)
	}
	if err := s.store.Put(ctx, key, spool, info.Size(), checksum); err != nil {
		return nil, fmt.Errorf("upload %q: %w", key, err)
	}

	stored, storedSize, err := s.store.Checksum(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("verify %q: %w", key, err)
	}
	if stored != checksum || storedSize != info.Size() {
		// Never retried: re-uploading over a corrupt write could mask
		// data loss. Remove the bad object so the pruner never counts it.
		if delErr := s.store.Delete(ctx, key); delErr != nil {
			log.WithError(delErr).WithField("key", key).
				Warn("could not remove corrupt snapshot object")
		}
		return nil, vaultapi.Integrity(fmt.Sprintf("upload %q", key), fmt.Errorf(
			"stored checksum/size %s/%d does not match local %s/%d",
			stored, storedSize, checksum, info.Size(),
		))
	}

	return &Record{
		Timestamp: ts,
		ObjectKey: key,
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}, nil
}

// History returns the uploads this scheduler performed, oldest first,
// bounded by the retention count.
func (s *Scheduler) History() []Record {
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Prune deletes snapshot objects beyond the retention count, oldest
// first. Objects whose keys do not parse as snapshot keys are left
// alone.
func (s *Scheduler) Prune(ctx context.Context) error {
	prefix := strings.Trim(s.cfg.Prefix, "/") + "/"
	objects, err := s.store.List(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}

	var keys []string
	for _, obj := range objects {
		if strings.HasSuffix(obj.Key, ".snap") {
			keys = append(keys, obj.Key)
		}
	}
	// Keys embed the timestamp, so descending sort is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	if len(keys) <= s.cfg.Retain {
		return nil
	}

	var failed int
	for _, key := range keys[s.cfg.Retain:] {
		if err := s.store.Delete(ctx, key); err != nil {
			failed++
			if s.agent != nil {
				s.agent.PruneErrorsTotal.Inc()
			}
			log.WithError(err).WithField("key", key).Warn("prune delete failed")
			continue
		}
		if s.agent != nil {
			s.agent.PruneDeletesTotal.Inc()
		}
		log.WithField("key", key).Debug("pruned snapshot")
	}

	if failed > 0 {
		return fmt.Errorf("%d prune deletions failed", failed)
	}
	return nil
}

// ensureSession logs in with the approle credential unless a cached
// session token is still comfortably valid.
func (s *Scheduler) ensureSession(ctx context.Context) error {
	if s.sessionToken != "" && s.now().Add(sessionSlack).Before(s.sessionExpiry) {
		return nil
	}

	token, lease, err := s.client.LoginAppRole(ctx, approle.Mount, s.cred.RoleID, s.cred.SecretID)
	if err != nil {
		return fmt.Errorf("approle login: %w", err)
	}

	s.sessionToken = token
	s.sessionExpiry = s.now().Add(lease)
	s.client.SetToken(token)
	return nil
}

// withRetry retries fn with exponential backoff within the cycle's
// attempt budget. Auth failures get exactly one retry (after
// re-authentication); integrity failures none.
func (s *Scheduler) withRetry(ctx context.Context, fn func() (bool, error)) (bool, error) {
	var out bool
	var authRetried bool

	op := func() error {
		v, err := fn()
		if err == nil {
			out = v
			return nil
		}
		if s.agent != nil {
			s.agent.RetriesTotal.Inc()
		}
		switch {
		case vaultapi.IsTransient(err):
			return err
		case vaultapi.IsAuthDenied(err) && !authRetried:
			authRetried = true
			s.sessionToken = ""
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(b, s.cfg.MaxAttempts), ctx))
	return out, err
}
