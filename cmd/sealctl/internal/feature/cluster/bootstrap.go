package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/vaultapi"
)

// ErrBootstrapInProgress is returned when a second bootstrap attempt
// targets a cluster whose transition sequence is already running.
// Concurrent bootstrap of the same cluster is rejected, not queued.
var ErrBootstrapInProgress = errors.New("bootstrap already in progress for this cluster")

// ErrQuorumNotMet is wrapped into the error returned when fewer nodes
// joined than the configured quorum.
var ErrQuorumNotMet = errors.New("quorum not met")

// NodeAPI is the per-node client surface cluster formation needs.
// *vaultapi.Client satisfies it.
type NodeAPI interface {
	Address() string
	SealStatus(ctx context.Context) (*api.SealStatusResponse, error)
	Init(ctx context.Context, opts vaultapi.InitOptions) (*api.InitResponse, error)
	RaftJoin(ctx context.Context, leaderAddr, leaderCACert string) (bool, error)
	Leader(ctx context.Context) (*api.LeaderResponse, error)
	RaftVoterCount(ctx context.Context) (int, error)
	SetToken(token string)
}

// ClientFactory builds a NodeAPI for a node address.
type ClientFactory func(addr string) (NodeAPI, error)

// Config for one cluster bootstrap.
type Config struct {
	Name   string
	Nodes  []string
	Quorum int

	RecoveryShares    int
	RecoveryThreshold int

	UnsealPollInterval time.Duration
	UnsealMaxAttempts  int
	JoinMaxAttempts    int

	ReachTimeout time.Duration
	LeaderCACert string
}

// Bootstrapper drives a cluster from Uninitialized to Active. The
// seed node is always the first entry in the configured node order,
// so re-runs pick the same node and stay idempotent.
type Bootstrapper struct {
	factory ClientFactory
	store   statestore.Store
	cfg     Config
}

// clusterLocks serializes bootstrap per cluster identity within this
// process. The state store's create-once marker covers cross-process
// races.
var clusterLocks sync.Map

func NewBootstrapper(factory ClientFactory, store statestore.Store, cfg Config) *Bootstrapper {
	return &Bootstrapper{factory: factory, store: store, cfg: cfg}
}

// Bootstrap runs the formation state machine. The returned Result is
// populated even on error so callers can see which nodes joined.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Result, error) {
	lockAny, _ := clusterLocks.LoadOrStore(b.cfg.Name, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	if !lock.TryLock() {
		return nil, ErrBootstrapInProgress
	}
	defer lock.Unlock()

	result := &Result{State: Uninitialized}
	for _, addr := range b.cfg.Nodes {
		result.Nodes = append(result.Nodes, NodeResult{
			Addr:   addr,
			Seed:   addr == b.cfg.Nodes[0],
			Status: JoinPending,
		})
	}

	seed, err := b.factory(b.cfg.Nodes[0])
	if err != nil {
		return result, fmt.Errorf("seed client: %w", err)
	}
	if err := vaultapi.WaitReachable(ctx, seed, b.cfg.ReachTimeout); err != nil {
		return result, err
	}

	status, err := seed.SealStatus(ctx)
	if err != nil {
		return result, err
	}

	if status.Initialized {
		// Re-running against a formed cluster verifies instead of
		// re-initializing; the API would reject a second init anyway.
		result.Verified = true
		result.State = Next(result.State, Observation{Initialized: true})
	} else {
		result.State = Next(result.State, Observation{})
		if err := b.initializeSeed(ctx, seed, result); err != nil {
			return result, err
		}
		result.State = Next(result.State, Observation{Initialized: true})
	}

	// Unsealing: the seed's transit callback does the work, we only
	// poll. A "still sealed" read is lag, not failure.
	if err := vaultapi.PollSealStatus(ctx, seed, b.cfg.UnsealPollInterval, b.cfg.UnsealMaxAttempts); err != nil {
		return result, fmt.Errorf("seed unseal: %w", err)
	}
	result.Nodes[0].Status = JoinJoined
	result.State = Next(result.State, Observation{SeedUnsealed: true})

	b.joinFollowers(ctx, result)

	joined := result.Joined()
	result.State = Next(result.State, Observation{
		JoinedVoters: joined,
		Quorum:       b.cfg.Quorum,
	})

	switch {
	case result.State == Active && joined == len(b.cfg.Nodes):
		result.Outcome = FullyActive
	case result.State == Active:
		result.Outcome = DegradedUsable
	default:
		result.Outcome = FailedToForm
	}

	log.WithFields(log.Fields{
		"cluster": b.cfg.Name,
		"state":   result.State.String(),
		"outcome": result.Outcome.String(),
		"joined":  joined,
		"quorum":  b.cfg.Quorum,
		"failed":  result.Failed(),
	}).Info("cluster bootstrap finished")

	if result.Outcome == FailedToForm {
		return result, fmt.Errorf("cluster %q: %d of %d nodes joined (quorum %d): %w",
			b.cfg.Name, joined, len(b.cfg.Nodes), b.cfg.Quorum, ErrQuorumNotMet)
	}
	return result, nil
}

// initializeSeed performs the exactly-once first initialization. The
// state store's create-once marker is claimed before the API call so
// two racing processes cannot both init.
func (b *Bootstrapper) initializeSeed(ctx context.Context, seed NodeAPI, result *Result) error {
	marker := []byte(time.Now().UTC().Format(time.RFC3339) + " " + seed.Address())
	if err := b.store.Create(b.cfg.Name, statestore.EntryInitMarker, marker); err != nil {
		if errors.Is(err, statestore.ErrExists) {
			return fmt.Errorf(
				"cluster %q has an init marker but node %q reports uninitialized; "+
					"refusing to re-initialize, clear the state entry to proceed",
				b.cfg.Name, seed.Address(),
			)
		}
		return fmt.Errorf("claim init marker: %w", err)
	}

	resp, err := seed.Init(ctx, vaultapi.InitOptions{
		RecoveryShares:    b.cfg.RecoveryShares,
		RecoveryThreshold: b.cfg.RecoveryThreshold,
	})
	if err != nil {
		if vaultapi.IsAlreadySatisfied(err) {
			result.Verified = true
			return nil
		}
		return fmt.Errorf("initialize seed %q: %w", seed.Address(), err)
	}

	recovery := &RecoveryKeySet{
		Shares:    resp.RecoveryKeysB64,
		Threshold: b.cfg.RecoveryThreshold,
	}
	result.Recovery = recovery

	material, err := json.Marshal(recovery)
	if err != nil {
		return fmt.Errorf("encode recovery keys: %w", err)
	}
	if err := b.store.Put(b.cfg.Name, statestore.EntryRecoveryKeys, material); err != nil {
		return fmt.Errorf("persist recovery keys: %w", err)
	}
	if err := b.store.Put(b.cfg.Name, statestore.EntryRootToken, []byte(resp.RootToken)); err != nil {
		return fmt.Errorf("persist root token: %w", err)
	}

	seed.SetToken(resp.RootToken)
	return nil
}

// joinFollowers runs the join handshake for every non-seed node
// concurrently. Each join is independent; one node's terminal failure
// never aborts the others.
func (b *Bootstrapper) joinFollowers(ctx context.Context, result *Result) {
	var wg sync.WaitGroup
	for i := range result.Nodes {
		if result.Nodes[i].Seed {
			continue
		}
		wg.Add(1)
		go func(node *NodeResult) {
			defer wg.Done()
			b.joinNode(ctx, node)
		}(&result.Nodes[i])
	}
	wg.Wait()
}

// joinNode retries the handshake up to the configured budget. A join
// attempted before the seed finished unsealing comes back as a
// transient failure and is retried, not treated as terminal.
func (b *Bootstrapper) joinNode(ctx context.Context, node *NodeResult) {
	client, err := b.factory(node.Addr)
	if err != nil {
		node.Status = JoinFailed
		node.Err = err
		return
	}

	if err := vaultapi.WaitReachable(ctx, client, b.cfg.ReachTimeout); err != nil {
		node.Status = JoinFailed
		node.Err = err
		return
	}

	// Retry counts retries after the first attempt.
	var retries uint64
	if b.cfg.JoinMaxAttempts > 1 {
		retries = uint64(b.cfg.JoinMaxAttempts - 1)
	}

	seedAddr := b.cfg.Nodes[0]
	alreadyMember := false
	err = vaultapi.Retry(ctx, retries, func() error {
		node.Attempts++
		joined, err := client.RaftJoin(ctx, seedAddr, b.cfg.LeaderCACert)
		if err != nil {
			if vaultapi.IsAlreadySatisfied(err) {
				alreadyMember = true
				return nil
			}
			log.WithFields(log.Fields{
				"node":    node.Addr,
				"attempt": node.Attempts,
			}).WithError(err).Debug("raft join retrying")
			return err
		}
		if !joined {
			return vaultapi.Transient(fmt.Sprintf("raft join %q", node.Addr),
				errors.New("join request not yet accepted"))
		}
		return nil
	})
	if err != nil {
		node.Status = JoinFailed
		node.Err = fmt.Errorf("raft join %q: gave up after %d attempts: %w",
			node.Addr, node.Attempts, err)
		return
	}

	if alreadyMember {
		node.Status = JoinJoined
		return
	}

	// The join only completes once the node's own auto-unseal callback
	// finishes; poll it the same way as the seed.
	if err := vaultapi.PollSealStatus(ctx, client,
		b.cfg.UnsealPollInterval, b.cfg.UnsealMaxAttempts); err != nil {
		node.Status = JoinFailed
		node.Err = err
		return
	}
	node.Status = JoinJoined
	log.WithFields(log.Fields{
		"node":     node.Addr,
		"attempts": node.Attempts,
	}).Info("node joined raft cluster")
}
