package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/vaultapi"
)

// fakeNode simulates one cluster node. The auto-unseal callback is
// modeled as instantaneous: unsealing follows init or join directly.
type fakeNode struct {
	addr string

	mu          sync.Mutex
	initialized bool
	sealed      bool
	joinErrs    []error
	notAccepted int
	initCalls   int
	token       string
}

func (f *fakeNode) Address() string { return f.addr }

func (f *fakeNode) SealStatus(context.Context) (*api.SealStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &api.SealStatusResponse{Initialized: f.initialized, Sealed: f.sealed}, nil
}

func (f *fakeNode) Init(context.Context, vaultapi.InitOptions) (*api.InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initialized {
		return nil, &api.ResponseError{
			StatusCode: 400,
			Errors:     []string{"Vault is already initialized"},
		}
	}
	f.initCalls++
	f.initialized = true
	f.sealed = false
	return &api.InitResponse{
		RecoveryKeysB64: []string{"r1", "r2", "r3", "r4", "r5"},
		RootToken:       "root-token",
	}, nil
}

func (f *fakeNode) RaftJoin(context.Context, string, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.joinErrs) > 0 {
		err := f.joinErrs[0]
		f.joinErrs = f.joinErrs[1:]
		return false, err
	}
	if f.notAccepted > 0 {
		f.notAccepted--
		return false, nil
	}
	f.initialized = true
	f.sealed = false
	return true, nil
}

func (f *fakeNode) Leader(context.Context) (*api.LeaderResponse, error) {
	return &api.LeaderResponse{
		HAEnabled:     true,
		IsSelf:        f.addr == "https://vault1:8200",
		LeaderAddress: "https://vault1:8200",
	}, nil
}

func (f *fakeNode) RaftVoterCount(context.Context) (int, error) { return 3, nil }

func (f *fakeNode) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.token = token
}

func testConfig(name string) Config {
	return Config{
		Name:               name,
		Nodes:              []string{"https://vault1:8200", "https://vault2:8200", "https://vault3:8200"},
		Quorum:             2,
		RecoveryShares:     5,
		RecoveryThreshold:  3,
		UnsealPollInterval: time.Millisecond,
		UnsealMaxAttempts:  10,
		JoinMaxAttempts:    4,
		ReachTimeout:       time.Second,
	}
}

func fakeFactory(nodes map[string]*fakeNode) ClientFactory {
	return func(addr string) (NodeAPI, error) {
		node, ok := nodes[addr]
		if !ok {
			return nil, fmt.Errorf("no such node %q", addr)
		}
		return node, nil
	}
}

func threeNodes(sealed bool) map[string]*fakeNode {
	return map[string]*fakeNode{
		"https://vault1:8200": {addr: "https://vault1:8200", sealed: sealed},
		"https://vault2:8200": {addr: "https://vault2:8200", sealed: sealed},
		"https://vault3:8200": {addr: "https://vault3:8200", sealed: sealed},
	}
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("given fresh nodes then fully active cluster", func(t *testing.T) {
		nodes := threeNodes(true)
		store := statestore.NewMemStore()

		result, err := NewBootstrapper(fakeFactory(nodes), store, testConfig("fresh")).Bootstrap(ctx)
		require.NoError(t, err)

		assert.Equal(t, Active, result.State)
		assert.Equal(t, FullyActive, result.Outcome)
		assert.Equal(t, 3, result.Joined())
		assert.Empty(t, result.Failed())
		assert.False(t, result.Verified)

		require.NotNil(t, result.Recovery)
		assert.Len(t, result.Recovery.Shares, 5)
		assert.Equal(t, 3, result.Recovery.Threshold)

		assert.Equal(t, 1, nodes["https://vault1:8200"].initCalls)
		assert.Equal(t, "root-token", nodes["https://vault1:8200"].token,
			"root token bound to the seed for follow-up calls")

		token, err := store.Get("fresh", statestore.EntryRootToken)
		require.NoError(t, err)
		assert.Equal(t, []byte("root-token"), token)

		ok, err := store.Exists("fresh", statestore.EntryInitMarker)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("given one node terminally failing then degraded but usable", func(t *testing.T) {
		nodes := threeNodes(true)
		nodes["https://vault3:8200"].joinErrs = []error{
			&api.ResponseError{StatusCode: 403, Errors: []string{"permission denied"}},
		}

		result, err := NewBootstrapper(fakeFactory(nodes), statestore.NewMemStore(), testConfig("partial")).Bootstrap(ctx)
		require.NoError(t, err, "quorum met, partial failure is not an abort")

		assert.Equal(t, DegradedUsable, result.Outcome)
		assert.Equal(t, 2, result.Joined())
		assert.Equal(t, []string{"https://vault3:8200"}, result.Failed())
	})

	t.Run("given quorum unreachable then failed to form", func(t *testing.T) {
		denied := &api.ResponseError{StatusCode: 403, Errors: []string{"permission denied"}}
		nodes := threeNodes(true)
		nodes["https://vault2:8200"].joinErrs = []error{denied}
		nodes["https://vault3:8200"].joinErrs = []error{denied}

		result, err := NewBootstrapper(fakeFactory(nodes), statestore.NewMemStore(), testConfig("underquorum")).Bootstrap(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQuorumNotMet)

		require.NotNil(t, result, "result populated even on failure")
		assert.Equal(t, FailedToForm, result.Outcome)
		assert.Equal(t, 1, result.Joined())
		assert.Len(t, result.Failed(), 2)
	})

	t.Run("given transient join failures then retried until joined", func(t *testing.T) {
		unready := &api.ResponseError{StatusCode: 500, Errors: []string{"raft storage not ready"}}
		nodes := threeNodes(true)
		nodes["https://vault2:8200"].joinErrs = []error{unready, unready}

		result, err := NewBootstrapper(fakeFactory(nodes), statestore.NewMemStore(), testConfig("flaky")).Bootstrap(ctx)
		require.NoError(t, err)

		assert.Equal(t, FullyActive, result.Outcome)
		for _, node := range result.Nodes {
			if node.Addr == "https://vault2:8200" {
				assert.Equal(t, 3, node.Attempts)
			}
		}
	})

	t.Run("given join not yet accepted then retried without error", func(t *testing.T) {
		nodes := threeNodes(true)
		nodes["https://vault3:8200"].notAccepted = 1

		result, err := NewBootstrapper(fakeFactory(nodes), statestore.NewMemStore(), testConfig("slowjoin")).Bootstrap(ctx)
		require.NoError(t, err)

		assert.Equal(t, FullyActive, result.Outcome)
		for _, node := range result.Nodes {
			if node.Addr == "https://vault3:8200" {
				assert.Equal(t, 2, node.Attempts)
			}
		}
	})

	t.Run("given already formed cluster then verified without re-init", func(t *testing.T) {
		nodes := threeNodes(false)
		for _, node := range nodes {
			node.initialized = true
		}

		result, err := NewBootstrapper(fakeFactory(nodes), statestore.NewMemStore(), testConfig("formed")).Bootstrap(ctx)
		require.NoError(t, err)

		assert.True(t, result.Verified)
		assert.Nil(t, result.Recovery, "recovery material only surfaces on first init")
		assert.Equal(t, 0, nodes["https://vault1:8200"].initCalls)
		assert.Equal(t, FullyActive, result.Outcome)
	})

	t.Run("given stale init marker with uninitialized node then refuses", func(t *testing.T) {
		nodes := threeNodes(true)
		store := statestore.NewMemStore()
		require.NoError(t, store.Create("stale", statestore.EntryInitMarker, []byte("earlier run")))

		result, err := NewBootstrapper(fakeFactory(nodes), store, testConfig("stale")).Bootstrap(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "refusing to re-initialize")
		assert.Equal(t, 0, nodes["https://vault1:8200"].initCalls)

		require.NotNil(t, result)
		assert.Equal(t, FailedToForm, result.Outcome,
			"an aborted bootstrap must never report a usable outcome")
	})

	t.Run("given seed client failure then failure outcome", func(t *testing.T) {
		factory := func(addr string) (NodeAPI, error) {
			return nil, fmt.Errorf("no route to %q", addr)
		}

		result, err := NewBootstrapper(factory, statestore.NewMemStore(), testConfig("noroute")).Bootstrap(ctx)
		require.Error(t, err)
		require.NotNil(t, result)
		assert.Equal(t, FailedToForm, result.Outcome)
		assert.NotEqual(t, FullyActive, Outcome(0),
			"the zero outcome must not be the success value")
	})

	t.Run("given concurrent bootstrap of same cluster then rejected", func(t *testing.T) {
		lockAny, _ := clusterLocks.LoadOrStore("busy", &sync.Mutex{})
		lock := lockAny.(*sync.Mutex)
		lock.Lock()
		defer lock.Unlock()

		_, err := NewBootstrapper(fakeFactory(threeNodes(true)), statestore.NewMemStore(), testConfig("busy")).Bootstrap(ctx)
		assert.True(t, errors.Is(err, ErrBootstrapInProgress))
	})
}

func TestHealthCheck(t *testing.T) {
	t.Run("given leader node then health reports self", func(t *testing.T) {
		node := &fakeNode{addr: "https://vault1:8200", initialized: true}

		health, err := HealthCheck(context.Background(), node, 2)
		require.NoError(t, err)
		assert.True(t, health.HasLeader)
		assert.True(t, health.IsLeader)
		assert.Equal(t, 3, health.Voters)
		assert.Equal(t, Active, health.State)
	})
}
