package transit

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/vaultapi"
)

// fakeTransit simulates the transit instance's control API in memory.
type fakeTransit struct {
	initialized bool
	sealed      bool

	mounts   map[string]string
	keys     map[string]bool
	policies map[string]string

	initCalls  int
	mintCalls  int
	tokenSeq   int
	boundToken string
}

func newFakeTransit() *fakeTransit {
	return &fakeTransit{
		mounts:   make(map[string]string),
		keys:     make(map[string]bool),
		policies: make(map[string]string),
	}
}

func (f *fakeTransit) Address() string { return "https://transit:8200" }

func (f *fakeTransit) SealStatus(context.Context) (*api.SealStatusResponse, error) {
	return &api.SealStatusResponse{Initialized: f.initialized, Sealed: f.sealed}, nil
}

func (f *fakeTransit) Init(context.Context, vaultapi.InitOptions) (*api.InitResponse, error) {
	if f.initialized {
		return nil, fmt.Errorf("vault is already initialized")
	}
	f.initCalls++
	f.initialized = true
	return &api.InitResponse{
		KeysB64:   []string{"k1", "k2", "k3", "k4", "k5"},
		RootToken: "transit-root",
	}, nil
}

func (f *fakeTransit) EnsureMount(_ context.Context, path, engineType string) (bool, error) {
	if _, ok := f.mounts[path]; ok {
		return false, nil
	}
	f.mounts[path] = engineType
	return true, nil
}

func (f *fakeTransit) Read(_ context.Context, path string) (map[string]interface{}, error) {
	if strings.Contains(path, "/keys/") && f.keys[path] {
		return map[string]interface{}{"name": "autounseal"}, nil
	}
	return nil, nil
}

func (f *fakeTransit) Write(_ context.Context, path string, _ map[string]interface{}) (map[string]interface{}, error) {
	if strings.Contains(path, "/keys/") {
		f.keys[path] = true
	}
	return nil, nil
}

func (f *fakeTransit) PutPolicy(_ context.Context, name, rules string) error {
	f.policies[name] = rules
	return nil
}

func (f *fakeTransit) MintToken(context.Context, vaultapi.TokenOptions) (string, error) {
	f.mintCalls++
	f.tokenSeq++
	return fmt.Sprintf("unseal-token-%d", f.tokenSeq), nil
}

func (f *fakeTransit) SetToken(token string) { f.boundToken = token }

func newTestBootstrapper(f *fakeTransit, store statestore.Store) *Bootstrapper {
	return NewBootstrapper(f, store, Config{
		ClusterName:  "cluster1",
		Mount:        "transit",
		KeyName:      "autounseal",
		ReachTimeout: time.Second,
	})
}

func TestBootstrap(t *testing.T) {
	ctx := context.Background()

	t.Run("given fresh instance then full sequence runs in order", func(t *testing.T) {
		fake := newFakeTransit()
		store := statestore.NewMemStore()

		result, err := newTestBootstrapper(fake, store).Bootstrap(ctx)
		require.NoError(t, err)

		assert.True(t, result.Initialized)
		assert.True(t, result.MountCreated)
		assert.True(t, result.KeyCreated)
		assert.True(t, result.TokenMinted)
		assert.Equal(t, "autounseal", result.KeyRef.KeyName)
		assert.Equal(t, "transit", result.KeyRef.MountPath)
		assert.Equal(t, "unseal-token-1", result.Credential.Token)
		assert.Equal(t, "transit-root", fake.boundToken, "root token used for the rest of the run")

		// Recovery material persisted for the operator.
		material, err := store.Get("cluster1", statestore.EntryTransitRecovery)
		require.NoError(t, err)
		assert.Contains(t, string(material), "k1")

		rules := fake.policies["cluster1-unseal"]
		assert.Contains(t, rules, "transit/encrypt/autounseal")
		assert.Contains(t, rules, "transit/decrypt/autounseal")
		assert.NotContains(t, rules, "delete", "policy must stay wrap/unwrap only")
	})

	t.Run("given re-run then key ref and credential identical", func(t *testing.T) {
		fake := newFakeTransit()
		store := statestore.NewMemStore()
		b := newTestBootstrapper(fake, store)

		first, err := b.Bootstrap(ctx)
		require.NoError(t, err)

		second, err := b.Bootstrap(ctx)
		require.NoError(t, err)

		assert.Equal(t, first.KeyRef, second.KeyRef)
		assert.Equal(t, first.Credential, second.Credential,
			"re-run must reuse the minted credential, not orphan deployed ones")
		assert.False(t, second.Initialized)
		assert.False(t, second.MountCreated)
		assert.False(t, second.KeyCreated)
		assert.False(t, second.TokenMinted)
		assert.Equal(t, 1, fake.initCalls)
		assert.Equal(t, 1, fake.mintCalls)
	})

	t.Run("given initialized but sealed instance then loud failure", func(t *testing.T) {
		fake := newFakeTransit()
		fake.initialized = true
		fake.sealed = true

		_, err := newTestBootstrapper(fake, statestore.NewMemStore()).Bootstrap(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sealed")
		assert.Contains(t, err.Error(), "manually")
	})

	t.Run("given fresh instance still sealed after init then loud failure", func(t *testing.T) {
		fake := newFakeTransit()
		fake.sealed = true

		_, err := newTestBootstrapper(fake, statestore.NewMemStore()).Bootstrap(ctx)
		require.Error(t, err)
		assert.Equal(t, 1, fake.initCalls, "init itself must still happen")
		assert.Contains(t, err.Error(), "sealed")
		assert.Contains(t, err.Error(), "manually")
	})

	t.Run("given existing key then not recreated", func(t *testing.T) {
		fake := newFakeTransit()
		fake.initialized = true
		fake.keys["transit/keys/autounseal"] = true

		result, err := newTestBootstrapper(fake, statestore.NewMemStore()).Bootstrap(ctx)
		require.NoError(t, err)
		assert.False(t, result.KeyCreated)
	})
}
