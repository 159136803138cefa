package transit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/feature/seal"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
	"github.com/sealkit/sealctl/cmd/sealctl/internal/vaultapi"
)

// Transit's own seal uses a plain Shamir split; these match the usual
// 5-of-3 operator setup.
const (
	InitSecretShares    = 5
	InitSecretThreshold = 3

	// UnsealTokenPeriod keeps the unseal credential renewable
	// indefinitely as long as nodes keep using it.
	UnsealTokenPeriod = "24h"
)

// ControlAPI is the slice of the node client transit bootstrap needs.
type ControlAPI interface {
	Address() string
	SealStatus(ctx context.Context) (*api.SealStatusResponse, error)
	Init(ctx context.Context, opts vaultapi.InitOptions) (*api.InitResponse, error)
	EnsureMount(ctx context.Context, path, engineType string) (bool, error)
	Read(ctx context.Context, path string) (map[string]interface{}, error)
	Write(ctx context.Context, path string, data map[string]interface{}) (map[string]interface{}, error)
	PutPolicy(ctx context.Context, name, rules string) error
	MintToken(ctx context.Context, opts vaultapi.TokenOptions) (string, error)
	SetToken(token string)
}

// Config for one transit bootstrap run.
type Config struct {
	ClusterName string
	Mount       string
	KeyName     string

	// ReachTimeout bounds the initial reachability wait.
	ReachTimeout time.Duration
}

// Result reports what the run created versus found already in place.
type Result struct {
	KeyRef     seal.KeyRef
	Credential seal.Credential

	Initialized  bool
	MountCreated bool
	KeyCreated   bool
	TokenMinted  bool
}

// Bootstrapper initializes the standalone transit instance, creates
// the wrapping key, and mints the wrap/unwrap-only unseal credential.
// Idempotent: an already-initialized instance with the named key in
// place is reused, never re-created, since re-creating would orphan
// unseal credentials already deployed to running nodes.
type Bootstrapper struct {
	client ControlAPI
	store  statestore.Store
	cfg    Config
}

func NewBootstrapper(client ControlAPI, store statestore.Store, cfg Config) *Bootstrapper {
	return &Bootstrapper{client: client, store: store, cfg: cfg}
}

// Bootstrap runs the full ordered sequence. Nothing here unseals
// transit itself: its seal state is assumed managed by an operator.
func (b *Bootstrapper) Bootstrap(ctx context.Context) (*Result, error) {
	if err := vaultapi.WaitReachable(ctx, b.client, b.cfg.ReachTimeout); err != nil {
		return nil, fmt.Errorf("transit bootstrap: %w", err)
	}

	status, err := b.client.SealStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("transit bootstrap: %w", err)
	}

	result := &Result{
		KeyRef: seal.KeyRef{KeyName: b.cfg.KeyName, MountPath: b.cfg.Mount},
	}

	if !status.Initialized {
		if err := b.initialize(ctx); err != nil {
			return nil, err
		}
		result.Initialized = true
		// A freshly initialized Shamir-sealed instance comes up sealed.
		status, err = b.client.SealStatus(ctx)
		if err != nil {
			return nil, fmt.Errorf("transit bootstrap: %w", err)
		}
	}
	if status.Sealed {
		// The unsealer has no unsealer: a sealed transit instance must
		// be unsealed manually before bootstrap can continue.
		return nil, fmt.Errorf(
			"transit instance %q is sealed; unseal it manually and re-run",
			b.client.Address(),
		)
	}

	created, err := b.client.EnsureMount(ctx, b.cfg.Mount, "transit")
	if err != nil {
		return nil, fmt.Errorf("transit bootstrap: %w", err)
	}
	result.MountCreated = created

	keyCreated, err := b.ensureKey(ctx)
	if err != nil {
		return nil, err
	}
	result.KeyCreated = keyCreated

	policyName := b.policyName()
	if err := b.client.PutPolicy(ctx, policyName, b.policyRules()); err != nil {
		return nil, fmt.Errorf("transit bootstrap: %w", err)
	}

	token, minted, err := b.ensureCredential(ctx, policyName)
	if err != nil {
		return nil, err
	}
	result.TokenMinted = minted
	result.Credential = seal.Credential{Token: token, Policy: policyName}

	log.WithFields(log.Fields{
		"transit":      b.client.Address(),
		"key":          b.cfg.KeyName,
		"mount":        b.cfg.Mount,
		"initialized":  result.Initialized,
		"key_created":  result.KeyCreated,
		"token_minted": result.TokenMinted,
	}).Info("transit bootstrap complete")

	return result, nil
}

// initialize performs first-time init and persists the recovery
// material for operator storage. The root token is used for the rest
// of this run.
func (b *Bootstrapper) initialize(ctx context.Context) error {
	resp, err := b.client.Init(ctx, vaultapi.InitOptions{
		SecretShares:    InitSecretShares,
		SecretThreshold: InitSecretThreshold,
	})
	if err != nil {
		if vaultapi.IsAlreadySatisfied(err) {
			return nil
		}
		return fmt.Errorf("initialize transit: %w", err)
	}

	material, err := json.Marshal(map[string]interface{}{
		"keys_base64": resp.KeysB64,
		"threshold":   InitSecretThreshold,
	})
	if err != nil {
		return fmt.Errorf("encode transit recovery material: %w", err)
	}
	if err := b.store.Put(b.cfg.ClusterName, statestore.EntryTransitRecovery, material); err != nil {
		return fmt.Errorf("persist transit recovery material: %w", err)
	}
	if err := b.store.Put(b.cfg.ClusterName, statestore.EntryTransitRootToken, []byte(resp.RootToken)); err != nil {
		return fmt.Errorf("persist transit root token: %w", err)
	}

	b.client.SetToken(resp.RootToken)

	log.WithField("transit", b.client.Address()).
		Warn("transit initialized; a fresh instance starts sealed and must be unsealed manually once")
	return nil
}

// ensureKey creates the named wrapping key if absent. Key creation is
// a write to the key path with no body; an existing key is left as is.
func (b *Bootstrapper) ensureKey(ctx context.Context) (bool, error) {
	keyPath := fmt.Sprintf("%s/keys/%s", strings.Trim(b.cfg.Mount, "/"), b.cfg.KeyName)

	existing, err := b.client.Read(ctx, keyPath)
	if err != nil && !vaultapi.IsTransient(err) {
		return false, fmt.Errorf("check transit key: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	if _, err := b.client.Write(ctx, keyPath, map[string]interface{}{}); err != nil {
		if vaultapi.IsAlreadySatisfied(err) {
			return false, nil
		}
		return false, fmt.Errorf("create transit key %q: %w", b.cfg.KeyName, err)
	}
	return true, nil
}

// ensureCredential reuses a previously minted unseal token when one is
// on record; minting a fresh token every run would orphan the
// credential already baked into running nodes' seal stanzas.
func (b *Bootstrapper) ensureCredential(ctx context.Context, policyName string) (string, bool, error) {
	stored, err := b.store.Get(b.cfg.ClusterName, statestore.EntryUnsealToken)
	if err == nil && len(stored) > 0 {
		return string(stored), false, nil
	}
	if err != nil && !errors.Is(err, statestore.ErrNotFound) {
		return "", false, fmt.Errorf("read stored unseal token: %w", err)
	}

	token, err := b.client.MintToken(ctx, vaultapi.TokenOptions{
		Policies:        []string{policyName},
		DisplayName:     "sealctl-unseal",
		Period:          UnsealTokenPeriod,
		NoDefaultPolicy: true,
		Orphan:          true,
	})
	if err != nil {
		return "", false, fmt.Errorf("mint unseal token: %w", err)
	}

	if err := b.store.Put(b.cfg.ClusterName, statestore.EntryUnsealToken, []byte(token)); err != nil {
		return "", false, fmt.Errorf("persist unseal token: %w", err)
	}
	return token, true, nil
}

func (b *Bootstrapper) policyName() string {
	return fmt.Sprintf("%s-unseal", b.cfg.ClusterName)
}

// policyRules grants wrap and unwrap on the single key, nothing else.
func (b *Bootstrapper) policyRules() string {
	mount := strings.Trim(b.cfg.Mount, "/")
	return fmt.Sprintf(`path "%s/encrypt/%s" {
  capabilities = ["update"]
}

path "%s/decrypt/%s" {
  capabilities = ["update"]
}
`, mount, b.cfg.KeyName, mount, b.cfg.KeyName)
}
