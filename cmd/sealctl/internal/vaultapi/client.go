package vaultapi

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// DefaultRequestTimeout bounds every control API call so a wedged node
// cannot hang a bootstrap step indefinitely.
const DefaultRequestTimeout = 15 * time.Second

// ClientConfig holds the connection settings for one node.
type ClientConfig struct {
	Address string
	Token   string
	Timeout time.Duration

	CACert     string
	SkipVerify bool
}

// Client is a typed wrapper over the secrets-engine control API for a
// single node. It is stateless apart from the bearer token; callers
// create one per node address.
type Client struct {
	api  *api.Client
	addr string
}

// NewClient builds a client for the given node.
func NewClient(cfg ClientConfig) (*Client, error) {
	conf := api.DefaultConfig()
	conf.Address = cfg.Address

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultRequestTimeout
	}
	conf.Timeout = timeout

	// The api client retries 5xx internally; bootstrap drives its own
	// backoff loops, so internal retries only distort timing.
	conf.MaxRetries = 0

	if cfg.CACert != "" || cfg.SkipVerify {
		if err := conf.ConfigureTLS(&api.TLSConfig{
			CACert:   cfg.CACert,
			Insecure: cfg.SkipVerify,
		}); err != nil {
			return nil, fmt.Errorf("configure TLS for %q: %w", cfg.Address, err)
		}
	}

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create client for %q: %w", cfg.Address, err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	return &Client{api: client, addr: cfg.Address}, nil
}

// Address returns the node address this client targets.
func (c *Client) Address() string {
	return c.addr
}

// SetToken replaces the bearer token for subsequent calls.
func (c *Client) SetToken(token string) {
	c.api.SetToken(token)
}

// ---------- seal / init ----------

// SealStatus reads the node's seal state. Works unauthenticated.
func (c *Client) SealStatus(ctx context.Context) (*api.SealStatusResponse, error) {
	status, err := c.api.Sys().SealStatusWithContext(ctx)
	if err != nil {
		return nil, NewError(fmt.Sprintf("seal status %q", c.addr), err)
	}
	return status, nil
}

// Health reads the node's health endpoint. Works unauthenticated and
// on sealed or uninitialized nodes.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	health, err := c.api.Sys().HealthWithContext(ctx)
	if err != nil {
		return nil, NewError(fmt.Sprintf("health %q", c.addr), err)
	}
	return health, nil
}

// InitOptions selects the key split produced by initialization.
// Recovery fields apply to auto-unseal nodes, Secret fields to nodes
// with a Shamir seal (the transit instance).
type InitOptions struct {
	SecretShares      int
	SecretThreshold   int
	RecoveryShares    int
	RecoveryThreshold int
}

// Init performs first-time initialization. The API rejects a second
// init; callers must treat that rejection as already-satisfied.
func (c *Client) Init(ctx context.Context, opts InitOptions) (*api.InitResponse, error) {
	resp, err := c.api.Sys().InitWithContext(ctx, &api.InitRequest{
		SecretShares:      opts.SecretShares,
		SecretThreshold:   opts.SecretThreshold,
		RecoveryShares:    opts.RecoveryShares,
		RecoveryThreshold: opts.RecoveryThreshold,
	})
	if err != nil {
		return nil, NewError(fmt.Sprintf("init %q", c.addr), err)
	}
	return resp, nil
}

// ---------- mounts / policies / tokens ----------

// EnsureMount enables a secrets engine at path if absent. Returns true
// when the mount was created by this call.
func (c *Client) EnsureMount(ctx context.Context, path, engineType string) (bool, error) {
	mounts, err := c.api.Sys().ListMountsWithContext(ctx)
	if err == nil {
		normalised := strings.TrimRight(path, "/") + "/"
		if _, exists := mounts[normalised]; exists {
			return false, nil
		}
	}

	err = c.api.Sys().MountWithContext(ctx, path, &api.MountInput{Type: engineType})
	if err != nil {
		if IsAlreadySatisfied(err) {
			return false, nil
		}
		return false, NewError(fmt.Sprintf("mount %q at %q", engineType, path), err)
	}
	return true, nil
}

// EnsureAuth enables an auth method at path if absent.
func (c *Client) EnsureAuth(ctx context.Context, path, methodType string) (bool, error) {
	auths, err := c.api.Sys().ListAuthWithContext(ctx)
	if err == nil {
		normalised := strings.TrimRight(path, "/") + "/"
		if _, exists := auths[normalised]; exists {
			return false, nil
		}
	}

	err = c.api.Sys().EnableAuthWithOptionsWithContext(ctx, path, &api.EnableAuthOptions{
		Type: methodType,
	})
	if err != nil {
		if IsAlreadySatisfied(err) {
			return false, nil
		}
		return false, NewError(fmt.Sprintf("enable auth %q at %q", methodType, path), err)
	}
	return true, nil
}

// PutPolicy writes a policy document. Writing an existing name updates
// it in place, so re-applying a tightened policy is safe.
func (c *Client) PutPolicy(ctx context.Context, name, rules string) error {
	if err := c.api.Sys().PutPolicyWithContext(ctx, name, rules); err != nil {
		return NewError(fmt.Sprintf("write policy %q", name), err)
	}
	return nil
}

// TokenOptions shape the credential minted by MintToken.
type TokenOptions struct {
	Policies    []string
	DisplayName string

	// Period makes the token renewable indefinitely; used for the
	// long-lived unseal credential.
	Period string

	NoDefaultPolicy bool
	Orphan          bool
}

// MintToken creates a token bound to exactly the given policies.
func (c *Client) MintToken(ctx context.Context, opts TokenOptions) (string, error) {
	req := &api.TokenCreateRequest{
		Policies:        opts.Policies,
		DisplayName:     opts.DisplayName,
		Period:          opts.Period,
		NoDefaultPolicy: opts.NoDefaultPolicy,
		NoParent:        opts.Orphan,
	}

	secret, err := c.api.Auth().Token().CreateWithContext(ctx, req)
	if err != nil {
		return "", NewError(fmt.Sprintf("mint token %q", opts.DisplayName), err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return "", NewError(fmt.Sprintf("mint token %q", opts.DisplayName),
			fmt.Errorf("empty auth response"))
	}
	return secret.Auth.ClientToken, nil
}

// ---------- logical read/write ----------

// Read performs a logical read; (nil, nil) when the path is absent.
func (c *Client) Read(ctx context.Context, path string) (map[string]interface{}, error) {
	secret, err := c.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, NewError(fmt.Sprintf("read %q", path), err)
	}
	if secret == nil || secret.Data == nil {
		return nil, nil
	}
	return secret.Data, nil
}

// Write performs a logical write.
func (c *Client) Write(ctx context.Context, path string, data map[string]interface{}) (map[string]interface{}, error) {
	secret, err := c.api.Logical().WriteWithContext(ctx, path, data)
	if err != nil {
		return nil, NewError(fmt.Sprintf("write %q", path), err)
	}
	if secret == nil {
		return nil, nil
	}
	return secret.Data, nil
}

// ---------- approle ----------

// LoginAppRole exchanges a role/secret id pair for a session token.
// The returned lease duration bounds the token's validity.
func (c *Client) LoginAppRole(ctx context.Context, mount, roleID, secretID string) (string, time.Duration, error) {
	path := fmt.Sprintf("auth/%s/login", strings.Trim(mount, "/"))
	secret, err := c.api.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"role_id":   roleID,
		"secret_id": secretID,
	})
	if err != nil {
		return "", 0, NewError("approle login", err)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return "", 0, NewError("approle login", fmt.Errorf("empty auth response"))
	}
	return secret.Auth.ClientToken, time.Duration(secret.Auth.LeaseDuration) * time.Second, nil
}

// ---------- raft ----------

// RaftJoin asks this node to join the consensus group led by
// leaderAddr. A node that is already a member reports joined.
func (c *Client) RaftJoin(ctx context.Context, leaderAddr, leaderCACert string) (bool, error) {
	resp, err := c.api.Sys().RaftJoinWithContext(ctx, &api.RaftJoinRequest{
		LeaderAPIAddr: leaderAddr,
		LeaderCACert:  leaderCACert,
	})
	if err != nil {
		return false, NewError(fmt.Sprintf("raft join %q -> %q", c.addr, leaderAddr), err)
	}
	return resp.Joined, nil
}

// Leader reads leader-election status for this node.
func (c *Client) Leader(ctx context.Context) (*api.LeaderResponse, error) {
	resp, err := c.api.Sys().LeaderWithContext(ctx)
	if err != nil {
		return nil, NewError(fmt.Sprintf("leader status %q", c.addr), err)
	}
	return resp, nil
}

// RaftVoterCount returns how many voters the consensus group reports.
func (c *Client) RaftVoterCount(ctx context.Context) (int, error) {
	state, err := c.api.Sys().RaftAutopilotStateWithContext(ctx)
	if err != nil {
		return 0, NewError("raft autopilot state", err)
	}
	if state == nil {
		return 0, NewError("raft autopilot state", fmt.Errorf("empty response"))
	}
	return len(state.Voters), nil
}

// Snapshot streams a point-in-time snapshot of the cluster into w.
// Must be called against the leader.
func (c *Client) Snapshot(ctx context.Context, w io.Writer) error {
	if err := c.api.Sys().RaftSnapshotWithContext(ctx, w); err != nil {
		return NewError(fmt.Sprintf("snapshot %q", c.addr), err)
	}
	return nil
}
