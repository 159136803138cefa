package approle

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sealkit/sealctl/cmd/sealctl/internal/statestore"
)

// Mount is the fixed auth mount for provisioned principals.
const Mount = "approle"

// Session token shape for the snapshot principal: short-lived,
// renewable within a bounded ceiling.
const (
	tokenTTL    = "15m"
	tokenMaxTTL = "1h"
)

// ControlAPI is the client surface provisioning needs.
type ControlAPI interface {
	EnsureAuth(ctx context.Context, path, methodType string) (bool, error)
	PutPolicy(ctx context.Context, name, rules string) error
	Read(ctx context.Context, path string) (map[string]interface{}, error)
	Write(ctx context.Context, path string, data map[string]interface{}) (map[string]interface{}, error)
	LoginAppRole(ctx context.Context, mount, roleID, secretID string) (string, time.Duration, error)
}

// Credential is the role/secret id pair the snapshot agent
// authenticates with. The secret id bootstraps sessions and should be
// rotated if compromised.
type Credential struct {
	RoleID   string
	SecretID string
	Policy   string
}

// Provisioner creates the least-privilege policy and role for a
// principal. Idempotent on the policy and role name: re-running
// re-applies the policy document (so tightening is safe) but only
// mints a new secret id when none is valid or rotation is requested,
// since blind re-minting would invalidate a running agent's session
// chain.
type Provisioner struct {
	client  ControlAPI
	store   statestore.Store
	cluster string
}

func NewProvisioner(client ControlAPI, store statestore.Store, cluster string) *Provisioner {
	return &Provisioner{client: client, store: store, cluster: cluster}
}

// Provision sets up the principal and returns its credential.
func (p *Provisioner) Provision(ctx context.Context, name, policyRules string, rotate bool) (*Credential, error) {
	if _, err := p.client.EnsureAuth(ctx, Mount, "approle"); err != nil {
		return nil, fmt.Errorf("provision %q: %w", name, err)
	}

	policyName := name
	if err := p.client.PutPolicy(ctx, policyName, policyRules); err != nil {
		return nil, fmt.Errorf("provision %q: %w", name, err)
	}

	rolePath := fmt.Sprintf("auth/%s/role/%s", Mount, name)
	_, err := p.client.Write(ctx, rolePath, map[string]interface{}{
		"token_policies":          policyName,
		"token_ttl":               tokenTTL,
		"token_max_ttl":           tokenMaxTTL,
		"token_no_default_policy": true,
		"secret_id_num_uses":      0,
	})
	if err != nil {
		return nil, fmt.Errorf("write role %q: %w", name, err)
	}

	roleIDData, err := p.client.Read(ctx, rolePath+"/role-id")
	if err != nil {
		return nil, fmt.Errorf("read role id for %q: %w", name, err)
	}
	roleID, _ := roleIDData["role_id"].(string)
	if roleID == "" {
		return nil, fmt.Errorf("role %q returned no role id", name)
	}

	secretID, minted, err := p.ensureSecretID(ctx, name, rolePath, roleID, rotate)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"principal":        name,
		"policy":           policyName,
		"secret_id_minted": minted,
	}).Info("approle principal provisioned")

	return &Credential{RoleID: roleID, SecretID: secretID, Policy: policyName}, nil
}

// ensureSecretID reuses the stored secret id when a login probe shows
// it still works. Expiry and revocation are covered by the probe, so
// no TTL bookkeeping is needed locally.
func (p *Provisioner) ensureSecretID(ctx context.Context, name, rolePath, roleID string, rotate bool) (string, bool, error) {
	if !rotate {
		stored, err := p.store.Get(p.cluster, statestore.EntrySnapshotSecretID)
		if err != nil && !errors.Is(err, statestore.ErrNotFound) {
			return "", false, fmt.Errorf("read stored secret id: %w", err)
		}
		if len(stored) > 0 {
			if _, _, err := p.client.LoginAppRole(ctx, Mount, roleID, string(stored)); err == nil {
				return string(stored), false, nil
			}
			log.WithField("principal", name).
				Info("stored secret id no longer valid, minting a new one")
		}
	}

	data, err := p.client.Write(ctx, rolePath+"/secret-id", map[string]interface{}{})
	if err != nil {
		return "", false, fmt.Errorf("generate secret id for %q: %w", name, err)
	}
	secretID, _ := data["secret_id"].(string)
	if secretID == "" {
		return "", false, fmt.Errorf("role %q returned no secret id", name)
	}

	if err := p.store.Put(p.cluster, statestore.EntrySnapshotSecretID, []byte(secretID)); err != nil {
		return "", false, fmt.Errorf("persist secret id: %w", err)
	}
	return secretID, true, nil
}

// SnapshotPolicyRules is the least-privilege policy for the snapshot
// principal: stream snapshots and look up its own token, nothing
// administrative.
func SnapshotPolicyRules() string {
	return `path "sys/storage/raft/snapshot" {
  capabilities = ["read"]
}

path "auth/token/lookup-self" {
  capabilities = ["read"]
}
`
}
