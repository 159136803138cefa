package statestore

import (
	"errors"
)

// ErrExists is returned by Create when the entry is already present.
// Callers use it to enforce exactly-once semantics (e.g. only one
// bootstrap run may claim a cluster's init marker).
var ErrExists = errors.New("entry already exists")

// ErrNotFound is returned by Get for missing entries.
var ErrNotFound = errors.New("entry not found")

// Store persists operator-facing bootstrap material keyed by
// (cluster, name): recovery keys, root tokens, the transit unseal
// credential. The core writes this material once and never reads it
// back, with one exception: Create on the init marker acts as the
// compare-and-swap that keeps concurrent bootstrap attempts out.
type Store interface {
	// Create writes an entry only if it does not already exist.
	Create(cluster, name string, value []byte) error

	// Put writes an entry unconditionally.
	Put(cluster, name string, value []byte) error

	// Get reads an entry, ErrNotFound if absent.
	Get(cluster, name string) ([]byte, error)

	// Exists reports whether an entry is present.
	Exists(cluster, name string) (bool, error)
}

// Well-known entry names.
const (
	EntryInitMarker       = "bootstrap.initialized"
	EntryRecoveryKeys     = "recovery-keys.json"
	EntryRootToken        = "root-token"
	EntryTransitRecovery  = "transit-recovery-keys.json"
	EntryTransitRootToken = "transit-root-token"
	EntryUnsealToken      = "unseal-token"
	EntrySnapshotSecretID = "snapshot-secret-id"
)
