package vaultapi

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/hashicorp/vault/api"
)

// Kind classifies an operation failure so callers can pick the right
// recovery path: retry, treat as success, re-authenticate, or abort.
type Kind int

const (
	// KindUnknown covers everything not matched below.
	KindUnknown Kind = iota

	// KindTransient covers connection refused/reset, timeouts, and 5xx
	// responses. Safe to retry with backoff.
	KindTransient

	// KindAlreadySatisfied covers responses like "already initialized"
	// or "path is already in use". Treated as success.
	KindAlreadySatisfied

	// KindAuthDenied covers 401/403 responses. Triggers a single
	// re-authentication before surfacing.
	KindAuthDenied

	// KindQuorumNotMet marks a bootstrap that activated fewer voters
	// than the configured quorum.
	KindQuorumNotMet

	// KindIntegrity marks mismatched seal configuration or a checksum
	// failure. Never retried.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAlreadySatisfied:
		return "already-satisfied"
	case KindAuthDenied:
		return "authorization-denied"
	case KindQuorumNotMet:
		return "quorum-not-met"
	case KindIntegrity:
		return "integrity-violation"
	default:
		return "unknown"
	}
}

// Error wraps an underlying failure with its classification.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err and wraps it. A nil err returns nil.
func NewError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		return &Error{Kind: ve.Kind, Op: op, Err: err}
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}

// KindOf returns the classification of err, unwrapping as needed.
func KindOf(err error) Kind {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return Classify(err)
}

// alreadySatisfied markers returned by the control API for operations
// whose desired state already holds. The API reports these as errors;
// re-runs must treat them as success or bootstrap is not idempotent.
var alreadySatisfied = []string{
	"vault is already initialized",
	"already initialized",
	"path is already in use",
	"existing mount",
	"already mounted",
	"already in use at",
}

// Classify maps an error onto the failure taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	msg := strings.ToLower(err.Error())
	for _, m := range alreadySatisfied {
		if strings.Contains(msg, m) {
			return KindAlreadySatisfied
		}
	}

	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 401 || respErr.StatusCode == 403:
			return KindAuthDenied
		case respErr.StatusCode >= 500,
			respErr.StatusCode == 429, // standby
			respErr.StatusCode == 472, // disaster recovery mode
			respErr.StatusCode == 473: // performance standby
			return KindTransient
		}
		return KindUnknown
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout") {
		return KindTransient
	}

	return KindUnknown
}

// IsAlreadySatisfied reports whether err means the desired state
// already holds.
func IsAlreadySatisfied(err error) bool {
	return err != nil && KindOf(err) == KindAlreadySatisfied
}

// IsTransient reports whether err is safe to retry.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsAuthDenied reports whether err is a credential failure.
func IsAuthDenied(err error) bool {
	return err != nil && KindOf(err) == KindAuthDenied
}

// Transient builds an explicitly retryable error, for conditions the
// API reports without an error value (a join request not yet
// accepted, for one).
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Integrity builds an integrity-violation error. These are terminal:
// retrying a corrupt write could mask data loss.
func Integrity(op string, err error) error {
	return &Error{Kind: KindIntegrity, Op: op, Err: err}
}
