package vaultapi

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
	log "github.com/sirupsen/logrus"
)

// Backoff caps for the reachability wait: the interval tops out at 30s
// while the total budget stays caller-configured.
const (
	reachInitialInterval = 1 * time.Second
	reachMaxInterval     = 30 * time.Second
)

// SealStatusReader is the minimal surface the wait helpers need.
// *Client satisfies it; tests substitute fakes.
type SealStatusReader interface {
	Address() string
	SealStatus(ctx context.Context) (*api.SealStatusResponse, error)
}

// Retry runs op with bounded exponential backoff until it succeeds,
// returns a non-transient error, or maxAttempts is exhausted. Only
// transient failures are retried; anything else surfaces immediately.
func Retry(ctx context.Context, maxAttempts uint64, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = reachMaxInterval
	b.MaxElapsedTime = 0 // bounded by attempts and ctx, not wall clock

	return backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(b, maxAttempts), ctx))
}

// WaitReachable blocks until the node answers its seal-status endpoint
// or the timeout elapses. Failing the timeout is fatal to bootstrap
// and reported as such, never silently skipped.
func WaitReachable(ctx context.Context, c SealStatusReader, timeout time.Duration) error {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reachInitialInterval
	b.MaxInterval = reachMaxInterval
	b.MaxElapsedTime = timeout

	attempt := 0
	op := func() error {
		attempt++
		_, err := c.SealStatus(deadline)
		if err != nil {
			log.WithFields(log.Fields{
				"node":    c.Address(),
				"attempt": attempt,
			}).Debug("node not reachable yet")
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(b, deadline)); err != nil {
		return fmt.Errorf("node %q not reachable within %s: %w", c.Address(), timeout, err)
	}
	return nil
}

// PollSealStatus polls until the node reports unsealed, checking every
// interval up to maxAttempts times. Auto-unseal callbacks can lag, so
// a "still sealed" read is an expected intermediate state, not an
// error.
func PollSealStatus(ctx context.Context, c SealStatusReader, interval time.Duration, maxAttempts int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		status, err := c.SealStatus(ctx)
		if err == nil && !status.Sealed {
			return nil
		}
		if err != nil && !IsTransient(err) {
			return fmt.Errorf("seal status poll %q: %w", c.Address(), err)
		}

		if attempt >= maxAttempts {
			return fmt.Errorf("node %q still sealed after %d attempts", c.Address(), maxAttempts)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
