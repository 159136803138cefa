package vaultapi

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
)

func respErr(code int, msgs ...string) error {
	return &api.ResponseError{StatusCode: code, Errors: msgs}
}

func TestClassify(t *testing.T) {
	t.Run("given already initialized then already satisfied", func(t *testing.T) {
		err := respErr(400, "Vault is already initialized")
		assert.Equal(t, KindAlreadySatisfied, Classify(err))
	})

	t.Run("given path in use then already satisfied", func(t *testing.T) {
		err := fmt.Errorf("mount: %w", respErr(400, "path is already in use at transit/"))
		assert.Equal(t, KindAlreadySatisfied, Classify(err))
	})

	t.Run("given 403 then auth denied", func(t *testing.T) {
		assert.Equal(t, KindAuthDenied, Classify(respErr(403, "permission denied")))
	})

	t.Run("given 401 then auth denied", func(t *testing.T) {
		assert.Equal(t, KindAuthDenied, Classify(respErr(401, "missing client token")))
	})

	t.Run("given 500 then transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, Classify(respErr(500, "internal error")))
	})

	t.Run("given standby 429 then transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, Classify(respErr(429, "standby")))
	})

	t.Run("given connection refused then transient", func(t *testing.T) {
		err := errors.New(`dial tcp 127.0.0.1:8200: connect: connection refused`)
		assert.Equal(t, KindTransient, Classify(err))
	})

	t.Run("given deadline exceeded then transient", func(t *testing.T) {
		assert.Equal(t, KindTransient, Classify(context.DeadlineExceeded))
	})

	t.Run("given 400 then unknown", func(t *testing.T) {
		assert.Equal(t, KindUnknown, Classify(respErr(400, "bad request")))
	})
}

func TestErrorWrapping(t *testing.T) {
	t.Run("given wrapped error then kind survives", func(t *testing.T) {
		inner := NewError("init", respErr(403, "permission denied"))
		outer := fmt.Errorf("bootstrap: %w", inner)

		assert.True(t, IsAuthDenied(outer))
		assert.Equal(t, KindAuthDenied, KindOf(outer))
	})

	t.Run("given integrity error then never classified transient", func(t *testing.T) {
		err := Integrity("upload", errors.New("checksum mismatch"))

		assert.Equal(t, KindIntegrity, KindOf(err))
		assert.False(t, IsTransient(err))
	})

	t.Run("given re-wrap then outer op kept and inner kind kept", func(t *testing.T) {
		inner := NewError("seal status", respErr(500, "boom"))
		outer := NewError("transit bootstrap", inner)

		assert.Equal(t, KindTransient, KindOf(outer))
		assert.Contains(t, outer.Error(), "transit bootstrap")
	})

	t.Run("given nil then NewError returns nil", func(t *testing.T) {
		assert.NoError(t, NewError("op", nil))
	})

	t.Run("given Transient constructor then classified retryable", func(t *testing.T) {
		err := Transient("raft join", errors.New("join request not yet accepted"))

		assert.True(t, IsTransient(err))
		assert.True(t, IsTransient(fmt.Errorf("outer: %w", err)))
	})
}

func TestRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("given transient failure then retried until success", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 3, func() error {
			calls++
			if calls < 2 {
				return respErr(500, "not ready")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("given non-transient failure then no retry", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 3, func() error {
			calls++
			return respErr(403, "permission denied")
		})

		assert.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("given attempts exhausted then last error surfaces", func(t *testing.T) {
		calls := 0
		err := Retry(ctx, 1, func() error {
			calls++
			return respErr(500, "still not ready")
		})

		assert.Error(t, err)
		assert.True(t, IsTransient(err))
		assert.Equal(t, 2, calls)
	})
}
