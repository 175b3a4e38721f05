package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ""},
		{"transient remote", Transient("rpc", errors.New("reset")), ClassTransient},
		{"permanent remote", Permanent("rpc", errors.New("bad request")), ClassPermanent},
		{"storage", Storage("put", errors.New("disk full")), ClassStorage},
		{"configuration", Config("workers", "must be positive"), ClassConfiguration},
		{"invalid id", fmt.Errorf("parse: %w", ErrInvalidID), ClassPermanent},
		{"unverifiable", ErrUnverifiable, ClassPermanent},
		{"throttled", ErrThrottled, ClassTransient},
		{"deadline", context.DeadlineExceeded, ClassTransient},
		{"canceled", context.Canceled, ClassPermanent},
		{"unknown", errors.New("boom"), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, ClassTransient, FromStatus(429))
	assert.Equal(t, ClassTransient, FromStatus(503))
	assert.Equal(t, ClassPermanent, FromStatus(404))
	assert.Equal(t, Class(""), FromStatus(200))
}

func TestStorage_Wrapping(t *testing.T) {
	assert.NoError(t, Storage("get", nil))

	inner := Storage("get", errors.New("io"))
	outer := Storage("scan", fmt.Errorf("batch: %w", inner))
	var se *StorageError
	assert.ErrorAs(t, outer, &se)
	assert.Equal(t, "get", se.Op)
	assert.True(t, IsStorage(outer))
	assert.False(t, IsRetryable(outer))
}

func TestRemoteError_Message(t *testing.T) {
	err := &RemoteError{Class: ClassPermanent, Source: "rpc", StatusCode: 404, Message: "not found"}
	assert.Equal(t, "rpc permanent error (status 404): not found", err.Error())

	wrapped := Transient("rpc", ErrThrottled)
	assert.ErrorIs(t, wrapped, ErrThrottled)
	assert.True(t, IsRetryable(wrapped))
}
