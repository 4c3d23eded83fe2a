package identifier

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKey(t *testing.T) {
	key, err := ParseKey(" 1000168:10 ")
	require.NoError(t, err)
	assert.Equal(t, Key{Namespace: 1000168, PartitionID: "10"}, key)
	assert.Equal(t, "1000168:10", key.String())

	for _, raw := range []string{"", "1000168", "abc:10", "1000168:", "-1:10"} {
		_, err := ParseKey(raw)
		assert.Error(t, err, "expected %q to be rejected", raw)
	}
}

func TestErrorKindMatching(t *testing.T) {
	base := &Error{Kind: KindTimeout, Op: "poll", JobID: "42", Detail: "bulk job timed out"}
	wrapped := fmt.Errorf("top up 1000168:10: %w", base)

	assert.True(t, errors.Is(wrapped, ErrTimeout))
	assert.False(t, errors.Is(wrapped, ErrRemoteJobFailure))
	assert.Equal(t, KindTimeout, KindOf(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Contains(t, base.Error(), "job=42")
}

func TestErrorUnwrapsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := &Error{Kind: KindAuthentication, Op: "login", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.False(t, KindAuthentication.Transient())
	assert.True(t, KindTimeout.Transient())
}

func TestContextErrorSeparatesCancelFromDeadline(t *testing.T) {
	canceled := ContextError("reserve", "1000168:10", context.Canceled)
	assert.ErrorIs(t, canceled, ErrCanceled)
	assert.ErrorIs(t, canceled, context.Canceled)
	assert.Equal(t, "1000168:10", canceled.Stream)

	expired := ContextError("reserve", "", fmt.Errorf("wrapped: %w", context.DeadlineExceeded))
	assert.ErrorIs(t, expired, ErrTimeout)
	assert.NotErrorIs(t, expired, ErrCanceled)
}

func TestDisabledSource(t *testing.T) {
	var src Source = Disabled{}

	assert.False(t, src.IsReservationAvailable())
	assert.Equal(t, Status{Running: false, Version: "CIS not configured"}, src.Status())

	ids, err := src.ReserveIDs(context.Background(), 1000168, "10", 3)
	assert.Nil(t, ids)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
	assert.Equal(t, "", RequestID(context.Background()))
}
