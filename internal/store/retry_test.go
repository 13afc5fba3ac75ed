package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flakyStore fails the first n calls of AppendMessage with err, optionally
// committing the write before failing.
type flakyStore struct {
	*MemoryStore
	failures    int32
	calls       atomic.Int32
	err         error
	commitFirst bool
}

func (f *flakyStore) AppendMessage(ctx context.Context, msg schemas.AgentMessage) error {
	n := f.calls.Add(1)
	if n <= f.failures {
		if f.commitFirst && n == 1 {
			_ = f.MemoryStore.AppendMessage(ctx, msg)
		}
		return f.err
	}
	return f.MemoryStore.AppendMessage(ctx, msg)
}

var fastRetry = config.RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  time.Second,
}

func TestRetryingStore_RetriesTransientErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2, err: MarkTransient(errors.New("connection reset"))}
	s := NewRetryingStore(inner, fastRetry, zap.New(core))

	require.NoError(t, s.AppendMessage(context.Background(), newTestMessage("m1", schemas.StatusPending)))
	assert.Equal(t, int32(3), inner.calls.Load())
	assert.Equal(t, 1, inner.Len())
	assert.Equal(t, 2, logs.FilterMessage("Transient store error, retrying...").Len())
}

func TestRetryingStore_PermanentErrorsReturnImmediately(t *testing.T) {
	permanent := errors.New("syntax error")
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 5, err: permanent}
	s := NewRetryingStore(inner, fastRetry, zap.NewNop())

	err := s.AppendMessage(context.Background(), newTestMessage("m1", schemas.StatusPending))
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryingStore_DuplicateAfterRetryIsSuccess(t *testing.T) {
	inner := &flakyStore{
		MemoryStore: NewMemoryStore(),
		failures:    1,
		err:         MarkTransient(errors.New("ack lost")),
		commitFirst: true,
	}
	s := NewRetryingStore(inner, fastRetry, zap.NewNop())

	require.NoError(t, s.AppendMessage(context.Background(), newTestMessage("m1", schemas.StatusPending)))
	assert.Equal(t, 1, inner.Len())

	// A duplicate on the first attempt is still the caller's problem.
	err := s.AppendMessage(context.Background(), newTestMessage("m1", schemas.StatusPending))
	assert.ErrorIs(t, err, ErrDuplicateMessage)
}

func TestRetryingStore_GivesUp(t *testing.T) {
	transient := MarkTransient(errors.New("still down"))
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 20, err: transient}
	policy := config.RetryConfig{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, MaxElapsedTime: 20 * time.Millisecond}
	s := NewRetryingStore(inner, policy, zap.NewNop())

	err := s.AppendMessage(context.Background(), newTestMessage("m1", schemas.StatusPending))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Greater(t, inner.calls.Load(), int32(1))
}

func TestRetryingStore_DisabledPolicy(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1, err: MarkTransient(errors.New("blip"))}
	s := NewRetryingStore(inner, config.RetryConfig{}, zap.NewNop())

	err := s.AppendMessage(context.Background(), newTestMessage("m1", schemas.StatusPending))
	assert.ErrorIs(t, err, ErrTransient)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestRetryingStore_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 20, err: MarkTransient(errors.New("down"))}
	s := NewRetryingStore(inner, fastRetry, zap.NewNop())

	err := s.AppendMessage(ctx, newTestMessage("m1", schemas.StatusPending))
	assert.Error(t, err)
	assert.LessOrEqual(t, inner.calls.Load(), int32(1))
}

func TestRetryingStore_Delegates(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	s := NewRetryingStore(mem, fastRetry, zap.NewNop())
	assert.Same(t, mem, s.Unwrap())

	require.NoError(t, s.AppendMessage(ctx, newTestMessage("m1", schemas.StatusPending)))
	require.NoError(t, s.UpdateMessage(ctx, "m1", schemas.MessagePatch{Status: statusPtr(schemas.StatusProcessing)}))
	require.NoError(t, s.AppendLog(ctx, schemas.LogEntry{Level: "INFO", Event: "x"}))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusProcessing, got.Status)

	msgs, err := s.ListMessages(ctx, schemas.MessageFilter{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	logs, err := s.ListLogs(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = s.GetMessage(ctx, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.NoError(t, s.Close())
}
