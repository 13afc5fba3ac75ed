package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentcore.db")
	s, err := OpenSQLite(context.Background(), path, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)

	msg := newTestMessage("m1", schemas.StatusPending)
	msg.Priority = schemas.PriorityCritical
	require.NoError(t, s.AppendMessage(ctx, msg))
	assert.ErrorIs(t, s.AppendMessage(ctx, msg), ErrDuplicateMessage)

	require.NoError(t, s.UpdateMessage(ctx, "m1", schemas.MessagePatch{Status: statusPtr(schemas.StatusProcessing)}))
	processed := time.Now()
	require.NoError(t, s.UpdateMessage(ctx, "m1", schemas.MessagePatch{
		Status:      statusPtr(schemas.StatusCompleted),
		Payload:     map[string]interface{}{"parcel": "R-1", "response": map[string]interface{}{"success": true}},
		ProcessedAt: &processed,
	}))

	got, err := s.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatusCompleted, got.Status)
	assert.Equal(t, schemas.PriorityCritical, got.Priority)
	assert.True(t, msg.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.ProcessedAt)
	assert.True(t, processed.Equal(*got.ProcessedAt))
	assert.Nil(t, got.ExpiresAt)
	assert.Equal(t, map[string]interface{}{"success": true}, got.Payload["response"])

	err = s.UpdateMessage(ctx, "m1", schemas.MessagePatch{Status: statusPtr(schemas.StatusFailed)})
	assert.ErrorIs(t, err, ErrTerminalStatus)
	assert.ErrorIs(t, s.UpdateMessage(ctx, "nope", schemas.MessagePatch{}), ErrMessageNotFound)
	_, err = s.GetMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSQLiteStore_ListMessages(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	base := time.Now().Add(-time.Minute)
	past := time.Now().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		m := newTestMessage(fmt.Sprintf("m%d", i), schemas.StatusPending)
		m.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		m.CorrelationID = "batch"
		if i == 3 {
			m.ExpiresAt = &past
		}
		require.NoError(t, s.AppendMessage(ctx, m))
	}

	all, err := s.ListMessages(ctx, schemas.MessageFilter{CorrelationID: "batch"})
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, m := range all {
		assert.Equal(t, fmt.Sprintf("m%d", i), m.ID)
	}

	limited, err := s.ListMessages(ctx, schemas.MessageFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	now := time.Now()
	expired, err := s.ListMessages(ctx, schemas.MessageFilter{ExpiredBefore: &now})
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "m3", expired[0].ID)
}

func TestSQLiteStore_Logs(t *testing.T) {
	ctx := context.Background()
	s := openTestSQLite(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendLog(ctx, schemas.LogEntry{
			Level: "INFO", Event: fmt.Sprintf("e%d", i), Message: "tick",
			Details: map[string]interface{}{"n": i},
		}))
	}

	entries, err := s.ListLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].Event)
	assert.Equal(t, "e2", entries[1].Event)
	assert.EqualValues(t, 2, entries[1].Details["n"])
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "persist.db")

	s, err := OpenSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, s.AppendMessage(ctx, newTestMessage("durable", schemas.StatusPending)))
	require.NoError(t, s.Close())

	reopened, err := OpenSQLite(ctx, path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetMessage(ctx, "durable")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.Recipient)
}
