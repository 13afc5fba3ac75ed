package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/config"
	"github.com/countygis/agentcore/internal/service"
)

const testConfigYAML = `
logger:
  level: fatal
  log_file: ""
store:
  type: sqlite
  sqlite:
    path: %DB%
learning:
  enabled: false
agents:
  - id: validator-1
    type: DATA_VALIDATION
  - id: reporter-1
    type: REPORTING
  - id: reporter-2
    type: REPORTING
    disabled: true
`

// writeTestConfig writes a config backed by a fresh SQLite file and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	body := strings.ReplaceAll(testConfigYAML, "%DB%", filepath.Join(dir, "agentcore.db"))
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// execute runs one command line against a fresh command tree.
func execute(t *testing.T, factory service.ComponentFactory, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) Create(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.Components, error) {
	args := m.Called(ctx, cfg, logger)
	components, _ := args.Get(0).(*service.Components)
	return components, args.Error(1)
}

func TestRootCmd_VersionFlag(t *testing.T) {
	out, err := execute(t, service.NewComponentFactory(), "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "agentcore version dev")
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, service.NewComponentFactory(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "agentcore dev ("))
}

func TestDispatchCmd(t *testing.T) {
	cfgPath := writeTestConfig(t)

	t.Run("success", func(t *testing.T) {
		out, err := execute(t, service.NewComponentFactory(),
			"dispatch", "-c", cfgPath, "--type", "parcel_validation", "--action", "check",
			"--payload", `{"parcel":"12-345"}`, "--correlation-id", "corr-1")
		require.NoError(t, err)

		var resp schemas.AgentResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.True(t, resp.Success)
		assert.Equal(t, "corr-1", resp.CorrelationID)
		assert.NotEmpty(t, resp.MessageID)
	})

	t.Run("no agent for type", func(t *testing.T) {
		out, err := execute(t, service.NewComponentFactory(),
			"dispatch", "-c", cfgPath, "--type", "legal_review")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NO_AGENT_AVAILABLE")

		var resp schemas.AgentResponse
		require.NoError(t, json.Unmarshal([]byte(out), &resp))
		assert.False(t, resp.Success)
	})

	t.Run("invalid payload", func(t *testing.T) {
		_, err := execute(t, service.NewComponentFactory(),
			"dispatch", "-c", cfgPath, "--type", "report", "--payload", "[1,2]")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--payload")
	})

	t.Run("invalid priority", func(t *testing.T) {
		_, err := execute(t, service.NewComponentFactory(),
			"dispatch", "-c", cfgPath, "--type", "report", "--priority", "urgent")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--priority")
	})

	t.Run("type is required", func(t *testing.T) {
		_, err := execute(t, service.NewComponentFactory(), "dispatch", "-c", cfgPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "type")
	})
}

func TestRouteAndAuditCmds(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, service.NewComponentFactory(),
		"route", "-c", cfgPath, "--to", "reporter-1", "--type", "monthly_report",
		"--payload", `{"month":"2026-09"}`, "--correlation-id", "batch-7")
	require.NoError(t, err)

	var routed schemas.AgentMessage
	require.NoError(t, json.Unmarshal([]byte(out), &routed))
	assert.Equal(t, schemas.StatusCompleted, routed.Status)
	assert.Contains(t, routed.Payload, "response")

	// An unknown recipient still produces a persisted, failed message.
	out, err = execute(t, service.NewComponentFactory(),
		"route", "-c", cfgPath, "--to", "ghost", "--type", "monthly_report", "--correlation-id", "batch-7")
	require.Error(t, err)
	var failed schemas.AgentMessage
	require.NoError(t, json.Unmarshal([]byte(out), &failed))
	assert.Equal(t, schemas.StatusFailed, failed.Status)

	// Both messages are visible to a later invocation through the SQLite store.
	out, err = execute(t, service.NewComponentFactory(), "messages", "-c", cfgPath, "--correlation", "batch-7")
	require.NoError(t, err)
	var msgs []schemas.AgentMessage
	require.NoError(t, json.Unmarshal([]byte(out), &msgs))
	require.Len(t, msgs, 2)

	out, err = execute(t, service.NewComponentFactory(), "messages", "-c", cfgPath, "--status", "failed")
	require.NoError(t, err)
	msgs = nil
	require.NoError(t, json.Unmarshal([]byte(out), &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "ghost", msgs[0].Recipient)

	_, err = execute(t, service.NewComponentFactory(), "messages", "-c", cfgPath, "--status", "lost")
	require.Error(t, err)

	out, err = execute(t, service.NewComponentFactory(), "logs", "-c", cfgPath, "--limit", "50")
	require.NoError(t, err)
	var entries []schemas.LogEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	events := make([]string, 0, len(entries))
	for _, e := range entries {
		events = append(events, e.Event)
	}
	assert.Contains(t, events, "system_initialized")
	assert.Contains(t, events, "system_shutdown")
}

func TestBroadcastCmd(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, service.NewComponentFactory(),
		"broadcast", "-c", cfgPath, "--type", "config_reload", "--ttl", "1h")
	require.NoError(t, err)

	var result struct {
		Count      int      `json:"count"`
		MessageIDs []string `json:"message_ids"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	// reporter-2 is disabled, so only two agents receive the broadcast.
	assert.Equal(t, 2, result.Count)
	assert.Len(t, result.MessageIDs, 2)
}

func TestStatusCmd(t *testing.T) {
	cfgPath := writeTestConfig(t)

	out, err := execute(t, service.NewComponentFactory(), "status", "-c", cfgPath)
	require.NoError(t, err)
	var status struct {
		Initialized      bool     `json:"initialized"`
		TotalAgents      int      `json:"total_agents"`
		ActiveAgents     int      `json:"active_agents"`
		ActiveAgentTypes []string `json:"active_agent_types"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.True(t, status.Initialized)
	assert.Equal(t, 3, status.TotalAgents)
	assert.Equal(t, 2, status.ActiveAgents)
	assert.Equal(t, []string{"DATA_VALIDATION", "REPORTING"}, status.ActiveAgentTypes)

	out, err = execute(t, service.NewComponentFactory(), "status", "-c", cfgPath, "--agent", "reporter-2")
	require.NoError(t, err)
	var agentStatus map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &agentStatus))
	assert.Equal(t, "reporter-2", agentStatus["id"])
	assert.Equal(t, false, agentStatus["active"])

	_, err = execute(t, service.NewComponentFactory(), "status", "-c", cfgPath, "--agent", "nobody")
	require.Error(t, err)
}

func TestCommands_FactoryFailure(t *testing.T) {
	cfgPath := writeTestConfig(t)
	factory := new(mockFactory)
	factory.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("database unreachable"))

	_, err := execute(t, factory, "status", "-c", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database unreachable")
	factory.AssertExpectations(t)
}

func TestRootCmd_InvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: cassandra\n"), 0o600))

	_, err := execute(t, service.NewComponentFactory(), "status", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store type")
}

func TestGetConfig_NotInitialized(t *testing.T) {
	c := &cobra.Command{}
	c.SetContext(context.Background())
	_, err := getConfig(c)
	assert.Error(t, err)
}

// syncBuffer guards a bytes.Buffer shared with the tailing goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFollowLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.log")
	require.NoError(t, os.WriteFile(path, []byte("{\"msg\":\"first\"}\n{\"msg\":\"second\"}\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- followLogFile(ctx, path, out, true) }()

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "second")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("followLogFile did not return after cancellation")
	}
	assert.True(t, strings.HasPrefix(out.String(), "{\"msg\":\"first\"}\n"))
}

func TestFollowLogFile_MissingFile(t *testing.T) {
	err := followLogFile(context.Background(), filepath.Join(t.TempDir(), "missing.log"), &bytes.Buffer{}, false)
	require.Error(t, err)
}

func TestLogsCmd_FollowRequiresLogFile(t *testing.T) {
	cfgPath := writeTestConfig(t)
	_, err := execute(t, service.NewComponentFactory(), "logs", "-c", cfgPath, "--follow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger.log_file")
}

func TestServeCmd_StopsOnCancel(t *testing.T) {
	cfgPath := writeTestConfig(t)
	root := newRootCommand(service.NewComponentFactory())
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "-c", cfgPath, "--listen", "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	// Give the server a moment to start, then stop it.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancellation")
	}
}
