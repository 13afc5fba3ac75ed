package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/agent"
	"github.com/countygis/agentcore/internal/config"
	"github.com/countygis/agentcore/internal/mcp"
	"github.com/countygis/agentcore/internal/registry"
	"github.com/countygis/agentcore/internal/store"
)

type fixture struct {
	core   *mcp.Core
	store  *store.MemoryStore
	server *Server
	http   *httptest.Server
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		ListenAddr:      "127.0.0.1:0",
		ReadTimeout:     5 * time.Second,
		RequestTimeout:  10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		AllowedOrigins:  []string{"*"},
		EventBuffer:     16,
	}
}

func newFixture(t *testing.T, cfg config.GatewayConfig) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	memStore := store.NewMemoryStore()
	core := mcp.New(registry.New(logger), memStore, mcp.WithLogger(logger))

	ctx := context.Background()
	core.RegisterAgent(ctx, agent.NewEchoAgent("reporter-1", schemas.AgentReporting))
	core.RegisterAgent(ctx, agent.NewFuncAgent("validator-1", schemas.AgentDataValidation,
		func(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
			return agent.Failure(agent.ErrCodeInvalidParameters, "parcel id is malformed", nil), nil
		}))

	srv := NewServer(cfg, core, memStore, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{core: core, store: memStore, server: srv, http: ts}
}

// envelope decodes an APIResponse with a typed data section.
type envelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
	Error  string `json:"error"`
}

func doJSON[T any](t *testing.T, method, url, body string) (int, envelope[T]) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t, testGatewayConfig())

	resp, err := http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body bytes.Buffer
	_, _ = body.ReadFrom(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", body.String())
}

func TestHandleDispatch(t *testing.T) {
	f := newFixture(t, testGatewayConfig())
	url := f.http.URL + "/api/v1/dispatch"

	t.Run("success", func(t *testing.T) {
		code, env := doJSON[schemas.AgentResponse](t, http.MethodPost, url,
			`{"type":"quarterly_report","action":"render","payload":{"quarter":"Q3"}}`)
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "success", env.Status)
		assert.True(t, env.Data.Success)
		assert.NotEmpty(t, env.Data.MessageID)
		assert.NotEmpty(t, env.Data.CorrelationID)
	})

	t.Run("agent reported failure", func(t *testing.T) {
		code, env := doJSON[schemas.AgentResponse](t, http.MethodPost, url, `{"type":"parcel_validation"}`)
		assert.Equal(t, http.StatusUnprocessableEntity, code)
		assert.Equal(t, "error", env.Status)
		require.NotNil(t, env.Data.Error)
		assert.Equal(t, string(agent.ErrCodeInvalidParameters), env.Data.Error.Code)
		assert.Contains(t, env.Error, "malformed")
	})

	t.Run("no agent available", func(t *testing.T) {
		code, env := doJSON[schemas.AgentResponse](t, http.MethodPost, url, `{"type":"legal_review"}`)
		assert.Equal(t, http.StatusServiceUnavailable, code)
		require.NotNil(t, env.Data.Error)
		assert.Equal(t, string(agent.ErrCodeNoAgentAvailable), env.Data.Error.Code)
	})

	t.Run("missing type", func(t *testing.T) {
		code, env := doJSON[map[string]interface{}](t, http.MethodPost, url, `{"action":"x"}`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "Request type is required.", env.Error)
	})

	t.Run("malformed body", func(t *testing.T) {
		code, env := doJSON[map[string]interface{}](t, http.MethodPost, url, `{"type":`)
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Contains(t, env.Error, "Invalid request body")
	})
}

func TestHandleDispatch_RequestTimeoutStillSettlesMessage(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	f := newFixture(t, cfg)
	ctx := context.Background()
	require.True(t, f.core.UnregisterAgent(ctx, "reporter-1"))
	f.core.RegisterAgent(ctx, agent.NewFuncAgent("reporter-slow", schemas.AgentReporting,
		func(ctx context.Context, _ schemas.AgentRequest) (*schemas.AgentResponse, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	resp, err := http.Post(f.http.URL+"/api/v1/dispatch", "application/json",
		strings.NewReader(`{"type":"quarterly_report","action":"render"}`))
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	msgs, err := f.store.ListMessages(ctx, schemas.MessageFilter{Recipient: "reporter-slow"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Status.IsTerminal(), "got %s", msgs[0].Status)
	assert.Equal(t, schemas.StatusFailed, msgs[0].Status)
	assert.NotNil(t, msgs[0].ProcessedAt)
}

func TestDispatchStatusCode(t *testing.T) {
	tests := []struct {
		name string
		resp *schemas.AgentResponse
		want int
	}{
		{"no error detail", &schemas.AgentResponse{}, http.StatusUnprocessableEntity},
		{"no agent", &schemas.AgentResponse{Error: &schemas.ResponseError{Code: string(agent.ErrCodeNoAgentAvailable)}}, http.StatusServiceUnavailable},
		{"rate limited", &schemas.AgentResponse{Error: &schemas.ResponseError{Code: string(agent.ErrCodeRateLimited)}}, http.StatusTooManyRequests},
		{"dispatch error", &schemas.AgentResponse{Error: &schemas.ResponseError{Code: string(agent.ErrCodeDispatchError)}}, http.StatusInternalServerError},
		{"agent failure", &schemas.AgentResponse{Error: &schemas.ResponseError{Code: string(agent.ErrCodeExecutionFailure)}}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dispatchStatusCode(tt.resp))
		})
	}
}

func TestHandleRouteAndQueries(t *testing.T) {
	f := newFixture(t, testGatewayConfig())
	base := f.http.URL + "/api/v1"

	code, routed := doJSON[schemas.AgentMessage](t, http.MethodPost, base+"/messages",
		`{"sender":"permits-ui","recipient":"reporter-1","message_type":"monthly_report","priority":"HIGH","correlation_id":"c-1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, schemas.StatusCompleted, routed.Data.Status)
	assert.Equal(t, schemas.PriorityHigh, routed.Data.Priority)
	assert.Contains(t, routed.Data.Payload, "response")

	code, failed := doJSON[schemas.AgentMessage](t, http.MethodPost, base+"/messages",
		`{"recipient":"ghost","message_type":"monthly_report","correlation_id":"c-1"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, schemas.StatusFailed, failed.Data.Status)

	code, env := doJSON[map[string]interface{}](t, http.MethodPost, base+"/messages", `{"message_type":"x"}`)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Recipient is required.", env.Error)

	type messageList struct {
		Count    int                    `json:"count"`
		Messages []schemas.AgentMessage `json:"messages"`
	}

	code, list := doJSON[messageList](t, http.MethodGet, base+"/messages?correlation=c-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, list.Data.Count)

	code, list = doJSON[messageList](t, http.MethodGet, base+"/messages?status=failed&limit=5", "")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, list.Data.Messages, 1)
	assert.Equal(t, "ghost", list.Data.Messages[0].Recipient)

	code, _ = doJSON[messageList](t, http.MethodGet, base+"/messages?status=lost", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON[messageList](t, http.MethodGet, base+"/messages?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, one := doJSON[schemas.AgentMessage](t, http.MethodGet, base+"/messages/"+routed.Data.ID, "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "reporter-1", one.Data.Recipient)

	code, _ = doJSON[schemas.AgentMessage](t, http.MethodGet, base+"/messages/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHandleBroadcast(t *testing.T) {
	f := newFixture(t, testGatewayConfig())

	type result struct {
		Count      int      `json:"count"`
		MessageIDs []string `json:"message_ids"`
	}
	code, env := doJSON[result](t, http.MethodPost, f.http.URL+"/api/v1/broadcast", `{"message_type":"config_reload"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, env.Data.Count)
	assert.Len(t, env.Data.MessageIDs, 2)

	code, _ = doJSON[result](t, http.MethodPost, f.http.URL+"/api/v1/broadcast", `{}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestStatusEndpoints(t *testing.T) {
	f := newFixture(t, testGatewayConfig())
	require.NoError(t, f.core.Initialize(context.Background()))
	t.Cleanup(func() { _ = f.core.Shutdown(context.Background()) })

	code, status := doJSON[mcp.SystemStatus](t, http.MethodGet, f.http.URL+"/api/v1/status", "")
	require.Equal(t, http.StatusOK, code)
	assert.True(t, status.Data.Initialized)
	assert.Equal(t, 2, status.Data.TotalAgents)

	code, agentStatus := doJSON[map[string]interface{}](t, http.MethodGet, f.http.URL+"/api/v1/agents/reporter-1", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "REPORTING", agentStatus.Data["type"])

	code, _ = doJSON[map[string]interface{}](t, http.MethodGet, f.http.URL+"/api/v1/agents/nobody", "")
	assert.Equal(t, http.StatusNotFound, code)

	type logList struct {
		Count   int                `json:"count"`
		Entries []schemas.LogEntry `json:"entries"`
	}
	code, logs := doJSON[logList](t, http.MethodGet, f.http.URL+"/api/v1/logs?limit=10", "")
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, logs.Data.Entries)
	assert.Equal(t, "system_initialized", logs.Data.Entries[0].Event)
}

func TestCORS(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.AllowedOrigins = []string{"https://gis.example.gov"}
	f := newFixture(t, cfg)

	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/api/v1/dispatch", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://gis.example.gov")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://gis.example.gov", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://elsewhere.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func wsURL(httpURL string, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func TestEventStream(t *testing.T) {
	f := newFixture(t, testGatewayConfig())

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL, "/ws/v1/events?types=message_processed"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.server.stream.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	id := f.core.RouteMessage(context.Background(), schemas.AgentMessage{
		Recipient:   "reporter-1",
		MessageType: "monthly_report",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame StreamMessage
	require.NoError(t, conn.ReadJSON(&frame))

	assert.Equal(t, StreamEvent, frame.Type)
	require.NotNil(t, frame.Event)
	// MESSAGE_RECEIVED is not emitted by routing and other types are filtered.
	assert.Equal(t, schemas.EventMessageProcessed, frame.Event.Type)
	assert.Equal(t, id, frame.Event.Payload["message_id"])

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool { return f.server.stream.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestEventStream_RejectsOrigin(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.AllowedOrigins = []string{"https://gis.example.gov"}
	f := newFixture(t, cfg)

	header := http.Header{}
	header.Set("Origin", "https://elsewhere.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(f.http.URL, "/ws/v1/events"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStreamClient_DropsWhenFull(t *testing.T) {
	c := &streamClient{
		send: make(chan StreamMessage, 1),
		done: make(chan struct{}),
	}
	evt := schemas.Event{Type: schemas.EventErrorOccurred}

	require.NoError(t, c.handleEvent(context.Background(), evt))
	require.NoError(t, c.handleEvent(context.Background(), evt))
	require.NoError(t, c.handleEvent(context.Background(), evt))
	assert.Len(t, c.send, 1)
	assert.Equal(t, int64(2), c.dropped.Load())

	c.stop()
	c.stop()
	<-c.send
	require.NoError(t, c.handleEvent(context.Background(), evt))
	assert.Len(t, c.send, 0, "stopped clients accept nothing")
}

func TestServe_GracefulShutdown(t *testing.T) {
	logger := zaptest.NewLogger(t)
	memStore := store.NewMemoryStore()
	core := mcp.New(registry.New(logger), memStore, mcp.WithLogger(logger))
	srv := NewServer(testGatewayConfig(), core, memStore, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/v1/events", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.stream.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}

	// The stream client is told to go away.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	assert.True(t, errors.As(err, &closeErr), "expected a close frame, got %v", err)
}

func TestRun_ListenError(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.ListenAddr = "256.0.0.1:bad"
	logger := zaptest.NewLogger(t)
	memStore := store.NewMemoryStore()
	srv := NewServer(cfg, mcp.New(registry.New(logger), memStore), memStore, logger)

	err := srv.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen")
}
