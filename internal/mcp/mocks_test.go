package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/events"
	"github.com/countygis/agentcore/internal/experience"
	"github.com/countygis/agentcore/internal/registry"
	"github.com/countygis/agentcore/internal/store"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"
)

// MockAgent is a testify mock of schemas.Agent.
type MockAgent struct {
	mock.Mock
	id        string
	agentType schemas.AgentType
	active    bool
}

func NewMockAgent(id string, agentType schemas.AgentType) *MockAgent {
	return &MockAgent{id: id, agentType: agentType, active: true}
}

func (m *MockAgent) ID() string              { return m.id }
func (m *MockAgent) Type() schemas.AgentType { return m.agentType }
func (m *MockAgent) IsActive() bool          { return m.active }
func (m *MockAgent) Capabilities() []string  { return nil }

func (m *MockAgent) HandleRequest(ctx context.Context, req schemas.AgentRequest) (*schemas.AgentResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*schemas.AgentResponse)
	return resp, args.Error(1)
}

func (m *MockAgent) GetStatus(ctx context.Context) map[string]interface{} {
	args := m.Called(ctx)
	status, _ := args.Get(0).(map[string]interface{})
	return status
}

func (m *MockAgent) Shutdown(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// eventLog collects every published event.
type eventLog struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (l *eventLog) handle(_ context.Context, evt schemas.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, evt)
	return nil
}

func (l *eventLog) ofType(t schemas.EventType) []schemas.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []schemas.Event
	for _, e := range l.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (l *eventLog) types() []schemas.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schemas.EventType, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	core     *Core
	registry *registry.Registry
	store    *store.MemoryStore
	buffer   *experience.Buffer
	events   *eventLog
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		registry: registry.New(logger),
		store:    store.NewMemoryStore(),
		buffer:   experience.NewBuffer(100),
		events:   &eventLog{},
	}
	base := []Option{
		WithLogger(logger),
		WithBus(events.NewBus(logger)),
		WithRecorder(f.buffer),
	}
	f.core = New(f.registry, f.store, append(base, opts...)...)
	f.core.RegisterEventHandler("", f.events.handle)
	return f
}

// faultyStore wraps a MemoryStore and injects failures.
type faultyStore struct {
	*store.MemoryStore
	appendErr   error
	failOnState schemas.MessageStatus
	updateErr   error
}

func (s *faultyStore) AppendMessage(ctx context.Context, msg schemas.AgentMessage) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.MemoryStore.AppendMessage(ctx, msg)
}

func (s *faultyStore) UpdateMessage(ctx context.Context, id string, patch schemas.MessagePatch) error {
	if patch.Status != nil && *patch.Status == s.failOnState {
		return s.updateErr
	}
	return s.MemoryStore.UpdateMessage(ctx, id, patch)
}

func (s *faultyStore) AppendLog(ctx context.Context, entry schemas.LogEntry) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	return s.MemoryStore.AppendLog(ctx, entry)
}

var errStoreDown = errors.New("store permanently unavailable")

// fakeLearner counts Start and Stop calls.
type fakeLearner struct {
	mu            sync.Mutex
	starts, stops int
}

func (l *fakeLearner) Start(context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts++
}

func (l *fakeLearner) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
}
