// Package mcp implements the Master Control Program: the orchestration core that
// routes and dispatches requests to registered agents, tracks every interaction
// as a status-tracked message, publishes lifecycle events and records dispatch
// outcomes as experiences.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/countygis/agentcore/internal/events"
	"github.com/countygis/agentcore/internal/experience"
	"github.com/countygis/agentcore/internal/registry"
	"github.com/countygis/agentcore/internal/routing"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrAgentNotFound is returned by GetAgentStatus for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentPanic wraps a panic recovered from an agent's HandleRequest.
var ErrAgentPanic = errors.New("agent panicked")

// Router resolves a request type to the agent type that should serve it.
type Router interface {
	Resolve(requestType string) schemas.AgentType
}

// BackgroundProcess is a periodic job bracketed by Initialize and Shutdown.
type BackgroundProcess interface {
	Start(ctx context.Context)
	Stop()
}

// Core is the orchestration core. It is safe for concurrent use.
type Core struct {
	registry *registry.Registry
	store    schemas.MessageStore
	bus      *events.Bus
	recorder schemas.ExperienceRecorder
	router   Router
	reward   RewardFunc
	selector Selector
	loader   schemas.AgentLoader
	learner  BackgroundProcess
	limiter  *rate.Limiter
	logger   *zap.Logger
	now      func() time.Time
	newID    func() string

	senderID          string
	successPriority   int
	failurePriority   int
	broadcastParallel int

	// lifecycleMu serializes Initialize and Shutdown; stateMu guards the fields
	// below it so status queries from event handlers never block on a lifecycle call.
	lifecycleMu sync.Mutex
	stateMu     sync.RWMutex
	initialized bool
	stopped     bool
	startedAt   time.Time

	dispatched     atomic.Int64
	dispatchFailed atomic.Int64
	routed         atomic.Int64
	routeFailed    atomic.Int64
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger; the core names it "mcp".
func WithLogger(logger *zap.Logger) Option { return func(c *Core) { c.logger = logger } }

// WithBus injects a shared event bus.
func WithBus(bus *events.Bus) Option { return func(c *Core) { c.bus = bus } }

// WithRecorder injects the experience recorder.
func WithRecorder(r schemas.ExperienceRecorder) Option { return func(c *Core) { c.recorder = r } }

// WithRouter replaces the built-in keyword routing table.
func WithRouter(r Router) Option { return func(c *Core) { c.router = r } }

// WithRewardFunc replaces DefaultReward.
func WithRewardFunc(f RewardFunc) Option { return func(c *Core) { c.reward = f } }

// WithSelector replaces FirstActive.
func WithSelector(s Selector) Option { return func(c *Core) { c.selector = s } }

// WithAgentLoader sets the bootstrap source consulted by Initialize.
func WithAgentLoader(l schemas.AgentLoader) Option { return func(c *Core) { c.loader = l } }

// WithLearner sets the background learning process started by Initialize.
func WithLearner(p BackgroundProcess) Option { return func(c *Core) { c.learner = p } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Core) { c.now = now } }

// WithIDGenerator overrides the uuid generator used for message and correlation ids.
func WithIDGenerator(newID func() string) Option { return func(c *Core) { c.newID = newID } }

// WithSenderID sets the sender recorded on messages created by dispatch.
func WithSenderID(id string) Option { return func(c *Core) { c.senderID = id } }

// WithExperiencePriorities sets the buffer priority of successful and failed
// dispatch outcomes.
func WithExperiencePriorities(success, failure int) Option {
	return func(c *Core) {
		c.successPriority = success
		c.failurePriority = failure
	}
}

// WithDispatchRateLimit admits at most limit dispatches per second, with the
// given burst. A non-positive limit disables admission control.
func WithDispatchRateLimit(limit float64, burst int) Option {
	return func(c *Core) {
		if limit <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(limit), burst)
	}
}

// WithBroadcastConcurrency bounds the number of concurrent routes during a
// broadcast. Zero means unbounded.
func WithBroadcastConcurrency(n int) Option { return func(c *Core) { c.broadcastParallel = n } }

// New constructs a Core around an agent registry and a message store.
func New(reg *registry.Registry, store schemas.MessageStore, opts ...Option) *Core {
	c := &Core{
		registry:        reg,
		store:           store,
		reward:          DefaultReward,
		selector:        FirstActive,
		now:             time.Now,
		newID:           uuid.NewString,
		senderID:        "mcp",
		successPriority: 1,
		failurePriority: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("mcp")
	if c.bus == nil {
		c.bus = events.NewBus(c.logger)
	}
	if c.recorder == nil {
		c.recorder = experience.NewBuffer(experience.DefaultCapacity)
	}
	if c.router == nil {
		c.router = routing.DefaultTable()
	}
	return c
}

// Registry exposes the agent registry for read-only queries.
func (c *Core) Registry() *registry.Registry { return c.registry }

// RegisterAgent adds or replaces an agent and emits AGENT_REGISTERED.
func (c *Core) RegisterAgent(ctx context.Context, a schemas.Agent) {
	replaced := c.registry.Register(a)
	c.Emit(ctx, schemas.EventAgentRegistered, map[string]interface{}{
		"agent_id":   a.ID(),
		"agent_type": string(a.Type()),
		"replaced":   replaced,
	})
}

// UnregisterAgent removes an agent, emitting AGENT_UNREGISTERED if it was present.
func (c *Core) UnregisterAgent(ctx context.Context, id string) bool {
	if !c.registry.Unregister(id) {
		return false
	}
	c.Emit(ctx, schemas.EventAgentUnregistered, map[string]interface{}{"agent_id": id})
	return true
}

// RegisterEventHandler subscribes h to one event type, or to every type when
// eventType is empty. The returned function unsubscribes.
func (c *Core) RegisterEventHandler(eventType schemas.EventType, h events.Handler) func() {
	if eventType == "" {
		return c.bus.SubscribeAll(h)
	}
	return c.bus.Subscribe(eventType, h)
}

// Emit publishes an event synchronously and returns the number of failed handlers.
func (c *Core) Emit(ctx context.Context, eventType schemas.EventType, payload map[string]interface{}) int {
	return c.bus.Publish(ctx, schemas.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: c.now().UTC(),
	})
}

// GetAgentStatus returns the agent's own status map.
func (c *Core) GetAgentStatus(ctx context.Context, id string) (map[string]interface{}, error) {
	a, ok := c.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	status := a.GetStatus(ctx)
	if status == nil {
		status = map[string]interface{}{}
	}
	if _, ok := status["id"]; !ok {
		status["id"] = a.ID()
	}
	if _, ok := status["type"]; !ok {
		status["type"] = string(a.Type())
	}
	if _, ok := status["active"]; !ok {
		status["active"] = a.IsActive()
	}
	return status, nil
}

// SystemStatus is an aggregate snapshot of the core.
type SystemStatus struct {
	Initialized      bool                      `json:"initialized"`
	TotalAgents      int                       `json:"total_agents"`
	ActiveAgents     int                       `json:"active_agents"`
	ActiveAgentTypes []schemas.AgentType       `json:"active_agent_types"`
	AgentsByType     map[schemas.AgentType]int `json:"agents_by_type"`
	Experiences      int                       `json:"experiences"`
	Dispatched       int64                     `json:"dispatched"`
	DispatchFailed   int64                     `json:"dispatch_failed"`
	Routed           int64                     `json:"routed"`
	RouteFailed      int64                     `json:"route_failed"`
	StartedAt        time.Time                 `json:"started_at,omitempty"`
	Uptime           time.Duration             `json:"uptime"`
}

// GetSystemStatus reports agent counts, the distinct active agent types in
// sorted order and dispatch counters.
func (c *Core) GetSystemStatus() SystemStatus {
	all := c.registry.All()
	status := SystemStatus{
		TotalAgents:    len(all),
		AgentsByType:   make(map[schemas.AgentType]int),
		Experiences:    c.recorder.Len(),
		Dispatched:     c.dispatched.Load(),
		DispatchFailed: c.dispatchFailed.Load(),
		Routed:         c.routed.Load(),
		RouteFailed:    c.routeFailed.Load(),
	}

	seen := make(map[schemas.AgentType]bool)
	for _, a := range all {
		status.AgentsByType[a.Type()]++
		if !a.IsActive() {
			continue
		}
		status.ActiveAgents++
		if !seen[a.Type()] {
			seen[a.Type()] = true
			status.ActiveAgentTypes = append(status.ActiveAgentTypes, a.Type())
		}
	}
	sort.Slice(status.ActiveAgentTypes, func(i, j int) bool {
		return status.ActiveAgentTypes[i] < status.ActiveAgentTypes[j]
	})

	c.stateMu.RLock()
	status.Initialized = c.initialized && !c.stopped
	status.StartedAt = c.startedAt
	c.stateMu.RUnlock()
	if !status.StartedAt.IsZero() {
		status.Uptime = c.now().Sub(status.StartedAt)
	}
	return status
}
