package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/countygis/agentcore/api/schemas"
	"github.com/google/uuid"
)

// MemoryStore is an in-process MessageStore. It keeps the full status history of
// every message, which makes lifecycle audits cheap in tests and demos.
type MemoryStore struct {
	mu       sync.RWMutex
	order    []string
	messages map[string]schemas.AgentMessage
	history  map[string][]schemas.MessageStatus
	logs     []schemas.LogEntry
}

var _ schemas.MessageStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]schemas.AgentMessage),
		history:  make(map[string][]schemas.MessageStatus),
	}
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg schemas.AgentMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[msg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateMessage, msg.ID)
	}
	s.messages[msg.ID] = cloneMessage(msg)
	s.order = append(s.order, msg.ID)
	s.history[msg.ID] = []schemas.MessageStatus{msg.Status}
	return nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, patch schemas.MessagePatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if msg.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, id, msg.Status)
	}
	if patch.Status != nil && !schemas.CanTransition(msg.Status, *patch.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrTerminalStatus, msg.Status, *patch.Status)
	}

	if patch.Status != nil {
		msg.Status = *patch.Status
		s.history[id] = append(s.history[id], msg.Status)
	}
	if patch.Payload != nil {
		msg.Payload = copyPayload(patch.Payload)
	}
	if patch.ProcessedAt != nil {
		msg.ProcessedAt = copyTime(patch.ProcessedAt)
	}
	s.messages[id] = msg
	return nil
}

func (s *MemoryStore) AppendLog(ctx context.Context, entry schemas.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*schemas.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	out := cloneMessage(msg)
	return &out, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, filter schemas.MessageFilter) ([]schemas.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []schemas.AgentMessage
	for _, id := range s.order {
		msg := s.messages[id]
		if !filter.Matches(msg) {
			continue
		}
		out = append(out, cloneMessage(msg))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// ListLogs returns the most recent entries, oldest first. limit <= 0 returns all.
func (s *MemoryStore) ListLogs(ctx context.Context, limit int) ([]schemas.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.logs) > limit {
		start = len(s.logs) - limit
	}
	return append([]schemas.LogEntry(nil), s.logs[start:]...), nil
}

// StatusHistory returns every status a message has held, in order.
func (s *MemoryStore) StatusHistory(id string) []schemas.MessageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]schemas.MessageStatus(nil), s.history[id]...)
}

// Len returns the number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *MemoryStore) Close() error { return nil }
