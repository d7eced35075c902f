// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory chats, messages and streams with per-operation call counters

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
// Setting an Err field makes the matching operation fail.
type MockStore struct {
	mu       sync.RWMutex
	chats    map[string]*Chat
	messages map[string][]*Message // keyed by chatID, insertion order
	streams  map[string][]*StreamRecord
	calls    map[string]int

	CreateChatErr   error
	SaveMessagesErr error
	CreateStreamErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		chats:    make(map[string]*Chat),
		messages: make(map[string][]*Message),
		streams:  make(map[string][]*StreamRecord),
		calls:    make(map[string]int),
	}
}

// Calls returns how many times the named operation was invoked
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// TotalCalls returns the number of store operations invoked so far
func (m *MockStore) TotalCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, n := range m.calls {
		total += n
	}
	return total
}

// CreateChat stores a new chat.
func (m *MockStore) CreateChat(ctx context.Context, chat *Chat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateChat"]++

	if m.CreateChatErr != nil {
		return m.CreateChatErr
	}
	if _, ok := m.chats[chat.ID]; ok {
		return ErrDuplicateChat
	}

	c := *chat
	if c.Visibility == "" {
		c.Visibility = VisibilityPrivate
	}
	m.chats[c.ID] = &c
	return nil
}

// GetChat retrieves a chat by ID.
func (m *MockStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetChat"]++

	c, ok := m.chats[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// SaveMessages appends messages atomically.
func (m *MockStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SaveMessages"]++

	if m.SaveMessagesErr != nil {
		return m.SaveMessagesErr
	}
	for _, msg := range msgs {
		cp := *msg
		cp.Parts = append([]Part(nil), msg.Parts...)
		m.messages[cp.ChatID] = append(m.messages[cp.ChatID], &cp)
	}
	return nil
}

// GetMessagesByChatID returns messages oldest first.
func (m *MockStore) GetMessagesByChatID(ctx context.Context, chatID string) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetMessagesByChatID"]++

	msgs := m.messages[chatID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		cp := *msg
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CreateStreamID appends a stream record.
func (m *MockStore) CreateStreamID(ctx context.Context, record *StreamRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateStreamID"]++

	if m.CreateStreamErr != nil {
		return m.CreateStreamErr
	}
	r := *record
	m.streams[r.ChatID] = append(m.streams[r.ChatID], &r)
	return nil
}

// GetStreamIDsByChatID returns stream IDs oldest first.
func (m *MockStore) GetStreamIDsByChatID(ctx context.Context, chatID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["GetStreamIDsByChatID"]++

	records := append([]*StreamRecord(nil), m.streams[chatID]...)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}
