// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the same FK rules

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread    // keyed by thread ID
	contexts map[string]string     // context ID -> agent ID
	messages map[string][]*Message // keyed by thread ID

	// FailAppend, when set, is returned by AppendMessage.
	FailAppend error
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:  make(map[string]*Thread),
		contexts: make(map[string]string),
		messages: make(map[string][]*Message),
	}
}

func (m *MockStore) CreateThread(_ context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[thread.ID]; ok {
		return ErrDuplicateThread
	}
	cp := *thread
	m.threads[thread.ID] = &cp
	return nil
}

func (m *MockStore) GetThread(_ context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockStore) ListThreads(_ context.Context) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threads := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		cp := *t
		threads = append(threads, &cp)
	}
	sort.Slice(threads, func(i, j int) bool {
		if threads[i].CreatedAt.Equal(threads[j].CreatedAt) {
			return threads[i].ID < threads[j].ID
		}
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	return threads, nil
}

func (m *MockStore) RenameThread(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	t.Title = title
	return nil
}

func (m *MockStore) AttachContext(_ context.Context, threadID, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	if t.OwnerKind != OwnerAgent {
		return fmt.Errorf("thread %s is not an agent thread", threadID)
	}
	m.contexts[contextID] = t.OwnerID
	t.ContextID = contextID
	return nil
}

func (m *MockStore) DeleteThread(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.contexts, t.ContextID)
	delete(m.messages, id)
	delete(m.threads, id)
	return nil
}

func (m *MockStore) AppendMessage(_ context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailAppend != nil {
		return m.FailAppend
	}
	t, ok := m.threads[msg.ThreadID]
	if !ok {
		return ErrNotFound
	}
	if t.OwnerKind == OwnerAgent && t.ContextID == "" {
		return fmt.Errorf("thread %s has no context: %w", msg.ThreadID, ErrNotFound)
	}
	cp := *msg
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &cp)
	return nil
}

func (m *MockStore) ListMessages(_ context.Context, threadID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*Message, 0, len(m.messages[threadID]))
	for _, msg := range m.messages[threadID] {
		cp := *msg
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MockStore) Close() error { return nil }
