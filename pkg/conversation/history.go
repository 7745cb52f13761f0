// Package conversation keeps a bounded chat history per user, shared across
// overlapping events.
package conversation

import (
	"strings"
	"sync"
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Entry is one turn of a conversation.
type Entry struct {
	Role    string
	Content string
	At      time.Time
}

// history is the bounded log of a single user.
type history struct {
	mu      sync.Mutex
	entries []Entry
}

// Store maps user ids to their histories. The map is guarded by its own lock;
// each history has a separate lock so users do not contend with each other.
type Store struct {
	limit int

	mu    sync.RWMutex
	users map[string]*history
}

// NewStore creates a store keeping at most limit entries per user.
// A non-positive limit disables history.
func NewStore(limit int) *Store {
	return &Store{
		limit: limit,
		users: make(map[string]*history),
	}
}

// Limit returns the per-user entry bound.
func (s *Store) Limit() int {
	return s.limit
}

// Append records entries for user, dropping the oldest beyond the limit.
// Entries with an empty role or content are skipped.
func (s *Store) Append(user string, entries ...Entry) {
	user = strings.TrimSpace(user)
	if user == "" || s.limit <= 0 {
		return
	}

	h := s.historyFor(user)

	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now().UTC()
	for _, entry := range entries {
		entry.Role = strings.TrimSpace(entry.Role)
		entry.Content = strings.TrimSpace(entry.Content)
		if entry.Role == "" || entry.Content == "" {
			continue
		}
		if entry.At.IsZero() {
			entry.At = now
		}
		h.entries = append(h.entries, entry)
	}

	if overflow := len(h.entries) - s.limit; overflow > 0 {
		h.entries = append([]Entry(nil), h.entries[overflow:]...)
	}
}

// AppendExchange records a user prompt and the assistant reply together.
func (s *Store) AppendExchange(user string, prompt string, reply string) {
	s.Append(user,
		Entry{Role: RoleUser, Content: prompt},
		Entry{Role: RoleAssistant, Content: reply},
	)
}

// List returns a copy of user's history, oldest first.
func (s *Store) List(user string) []Entry {
	s.mu.RLock()
	h, ok := s.users[strings.TrimSpace(user)]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.entries) == 0 {
		return nil
	}

	out := make([]Entry, len(h.entries))
	copy(out, h.entries)
	return out
}

// Clear drops user's history.
func (s *Store) Clear(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, strings.TrimSpace(user))
}

// Users returns the number of users with a history.
func (s *Store) Users() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.users)
}

// historyFor returns an existing history or lazily creates one.
func (s *Store) historyFor(user string) *history {
	s.mu.RLock()
	h, ok := s.users[user]
	s.mu.RUnlock()
	if ok {
		return h
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok = s.users[user]; ok {
		return h
	}

	h = &history{}
	s.users[user] = h
	return h
}
