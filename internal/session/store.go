// Package session persists the mapping from (project, model) context
// to agent session ids so conversations survive across invocations.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agentbatch/agentbatch/internal/logging"
)

const (
	// storeDir is the tool metadata directory inside a project root.
	storeDir  = ".agentbatch"
	storeFile = "sessions.json"

	// DefaultMaxSessions bounds how many contexts one project tracks.
	DefaultMaxSessions = 50
	// DefaultMaxResumeAttempts is how many resume failures a session
	// survives before it is dropped as unusable.
	DefaultMaxResumeAttempts = 3
)

// Entry is one cached session. Timestamps are epoch milliseconds.
type Entry struct {
	ChatID         string `json:"chatId"`
	CreatedAt      int64  `json:"createdAt"`
	LastUsedAt     int64  `json:"lastUsedAt"`
	ResumeAttempts int    `json:"resumeAttempts"`
}

// Options tunes a store's bounds. Zero values take the defaults.
type Options struct {
	MaxSessions       int
	MaxResumeAttempts int
}

// Store is a file-backed contextKey -> Entry map scoped to one project
// root. Sessions have no time-based expiry: they live until proven
// unusable or evicted for capacity. The backing file is rewritten in
// full on every mutation, which is fine at the bounded entry counts
// involved; there is no cross-process locking, so concurrent writers
// are last-writer-wins.
type Store struct {
	mu          sync.Mutex
	projectRoot string
	path        string
	entries     map[string]*Entry

	maxSessions       int
	maxResumeAttempts int
}

// Key builds the context key for a project root and model. The path is
// normalized to an absolute form so the same project always maps to the
// same key regardless of how the caller spelled it.
func Key(projectRoot, model string) string {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = filepath.Clean(projectRoot)
	}
	if model == "" {
		model = "default"
	}
	return abs + ":" + model
}

// NewStore opens the session store for a project root, loading any
// existing state. A corrupt or unreadable file is treated as empty.
func NewStore(projectRoot string, opts Options) *Store {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = DefaultMaxSessions
	}
	if opts.MaxResumeAttempts <= 0 {
		opts.MaxResumeAttempts = DefaultMaxResumeAttempts
	}

	// Normalize the same way Key does, so every spelling of a project
	// resolves to one backing file.
	if abs, err := filepath.Abs(projectRoot); err == nil {
		projectRoot = abs
	}

	s := &Store{
		projectRoot:       projectRoot,
		path:              filepath.Join(projectRoot, storeDir, storeFile),
		entries:           make(map[string]*Entry),
		maxSessions:       opts.MaxSessions,
		maxResumeAttempts: opts.MaxResumeAttempts,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn("session store unreadable, starting empty", "path", s.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		logging.Warn("session store corrupt, starting empty", "path", s.path, "error", err)
		s.entries = make(map[string]*Entry)
	}
}

// Get returns the cached chat id for a context key, or "" when none is
// usable. An entry that already reached the resume-failure threshold is
// deleted on sight.
func (s *Store) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return ""
	}
	if e.ResumeAttempts >= s.maxResumeAttempts {
		delete(s.entries, key)
		s.persist()
		return ""
	}
	e.LastUsedAt = nowMS()
	s.persist()
	return e.ChatID
}

// Put records a session id for a context key, resetting the failure
// count. createdAt is preserved for an existing entry unless isNew.
func (s *Store) Put(key, chatID string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMS()
	createdAt := now
	if prev, ok := s.entries[key]; ok && !isNew {
		createdAt = prev.CreatedAt
	}
	s.entries[key] = &Entry{
		ChatID:     chatID,
		CreatedAt:  createdAt,
		LastUsedAt: now,
	}
	s.evict()
	s.persist()
}

// MarkResumeFailure records that resuming chatID for key failed. It is
// a no-op when the stored chat id no longer matches (the entry was
// already superseded). The entry is deleted the moment it reaches the
// failure threshold.
func (s *Store) MarkResumeFailure(key, chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || e.ChatID != chatID {
		return
	}
	e.ResumeAttempts++
	if e.ResumeAttempts >= s.maxResumeAttempts {
		logging.Info("dropping session after repeated resume failures",
			"key", key, "chat_id", chatID, "attempts", e.ResumeAttempts)
		delete(s.entries, key)
	}
	s.persist()
}

// Delete removes a single context entry.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; ok {
		delete(s.entries, key)
		s.persist()
	}
}

// Clear removes every entry and the backing file.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]*Entry)
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		logging.Warn("failed to remove session store file", "path", s.path, "error", err)
	}
}

// Stats describes the store's current contents.
type Stats struct {
	ProjectRoot string
	Path        string
	Count       int
	Entries     map[string]Entry
}

// Stats returns a snapshot of the store.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		ProjectRoot: s.projectRoot,
		Path:        s.path,
		Count:       len(s.entries),
		Entries:     make(map[string]Entry, len(s.entries)),
	}
	for k, e := range s.entries {
		out.Entries[k] = *e
	}
	return out
}

// evict drops the oldest ~10% of entries by last use once the store
// exceeds its capacity. Caller holds the lock.
func (s *Store) evict() {
	if len(s.entries) <= s.maxSessions {
		return
	}

	type aged struct {
		key  string
		used int64
	}
	all := make([]aged, 0, len(s.entries))
	for k, e := range s.entries {
		all = append(all, aged{key: k, used: e.LastUsedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].used < all[j].used })

	drop := len(s.entries) - s.maxSessions
	if tenth := s.maxSessions / 10; tenth > drop {
		drop = tenth
	}
	for i := 0; i < drop && i < len(all); i++ {
		logging.Debug("evicting least recently used session", "key", all[i].key)
		delete(s.entries, all[i].key)
	}
}

// persist rewrites the backing file. Write failures are logged and
// swallowed: losing session continuity is not worth failing a
// generation over. Caller holds the lock.
func (s *Store) persist() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		logging.Warn("failed to create session store dir", "path", s.path, "error", err)
		return
	}
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		logging.Warn("failed to encode session store", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		logging.Warn("failed to write session store", "path", s.path, "error", err)
	}
}

func nowMS() int64 {
	return time.Now().UnixMilli()
}

// String implements fmt.Stringer for debug logging.
func (s *Store) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("session.Store{project=%s entries=%d cap=%d}", s.projectRoot, len(s.entries), s.maxSessions)
}
