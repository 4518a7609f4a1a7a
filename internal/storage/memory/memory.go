// Package memory keeps the turn journal in memory and writes it out as JSON
// when the session ends.
package memory

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/OCAP2/lockstep/internal/config"
	"github.com/OCAP2/lockstep/internal/storage"
)

var errNoSession = errors.New("no active session")

// Backend stores the journal in memory and exports it to JSON
type Backend struct {
	cfg     config.MemoryConfig
	session *storage.Session
	turns   []storage.TurnRecord

	lastExportPath string
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a new memory backend
func New(cfg config.MemoryConfig) *Backend {
	return &Backend{cfg: cfg, now: time.Now}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartSession begins a new journal, discarding any previous one.
func (b *Backend) StartSession(s *storage.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	copied := *s
	b.session = &copied
	b.turns = nil
	b.lastExportPath = ""
	return nil
}

// EndSession stamps the end time and exports the journal. Without an output
// directory the journal only stays in memory.
func (b *Backend) EndSession() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return errNoSession
	}
	b.session.EndedAt = b.now()

	if b.cfg.OutputDir == "" {
		return nil
	}
	return b.exportJSON()
}

// RecordTurn appends an executed turn.
func (b *Backend) RecordTurn(r *storage.TurnRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session == nil {
		return errNoSession
	}
	if n := len(b.turns); n > 0 && r.Turn <= b.turns[n-1].Turn {
		return fmt.Errorf("turn %d recorded out of order after %d", r.Turn, b.turns[n-1].Turn)
	}
	b.turns = append(b.turns, *r)
	return nil
}

// LoadSession returns the current journal if id matches it.
func (b *Backend) LoadSession(id string) (*storage.Session, []storage.TurnRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.session == nil || b.session.ID != id {
		return nil, nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, id)
	}
	s := *b.session
	turns := make([]storage.TurnRecord, len(b.turns))
	copy(turns, b.turns)
	return &s, turns, nil
}

// TurnCount returns the number of recorded turns.
func (b *Backend) TurnCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.turns)
}

// ExportedFilePath returns the path of the last export, or "" if none.
func (b *Backend) ExportedFilePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastExportPath
}
