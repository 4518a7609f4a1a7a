// Package gormstorage implements the storage.Backend interface using GORM
// with an internal queue and a background DB writer goroutine. It serves both
// Postgres and SQLite; for SQLite it can periodically snapshot the database
// to disk via VACUUM INTO.
package gormstorage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCAP2/lockstep/internal/database"
	"github.com/OCAP2/lockstep/internal/model"
	"github.com/OCAP2/lockstep/internal/queue"
	"github.com/OCAP2/lockstep/internal/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const writeBatchSize = 500

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Logger        *slog.Logger
	FlushInterval time.Duration // default 1s
	DumpPath      string        // sqlite only; empty disables dumps
	DumpInterval  time.Duration
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps      Dependencies
	turns     *queue.Queue[model.Turn]
	sessionID atomic.Uint64
	writeMu   sync.Mutex

	lastWrite atomic.Int64
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = time.Second
	}
	return &Backend{
		deps:  deps,
		turns: queue.New[model.Turn](),
	}
}

// Init runs schema migration and starts the writer goroutines.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gorm backend requires a database")
	}
	if err := database.Migrate(b.deps.DB); err != nil {
		return err
	}

	b.stopChan = make(chan struct{})
	b.wg.Add(1)
	go b.writeLoop()

	if b.deps.DumpPath != "" && b.deps.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}
	return nil
}

// Close stops the writers, writes what is still queued and takes a final dump.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		if b.stopChan != nil {
			close(b.stopChan)
			b.wg.Wait()
		}
		if b.deps.DB == nil {
			return
		}
		err = b.flush()
		if b.deps.DumpPath != "" {
			err = errors.Join(err, database.DumpSqliteToDisk(b.deps.DB, b.deps.DumpPath))
		}
	})
	return err
}

// StartSession inserts the session row synchronously so turn rows can
// reference it.
func (b *Backend) StartSession(s *storage.Session) error {
	if s == nil || s.ID == "" {
		return errors.New("session id is required")
	}

	settings, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session settings: %w", err)
	}

	row := model.Session{
		UID:           s.ID,
		Slot:          s.Slot,
		Players:       s.Players,
		Window:        s.Window,
		Offset:        s.Offset,
		FramesPerTurn: s.FramesPerTurn,
		StartedAt:     s.StartedAt,
		Settings:      datatypes.JSON(settings),
	}
	if err := b.deps.DB.Omit(clause.Associations).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	b.sessionID.Store(uint64(row.ID))
	b.deps.Logger.Info("Journal session started", "session", s.ID, "row", row.ID)
	return nil
}

// EndSession writes every queued turn and stamps the end time.
func (b *Backend) EndSession() error {
	id := uint(b.sessionID.Load())
	if id == 0 {
		return errors.New("no active session")
	}
	if err := b.flush(); err != nil {
		return err
	}
	err := b.deps.DB.Model(&model.Session{}).
		Where("id = ?", id).
		Update("ended_at", time.Now()).Error
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	return nil
}

// RecordTurn converts the record and queues it for the writer.
func (b *Backend) RecordTurn(r *storage.TurnRecord) error {
	id := uint(b.sessionID.Load())
	if id == 0 {
		return errors.New("no active session")
	}

	var tags datatypes.JSON
	if len(r.Tags) > 0 {
		raw, err := json.Marshal(r.Tags)
		if err != nil {
			return err
		}
		tags = raw
	}

	b.turns.Push(model.Turn{
		SessionID:    id,
		Turn:         r.Turn,
		CommandCount: r.CommandCount,
		Commands:     r.Commands,
		Tags:         tags,
		Checksum:     int64(r.Checksum),
		ExecutedAt:   r.ExecutedAt,
	})
	return nil
}

// LoadSession reads a stored session and its turns in turn order.
func (b *Backend) LoadSession(id string) (*storage.Session, []storage.TurnRecord, error) {
	var row model.Session
	err := b.deps.DB.Where("uid = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, nil, err
	}

	var rows []model.Turn
	if err := b.deps.DB.Where("session_id = ?", row.ID).Order("turn").Find(&rows).Error; err != nil {
		return nil, nil, err
	}

	s := &storage.Session{
		ID:            row.UID,
		Slot:          row.Slot,
		Players:       row.Players,
		Window:        row.Window,
		Offset:        row.Offset,
		FramesPerTurn: row.FramesPerTurn,
		StartedAt:     row.StartedAt,
	}
	if row.EndedAt.Valid {
		s.EndedAt = row.EndedAt.Time
	}

	turns := make([]storage.TurnRecord, 0, len(rows))
	for _, t := range rows {
		rec := storage.TurnRecord{
			Turn:         t.Turn,
			CommandCount: t.CommandCount,
			Commands:     t.Commands,
			Checksum:     uint64(t.Checksum),
			ExecutedAt:   t.ExecutedAt,
		}
		if len(t.Tags) > 0 {
			if err := json.Unmarshal(t.Tags, &rec.Tags); err != nil {
				return nil, nil, fmt.Errorf("turn %d tags: %w", t.Turn, err)
			}
		}
		turns = append(turns, rec)
	}
	return s, turns, nil
}

// QueueLen returns the number of turns waiting for the writer.
func (b *Backend) QueueLen() int { return b.turns.Len() }

// LastWriteDuration returns how long the most recent flush took.
func (b *Backend) LastWriteDuration() time.Duration {
	return time.Duration(b.lastWrite.Load())
}

// flush writes queued turns in batches, each in its own transaction. A failed
// batch is put back at the head of the queue.
func (b *Backend) flush() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	start := time.Now()
	for {
		items := b.turns.Take(writeBatchSize)
		if len(items) == 0 {
			break
		}
		err := b.deps.DB.Transaction(func(tx *gorm.DB) error {
			return tx.Omit(clause.Associations).Create(&items).Error
		})
		if err != nil {
			b.turns.Requeue(items)
			return fmt.Errorf("failed to write %d turns: %w", len(items), err)
		}
	}
	b.lastWrite.Store(int64(time.Since(start)))
	return nil
}

func (b *Backend) writeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if err := b.flush(); err != nil {
				b.deps.Logger.Error("DB writer failed", "error", err, "queued", b.turns.Len())
			}
		}
	}
}

// dumpLoop periodically snapshots the SQLite database to disk.
func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := database.DumpSqliteToDisk(b.deps.DB, b.deps.DumpPath); err != nil {
				b.deps.Logger.Error("Error dumping to disk", "error", err)
			} else {
				b.deps.Logger.Debug("Dumped to disk", "duration", time.Since(start))
			}
		}
	}
}
