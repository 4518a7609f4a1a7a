package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/OCAP2/lockstep/internal/influx"
	"github.com/OCAP2/lockstep/internal/lockstep"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
)

// StatsSource is implemented by *lockstep.Engine.
type StatsSource interface {
	Stats() lockstep.Stats
}

// PointWriter is implemented by *influx.Manager.
type PointWriter interface {
	WritePoint(bucket string, point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source     StatsSource
	Logger     *slog.Logger
	Influx     PointWriter // optional
	StatusFile string      // optional
	Interval   time.Duration
	SessionID  string
	Slot       int32
}

// Status is the snapshot written to the status file.
type Status struct {
	Time             time.Time `json:"time"`
	Session          string    `json:"session"`
	Slot             int32     `json:"slot"`
	Turn             int64     `json:"turn"`
	State            string    `json:"state"`
	BaseTurn         int64     `json:"baseTurn"`
	ActivePlayers    int       `json:"activePlayers"`
	PendingCommands  int       `json:"pendingCommands"`
	TurnsExecuted    uint64    `json:"turnsExecuted"`
	Stalls           uint64    `json:"stalls"`
	CommandsExecuted uint64    `json:"commandsExecuted"`
	TurnsPerSecond   float64   `json:"turnsPerSecond"`
}

// Service periodically samples engine stats
type Service struct {
	deps Dependencies
	now  func() time.Time

	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}

	lastTime  time.Time
	lastTurns uint64
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Interval <= 0 {
		deps.Interval = time.Second
	}
	return &Service{deps: deps, now: time.Now}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus takes a snapshot and returns it with its influx point.
func (s *Service) GetStatus() (Status, *influxdb2_write.Point) {
	stats := s.deps.Source.Stats()
	now := s.now()

	st := Status{
		Time:             now,
		Session:          s.deps.SessionID,
		Slot:             s.deps.Slot,
		Turn:             stats.Turn,
		State:            stats.State.String(),
		BaseTurn:         stats.BaseTurn,
		ActivePlayers:    stats.ActivePlayers,
		PendingCommands:  stats.PendingCommands,
		TurnsExecuted:    stats.TurnsExecuted,
		Stalls:           stats.Stalls,
		CommandsExecuted: stats.CommandsExecuted,
	}

	s.mu.Lock()
	if !s.lastTime.IsZero() {
		if elapsed := now.Sub(s.lastTime).Seconds(); elapsed > 0 {
			st.TurnsPerSecond = float64(stats.TurnsExecuted-s.lastTurns) / elapsed
		}
	}
	s.lastTime = now
	s.lastTurns = stats.TurnsExecuted
	s.mu.Unlock()

	point := influxdb2.NewPoint("engine",
		map[string]string{
			"session": st.Session,
			"slot":    strconv.Itoa(int(st.Slot)),
			"state":   st.State,
		},
		map[string]interface{}{
			"turn":              st.Turn,
			"base_turn":         st.BaseTurn,
			"active_players":    st.ActivePlayers,
			"pending_commands":  st.PendingCommands,
			"turns_executed":    int64(st.TurnsExecuted),
			"stalls":            int64(st.Stalls),
			"commands_executed": int64(st.CommandsExecuted),
			"turns_per_second":  st.TurnsPerSecond,
		},
		now)

	return st, point
}

// Sample takes one snapshot and publishes it to the status file and influx.
func (s *Service) Sample() error {
	st, point := s.GetStatus()

	var errs []error
	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, st); err != nil {
			errs = append(errs, err)
		}
	}
	if s.deps.Influx != nil {
		if err := s.deps.Influx.WritePoint(influx.BucketPerformance, point); err != nil {
			errs = append(errs, fmt.Errorf("write point: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("monitor sample: %v", errs)
	}
	return nil
}

func writeStatusFile(path string, st Status) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return os.Rename(tmp, path)
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	if s.deps.Source == nil {
		return fmt.Errorf("monitor: no stats source")
	}

	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		logger := s.deps.Logger
		logger.Debug("Starting status monitor", "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := s.Sample(); err != nil {
					logger.Warn("Status sample failed", "error", err)
				}
			}
		}
	}()

	return nil
}

// Stop stops the status monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}
