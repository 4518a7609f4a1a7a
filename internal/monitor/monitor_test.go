package monitor

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OCAP2/lockstep/internal/influx"
	"github.com/OCAP2/lockstep/internal/lockstep"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	stats lockstep.Stats
}

func (f *fakeSource) Stats() lockstep.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSource) set(s lockstep.Stats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats = s
}

type fakeWriter struct {
	mu      sync.Mutex
	buckets []string
	points  []*influxdb2_write.Point
	err     error
}

func (w *fakeWriter) WritePoint(bucket string, p *influxdb2_write.Point) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets = append(w.buckets, bucket)
	w.points = append(w.points, p)
	return w.err
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

func TestGetStatus_TurnsPerSecond(t *testing.T) {
	src := &fakeSource{stats: lockstep.Stats{Turn: 10, State: lockstep.Playing, TurnsExecuted: 10, ActivePlayers: 2}}
	s := NewService(Dependencies{Source: src, SessionID: "s1", Slot: 1})

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first, _ := s.GetStatus()
	assert.Zero(t, first.TurnsPerSecond)
	assert.Equal(t, "playing", first.State)

	src.set(lockstep.Stats{Turn: 30, State: lockstep.Delay, TurnsExecuted: 30, Stalls: 1})
	now = now.Add(2 * time.Second)

	second, point := s.GetStatus()
	assert.InDelta(t, 10.0, second.TurnsPerSecond, 1e-9)
	assert.Equal(t, "delay", second.State)
	assert.Equal(t, "engine", point.Name())

	tags := map[string]string{}
	for _, tag := range point.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"session": "s1", "slot": "1", "state": "delay"}, tags)
}

func TestSample_WritesStatusFileAndPoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	w := &fakeWriter{}
	s := NewService(Dependencies{
		Source:     &fakeSource{stats: lockstep.Stats{Turn: 5, TurnsExecuted: 5, PendingCommands: 2}},
		Influx:     w,
		StatusFile: path,
		SessionID:  "s1",
	})

	require.NoError(t, s.Sample())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, int64(5), st.Turn)
	assert.Equal(t, 2, st.PendingCommands)
	assert.Equal(t, "s1", st.Session)

	require.Equal(t, 1, w.count())
	assert.Equal(t, influx.BucketPerformance, w.buckets[0])
}

func TestSample_ReportsWriterError(t *testing.T) {
	s := NewService(Dependencies{
		Source: &fakeSource{},
		Influx: &fakeWriter{err: errors.New("down")},
	})

	assert.ErrorContains(t, s.Sample(), "down")
}

func TestStartStop(t *testing.T) {
	w := &fakeWriter{}
	s := NewService(Dependencies{
		Source:   &fakeSource{},
		Influx:   w,
		Interval: 5 * time.Millisecond,
	})

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return w.count() >= 2 }, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	n := w.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, w.count(), "no samples after Stop")

	s.Stop()
}

func TestStart_RequiresSource(t *testing.T) {
	s := NewService(Dependencies{})
	assert.Error(t, s.Start())
}
