package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/lockstep/internal/storage"
	"github.com/OCAP2/lockstep/internal/world"
	"github.com/OCAP2/lockstep/pkg/command"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// journalOf executes batches on a fresh world and journals every turn.
func journalOf(batches ...[]command.Command) []storage.TurnRecord {
	w := world.New(quietLogger())
	var turns []storage.TurnRecord
	for i, cmds := range batches {
		w.ExecuteTurn(int64(i), cmds)
		turns = append(turns, *storage.NewTurnRecord(int64(i), cmds, w.Checksum(), time.Now()))
	}
	return turns
}

func sampleBatches() [][]command.Command {
	h1, h2 := command.Header{Src: 1}, command.Header{Src: 2}
	return [][]command.Command{
		{command.Spawn{Header: h1, Unit: 1, X: 0, Y: 0}, command.Spawn{Header: h2, Unit: 2, X: 5, Y: 5}},
		{},
		{command.Move{Header: h1, Unit: 1, X: 3, Y: -2}, command.Say{Header: h2, Text: "gl hf"}},
		{command.Test{Header: h2}},
	}
}

func TestReplayJournal_Matches(t *testing.T) {
	turns := journalOf(sampleBatches()...)

	res, err := replayJournal(&storage.Session{ID: "s1", Slot: 2}, turns, command.NewRegistry(), quietLogger())
	require.NoError(t, err)

	assert.True(t, res.Deterministic)
	assert.Empty(t, res.Diverged)
	assert.Equal(t, 4, res.Turns)
	assert.Equal(t, 5, res.Commands)
	assert.Equal(t, fmt.Sprintf("%016x", turns[3].Checksum), res.FinalChecksum)
	assert.Equal(t, int32(2), res.Slot)
}

func TestReplayJournal_DetectsDivergence(t *testing.T) {
	turns := journalOf(sampleBatches()...)
	turns[2].Checksum ^= 1

	res, err := replayJournal(&storage.Session{ID: "s1"}, turns, command.NewRegistry(), quietLogger())
	require.NoError(t, err)

	assert.False(t, res.Deterministic)
	assert.Equal(t, []int64{2}, res.Diverged)
	assert.Contains(t, replayText(res), "1 turns diverged")
}

func TestReplayJournal_Errors(t *testing.T) {
	t.Run("gap", func(t *testing.T) {
		turns := journalOf(sampleBatches()...)
		turns = append(turns[:1], turns[2:]...)

		_, err := replayJournal(&storage.Session{ID: "s1"}, turns, command.NewRegistry(), quietLogger())
		assert.ErrorContains(t, err, "expected turn 1, found 2")
	})

	t.Run("corrupt commands", func(t *testing.T) {
		turns := journalOf(sampleBatches()...)
		turns[0].Commands = turns[0].Commands[:5]

		_, err := replayJournal(&storage.Session{ID: "s1"}, turns, command.NewRegistry(), quietLogger())
		assert.ErrorContains(t, err, "turn 0")
	})

	t.Run("count mismatch", func(t *testing.T) {
		turns := journalOf(sampleBatches()...)
		turns[3].CommandCount = 7

		_, err := replayJournal(&storage.Session{ID: "s1"}, turns, command.NewRegistry(), quietLogger())
		assert.ErrorContains(t, err, "journal lists 7 commands")
	})
}

// demoConfig runs fast, journals to a temp dir and keeps the monitor off.
func demoConfig(t *testing.T) (configDir, journalDir string) {
	t.Helper()
	journalDir = t.TempDir()
	configDir = writeConfig(t, fmt.Sprintf(`{
		"logLevel": "error",
		"lockstep": { "windowSize": 8, "scheduleOffset": 2, "framesPerTurn": 1, "tickMillis": 2 },
		"storage": { "type": "memory", "memory": { "outputDir": %q, "compressOutput": true } },
		"monitor": { "enabled": false }
	}`, journalDir))
	return configDir, journalDir
}

func TestDemoThenReplay(t *testing.T) {
	configDir, journalDir := demoConfig(t)

	out, err := execute(t, "demo", "--config", configDir, "--players", "3", "--duration", "400ms", "--bot-every", "1", "--format", "json")
	require.NoError(t, err, out)

	var demo DemoResult
	require.NoError(t, json.Unmarshal([]byte(out), &demo))
	require.Len(t, demo.Peers, 3)
	assert.Empty(t, demo.Diverged)
	assert.Positive(t, demo.CommonTurns)
	require.NotEmpty(t, demo.Journal)
	assert.Equal(t, journalDir, filepath.Dir(demo.Journal))
	assert.FileExists(t, demo.Journal)

	out, err = execute(t, "replay", "--config", configDir, "--file", demo.Journal, "--format", "json")
	require.NoError(t, err, out)

	var replay ReplayResult
	require.NoError(t, json.Unmarshal([]byte(out), &replay))
	assert.Equal(t, demo.Session, replay.Session)
	assert.Equal(t, int32(1), replay.Slot)
	assert.True(t, replay.Deterministic)
	assert.Positive(t, replay.Turns)
	assert.Equal(t, demo.Peers[0].Checksum, replay.FinalChecksum)
}

func TestReplayCommand_RequiresSource(t *testing.T) {
	_, err := execute(t, "replay", "--config", t.TempDir())
	require.Error(t, err)
}

func TestReplayCommand_MemoryStorageHasNoDatabase(t *testing.T) {
	configDir, _ := demoConfig(t)

	_, err := execute(t, "replay", "--config", configDir, "--session", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--file")
}

func TestReplayCommand_ReportsDivergence(t *testing.T) {
	configDir, _ := demoConfig(t)

	turns := journalOf(sampleBatches()...)
	turns[1].Checksum++
	data, err := json.Marshal(map[string]any{
		"version": 1,
		"session": storage.Session{ID: "tampered", Slot: 1},
		"turns":   turns,
	})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tampered.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	out, err := execute(t, "replay", "--config", configDir, "--file", path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDiverged))
	assert.Contains(t, out, "1 turns diverged, first: [1]")
}
