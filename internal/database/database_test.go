package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/OCAP2/lockstep/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_SqliteSetup(t *testing.T) {
	m := NewManager(zerolog.Nop())
	require.NoError(t, m.ConnectSqlite(filepath.Join(t.TempDir(), "journal.db")))
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Setup())

	assert.True(t, m.DB.Migrator().HasTable(&model.Session{}))
	assert.True(t, m.DB.Migrator().HasTable(&model.Turn{}))
}

func TestManager_SetupWithoutConnection(t *testing.T) {
	m := NewManager(zerolog.Nop())
	assert.Error(t, m.Setup())
	assert.NoError(t, m.Close())
}

func TestManager_DumpToDisk(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(zerolog.Nop())
	require.NoError(t, m.ConnectSqlite(filepath.Join(dir, "live.db")))
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Setup())
	require.NoError(t, m.DB.Create(&model.Session{UID: "s1", Players: 2}).Error)

	dump := filepath.Join(dir, "dump.db")
	require.NoError(t, os.WriteFile(dump, []byte("stale"), 0644))

	require.NoError(t, m.DumpToDisk(dump))

	copyDB, err := GetSqliteDB(dump)
	require.NoError(t, err)
	var count int64
	require.NoError(t, copyDB.Model(&model.Session{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestDumpSqliteToDisk_Validation(t *testing.T) {
	assert.Error(t, DumpSqliteToDisk(nil, "x.db"))

	db, err := GetSqliteDB(filepath.Join(t.TempDir(), "a.db"))
	require.NoError(t, err)
	assert.Error(t, DumpSqliteToDisk(db, ""))
}
