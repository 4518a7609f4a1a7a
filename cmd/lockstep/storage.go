package main

import (
	"errors"
	"fmt"

	"github.com/OCAP2/lockstep/internal/config"
	"github.com/OCAP2/lockstep/internal/database"
	"github.com/OCAP2/lockstep/internal/storage"
	gormstorage "github.com/OCAP2/lockstep/internal/storage/gorm"
	"github.com/OCAP2/lockstep/internal/storage/memory"
)

// dbBackend closes its connection after the backend.
type dbBackend struct {
	*gormstorage.Backend
	db *database.Manager
}

func (b dbBackend) Close() error {
	return errors.Join(b.Backend.Close(), b.db.Close())
}

// createStorageBackend builds the journal selected by storage.type. SQLite
// journals are kept in memory and dumped to storage.sqlite.path.
func createStorageBackend(a *app, storageCfg config.StorageConfig) (storage.Backend, error) {
	switch storageCfg.Type {
	case "postgres":
		db := database.NewManager(a.logs.Zerolog("database"))
		if err := db.ConnectPostgres(a.cfg.DB); err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.logger.Info("Postgres storage backend initialized")
		return dbBackend{
			Backend: gormstorage.New(gormstorage.Dependencies{
				DB:     db.DB,
				Logger: a.logger.With("component", "journal"),
			}),
			db: db,
		}, nil

	case "sqlite":
		db := database.NewManager(a.logs.Zerolog("database"))
		if err := db.ConnectSqlite(""); err != nil {
			return nil, fmt.Errorf("failed to create SQLite backend: %w", err)
		}
		a.logger.Info("SQLite storage backend initialized", "dumpPath", storageCfg.SQLite.Path)
		return dbBackend{
			Backend: gormstorage.New(gormstorage.Dependencies{
				DB:           db.DB,
				Logger:       a.logger.With("component", "journal"),
				DumpPath:     storageCfg.SQLite.Path,
				DumpInterval: storageCfg.SQLite.DumpInterval,
			}),
			db: db,
		}, nil

	case "memory", "":
		a.logger.Info("Memory storage backend initialized", "outputDir", storageCfg.Memory.OutputDir)
		return memory.New(storageCfg.Memory), nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", storageCfg.Type)
	}
}

// openJournalReader opens the configured database for reading stored
// sessions. The returned close func releases the connection.
func openJournalReader(a *app, storageCfg config.StorageConfig) (storage.Reader, func() error, error) {
	db := database.NewManager(a.logs.Zerolog("database"))

	var err error
	switch storageCfg.Type {
	case "postgres":
		err = db.ConnectPostgres(a.cfg.DB)
	case "sqlite":
		if storageCfg.SQLite.Path == "" {
			return nil, nil, errors.New("storage.sqlite.path is not set")
		}
		err = db.ConnectSqlite(storageCfg.SQLite.Path)
	default:
		return nil, nil, fmt.Errorf("storage type %q keeps no database, replay an exported file with --file", storageCfg.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	reader := gormstorage.New(gormstorage.Dependencies{DB: db.DB, Logger: a.logger.With("component", "journal")})
	return reader, db.Close, nil
}
