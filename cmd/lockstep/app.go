package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/OCAP2/lockstep/internal/config"
	"github.com/OCAP2/lockstep/internal/influx"
	"github.com/OCAP2/lockstep/internal/logging"
	intOtel "github.com/OCAP2/lockstep/internal/otel"
)

// app is the per-command runtime: config, logging and telemetry.
type app struct {
	cfg     config.Config
	started time.Time
	logs    *logging.SlogManager
	logger  *slog.Logger
	otel    *intOtel.Provider
	logFile *os.File
}

// newApp sets up logging for role. With --log-file the log goes to
// <logsDir>/lockstep.<role>.<time>.log, otherwise to stdout.
func newApp(opts *RootOptions, role string) (*app, error) {
	a := &app{
		cfg:     opts.cfg,
		started: time.Now(),
		logs:    logging.NewSlogManager(),
	}

	var out io.Writer
	if opts.LogToFile {
		if err := os.MkdirAll(a.cfg.LogsDir, 0755); err != nil {
			return nil, fmt.Errorf("create logs dir: %w", err)
		}
		path := logging.LogFilePath(a.cfg.LogsDir, role, a.started)
		if _, err := os.Stat(path); err == nil {
			_ = os.Rename(path, path+".old")
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		a.logFile = f
		out = f
	}

	var otelErr error
	var logProvider *sdklog.LoggerProvider
	if a.cfg.OTel.Enabled {
		var otelOut io.Writer
		if a.logFile != nil {
			otelOut = a.logFile
		}
		a.otel, otelErr = intOtel.New(intOtel.FromConfig(a.cfg.OTel, otelOut))
		if otelErr == nil {
			logProvider = a.otel.LoggerProvider()
		}
	}

	a.logs.Setup(out, a.cfg.LogLevel, logProvider)
	a.logger = a.logs.Logger().With("role", role)

	if opts.loadErr != nil {
		a.logger.Warn("Failed to load config, using defaults!", "error", opts.loadErr)
	} else {
		a.logger.Info("Loaded config", "dir", opts.ConfigDir)
	}
	for _, w := range opts.warnings {
		a.logger.Warn("Config warning", "detail", w)
	}
	if otelErr != nil {
		a.logger.Error("Failed to initialize OTel provider", "error", otelErr)
	} else if a.otel != nil {
		a.logger.Info("OTel provider initialized", "endpoint", a.cfg.OTel.Endpoint)
	}
	return a, nil
}

// connectInflux returns a connected manager, or nil when influx is disabled
// or unreachable without a backup file.
func (a *app) connectInflux(ctx context.Context) *influx.Manager {
	if !a.cfg.Influx.Enabled {
		return nil
	}
	backup := filepath.Join(a.cfg.LogsDir, fmt.Sprintf("influx_backup_%s.log.gz", a.started.Format("20060102_150405")))
	if err := os.MkdirAll(a.cfg.LogsDir, 0755); err != nil {
		a.logger.Warn("Failed to create logs dir, influx backup disabled", "error", err)
		backup = ""
	}

	m := influx.NewManager(a.logs.Zerolog("influx"), a.cfg.Influx, backup)
	if err := m.Connect(ctx); err != nil {
		a.logger.Warn("InfluxDB unavailable, performance points disabled", "error", err)
		return nil
	}
	return m
}

// close flushes telemetry and closes the log file.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.otel != nil {
		if err := a.otel.Flush(ctx); err != nil {
			a.logger.Warn("Failed to flush OTel data", "error", err)
		}
		if err := a.otel.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down OTel provider", "error", err)
		}
	}
	_ = a.logs.Flush(ctx)
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
