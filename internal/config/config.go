package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "lockstep.cfg.json"

// LockstepConfig sizes the turn engine.
type LockstepConfig struct {
	WindowSize       int `json:"windowSize" mapstructure:"windowSize"`
	ScheduleOffset   int `json:"scheduleOffset" mapstructure:"scheduleOffset"`
	FramesPerTurn    int `json:"framesPerTurn" mapstructure:"framesPerTurn"`
	TickMillis       int `json:"tickMillis" mapstructure:"tickMillis"`
	MaxElapsedMillis int `json:"maxElapsedMillis" mapstructure:"maxElapsedMillis"`
	Players          int `json:"players" mapstructure:"players"`
}

// Tick returns the fixed simulation step.
func (c LockstepConfig) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// MaxElapsed returns the per-iteration cap on accumulated time.
func (c LockstepConfig) MaxElapsed() time.Duration {
	return time.Duration(c.MaxElapsedMillis) * time.Millisecond
}

// NetConfig holds relay and client network settings
type NetConfig struct {
	RelayAddress         string `json:"relayAddress" mapstructure:"relayAddress"`
	ListenAddress        string `json:"listenAddress" mapstructure:"listenAddress"`
	ConnectionKey        string `json:"connectionKey" mapstructure:"connectionKey"`
	UpdateRateMillis     int    `json:"updateRateMillis" mapstructure:"updateRateMillis"`
	ReconnectDelayMillis int    `json:"reconnectDelayMillis" mapstructure:"reconnectDelayMillis"`
	MaxConnectAttempts   int    `json:"maxConnectAttempts" mapstructure:"maxConnectAttempts"`
	WriteTimeoutMillis   int    `json:"writeTimeoutMillis" mapstructure:"writeTimeoutMillis"`

	PingIntervalMillis      int `json:"pingIntervalMillis" mapstructure:"pingIntervalMillis"`
	DisconnectTimeoutMillis int `json:"disconnectTimeoutMillis" mapstructure:"disconnectTimeoutMillis"`
}

func (c NetConfig) UpdateRate() time.Duration {
	return time.Duration(c.UpdateRateMillis) * time.Millisecond
}

func (c NetConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMillis) * time.Millisecond
}

func (c NetConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMillis) * time.Millisecond
}

func (c NetConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMillis) * time.Millisecond
}

func (c NetConfig) DisconnectTimeout() time.Duration {
	return time.Duration(c.DisconnectTimeoutMillis) * time.Millisecond
}

// MemoryConfig holds in-memory/JSON journal settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" mapstructure:"compressOutput"`
}

// SQLiteConfig holds the sqlite journal settings
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// StorageConfig selects the journal backend
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// DBConfig holds the postgres connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// DSN returns the postgres connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
}

// URL returns the server address.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
	// MetricInterval is how often engine and dispatcher counters are exported.
	MetricInterval time.Duration `json:"metricInterval" mapstructure:"metricInterval"`
}

type MonitorConfig struct {
	Enabled    bool          `json:"enabled" mapstructure:"enabled"`
	Interval   time.Duration `json:"interval" mapstructure:"interval"`
	StatusFile string        `json:"statusFile" mapstructure:"statusFile"`
}

// Config is the typed view of every setting.
type Config struct {
	LogLevel string         `json:"logLevel" mapstructure:"logLevel"`
	LogsDir  string         `json:"logsDir" mapstructure:"logsDir"`
	Lockstep LockstepConfig `json:"lockstep" mapstructure:"lockstep"`
	Net      NetConfig      `json:"net" mapstructure:"net"`
	Storage  StorageConfig  `json:"storage" mapstructure:"storage"`
	DB       DBConfig       `json:"db" mapstructure:"db"`
	Influx   InfluxConfig   `json:"influx" mapstructure:"influx"`
	OTel     OTelConfig     `json:"otel" mapstructure:"otel"`
	Monitor  MonitorConfig  `json:"monitor" mapstructure:"monitor"`
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./lockstep-logs")

	viper.SetDefault("lockstep.windowSize", 8)
	viper.SetDefault("lockstep.scheduleOffset", 2)
	viper.SetDefault("lockstep.framesPerTurn", 4)
	viper.SetDefault("lockstep.tickMillis", 16)
	viper.SetDefault("lockstep.maxElapsedMillis", 250)
	viper.SetDefault("lockstep.players", 2)

	viper.SetDefault("net.relayAddress", "ws://localhost:7777/")
	viper.SetDefault("net.listenAddress", ":7777")
	viper.SetDefault("net.connectionKey", "")
	viper.SetDefault("net.updateRateMillis", 15)
	viper.SetDefault("net.reconnectDelayMillis", 500)
	viper.SetDefault("net.maxConnectAttempts", 10)
	viper.SetDefault("net.writeTimeoutMillis", 5000)
	viper.SetDefault("net.pingIntervalMillis", 1000)
	viper.SetDefault("net.disconnectTimeoutMillis", 5000)

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.memory.outputDir", "./journals")
	viper.SetDefault("storage.memory.compressOutput", true)
	viper.SetDefault("storage.sqlite.path", "./lockstep.db")
	viper.SetDefault("storage.sqlite.dumpInterval", "1m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "lockstep")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "supersecrettoken")
	viper.SetDefault("influx.org", "lockstep-metrics")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "lockstep")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
	viper.SetDefault("otel.metricInterval", "30s")

	viper.SetDefault("monitor.enabled", true)
	viper.SetDefault("monitor.interval", "1s")
	viper.SetDefault("monitor.statusFile", "")
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// Get unmarshals the current settings.
func Get() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error decoding config: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with and returns warnings
// for settings that work but are likely to stall.
func (c Config) Validate() ([]string, error) {
	l := c.Lockstep
	switch {
	case l.Players < 1:
		return nil, fmt.Errorf("lockstep.players must be >= 1, got %d", l.Players)
	case l.ScheduleOffset < 1:
		return nil, fmt.Errorf("lockstep.scheduleOffset must be >= 1, got %d", l.ScheduleOffset)
	case l.ScheduleOffset >= l.WindowSize:
		return nil, fmt.Errorf("lockstep.scheduleOffset (%d) must be smaller than lockstep.windowSize (%d)", l.ScheduleOffset, l.WindowSize)
	case l.FramesPerTurn < 1:
		return nil, fmt.Errorf("lockstep.framesPerTurn must be >= 1, got %d", l.FramesPerTurn)
	case l.TickMillis < 1:
		return nil, fmt.Errorf("lockstep.tickMillis must be >= 1, got %d", l.TickMillis)
	}

	var warnings []string
	if l.WindowSize < 2*l.ScheduleOffset+2 {
		warnings = append(warnings, fmt.Sprintf(
			"lockstep.windowSize %d is below 2*scheduleOffset+2 (%d); batches from peers running ahead may be rejected",
			l.WindowSize, 2*l.ScheduleOffset+2))
	}
	if l.MaxElapsedMillis < l.TickMillis {
		warnings = append(warnings, "lockstep.maxElapsedMillis is below tickMillis and is raised to one tick")
	}
	if c.Net.DisconnectTimeoutMillis <= c.Net.PingIntervalMillis {
		warnings = append(warnings, "net.disconnectTimeoutMillis is not above net.pingIntervalMillis and is raised to two ping intervals")
	}
	if c.Net.UpdateRateMillis < 1 {
		warnings = append(warnings, "net.updateRateMillis < 1, polling every millisecond")
	}
	return warnings, nil
}
