package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// EnvPrefix prefixes every environment override, e.g. RELAY_STORE_BACKEND.
const EnvPrefix = "RELAY_"

// Config is one relay instance's relay.toml.
type Config struct {
	ListenAddr  string `toml:"listen_addr" env:"LISTEN_ADDR"`
	AdminSocket string `toml:"admin_socket" env:"ADMIN_SOCKET"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
	LogPath     string `toml:"log_path" env:"LOG_PATH"`

	Store     StoreConfig     `toml:"store" envPrefix:"STORE_"`
	Bus       BusConfig       `toml:"bus" envPrefix:"BUS_"`
	Queue     QueueConfig     `toml:"queue" envPrefix:"QUEUE_"`
	Presence  PresenceConfig  `toml:"presence" envPrefix:"PRESENCE_"`
	Transport TransportConfig `toml:"transport" envPrefix:"TRANSPORT_"`
}

type StoreConfig struct {
	Backend    string `toml:"backend" env:"BACKEND"`
	RedisURL   string `toml:"redis_url" env:"REDIS_URL"`
	SQLitePath string `toml:"sqlite_path" env:"SQLITE_PATH"`
}

type BusConfig struct {
	Channel string `toml:"channel" env:"CHANNEL"`
}

type QueueConfig struct {
	// GlobalMax caps offline:global; 0 keeps everything.
	GlobalMax int `toml:"global_max" env:"GLOBAL_MAX"`
}

type PresenceConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL"`
	StaleAfter        Duration `toml:"stale_after" env:"STALE_AFTER"`
}

type TransportConfig struct {
	WriteTimeout Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`
	ReadLimit    int64    `toml:"read_limit" env:"READ_LIMIT"`
	PingInterval Duration `toml:"ping_interval" env:"PING_INTERVAL"`
	SendBuffer   int      `toml:"send_buffer" env:"SEND_BUFFER"`
}

// Duration reads "5s"-style values from TOML and the environment.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Store: StoreConfig{
			Backend:  BackendRedis,
			RedisURL: "redis://127.0.0.1:6379",
		},
		Bus:   BusConfig{Channel: "chat_channel"},
		Queue: QueueConfig{GlobalMax: 1000},
		Presence: PresenceConfig{
			HeartbeatInterval: Duration{5 * time.Second},
			StaleAfter:        Duration{20 * time.Second},
		},
		Transport: TransportConfig{
			WriteTimeout: Duration{10 * time.Second},
			ReadLimit:    64 << 10,
			PingInterval: Duration{30 * time.Second},
			SendBuffer:   256,
		},
	}
}

// Load reads config from the given path on top of the defaults. Returns an
// error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Resolve builds the effective configuration: defaults, then the TOML file
// at path if it exists, then an optional .env file, then RELAY_* variables.
// The result is validated.
func Resolve(path, dotenv string) (*Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path)
		switch {
		case err == nil:
			cfg = loaded
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr is required"))
	}
	switch c.Store.Backend {
	case BackendRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis backend"))
		}
	case BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: must be %q or %q", c.Store.Backend, BackendRedis, BackendSQLite))
	}
	if c.Bus.Channel == "" {
		errs = append(errs, errors.New("bus.channel is required"))
	}
	if c.Queue.GlobalMax < 0 {
		errs = append(errs, errors.New("queue.global_max must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"presence.heartbeat_interval": c.Presence.HeartbeatInterval.Duration,
		"presence.stale_after":        c.Presence.StaleAfter.Duration,
		"transport.write_timeout":     c.Transport.WriteTimeout.Duration,
		"transport.ping_interval":     c.Transport.PingInterval.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Presence.StaleAfter.Duration <= c.Presence.HeartbeatInterval.Duration {
		errs = append(errs, errors.New("presence.stale_after must exceed presence.heartbeat_interval"))
	}
	if c.Transport.ReadLimit <= 0 {
		errs = append(errs, errors.New("transport.read_limit must be positive"))
	}
	if c.Transport.SendBuffer <= 0 {
		errs = append(errs, errors.New("transport.send_buffer must be positive"))
	}
	return errors.Join(errs...)
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	return writeTOML(path, cfg)
}

func writeTOML(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(v)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
