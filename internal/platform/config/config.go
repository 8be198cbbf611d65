// Package config loads service configuration from an optional YAML file with
// environment variable overrides, so main stays lean.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Backend names a persistence implementation.
type Backend string

const (
	BackendFlatFile Backend = "flatfile"
	BackendPostgres Backend = "postgres"
)

// Config is the full service configuration.
type Config struct {
	HTTP     HTTP     `yaml:"http"`
	Storage  Storage  `yaml:"storage"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Audit    Audit    `yaml:"audit"`
	Units    Units    `yaml:"units"`
}

// HTTP captures server level configuration.
type HTTP struct {
	Addr            string        `yaml:"addr" env:"MORGUETRACK_ADDR" env-default:":8080"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MORGUETRACK_SHUTDOWN_TIMEOUT" env-default:"10s"`
}

// Storage selects and parameterizes the persistence backend.
type Storage struct {
	Backend      Backend `yaml:"backend" env:"MORGUETRACK_STORAGE_BACKEND" env-default:"flatfile"`
	FlatFilePath string  `yaml:"flatfile_path" env:"MORGUETRACK_FLATFILE_PATH" env-default:"data/morguetrack.json"`
}

// Postgres holds pool settings, used only when the backend is postgres.
type Postgres struct {
	DSN            string        `yaml:"dsn" env:"MORGUETRACK_POSTGRES_DSN"`
	MaxConns       int32         `yaml:"max_conns" env:"MORGUETRACK_POSTGRES_MAX_CONNS" env-default:"10"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"MORGUETRACK_POSTGRES_CONNECT_TIMEOUT" env-default:"5s"`
}

// Redis configures the registration number sequencer. An empty URL disables
// Redis; numbers then come from the degraded fallback.
type Redis struct {
	URL          string        `yaml:"url" env:"MORGUETRACK_REDIS_URL"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"MORGUETRACK_REDIS_DIAL_TIMEOUT" env-default:"2s"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"MORGUETRACK_REDIS_READ_TIMEOUT" env-default:"1s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"MORGUETRACK_REDIS_WRITE_TIMEOUT" env-default:"1s"`
}

// Kafka configures the audit stream. With no brokers the audit trail goes to
// the in-memory sink only.
type Kafka struct {
	Brokers []string `yaml:"brokers" env:"MORGUETRACK_KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" env:"MORGUETRACK_KAFKA_TOPIC" env-default:"morguetrack.audit"`
}

// Audit configures publisher delivery. BufferSize zero means synchronous.
type Audit struct {
	BufferSize int `yaml:"buffer_size" env:"MORGUETRACK_AUDIT_BUFFER" env-default:"256"`
}

// Units holds storage registry policy.
type Units struct {
	AutoProvision bool `yaml:"auto_provision" env:"MORGUETRACK_UNITS_AUTO_PROVISION" env-default:"true"`
}

// Load reads configuration from path when it exists, then applies environment
// overrides. An empty path reads environment only.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
			return cfg, cfg.validate()
		}
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case BackendFlatFile, BackendPostgres:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == BackendPostgres && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres backend selected but no DSN configured")
	}
	return nil
}
