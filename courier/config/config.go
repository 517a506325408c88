// Package config loads the courier configuration: struct-tag defaults first,
// then the YAML document, then validation.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"

	TransportLocal  = "local"
	TransportOutbox = "outbox"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterStructValidation(validatePostgresDSN, Config{})
}

type Config struct {
	Logging   Logging   `yaml:"logging"`
	Engine    Engine    `yaml:"engine"`
	Store     Store     `yaml:"store"`
	Transport Transport `yaml:"transport"`
	Postgres  Postgres  `yaml:"postgres"`
	Metrics   Metrics   `yaml:"metrics"`
}

type Logging struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" default:"text" validate:"oneof=text json"`
}

type Engine struct {
	// Concurrency bounds the number of slips processed at once by a host
	// process.
	Concurrency int `yaml:"concurrency" default:"4" validate:"min=1"`
}

type Store struct {
	Driver   string        `yaml:"driver" default:"memory" validate:"oneof=memory badger postgres"`
	Badger   BadgerStore   `yaml:"badger"`
	Postgres PostgresStore `yaml:"postgres"`
}

type BadgerStore struct {
	Path     string `yaml:"path" default:"./data/courier"`
	InMemory bool   `yaml:"in_memory"`
}

type PostgresStore struct {
	Table string `yaml:"table" default:"courier_routing_slips" validate:"required"`
}

type Transport struct {
	Driver string `yaml:"driver" default:"local" validate:"oneof=local outbox"`
	Outbox Outbox `yaml:"outbox"`
}

type Outbox struct {
	Table         string        `yaml:"table" default:"courier_outbox" validate:"required"`
	OffsetsTable  string        `yaml:"offsets_table" default:"courier_outbox_offsets" validate:"required"`
	BatchSize     int           `yaml:"batch_size" default:"100" validate:"min=1"`
	PollInterval  time.Duration `yaml:"poll_interval" default:"500ms" validate:"min=1ms"`
	ConsumerGroup string        `yaml:"consumer_group" default:"courier" validate:"required"`
	Concurrency   int           `yaml:"concurrency" default:"1" validate:"min=1"`
}

type Postgres struct {
	DSN string `yaml:"dsn"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace" default:"courier"`
	Listen    string `yaml:"listen" default:":9090" validate:"required_if=Enabled true"`
}

// Default returns a configuration made of defaults only.
func Default() (*Config, error) {
	return Parse(nil)
}

// Load reads the YAML file at path. Environment references like ${PGDSN}
// are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, errors.Wrap(err, "apply config defaults")
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return errors.Wrap(err, "config validation failed")
	}
	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		messages = append(messages, fmt.Sprintf("%s failed %q", fieldErr.Namespace(), fieldErr.Tag()))
	}
	return errors.Errorf("config validation failed:\n  - %s", strings.Join(messages, "\n  - "))
}

// UsesPostgres reports whether any configured component needs a database.
func (c *Config) UsesPostgres() bool {
	return c.Store.Driver == StorePostgres || c.Transport.Driver == TransportOutbox
}

// NewLogger builds the slog logger described by the logging section.
func (l Logging) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func validatePostgresDSN(sl validator.StructLevel) {
	cfg := sl.Current().Interface().(Config)
	if cfg.UsesPostgres() && cfg.Postgres.DSN == "" {
		sl.ReportError(cfg.Postgres.DSN, "Postgres.DSN", "DSN", "required_with_postgres", "")
	}
}
