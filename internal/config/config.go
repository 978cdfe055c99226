// Package config loads formulabench settings from YAML.
//
// A config file is decoded over DefaultConfig, so a file only needs the
// keys it changes. Unknown keys are rejected. The merged result is checked
// with struct validation tags before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/formulabench/internal/cache"
	"github.com/roach88/formulabench/internal/telemetry"
)

// Config is the complete runtime configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Formulas  FormulasConfig   `yaml:"formulas"`
	Engine    EngineConfig     `yaml:"engine"`
	Cache     CacheConfig      `yaml:"cache"`
	Store     StoreConfig      `yaml:"store"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json auto"`
}

// FormulasConfig locates formula definitions.
type FormulasConfig struct {
	// Dir holds the CUE files defining formulas.
	Dir string `yaml:"dir" validate:"required"`
}

// EngineConfig controls the calculation pipeline.
type EngineConfig struct {
	Debounce      time.Duration `yaml:"debounce" validate:"gte=0"`
	AutoDelay     time.Duration `yaml:"auto_delay" validate:"gte=0"`
	InvokeTimeout time.Duration `yaml:"invoke_timeout" validate:"gt=0"`
	Concurrency   int           `yaml:"concurrency" validate:"min=1,max=256"`

	// AutoCompile recompiles an evicted artifact instead of failing the row.
	AutoCompile bool `yaml:"auto_compile"`

	// Rows is the number of rows created when a formula is activated.
	Rows int `yaml:"rows" validate:"min=1,max=10000"`

	// MaxEvents caps each tracker log. Zero keeps every event.
	MaxEvents int `yaml:"max_events" validate:"gte=0"`
}

// CacheConfig mirrors cache.Config.
type CacheConfig struct {
	MaxSize int `yaml:"max_size" validate:"min=1"`

	// TTL is the default entry lifetime. A negative TTL never expires.
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"gt=0"`
	EvictFraction float64       `yaml:"evict_fraction" validate:"gt=0,lte=1"`
}

// StoreConfig controls persistence.
type StoreConfig struct {
	// Path of the SQLite database. Empty disables persistence.
	Path string `yaml:"path"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	def := cache.DefaultConfig()
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Formulas: FormulasConfig{
			Dir: "./formulas",
		},
		Engine: EngineConfig{
			Debounce:      300 * time.Millisecond,
			AutoDelay:     100 * time.Millisecond,
			InvokeTimeout: 10 * time.Second,
			Concurrency:   8,
			Rows:          10,
		},
		Cache: CacheConfig{
			MaxSize:       def.MaxSize,
			TTL:           def.DefaultTTL,
			SweepInterval: def.SweepInterval,
			EvictFraction: def.EvictFraction,
		},
		Server: ServerConfig{
			Addr:            "localhost:8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// CacheOptions converts the cache section to cache.Config.
func (c Config) CacheOptions() cache.Config {
	return cache.Config{
		MaxSize:       c.Cache.MaxSize,
		DefaultTTL:    c.Cache.TTL,
		SweepInterval: c.Cache.SweepInterval,
		EvictFraction: c.Cache.EvictFraction,
	}
}

var validate = validator.New()

// Validate checks every field against its validation tags.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}

	msgs := make([]string, len(verrs))
	for i, fe := range verrs {
		msgs[i] = fmt.Sprintf("%s: failed %q (value %v)", fieldPath(fe.Namespace()), tagWithParam(fe), fe.Value())
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func tagWithParam(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// Load reads path over the defaults and validates the result. An empty
// path yields the validated defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
