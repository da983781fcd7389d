// Package config loads engine settings from YAML or JSON files.
package config

import (
	"errors"
	"fmt"
)

// Storage drivers understood by the engine.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Sentinel errors for settings validation.
var (
	// ErrUnknownDriver indicates an unsupported storage driver name.
	ErrUnknownDriver = errors.New("config: unknown storage driver")

	// ErrPathRequired indicates the sqlite driver was selected without a path.
	ErrPathRequired = errors.New("config: sqlite driver requires a path")
)

// StorageSettings selects and configures the event storage backend.
type StorageSettings struct {
	// Driver is "memory" or "sqlite".
	Driver string `yaml:"driver" json:"driver"`

	// Path is the database file for the sqlite driver
	// (":memory:" is accepted for testing).
	Path string `yaml:"path" json:"path"`
}

// Settings holds engine configuration.
type Settings struct {
	// Persistence enables durable event recording at startup.
	Persistence bool `yaml:"persistence" json:"persistence"`

	// Storage configures the backend used when Persistence is true.
	Storage StorageSettings `yaml:"storage" json:"storage"`

	// Metrics enables the OpenTelemetry metrics recorder.
	Metrics bool `yaml:"metrics" json:"metrics"`

	// Tracing enables the OpenTelemetry span manager.
	Tracing bool `yaml:"tracing" json:"tracing"`
}

// Defaults returns the settings used when no file is provided:
// persistence off, in-memory storage, observability disabled.
func Defaults() Settings {
	return Settings{
		Storage: StorageSettings{Driver: DriverMemory},
	}
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	switch s.Storage.Driver {
	case "", DriverMemory:
		return nil
	case DriverSQLite:
		if s.Storage.Path == "" {
			return ErrPathRequired
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, s.Storage.Driver)
	}
}
