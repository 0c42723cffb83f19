package relmap

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/syssam/relmap/dialect"
)

// DetectMode selects how the smart eager-load strategy decides that a
// query spans the associated table and must fall back to the join path.
type DetectMode string

const (
	// DetectStructural inspects predicates, ordering and grouping for
	// columns qualified with the associated table's name. References
	// hints are honored as well.
	DetectStructural DetectMode = "structural"
	// DetectExplicit falls back to the join only when the caller hints
	// the table via Query.References.
	DetectExplicit DetectMode = "explicit"
)

// Config carries the runtime settings of a client. It is threaded through
// the client at construction; there is no process-wide mutable state.
type Config struct {
	// Dialect and DSN are used by OpenConfig to establish the connection.
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
	// DisableOptimisticLock turns off version checking for all tables,
	// regardless of their declared version columns.
	DisableOptimisticLock bool `yaml:"disable_optimistic_lock"`
	// JoinDetection selects the smart strategy's fallback trigger.
	// Defaults to DetectStructural.
	JoinDetection DetectMode `yaml:"join_detection"`
	// DefaultBatchSize is the page size used by batch enumeration when
	// the caller passes 0. Defaults to 1000.
	DefaultBatchSize int `yaml:"default_batch_size"`
	// SlowQueryThreshold, when positive, wraps the driver with a stats
	// driver logging statements slower than the threshold. In YAML it is
	// a Go duration string such as "150ms".
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		JoinDetection:    DetectStructural,
		DefaultBatchSize: 1000,
	}
}

// normalize fills zero values with defaults and validates enumerations.
func (c Config) normalize() (Config, error) {
	if c.JoinDetection == "" {
		c.JoinDetection = DetectStructural
	}
	switch c.JoinDetection {
	case DetectStructural, DetectExplicit:
	default:
		return c, fmt.Errorf("relmap: unknown join detection mode %q", c.JoinDetection)
	}
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = 1000
	}
	if c.Dialect != "" {
		switch c.Dialect {
		case dialect.MySQL, dialect.Postgres, dialect.SQLite:
		default:
			return c, fmt.Errorf("relmap: unknown dialect %q", c.Dialect)
		}
	}
	return c, nil
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("relmap: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("relmap: parse config: %w", err)
	}
	return cfg.normalize()
}
