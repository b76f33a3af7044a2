package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	driverPgx     = "pgx"
	driverSQLite  = "sqlite"
	driverSQLite3 = "sqlite3"
)

const (
	workloadInsert      = "insert"
	workloadInsertBatch = "insert-batch"
	workloadStress      = "stress"
)

// Duration is a time.Duration that decodes from strings like "300ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// PostgresConfig holds the connection parameters for the pgx driver.
type PostgresConfig struct {
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	MaintenanceDB string `toml:"maintenance-database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"sslmode"`

	KeepAlive      Duration `toml:"keep-alive"`
	ConnectTimeout Duration `toml:"connect-timeout"`
}

// SQLiteConfig holds the file and pragmas for the sqlite drivers.
type SQLiteConfig struct {
	Path   string `toml:"path"`
	Pragma Pragma `toml:"pragma"`
}

// Config drives one run: what to connect to, how much to seed and what the
// workers do.
type Config struct {
	Driver   string         `toml:"driver"`
	LogLevel string         `toml:"log-level"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`

	// Workload is set by the subcommand; empty means setup only.
	Workload string `toml:"-"`

	Workers      int  `toml:"workers"`
	Tables       int  `toml:"tables"`
	SeedRows     int  `toml:"seed-rows"`
	SeedBatch    int  `toml:"seed-batch"`
	Relations    bool `toml:"relations"`
	RelationRows int  `toml:"relation-rows"`

	// Commands each insert worker issues, ignored when Duration is set.
	Commands  int      `toml:"commands"`
	Duration  Duration `toml:"duration"`
	BatchSize int      `toml:"batch-size"`

	MinCommands int      `toml:"min-commands"`
	MaxCommands int      `toml:"max-commands"`
	MinThink    Duration `toml:"min-think"`
	MaxThink    Duration `toml:"max-think"`

	// Rate limits commands per second per worker, 0 is unlimited.
	Rate float64 `toml:"rate"`
	// Seed for the random sources, 0 picks one from the clock. Faker names
	// and emails of the stress workload repeat only with a single worker.
	Seed int64 `toml:"seed"`
}

// NewDefaultConfig returns the settings of a small two worker insert run
// against a local PostgreSQL.
func NewDefaultConfig() *Config {
	return &Config{
		Driver:   driverPgx,
		LogLevel: "info",
		Postgres: PostgresConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "testdb",
			MaintenanceDB:  "postgres",
			User:           "postgres",
			Password:       os.Getenv("PGPASSWORD"),
			SSLMode:        "disable",
			KeepAlive:      Duration{30 * time.Second},
			ConnectTimeout: Duration{10 * time.Second},
		},
		SQLite: SQLiteConfig{
			Path: "pgload.db",
			Pragma: Pragma{
				BusyTimeout: 5000,
				JournalMode: "WAL",
				Synchronous: "NORMAL",
				ForeignKeys: true,
				TxLock:      "immediate",
			},
		},
		Workers:      2,
		Tables:       2,
		SeedRows:     10000,
		SeedBatch:    500,
		RelationRows: 50,
		Commands:     100000,
		BatchSize:    1,
		MinCommands:  3,
		MaxCommands:  7,
		MinThink:     Duration{100 * time.Millisecond},
		MaxThink:     Duration{300 * time.Millisecond},
	}
}

// LoadFile overlays the TOML file at path onto c.
func (c *Config) LoadFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("load config %s, %w", path, err)
	}
	return nil
}

// Validate checks the settings before anything touches the database. The
// stress workload always needs table_relations, so Validate turns it on.
func (c *Config) Validate() error {
	switch c.Driver {
	case driverPgx, driverSQLite, driverSQLite3:
	default:
		return fmt.Errorf("unsupported driver %q", c.Driver)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be greater than 0")
	}
	if c.Tables < 1 {
		return fmt.Errorf("tables must be greater than 0")
	}
	if c.SeedRows < 0 {
		return fmt.Errorf("seed rows must not be negative")
	}
	if c.SeedBatch < 1 {
		return fmt.Errorf("seed batch must be greater than 0")
	}

	if c.Workload == workloadStress {
		c.Relations = true
	}
	if c.Relations {
		if c.Tables < 3 {
			return fmt.Errorf("relations need at least 3 tables, got %d", c.Tables)
		}
		if c.RelationRows > 0 && c.SeedRows < 1 {
			return fmt.Errorf("relation rows need seeded tables to reference")
		}
	}

	switch c.Workload {
	case "":
	case workloadInsert, workloadInsertBatch:
		if c.Tables < c.Workers {
			return fmt.Errorf("every worker owns a table, %d tables for %d workers", c.Tables, c.Workers)
		}
		if c.Commands < 0 || c.Duration.Duration < 0 {
			return fmt.Errorf("commands and duration must not be negative")
		}
		if c.Commands == 0 && c.Duration.Duration == 0 {
			return fmt.Errorf("either commands or duration must be set")
		}
		if c.BatchSize < 1 {
			return fmt.Errorf("batch size must be greater than 0")
		}
		if c.Workload == workloadInsertBatch && c.Duration.Duration == 0 && c.Commands < c.BatchSize {
			return fmt.Errorf("%d commands do not fill a batch of %d", c.Commands, c.BatchSize)
		}
	case workloadStress:
		if c.MinCommands < 1 || c.MinCommands > c.MaxCommands {
			return fmt.Errorf("invalid command range %d..%d", c.MinCommands, c.MaxCommands)
		}
		if c.MinThink.Duration < 0 || c.MinThink.Duration > c.MaxThink.Duration {
			return fmt.Errorf("invalid think time range %s..%s", c.MinThink, c.MaxThink)
		}
		if c.SeedRows < 1 {
			return fmt.Errorf("updates need seeded tables")
		}
	default:
		return fmt.Errorf("unknown workload %q", c.Workload)
	}

	if c.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	return nil
}
