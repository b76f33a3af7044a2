package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"golang.org/x/exp/slog"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// PostgreSQL error codes treated as "already exists".
//
// https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeDuplicateDatabase = "42P04"
	codeDuplicateTable    = "42P07"
)

// Pragma holds the SQLite settings applied to every connection.
//
// https://www.sqlite.org/pragma.html
type Pragma struct {
	BusyTimeout       int    `toml:"busy-timeout"`
	Cache             string `toml:"cache"`
	CacheSize         int    `toml:"cache-size"`
	ForeignKeys       bool   `toml:"foreign-keys"`
	FullSync          bool   `toml:"fullsync"`
	JournalMode       string `toml:"journal-mode"`
	MmapSize          int    `toml:"mmap-size"`
	Synchronous       string `toml:"synchronous"`
	TempStore         string `toml:"temp-store"`
	TxLock            string `toml:"txlock"`
	WALAutoCheckpoint int    `toml:"wal-autocheckpoint"`
}

type pragmaValue struct {
	name  string
	value string
}

// values lists the pragmas that are set, in the order they are applied.
func (p Pragma) values() []pragmaValue {
	var list []pragmaValue
	str := func(name, v string) {
		if v != "" {
			list = append(list, pragmaValue{name, v})
		}
	}
	num := func(name string, v int) {
		if v != 0 {
			str(name, strconv.Itoa(v))
		}
	}
	flag := func(name string, v bool) {
		if v {
			str(name, "1")
		}
	}

	str("journal_mode", p.JournalMode)
	str("synchronous", p.Synchronous)
	num("cache_size", p.CacheSize)
	num("busy_timeout", p.BusyTimeout)
	flag("fullsync", p.FullSync)
	flag("foreign_keys", p.ForeignKeys)
	str("temp_store", p.TempStore)
	num("mmap_size", p.MmapSize)
	num("wal_autocheckpoint", p.WALAutoCheckpoint)
	return list
}

// encode returns the DSN query for driver. mattn/go-sqlite3 takes every
// pragma as its own "_name" parameter, modernc.org/sqlite as repeated
// "_pragma=name(value)".
func (p Pragma) encode(driver string) string {
	val := url.Values{}
	for _, v := range p.values() {
		switch driver {
		case driverSQLite3:
			val.Set("_"+v.name, v.value)
		case driverSQLite:
			val.Add("_pragma", fmt.Sprintf("%s(%s)", v.name, v.value))
		default:
			return ""
		}
	}
	if driver != driverSQLite3 && driver != driverSQLite {
		return ""
	}

	if v := p.Cache; v != "" {
		val.Set("cache", v)
	}
	if v := p.TxLock; v != "" {
		val.Set("_txlock", v)
	}

	result, _ := url.QueryUnescape(val.Encode())
	return result
}

// DB is a database handle holding at most one open connection, so a worker
// that owns a DB owns its connection for its whole lifetime.
type DB struct {
	*sqlx.DB

	dsn string
}

// Open connects to the database described by cfg.
//
//	driver=pgx use github.com/jackc/pgx/v4
//	driver=sqlite3 use github.com/mattn/go-sqlite3
//	driver=sqlite use modernc.org/sqlite
func Open(ctx context.Context, cfg *Config) (*DB, error) {
	switch cfg.Driver {
	case driverPgx:
		return openPostgres(ctx, cfg.Postgres, cfg.Postgres.Database)
	case driverSQLite, driverSQLite3:
		return openSQLite(ctx, cfg.Driver, cfg.SQLite)
	}
	return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
}

func openSQLite(ctx context.Context, driver string, c SQLiteConfig) (*DB, error) {
	dsn := c.Path
	if params := c.Pragma.encode(driver); params != "" {
		dsn = fmt.Sprintf("%s?%s", c.Path, params)
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	slog.Debug("connect database", slog.String("dsn", dsn), slog.String("driver", driver))

	return &DB{
		DB:  db.Unsafe(),
		dsn: dsn,
	}, nil
}

func openPostgres(ctx context.Context, c PostgresConfig, database string) (*DB, error) {
	u := c.url(database)

	connConfig, err := pgx.ParseConfig(u.String())
	if err != nil {
		return nil, fmt.Errorf("parse connection string, %w", err)
	}
	dialer := &net.Dialer{
		KeepAlive: c.KeepAlive.Duration,
		Timeout:   c.ConnectTimeout.Duration,
	}
	connConfig.DialFunc = dialer.DialContext

	db := sqlx.NewDb(stdlib.OpenDB(*connConfig), driverPgx)
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(err, db.Close())
	}
	slog.Debug("connect database", slog.String("dsn", u.Redacted()), slog.String("driver", driverPgx))

	return &DB{
		DB:  db.Unsafe(),
		dsn: u.Redacted(),
	}, nil
}

func (c PostgresConfig) url(database string) *url.URL {
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}

	u := &url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + database,
		RawQuery: q.Encode(),
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else {
		u.User = url.User(c.User)
	}
	return u
}

func (db *DB) postgres() bool {
	return db.DriverName() == driverPgx
}

// serialKey is the column definition of an auto-incrementing primary key.
func (db *DB) serialKey() string {
	if db.postgres() {
		return "SERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// txOptions returns read committed for PostgreSQL. SQLite transactions are
// always serializable and its drivers reject other levels.
func (db *DB) txOptions() *sql.TxOptions {
	if db.postgres() {
		return &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}
	return nil
}

// CreateDatabase creates the target PostgreSQL database through the
// maintenance database. SQLite files are created on open.
func CreateDatabase(ctx context.Context, cfg *Config, log *slog.Logger) error {
	if cfg.Driver != driverPgx {
		return nil
	}

	name := cfg.Postgres.Database
	db, err := openPostgres(ctx, cfg.Postgres, cfg.Postgres.MaintenanceDB)
	if err != nil {
		return fmt.Errorf("connect maintenance database, %w", err)
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
	switch {
	case err == nil:
		log.Info("database created", slog.String("database", name))
	case isAlreadyExists(err, codeDuplicateDatabase):
		log.Info("database already exists", slog.String("database", name))
	default:
		return fmt.Errorf("create database %s, %w", name, err)
	}
	return nil
}

// isAlreadyExists reports whether err says the object being created is
// already there. PostgreSQL is matched by SQLSTATE, SQLite by message since
// both drivers report it as a generic error.
func isAlreadyExists(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return strings.Contains(err.Error(), "already exists")
}
