package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const exitStatusHelp = `Exit status:
  0  every worker committed its transaction
  1  invalid configuration, connection or setup error
  2  at least one worker transaction failed and was rolled back`

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pgload",
		Short: "Concurrent transactional load generator for PostgreSQL and SQLite",
		Long:  "Concurrent transactional load generator for PostgreSQL and SQLite.\n\n" + exitStatusHelp,

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		newSetupCommand(),
		newInsertCommand(),
		newStressCommand(),
	)
	return cmd
}

func bindConnectionFlags(fs *pflag.FlagSet, cfg *Config, configFile *string) {
	fs.StringVarP(configFile, "config", "c", "", "TOML config file, flags given on the command line take precedence")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "database driver: pgx, sqlite (modernc) or sqlite3 (mattn)")

	fs.StringVar(&cfg.Postgres.Host, "host", cfg.Postgres.Host, "PostgreSQL host")
	fs.IntVar(&cfg.Postgres.Port, "port", cfg.Postgres.Port, "PostgreSQL port")
	fs.StringVar(&cfg.Postgres.Database, "database", cfg.Postgres.Database, "database to create and load")
	fs.StringVar(&cfg.Postgres.MaintenanceDB, "maintenance-database", cfg.Postgres.MaintenanceDB, "database used to issue CREATE DATABASE")
	fs.StringVar(&cfg.Postgres.User, "user", cfg.Postgres.User, "PostgreSQL user")
	fs.StringVar(&cfg.Postgres.Password, "password", cfg.Postgres.Password, "PostgreSQL password (default $PGPASSWORD)")
	fs.StringVar(&cfg.Postgres.SSLMode, "sslmode", cfg.Postgres.SSLMode, "PostgreSQL sslmode")
	fs.DurationVar(&cfg.Postgres.KeepAlive.Duration, "keep-alive", cfg.Postgres.KeepAlive.Duration, "TCP keep-alive period, negative disables")
	fs.DurationVar(&cfg.Postgres.ConnectTimeout.Duration, "connect-timeout", cfg.Postgres.ConnectTimeout.Duration, "dial timeout")

	fs.StringVar(&cfg.SQLite.Path, "sqlite-path", cfg.SQLite.Path, "SQLite database file")
	fs.StringVar(&cfg.SQLite.Pragma.JournalMode, "sqlite-journal-mode", cfg.SQLite.Pragma.JournalMode, "SQLite journal_mode")
	fs.IntVar(&cfg.SQLite.Pragma.BusyTimeout, "sqlite-busy-timeout", cfg.SQLite.Pragma.BusyTimeout, "SQLite busy_timeout in milliseconds")

	fs.IntVar(&cfg.Tables, "tables", cfg.Tables, "number of table_N tables")
	fs.IntVar(&cfg.SeedRows, "seed-rows", cfg.SeedRows, "rows inserted into each table when it is created")
	fs.IntVar(&cfg.SeedBatch, "seed-batch", cfg.SeedBatch, "rows per seeding batch")
	fs.IntVar(&cfg.RelationRows, "relation-rows", cfg.RelationRows, "rows inserted into table_relations when it is created")
	fs.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed, 0 picks one")
}

func bindWorkerFlags(fs *pflag.FlagSet, cfg *Config) {
	fs.IntVarP(&cfg.Workers, "workers", "w", cfg.Workers, "number of concurrent workers, each with its own connection")
	fs.Float64Var(&cfg.Rate, "rate", cfg.Rate, "commands per second per worker, 0 is unlimited")
}

func runCommand(cmd *cobra.Command, cfg *Config, configFile string) error {
	if configFile != "" {
		// the file overrides the defaults, the command line overrides the file
		changed := make(map[string]string)
		cmd.Flags().Visit(func(f *pflag.Flag) {
			changed[f.Name] = f.Value.String()
		})
		if err := cfg.LoadFile(configFile); err != nil {
			return err
		}
		for name, value := range changed {
			if err := cmd.Flags().Set(name, value); err != nil {
				return err
			}
		}
	}

	if cfg.Workload == workloadInsert && cfg.BatchSize > 1 {
		cfg.Workload = workloadInsertBatch
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	setLogLevel(level)

	runner, err := NewRunner(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	report, err := runner.Run(cmd.Context())
	if err != nil {
		return err
	}
	if report == nil {
		return nil
	}
	return report.Err()
}

func newSetupCommand() *cobra.Command {
	cfg := NewDefaultConfig()
	var configFile string

	m := &cobra.Command{
		Use:   "setup",
		Short: "Create the database, tables and seed rows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(cmd, cfg, configFile)
		},
	}

	bindConnectionFlags(m.Flags(), cfg, &configFile)
	m.Flags().BoolVar(&cfg.Relations, "relations", cfg.Relations, "also create table_relations")
	return m
}

func newInsertCommand() *cobra.Command {
	cfg := NewDefaultConfig()
	var configFile string

	m := &cobra.Command{
		Use:   "insert",
		Short: "Every worker inserts into its own table in one long transaction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Workload = workloadInsert
			return runCommand(cmd, cfg, configFile)
		},
	}

	bindConnectionFlags(m.Flags(), cfg, &configFile)
	bindWorkerFlags(m.Flags(), cfg)
	m.Flags().IntVarP(&cfg.Commands, "commands", "n", cfg.Commands, "rows each worker inserts")
	m.Flags().DurationVarP(&cfg.Duration.Duration, "duration", "d", cfg.Duration.Duration, "insert until this much time has passed instead of a fixed count")
	m.Flags().IntVarP(&cfg.BatchSize, "batch-size", "b", cfg.BatchSize, "rows per INSERT statement")
	return m
}

func newStressCommand() *cobra.Command {
	cfg := NewDefaultConfig()
	cfg.Workers = 10
	cfg.Tables = 5
	var configFile string

	m := &cobra.Command{
		Use:   "stress",
		Short: "Workers mix joins, inserts and updates across shared tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Workload = workloadStress
			return runCommand(cmd, cfg, configFile)
		},
	}

	bindConnectionFlags(m.Flags(), cfg, &configFile)
	bindWorkerFlags(m.Flags(), cfg)
	m.Flags().IntVar(&cfg.MinCommands, "min-commands", cfg.MinCommands, "fewest commands per transaction")
	m.Flags().IntVar(&cfg.MaxCommands, "max-commands", cfg.MaxCommands, "most commands per transaction")
	m.Flags().DurationVar(&cfg.MinThink.Duration, "min-think", cfg.MinThink.Duration, "shortest pause between commands")
	m.Flags().DurationVar(&cfg.MaxThink.Duration, "max-think", cfg.MaxThink.Duration, "longest pause between commands")
	return m
}
