package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dbfix/pkg/config"
	"dbfix/pkg/database"
	"dbfix/pkg/logger"
)

// CompileVersion is overridden at build time with -ldflags "-X main.CompileVersion=...".
var CompileVersion = "dev"

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	dbURL      string
	db         database.Config
	readOnly   bool
	configFile string
	backupDir  string
	verbose    bool
	timeout    time.Duration
	maxDepth   int
}

// app is the state a subcommand needs once flags are parsed.
type app struct {
	flags rootFlags
	log   *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{log: zap.NewNop()}

	root := &cobra.Command{
		Use:   "dbfix",
		Short: "Find and repair placeholder values in the application database",
		Long: `dbfix locates the application's SQL database, inspects its schema,
reports placeholder values (empty strings, "placeholder", "changeme", ...)
and replaces them inside a single transaction.

Run without a subcommand it does nothing and exits successfully.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Root() == cmd {
				return nil
			}
			log, err := logger.New(a.flags.verbose)
			if err != nil {
				return err
			}
			a.log = log
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.dbURL, "db-url", "", "SQLAlchemy-style database URL, e.g. sqlite:///./sql_app.db")
	pf.StringVar(&a.flags.db.DBType, "db-type", "sqlite", "Type of the database driver: sqlite, pgx (postgresql), duckdb or genji")
	pf.StringVar(&a.flags.db.DBPath, "db-path", "", "Path to the database file (sqlite, duckdb, genji)")
	pf.StringVar(&a.flags.db.DBConn, "db-conn", "", "Raw PostgreSQL DSN (applicable for pgx driver)")
	pf.StringVar(&a.flags.db.DBHost, "db-host", "127.0.0.1", "Database host (applicable for pgx driver)")
	pf.IntVar(&a.flags.db.DBPort, "db-port", 5432, "Database port (applicable for pgx driver)")
	pf.StringVar(&a.flags.db.DBUser, "db-user", "postgres", "Database user (applicable for pgx driver)")
	pf.StringVar(&a.flags.db.DBPass, "db-pass", "", "Database password (applicable for pgx driver)")
	pf.StringVar(&a.flags.db.DBName, "db-name", "", "Database name (applicable for pgx driver)")
	pf.StringVar(&a.flags.db.PGSSLMode, "pg-ssl-mode", "prefer", "PostgreSQL SSL mode: disable, allow, prefer, require, verify-ca, or verify-full")
	pf.BoolVar(&a.flags.readOnly, "read-only", false, "Open file databases read-only (locate, inspect and scan only)")
	pf.StringVar(&a.flags.configFile, "config", "", "YAML file with placeholder tokens and fix rules")
	pf.StringVar(&a.flags.backupDir, "backup-dir", "", "Directory for backups taken before fix --apply (default: <db dir>/backups)")
	pf.BoolVarP(&a.flags.verbose, "verbose", "v", false, "Enable debug logging")
	pf.DurationVar(&a.flags.timeout, "timeout", 5*time.Minute, "Overall time limit for the command")
	pf.IntVar(&a.flags.maxDepth, "max-depth", 4, "Directory depth searched when discovering a SQLite file")

	root.AddCommand(
		newLocateCmd(a),
		newInspectCmd(a),
		newScanCmd(a),
		newFixCmd(a),
		newRestoreCmd(a),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves configuration for cmd. Flags count as explicit only
// when the operator actually set one of the location flags.
func (a *app) loadConfig(ctx context.Context, cmd *cobra.Command, tokens []string) (config.Config, error) {
	explicit := false
	for _, name := range []string{"db-type", "db-path", "db-conn", "db-host", "db-name"} {
		if cmd.Flags().Changed(name) {
			explicit = true
		}
	}
	db := a.flags.db
	db.ReadOnly = a.flags.readOnly
	if !cmd.Flags().Changed("db-type") && (cmd.Flags().Changed("db-conn") || cmd.Flags().Changed("db-host") || cmd.Flags().Changed("db-name")) {
		db.DBType = "pgx"
	}
	return config.Load(ctx, config.Options{
		DBURL:      a.flags.dbURL,
		Database:   db,
		Explicit:   explicit,
		ConfigFile: a.flags.configFile,
		Tokens:     tokens,
		BackupDir:  a.flags.backupDir,
		Verbose:    a.flags.verbose,
		MaxDepth:   a.flags.maxDepth,
	})
}

// open loads configuration and connects.
func (a *app) open(ctx context.Context, cmd *cobra.Command, tokens []string) (*database.Database, config.Config, error) {
	cfg, err := a.loadConfig(ctx, cmd, tokens)
	if err != nil {
		return nil, config.Config{}, err
	}
	a.log.Debug("database resolved",
		zap.String("source", string(cfg.Source)),
		zap.String("driver", cfg.Database.DBType),
		zap.String("path", cfg.Database.DBPath))
	db, err := database.NewDatabase(ctx, cfg.Database, a.log)
	if err != nil {
		return nil, config.Config{}, fmt.Errorf("DB init: %w", err)
	}
	return db, cfg, nil
}

func (a *app) withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	if a.flags.timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, a.flags.timeout)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "dbfix:", err)
		stop()
		os.Exit(1)
	}
}
