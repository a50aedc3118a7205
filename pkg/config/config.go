// Package config resolves where the database lives and which placeholder
// rules apply, merging flags, environment, .env files and a YAML rules file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dbfix/pkg/database"
	"dbfix/pkg/locate"
	"dbfix/pkg/placeholder"
)

// URLEnvVars are checked in order for a SQLAlchemy database URL.
var URLEnvVars = []string{"DATABASE_URL", "SQLALCHEMY_DATABASE_URL"}

// Source names where the database location came from.
type Source string

const (
	SourceFlag       Source = "flag"
	SourceEnv        Source = "env"
	SourceDotEnv     Source = ".env"
	SourceFile       Source = "config file"
	SourceDiscovered Source = "discovered"
)

// Options carries the raw inputs gathered by the CLI.
type Options struct {
	WorkDir    string
	DBURL      string
	Database   database.Config
	Explicit   bool // --db-type/--db-path/--db-conn were given
	ConfigFile string
	Tokens     []string
	BackupDir  string
	Verbose    bool
	MaxDepth   int

	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Config is the resolved configuration.
type Config struct {
	Database  database.Config
	Source    Source
	Rules     []placeholder.Rule
	Tokens    []string
	BackupDir string
	Verbose   bool
}

// File is the YAML rules file layout.
type File struct {
	DatabaseURL string             `yaml:"database_url"`
	BackupDir   string             `yaml:"backup_dir"`
	Tokens      []string           `yaml:"tokens"`
	Rules       []placeholder.Rule `yaml:"rules"`
}

// LoadRulesFile reads and validates a YAML rules file.
func LoadRulesFile(path string) (File, error) {
	var fc File
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	for i, r := range fc.Rules {
		if err := r.Validate(); err != nil {
			return fc, fmt.Errorf("config %s rule %d: %w", path, i+1, err)
		}
	}
	return fc, nil
}

// dotEnvPaths lists where a FastAPI project keeps its .env, relative to the
// working directory.
var dotEnvPaths = []string{".env", filepath.Join("backend", ".env")}

// dotEnvValue is a value read from a .env file together with the directory
// holding that file.
type dotEnvValue struct {
	Value string
	Dir   string
}

// readDotEnv merges the .env files without touching the process environment.
// Earlier files win.
func readDotEnv(workDir string) map[string]dotEnvValue {
	merged := map[string]dotEnvValue{}
	for _, p := range dotEnvPaths {
		path := filepath.Join(workDir, p)
		values, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		for k, v := range values {
			if _, ok := merged[k]; !ok {
				merged[k] = dotEnvValue{Value: v, Dir: filepath.Dir(path)}
			}
		}
	}
	return merged
}

// Load resolves the database location with this precedence: --db-url, the
// explicit --db-* flags, the environment, .env files, database_url in the
// rules file, and finally discovery of a SQLite file under WorkDir.
func Load(ctx context.Context, opts Options) (Config, error) {
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, err
		}
		opts.WorkDir = wd
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 4
	}

	cfg := Config{
		Tokens:    opts.Tokens,
		BackupDir: opts.BackupDir,
		Verbose:   opts.Verbose,
	}

	var fc File
	if opts.ConfigFile != "" {
		var err error
		if fc, err = LoadRulesFile(opts.ConfigFile); err != nil {
			return Config{}, err
		}
		cfg.Rules = fc.Rules
		if len(cfg.Tokens) == 0 {
			cfg.Tokens = fc.Tokens
		}
		if cfg.BackupDir == "" {
			cfg.BackupDir = fc.BackupDir
		}
	}

	db, source, err := resolveDatabase(ctx, opts, fc)
	if err != nil {
		return Config{}, err
	}
	if db.DBPath != "" && db.DBPath != ":memory:" && !filepath.IsAbs(db.DBPath) {
		db.DBPath = filepath.Join(opts.WorkDir, db.DBPath)
	}
	cfg.Database = db
	cfg.Source = source
	return cfg, nil
}

func resolveDatabase(ctx context.Context, opts Options, fc File) (database.Config, Source, error) {
	if strings.TrimSpace(opts.DBURL) != "" {
		db, err := ParseURL(opts.DBURL)
		return withFlags(db, opts.Database), SourceFlag, err
	}
	if opts.Explicit {
		return opts.Database, SourceFlag, nil
	}
	for _, name := range URLEnvVars {
		if v, ok := opts.LookupEnv(name); ok && strings.TrimSpace(v) != "" {
			db, err := ParseURL(v)
			return withFlags(db, opts.Database), SourceEnv, err
		}
	}
	dotEnv := readDotEnv(opts.WorkDir)
	for _, name := range URLEnvVars {
		entry := dotEnv[name]
		if v := strings.TrimSpace(entry.Value); v != "" {
			db, err := ParseURL(v)
			// The application reading backend/.env runs from backend/, so
			// relative SQLite paths are relative to the .env file.
			if err == nil && db.DBPath != "" && db.DBPath != ":memory:" && !filepath.IsAbs(db.DBPath) {
				db.DBPath = filepath.Join(entry.Dir, db.DBPath)
			}
			return withFlags(db, opts.Database), SourceDotEnv, err
		}
	}
	if strings.TrimSpace(fc.DatabaseURL) != "" {
		db, err := ParseURL(fc.DatabaseURL)
		return withFlags(db, opts.Database), SourceFile, err
	}

	path, err := locate.Find(ctx, opts.WorkDir, opts.MaxDepth)
	if err != nil {
		if errors.Is(err, locate.ErrNotFound) {
			return database.Config{}, "", fmt.Errorf("no database given and none found under %s: %w", opts.WorkDir, err)
		}
		return database.Config{}, "", err
	}
	return withFlags(database.Config{DBType: "sqlite", DBPath: path}, opts.Database), SourceDiscovered, nil
}

// withFlags carries flag-only settings (read-only mode) onto a config that
// came from a URL.
func withFlags(db, flags database.Config) database.Config {
	if flags.ReadOnly {
		db.ReadOnly = true
	}
	return db
}
