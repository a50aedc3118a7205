package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dbfix/pkg/backup"
	"dbfix/pkg/database"
	"dbfix/pkg/logger"
	"dbfix/pkg/placeholder"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the application version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "dbfix version %s\n", CompileVersion)
			return nil
		},
	}
}

func newLocateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Print where the database was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			cfg, err := a.loadConfig(ctx, cmd, nil)
			if err != nil {
				return err
			}
			location := cfg.Database.DBPath
			if location == "" {
				location = database.RedactDSN(cfg.Database.DBType, database.PostgresDSNFromConfig(cfg.Database))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(%s)\n", cfg.Database.DBType, location, cfg.Source)
			return nil
		},
	}
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [table...]",
		Short: "List tables and their columns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			db, _, err := a.open(ctx, cmd, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			tables := args
			if len(tables) == 0 {
				if tables, err = db.Tables(ctx); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TABLE\tCOLUMN\tTYPE\tPK\tNULLABLE")
			for _, table := range tables {
				cols, err := db.Columns(ctx, table)
				if err != nil {
					return err
				}
				for _, c := range cols {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", table, c.Name, c.Type, yesNo(c.PrimaryKey), yesNo(c.Nullable))
				}
			}
			return w.Flush()
		},
	}
}

func newScanCmd(a *app) *cobra.Command {
	var tokens []string
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Report placeholder values in every text column",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			db, cfg, err := a.open(ctx, cmd, tokens)
			if err != nil {
				return err
			}
			defer db.Close()

			report, err := placeholder.NewScanner(db, a.log).Scan(ctx, cfg.Tokens)
			if err != nil {
				return err
			}
			return writeReport(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringSliceVar(&tokens, "token", nil, "Placeholder token to look for (repeatable; default: built-in list)")
	return cmd
}

func newFixCmd(a *app) *cobra.Command {
	var (
		inline     placeholder.Rule
		kind       string
		apply      bool
		noBackup   bool
		bcryptCost int
	)
	cmd := &cobra.Command{
		Use:   "fix",
		Short: "Replace placeholder values (dry run unless --apply)",
		Long: `Replace placeholder values according to the rules file (--config) and/or
a single inline rule (--table/--column/--match/--replace-kind).

Without --apply only the number of affected rows is printed. With --apply,
file databases are backed up first and all rules run in one transaction.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			if apply && a.flags.readOnly {
				return fmt.Errorf("--apply cannot be combined with --read-only")
			}

			db, cfg, err := a.open(ctx, cmd, nil)
			if err != nil {
				return err
			}
			defer db.Close()

			rules := cfg.Rules
			if inline.Table != "" || inline.Column != "" {
				inline.Replace.Kind = placeholder.Kind(strings.ToLower(kind))
				rules = append(rules, inline)
			}

			journal := logger.NewJournal(a.log)
			defer journal.Close()
			fixer := placeholder.NewFixer(db, a.log)
			fixer.Journal = journal
			if bcryptCost > 0 {
				fixer.BcryptCost = bcryptCost
			}

			out := cmd.OutOrStdout()
			if !apply {
				plan, err := fixer.Plan(ctx, rules)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, "dry run, nothing written (use --apply)")
				return writePlan(out, plan)
			}

			if db.Path != "" && !noBackup {
				if err := db.Checkpoint(ctx); err != nil {
					return err
				}
				info, err := backup.Backup(ctx, db.Path, cfg.BackupDir)
				if err != nil {
					return err
				}
				a.log.Info("backup created", zap.String("path", info.Path), zap.String("sha256", info.SHA256))
				fmt.Fprintf(out, "backup: %s\n", info.Path)
			}

			result, err := fixer.Apply(ctx, rules)
			if err != nil {
				return err
			}
			return writePlan(out, result)
		},
	}

	f := cmd.Flags()
	f.StringVar(&inline.Table, "table", "", "Table of the inline rule")
	f.StringVar(&inline.Column, "column", "", "Column of the inline rule")
	f.StringSliceVar(&inline.Match, "match", nil, "Value to replace (repeatable)")
	f.BoolVar(&inline.MatchNull, "match-null", false, "Also replace NULL")
	f.BoolVar(&inline.CaseInsensitive, "ignore-case", false, "Match ignoring case and surrounding spaces")
	f.StringVar(&kind, "replace-kind", "null", "Replacement: literal, null, uuid or bcrypt")
	f.StringVar(&inline.Replace.Value, "replace-value", "", "Literal value, or the password for bcrypt")
	f.BoolVar(&apply, "apply", false, "Write the changes")
	f.BoolVar(&noBackup, "no-backup", false, "Skip the file backup before --apply")
	f.IntVar(&bcryptCost, "bcrypt-cost", 0, "bcrypt cost for the bcrypt replacement (default 10)")
	return cmd
}

func newRestoreCmd(a *app) *cobra.Command {
	var noBackup bool
	cmd := &cobra.Command{
		Use:   "restore <backup>",
		Short: "Put a backup taken by fix --apply back in place",
		Long: `Replace the resolved database file with a backup taken by fix --apply.
Stale -wal/-journal files next to the database are removed and the backup's
own sidecars restored. The current file is backed up first unless --no-backup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := a.withTimeout(cmd.Context())
			defer cancel()

			if a.flags.readOnly {
				return fmt.Errorf("restore cannot be combined with --read-only")
			}
			cfg, err := a.loadConfig(ctx, cmd, nil)
			if err != nil {
				return err
			}
			target := cfg.Database.DBPath
			if !database.IsFileBacked(cfg.Database.DBType) || target == "" || target == ":memory:" {
				return fmt.Errorf("restore needs a file database, got %s", cfg.Database.DBType)
			}

			out := cmd.OutOrStdout()
			if _, err := os.Stat(target); err == nil && !noBackup {
				info, err := backup.Backup(ctx, target, cfg.BackupDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "backup: %s\n", info.Path)
			}
			if err := backup.Restore(ctx, args[0], target); err != nil {
				return fmt.Errorf("restore %s: %w", target, err)
			}
			a.log.Info("database restored", zap.String("path", target), zap.String("from", args[0]))
			fmt.Fprintf(out, "restored %s from %s\n", target, args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&noBackup, "no-backup", false, "Do not back up the current file before restoring")
	return cmd
}

func writeReport(out io.Writer, report placeholder.Report) error {
	if len(report.Findings) == 0 {
		fmt.Fprintf(out, "no placeholders found (%d tables, %d text columns)\n", report.Tables, report.Columns)
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tCOLUMN\tVALUE\tROWS")
	for _, f := range report.Findings {
		fmt.Fprintf(w, "%s\t%s\t%q\t%d\n", f.Table, f.Column, f.Value, f.Count)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d rows with placeholders\n", report.Total())
	return nil
}

func writePlan(out io.Writer, plan placeholder.Plan) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tREPLACE\tROWS")
	for _, it := range plan.Items {
		fmt.Fprintf(w, "%s\t%s\t%d\n", it.Rule.Name(), it.Rule.Replace.Kind, it.Rows)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "total: %d rows\n", plan.Total())
	return nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
