package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Column describes one table column as reported by the engine's catalog.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
	Nullable   bool
}

// IsText reports whether the column can hold a string placeholder. SQLite
// columns without a declared type have no affinity and can hold anything.
func (c Column) IsText() bool {
	t := strings.ToUpper(strings.TrimSpace(c.Type))
	if t == "" {
		return true
	}
	for _, marker := range []string{"CHAR", "CLOB", "TEXT", "STRING"} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}

// QuoteIdent quotes a table or column name for the active dialect.
func (d *Database) QuoteIdent(name string) string {
	if d.Driver == "genji" {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return pgx.Identifier{name}.Sanitize()
}

// TextExpr renders column as a string expression. PostgreSQL and DuckDB get
// an explicit cast so citext and friends compare the same way as varchar.
func (d *Database) TextExpr(column string) string {
	quoted := d.QuoteIdent(column)
	switch d.Driver {
	case "pgx", "duckdb":
		return "CAST(" + quoted + " AS TEXT)"
	}
	return quoted
}

// SupportsStringFuncs reports whether TRIM/LOWER can be used in WHERE
// clauses. Genji has no string functions, so callers filter in Go instead.
func (d *Database) SupportsStringFuncs() bool {
	return d.Driver != "genji"
}

// ReportsRowsAffected reports whether Exec results carry a row count. The
// Genji driver does not implement RowsAffected.
func (d *Database) ReportsRowsAffected() bool {
	return d.Driver != "genji"
}

// Tables lists user tables sorted by name.
func (d *Database) Tables(ctx context.Context) ([]string, error) {
	var (
		names []string
		err   error
	)
	switch d.Driver {
	case "sqlite":
		err = d.DB.SelectContext(ctx, &names,
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	case "pgx", "duckdb":
		err = d.DB.SelectContext(ctx, &names,
			`SELECT table_name FROM information_schema.tables
			 WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
			 ORDER BY table_name`)
	case "genji":
		var entries []genjiCatalogEntry
		entries, err = d.genjiCatalog(ctx)
		for _, e := range entries {
			names = append(names, e.Name)
		}
		sort.Strings(names)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, d.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return names, nil
}

// Columns lists the columns of table in declaration order. An unknown table
// yields ErrUnknownTable.
func (d *Database) Columns(ctx context.Context, table string) ([]Column, error) {
	if err := d.requireTable(ctx, table); err != nil {
		return nil, err
	}

	switch d.Driver {
	case "sqlite":
		return d.sqliteColumns(ctx, table)
	case "pgx", "duckdb":
		return d.informationSchemaColumns(ctx, table)
	case "genji":
		entries, err := d.genjiCatalog(ctx)
		if err != nil {
			return nil, fmt.Errorf("list columns: %w", err)
		}
		for _, e := range entries {
			if e.Name == table {
				return ParseCreateTable(e.SQL), nil
			}
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, d.Driver)
	}
}

// Column looks up a single column; ErrUnknownColumn when it does not exist.
// Genji tables may be schemaless, in which case any column name is accepted.
func (d *Database) Column(ctx context.Context, table, column string) (Column, error) {
	cols, err := d.Columns(ctx, table)
	if err != nil {
		return Column{}, err
	}
	for _, c := range cols {
		if c.Name == column {
			return c, nil
		}
	}
	if d.Driver == "genji" && len(cols) == 0 {
		return Column{Name: column}, nil
	}
	return Column{}, fmt.Errorf("%w: %s.%s", ErrUnknownColumn, table, column)
}

func (d *Database) requireTable(ctx context.Context, table string) error {
	tables, err := d.Tables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if t == table {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

func (d *Database) sqliteColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.DB.QueryContext(ctx,
		`SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c       Column
			notNull int
			pk      int
		)
		if err := rows.Scan(&c.Name, &c.Type, &notNull, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.Nullable = notNull == 0
		c.PrimaryKey = pk > 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (d *Database) informationSchemaColumns(ctx context.Context, table string) ([]Column, error) {
	rows, err := d.DB.QueryContext(ctx, d.Rebind(
		`SELECT column_name, data_type, is_nullable FROM information_schema.columns
		 WHERE table_schema = current_schema() AND table_name = ?
		 ORDER BY ordinal_position`), table)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []Column
	for rows.Next() {
		var (
			c        Column
			nullable string
		)
		if err := rows.Scan(&c.Name, &c.Type, &nullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var pks []string
	err = d.DB.SelectContext(ctx, &pks, d.Rebind(
		`SELECT kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		 WHERE tc.constraint_type = 'PRIMARY KEY'
		   AND tc.table_schema = current_schema() AND tc.table_name = ?`), table)
	if err != nil {
		return nil, fmt.Errorf("list primary key: %w", err)
	}
	for _, pk := range pks {
		for i := range cols {
			if cols[i].Name == pk {
				cols[i].PrimaryKey = true
			}
		}
	}
	return cols, nil
}

type genjiCatalogEntry struct {
	Name string `db:"name"`
	SQL  string `db:"sql"`
}

func (d *Database) genjiCatalog(ctx context.Context) ([]genjiCatalogEntry, error) {
	var entries []genjiCatalogEntry
	if err := d.DB.SelectContext(ctx, &entries,
		"SELECT name, sql FROM __genji_catalog WHERE type = 'table'"); err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Name, "__genji") {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ParseCreateTable extracts column definitions from a CREATE TABLE
// statement. It is used for Genji, whose catalog stores only the DDL text,
// e.g. "CREATE TABLE users (id INTEGER NOT NULL, email TEXT,
// CONSTRAINT users_pk PRIMARY KEY (id))". Table-level constraints are skipped
// except PRIMARY KEY, named or not, which marks the listed columns. The "..."
// marker of tables accepting extra fields is ignored.
func ParseCreateTable(ddl string) []Column {
	open := strings.Index(ddl, "(")
	end := strings.LastIndex(ddl, ")")
	if open < 0 || end <= open {
		return nil
	}

	var (
		cols       []Column
		tablePKs   []string
		depth      int
		start      = open + 1
		body       = ddl[:end]
		definition []string
	)
	for i := open + 1; i < len(body); i++ {
		switch body[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				definition = append(definition, body[start:i])
				start = i + 1
			}
		}
	}
	definition = append(definition, body[start:])

	for _, def := range definition {
		def = strings.TrimSpace(def)
		if def == "" || def == "..." {
			continue
		}
		upper := strings.ToUpper(def)
		if isTableConstraint(upper) {
			if strings.Contains(upper, "PRIMARY KEY") {
				tablePKs = append(tablePKs, constraintColumns(def)...)
			}
			continue
		}

		fields := strings.Fields(def)
		c := Column{Name: unquoteIdent(fields[0]), Nullable: true}
		if len(fields) > 1 {
			switch strings.ToUpper(fields[1]) {
			case "PRIMARY", "NOT", "NULL", "DEFAULT", "UNIQUE", "CHECK", "REFERENCES":
			default:
				c.Type = fields[1]
			}
		}
		if strings.Contains(upper, "PRIMARY KEY") {
			c.PrimaryKey = true
			c.Nullable = false
		}
		if strings.Contains(upper, "NOT NULL") {
			c.Nullable = false
		}
		cols = append(cols, c)
	}

	for _, pk := range tablePKs {
		for i := range cols {
			if cols[i].Name == pk {
				cols[i].PrimaryKey = true
				cols[i].Nullable = false
			}
		}
	}
	return cols
}

func isTableConstraint(upper string) bool {
	for _, prefix := range []string{"PRIMARY KEY", "UNIQUE", "CHECK", "CONSTRAINT", "FOREIGN KEY"} {
		if !strings.HasPrefix(upper, prefix) {
			continue
		}
		if rest := upper[len(prefix):]; rest == "" || rest[0] == ' ' || rest[0] == '(' {
			return true
		}
	}
	return false
}

// constraintColumns returns the names inside the first parenthesised list
// of def.
func constraintColumns(def string) []string {
	open := strings.Index(def, "(")
	end := strings.LastIndex(def, ")")
	if open < 0 || end <= open {
		return nil
	}
	var names []string
	for _, name := range strings.Split(def[open+1:end], ",") {
		if name = strings.TrimSpace(name); name != "" {
			names = append(names, unquoteIdent(name))
		}
	}
	return names
}

func unquoteIdent(name string) string {
	if len(name) >= 2 {
		first, last := name[0], name[len(name)-1]
		if (first == '`' && last == '`') || (first == '"' && last == '"') {
			return name[1 : len(name)-1]
		}
	}
	return name
}
