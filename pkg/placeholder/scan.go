package placeholder

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"dbfix/pkg/database"
)

// Finding is one distinct placeholder value found in a column.
type Finding struct {
	Table  string
	Column string
	Value  string
	Count  int64
}

// Report is the outcome of a Scan.
type Report struct {
	Findings []Finding
	Tables   int
	Columns  int
}

// Total returns the number of rows carrying any placeholder.
func (r Report) Total() int64 {
	var n int64
	for _, f := range r.Findings {
		n += f.Count
	}
	return n
}

// Scanner reports placeholder values across every text column.
type Scanner struct {
	DB  *database.Database
	Log *zap.Logger
}

// NewScanner returns a Scanner bound to db.
func NewScanner(db *database.Database, log *zap.Logger) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Scanner{DB: db, Log: log}
}

// normalizeTokens lowercases, trims and dedupes tokens. Empty tokens are
// dropped because empty strings are always reported.
func normalizeTokens(tokens []string) []string {
	if len(tokens) == 0 {
		tokens = DefaultTokens
	}
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToLower(sqlTrim(tok))
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

// Scan counts rows whose trimmed value is empty or equals one of tokens,
// ignoring case. Findings are sorted by table, column and value.
func (s *Scanner) Scan(ctx context.Context, tokens []string) (Report, error) {
	tokens = normalizeTokens(tokens)

	tables, err := s.DB.Tables(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	for _, table := range tables {
		cols, err := s.DB.Columns(ctx, table)
		if err != nil {
			return Report{}, err
		}
		report.Tables++
		for _, col := range cols {
			if !col.IsText() {
				continue
			}
			report.Columns++
			var found []Finding
			if s.DB.SupportsStringFuncs() {
				found, err = s.scanColumnSQL(ctx, table, col.Name, tokens)
			} else {
				found, err = s.scanColumnGo(ctx, table, col.Name, tokens)
			}
			if err != nil {
				return Report{}, fmt.Errorf("scan %s.%s: %w", table, col.Name, err)
			}
			report.Findings = append(report.Findings, found...)
		}
	}

	sort.Slice(report.Findings, func(i, j int) bool {
		a, b := report.Findings[i], report.Findings[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		if a.Column != b.Column {
			return a.Column < b.Column
		}
		return a.Value < b.Value
	})
	s.Log.Debug("scan finished",
		zap.Int("tables", report.Tables),
		zap.Int("columns", report.Columns),
		zap.Int64("rows", report.Total()))
	return report, nil
}

func (s *Scanner) scanColumnSQL(ctx context.Context, table, column string, tokens []string) ([]Finding, error) {
	expr := "TRIM(" + s.DB.TextExpr(column) + ")"
	cond := expr + " = ''"
	args := make([]any, 0, len(tokens))
	if len(tokens) > 0 {
		cond += " OR LOWER(" + expr + ") IN (" + bindList(len(tokens)) + ")"
		for _, tok := range tokens {
			args = append(args, tok)
		}
	}
	query := fmt.Sprintf("SELECT %s AS value, COUNT(*) AS n FROM %s WHERE %s IS NOT NULL AND (%s) GROUP BY %s",
		expr, s.DB.QuoteIdent(table), s.DB.QuoteIdent(column), cond, expr)

	rows, err := s.DB.DB.QueryContext(ctx, s.DB.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		f := Finding{Table: table, Column: column}
		if err := rows.Scan(&f.Value, &f.Count); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// scanColumnGo streams the column and matches in Go for engines without
// string functions.
func (s *Scanner) scanColumnGo(ctx context.Context, table, column string, tokens []string) ([]Finding, error) {
	query := fmt.Sprintf("SELECT %s FROM %s", s.DB.QuoteIdent(column), s.DB.QuoteIdent(table))
	rows, err := s.DB.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		wanted[tok] = true
	}
	counts := make(map[string]int64)
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v string
		switch x := raw.(type) {
		case string:
			v = x
		case []byte:
			v = string(x)
		default:
			continue
		}
		v = sqlTrim(v)
		if v == "" || wanted[strings.ToLower(v)] {
			counts[v]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]Finding, 0, len(counts))
	for v, n := range counts {
		out = append(out, Finding{Table: table, Column: column, Value: v, Count: n})
	}
	return out, nil
}

func bindList(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
