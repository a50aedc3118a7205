package placeholder

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"dbfix/pkg/database"
	"dbfix/pkg/logger"
)

// PlanItem is the number of rows a rule selects (Plan) or changed (Apply).
type PlanItem struct {
	Rule Rule
	Rows int64
}

// Plan lists per-rule row counts in rule order.
type Plan struct {
	Items []PlanItem
}

// Total sums the rows across all rules.
func (p Plan) Total() int64 {
	var n int64
	for _, it := range p.Items {
		n += it.Rows
	}
	return n
}

// Fixer checks rules against the schema and applies them.
type Fixer struct {
	DB         *database.Database
	Log        *zap.Logger
	Journal    *logger.Journal // optional; per-rule detail replayed on failure
	BcryptCost int             // defaults to bcrypt.DefaultCost
	Attempts   int             // busy retries for Apply, defaults to 5
}

// NewFixer returns a Fixer with default cost and retry settings.
func NewFixer(db *database.Database, log *zap.Logger) *Fixer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fixer{DB: db, Log: log, BcryptCost: bcrypt.DefaultCost, Attempts: 5}
}

// prepared is a rule resolved against the live schema.
type prepared struct {
	rule  Rule
	where string
	args  []any
	key   string // quoted key column, uuid replacements only
}

func (f *Fixer) prepare(ctx context.Context, rules []Rule) ([]prepared, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("%w: no rules given", ErrInvalidRule)
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	if err := crossCheck(rules); err != nil {
		return nil, err
	}

	out := make([]prepared, 0, len(rules))
	for _, r := range rules {
		col, err := f.DB.Column(ctx, r.Table, r.Column)
		if err != nil {
			return nil, err
		}
		// Schemaless Genji columns carry no type and no constraint.
		schemaless := f.DB.Driver == "genji" && col.Type == ""
		if r.Replace.Kind == KindNull && !col.Nullable && !schemaless {
			return nil, fmt.Errorf("%w: %s is NOT NULL", ErrInvalidRule, r.Name())
		}
		if r.CaseInsensitive && !f.DB.SupportsStringFuncs() {
			return nil, fmt.Errorf("%w: %s: case_insensitive is not supported by %s", ErrInvalidRule, r.Name(), f.DB.Driver)
		}

		p := prepared{rule: r}
		p.where, p.args = f.where(r)
		if r.Replace.Kind == KindUUID {
			if p.key, err = f.keyColumn(ctx, r.Table); err != nil {
				return nil, err
			}
		}
		out = append(out, p)
	}
	return out, nil
}

// crossCheck rejects rules whose replacement another rule on the same column
// would select again, which would keep rows flipping on every run.
func crossCheck(rules []Rule) error {
	for i, r := range rules {
		for j, other := range rules {
			if i == j || r.Name() != other.Name() {
				continue
			}
			switch r.Replace.Kind {
			case KindNull:
				if other.MatchNull {
					return fmt.Errorf("%w: %s: null is matched by another rule", ErrSelfMatch, r.Name())
				}
			case KindLiteral:
				if other.matches(r.Replace.Value) {
					return fmt.Errorf("%w: %s: %q is matched by another rule", ErrSelfMatch, r.Name(), r.Replace.Value)
				}
			}
		}
	}
	return nil
}

// where builds the row filter for r. Values are bound, identifiers quoted.
func (f *Fixer) where(r Rule) (string, []any) {
	col := f.DB.QuoteIdent(r.Column)
	expr := col
	if r.CaseInsensitive {
		expr = "LOWER(TRIM(" + f.DB.TextExpr(r.Column) + "))"
	}

	var (
		cond string
		args []any
	)
	values := r.matchValues()
	if len(values) > 0 {
		cond = expr + " IN (" + bindList(len(values)) + ")"
		for _, v := range values {
			args = append(args, v)
		}
	}
	if r.MatchNull {
		if cond != "" {
			cond += " OR "
		}
		cond += col + " IS NULL"
	}
	return "(" + cond + ")", args
}

// keyColumn returns the quoted single-column primary key of table, or rowid
// on SQLite when the table has none.
func (f *Fixer) keyColumn(ctx context.Context, table string) (string, error) {
	cols, err := f.DB.Columns(ctx, table)
	if err != nil {
		return "", err
	}
	var pks []string
	for _, c := range cols {
		if c.PrimaryKey {
			pks = append(pks, c.Name)
		}
	}
	switch {
	case len(pks) == 1:
		return f.DB.QuoteIdent(pks[0]), nil
	case len(pks) == 0 && f.DB.Driver == "sqlite":
		return "rowid", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNoKey, table)
	}
}

// Plan validates rules and counts the rows each one would change without
// writing anything.
func (f *Fixer) Plan(ctx context.Context, rules []Rule) (Plan, error) {
	specs, err := f.prepare(ctx, rules)
	if err != nil {
		return Plan{}, err
	}
	var plan Plan
	for _, p := range specs {
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", f.DB.QuoteIdent(p.rule.Table), p.where)
		var n int64
		if err := f.DB.DB.QueryRowContext(ctx, f.DB.Rebind(query), p.args...).Scan(&n); err != nil {
			return Plan{}, fmt.Errorf("%s: count: %w", p.rule.Name(), err)
		}
		plan.Items = append(plan.Items, PlanItem{Rule: p.rule, Rows: n})
	}
	return plan, nil
}

// Apply rewrites every rule inside one transaction. Any failure rolls back
// all rules. Lock conflicts retry the whole transaction.
func (f *Fixer) Apply(ctx context.Context, rules []Rule) (Plan, error) {
	specs, err := f.prepare(ctx, rules)
	if err != nil {
		return Plan{}, err
	}
	attempts := f.Attempts
	if attempts <= 0 {
		attempts = 5
	}

	var result Plan
	err = f.DB.RetryBusy(ctx, attempts, func() error {
		result = Plan{}
		for _, p := range specs {
			f.begin(p.rule.Name())
		}
		failed, err := f.applyTx(ctx, specs, &result)
		if err != nil {
			for _, p := range specs {
				if p.rule.Name() == failed {
					f.flush(p.rule.Name(), err)
				} else {
					f.flush(p.rule.Name(), fmt.Errorf("rolled back: %w", err))
				}
			}
		}
		return err
	})
	if err != nil {
		return Plan{}, err
	}
	for _, it := range result.Items {
		f.success(it.Rule.Name(), fmt.Sprintf("rule applied: %d rows", it.Rows))
	}
	return result, nil
}

// applyTx runs all rules in one transaction and returns the name of the rule
// that failed, if any.
func (f *Fixer) applyTx(ctx context.Context, specs []prepared, result *Plan) (string, error) {
	tx, err := f.DB.DB.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	for _, p := range specs {
		n, err := f.applyRule(ctx, tx, p)
		if err != nil {
			_ = tx.Rollback()
			return p.rule.Name(), fmt.Errorf("%s: %w", p.rule.Name(), err)
		}
		result.Items = append(result.Items, PlanItem{Rule: p.rule, Rows: n})
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return "", nil
}

func (f *Fixer) applyRule(ctx context.Context, tx *sqlx.Tx, p prepared) (int64, error) {
	table := f.DB.QuoteIdent(p.rule.Table)
	column := f.DB.QuoteIdent(p.rule.Column)

	if p.rule.Replace.Kind == KindUUID {
		return f.applyUUID(ctx, tx, p, table, column)
	}

	var value any
	switch p.rule.Replace.Kind {
	case KindNull:
		value = nil
	case KindLiteral:
		value = p.rule.Replace.Value
	case KindBcrypt:
		cost := f.BcryptCost
		if cost == 0 {
			cost = bcrypt.DefaultCost
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(p.rule.Replace.Value), cost)
		if err != nil {
			return 0, fmt.Errorf("bcrypt: %w", err)
		}
		value = string(hash)
	}

	var counted int64
	if !f.DB.ReportsRowsAffected() {
		count := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, p.where)
		if err := tx.QueryRowContext(ctx, f.DB.Rebind(count), p.args...).Scan(&counted); err != nil {
			return 0, fmt.Errorf("count: %w", err)
		}
	}

	query := fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s", table, column, p.where)
	args := append([]any{value}, p.args...)
	f.append(p.rule.Name(), "exec "+query)
	res, err := tx.ExecContext(ctx, f.DB.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	n, err := f.rowsAffected(res, counted)
	if err != nil {
		return 0, err
	}
	f.append(p.rule.Name(), fmt.Sprintf("%d rows updated", n))
	return n, nil
}

// applyUUID gives every matched row its own value, so it updates row by row
// through the key column.
func (f *Fixer) applyUUID(ctx context.Context, tx *sqlx.Tx, p prepared, table, column string) (int64, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", p.key, table, p.where)
	f.append(p.rule.Name(), "select keys "+query)
	rows, err := tx.QueryContext(ctx, f.DB.Rebind(query), p.args...)
	if err != nil {
		return 0, err
	}
	var keys []any
	for rows.Next() {
		var k any
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	update := f.DB.Rebind(fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", table, column, p.key))
	var n int64
	for _, k := range keys {
		res, err := tx.ExecContext(ctx, update, uuid.NewString(), k)
		if err != nil {
			return n, err
		}
		affected, err := f.rowsAffected(res, 1)
		if err != nil {
			return n, err
		}
		n += affected
	}
	f.append(p.rule.Name(), fmt.Sprintf("%d rows updated", n))
	return n, nil
}

// rowsAffected reads the driver's count, or returns counted for drivers
// that do not report one.
func (f *Fixer) rowsAffected(res sql.Result, counted int64) (int64, error) {
	if !f.DB.ReportsRowsAffected() {
		return counted, nil
	}
	return res.RowsAffected()
}

func (f *Fixer) begin(job string) {
	if f.Journal != nil {
		f.Journal.Begin(job)
	}
}

func (f *Fixer) append(job, msg string) {
	if f.Journal != nil {
		f.Journal.Append(job, msg)
	}
}

func (f *Fixer) success(job, summary string) {
	if f.Journal != nil {
		f.Journal.Success(job, summary)
		return
	}
	f.Log.Info(summary, zap.String("rule", job))
}

func (f *Fixer) flush(job string, err error) {
	if f.Journal != nil {
		f.Journal.FlushError(job, err)
	}
}
