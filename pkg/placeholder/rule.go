// Package placeholder finds and replaces placeholder values stored in the
// application database.
package placeholder

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultTokens are the values Scan treats as placeholders when the caller
// supplies none. Empty strings always count.
var DefaultTokens = []string{"placeholder", "changeme", "change_me", "todo", "tbd", "xxx", "n/a", "none", "null"}

var (
	// ErrInvalidRule is returned for rules missing a table, column or match.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrSelfMatch is returned when a replacement would itself match the
	// rule, which would make repeated runs keep rewriting the same rows.
	ErrSelfMatch = errors.New("replacement matches its own rule")
	// ErrNoKey is returned for uuid replacements on tables without a usable
	// single-column key.
	ErrNoKey = errors.New("table has no single-column key")
)

// Kind selects how matched values are rewritten.
type Kind string

const (
	KindLiteral Kind = "literal"
	KindNull    Kind = "null"
	KindUUID    Kind = "uuid"
	KindBcrypt  Kind = "bcrypt"
)

// Replacement describes the new value for matched rows. Value is the literal
// for KindLiteral and the clear-text password for KindBcrypt.
type Replacement struct {
	Kind  Kind   `yaml:"kind"`
	Value string `yaml:"value"`
}

// Validate rejects unknown kinds and bcrypt replacements without a password.
func (r Replacement) Validate() error {
	switch r.Kind {
	case KindLiteral, KindNull, KindUUID:
		return nil
	case KindBcrypt:
		if r.Value == "" {
			return fmt.Errorf("%w: bcrypt replacement needs a password", ErrInvalidRule)
		}
		return nil
	case "":
		return fmt.Errorf("%w: replacement kind is empty", ErrInvalidRule)
	default:
		return fmt.Errorf("%w: unknown replacement kind %q", ErrInvalidRule, r.Kind)
	}
}

// Rule rewrites Column of Table wherever it holds one of Match.
type Rule struct {
	Table           string      `yaml:"table"`
	Column          string      `yaml:"column"`
	Match           []string    `yaml:"match"`
	MatchNull       bool        `yaml:"match_null"`
	CaseInsensitive bool        `yaml:"case_insensitive"`
	Replace         Replacement `yaml:"replace"`
}

// Name identifies the rule in logs and reports.
func (r Rule) Name() string { return r.Table + "." + r.Column }

// Validate checks the rule without touching the database.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Table) == "" || strings.TrimSpace(r.Column) == "" {
		return fmt.Errorf("%w: table and column are required", ErrInvalidRule)
	}
	if len(r.Match) == 0 && !r.MatchNull {
		return fmt.Errorf("%w: %s matches nothing", ErrInvalidRule, r.Name())
	}
	if err := r.Replace.Validate(); err != nil {
		return fmt.Errorf("%s: %w", r.Name(), err)
	}
	switch r.Replace.Kind {
	case KindNull:
		if r.MatchNull {
			return fmt.Errorf("%w: %s", ErrSelfMatch, r.Name())
		}
	case KindLiteral:
		if r.matches(r.Replace.Value) {
			return fmt.Errorf("%w: %s", ErrSelfMatch, r.Name())
		}
	}
	return nil
}

// matchValues returns the values bound into the WHERE clause, normalised the
// same way the SQL side normalises the column.
func (r Rule) matchValues() []string {
	out := make([]string, 0, len(r.Match))
	for _, m := range r.Match {
		if r.CaseInsensitive {
			m = strings.ToLower(sqlTrim(m))
		}
		out = append(out, m)
	}
	return out
}

// matches reports whether a stored value would be selected by the rule.
func (r Rule) matches(v string) bool {
	if r.CaseInsensitive {
		v = strings.ToLower(sqlTrim(v))
	}
	for _, m := range r.matchValues() {
		if m == v {
			return true
		}
	}
	return false
}

// sqlTrim trims the way SQL TRIM() does: spaces only.
func sqlTrim(s string) string { return strings.Trim(s, " ") }
