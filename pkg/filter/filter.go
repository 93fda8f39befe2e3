// Package filter turns optional read criteria into a parameterized predicate
// over cve_records. Values are always bound; only fixed clause text is ever
// written into the query.
package filter

import (
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	"github.com/samber/oops"

	"github.com/tianlu-intel/tianlu-db/pkg/types"
)

const (
	DefaultOrderBy = "publish_date DESC, cve_id ASC"

	likeEscape = `\`
	dateLayout = "2006-01-02"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Criteria are the list/export filters. Empty fields are not applied.
type Criteria struct {
	Since        string
	Until        string
	Severity     string
	Keyword      string
	CWE          string
	AttackVector string
	Source       string
	Vendor       string
	Product      string
	InKEV        types.Opt[bool]
	Limit        int
}

// Query is a built predicate. Limit 0 means no limit.
type Query struct {
	Where   string
	Args    []any
	OrderBy string
	Limit   int
}

// SQL appends the predicate, ordering and limit to selectClause.
func (q Query) SQL(selectClause string) (string, []any) {
	var sb strings.Builder
	sb.WriteString(selectClause)

	args := append([]any(nil), q.Args...)
	if q.Where != "" {
		sb.WriteString(" WHERE ")
		sb.WriteString(q.Where)
	}
	if q.OrderBy != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(q.OrderBy)
	}
	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return sb.String(), args
}

type builder struct {
	clauses []string
	args    []any
}

func (b *builder) add(clause string, args ...any) {
	b.clauses = append(b.clauses, clause)
	b.args = append(b.args, args...)
}

func (b *builder) query(limit int) Query {
	return Query{
		Where:   strings.Join(b.clauses, " AND "),
		Args:    b.args,
		OrderBy: DefaultOrderBy,
		Limit:   limit,
	}
}

// Build translates criteria into one conjunctive clause per supplied field.
func Build(c Criteria) Query {
	var b builder

	if c.Since != "" {
		b.add("publish_date >= ?", c.Since)
	}
	if c.Until != "" {
		b.add(untilClause(c.Until), c.Until)
	}
	if c.Severity != "" {
		b.add("severity = ?", c.Severity)
	}
	if c.Keyword != "" {
		b.add(keywordClause(), Contains(c.Keyword), Contains(c.Keyword))
	}
	if c.CWE != "" {
		b.add(likeClause("cwe_ids"), Contains(c.CWE))
	}
	if c.AttackVector != "" {
		b.add("attack_vector = ?", c.AttackVector)
	}
	if v, ok := c.InKEV.Get(); ok {
		b.add("is_in_kev = ?", v)
	}
	if c.Source != "" {
		b.add(likeClause("sources"), Contains(c.Source))
	}
	if c.Vendor != "" {
		b.add(likeClause("vendors"), Contains(c.Vendor))
	}
	if c.Product != "" {
		b.add(likeClause("products"), Contains(c.Product))
	}

	return b.query(c.Limit)
}

// Watch is one watchlist item resolved for a digest run.
type Watch struct {
	Since       string
	SeverityMin string
	Keywords    []string
	Vendors     []string
	Products    []string
	// CVEPattern is a LIKE pattern on the identifier; without a '%' it
	// matches as a prefix.
	CVEPattern string
	Limit      int
}

// BuildWatch expands the severity floor into an IN list and ORs the entries
// of each keyword/vendor/product list.
func BuildWatch(w Watch) (Query, error) {
	var b builder

	if w.Since != "" {
		b.add("publish_date >= ?", w.Since)
	}

	if severities := SeveritiesAtOrAbove(w.SeverityMin); len(severities) > 0 {
		clause, args, err := sqlx.In("UPPER(severity) IN (?)", severities)
		if err != nil {
			return Query{}, oops.In("filter").With("severity_min", w.SeverityMin).Wrapf(err, "severity expansion error")
		}
		b.add(clause, args...)
	}

	if kws := nonEmpty(w.Keywords); len(kws) > 0 {
		var args []any
		for _, kw := range kws {
			args = append(args, Contains(kw), Contains(kw))
		}
		b.add(orGroup(keywordClause(), len(kws)), args...)
	}
	if vs := nonEmpty(w.Vendors); len(vs) > 0 {
		b.add(orGroup(likeClause("vendors"), len(vs)), lo.Map(vs, func(v string, _ int) any { return Contains(v) })...)
	}
	if ps := nonEmpty(w.Products); len(ps) > 0 {
		b.add(orGroup(likeClause("products"), len(ps)), lo.Map(ps, func(p string, _ int) any { return Contains(p) })...)
	}

	if w.CVEPattern != "" {
		pattern := strings.ToUpper(strings.TrimSpace(w.CVEPattern))
		if !strings.Contains(pattern, "%") {
			pattern += "%"
		}
		b.add("cve_id LIKE ?", pattern)
	}

	return b.query(w.Limit), nil
}

// SeveritiesAtOrAbove lists the severity names ranked at or above floor
// (LOW=1 ... CRITICAL=4). An unrecognized floor ranks 0 and yields nil.
func SeveritiesAtOrAbove(floor string) []string {
	return types.SeveritiesAtOrAbove(floor)
}

// Contains returns a LIKE pattern matching s literally as a substring.
func Contains(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}

func likeClause(column string) string {
	return column + ` LIKE ? ESCAPE '` + likeEscape + `'`
}

func keywordClause() string {
	return "(" + likeClause("title") + " OR " + likeClause("description") + ")"
}

func orGroup(clause string, n int) string {
	return "(" + strings.Join(lo.Times(n, func(int) string { return clause }), " OR ") + ")"
}

// untilClause compares only the date part when the bound is a bare date, so
// that the whole day is included.
func untilClause(until string) string {
	if _, err := time.Parse(dateLayout, until); err == nil {
		return "substr(publish_date, 1, 10) <= ?"
	}
	return "publish_date <= ?"
}

func nonEmpty(ss []string) []string {
	return lo.Filter(ss, func(s string, _ int) bool { return strings.TrimSpace(s) != "" })
}
