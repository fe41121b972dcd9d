package database

import (
	"fmt"
	"strings"
)

// Op is a comparison used in a WHERE condition.
type Op string

const (
	OpEq  Op = "="
	OpGte Op = ">="
	OpLte Op = "<="
	OpIn  Op = "IN"
)

// Query builds a single-table SELECT. Column names are written verbatim and
// must come from code; values are always bound as parameters.
type Query struct {
	table   string
	columns []string
	conds   []string
	args    []any
	order   []string
	limit   int
	offset  int
}

func NewQuery(table string) *Query {
	return &Query{table: table}
}

func (q *Query) Select(columns ...string) *Query {
	q.columns = columns
	return q
}

// Where adds an equality condition.
func (q *Query) Where(column string, value any) *Query {
	return q.Filter(column, OpEq, value)
}

// Filter adds a condition. OpIn expects a []any and matches nothing when it
// is empty.
func (q *Query) Filter(column string, op Op, value any) *Query {
	if op != OpIn {
		q.conds = append(q.conds, fmt.Sprintf("%s %s ?", column, op))
		q.args = append(q.args, value)
		return q
	}

	values, _ := value.([]any)
	if len(values) == 0 {
		q.conds = append(q.conds, "0")
		return q
	}
	q.conds = append(q.conds, fmt.Sprintf("%s IN (?%s)", column, strings.Repeat(", ?", len(values)-1)))
	q.args = append(q.args, values...)
	return q
}

func (q *Query) OrderBy(column string) *Query {
	q.order = append(q.order, column)
	return q
}

func (q *Query) OrderByDesc(column string) *Query {
	q.order = append(q.order, column+" DESC")
	return q
}

func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) Offset(n int) *Query {
	q.offset = n
	return q
}

// Build renders the statement and its arguments.
func (q *Query) Build() (string, []any) {
	columns := "*"
	if len(q.columns) > 0 {
		columns = strings.Join(q.columns, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", columns, q.table)
	q.writeWhere(&b)
	if len(q.order) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.order, ", "))
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	if q.offset > 0 {
		if q.limit <= 0 {
			b.WriteString(" LIMIT -1")
		}
		fmt.Fprintf(&b, " OFFSET %d", q.offset)
	}
	return b.String(), q.bound()
}

// BuildCount renders a COUNT(*) over the same conditions. Ordering and
// paging are ignored.
func (q *Query) BuildCount() (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT COUNT(*) FROM %s", q.table)
	q.writeWhere(&b)
	return b.String(), q.bound()
}

func (q *Query) writeWhere(b *strings.Builder) {
	if len(q.conds) == 0 {
		return
	}
	b.WriteString(" WHERE ")
	b.WriteString(strings.Join(q.conds, " AND "))
}

func (q *Query) bound() []any {
	return append([]any(nil), q.args...)
}
