package recordrule

import (
	"fmt"
	"strings"
)

// Condition is a boolean filter over records, the shape ApplyRules appends
// to queries. Conditions render to named-parameter SQL fragments compatible
// with squealx named queries.
type Condition interface {
	appendSQL(sb *strings.Builder, args map[string]any, n *int)
}

// TrueCond matches every record.
type TrueCond struct{}

// FalseCond matches no record; the terminal state for queries without an
// identity.
type FalseCond struct{}

// EqCond matches records whose field equals a concrete value.
type EqCond struct {
	Field string
	Value any
}

// NeCond matches records whose field differs from a concrete value.
type NeCond struct {
	Field string
	Value any
}

// InCond matches records whose field is one of a concrete set of values.
// An empty set matches nothing.
type InCond struct {
	Field  string
	Values []any
}

// AndCond is the conjunction of its parts; empty is vacuously true.
type AndCond struct {
	Conds []Condition
}

// OrCond is the disjunction of its parts; empty matches nothing.
type OrCond struct {
	Conds []Condition
}

func (TrueCond) appendSQL(sb *strings.Builder, args map[string]any, n *int)  { sb.WriteString("1 = 1") }
func (FalseCond) appendSQL(sb *strings.Builder, args map[string]any, n *int) { sb.WriteString("1 = 0") }

func nextParam(args map[string]any, n *int, v any) string {
	*n++
	name := fmt.Sprintf("rr_p%d", *n)
	args[name] = v
	return name
}

func (c EqCond) appendSQL(sb *strings.Builder, args map[string]any, n *int) {
	if c.Value == nil {
		sb.WriteString(c.Field)
		sb.WriteString(" IS NULL")
		return
	}
	sb.WriteString(c.Field)
	sb.WriteString(" = :")
	sb.WriteString(nextParam(args, n, c.Value))
}

func (c NeCond) appendSQL(sb *strings.Builder, args map[string]any, n *int) {
	if c.Value == nil {
		sb.WriteString(c.Field)
		sb.WriteString(" IS NOT NULL")
		return
	}
	sb.WriteString(c.Field)
	sb.WriteString(" <> :")
	sb.WriteString(nextParam(args, n, c.Value))
}

func (c InCond) appendSQL(sb *strings.Builder, args map[string]any, n *int) {
	if len(c.Values) == 0 {
		FalseCond{}.appendSQL(sb, args, n)
		return
	}
	sb.WriteString(c.Field)
	sb.WriteString(" IN (")
	for i, v := range c.Values {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(":")
		sb.WriteString(nextParam(args, n, v))
	}
	sb.WriteString(")")
}

func (c AndCond) appendSQL(sb *strings.Builder, args map[string]any, n *int) {
	if len(c.Conds) == 0 {
		TrueCond{}.appendSQL(sb, args, n)
		return
	}
	sb.WriteString("(")
	for i, part := range c.Conds {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		part.appendSQL(sb, args, n)
	}
	sb.WriteString(")")
}

func (c OrCond) appendSQL(sb *strings.Builder, args map[string]any, n *int) {
	if len(c.Conds) == 0 {
		FalseCond{}.appendSQL(sb, args, n)
		return
	}
	sb.WriteString("(")
	for i, part := range c.Conds {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		part.appendSQL(sb, args, n)
	}
	sb.WriteString(")")
}

// ConditionSQL renders a condition to a WHERE fragment with named
// parameters (":rr_pN") and the matching argument map.
func ConditionSQL(c Condition) (string, map[string]any) {
	sb := &strings.Builder{}
	args := make(map[string]any)
	n := 0
	c.appendSQL(sb, args, &n)
	return sb.String(), args
}

// Query is the surface ApplyRules rewrites: anything that can take an
// additional boolean filter.
type Query interface {
	Where(c Condition)
}

// SelectQuery is a minimal query object for record reads, rendered with
// squealx-style named parameters.
type SelectQuery struct {
	Table string
	conds []Condition
}

func NewSelectQuery(table string) *SelectQuery {
	return &SelectQuery{Table: table}
}

func (q *SelectQuery) Where(c Condition) {
	q.conds = append(q.conds, c)
}

// SQL renders the full statement and its named arguments.
func (q *SelectQuery) SQL() (string, map[string]any) {
	cond, args := ConditionSQL(AndCond{Conds: q.conds})
	if len(q.conds) == 0 {
		return "SELECT * FROM " + q.Table, args
	}
	return "SELECT * FROM " + q.Table + " WHERE " + cond, args
}
