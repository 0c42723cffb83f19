package relmap

import (
	"strings"

	sql "github.com/syssam/relmap/dialect/sql"
	"github.com/syssam/relmap/schema"
)

// Strategy selects how an eager-load spec resolves its association.
type Strategy uint8

const (
	// StrategySmart uses separate queries unless the query filters,
	// orders or groups on a column of the associated table, in which
	// case it falls back to the single-query join.
	StrategySmart Strategy = iota
	// StrategyPreload always uses one additional query per association
	// with an IN (...) predicate. Never joins.
	StrategyPreload
	// StrategyJoin always rewrites the base query with a LEFT OUTER
	// JOIN per association and deduplicates base rows.
	StrategyJoin
)

// An EagerSpec names an association to resolve ahead of access and the
// requested strategy.
type EagerSpec struct {
	Assoc    string
	Strategy Strategy
}

// An Order is one sort key of a query.
type Order struct {
	Column string
	Desc   bool
}

type joinClause struct {
	kind  string // "JOIN" or "LEFT OUTER JOIN"
	table string
	on    string
}

// condOp enumerates predicate shapes.
type condOp uint8

const (
	opRaw condOp = iota
	opEq
	opNeq
	opGt
	opGte
	opLt
	opLte
	opLike
	opIn
	opNotIn
	opIsNull
	opNotNull
	opAnd
	opOr
	opNot
)

// A Cond is one predicate fragment of a query. Structured conds carry
// their column as data so compilation can table-qualify references;
// Raw conds pass through verbatim with `?` placeholders.
type Cond struct {
	op   condOp
	col  string
	raw  string
	args []any
	sub  []Cond
}

// Eq matches rows where column = v.
func Eq(column string, v any) Cond { return Cond{op: opEq, col: column, args: []any{v}} }

// Neq matches rows where column <> v.
func Neq(column string, v any) Cond { return Cond{op: opNeq, col: column, args: []any{v}} }

// Gt matches rows where column > v.
func Gt(column string, v any) Cond { return Cond{op: opGt, col: column, args: []any{v}} }

// Gte matches rows where column >= v.
func Gte(column string, v any) Cond { return Cond{op: opGte, col: column, args: []any{v}} }

// Lt matches rows where column < v.
func Lt(column string, v any) Cond { return Cond{op: opLt, col: column, args: []any{v}} }

// Lte matches rows where column <= v.
func Lte(column string, v any) Cond { return Cond{op: opLte, col: column, args: []any{v}} }

// Like matches rows where column LIKE pattern.
func Like(column, pattern string) Cond { return Cond{op: opLike, col: column, args: []any{pattern}} }

// In matches rows where column is any of vs. An empty list matches
// nothing.
func In(column string, vs ...any) Cond { return Cond{op: opIn, col: column, args: vs} }

// NotIn matches rows where column is none of vs.
func NotIn(column string, vs ...any) Cond { return Cond{op: opNotIn, col: column, args: vs} }

// IsNull matches rows where column IS NULL.
func IsNull(column string) Cond { return Cond{op: opIsNull, col: column} }

// NotNull matches rows where column IS NOT NULL.
func NotNull(column string) Cond { return Cond{op: opNotNull, col: column} }

// And groups conds with AND.
func And(cs ...Cond) Cond { return Cond{op: opAnd, sub: cs} }

// Or groups conds with OR.
func Or(cs ...Cond) Cond { return Cond{op: opOr, sub: cs} }

// Not negates a cond.
func Not(c Cond) Cond { return Cond{op: opNot, sub: []Cond{c}} }

// Raw is the escape hatch for predicates the structured constructors
// cannot express. The fragment's `?` placeholders must correspond 1:1,
// in order, with args.
func Raw(fragment string, args ...any) Cond {
	return Cond{op: opRaw, raw: fragment, args: args}
}

// columns reports the column references of a cond, recursively. Used by
// the smart eager-load strategy to detect cross-table references.
func (c Cond) columns(out []string) []string {
	if c.col != "" {
		out = append(out, c.col)
	}
	for _, s := range c.sub {
		out = s.columns(out)
	}
	return out
}

// compile lowers the cond to a SQL fragment with `?` placeholders. qual
// qualifies structured column references.
func (c Cond) compile(qual func(string) string) (string, []any, error) {
	unwrap := func(vs []any) []any {
		out := make([]any, len(vs))
		for i, v := range vs {
			if sv, ok := v.(schema.Value); ok {
				out[i] = sv.Interface()
			} else {
				out[i] = v
			}
		}
		return out
	}
	switch c.op {
	case opRaw:
		if strings.Count(c.raw, "?") != len(c.args) {
			return "", nil, NewInvalidQueryError("fragment %q has %d placeholders but %d parameters", c.raw, strings.Count(c.raw, "?"), len(c.args))
		}
		return c.raw, unwrap(c.args), nil
	case opEq:
		return qual(c.col) + " = ?", unwrap(c.args), nil
	case opNeq:
		return qual(c.col) + " <> ?", unwrap(c.args), nil
	case opGt:
		return qual(c.col) + " > ?", unwrap(c.args), nil
	case opGte:
		return qual(c.col) + " >= ?", unwrap(c.args), nil
	case opLt:
		return qual(c.col) + " < ?", unwrap(c.args), nil
	case opLte:
		return qual(c.col) + " <= ?", unwrap(c.args), nil
	case opLike:
		return qual(c.col) + " LIKE ?", unwrap(c.args), nil
	case opIn, opNotIn:
		if len(c.args) == 0 {
			// IN of the empty set matches nothing; NOT IN matches all.
			if c.op == opIn {
				return "1 = 0", nil, nil
			}
			return "1 = 1", nil, nil
		}
		marks := strings.Repeat("?, ", len(c.args))
		kw := " IN ("
		if c.op == opNotIn {
			kw = " NOT IN ("
		}
		return qual(c.col) + kw + marks[:len(marks)-2] + ")", unwrap(c.args), nil
	case opIsNull:
		return qual(c.col) + " IS NULL", nil, nil
	case opNotNull:
		return qual(c.col) + " IS NOT NULL", nil, nil
	case opAnd, opOr:
		if len(c.sub) == 0 {
			return "", nil, NewInvalidQueryError("empty boolean group")
		}
		sep := " AND "
		if c.op == opOr {
			sep = " OR "
		}
		parts := make([]string, 0, len(c.sub))
		var args []any
		for _, s := range c.sub {
			frag, a, err := s.compile(qual)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, frag)
			args = append(args, a...)
		}
		return "(" + strings.Join(parts, sep) + ")", args, nil
	case opNot:
		frag, args, err := c.sub[0].compile(qual)
		if err != nil {
			return "", nil, err
		}
		return "NOT (" + frag + ")", args, nil
	default:
		return "", nil, NewInvalidQueryError("unknown predicate")
	}
}

// A Query is the accumulated specification of one SELECT: predicates,
// projection, joins, ordering, limits, grouping, locking and eager-load
// specs. Every chain operation returns a new Query and leaves the
// receiver untouched, so a base query can be shared and extended freely
// across goroutines.
type Query struct {
	client   *Client
	table    *schema.Table
	conds    []Cond
	selects  []string
	distinct bool
	distSet  bool
	joins    []joinClause
	orders   []Order
	groups   []string
	limit    int // -1 when unset
	offset   int // -1 when unset
	lock     sql.LockMode
	includes []EagerSpec
	refs     []string
	err      error // sticky chain error, surfaced at Compile
}

func newQuery(c *Client, t *schema.Table) Query {
	return Query{client: c, table: t, limit: -1, offset: -1}
}

// Table returns the table the query selects from.
func (q Query) Table() *schema.Table { return q.table }

// Err returns the sticky error accumulated by chain operations, if any.
func (q Query) Err() error { return q.err }

func appendCopy[T any](s []T, vs ...T) []T {
	out := make([]T, len(s), len(s)+len(vs))
	copy(out, s)
	return append(out, vs...)
}

// Where adds predicates, AND-ed with the existing ones.
func (q Query) Where(cs ...Cond) Query {
	q.conds = appendCopy(q.conds, cs...)
	return q
}

// WhereRaw adds a raw predicate fragment with `?` placeholders.
func (q Query) WhereRaw(fragment string, args ...any) Query {
	return q.Where(Raw(fragment, args...))
}

// Select replaces the projected columns.
func (q Query) Select(columns ...string) Query {
	q.selects = appendCopy([]string(nil), columns...)
	return q
}

// Distinct sets the DISTINCT flag.
func (q Query) Distinct() Query {
	q.distinct = true
	q.distSet = true
	return q
}

// Join adds an inner join fragment.
func (q Query) Join(table, on string) Query {
	q.joins = appendCopy(q.joins, joinClause{kind: "JOIN", table: table, on: on})
	return q
}

// LeftJoin adds a left outer join fragment.
func (q Query) LeftJoin(table, on string) Query {
	q.joins = appendCopy(q.joins, joinClause{kind: "LEFT OUTER JOIN", table: table, on: on})
	return q
}

// Order adds an ascending sort key.
func (q Query) Order(column string) Query {
	q.orders = appendCopy(q.orders, Order{Column: column})
	return q
}

// OrderDesc adds a descending sort key.
func (q Query) OrderDesc(column string) Query {
	q.orders = appendCopy(q.orders, Order{Column: column, Desc: true})
	return q
}

// ClearOrder drops all sort keys.
func (q Query) ClearOrder() Query {
	q.orders = nil
	return q
}

// Limit caps the number of returned rows.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// Offset skips the first n rows.
func (q Query) Offset(n int) Query {
	q.offset = n
	return q
}

// GroupBy sets the grouping columns. At compilation, a projected
// non-aggregate column missing from the group list is rejected locally
// with an InvalidQueryError (it is not passed through to the database).
func (q Query) GroupBy(columns ...string) Query {
	q.groups = appendCopy([]string(nil), columns...)
	return q
}

// Lock requests a pessimistic row lock on the compiled SELECT, using the
// dialect's default exclusive mode or the single given mode. Lock
// durability is delegated entirely to the database and is only observable
// inside a caller-supplied transaction.
func (q Query) Lock(mode ...sql.LockMode) Query {
	q.lock = sql.LockUpdate
	if len(mode) == 1 {
		q.lock = mode[0]
	}
	return q
}

// Includes adds eager-load specs with the smart strategy.
func (q Query) Includes(assocs ...string) Query {
	for _, a := range assocs {
		q.includes = appendCopy(q.includes, EagerSpec{Assoc: a, Strategy: StrategySmart})
	}
	return q
}

// Preload adds eager-load specs with the separate-queries strategy.
func (q Query) Preload(assocs ...string) Query {
	for _, a := range assocs {
		q.includes = appendCopy(q.includes, EagerSpec{Assoc: a, Strategy: StrategyPreload})
	}
	return q
}

// EagerLoad adds eager-load specs with the single-query join strategy.
func (q Query) EagerLoad(assocs ...string) Query {
	for _, a := range assocs {
		q.includes = appendCopy(q.includes, EagerSpec{Assoc: a, Strategy: StrategyJoin})
	}
	return q
}

// References hints that the query's predicates reference the given
// tables, forcing the smart strategy to the join path for matching
// associations. With DetectExplicit configured, it is the only trigger.
func (q Query) References(tables ...string) Query {
	q.refs = appendCopy(q.refs, tables...)
	return q
}

// Scoped applies named scopes registered on the client for this table,
// in the given order.
func (q Query) Scoped(names ...string) Query {
	if q.client == nil {
		q.err = NewInvalidQueryError("scopes require a client-bound query")
		return q
	}
	for _, name := range names {
		s, ok := q.client.scope(q.table.TypeName, name)
		if !ok {
			q.err = NewInvalidQueryError("unknown scope %q on %s", name, q.table.TypeName)
			return q
		}
		q = s(q)
	}
	return q
}

// Merge returns a query expressing other's intent wherever the two
// conflict: predicates (with their parameters), projected columns,
// group-by and eager-load specs are replaced wholesale when other
// specifies any; order, limit, offset, distinct and lock are taken from
// other when other sets them; joins are concatenated. Merging an empty
// query is a no-op.
func (q Query) Merge(other Query) Query {
	if other.err != nil {
		q.err = other.err
	}
	if len(other.conds) > 0 {
		q.conds = appendCopy([]Cond(nil), other.conds...)
	}
	if len(other.selects) > 0 {
		q.selects = appendCopy([]string(nil), other.selects...)
	}
	if len(other.groups) > 0 {
		q.groups = appendCopy([]string(nil), other.groups...)
	}
	if len(other.includes) > 0 {
		q.includes = appendCopy([]EagerSpec(nil), other.includes...)
	}
	if len(other.refs) > 0 {
		q.refs = appendCopy([]string(nil), other.refs...)
	}
	if len(other.orders) > 0 {
		q.orders = appendCopy([]Order(nil), other.orders...)
	}
	if len(other.joins) > 0 {
		q.joins = appendCopy(q.joins, other.joins...)
	}
	if other.limit >= 0 {
		q.limit = other.limit
	}
	if other.offset >= 0 {
		q.offset = other.offset
	}
	if other.distSet {
		q.distinct = other.distinct
		q.distSet = true
	}
	if other.lock != "" {
		q.lock = other.lock
	}
	return q
}

// qualifier returns the column-qualification function for compilation.
// Column references are table-qualified whenever joins are present, to
// avoid ambiguity; already-qualified references pass through.
func (q Query) qualifier() func(string) string {
	if len(q.joins) == 0 {
		return func(col string) string { return col }
	}
	return q.table.C
}

// isAggregate reports whether a projected expression is an aggregate
// calculation rather than a plain column reference.
func isAggregate(expr string) bool {
	return strings.ContainsRune(expr, '(')
}

// validateGroupBy rejects a projection mixing plain columns not listed in
// the group-by with grouped output.
func (q Query) validateGroupBy() error {
	if len(q.groups) == 0 {
		return nil
	}
	if len(q.selects) == 0 {
		return NewInvalidQueryError("GROUP BY requires an explicit column projection")
	}
	grouped := make(map[string]struct{}, len(q.groups))
	for _, g := range q.groups {
		grouped[g] = struct{}{}
	}
	for _, s := range q.selects {
		if isAggregate(s) {
			continue
		}
		if _, ok := grouped[s]; !ok {
			return NewInvalidQueryError("column %q must appear in the GROUP BY clause or be used in an aggregate function", s)
		}
	}
	return nil
}

// Compile deterministically lowers the query to a single SQL statement
// and its ordered parameter list for the given dialect.
func (q Query) Compile(d string) (string, []any, error) {
	if q.err != nil {
		return "", nil, q.err
	}
	if q.table == nil {
		return "", nil, NewInvalidQueryError("query has no table")
	}
	if err := q.validateGroupBy(); err != nil {
		return "", nil, err
	}
	qual := q.qualifier()
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT ")
	if q.distinct {
		b.WriteString("DISTINCT ")
	}
	switch {
	case len(q.selects) > 0:
		cols := make([]string, len(q.selects))
		for i, s := range q.selects {
			if isAggregate(s) {
				cols[i] = s
			} else {
				cols[i] = qual(s)
			}
		}
		b.WriteString(strings.Join(cols, ", "))
	case len(q.joins) > 0:
		b.WriteString(q.table.Name + ".*")
	default:
		b.WriteString("*")
	}
	b.WriteString(" FROM " + q.table.Name)
	for _, j := range q.joins {
		b.WriteString(" " + j.kind + " " + j.table + " ON " + j.on)
	}
	if len(q.conds) > 0 {
		frag, a, err := And(q.conds...).compile(qual)
		if err != nil {
			return "", nil, err
		}
		// The implicit top-level AND always parenthesizes; strip its
		// outer pair.
		frag = frag[1 : len(frag)-1]
		b.WriteString(" WHERE " + frag)
		args = append(args, a...)
	}
	if len(q.groups) > 0 {
		cols := make([]string, len(q.groups))
		for i, g := range q.groups {
			cols[i] = qual(g)
		}
		b.WriteString(" GROUP BY " + strings.Join(cols, ", "))
	}
	if len(q.orders) > 0 {
		keys := make([]string, len(q.orders))
		for i, o := range q.orders {
			keys[i] = qual(o.Column)
			if o.Desc {
				keys[i] += " DESC"
			}
		}
		b.WriteString(" ORDER BY " + strings.Join(keys, ", "))
	}
	if q.limit >= 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	} else if q.limit != -1 {
		return "", nil, NewInvalidQueryError("negative limit %d", q.limit)
	}
	if q.offset >= 0 {
		b.WriteString(" OFFSET ?")
		args = append(args, q.offset)
	} else if q.offset != -1 {
		return "", nil, NewInvalidQueryError("negative offset %d", q.offset)
	}
	if q.lock != "" {
		clause, err := sql.LockClause(d, q.lock)
		if err != nil {
			return "", nil, NewInvalidQueryError("%v", err)
		}
		b.WriteString(" " + clause)
	}
	if args == nil {
		args = []any{}
	}
	return sql.Rebind(d, b.String()), args, nil
}

// hintsTable reports whether the caller explicitly hinted the table via
// References.
func (q Query) hintsTable(table string) bool {
	for _, r := range q.refs {
		if r == table {
			return true
		}
	}
	return false
}

// referencesTable reports whether the query's predicates, ordering or
// grouping structurally reference a column qualified with the given table
// name. Used by the smart eager-load strategy under structural detection.
func (q Query) referencesTable(table string) bool {
	prefix := table + "."
	var cols []string
	for _, c := range q.conds {
		cols = c.columns(cols)
		if c.op == opRaw && strings.Contains(c.raw, prefix) {
			return true
		}
	}
	for _, o := range q.orders {
		cols = append(cols, o.Column)
	}
	cols = append(cols, q.groups...)
	for _, col := range cols {
		if strings.HasPrefix(col, prefix) {
			return true
		}
	}
	return false
}
