package relmap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	dsql "github.com/syssam/relmap/dialect/sql"
	"github.com/syssam/relmap/schema"
)

// partitionIncludes resolves the query's eager-load specs against the
// registry and decides the effective strategy of each. Duplicate specs
// for the same association collapse to the last one. The smart strategy
// falls back to the join path when the query demonstrably spans the
// associated table; otherwise it preloads.
func (c *Client) partitionIncludes(q Query) (joined, preloads []schema.Association, err error) {
	if len(q.includes) == 0 {
		return nil, nil, nil
	}
	strategies := make(map[string]Strategy, len(q.includes))
	var names []string
	for _, spec := range q.includes {
		if _, ok := strategies[spec.Assoc]; !ok {
			names = append(names, spec.Assoc)
		}
		strategies[spec.Assoc] = spec.Strategy
	}
	for _, name := range names {
		a, ok := c.reg.Assoc(q.table.TypeName, name)
		if !ok {
			return nil, nil, NewInvalidQueryError("unknown association %q on %s", name, q.table.TypeName)
		}
		strat := strategies[name]
		if strat == StrategySmart {
			if c.joinRequired(q, a) {
				strat = StrategyJoin
			} else {
				strat = StrategyPreload
			}
		}
		if strat == StrategyJoin {
			joined = append(joined, a)
		} else {
			preloads = append(preloads, a)
		}
	}
	return joined, preloads, nil
}

// joinRequired reports whether the smart strategy must use the join path
// for the given association: always on a References hint, and under
// structural detection also when predicates, ordering or grouping carry
// columns qualified with the associated table's name.
func (c *Client) joinRequired(q Query, a schema.Association) bool {
	target, ok := c.reg.Table(a.Target)
	if !ok {
		return false
	}
	if q.hintsTable(target.Name) {
		return true
	}
	return c.cfg.JoinDetection == DetectStructural && q.referencesTable(target.Name)
}

// preloadAll resolves the given associations for a batch of records, one
// extra query set per association. Fetches run concurrently; the record
// caches are written only after every fetch finished, so record state is
// never touched from more than one goroutine.
func (c *Client) preloadAll(ctx context.Context, recs []*Record, assocs []schema.Association) error {
	if len(recs) == 0 || len(assocs) == 0 {
		return nil
	}
	ownerType := recs[0].Type()
	results := make([]map[any][]*Record, len(assocs))
	g, gctx := errgroup.WithContext(ctx)
	for i, a := range assocs {
		g.Go(func() error {
			m, err := c.fetchAssoc(gctx, ownerType, recs, a)
			if err != nil {
				return err
			}
			results[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, a := range assocs {
		applyAssoc(recs, a, results[i])
	}
	return nil
}

// applyAssoc writes fetched association rows into the owners' caches,
// marking owners without rows as resolved to none.
func applyAssoc(owners []*Record, a schema.Association, byOwner map[any][]*Record) {
	for _, o := range owners {
		rs := byOwner[o.ID().MapKey()]
		if a.Plural() {
			o.setAssocMany(a.Name, rs)
			continue
		}
		if len(rs) > 0 {
			o.setAssocOne(a.Name, rs[0])
		} else {
			o.setAssocOne(a.Name, nil)
		}
	}
}

// fetchAssoc loads the association rows of a batch of owners and returns
// them keyed by the owner's primary key.
func (c *Client) fetchAssoc(ctx context.Context, ownerType string, owners []*Record, a schema.Association) (map[any][]*Record, error) {
	if len(owners) == 0 {
		return map[any][]*Record{}, nil
	}
	switch a.Kind {
	case schema.KindBelongsTo:
		return c.fetchBelongsTo(ctx, owners, a)
	case schema.KindHasOne, schema.KindHasMany:
		return c.fetchHasMany(ctx, owners, a)
	case schema.KindManyToMany:
		return c.fetchManyToMany(ctx, owners, a)
	case schema.KindManyThrough:
		return c.fetchThrough(ctx, ownerType, owners, a)
	default:
		return nil, NewInvalidQueryError("association %q has unknown kind", a.Name)
	}
}

// fetchBelongsTo loads the referenced rows with one IN query on the
// target's primary key. Owners with a null foreign key resolve to none.
func (c *Client) fetchBelongsTo(ctx context.Context, owners []*Record, a schema.Association) (map[any][]*Record, error) {
	target, _ := c.reg.Table(a.Target)
	var (
		ids  []any
		seen = map[any]struct{}{}
	)
	for _, o := range owners {
		fk, ok := o.Get(a.ForeignKey)
		if !ok || fk.IsNull() {
			continue
		}
		k := fk.MapKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		ids = append(ids, fk.Interface())
	}
	byOwner := make(map[any][]*Record, len(owners))
	if len(ids) == 0 {
		return byOwner, nil
	}
	recs, err := c.All(ctx, c.Query(a.Target).Where(In(target.PrimaryKey, ids...)))
	if err != nil {
		return nil, err
	}
	byID := make(map[any]*Record, len(recs))
	for _, r := range recs {
		byID[r.ID().MapKey()] = r
	}
	for _, o := range owners {
		fk, ok := o.Get(a.ForeignKey)
		if !ok || fk.IsNull() {
			continue
		}
		if t, ok := byID[fk.MapKey()]; ok {
			byOwner[o.ID().MapKey()] = []*Record{t}
		}
	}
	return byOwner, nil
}

// fetchHasMany loads has_one and has_many rows with one IN query on the
// target's foreign key, ordered by the target's primary key.
func (c *Client) fetchHasMany(ctx context.Context, owners []*Record, a schema.Association) (map[any][]*Record, error) {
	target, _ := c.reg.Table(a.Target)
	ids := ownerKeys(owners)
	recs, err := c.All(ctx, c.Query(a.Target).
		Where(In(a.ForeignKey, ids...)).
		Order(target.PrimaryKey))
	if err != nil {
		return nil, err
	}
	byOwner := make(map[any][]*Record, len(owners))
	for _, r := range recs {
		fk, ok := r.Get(a.ForeignKey)
		if !ok || fk.IsNull() {
			continue
		}
		byOwner[fk.MapKey()] = append(byOwner[fk.MapKey()], r)
	}
	return byOwner, nil
}

// fetchManyToMany loads join-table rows first, then the distinct targets,
// two queries total. Targets are ordered by primary key.
func (c *Client) fetchManyToMany(ctx context.Context, owners []*Record, a schema.Association) (map[any][]*Record, error) {
	owner := owners[0].Table()
	target, _ := c.reg.Table(a.Target)
	pairs, err := c.joinPairs(ctx, owner, target, a, ownerKeys(owners))
	if err != nil {
		return nil, err
	}
	byOwner := make(map[any][]*Record, len(owners))
	if len(pairs) == 0 {
		return byOwner, nil
	}
	var (
		ids  []any
		seen = map[any]struct{}{}
	)
	wanted := make(map[any]map[any]struct{})
	for _, p := range pairs {
		tk := p.target.MapKey()
		if _, dup := seen[tk]; !dup {
			seen[tk] = struct{}{}
			ids = append(ids, p.target.Interface())
		}
		ownerKey := p.owner.MapKey()
		if wanted[ownerKey] == nil {
			wanted[ownerKey] = make(map[any]struct{})
		}
		wanted[ownerKey][tk] = struct{}{}
	}
	recs, err := c.All(ctx, c.Query(a.Target).
		Where(In(target.PrimaryKey, ids...)).
		Order(target.PrimaryKey))
	if err != nil {
		return nil, err
	}
	for ownerKey, targetKeys := range wanted {
		for _, r := range recs {
			if _, ok := targetKeys[r.ID().MapKey()]; ok {
				byOwner[ownerKey] = append(byOwner[ownerKey], r)
			}
		}
	}
	return byOwner, nil
}

// joinPair is one (owner key, target key) row of a join table.
type joinPair struct {
	owner  schema.Value
	target schema.Value
}

// joinPairs reads the join-table rows linking the given owners. The key
// columns are scanned with the key kinds of the two linked tables.
func (c *Client) joinPairs(ctx context.Context, owner, target *schema.Table, a schema.Association, ownerIDs []any) ([]joinPair, error) {
	if len(ownerIDs) == 0 {
		return nil, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(ownerIDs)), ", ")
	stmt := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s) ORDER BY %s, %s",
		a.ForeignKey, a.TargetKey, a.JoinTable, a.ForeignKey, marks, a.ForeignKey, a.TargetKey)
	var rows dsql.Rows
	if err := c.conn.Query(ctx, dsql.Rebind(c.Dialect(), stmt), ownerIDs, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	ownerPK, _ := owner.Column(owner.PrimaryKey)
	targetPK, _ := target.Column(target.PrimaryKey)
	var pairs []joinPair
	for rows.Next() {
		od, td := ownerPK.ScanTarget(), targetPK.ScanTarget()
		if err := rows.Scan(od, td); err != nil {
			return nil, err
		}
		ov, err := ownerPK.FromScan(od)
		if err != nil {
			return nil, err
		}
		tv, err := targetPK.FromScan(td)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, joinPair{owner: ov, target: tv})
	}
	return pairs, rows.Err()
}

// fetchThrough walks the resolved hop chain of a many_through
// association, fetching one layer at a time and keeping, per owner, the
// union of reachable rows deduplicated by primary key in first-seen order.
func (c *Client) fetchThrough(ctx context.Context, ownerType string, owners []*Record, a schema.Association) (map[any][]*Record, error) {
	path, err := c.reg.ThroughPath(ownerType, a.Name)
	if err != nil {
		return nil, err
	}
	ownerOrder := make([]any, 0, len(owners))
	reach := make(map[any][]*Record, len(owners))
	for _, o := range owners {
		key := o.ID().MapKey()
		if _, dup := reach[key]; dup {
			continue
		}
		ownerOrder = append(ownerOrder, key)
		reach[key] = []*Record{o}
	}
	frontier := owners
	for _, hop := range path {
		if len(frontier) == 0 {
			break
		}
		m, err := c.fetchAssoc(ctx, hop.Type, frontier, hop.Assoc)
		if err != nil {
			return nil, err
		}
		next := make(map[any][]*Record, len(reach))
		var nextFrontier []*Record
		fseen := map[any]struct{}{}
		// Walk in owner order so every hop's IN list is deterministic.
		for _, key := range ownerOrder {
			seen := map[any]struct{}{}
			out := []*Record{}
			for _, r := range reach[key] {
				for _, t := range m[r.ID().MapKey()] {
					tk := t.ID().MapKey()
					if _, dup := seen[tk]; dup {
						continue
					}
					seen[tk] = struct{}{}
					out = append(out, t)
					if _, dup := fseen[tk]; !dup {
						fseen[tk] = struct{}{}
						nextFrontier = append(nextFrontier, t)
					}
				}
			}
			next[key] = out
		}
		reach = next
		frontier = nextFrontier
	}
	return reach, nil
}

// ownerKeys returns the distinct primary-key values of a batch of records
// as query parameters.
func ownerKeys(recs []*Record) []any {
	seen := make(map[any]struct{}, len(recs))
	out := make([]any, 0, len(recs))
	for _, r := range recs {
		k := r.ID().MapKey()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, r.ID().Interface())
	}
	return out
}

// joinSegment is one eagerly joined association of a single-query load:
// the join clauses reaching its target and the alias its target columns
// are selected under.
type joinSegment struct {
	assoc  schema.Association
	target *schema.Table
	alias  string
	joins  []joinClause
}

// segmentAlias picks the name a joined target is visible under. The
// target's own table name is preferred so predicates written against it
// keep matching after the fallback to the join strategy; the association
// name disambiguates self-joins and repeated targets.
func (c *Client) segmentAlias(base *schema.Table, a schema.Association, taken map[string]struct{}) string {
	if target, ok := c.reg.Table(a.Target); ok && target.Name != base.Name {
		if _, used := taken[target.Name]; !used {
			return target.Name
		}
	}
	return a.Name
}

// joinTableExpr aliases a table only when the visible name differs.
func joinTableExpr(table, alias string) string {
	if alias == table {
		return table
	}
	return table + " AS " + alias
}

// buildSegment lowers one association into aliased LEFT OUTER JOIN
// clauses. Through-paths join every hop; only the terminal target's
// columns are selected.
func (c *Client) buildSegment(ownerType string, base *schema.Table, a schema.Association, taken map[string]struct{}) (joinSegment, error) {
	seg := joinSegment{assoc: a, alias: c.segmentAlias(base, a, taken)}
	hopJoins := func(parentAlias, alias string, hopOwner *schema.Table, hop schema.Association, jtAlias string) ([]joinClause, *schema.Table, error) {
		target, ok := c.reg.Table(hop.Target)
		if !ok {
			return nil, nil, NewInvalidQueryError("association %q: target type %q not registered", hop.Name, hop.Target)
		}
		switch hop.Kind {
		case schema.KindBelongsTo:
			return []joinClause{{
				kind:  "LEFT OUTER JOIN",
				table: joinTableExpr(target.Name, alias),
				on:    fmt.Sprintf("%s.%s = %s.%s", alias, target.PrimaryKey, parentAlias, hop.ForeignKey),
			}}, target, nil
		case schema.KindHasOne, schema.KindHasMany:
			return []joinClause{{
				kind:  "LEFT OUTER JOIN",
				table: joinTableExpr(target.Name, alias),
				on:    fmt.Sprintf("%s.%s = %s.%s", alias, hop.ForeignKey, parentAlias, hopOwner.PrimaryKey),
			}}, target, nil
		case schema.KindManyToMany:
			return []joinClause{
				{
					kind:  "LEFT OUTER JOIN",
					table: hop.JoinTable + " AS " + jtAlias,
					on:    fmt.Sprintf("%s.%s = %s.%s", jtAlias, hop.ForeignKey, parentAlias, hopOwner.PrimaryKey),
				},
				{
					kind:  "LEFT OUTER JOIN",
					table: joinTableExpr(target.Name, alias),
					on:    fmt.Sprintf("%s.%s = %s.%s", alias, target.PrimaryKey, jtAlias, hop.TargetKey),
				},
			}, target, nil
		default:
			return nil, nil, NewInvalidQueryError("association %q: cannot join %s", hop.Name, hop.Kind)
		}
	}
	if a.Kind != schema.KindManyThrough {
		joins, target, err := hopJoins(base.Name, seg.alias, base, a, seg.alias+"_jt")
		if err != nil {
			return seg, err
		}
		seg.joins, seg.target = joins, target
		return seg, nil
	}
	path, err := c.reg.ThroughPath(ownerType, a.Name)
	if err != nil {
		return seg, err
	}
	parentAlias := base.Name
	for i, hop := range path {
		alias := seg.alias
		if i < len(path)-1 {
			alias = fmt.Sprintf("%s_%d", a.Name, i)
		}
		hopOwner, ok := c.reg.Table(hop.Type)
		if !ok {
			return seg, NewInvalidQueryError("association %q: type %q not registered", a.Name, hop.Type)
		}
		joins, target, err := hopJoins(parentAlias, alias, hopOwner, hop.Assoc, alias+"_jt")
		if err != nil {
			return seg, err
		}
		seg.joins = append(seg.joins, joins...)
		parentAlias = alias
		seg.target = target
	}
	return seg, nil
}

// allJoined executes the query as a single statement with one LEFT OUTER
// JOIN chain per joined association, selecting the base and target
// columns positionally. Base rows are deduplicated by primary key in
// first-seen order; a base row with no associated rows resolves the
// association to none.
func (c *Client) allJoined(ctx context.Context, q Query, assocs []schema.Association) ([]*Record, error) {
	base := q.table
	segs := make([]joinSegment, 0, len(assocs))
	cols := make([]string, 0, len(base.Columns)*2)
	for _, col := range base.Columns {
		cols = append(cols, base.Name+"."+col.Name)
	}
	qq := q
	taken := map[string]struct{}{base.Name: {}}
	for _, a := range assocs {
		seg, err := c.buildSegment(base.TypeName, base, a, taken)
		if err != nil {
			return nil, err
		}
		taken[seg.alias] = struct{}{}
		for _, col := range seg.target.Columns {
			cols = append(cols, seg.alias+"."+col.Name)
		}
		for _, j := range seg.joins {
			qq.joins = appendCopy(qq.joins, j)
		}
		segs = append(segs, seg)
	}
	qq = qq.Select(cols...)
	stmt, args, err := qq.Compile(c.Dialect())
	if err != nil {
		return nil, err
	}
	var rows dsql.Rows
	if err := c.conn.Query(ctx, stmt, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		order  []*Record
		byID   = map[any]*Record{}
		seen   = map[any]map[string]map[any]struct{}{}
		linked = map[any]map[string][]*Record{}
	)
	for rows.Next() {
		targets := make([]any, 0, len(cols))
		for _, col := range base.Columns {
			targets = append(targets, col.ScanTarget())
		}
		for _, seg := range segs {
			for _, col := range seg.target.Columns {
				targets = append(targets, col.ScanTarget())
			}
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		baseRec, err := hydrateSegment(c, base, targets[:len(base.Columns)])
		if err != nil {
			return nil, err
		}
		key := baseRec.ID().MapKey()
		rec, dup := byID[key]
		if !dup {
			rec = baseRec
			byID[key] = rec
			order = append(order, rec)
			seen[key] = map[string]map[any]struct{}{}
			linked[key] = map[string][]*Record{}
		}
		off := len(base.Columns)
		for _, seg := range segs {
			segTargets := targets[off : off+len(seg.target.Columns)]
			off += len(seg.target.Columns)
			pkIdx := indexOf(seg.target.ColumnNames(), seg.target.PrimaryKey)
			if scannedNull(segTargets[pkIdx]) {
				continue
			}
			segRec, err := hydrateSegment(c, seg.target, segTargets)
			if err != nil {
				return nil, err
			}
			tk := segRec.ID().MapKey()
			if seen[key][seg.assoc.Name] == nil {
				seen[key][seg.assoc.Name] = map[any]struct{}{}
			}
			if _, dup := seen[key][seg.assoc.Name][tk]; dup {
				continue
			}
			seen[key][seg.assoc.Name][tk] = struct{}{}
			if err := c.runHooks(ctx, AfterFind, segRec); err != nil {
				return nil, err
			}
			linked[key][seg.assoc.Name] = append(linked[key][seg.assoc.Name], segRec)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, rec := range order {
		for _, seg := range segs {
			rs := linked[rec.ID().MapKey()][seg.assoc.Name]
			if seg.assoc.Plural() {
				rec.setAssocMany(seg.assoc.Name, rs)
			} else if len(rs) > 0 {
				rec.setAssocOne(seg.assoc.Name, rs[0])
			} else {
				rec.setAssocOne(seg.assoc.Name, nil)
			}
		}
	}
	return append([]*Record{}, order...), nil
}

// hydrateSegment builds a persisted record from one scanned column
// segment.
func hydrateSegment(c *Client, t *schema.Table, targets []any) (*Record, error) {
	r := NewRecord(t)
	r.client = c
	r.persisted = true
	for i, col := range t.Columns {
		v, err := col.FromScan(targets[i])
		if err != nil {
			return nil, err
		}
		r.hydrated(col.Name, v)
	}
	return r, nil
}

// scannedNull reports whether a scan destination holds SQL NULL.
func scannedNull(dest any) bool {
	switch x := dest.(type) {
	case *sql.NullBool:
		return !x.Valid
	case *sql.NullInt64:
		return !x.Valid
	case *sql.NullFloat64:
		return !x.Valid
	case *sql.NullTime:
		return !x.Valid
	case *sql.NullString:
		return !x.Valid
	default:
		return false
	}
}

func indexOf(names []string, name string) int {
	for i, n := range names {
		if n == name {
			return i
		}
	}
	return -1
}
