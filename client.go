package relmap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syssam/relmap/dialect"
	sql "github.com/syssam/relmap/dialect/sql"
	"github.com/syssam/relmap/schema"
)

// ErrTxStarted is returned when attempting to start a new transaction
// within an existing transaction.
var ErrTxStarted = errors.New("relmap: cannot start a transaction within a transaction")

// A Scope is a named, composable predicate-producing function applied to
// a query with Query.Scoped.
type Scope func(Query) Query

// A Client binds a driver, a schema registry and a configuration, and
// executes queries and mutations. Clients are safe for concurrent use;
// all per-call state lives in Query values and Records.
type Client struct {
	drv    dialect.Driver
	conn   dialect.ExecQuerier
	reg    *schema.Registry
	cfg    Config
	hooks  map[string]map[Phase][]Hook
	scopes map[string]map[string]Scope
	cache  Cache
	ttl    time.Duration
	inTx   bool
}

// Option configures a client.
type Option func(*Client)

// WithConfig sets the client configuration.
func WithConfig(cfg Config) Option {
	return func(c *Client) { c.cfg = cfg }
}

// WithCache installs a read-through cache for finder results.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = cache
		c.ttl = ttl
	}
}

// NewClient returns a client using the given driver and registry. The
// registry is validated here; association configuration errors are fatal
// and surface immediately.
func NewClient(drv dialect.Driver, reg *schema.Registry, opts ...Option) (*Client, error) {
	c := &Client{
		drv:    drv,
		conn:   drv,
		reg:    reg,
		cfg:    DefaultConfig(),
		hooks:  make(map[string]map[Phase][]Hook),
		scopes: make(map[string]map[string]Scope),
	}
	for _, opt := range opts {
		opt(c)
	}
	cfg, err := c.cfg.normalize()
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Open connects to the database and returns a client for it.
func Open(dialectName, dsn string, reg *schema.Registry, opts ...Option) (*Client, error) {
	drv, err := sql.Open(dialectName, dsn)
	if err != nil {
		return nil, err
	}
	return NewClient(drv, reg, opts...)
}

// OpenConfig connects using the dialect and DSN of the configuration.
// A positive SlowQueryThreshold wraps the driver with slow-query logging.
func OpenConfig(cfg Config, reg *schema.Registry, opts ...Option) (*Client, error) {
	drv, err := sql.Open(cfg.Dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}
	var d dialect.Driver = drv
	if cfg.SlowQueryThreshold > 0 {
		d = sql.NewStatsDriver(drv,
			sql.WithSlowThreshold(cfg.SlowQueryThreshold),
			sql.WithSlowQueryLog(),
		)
	}
	return NewClient(d, reg, append([]Option{WithConfig(cfg)}, opts...)...)
}

// Dialect returns the dialect name of the underlying driver.
func (c *Client) Dialect() string { return c.drv.Dialect() }

// Driver returns the underlying driver.
func (c *Client) Driver() dialect.Driver { return c.drv }

// Registry returns the schema registry.
func (c *Client) Registry() *schema.Registry { return c.reg }

// Close closes the underlying driver.
func (c *Client) Close() error { return c.drv.Close() }

// Tx is a client whose statements run inside one database transaction.
type Tx struct {
	*Client
	tx dialect.Tx
}

// Tx begins a transaction and returns a transaction-scoped client.
// Pessimistic locks taken by queries are held until Commit or Rollback.
func (c *Client) Tx(ctx context.Context) (*Tx, error) {
	if c.inTx {
		return nil, ErrTxStarted
	}
	tx, err := c.drv.Tx(ctx)
	if err != nil {
		return nil, err
	}
	cc := *c
	cc.conn = tx
	cc.inTx = true
	return &Tx{Client: &cc, tx: tx}, nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback rolls back the transaction.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// AddScope registers a named scope for a record type.
func (c *Client) AddScope(typeName, name string, s Scope) {
	if c.scopes[typeName] == nil {
		c.scopes[typeName] = make(map[string]Scope)
	}
	c.scopes[typeName][name] = s
}

func (c *Client) scope(typeName, name string) (Scope, bool) {
	s, ok := c.scopes[typeName][name]
	return s, ok
}

// Query starts a query over the given record type.
func (c *Client) Query(typeName string) Query {
	t, ok := c.reg.Table(typeName)
	if !ok {
		q := newQuery(c, nil)
		q.err = NewInvalidQueryError("unknown record type %q", typeName)
		return q
	}
	return newQuery(c, t)
}

// NewRecord returns a new, unpersisted record of the given type bound to
// this client.
func (c *Client) NewRecord(typeName string) (*Record, error) {
	t, ok := c.reg.Table(typeName)
	if !ok {
		return nil, NewInvalidQueryError("unknown record type %q", typeName)
	}
	r := NewRecord(t)
	r.client = c
	return r, nil
}

// All executes the query and returns every matching record, resolving
// the query's eager-load specs on each. An empty match is an empty
// slice, not an error.
func (c *Client) All(ctx context.Context, q Query) ([]*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	joined, preloads, err := c.partitionIncludes(q)
	if err != nil {
		return nil, err
	}
	var recs []*Record
	if len(joined) > 0 {
		recs, err = c.allJoined(ctx, q, joined)
	} else {
		recs, err = c.queryRecords(ctx, q)
	}
	if err != nil {
		return nil, err
	}
	if err := c.preloadAll(ctx, recs, preloads); err != nil {
		return nil, err
	}
	for _, r := range recs {
		if err := c.runHooks(ctx, AfterFind, r); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// First returns the first matching record, ordered by primary key unless
// the query orders explicitly. No match is a NotFoundError.
func (c *Client) First(ctx context.Context, q Query) (*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	if len(q.orders) == 0 {
		q = q.Order(q.table.PrimaryKey)
	}
	recs, err := c.All(ctx, q.Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, NewNotFoundError(q.table.TypeName, nil)
	}
	return recs[0], nil
}

// Find returns the record of the given type with the given primary key.
// No match is a NotFoundError carrying the key.
func (c *Client) Find(ctx context.Context, typeName string, id any) (*Record, error) {
	q := c.Query(typeName)
	if q.err != nil {
		return nil, q.err
	}
	recs, err := c.All(ctx, q.Where(Eq(q.table.PrimaryKey, id)).Limit(1))
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, NewNotFoundError(typeName, id)
	}
	return recs[0], nil
}

// Only returns the single matching record. Zero matches is a
// NotFoundError; more than one is a NotSingularError.
func (c *Client) Only(ctx context.Context, q Query) (*Record, error) {
	if q.err != nil {
		return nil, q.err
	}
	recs, err := c.All(ctx, q.Limit(2))
	if err != nil {
		return nil, err
	}
	switch len(recs) {
	case 1:
		return recs[0], nil
	case 0:
		return nil, NewNotFoundError(q.table.TypeName, nil)
	default:
		return nil, NewNotSingularError(q.table.TypeName, 2)
	}
}

// Count returns the number of matching rows. Ordering, limits,
// distinctness and eager-load specs of the query are ignored.
func (c *Client) Count(ctx context.Context, q Query) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	qq := q.ClearOrder().Select("COUNT(*)")
	qq.limit, qq.offset = -1, -1
	qq.includes = nil
	qq.distinct, qq.distSet = false, false
	stmt, args, err := qq.Compile(c.Dialect())
	if err != nil {
		return 0, err
	}
	var n sql.NullInt64
	if err := c.scalar(ctx, stmt, args, &n); err != nil {
		return 0, err
	}
	return n.Int64, nil
}

// Exists reports whether any row matches the query.
func (c *Client) Exists(ctx context.Context, q Query) (bool, error) {
	if q.err != nil {
		return false, q.err
	}
	qq := q.ClearOrder().Select(q.table.PrimaryKey).Limit(1)
	qq.includes = nil
	stmt, args, err := qq.Compile(c.Dialect())
	if err != nil {
		return false, err
	}
	var rows sql.Rows
	if err := c.conn.Query(ctx, stmt, args, &rows); err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// Pluck returns the values of a single column for every matching row.
func (c *Client) Pluck(ctx context.Context, q Query, column string) ([]schema.Value, error) {
	if q.err != nil {
		return nil, q.err
	}
	col, ok := q.table.Column(column)
	if !ok {
		return nil, NewInvalidQueryError("unknown column %q on %s", column, q.table.Name)
	}
	qq := q.Select(column)
	qq.includes = nil
	stmt, args, err := qq.Compile(c.Dialect())
	if err != nil {
		return nil, err
	}
	var rows sql.Rows
	if err := c.conn.Query(ctx, stmt, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []schema.Value{}
	for rows.Next() {
		dest := col.ScanTarget()
		if err := rows.Scan(dest); err != nil {
			return nil, err
		}
		v, err := col.FromScan(dest)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// queryRecords compiles and executes a plain (non-joined) query and
// hydrates its rows.
func (c *Client) queryRecords(ctx context.Context, q Query) ([]*Record, error) {
	stmt, args, err := q.Compile(c.Dialect())
	if err != nil {
		return nil, err
	}
	var rows sql.Rows
	if err := c.conn.Query(ctx, stmt, args, &rows); err != nil {
		return nil, err
	}
	defer rows.Close()
	return c.scanRecords(q.table, &rows)
}

// scanRecords hydrates every row of a result set into records of the
// given table. Result columns not declared on the table are ignored.
func (c *Client) scanRecords(t *schema.Table, rows *sql.Rows) ([]*Record, error) {
	names, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	cols := make([]schema.Column, len(names))
	known := make([]bool, len(names))
	for i, name := range names {
		cols[i], known[i] = t.Column(name)
	}
	recs := []*Record{}
	for rows.Next() {
		targets := make([]any, len(names))
		for i := range names {
			if known[i] {
				targets[i] = cols[i].ScanTarget()
			} else {
				targets[i] = new(any)
			}
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, err
		}
		r := NewRecord(t)
		r.client = c
		r.persisted = true
		for i, name := range names {
			if !known[i] {
				continue
			}
			v, err := cols[i].FromScan(targets[i])
			if err != nil {
				return nil, err
			}
			r.hydrated(name, v)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// scalar executes a query expected to return a single value.
func (c *Client) scalar(ctx context.Context, stmt string, args []any, dest any) error {
	var rows sql.Rows
	if err := c.conn.Query(ctx, stmt, args, &rows); err != nil {
		return err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return fmt.Errorf("relmap: scalar query returned no rows")
	}
	return rows.Scan(dest)
}

// exec runs a mutating statement, rebinding placeholders for the dialect.
func (c *Client) exec(ctx context.Context, stmt string, args []any) (sql.Result, error) {
	var res sql.Result
	if err := c.conn.Exec(ctx, sql.Rebind(c.Dialect(), stmt), args, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// optimistic reports whether version checking applies to the table.
func (c *Client) optimistic(t *schema.Table) bool {
	return t.VersionColumn != "" && !c.cfg.DisableOptimisticLock
}

// Insert writes a new record. The primary key is read back from the
// database when the record does not carry one (RETURNING on Postgres,
// last-insert id elsewhere).
func (c *Client) Insert(ctx context.Context, r *Record) error {
	if r.Persisted() {
		return fmt.Errorf("relmap: cannot insert a persisted %s", r.Type())
	}
	if err := c.runHooks(ctx, BeforeSave, r); err != nil {
		return err
	}
	if err := c.runHooks(ctx, BeforeCreate, r); err != nil {
		return err
	}
	t := r.table
	if t.VersionColumn != "" {
		if _, ok := r.Get(t.VersionColumn); !ok {
			r.hydrated(t.VersionColumn, schema.IntValue(0))
		}
	}
	var (
		names []string
		marks []string
		args  []any
	)
	for _, col := range t.Columns {
		v, ok := r.attrs[col.Name]
		if !ok {
			continue
		}
		names = append(names, col.Name)
		marks = append(marks, "?")
		args = append(args, v.Interface())
	}
	if len(names) == 0 {
		return fmt.Errorf("relmap: cannot insert an empty %s", r.Type())
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(names, ", "), strings.Join(marks, ", "))
	pkCol, _ := t.Column(t.PrimaryKey)
	switch {
	case r.ID().IsNull() && c.Dialect() == dialect.Postgres:
		stmt += " RETURNING " + t.PrimaryKey
		dest := pkCol.ScanTarget()
		if err := c.scalar(ctx, sql.Rebind(c.Dialect(), stmt), args, dest); err != nil {
			return err
		}
		v, err := pkCol.FromScan(dest)
		if err != nil {
			return err
		}
		r.hydrated(t.PrimaryKey, v)
	default:
		res, err := c.exec(ctx, stmt, args)
		if err != nil {
			return err
		}
		if r.ID().IsNull() && pkCol.Type == schema.TypeInt {
			id, err := res.LastInsertId()
			if err == nil {
				r.hydrated(t.PrimaryKey, schema.IntValue(id))
			}
		}
	}
	r.markPersisted()
	c.invalidate(ctx, t.TypeName)
	if err := c.runHooks(ctx, AfterCreate, r); err != nil {
		return err
	}
	return c.runHooks(ctx, AfterSave, r)
}

// Update writes the dirty attributes of a persisted record. For versioned
// tables the write predicate carries the expected version and the version
// is incremented; an affected-row count of zero is a StaleObjectError.
func (c *Client) Update(ctx context.Context, r *Record) error {
	if r.IsNew() {
		return fmt.Errorf("relmap: cannot update an unsaved %s", r.Type())
	}
	if err := c.runHooks(ctx, BeforeSave, r); err != nil {
		return err
	}
	if err := c.runHooks(ctx, BeforeUpdate, r); err != nil {
		return err
	}
	t := r.table
	var (
		sets []string
		args []any
	)
	for _, col := range t.Columns {
		if col.Name == t.PrimaryKey || col.Name == t.VersionColumn {
			continue
		}
		if _, dirty := r.dirty[col.Name]; !dirty {
			continue
		}
		sets = append(sets, col.Name+" = ?")
		args = append(args, r.attrs[col.Name].Interface())
	}
	if len(sets) > 0 {
		var expected int64
		locked := c.optimistic(t)
		if locked {
			if v, ok := r.Get(t.VersionColumn); ok {
				expected, _ = v.Int64()
			}
			sets = append(sets, t.VersionColumn+" = ?")
			args = append(args, expected+1)
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?",
			t.Name, strings.Join(sets, ", "), t.PrimaryKey)
		args = append(args, r.ID().Interface())
		if locked {
			stmt += " AND " + t.VersionColumn + " = ?"
			args = append(args, expected)
		}
		res, err := c.exec(ctx, stmt, args)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 && locked {
			return NewStaleObjectError(r.Type(), r.ID().Interface(), expected)
		}
		if locked {
			r.hydrated(t.VersionColumn, schema.IntValue(expected+1))
		}
		r.markPersisted()
		c.invalidate(ctx, t.TypeName)
	}
	if err := c.runHooks(ctx, AfterUpdate, r); err != nil {
		return err
	}
	return c.runHooks(ctx, AfterSave, r)
}

// Save inserts a new record or updates a persisted one.
func (c *Client) Save(ctx context.Context, r *Record) error {
	if r.IsNew() {
		return c.Insert(ctx, r)
	}
	return c.Update(ctx, r)
}

// Delete removes a persisted record's row. Versioned tables carry the
// version in the delete predicate; a zero affected-row count is a
// StaleObjectError.
func (c *Client) Delete(ctx context.Context, r *Record) error {
	if r.IsNew() {
		return fmt.Errorf("relmap: cannot delete an unsaved %s", r.Type())
	}
	if err := c.runHooks(ctx, BeforeDelete, r); err != nil {
		return err
	}
	t := r.table
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.Name, t.PrimaryKey)
	args := []any{r.ID().Interface()}
	var expected int64
	locked := c.optimistic(t)
	if locked {
		if v, ok := r.Get(t.VersionColumn); ok {
			expected, _ = v.Int64()
		}
		stmt += " AND " + t.VersionColumn + " = ?"
		args = append(args, expected)
	}
	res, err := c.exec(ctx, stmt, args)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 && locked {
		return NewStaleObjectError(r.Type(), r.ID().Interface(), expected)
	}
	r.persisted = false
	c.invalidate(ctx, t.TypeName)
	return c.runHooks(ctx, AfterDelete, r)
}

