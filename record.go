package relmap

import (
	"sort"

	"github.com/syssam/relmap/schema"
)

// assocState is the tri-state of one association cache slot.
type assocState uint8

const (
	assocUnloaded assocState = iota
	assocOne                 // resolved to a single record (possibly nil)
	assocMany                // resolved to an ordered collection (possibly empty)
)

type assocSlot struct {
	state assocState
	one   *Record
	many  []*Record
}

// A Record is a mutable attribute bag bound to a table schema. It tracks
// whether it has been persisted, which attributes changed since the last
// write, and a per-association cache populated lazily or by eager loading.
//
// Two records hydrated from two separate queries for the same primary key
// are independent objects with independent caches; the optimistic-lock
// stale check is the only cross-copy consistency guard.
type Record struct {
	table     *schema.Table
	client    *Client
	attrs     map[string]schema.Value
	dirty     map[string]struct{}
	persisted bool
	assocs    map[string]assocSlot
}

// NewRecord returns a new, unpersisted record for the given table.
// Records created this way have no bound client; lazy association access
// requires hydration through a client.
func NewRecord(t *schema.Table) *Record {
	return &Record{
		table:  t,
		attrs:  make(map[string]schema.Value, len(t.Columns)),
		dirty:  make(map[string]struct{}),
		assocs: make(map[string]assocSlot),
	}
}

// Table returns the record's table schema.
func (r *Record) Table() *schema.Table { return r.table }

// Type returns the record's type name.
func (r *Record) Type() string { return r.table.TypeName }

// Persisted reports whether the record has an assigned identity and a
// backing row.
func (r *Record) Persisted() bool { return r.persisted }

// IsNew reports whether the record has not been written yet.
func (r *Record) IsNew() bool { return !r.persisted }

// ID returns the primary-key value. It is the null value until the record
// is first saved or when hydrated without its key column.
func (r *Record) ID() schema.Value {
	v, ok := r.attrs[r.table.PrimaryKey]
	if !ok {
		return schema.Null()
	}
	return v
}

// Get returns the attribute value of the given column.
func (r *Record) Get(column string) (schema.Value, bool) {
	v, ok := r.attrs[column]
	return v, ok
}

// Set assigns an attribute. The value is coerced to the column's declared
// kind; a kind mismatch or an unknown column is an error. Assigning a
// value equal to the current one does not mark the attribute dirty.
func (r *Record) Set(column string, value any) error {
	col, ok := r.table.Column(column)
	if !ok {
		return NewInvalidQueryError("unknown column %q on %s", column, r.table.Name)
	}
	v, err := col.Value(value)
	if err != nil {
		return err
	}
	if cur, ok := r.attrs[column]; ok && cur.Equal(v) {
		return nil
	}
	r.attrs[column] = v
	r.dirty[column] = struct{}{}
	return nil
}

// Dirty returns the names of attributes changed since the last successful
// write, sorted for determinism.
func (r *Record) Dirty() []string {
	out := make([]string, 0, len(r.dirty))
	for c := range r.dirty {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// IsDirty reports whether any attribute changed since the last write.
func (r *Record) IsDirty() bool { return len(r.dirty) > 0 }

// hydrated sets an attribute without touching the dirty set. Used when
// loading rows and after successful writes.
func (r *Record) hydrated(column string, v schema.Value) {
	r.attrs[column] = v
}

// markPersisted flips the record to persisted state and clears dirtiness.
func (r *Record) markPersisted() {
	r.persisted = true
	r.dirty = make(map[string]struct{})
}

// Loaded reports whether the named association has been resolved on this
// record. A resolved-to-none association reports true.
func (r *Record) Loaded(name string) bool {
	return r.assocs[name].state != assocUnloaded
}

// setAssocOne caches a resolved singular association (target may be nil).
func (r *Record) setAssocOne(name string, rec *Record) {
	r.assocs[name] = assocSlot{state: assocOne, one: rec}
}

// setAssocMany caches a resolved plural association (never nil; empty
// means resolved to none).
func (r *Record) setAssocMany(name string, recs []*Record) {
	if recs == nil {
		recs = []*Record{}
	}
	r.assocs[name] = assocSlot{state: assocMany, many: recs}
}

// invalidateAssoc drops the cache slot of the named association, forcing
// the next access to reload. Join-table mutations use this on the owner.
func (r *Record) invalidateAssoc(name string) {
	delete(r.assocs, name)
}
