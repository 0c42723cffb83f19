package relmap

import (
	"context"
	"fmt"

	dsql "github.com/syssam/relmap/dialect/sql"
	"github.com/syssam/relmap/schema"
)

// assocFor resolves the named association declared on the record's type.
func (r *Record) assocFor(name string) (schema.Association, error) {
	if r.client == nil {
		return schema.Association{}, NewNotLoadedError(name)
	}
	a, ok := r.client.reg.Assoc(r.Type(), name)
	if !ok {
		return schema.Association{}, NewInvalidQueryError("unknown association %q on %s", name, r.Type())
	}
	return a, nil
}

// One returns the target of a singular association (belongs_to, has_one),
// loading it on first access and caching the result. A resolved-to-none
// association returns nil without error; later accesses do not retry.
func (r *Record) One(ctx context.Context, name string) (*Record, error) {
	if slot := r.assocs[name]; slot.state == assocOne {
		return slot.one, nil
	}
	a, err := r.assocFor(name)
	if err != nil {
		return nil, err
	}
	if a.Plural() {
		return nil, NewInvalidQueryError("association %q on %s is plural; use Many", name, r.Type())
	}
	if r.IsNew() && a.Kind != schema.KindBelongsTo {
		r.setAssocOne(name, nil)
		return nil, nil
	}
	m, err := r.client.fetchAssoc(ctx, r.Type(), []*Record{r}, a)
	if err != nil {
		return nil, err
	}
	var one *Record
	if rs := m[r.ID().MapKey()]; len(rs) > 0 {
		one = rs[0]
	}
	r.setAssocOne(name, one)
	return one, nil
}

// Many returns the targets of a plural association (has_many,
// many_through, many_to_many), loading them on first access and caching
// the collection. The collection is ordered by the target's primary key
// and is never nil.
func (r *Record) Many(ctx context.Context, name string) ([]*Record, error) {
	if slot := r.assocs[name]; slot.state == assocMany {
		return slot.many, nil
	}
	a, err := r.assocFor(name)
	if err != nil {
		return nil, err
	}
	if !a.Plural() {
		return nil, NewInvalidQueryError("association %q on %s is singular; use One", name, r.Type())
	}
	if r.IsNew() {
		r.setAssocMany(name, nil)
		return r.assocs[name].many, nil
	}
	var recs []*Record
	if a.Kind == schema.KindManyToMany {
		// A single owner loads its join rows with one joined query
		// instead of the two-query batch path.
		recs, err = r.manyJoined(ctx, a)
	} else {
		var m map[any][]*Record
		m, err = r.client.fetchAssoc(ctx, r.Type(), []*Record{r}, a)
		if m != nil {
			recs = m[r.ID().MapKey()]
		}
	}
	if err != nil {
		return nil, err
	}
	r.setAssocMany(name, recs)
	return r.assocs[name].many, nil
}

// manyJoined loads a many_to_many collection for one owner with a single
// inner join through the join table.
func (r *Record) manyJoined(ctx context.Context, a schema.Association) ([]*Record, error) {
	target, ok := r.client.reg.Table(a.Target)
	if !ok {
		return nil, NewInvalidQueryError("association %q: target type %q not registered", a.Name, a.Target)
	}
	q := r.client.Query(a.Target).
		Join(a.JoinTable, fmt.Sprintf("%s.%s = %s.%s", a.JoinTable, a.TargetKey, target.Name, target.PrimaryKey)).
		Where(Raw(a.JoinTable+"."+a.ForeignKey+" = ?", r.ID().Interface())).
		Order(target.PrimaryKey)
	return r.client.All(ctx, q)
}

// habtm resolves name to a many_to_many association and checks that both
// sides are persisted.
func (r *Record) habtm(name string, other *Record) (schema.Association, error) {
	a, err := r.assocFor(name)
	if err != nil {
		return a, err
	}
	if a.Kind != schema.KindManyToMany {
		return a, NewInvalidQueryError("association %q on %s is %s; join-table mutations require many_to_many", name, r.Type(), a.Kind)
	}
	if r.IsNew() {
		return a, fmt.Errorf("relmap: cannot link through %q: %s is not persisted", name, r.Type())
	}
	if other != nil {
		if other.IsNew() {
			return a, fmt.Errorf("relmap: cannot link through %q: %s is not persisted", name, other.Type())
		}
		if other.Type() != a.Target {
			return a, NewInvalidQueryError("association %q links %s, not %s", name, a.Target, other.Type())
		}
	}
	return a, nil
}

// Attach links other to this record through the association's join table.
// Attaching an already linked pair is a no-op; a concurrent insert racing
// past the existence check is absorbed via the unique-violation class.
func (r *Record) Attach(ctx context.Context, name string, other *Record) error {
	a, err := r.habtm(name, other)
	if err != nil {
		return err
	}
	c := r.client
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ? AND %s = ?",
		a.JoinTable, a.ForeignKey, a.TargetKey)
	args := []any{r.ID().Interface(), other.ID().Interface()}
	var n dsql.NullInt64
	if err := c.scalar(ctx, dsql.Rebind(c.Dialect(), stmt), args, &n); err != nil {
		return err
	}
	if n.Int64 > 0 {
		// The pair may have been linked after the cached collection was
		// loaded; a later read must see it.
		r.invalidateAssoc(name)
		return nil
	}
	stmt = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)",
		a.JoinTable, a.ForeignKey, a.TargetKey)
	if _, err := c.exec(ctx, stmt, args); err != nil {
		if dsql.IsUniqueViolation(err) {
			r.invalidateAssoc(name)
			return nil
		}
		return err
	}
	r.invalidateAssoc(name)
	return nil
}

// Detach removes the join-table row linking other to this record.
// Detaching a pair that is not linked is a no-op.
func (r *Record) Detach(ctx context.Context, name string, other *Record) error {
	a, err := r.habtm(name, other)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s = ?",
		a.JoinTable, a.ForeignKey, a.TargetKey)
	if _, err := r.client.exec(ctx, stmt, []any{r.ID().Interface(), other.ID().Interface()}); err != nil {
		return err
	}
	r.invalidateAssoc(name)
	return nil
}

// ClearAssoc removes every join-table row of the association for this
// record. The linked records themselves are untouched.
func (r *Record) ClearAssoc(ctx context.Context, name string) error {
	a, err := r.habtm(name, nil)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", a.JoinTable, a.ForeignKey)
	if _, err := r.client.exec(ctx, stmt, []any{r.ID().Interface()}); err != nil {
		return err
	}
	r.invalidateAssoc(name)
	return nil
}

// Reload replaces the record's attributes with the current row, clearing
// dirtiness and every cached association. Useful after a StaleObjectError
// to retry with fresh state.
func (r *Record) Reload(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("relmap: cannot reload a detached record")
	}
	if r.IsNew() {
		return fmt.Errorf("relmap: cannot reload an unsaved %s", r.Type())
	}
	fresh, err := r.client.Find(ctx, r.Type(), r.ID().Interface())
	if err != nil {
		return err
	}
	r.attrs = fresh.attrs
	r.dirty = make(map[string]struct{})
	r.assocs = make(map[string]assocSlot)
	return nil
}
