package schema

import (
	"errors"
	"fmt"
)

// AssocKind describes the shape of an association.
type AssocKind uint8

// Association kinds.
const (
	KindBelongsTo AssocKind = iota + 1
	KindHasOne
	KindHasMany
	KindManyThrough
	KindManyToMany
)

var assocKindNames = map[AssocKind]string{
	KindBelongsTo:   "belongs_to",
	KindHasOne:      "has_one",
	KindHasMany:     "has_many",
	KindManyThrough: "many_through",
	KindManyToMany:  "many_to_many",
}

// String returns the string representation of an association kind.
func (k AssocKind) String() string {
	if s, ok := assocKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// An Association is an immutable descriptor of one named relationship
// declared on a record type. Key columns and join-table names left empty
// are derived by convention when the owning registry is validated.
type Association struct {
	// Name of the association, e.g. "books".
	Name string
	// Kind of the association.
	Kind AssocKind
	// Target record type name, e.g. "Book".
	Target string
	// ForeignKey is the key column: on the owner's table for belongs_to,
	// on the target's table for has_one/has_many, and the owner-side
	// column of the join table for many_to_many.
	ForeignKey string
	// TargetKey is the target-side column of the join table
	// (many_to_many only).
	TargetKey string
	// Through names the association on the owner leading to the
	// intermediate type (many_through only).
	Through string
	// Source names the association on the intermediate type leading to
	// the final target (many_through only). Derived from Target when
	// empty and unambiguous.
	Source string
	// JoinTable is the join-table name (many_to_many only). Derived from
	// the two table names when empty.
	JoinTable string
}

// BelongsTo declares an owning-side reference: the foreign key lives on
// this record's table.
func BelongsTo(name, target string) Association {
	return Association{Name: name, Kind: KindBelongsTo, Target: target}
}

// HasOne declares a singular inverse reference: the foreign key lives on
// the target's table.
func HasOne(name, target string) Association {
	return Association{Name: name, Kind: KindHasOne, Target: target}
}

// HasMany declares a plural inverse reference: the foreign key lives on
// the target's table.
func HasMany(name, target string) Association {
	return Association{Name: name, Kind: KindHasMany, Target: target}
}

// ManyThrough declares a plural relationship reachable via the named
// intermediate association. through is an association declared on the
// owner; source is the association on the intermediate type leading to
// target (derived when empty).
func ManyThrough(name, target, through string) Association {
	return Association{Name: name, Kind: KindManyThrough, Target: target, Through: through}
}

// ManyToMany declares a pure join-table relationship with no user-visible
// intermediate record type.
func ManyToMany(name, target string) Association {
	return Association{Name: name, Kind: KindManyToMany, Target: target}
}

// Key overrides the derived foreign-key column.
func (a Association) Key(column string) Association {
	a.ForeignKey = column
	return a
}

// Via overrides the derived source association of a many_through.
func (a Association) Via(source string) Association {
	a.Source = source
	return a
}

// JoinedBy overrides the derived join-table name of a many_to_many.
func (a Association) JoinedBy(table string) Association {
	a.JoinTable = table
	return a
}

// Plural reports whether the association resolves to a collection.
func (a Association) Plural() bool {
	switch a.Kind {
	case KindHasMany, KindManyThrough, KindManyToMany:
		return true
	default:
		return false
	}
}

// An AssociationError reports an invalid association declaration:
// an unresolvable target, a broken or cyclic through-path, or missing key
// columns. It is fatal and surfaces at registry validation time.
type AssociationError struct {
	Type   string // owning record type
	Assoc  string // association name
	Reason string
}

// Error returns the error string.
func (e *AssociationError) Error() string {
	return fmt.Sprintf("schema: association %s.%s: %s", e.Type, e.Assoc, e.Reason)
}

// IsAssociationError reports whether err is an AssociationError.
func IsAssociationError(err error) bool {
	if err == nil {
		return false
	}
	var e *AssociationError
	return errors.As(err, &e)
}

func assocErrorf(typeName, assoc, format string, args ...any) *AssociationError {
	return &AssociationError{Type: typeName, Assoc: assoc, Reason: fmt.Sprintf(format, args...)}
}

// A Registry holds the tables and associations of an application and
// resolves conventional names at validation time.
type Registry struct {
	tables map[string]*Table
	assocs map[string]map[string]Association
	order  map[string][]string // association declaration order per type
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tables: make(map[string]*Table),
		assocs: make(map[string]map[string]Association),
		order:  make(map[string][]string),
	}
}

// Register adds a table and its association declarations.
func (r *Registry) Register(t *Table, assocs ...Association) error {
	if err := t.validate(); err != nil {
		return err
	}
	if _, dup := r.tables[t.TypeName]; dup {
		return fmt.Errorf("schema: type %q already registered", t.TypeName)
	}
	r.tables[t.TypeName] = t
	m := make(map[string]Association, len(assocs))
	for _, a := range assocs {
		if a.Name == "" {
			return assocErrorf(t.TypeName, a.Name, "association has no name")
		}
		if _, dup := m[a.Name]; dup {
			return assocErrorf(t.TypeName, a.Name, "duplicate association name")
		}
		m[a.Name] = a
		r.order[t.TypeName] = append(r.order[t.TypeName], a.Name)
	}
	r.assocs[t.TypeName] = m
	return nil
}

// Table returns the table registered for the given record type name.
func (r *Registry) Table(typeName string) (*Table, bool) {
	t, ok := r.tables[typeName]
	return t, ok
}

// Assoc returns the named association of the given record type.
func (r *Registry) Assoc(typeName, name string) (Association, bool) {
	a, ok := r.assocs[typeName][name]
	return a, ok
}

// Assocs returns the associations of the given record type in
// declaration order.
func (r *Registry) Assocs(typeName string) []Association {
	names := r.order[typeName]
	out := make([]Association, 0, len(names))
	for _, n := range names {
		out = append(out, r.assocs[typeName][n])
	}
	return out
}

// Validate resolves conventional key columns and join-table names, checks
// every association target, and rejects broken or cyclic through-paths.
// It must be called once after all types are registered; clients call it
// on construction.
func (r *Registry) Validate() error {
	for typeName, m := range r.assocs {
		owner := r.tables[typeName]
		for name, a := range m {
			resolved, err := r.resolve(owner, a)
			if err != nil {
				return err
			}
			m[name] = resolved
		}
	}
	// Through-paths can only be checked once every association is
	// resolved; cycles are rejected here.
	for typeName, m := range r.assocs {
		for _, a := range m {
			if a.Kind != KindManyThrough {
				continue
			}
			if _, err := r.ThroughPath(typeName, a.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolve fills derived names and checks key columns for one association.
func (r *Registry) resolve(owner *Table, a Association) (Association, error) {
	target, ok := r.tables[a.Target]
	if !ok {
		return a, assocErrorf(owner.TypeName, a.Name, "target type %q not registered", a.Target)
	}
	switch a.Kind {
	case KindBelongsTo:
		if a.ForeignKey == "" {
			a.ForeignKey = ForeignKeyColumn(a.Target)
		}
		if !owner.HasColumn(a.ForeignKey) {
			return a, assocErrorf(owner.TypeName, a.Name, "foreign key column %q not declared on %s", a.ForeignKey, owner.Name)
		}
	case KindHasOne, KindHasMany:
		if a.ForeignKey == "" {
			a.ForeignKey = ForeignKeyColumn(owner.TypeName)
		}
		if !target.HasColumn(a.ForeignKey) {
			return a, assocErrorf(owner.TypeName, a.Name, "foreign key column %q not declared on %s", a.ForeignKey, target.Name)
		}
	case KindManyToMany:
		if a.ForeignKey == "" {
			a.ForeignKey = ForeignKeyColumn(owner.TypeName)
		}
		if a.TargetKey == "" {
			a.TargetKey = ForeignKeyColumn(a.Target)
		}
		if a.JoinTable == "" {
			a.JoinTable = JoinTableName(owner.Name, target.Name)
		}
	case KindManyThrough:
		through, ok := r.assocs[owner.TypeName][a.Through]
		if !ok {
			return a, assocErrorf(owner.TypeName, a.Name, "through association %q not declared", a.Through)
		}
		switch through.Kind {
		case KindHasMany, KindHasOne, KindBelongsTo, KindManyThrough:
		default:
			return a, assocErrorf(owner.TypeName, a.Name, "through association %q must be has_many, has_one, belongs_to or many_through, not %s", a.Through, through.Kind)
		}
		if a.Source == "" {
			src, err := r.deriveSource(owner.TypeName, through.Target, a)
			if err != nil {
				return a, err
			}
			a.Source = src
		} else if _, ok := r.assocs[through.Target][a.Source]; !ok {
			return a, assocErrorf(owner.TypeName, a.Name, "source association %q not declared on %s", a.Source, through.Target)
		}
	}
	return a, nil
}

// deriveSource finds the single association on the intermediate type whose
// target matches; ambiguity or absence is a configuration error.
func (r *Registry) deriveSource(typeName, intermediate string, a Association) (string, error) {
	var found []string
	for _, name := range r.order[intermediate] {
		if r.assocs[intermediate][name].Target == a.Target {
			found = append(found, name)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return "", assocErrorf(typeName, a.Name, "no association on %s targets %s; set Source explicitly", intermediate, a.Target)
	default:
		return "", assocErrorf(typeName, a.Name, "multiple associations on %s target %s; set Source explicitly", intermediate, a.Target)
	}
}

// A Hop is one step of a resolved through-path: the association to follow
// and the record type it is declared on.
type Hop struct {
	Type  string
	Assoc Association
}

// ThroughPath resolves the chain of hops of a many_through association,
// expanding nested through-associations. The path must terminate at
// exactly one target type; cycles are rejected.
func (r *Registry) ThroughPath(typeName, name string) ([]Hop, error) {
	type visit struct{ typeName, assoc string }
	seen := make(map[visit]struct{})
	var walk func(typeName string, a Association) ([]Hop, error)
	walk = func(typeName string, a Association) ([]Hop, error) {
		v := visit{typeName, a.Name}
		if _, cyclic := seen[v]; cyclic {
			return nil, assocErrorf(typeName, a.Name, "cyclic through-path")
		}
		seen[v] = struct{}{}
		if a.Kind != KindManyThrough {
			return []Hop{{Type: typeName, Assoc: a}}, nil
		}
		through, ok := r.assocs[typeName][a.Through]
		if !ok {
			return nil, assocErrorf(typeName, a.Name, "through association %q not declared", a.Through)
		}
		head, err := walk(typeName, through)
		if err != nil {
			return nil, err
		}
		source, ok := r.assocs[through.Target][a.Source]
		if !ok {
			return nil, assocErrorf(typeName, a.Name, "source association %q not declared on %s", a.Source, through.Target)
		}
		tail, err := walk(through.Target, source)
		if err != nil {
			return nil, err
		}
		path := append(head, tail...)
		if terminal := path[len(path)-1].Assoc.Target; terminal != a.Target {
			return nil, assocErrorf(typeName, a.Name, "through-path terminates at %s, want %s", terminal, a.Target)
		}
		return path, nil
	}
	a, ok := r.assocs[typeName][name]
	if !ok {
		return nil, assocErrorf(typeName, name, "association not declared")
	}
	return walk(typeName, a)
}
