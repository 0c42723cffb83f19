package schema

import (
	"fmt"
	"sort"

	"github.com/go-openapi/inflect"
)

// A Kind describes the declared type of a column.
type Kind uint8

// Column kinds. Every attribute value carried by a record is one of
// these, or null.
const (
	TypeInvalid Kind = iota
	TypeBool
	TypeInt
	TypeFloat
	TypeString
	TypeTime
	TypeUUID
)

var kindNames = [...]string{
	TypeInvalid: "invalid",
	TypeBool:    "bool",
	TypeInt:     "int",
	TypeFloat:   "float",
	TypeString:  "string",
	TypeTime:    "time",
	TypeUUID:    "uuid",
}

// String returns the string representation of a kind.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[TypeInvalid]
}

// A Column describes a single table column.
type Column struct {
	Name     string
	Type     Kind
	Nullable bool
}

// Bool returns a bool column with the given name.
func Bool(name string) Column { return Column{Name: name, Type: TypeBool} }

// Int returns an integer column with the given name.
func Int(name string) Column { return Column{Name: name, Type: TypeInt} }

// Float returns a floating-point column with the given name.
func Float(name string) Column { return Column{Name: name, Type: TypeFloat} }

// String returns a text column with the given name.
func String(name string) Column { return Column{Name: name, Type: TypeString} }

// Time returns a timestamp column with the given name.
func Time(name string) Column { return Column{Name: name, Type: TypeTime} }

// UUID returns a uuid column with the given name.
func UUID(name string) Column { return Column{Name: name, Type: TypeUUID} }

// Optional marks the column as nullable.
func (c Column) Optional() Column {
	c.Nullable = true
	return c
}

// A Table holds the runtime metadata of one record type: its table name,
// columns, primary key, and optional optimistic-lock version column.
type Table struct {
	// TypeName is the record type name, e.g. "Author".
	TypeName string
	// Name is the table name. Derived from TypeName unless overridden
	// with StorageKey.
	Name string
	// Columns in declaration order.
	Columns []Column
	// PrimaryKey column name. Defaults to "id".
	PrimaryKey string
	// VersionColumn, when non-empty, enables optimistic locking for this
	// table. The column must be an integer column.
	VersionColumn string

	cols map[string]int
}

// New returns a new table for the given record type name. The table name
// is the underscored plural of the type name ("OrderItem" => "order_items")
// and the primary key defaults to "id". An id column is not implied; it
// must be part of columns.
func New(typeName string, columns ...Column) *Table {
	t := &Table{
		TypeName:   typeName,
		Name:       TableName(typeName),
		Columns:    columns,
		PrimaryKey: "id",
		cols:       make(map[string]int, len(columns)),
	}
	for i, c := range columns {
		t.cols[c.Name] = i
	}
	return t
}

// StorageKey overrides the derived table name.
func (t *Table) StorageKey(name string) *Table {
	t.Name = name
	return t
}

// Key overrides the primary-key column name.
func (t *Table) Key(column string) *Table {
	t.PrimaryKey = column
	return t
}

// Versioned enables optimistic locking using the given column, or the
// conventional "lock_version" when called with an empty name.
func (t *Table) Versioned(column string) *Table {
	if column == "" {
		column = "lock_version"
	}
	t.VersionColumn = column
	return t
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (Column, bool) {
	i, ok := t.cols[name]
	if !ok {
		return Column{}, false
	}
	return t.Columns[i], true
}

// HasColumn reports whether the table declares the given column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// C returns the table-qualified form of a column reference, e.g.
// authors.id. Already-qualified references are returned unchanged.
func (t *Table) C(column string) string {
	for _, r := range column {
		if r == '.' {
			return column
		}
	}
	return t.Name + "." + column
}

// validate checks the internal consistency of the table metadata.
func (t *Table) validate() error {
	if t.TypeName == "" {
		return fmt.Errorf("schema: table %q has no type name", t.Name)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("schema: table %q has no columns", t.Name)
	}
	if !t.HasColumn(t.PrimaryKey) {
		return fmt.Errorf("schema: table %q: primary key column %q not declared", t.Name, t.PrimaryKey)
	}
	if t.VersionColumn != "" {
		c, ok := t.Column(t.VersionColumn)
		if !ok {
			return fmt.Errorf("schema: table %q: version column %q not declared", t.Name, t.VersionColumn)
		}
		if c.Type != TypeInt {
			return fmt.Errorf("schema: table %q: version column %q must be an int column", t.Name, t.VersionColumn)
		}
	}
	seen := make(map[string]struct{}, len(t.Columns))
	for _, c := range t.Columns {
		if c.Type == TypeInvalid {
			return fmt.Errorf("schema: table %q: column %q has no type", t.Name, c.Name)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("schema: table %q: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// TableName derives a table name from a record type name:
// the underscored plural ("OrderItem" => "order_items").
func TableName(typeName string) string {
	return inflect.Pluralize(inflect.Underscore(typeName))
}

// ForeignKeyColumn derives the conventional foreign-key column name for a
// record type ("Author" => "author_id").
func ForeignKeyColumn(typeName string) string {
	return inflect.Underscore(typeName) + "_id"
}

// JoinTableName derives the join-table name for a pure many-to-many
// relationship between two tables: the two table names in lexicographic
// order, joined with an underscore ("authors", "books" => "authors_books").
func JoinTableName(a, b string) string {
	names := []string{a, b}
	sort.Strings(names)
	return names[0] + "_" + names[1]
}
