package relmap

import (
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	dsql "github.com/syssam/relmap/dialect/sql"
	"github.com/syssam/relmap/schema"
)

// testRegistry declares the book-catalog fixture used across the tests:
// authors with books, books with reviews and tags, reviews reachable from
// authors through books, and versioned accounts.
func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.Register(
		schema.New("Author",
			schema.Int("id"),
			schema.String("name"),
			schema.String("country").Optional(),
		),
		schema.HasMany("books", "Book"),
		schema.ManyThrough("reviews", "Review", "books"),
	))
	require.NoError(t, reg.Register(
		schema.New("Book",
			schema.Int("id"),
			schema.String("title"),
			schema.Int("author_id").Optional(),
			schema.Bool("in_print"),
		),
		schema.BelongsTo("author", "Author"),
		schema.HasMany("reviews", "Review"),
		schema.ManyToMany("tags", "Tag"),
	))
	require.NoError(t, reg.Register(
		schema.New("Review",
			schema.Int("id"),
			schema.Int("book_id"),
			schema.String("body"),
		),
		schema.BelongsTo("book", "Book"),
	))
	require.NoError(t, reg.Register(
		schema.New("Tag",
			schema.Int("id"),
			schema.String("name"),
		),
		schema.ManyToMany("books", "Book"),
	))
	require.NoError(t, reg.Register(
		schema.New("Account",
			schema.Int("id"),
			schema.String("email"),
			schema.Int("lock_version"),
		).Versioned(""),
	))
	return reg
}

// testClient returns a client over a sqlmock connection with exact
// statement matching.
func testClient(t *testing.T, d string, opts ...Option) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	c, err := NewClient(dsql.OpenDB(d, db), testRegistry(t), opts...)
	require.NoError(t, err)
	return c, mock
}

func bookColumns() []string {
	return []string{"id", "title", "author_id", "in_print"}
}

func authorColumns() []string {
	return []string{"id", "name", "country"}
}
