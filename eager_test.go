package relmap

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/relmap/dialect"
)

func TestPreloadHasMany(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT * FROM authors").
		WillReturnRows(sqlmock.NewRows(authorColumns()).
			AddRow(1, "A", nil).
			AddRow(2, "B", "UK").
			AddRow(3, "C", nil))
	mock.ExpectQuery("SELECT * FROM books WHERE author_id IN ($1, $2, $3) ORDER BY id").
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows(bookColumns()).
			AddRow(1, "X", 1, true).
			AddRow(2, "Y", 1, true).
			AddRow(3, "Z", 2, false))

	authors, err := c.All(ctx, c.Query("Author").Includes("books"))
	require.NoError(t, err)
	require.Len(t, authors, 3)

	// Exactly the two statements above ran: one base, one per association.
	require.NoError(t, mock.ExpectationsWereMet())

	for _, a := range authors {
		assert.True(t, a.Loaded("books"))
	}
	books, err := authors[0].Many(ctx, "books")
	require.NoError(t, err)
	require.Len(t, books, 2)
	title, _ := books[0].Get("title")
	s, _ := title.Str()
	assert.Equal(t, "X", s)

	// Resolved-to-none marks loaded and returns an empty collection
	// without touching the database again.
	none, err := authors[2].Many(ctx, "books")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestPreloadBelongsTo(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT * FROM books").
		WillReturnRows(sqlmock.NewRows(bookColumns()).
			AddRow(1, "X", 10, true).
			AddRow(2, "Y", 10, true).
			AddRow(3, "Z", nil, false))
	mock.ExpectQuery("SELECT * FROM authors WHERE id IN ($1)").
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows(authorColumns()).AddRow(10, "A", nil))

	books, err := c.All(ctx, c.Query("Book").Preload("author"))
	require.NoError(t, err)
	require.Len(t, books, 3)
	require.NoError(t, mock.ExpectationsWereMet())

	author, err := books[0].One(ctx, "author")
	require.NoError(t, err)
	require.NotNil(t, author)
	id, _ := author.ID().Int64()
	assert.Equal(t, int64(10), id)

	// A null foreign key resolves to none.
	assert.True(t, books[2].Loaded("author"))
	orphanAuthor, err := books[2].One(ctx, "author")
	require.NoError(t, err)
	assert.Nil(t, orphanAuthor)
}

func TestPreloadManyToMany(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT * FROM books").
		WillReturnRows(sqlmock.NewRows(bookColumns()).
			AddRow(1, "X", 10, true).
			AddRow(2, "Y", 10, true))
	mock.ExpectQuery("SELECT book_id, tag_id FROM books_tags WHERE book_id IN ($1, $2) ORDER BY book_id, tag_id").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"book_id", "tag_id"}).
			AddRow(1, 5).
			AddRow(1, 6).
			AddRow(2, 5))
	mock.ExpectQuery("SELECT * FROM tags WHERE id IN ($1, $2) ORDER BY id").
		WithArgs(int64(5), int64(6)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(5, "go").
			AddRow(6, "db"))

	books, err := c.All(ctx, c.Query("Book").Preload("tags"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	tags, err := books[0].Many(ctx, "tags")
	require.NoError(t, err)
	require.Len(t, tags, 2)

	tags, err = books[1].Many(ctx, "tags")
	require.NoError(t, err)
	require.Len(t, tags, 1)
	name, _ := tags[0].Get("name")
	s, _ := name.Str()
	assert.Equal(t, "go", s)
}

func TestPreloadManyThrough(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT * FROM authors").
		WillReturnRows(sqlmock.NewRows(authorColumns()).
			AddRow(1, "A", nil).
			AddRow(2, "B", nil))
	mock.ExpectQuery("SELECT * FROM books WHERE author_id IN ($1, $2) ORDER BY id").
		WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows(bookColumns()).
			AddRow(1, "X", 1, true).
			AddRow(2, "Y", 1, true).
			AddRow(3, "Z", 2, true))
	mock.ExpectQuery("SELECT * FROM reviews WHERE book_id IN ($1, $2, $3) ORDER BY id").
		WithArgs(int64(1), int64(2), int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "book_id", "body"}).
			AddRow(1, 1, "good").
			AddRow(2, 2, "great").
			AddRow(3, 3, "meh"))

	authors, err := c.All(ctx, c.Query("Author").Preload("reviews"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	reviews, err := authors[0].Many(ctx, "reviews")
	require.NoError(t, err)
	require.Len(t, reviews, 2)

	reviews, err = authors[1].Many(ctx, "reviews")
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	body, _ := reviews[0].Get("body")
	s, _ := body.Str()
	assert.Equal(t, "meh", s)
}

func TestEagerJoinHasMany(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT authors.id, authors.name, authors.country, books.id, books.title, books.author_id, books.in_print FROM authors LEFT OUTER JOIN books ON books.author_id = authors.id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country", "id", "title", "author_id", "in_print"}).
			AddRow(1, "A", nil, 1, "X", 1, true).
			AddRow(1, "A", nil, 2, "Y", 1, true).
			AddRow(2, "B", "UK", nil, nil, nil, nil))

	authors, err := c.All(ctx, c.Query("Author").EagerLoad("books"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// Base rows deduplicate by primary key in first-seen order.
	require.Len(t, authors, 2)
	id, _ := authors[0].ID().Int64()
	assert.Equal(t, int64(1), id)

	books, err := authors[0].Many(ctx, "books")
	require.NoError(t, err)
	require.Len(t, books, 2)

	// The NULL-extended row resolves the association to none.
	assert.True(t, authors[1].Loaded("books"))
	books, err = authors[1].Many(ctx, "books")
	require.NoError(t, err)
	assert.Empty(t, books)
}

func TestEagerJoinManyToMany(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT books.id, books.title, books.author_id, books.in_print, tags.id, tags.name FROM books LEFT OUTER JOIN books_tags AS tags_jt ON tags_jt.book_id = books.id LEFT OUTER JOIN tags ON tags.id = tags_jt.tag_id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id", "in_print", "id", "name"}).
			AddRow(1, "X", 10, true, 5, "go").
			AddRow(1, "X", 10, true, 6, "db").
			AddRow(2, "Y", 10, true, 5, "go"))

	books, err := c.All(ctx, c.Query("Book").EagerLoad("tags"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, books, 2)

	tags, err := books[0].Many(ctx, "tags")
	require.NoError(t, err)
	assert.Len(t, tags, 2)
}

func TestEagerJoinManyThrough(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectQuery("SELECT authors.id, authors.name, authors.country, reviews.id, reviews.book_id, reviews.body FROM authors LEFT OUTER JOIN books AS reviews_0 ON reviews_0.author_id = authors.id LEFT OUTER JOIN reviews ON reviews.book_id = reviews_0.id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country", "id", "book_id", "body"}).
			AddRow(1, "A", nil, 1, 1, "good").
			AddRow(1, "A", nil, 2, 2, "great"))

	authors, err := c.All(ctx, c.Query("Author").EagerLoad("reviews"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, authors, 1)

	reviews, err := authors[0].Many(ctx, "reviews")
	require.NoError(t, err)
	assert.Len(t, reviews, 2)
}

func TestEagerJoinBelongsTo(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	// The joined target stays visible under its own table name, so the
	// cross-table predicate that forced the join keeps matching even
	// though the association is named differently.
	mock.ExpectQuery("SELECT books.id, books.title, books.author_id, books.in_print, authors.id, authors.name, authors.country FROM books LEFT OUTER JOIN authors ON authors.id = books.author_id WHERE authors.name = $1").
		WithArgs("A").
		WillReturnRows(sqlmock.NewRows([]string{"id", "title", "author_id", "in_print", "id", "name", "country"}).
			AddRow(1, "X", 10, true, 10, "A", nil).
			AddRow(2, "Y", 10, true, 10, "A", nil))

	books, err := c.All(ctx, c.Query("Book").
		Includes("author").
		WhereRaw("authors.name = ?", "A"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
	require.Len(t, books, 2)

	author, err := books[0].One(ctx, "author")
	require.NoError(t, err)
	require.NotNil(t, author)
	name, _ := author.Get("name")
	s, _ := name.Str()
	assert.Equal(t, "A", s)
}

func TestSegmentAlias(t *testing.T) {
	c, _ := testClient(t, dialect.Postgres)
	book := c.Query("Book").Table()
	author, ok := c.reg.Assoc("Book", "author")
	require.True(t, ok)

	alias := c.segmentAlias(book, author, map[string]struct{}{"books": {}})
	assert.Equal(t, "authors", alias)

	// A target table already in scope falls back to the association name.
	alias = c.segmentAlias(book, author, map[string]struct{}{"books": {}, "authors": {}})
	assert.Equal(t, "author", alias)
}

func TestEagerJoinAfterFind(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	var found []string
	c.Use("Author", AfterFind, func(_ context.Context, r *Record) error {
		found = append(found, r.Type())
		return nil
	})
	c.Use("Book", AfterFind, func(_ context.Context, r *Record) error {
		found = append(found, r.Type())
		return nil
	})

	mock.ExpectQuery("SELECT authors.id, authors.name, authors.country, books.id, books.title, books.author_id, books.in_print FROM authors LEFT OUTER JOIN books ON books.author_id = authors.id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country", "id", "title", "author_id", "in_print"}).
			AddRow(1, "A", nil, 1, "X", 1, true).
			AddRow(1, "A", nil, 2, "Y", 1, true))

	_, err := c.All(ctx, c.Query("Author").EagerLoad("books"))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	// The hook fires once per hydrated record on both sides of the join,
	// matching the separate-query strategies.
	assert.Equal(t, []string{"Book", "Book", "Author"}, found)
}

func TestSmartStrategyFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("structural reference forces the join", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT authors.id, authors.name, authors.country, books.id, books.title, books.author_id, books.in_print FROM authors LEFT OUTER JOIN books ON books.author_id = authors.id WHERE books.title LIKE $1").
			WithArgs("%go%").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "country", "id", "title", "author_id", "in_print"}).
				AddRow(1, "A", nil, 1, "going", 1, true))

		authors, err := c.All(ctx, c.Query("Author").
			Includes("books").
			WhereRaw("books.title LIKE ?", "%go%"))
		require.NoError(t, err)
		require.Len(t, authors, 1)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("References hint forces the join", func(t *testing.T) {
		c, _ := testClient(t, dialect.Postgres)
		q := c.Query("Author").Includes("books").References("books")
		joined, preloads, err := c.partitionIncludes(q)
		require.NoError(t, err)
		assert.Len(t, joined, 1)
		assert.Empty(t, preloads)
	})

	t.Run("no cross-table reference preloads", func(t *testing.T) {
		c, _ := testClient(t, dialect.Postgres)
		q := c.Query("Author").Includes("books").Where(Eq("name", "A"))
		joined, preloads, err := c.partitionIncludes(q)
		require.NoError(t, err)
		assert.Empty(t, joined)
		assert.Len(t, preloads, 1)
	})

	t.Run("explicit mode ignores structural references", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.JoinDetection = DetectExplicit
		c, _ := testClient(t, dialect.Postgres, WithConfig(cfg))

		q := c.Query("Author").Includes("books").WhereRaw("books.title LIKE ?", "%go%")
		joined, preloads, err := c.partitionIncludes(q)
		require.NoError(t, err)
		assert.Empty(t, joined)
		assert.Len(t, preloads, 1)

		joined, preloads, err = c.partitionIncludes(q.References("books"))
		require.NoError(t, err)
		assert.Len(t, joined, 1)
		assert.Empty(t, preloads)
	})

	t.Run("unknown association is rejected", func(t *testing.T) {
		c, _ := testClient(t, dialect.Postgres)
		_, _, err := c.partitionIncludes(c.Query("Author").Includes("publishers"))
		require.Error(t, err)
		assert.True(t, IsInvalidQuery(err))
	})
}
