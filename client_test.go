package relmap

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/relmap/dialect"
)

func TestClientFinders(t *testing.T) {
	ctx := context.Background()

	t.Run("Find hits by primary key", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books WHERE id = $1 LIMIT $2").
			WithArgs(1, 1).
			WillReturnRows(sqlmock.NewRows(bookColumns()).AddRow(1, "TGPL", 10, true))

		b, err := c.Find(ctx, "Book", 1)
		require.NoError(t, err)
		assert.True(t, b.Persisted())
		title, _ := b.Get("title")
		s, _ := title.Str()
		assert.Equal(t, "TGPL", s)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Find misses with NotFoundError", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books WHERE id = $1 LIMIT $2").
			WithArgs(99, 1).
			WillReturnRows(sqlmock.NewRows(bookColumns()))

		_, err := c.Find(ctx, "Book", 99)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("First orders by primary key", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books ORDER BY id LIMIT $1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows(bookColumns()).AddRow(1, "A", nil, true))

		b, err := c.First(ctx, c.Query("Book"))
		require.NoError(t, err)
		v, ok := b.Get("author_id")
		require.True(t, ok)
		assert.True(t, v.IsNull())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("All returns an empty slice on no match", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books WHERE in_print = $1").
			WithArgs(false).
			WillReturnRows(sqlmock.NewRows(bookColumns()))

		recs, err := c.All(ctx, c.Query("Book").Where(Eq("in_print", false)))
		require.NoError(t, err)
		assert.NotNil(t, recs)
		assert.Empty(t, recs)
	})

	t.Run("Only rejects multiple rows", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books WHERE in_print = $1 LIMIT $2").
			WithArgs(true, 2).
			WillReturnRows(sqlmock.NewRows(bookColumns()).
				AddRow(1, "A", 10, true).
				AddRow(2, "B", 10, true))

		_, err := c.Only(ctx, c.Query("Book").Where(Eq("in_print", true)))
		require.Error(t, err)
		assert.True(t, IsNotSingular(err))
	})

	t.Run("Count strips ordering and paging", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT COUNT(*) FROM books WHERE in_print = $1").
			WithArgs(true).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		n, err := c.Count(ctx, c.Query("Book").Where(Eq("in_print", true)).Order("title").Limit(1))
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})

	t.Run("Count strips distinctness", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT COUNT(*) FROM books").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

		n, err := c.Count(ctx, c.Query("Book").Select("author_id").Distinct())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("Exists probes with LIMIT 1", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT id FROM books LIMIT $1").
			WithArgs(1).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))

		ok, err := c.Exists(ctx, c.Query("Book"))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Pluck returns typed column values", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT title FROM books ORDER BY id").
			WillReturnRows(sqlmock.NewRows([]string{"title"}).AddRow("A").AddRow("B"))

		vals, err := c.Pluck(ctx, c.Query("Book").Order("id"), "title")
		require.NoError(t, err)
		require.Len(t, vals, 2)
		s, _ := vals[1].Str()
		assert.Equal(t, "B", s)
	})

	t.Run("unknown type yields a sticky query error", func(t *testing.T) {
		c, _ := testClient(t, dialect.Postgres)
		_, err := c.All(ctx, c.Query("Publisher"))
		require.Error(t, err)
		assert.True(t, IsInvalidQuery(err))
	})
}

func TestClientInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("postgres reads the key back with RETURNING", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("INSERT INTO authors (name) VALUES ($1) RETURNING id").
			WithArgs("Donovan").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(5))

		r, err := c.NewRecord("Author")
		require.NoError(t, err)
		require.NoError(t, r.Set("name", "Donovan"))
		require.NoError(t, c.Insert(ctx, r))

		assert.True(t, r.Persisted())
		assert.False(t, r.IsDirty())
		id, _ := r.ID().Int64()
		assert.Equal(t, int64(5), id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mysql uses the last-insert id", func(t *testing.T) {
		c, mock := testClient(t, dialect.MySQL)
		mock.ExpectExec("INSERT INTO authors (name) VALUES (?)").
			WithArgs("Kernighan").
			WillReturnResult(sqlmock.NewResult(12, 1))

		r, err := c.NewRecord("Author")
		require.NoError(t, err)
		require.NoError(t, r.Set("name", "Kernighan"))
		require.NoError(t, c.Insert(ctx, r))

		id, _ := r.ID().Int64()
		assert.Equal(t, int64(12), id)
	})

	t.Run("versioned tables start at version zero", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("INSERT INTO accounts (email, lock_version) VALUES ($1, $2) RETURNING id").
			WithArgs("a@b.test", int64(0)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		r, err := c.NewRecord("Account")
		require.NoError(t, err)
		require.NoError(t, r.Set("email", "a@b.test"))
		require.NoError(t, c.Insert(ctx, r))

		v, ok := r.Get("lock_version")
		require.True(t, ok)
		n, _ := v.Int64()
		assert.Equal(t, int64(0), n)
	})

	t.Run("persisted records cannot be inserted", func(t *testing.T) {
		c, _ := testClient(t, dialect.Postgres)
		r, err := c.NewRecord("Author")
		require.NoError(t, err)
		r.markPersisted()
		require.Error(t, c.Insert(ctx, r))
	})
}

func loadAccount(t *testing.T, c *Client, mock sqlmock.Sqlmock, id, version int64) *Record {
	t.Helper()
	mock.ExpectQuery("SELECT * FROM accounts WHERE id = $1 LIMIT $2").
		WithArgs(id, 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "lock_version"}).
			AddRow(id, "a@b.test", version))
	r, err := c.Find(context.Background(), "Account", id)
	require.NoError(t, err)
	return r
}

func TestClientOptimisticLocking(t *testing.T) {
	ctx := context.Background()

	t.Run("update carries and bumps the version", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		r := loadAccount(t, c, mock, 7, 0)

		mock.ExpectExec("UPDATE accounts SET email = $1, lock_version = $2 WHERE id = $3 AND lock_version = $4").
			WithArgs("new@b.test", int64(1), int64(7), int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, r.Set("email", "new@b.test"))
		require.NoError(t, c.Update(ctx, r))

		v, _ := r.Get("lock_version")
		n, _ := v.Int64()
		assert.Equal(t, int64(1), n)
		assert.False(t, r.IsDirty())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("the second of two copies loses", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		first := loadAccount(t, c, mock, 7, 0)
		second := loadAccount(t, c, mock, 7, 0)

		mock.ExpectExec("UPDATE accounts SET email = $1, lock_version = $2 WHERE id = $3 AND lock_version = $4").
			WithArgs("first@b.test", int64(1), int64(7), int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, first.Set("email", "first@b.test"))
		require.NoError(t, c.Update(ctx, first))

		mock.ExpectExec("UPDATE accounts SET email = $1, lock_version = $2 WHERE id = $3 AND lock_version = $4").
			WithArgs("second@b.test", int64(1), int64(7), int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		require.NoError(t, second.Set("email", "second@b.test"))
		err := c.Update(ctx, second)
		require.Error(t, err)
		assert.True(t, IsStaleObject(err))
	})

	t.Run("delete is version-guarded too", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		r := loadAccount(t, c, mock, 7, 2)

		mock.ExpectExec("DELETE FROM accounts WHERE id = $1 AND lock_version = $2").
			WithArgs(int64(7), int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := c.Delete(ctx, r)
		require.Error(t, err)
		assert.True(t, IsStaleObject(err))
		assert.True(t, r.Persisted())
	})

	t.Run("disabled via configuration", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.DisableOptimisticLock = true
		c, mock := testClient(t, dialect.Postgres, WithConfig(cfg))
		r := loadAccount(t, c, mock, 7, 0)

		mock.ExpectExec("UPDATE accounts SET email = $1 WHERE id = $2").
			WithArgs("x@b.test", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, r.Set("email", "x@b.test"))
		require.NoError(t, c.Update(ctx, r))
	})
}

func TestClientWrite(t *testing.T) {
	ctx := context.Background()

	t.Run("unversioned update touches only dirty columns", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books WHERE id = $1 LIMIT $2").
			WithArgs(1, 1).
			WillReturnRows(sqlmock.NewRows(bookColumns()).AddRow(1, "A", 10, true))
		b, err := c.Find(ctx, "Book", 1)
		require.NoError(t, err)

		mock.ExpectExec("UPDATE books SET in_print = $1 WHERE id = $2").
			WithArgs(false, int64(1)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, b.Set("in_print", false))
		require.NoError(t, c.Update(ctx, b))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("clean update issues no statement", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)
		mock.ExpectQuery("SELECT * FROM books WHERE id = $1 LIMIT $2").
			WithArgs(1, 1).
			WillReturnRows(sqlmock.NewRows(bookColumns()).AddRow(1, "A", 10, true))
		b, err := c.Find(ctx, "Book", 1)
		require.NoError(t, err)

		require.NoError(t, c.Update(ctx, b))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Save routes by persistence state", func(t *testing.T) {
		c, mock := testClient(t, dialect.Postgres)

		mock.ExpectQuery("INSERT INTO authors (name) VALUES ($1) RETURNING id").
			WithArgs("Pike").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(3))
		r, err := c.NewRecord("Author")
		require.NoError(t, err)
		require.NoError(t, r.Set("name", "Pike"))
		require.NoError(t, c.Save(ctx, r))

		mock.ExpectExec("UPDATE authors SET name = $1 WHERE id = $2").
			WithArgs("R. Pike", int64(3)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, r.Set("name", "R. Pike"))
		require.NoError(t, c.Save(ctx, r))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestClientHooks(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	var order []Phase
	for _, p := range []Phase{BeforeSave, BeforeCreate, AfterCreate, AfterSave, AfterFind} {
		c.Use("Author", p, func(_ context.Context, _ *Record) error {
			order = append(order, p)
			return nil
		})
	}
	c.Use("Author", BeforeCreate, func(_ context.Context, r *Record) error {
		return r.Set("country", "US")
	})

	mock.ExpectQuery("INSERT INTO authors (name, country) VALUES ($1, $2) RETURNING id").
		WithArgs("Thompson", "US").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))

	r, err := c.NewRecord("Author")
	require.NoError(t, err)
	require.NoError(t, r.Set("name", "Thompson"))
	require.NoError(t, c.Insert(ctx, r))
	assert.Equal(t, []Phase{BeforeSave, BeforeCreate, AfterCreate, AfterSave}, order)

	order = order[:0]
	mock.ExpectQuery("SELECT * FROM authors WHERE id = $1 LIMIT $2").
		WithArgs(4, 1).
		WillReturnRows(sqlmock.NewRows(authorColumns()).AddRow(4, "Thompson", "US"))
	_, err = c.Find(ctx, "Author", 4)
	require.NoError(t, err)
	assert.Equal(t, []Phase{AfterFind}, order)
}

func TestClientTx(t *testing.T) {
	ctx := context.Background()
	c, mock := testClient(t, dialect.Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT * FROM books WHERE id = $1 ORDER BY id LIMIT $2 FOR UPDATE").
		WithArgs(1, 1).
		WillReturnRows(sqlmock.NewRows(bookColumns()).AddRow(1, "A", 10, true))
	mock.ExpectExec("UPDATE books SET title = $1 WHERE id = $2").
		WithArgs("A2", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := c.Tx(ctx)
	require.NoError(t, err)

	_, err = tx.Tx(ctx)
	assert.ErrorIs(t, err, ErrTxStarted)

	b, err := tx.First(ctx, tx.Query("Book").Where(Eq("id", 1)).Lock())
	require.NoError(t, err)
	require.NoError(t, b.Set("title", "A2"))
	require.NoError(t, tx.Update(ctx, b))
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}
