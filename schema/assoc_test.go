package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func catalogRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(
		New("Author", Int("id"), Int("agent_id")),
		HasMany("books", "Book"),
		ManyThrough("reviews", "Review", "books"),
		BelongsTo("agent", "Agent"),
	))
	require.NoError(t, reg.Register(
		New("Book", Int("id"), Int("author_id")),
		BelongsTo("author", "Author"),
		HasMany("reviews", "Review"),
		ManyToMany("tags", "Tag"),
	))
	require.NoError(t, reg.Register(
		New("Review", Int("id"), Int("book_id")),
		BelongsTo("book", "Book"),
	))
	require.NoError(t, reg.Register(New("Tag", Int("id"))))
	require.NoError(t, reg.Register(New("Agent", Int("id"))))
	return reg
}

func TestRegistryResolution(t *testing.T) {
	reg := catalogRegistry(t)
	require.NoError(t, reg.Validate())

	a, ok := reg.Assoc("Book", "author")
	require.True(t, ok)
	assert.Equal(t, "author_id", a.ForeignKey)

	a, ok = reg.Assoc("Author", "books")
	require.True(t, ok)
	assert.Equal(t, "author_id", a.ForeignKey)

	a, ok = reg.Assoc("Book", "tags")
	require.True(t, ok)
	assert.Equal(t, "book_id", a.ForeignKey)
	assert.Equal(t, "tag_id", a.TargetKey)
	assert.Equal(t, "books_tags", a.JoinTable)

	// The through source derives from the single matching association.
	a, ok = reg.Assoc("Author", "reviews")
	require.True(t, ok)
	assert.Equal(t, "reviews", a.Source)

	assert.True(t, a.Plural())
	belongs, _ := reg.Assoc("Author", "agent")
	assert.False(t, belongs.Plural())
}

func TestRegistryValidationErrors(t *testing.T) {
	t.Run("unknown target", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(
			New("Author", Int("id")),
			HasMany("books", "Book"),
		))
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsAssociationError(err))
	})

	t.Run("missing foreign key column", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(
			New("Author", Int("id")),
			HasMany("books", "Book"),
		))
		// books has no author_id column.
		require.NoError(t, reg.Register(New("Book", Int("id"))))
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsAssociationError(err))
	})

	t.Run("through association must exist", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(
			New("Author", Int("id")),
			ManyThrough("reviews", "Review", "books"),
		))
		require.NoError(t, reg.Register(New("Review", Int("id"))))
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsAssociationError(err))
	})

	t.Run("ambiguous source needs Via", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(
			New("Author", Int("id")),
			HasMany("books", "Book"),
			ManyThrough("reviews", "Review", "books"),
		))
		require.NoError(t, reg.Register(
			New("Book", Int("id"), Int("author_id")),
			HasMany("reviews", "Review"),
			HasMany("raves", "Review"),
		))
		require.NoError(t, reg.Register(New("Review", Int("id"), Int("book_id"))))
		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsAssociationError(err))
		assert.Contains(t, err.Error(), "Source")
	})

	t.Run("duplicate association name", func(t *testing.T) {
		reg := NewRegistry()
		err := reg.Register(
			New("Author", Int("id")),
			HasMany("books", "Book"),
			HasMany("books", "Book"),
		)
		require.Error(t, err)
	})
}

func TestThroughPath(t *testing.T) {
	t.Run("simple chain", func(t *testing.T) {
		reg := catalogRegistry(t)
		require.NoError(t, reg.Validate())

		path, err := reg.ThroughPath("Author", "reviews")
		require.NoError(t, err)
		require.Len(t, path, 2)
		assert.Equal(t, "Author", path[0].Type)
		assert.Equal(t, "books", path[0].Assoc.Name)
		assert.Equal(t, "Book", path[1].Type)
		assert.Equal(t, "reviews", path[1].Assoc.Name)
	})

	t.Run("nested through expands", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(
			New("Country", Int("id")),
			HasMany("authors", "Author"),
			ManyThrough("books", "Book", "authors"),
			ManyThrough("reviews", "Review", "books"),
		))
		require.NoError(t, reg.Register(
			New("Author", Int("id"), Int("country_id")),
			HasMany("books", "Book"),
		))
		require.NoError(t, reg.Register(
			New("Book", Int("id"), Int("author_id")),
			HasMany("reviews", "Review"),
		))
		require.NoError(t, reg.Register(New("Review", Int("id"), Int("book_id"))))
		require.NoError(t, reg.Validate())

		path, err := reg.ThroughPath("Country", "reviews")
		require.NoError(t, err)
		require.Len(t, path, 3)
		assert.Equal(t, "authors", path[0].Assoc.Name)
		assert.Equal(t, "books", path[1].Assoc.Name)
		assert.Equal(t, "reviews", path[2].Assoc.Name)
	})

	t.Run("cycles are rejected at validation", func(t *testing.T) {
		reg := NewRegistry()
		require.NoError(t, reg.Register(
			New("A", Int("id"), Int("m_id")),
			HasMany("ms", "M"),
			ManyThrough("ts", "T", "ms"),
		))
		require.NoError(t, reg.Register(
			New("M", Int("id"), Int("a_id")),
			HasMany("as", "A"),
			ManyThrough("ts", "T", "as"),
		))
		require.NoError(t, reg.Register(New("T", Int("id"))))

		err := reg.Validate()
		require.Error(t, err)
		assert.True(t, IsAssociationError(err))
		assert.Contains(t, err.Error(), "cyclic")
	})
}
