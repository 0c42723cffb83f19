// Package relmap is a relational data-access layer built around three
// ideas: immutable, composable query values; schema-driven records with
// dirty tracking and lifecycle hooks; and association loading that
// chooses between separate queries and a single joined statement.
//
// A Client binds a database driver to a schema registry:
//
//	reg := schema.NewRegistry()
//	reg.Register(
//		schema.New("Author", schema.Int("id"), schema.String("name")),
//		schema.HasMany("books", "Book"),
//	)
//	reg.Register(
//		schema.New("Book",
//			schema.Int("id"),
//			schema.String("title"),
//			schema.Int("author_id"),
//		),
//		schema.BelongsTo("author", "Author"),
//	)
//	client, err := relmap.Open(dialect.Postgres, dsn, reg)
//
// Queries are values; every chain call copies:
//
//	base := client.Query("Book").Where(relmap.Eq("in_print", true))
//	recent := base.Order("published_at").Limit(10)
//	books, err := client.All(ctx, recent.Includes("author"))
//
// Records track attribute changes and are written back explicitly:
//
//	book.Set("title", "Second Edition")
//	err = client.Save(ctx, book)
//
// Tables declared with a version column reject writes from stale copies
// with a StaleObjectError; Query.Lock adds dialect-appropriate row
// locking inside a transaction.
package relmap
