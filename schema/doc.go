// Package schema holds the runtime metadata of record types: tables and
// their columns, the tagged-union attribute Value, and association
// descriptors with their declaration-time validation.
//
// Table and key names follow convention over configuration: a record type
// "OrderItem" maps to table "order_items", its conventional foreign key is
// "order_item_id", and a many-to-many join table is the two table names in
// lexicographic order ("authors_books"). Every derived name can be
// overridden on the descriptor.
//
// A minimal pair of types with a relationship:
//
//	reg := schema.NewRegistry()
//	reg.Register(
//		schema.New("Author",
//			schema.Int("id"),
//			schema.String("name"),
//		),
//		schema.HasMany("books", "Book"),
//	)
//	reg.Register(
//		schema.New("Book",
//			schema.Int("id"),
//			schema.String("title"),
//			schema.Int("author_id").Optional(),
//		),
//		schema.BelongsTo("author", "Author"),
//	)
//	if err := reg.Validate(); err != nil {
//		log.Fatal(err)
//	}
package schema
