// Package dialect provides the database abstraction used by relmap.
//
// A dialect.Driver executes statements and starts transactions; the
// ExecQuerier interface is the subset shared by drivers and transactions,
// so code that only executes statements can accept either.
//
// The three supported dialects are identified by string constants:
//
//	dialect.Postgres = "postgres"
//	dialect.MySQL    = "mysql"
//	dialect.SQLite   = "sqlite"
//
// Dialect differences (bind-parameter style, row-locking clauses, error
// classification) are isolated in the dialect/sql sub-package; the rest of
// the module only branches on the dialect name.
//
// Opening a connection:
//
//	drv, err := sql.Open(dialect.Postgres, "postgres://...")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer drv.Close()
//
// Wrap any driver with Debug to log outgoing statements via log/slog:
//
//	drv = dialect.Debug(drv)
package dialect
