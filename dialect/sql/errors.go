package sql

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
)

// PostgreSQL SQLSTATE codes for constraint violations (Class 23).
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL error numbers for constraint violations.
const (
	mysqlDuplicateEntry         = 1062
	mysqlForeignKeyParent       = 1451 // Cannot delete or update a parent row.
	mysqlForeignKeyChild        = 1452 // Cannot add or update a child row.
	mysqlCheckConstraintViolate = 3819
)

// SQLite extended result codes for constraint violations.
const (
	sqliteConstraintCheck      = 275
	sqliteConstraintForeignKey = 787
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// IsConstraintError reports if the error resulted from any database
// constraint violation.
func IsConstraintError(err error) bool {
	return IsUniqueViolation(err) ||
		IsForeignKeyViolation(err) ||
		IsCheckViolation(err)
}

// IsUniqueViolation reports if the error resulted from a uniqueness
// constraint violation, e.g. a duplicate value in a unique index.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var (
		pqe  *pq.Error
		mye  *mysql.MySQLError
		sqe  *sqlite.Error
		code string
	)
	switch {
	case errors.As(err, &pqe):
		code = string(pqe.Code)
		return code == pgUniqueViolation
	case errors.As(err, &mye):
		return mye.Number == mysqlDuplicateEntry
	case errors.As(err, &sqe):
		c := sqe.Code()
		return c == sqliteConstraintUnique || c == sqliteConstraintPrimaryKey
	}
	// Fallback for wrapped or foreign driver errors.
	return containsAny(err.Error(),
		"Error 1062",                 // MySQL
		"violates unique constraint", // Postgres
		"UNIQUE constraint failed",   // SQLite
	)
}

// IsForeignKeyViolation reports if the error resulted from a foreign-key
// constraint violation, e.g. a referenced parent row does not exist.
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}
	var (
		pqe *pq.Error
		mye *mysql.MySQLError
		sqe *sqlite.Error
	)
	switch {
	case errors.As(err, &pqe):
		return string(pqe.Code) == pgForeignKeyViolation
	case errors.As(err, &mye):
		return mye.Number == mysqlForeignKeyParent || mye.Number == mysqlForeignKeyChild
	case errors.As(err, &sqe):
		return sqe.Code() == sqliteConstraintForeignKey
	}
	return containsAny(err.Error(),
		"Error 1451",                      // MySQL
		"Error 1452",                      // MySQL
		"violates foreign key constraint", // Postgres
		"FOREIGN KEY constraint failed",   // SQLite
	)
}

// IsCheckViolation reports if the error resulted from a check constraint
// violation, e.g. a value does not satisfy a check condition.
func IsCheckViolation(err error) bool {
	if err == nil {
		return false
	}
	var (
		pqe *pq.Error
		mye *mysql.MySQLError
		sqe *sqlite.Error
	)
	switch {
	case errors.As(err, &pqe):
		return string(pqe.Code) == pgCheckViolation
	case errors.As(err, &mye):
		return mye.Number == mysqlCheckConstraintViolate
	case errors.As(err, &sqe):
		return sqe.Code() == sqliteConstraintCheck
	}
	return containsAny(err.Error(),
		"Error 3819",                // MySQL
		"violates check constraint", // Postgres
		"CHECK constraint failed",   // SQLite
	)
}

// containsAny returns true if s contains any of the substrings.
func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
