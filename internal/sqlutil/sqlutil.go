// Licensed under the Apache License, Version 2.0
// Details: https://raw.githubusercontent.com/square/llmquota/master/LICENSE

// Package sqlutil opens the SQL databases behind the plan store and the usage ledger, for either
// MySQL or SQLite.
package sqlutil

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/square/llmquota/logging"
)

// Supported drivers
const (
	MySQL  = "mysql"
	SQLite = "sqlite"
)

const mysqlErrDuplicateEntry = 1062

// Builder builds statements with ? placeholders, understood by both drivers.
var Builder = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Open connects to dsn with driver and checks the connection.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	if driver != MySQL && driver != SQLite {
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	logging.Tracef("Connecting to %v", driver)
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == SQLite {
		// SQLite only supports a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	logging.Tracef("Connecting to %v: OK", driver)
	return db, nil
}

// IsDuplicate reports whether err is a primary key or unique constraint violation.
func IsDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDuplicateEntry
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

// Exec runs every statement in order, stopping at the first failure.
func Exec(ctx context.Context, db *sqlx.DB, statements ...string) error {
	for _, s := range statements {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("%w: %v", err, s)
		}
	}
	return nil
}
