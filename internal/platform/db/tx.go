package db

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"
)

// WithTx executes fn within a transaction. The transaction is rolled back
// when fn returns an error or panics.
func WithTx(ctx context.Context, conn *gorm.DB, fn func(tx *gorm.DB) error) error {
	if conn == nil {
		return fmt.Errorf("platform/db: no connection")
	}
	return conn.WithContext(ctx).Transaction(fn, &sql.TxOptions{Isolation: isolationFor(conn)})
}

// SQLite only supports the default and serializable levels.
func isolationFor(conn *gorm.DB) sql.IsolationLevel {
	if conn.Dialector != nil && conn.Dialector.Name() == "postgres" {
		return sql.LevelRepeatableRead
	}
	return sql.LevelDefault
}
