package utils

import (
	"context"
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
)

// WithTransaction runs fn inside a transaction, rolling back on error or panic.
func WithTransaction(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("[DB] rollback failed: %v", rbErr)
			}
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}
