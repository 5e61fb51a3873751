// Package postgres implements the billing repositories on database/sql with the pgx driver.
//
// Every method runs on the transaction carried by ctx (utils.Transactor), so the
// row locks taken by Lock* methods hold until the enclosing unit of work ends.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"petition-billing/pkg/utils"

	"github.com/jackc/pgx/v5/pgconn"
)

// Store implements ledger, payments, metering, plans and audit repositories.
type Store struct {
	*utils.Transactor
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{Transactor: utils.NewTransactor(db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}), db: db}
}

func (s *Store) conn(ctx context.Context) utils.DBTX {
	return utils.Conn(ctx, s.db)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
