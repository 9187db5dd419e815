package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrParentMismatch = errors.New("parent comment belongs to a different post")
	ErrDuplicateTitle = errors.New("den title already taken")
)

const (
	uniqueViolation      = "23505"
	serializationFailure = "40001"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailure
}
