package repository

import (
	"testing"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPgError(t *testing.T) {
	assert.NoError(t, mapPgError(nil, "op"))
	assert.ErrorIs(t, mapPgError(pgx.ErrNoRows, "find building"), ErrNotFound)

	err := mapPgError(&pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "buildings_property_name_key"}, "create building")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "buildings_property_name_key")

	err = mapPgError(&pgconn.PgError{Code: "23503"}, "create asset")
	assert.NotErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), "create asset")
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(ErrConflict))
	assert.False(t, IsTransient(errors.Wrap(ErrJobStatusConflict, "complete")))
	assert.False(t, IsTransient(&pgconn.PgError{Code: pgUniqueViolation}))
	assert.False(t, IsTransient(errors.New("syntax error")))

	assert.True(t, IsTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, IsTransient(errors.Wrap(&pgconn.PgError{Code: "40P01"}, "update asset")))
	assert.True(t, IsTransient(&pgconn.ConnectError{Config: &pgconn.Config{}}))
}
