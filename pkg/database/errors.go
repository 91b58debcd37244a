package database

import (
	"database/sql"
	"errors"

	"github.com/uptrace/bun/driver/pgdriver"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a unique or check constraint.
	ErrConflict = errors.New("conflict")
)

// postgres SQLSTATE codes
const (
	codeUniqueViolation = "23505"
	codeCheckViolation  = "23514"
)

func pgCode(err error) string {
	var pgErr pgdriver.Error
	if errors.As(err, &pgErr) {
		return pgErr.Field('C')
	}
	return ""
}

// IsUniqueViolation reports whether err is a postgres unique_violation.
func IsUniqueViolation(err error) bool {
	return pgCode(err) == codeUniqueViolation
}

// IsCheckViolation reports whether err is a postgres check_violation.
func IsCheckViolation(err error) bool {
	return pgCode(err) == codeCheckViolation
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case IsUniqueViolation(err), IsCheckViolation(err):
		return errors.Join(ErrConflict, err)
	}
	return err
}
