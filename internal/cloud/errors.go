package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/ncruces/go-sqlite3"
)

var (
	// ErrConflict means the record already exists upstream.
	ErrConflict = errors.New("record already exists")

	// ErrKeyTaken means another record already holds the unique key.
	// Unlike ErrConflict, the rejected record is not upstream.
	ErrKeyTaken = errors.New("unique key held by another record")

	// ErrUnavailable means the backend could not be reached.
	ErrUnavailable = errors.New("cloud unavailable")

	// ErrClosed is returned by calls made after Close.
	ErrClosed = errors.New("cloud client closed")
)

// AuthError reports a rejected credential or a missing permission.
// It is never retried automatically.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: not authorized: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Kind is the outcome class of a cloud call.
type Kind int

const (
	KindTransient Kind = iota
	KindConflict
	KindAuth
	KindKeyTaken
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindAuth:
		return "auth"
	case KindKeyTaken:
		return "key taken"
	default:
		return "transient"
	}
}

// Classify maps an error returned by a Client into a Kind.
// Anything not recognized as a conflict or an auth failure is transient.
func Classify(err error) Kind {
	if err == nil {
		return KindTransient
	}
	if errors.Is(err, ErrKeyTaken) {
		return KindKeyTaken
	}
	if errors.Is(err, ErrConflict) {
		return KindConflict
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return KindAuth
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return KindConflict
		case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
			return KindAuth
		}
		return KindTransient
	}

	var sqlErr *sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch {
		case isUniqueViolation(sqlErr):
			return KindConflict
		case sqlErr.Code() == sqlite3.AUTH, sqlErr.Code() == sqlite3.PERM:
			return KindAuth
		}
		return KindTransient
	}

	// Foreign error values (another client, a proxy) only carry text.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"duplicate key", "already exists", "409"} {
		if strings.Contains(msg, marker) {
			return KindConflict
		}
	}
	return KindTransient
}

// IsConflict reports whether err means the record already exists upstream.
func IsConflict(err error) bool {
	return err != nil && Classify(err) == KindConflict
}

// IsKeyTaken reports whether err means a different record holds the unique key.
func IsKeyTaken(err error) bool {
	return err != nil && Classify(err) == KindKeyTaken
}

// IsAuth reports whether err is an authorization failure.
func IsAuth(err error) bool {
	return err != nil && Classify(err) == KindAuth
}

func isUniqueViolation(err *sqlite3.Error) bool {
	switch err.ExtendedCode() {
	case sqlite3.CONSTRAINT_PRIMARYKEY, sqlite3.CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// wrapSQLiteErr converts driver errors into the package taxonomy.
func wrapSQLiteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var sqlErr *sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch {
		case isUniqueViolation(sqlErr):
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case sqlErr.Code() == sqlite3.AUTH, sqlErr.Code() == sqlite3.PERM:
			return &AuthError{Op: op, Err: err}
		case sqlErr.Code() == sqlite3.CANTOPEN:
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		}
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

// wrapPgErr converts pgx errors into the package taxonomy.
func wrapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pgErr.ConstraintName)
		case strings.HasPrefix(pgErr.Code, "28"), pgErr.Code == "42501":
			return &AuthError{Op: op, Err: err}
		}
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
