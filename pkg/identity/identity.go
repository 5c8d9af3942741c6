// Package identity implements C1: the three database access modes
// (user-scoped, admin, unscoped) and the RLS session variable they bind.
package identity

import (
	"context"
	"database/sql"
	"fmt"
)

// Mode is the access mode a database operation runs under.
type Mode int

const (
	// ModeUser binds app.current_user_id for the life of the connection;
	// row-level policies filter every tenant table by that setting.
	ModeUser Mode = iota
	// ModeAdmin uses a role that bypasses row-level policy. Reserved for
	// catalog maintenance, cleanup jobs, and admin endpoints.
	ModeAdmin
	// ModeUnscoped is the migration escape hatch: tenant tables still
	// permit rows with user_id IS NULL. New writes must not rely on it.
	ModeUnscoped
)

func (m Mode) String() string {
	switch m {
	case ModeUser:
		return "user"
	case ModeAdmin:
		return "admin"
	case ModeUnscoped:
		return "unscoped"
	default:
		return "unknown"
	}
}

// Principal is the acting user for a user-scoped operation.
type Principal struct {
	UserID string
}

// sessionVar is the Postgres session-local setting row-level policies key on.
const sessionVar = "app.current_user_id"

// WithUserTransaction opens a transaction on a dedicated connection, binds
// app.current_user_id to principal.UserID for its entire lifetime via
// set_config(..., true) (transaction-local), and commits or rolls back
// depending on whether fn returns an error. A single user-mode operation
// spanning multiple statements must hold this one connection — scope
// setting does not survive a pool checkout/checkin cycle.
func WithUserTransaction(ctx context.Context, db *sql.DB, principal Principal, fn func(ctx context.Context, tx *sql.Tx) error) error {
	if principal.UserID == "" {
		return fmt.Errorf("identity: principal.UserID must not be empty")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("identity: begin transaction: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT set_config($1, $2, true)`, sessionVar, principal.UserID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("identity: bind session scope: %w", err)
	}

	if err := fn(ctx, tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("identity: commit: %w", err)
	}

	return nil
}

// WithUserConnection is like WithUserTransaction but for read-only,
// multi-statement flows that don't need an explicit transaction — e.g. a
// sequence of SELECTs backing an agentic tool call. The scope binding is
// connection-local for the duration of fn.
func WithUserConnection(ctx context.Context, db *sql.DB, principal Principal, fn func(ctx context.Context, conn *sql.Conn) error) error {
	if principal.UserID == "" {
		return fmt.Errorf("identity: principal.UserID must not be empty")
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("identity: acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT set_config($1, $2, false)`, sessionVar, principal.UserID); err != nil {
		return fmt.Errorf("identity: bind session scope: %w", err)
	}
	// Clear the binding before the connection returns to the pool.
	defer func() {
		_, _ = conn.ExecContext(context.Background(), `SELECT set_config($1, '', false)`, sessionVar)
	}()

	return fn(ctx, conn)
}

// ErrUnset is returned by CurrentUserID when no scope has been bound on
// the connection; row-level policies will have already returned zero
// rows for any query issued in this state.
var ErrUnset = fmt.Errorf("identity: app.current_user_id is unset")

// CurrentUserID reads back the bound scope, primarily for tests and
// diagnostics.
func CurrentUserID(ctx context.Context, conn *sql.Conn) (string, error) {
	var userID sql.NullString
	if err := conn.QueryRowContext(ctx, `SELECT current_setting($1, true)`, sessionVar).Scan(&userID); err != nil {
		return "", fmt.Errorf("identity: read session scope: %w", err)
	}
	if !userID.Valid || userID.String == "" {
		return "", ErrUnset
	}
	return userID.String, nil
}
