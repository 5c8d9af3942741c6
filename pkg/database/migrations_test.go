package database

import (
	"context"
	stdsql "database/sql"
	"testing"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newMigratedDB spins up a disposable Postgres container and applies the
// embedded golang-migrate files for real (unlike newTestClient in
// client_test.go, which uses Ent's auto-migration and so never runs the
// hand-written trigger/RLS SQL in pkg/database/migrations).
func newMigratedDB(t *testing.T) *stdsql.DB {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(pgContainer)
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))

	drv := entsql.OpenDB(dialect.Postgres, db)
	require.NoError(t, runMigrations(ctx, db, Config{Database: "test"}, drv))

	return db
}

// TestPreventUserDeletion_RaisesUnconditionally guards against spec.md
// §3/§6's "never hard-deleted" invariant regressing to a conditional
// check: the trigger must raise even when the user has zero attributed
// patients, not only when patients still reference it.
func TestPreventUserDeletion_RaisesUnconditionally(t *testing.T) {
	db := newMigratedDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO users (user_id, display_name, primary_email) VALUES ($1, $2, $3)`,
		"user-no-patients", "No Patients", "no-patients@example.com")
	require.NoError(t, err)

	var patientCount int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM patients WHERE user_id = $1`, "user-no-patients").Scan(&patientCount))
	require.Equal(t, 0, patientCount)

	_, err = db.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, "user-no-patients")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user deletion is disabled")

	var count int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT count(*) FROM users WHERE user_id = $1`, "user-no-patients").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPreventUserDeletion_RaisesWithAttributedPatients(t *testing.T) {
	db := newMigratedDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx,
		`INSERT INTO users (user_id, display_name, primary_email) VALUES ($1, $2, $3)`,
		"user-with-patients", "Has Patients", "has-patients@example.com")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx,
		`INSERT INTO patients (patient_id, user_id, display_name, normalized_name) VALUES ($1, $2, $3, $4)`,
		"patient-1", "user-with-patients", "Jane Doe", "jane doe")
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, "user-with-patients")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user deletion is disabled")
}
