package identity

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func newTestDB(t *testing.T) *sql.DB {
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

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestWithUserTransaction_BindsScope(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var observed string
	err := WithUserTransaction(ctx, db, Principal{UserID: "user-1"}, func(ctx context.Context, tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `SELECT current_setting('app.current_user_id', true)`).Scan(&observed)
	})
	require.NoError(t, err)
	require.Equal(t, "user-1", observed)
}

func TestWithUserTransaction_RejectsEmptyPrincipal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := WithUserTransaction(ctx, db, Principal{}, func(ctx context.Context, tx *sql.Tx) error {
		return nil
	})
	require.Error(t, err)
}

func TestWithUserTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE scratch (id int)`)
	require.NoError(t, err)

	boom := require.New(t)
	err = WithUserTransaction(ctx, db, Principal{UserID: "user-1"}, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scratch (id) VALUES (1)`); err != nil {
			return err
		}
		return sql.ErrTxDone // force rollback
	})
	boom.Error(err)

	var count int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM scratch`).Scan(&count))
	require.Equal(t, 0, count)
}

func TestCurrentUserID_ErrUnset(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	conn, err := db.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = CurrentUserID(ctx, conn)
	require.ErrorIs(t, err, ErrUnset)
}
