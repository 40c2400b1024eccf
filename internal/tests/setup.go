// Package tests holds integration tests that run against a real Postgres
// database. They are skipped when DATABASE_URL is not set.
package tests

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/marketchat/server/internal/db"
	"github.com/stretchr/testify/require"
)

// OpenTestDB connects to DATABASE_URL, runs the migrations and empties the
// chat tables. The test is skipped when DATABASE_URL is not set.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, databaseURL, db.PoolOptions{})
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, db.Migrate(database), "migrations must run successfully")
	require.NoError(t, TruncateChatTables(ctx, database))
	return database
}

// TruncateChatTables truncates chat tables for a clean test state.
func TruncateChatTables(ctx context.Context, database *sql.DB) error {
	_, err := database.ExecContext(ctx, "TRUNCATE TABLE messages, sessions, users CASCADE")
	if err != nil {
		return fmt.Errorf("truncate chat tables: %w", err)
	}
	return nil
}

// CreateUser inserts a user account and returns its id.
func CreateUser(t *testing.T, database *sql.DB) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := database.ExecContext(context.Background(), `INSERT INTO users (id) VALUES ($1)`, id)
	require.NoError(t, err)
	return id
}
