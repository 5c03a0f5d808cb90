package testutil

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/onnwee/live-tender/db"
)

// resetTables lists every table of the schema, children first.
var resetTables = []string{
	"chat_messages", "webhook_events", "videos", "jobs", "fetch_log",
	"stream_snapshots", "schedules", "broadcasters", "oauth_tokens", "kv",
}

// SetupTestDB connects to TEST_PG_DSN, runs migrations and empties every table.
// It skips the test if TEST_PG_DSN environment variable is not set.
func SetupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := db.Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := db.RunMigrations(database); err != nil {
		database.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	for _, table := range resetTables {
		if _, err := database.Exec(`DELETE FROM ` + table); err != nil {
			database.Close()
			t.Fatalf("failed to reset %s: %v", table, err)
		}
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}
