package manager

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/dwickyfp/rosetta/internal/config"
	"github.com/dwickyfp/rosetta/internal/dlq"
)

// Integration tests need a disposable Postgres; set ROSETTA_TEST_DB_URL to
// run them.
func setupTestManager(t *testing.T) *Manager {
	t.Helper()
	dbURL := os.Getenv("ROSETTA_TEST_DB_URL")
	if dbURL == "" {
		t.Skip("ROSETTA_TEST_DB_URL not set")
	}

	store, err := dlq.NewStore(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("dlq store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	settings := &config.Settings{
		ConfigDatabaseURL: dbURL,
		Batch:             config.BatchConfig{MaxSize: 1000, MaxFillMS: 5000},
		SyncWorkers:       4,
	}

	m, err := New(context.Background(), settings, store, zerolog.Nop())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func TestRunMigrations_Idempotent(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if err := m.RunMigrations(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := m.RunMigrations(ctx); err != nil {
		t.Fatalf("second run should be a no-op: %v", err)
	}

	for _, table := range []string{
		"pipelines", "sources", "destinations", "pipelines_destination",
		"pipelines_destination_table_sync", "pipeline_metadata",
		"data_flow_record_monitoring", "system_metrics",
	} {
		var exists bool
		err := m.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM information_schema.tables WHERE table_name = $1)", table).Scan(&exists)
		if err != nil {
			t.Fatalf("check %s: %v", table, err)
		}
		if !exists {
			t.Errorf("table %s not created", table)
		}
	}
}

func TestMetadataUpsert(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if err := m.RunMigrations(ctx); err != nil {
		t.Fatal(err)
	}

	var sourceID, pipelineID int32
	err := m.pool.QueryRow(ctx, `
		INSERT INTO sources (pg_host, pg_database, pg_username, publication_name)
		VALUES ('localhost', 'src', 'postgres', 'pub') RETURNING id`).Scan(&sourceID)
	if err != nil {
		t.Fatal(err)
	}
	err = m.pool.QueryRow(ctx, `
		INSERT INTO pipelines (name, status, source_id)
		VALUES ('meta-test', 'PAUSE', $1) RETURNING id`, sourceID).Scan(&pipelineID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.pool.Exec(ctx, "DELETE FROM pipelines WHERE id = $1", pipelineID)
		m.pool.Exec(ctx, "DELETE FROM sources WHERE id = $1", sourceID)
	})

	m.updateMetadata(ctx, pipelineID, MetaRunning, "")

	var status string
	var lastError *string
	err = m.pool.QueryRow(ctx,
		"SELECT status, last_error FROM pipeline_metadata WHERE pipeline_id = $1", pipelineID).
		Scan(&status, &lastError)
	if err != nil {
		t.Fatal(err)
	}
	if status != MetaRunning || lastError != nil {
		t.Errorf("metadata = (%s, %v)", status, lastError)
	}

	// An error stamps last_error and last_error_at.
	m.updateMetadata(ctx, pipelineID, MetaError, "decoder: connection reset")
	err = m.pool.QueryRow(ctx,
		"SELECT status, last_error FROM pipeline_metadata WHERE pipeline_id = $1", pipelineID).
		Scan(&status, &lastError)
	if err != nil {
		t.Fatal(err)
	}
	if status != MetaError || lastError == nil || *lastError != "decoder: connection reset" {
		t.Errorf("metadata after error = (%s, %v)", status, lastError)
	}

	// A later status change without an error preserves the previous error stamp.
	m.updateMetadata(ctx, pipelineID, MetaPaused, "")
	var lastErrorAt *string
	err = m.pool.QueryRow(ctx,
		"SELECT status, last_error_at::text FROM pipeline_metadata WHERE pipeline_id = $1", pipelineID).
		Scan(&status, &lastErrorAt)
	if err != nil {
		t.Fatal(err)
	}
	if status != MetaPaused {
		t.Errorf("status = %s, want PAUSED", status)
	}
	if lastErrorAt == nil {
		t.Error("last_error_at should survive a non-error status change")
	}
}

func TestSetPipelineStatus(t *testing.T) {
	m := setupTestManager(t)
	ctx := context.Background()

	if err := m.RunMigrations(ctx); err != nil {
		t.Fatal(err)
	}

	var sourceID, pipelineID int32
	err := m.pool.QueryRow(ctx, `
		INSERT INTO sources (pg_host, pg_database, pg_username, publication_name)
		VALUES ('localhost', 'src', 'postgres', 'pub') RETURNING id`).Scan(&sourceID)
	if err != nil {
		t.Fatal(err)
	}
	err = m.pool.QueryRow(ctx, `
		INSERT INTO pipelines (name, status, source_id)
		VALUES ('status-test', 'REFRESH', $1) RETURNING id`, sourceID).Scan(&pipelineID)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		m.pool.Exec(ctx, "DELETE FROM pipelines WHERE id = $1", pipelineID)
		m.pool.Exec(ctx, "DELETE FROM sources WHERE id = $1", sourceID)
	})

	// REFRESH processing sets the row back to START so it is edge-triggered.
	m.setPipelineStatus(ctx, pipelineID, StatusStart)

	var status string
	if err := m.pool.QueryRow(ctx,
		"SELECT status FROM pipelines WHERE id = $1", pipelineID).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != StatusStart {
		t.Errorf("status = %s, want START", status)
	}
}
