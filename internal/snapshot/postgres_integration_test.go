package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	pg := backend.(*PostgresBackend)
	pg.tableName = postgresIntegrationTableName("kanban_stream_snapshots_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, pg.tableName)
	})

	if _, ok, err := backend.Load("diff:att_1"); err != nil || ok {
		t.Fatalf("expected initial miss, ok=%v err=%v", ok, err)
	}
	if err := backend.Save("diff:att_1", json.RawMessage(`{"entries":{"a":{"type":"DIFF"}}}`)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := backend.Save("diff:att_1", json.RawMessage(`{"entries":{}}`)); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	doc, ok, err := backend.Load("diff:att_1")
	if err != nil || !ok {
		t.Fatalf("load after save failed: ok=%v err=%v", ok, err)
	}
	if string(doc) != `{"entries":{}}` {
		t.Fatalf("expected upserted document, got %s", doc)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("KANBAN_STREAM_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set KANBAN_STREAM_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
