package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/store"
)

// setupTestDB creates a coordination database with some sample events.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	events := []struct {
		evType, source, agentID, resource, payload string
	}{
		{eventlog.EventAgentRegistered, "registry", "agent-1", "", ""},
		{eventlog.EventClaimAcquired, "claim", "agent-1", "src/auth.go", ""},
		{eventlog.EventWorkAnnounced, "board", "agent-1", "src/auth.go", `{"intent":"editing"}`},
		{eventlog.EventAgentRegistered, "registry", "agent-2", "", ""},
		{eventlog.EventClaimDenied, "claim", "agent-2", "src/auth.go", ""},
	}
	for _, e := range events {
		if err := eventlog.Log(ctx, db, e.evType, e.source, e.agentID, e.resource, e.payload); err != nil {
			t.Fatalf("log event: %v", err)
		}
	}
	return db
}

func TestQueryByAgent(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	events, err := eventlog.Query(context.Background(), db, eventlog.QueryOpts{AgentID: "agent-1"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events for agent-1, got %d", len(events))
	}
	// Newest first.
	if events[0].Type != eventlog.EventWorkAnnounced {
		t.Errorf("expected newest event first, got %s", events[0].Type)
	}
}

func TestQueryByType(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	events, err := eventlog.Query(context.Background(), db, eventlog.QueryOpts{
		EventType: eventlog.EventAgentRegistered,
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 registration events, got %d", len(events))
	}
}

func TestQueryLimit(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	events, err := eventlog.Query(context.Background(), db, eventlog.QueryOpts{Limit: 2})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(events))
	}
}

func TestQuerySince(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	future := time.Now().Add(time.Hour)
	events, err := eventlog.Query(context.Background(), db, eventlog.QueryOpts{Since: &future})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events in the future, got %d", len(events))
	}
}

func TestQueryTimestampsParsed(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	events, err := eventlog.Query(context.Background(), db, eventlog.QueryOpts{Limit: 1})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(events) == 0 || events[0].CreatedAt.IsZero() {
		t.Fatal("expected parsed created_at timestamp")
	}
}
