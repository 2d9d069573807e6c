package registry_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"harbor/pkg/protocol"
	"harbor/pkg/registry"
	"harbor/pkg/store"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "coordination.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRegisterAndGet(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg := registry.New(db)
	ctx := context.Background()

	agent, err := reg.Register(ctx, "builder-1", registry.RegisterOpts{
		SessionID:      "sess-42",
		Capabilities:   []string{"go", "sql"},
		WorktreeBranch: "agent/builder-1",
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if agent.Status != protocol.AgentActive {
		t.Errorf("new agent status = %s, want active", agent.Status)
	}

	got, err := reg.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "builder-1" || got.SessionID != "sess-42" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("capabilities lost: %v", got.Capabilities)
	}
}

func TestRegisterEmptyName(t *testing.T) {
	t.Parallel()

	reg := registry.New(openTestDB(t))
	if _, err := reg.Register(context.Background(), "", registry.RegisterOpts{}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestHeartbeatUpdatesOnlyTimestamp(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg := registry.New(db)
	ctx := context.Background()

	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	reg.SetNowFunc(func() time.Time { return now })

	agent, err := reg.Register(ctx, "a", registry.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	now = now.Add(time.Minute)
	if err := reg.Heartbeat(ctx, agent.ID); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	got, err := reg.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	hb, err := protocol.ParseTime(got.LastHeartbeat)
	if err != nil {
		t.Fatalf("parse heartbeat: %v", err)
	}
	if !hb.Equal(now) {
		t.Errorf("heartbeat not advanced: %v", hb)
	}
	if got.Status != protocol.AgentActive {
		t.Errorf("heartbeat must not change status, got %s", got.Status)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	t.Parallel()

	reg := registry.New(openTestDB(t))
	err := reg.Heartbeat(context.Background(), "missing")
	var notFound *protocol.AgentNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected AgentNotFoundError, got %v", err)
	}
}

func TestTerminalStatusNeverReverts(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg := registry.New(db)
	ctx := context.Background()

	agent, err := reg.Register(ctx, "a", registry.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.UpdateStatus(ctx, agent.ID, protocol.AgentCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus to completed: %v", err)
	}
	if err := reg.UpdateStatus(ctx, agent.ID, protocol.AgentActive, ""); err == nil {
		t.Fatal("expected error reverting a terminal status")
	}
}

func TestDeregisterReleasesClaims(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg := registry.New(db)
	ctx := context.Background()

	agent, err := reg.Register(ctx, "a", registry.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	insertClaim(t, db, agent.ID, "src/auth.go")

	if err := reg.Deregister(ctx, agent.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	got, err := reg.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != protocol.AgentCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if n := countClaims(t, db, agent.ID); n != 0 {
		t.Errorf("expected 0 claims after deregister, got %d", n)
	}
}

func TestActiveAgentsExcludesTerminal(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg := registry.New(db)
	ctx := context.Background()

	a1, _ := reg.Register(ctx, "a1", registry.RegisterOpts{})
	a2, _ := reg.Register(ctx, "a2", registry.RegisterOpts{})
	if err := reg.UpdateStatus(ctx, a2.ID, protocol.AgentIdle, "waiting"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	a3, _ := reg.Register(ctx, "a3", registry.RegisterOpts{})
	if err := reg.Deregister(ctx, a3.ID); err != nil {
		t.Fatalf("Deregister: %v", err)
	}

	agents, err := reg.ActiveAgents(ctx)
	if err != nil {
		t.Fatalf("ActiveAgents: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("expected 2 active agents, got %d", len(agents))
	}
	ids := map[string]bool{agents[0].ID: true, agents[1].ID: true}
	if !ids[a1.ID] || !ids[a2.ID] {
		t.Errorf("wrong agents returned: %v", ids)
	}
}

// TestCleanupStaleSweep covers the full stale sweep: claims released, open
// announcements closed, status failed — and idempotency of a second sweep.
func TestCleanupStaleSweep(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	reg := registry.New(db)
	ctx := context.Background()

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	reg.SetNowFunc(func() time.Time { return now })

	stale, err := reg.Register(ctx, "stale", registry.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	insertClaim(t, db, stale.ID, "src/auth.go")
	insertAnnouncement(t, db, stale.ID, "src/auth.go")

	// A fresh agent that must survive the sweep.
	now = now.Add(10 * time.Minute)
	fresh, err := reg.Register(ctx, "fresh", registry.RegisterOpts{})
	if err != nil {
		t.Fatalf("Register fresh: %v", err)
	}

	cutoff := now.Add(-5 * time.Minute)
	n, err := reg.CleanupStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("CleanupStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale agent, got %d", n)
	}

	got, _ := reg.Get(ctx, stale.ID)
	if got.Status != protocol.AgentFailed {
		t.Errorf("stale agent status = %s, want failed", got.Status)
	}
	if c := countClaims(t, db, stale.ID); c != 0 {
		t.Errorf("stale agent claims not released: %d", c)
	}
	var completedAt string
	if err := db.QueryRow(
		`SELECT completed_at FROM work_announcements WHERE agent_id = ?`, stale.ID,
	).Scan(&completedAt); err != nil {
		t.Fatalf("query announcement: %v", err)
	}
	if completedAt == "" {
		t.Error("stale agent announcement not closed")
	}

	gotFresh, _ := reg.Get(ctx, fresh.ID)
	if gotFresh.Status != protocol.AgentActive {
		t.Errorf("fresh agent swept: %s", gotFresh.Status)
	}

	// Second sweep is a no-op: the stale agent is terminal now.
	n, err = reg.CleanupStale(ctx, cutoff)
	if err != nil {
		t.Fatalf("second CleanupStale: %v", err)
	}
	if n != 0 {
		t.Errorf("second sweep affected %d agents, want 0", n)
	}
}

func TestCutoffPolicies(t *testing.T) {
	t.Parallel()

	reg := registry.New(openTestDB(t))
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	reg.SetNowFunc(func() time.Time { return now })

	if got := reg.StaleCutoff(30 * time.Second); !got.Equal(now.Add(-90 * time.Second)) {
		t.Errorf("StaleCutoff = %v, want now-90s", got)
	}
	if got := reg.HourCutoff(2); !got.Equal(now.Add(-2 * time.Hour)) {
		t.Errorf("HourCutoff = %v, want now-2h", got)
	}
}

// --- helpers ---

func insertClaim(t *testing.T, db *sql.DB, agentID, resource string) {
	t.Helper()
	now := protocol.FormatTime(time.Now())
	expires := protocol.FormatTime(time.Now().Add(5 * time.Minute))
	_, err := db.Exec(
		`INSERT INTO work_claims (resource, agent_id, claim_type, claimed_at, expires_at) VALUES (?, ?, 'exclusive', ?, ?)`,
		resource, agentID, now, expires,
	)
	if err != nil {
		t.Fatalf("insert claim: %v", err)
	}
}

func insertAnnouncement(t *testing.T, db *sql.DB, agentID, resource string) {
	t.Helper()
	_, err := db.Exec(
		`INSERT INTO work_announcements (id, agent_id, intent_type, resource, announced_at) VALUES (?, ?, 'editing', ?, ?)`,
		"ann-"+agentID, agentID, resource, protocol.FormatTime(time.Now()),
	)
	if err != nil {
		t.Fatalf("insert announcement: %v", err)
	}
}

func countClaims(t *testing.T, db *sql.DB, agentID string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM work_claims WHERE agent_id = ?`, agentID).Scan(&n); err != nil {
		t.Fatalf("count claims: %v", err)
	}
	return n
}
