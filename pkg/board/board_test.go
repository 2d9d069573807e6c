package board_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"harbor/pkg/board"
	"harbor/pkg/msgbus"
	"harbor/pkg/protocol"
	"harbor/pkg/registry"
	"harbor/pkg/store"
)

// recordingBus captures broadcasts instead of writing them.
type recordingBus struct {
	calls []recordedBroadcast
}

type recordedBroadcast struct {
	from     string
	channel  protocol.Channel
	payload  any
	priority int
}

func (r *recordingBus) Broadcast(_ context.Context, from string, channel protocol.Channel, payload any, opts msgbus.SendOpts) (*protocol.AgentMessage, error) {
	r.calls = append(r.calls, recordedBroadcast{from: from, channel: channel, payload: payload, priority: opts.Priority})
	return &protocol.AgentMessage{}, nil
}

type fixture struct {
	db  *sql.DB
	reg *registry.Registry
	bus *recordingBus
	brd *board.Board
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "coordination.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	bus := &recordingBus{}
	return &fixture{
		db:  db,
		reg: registry.New(db),
		bus: bus,
		brd: board.New(db, bus),
	}
}

func (f *fixture) register(t *testing.T, name string) string {
	t.Helper()
	agent, err := f.reg.Register(context.Background(), name, registry.RegisterOpts{
		WorktreeBranch: protocol.BranchPrefix + name,
	})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return agent.ID
}

func (f *fixture) announce(t *testing.T, agentID, resource string, intent protocol.IntentType, opts board.AnnounceOpts) *board.AnnounceResult {
	t.Helper()
	res, err := f.brd.AnnounceWork(context.Background(), agentID, resource, intent, opts)
	if err != nil {
		t.Fatalf("announce %s on %s: %v", agentID, resource, err)
	}
	return res
}

func TestAnnounceNoOverlap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")

	res := f.announce(t, a1, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})
	if len(res.Overlaps) != 0 {
		t.Errorf("expected no overlaps, got %+v", res.Overlaps)
	}
	if len(f.bus.calls) != 0 {
		t.Errorf("no broadcast expected without overlap, got %d", len(f.bus.calls))
	}
}

// TestSameFileEditingIsCritical covers the overlap-symmetry property: two
// concurrent editing intents on the identical file classify as critical.
func TestSameFileEditingIsCritical(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	a2 := f.register(t, "a2")

	f.announce(t, a1, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})
	res := f.announce(t, a2, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})

	if len(res.Overlaps) == 0 {
		t.Fatal("expected same-file overlap")
	}
	var sameFile *board.Overlap
	for i := range res.Overlaps {
		if res.Overlaps[i].Class == protocol.OverlapSameFile {
			sameFile = &res.Overlaps[i]
		}
	}
	if sameFile == nil {
		t.Fatalf("no same-file class in %+v", res.Overlaps)
	}
	if sameFile.Risk != protocol.RiskCritical {
		t.Errorf("risk = %s, want critical", sameFile.Risk)
	}
	if len(sameFile.Announcements) != 1 || sameFile.Announcements[0].AgentID != a1 {
		t.Errorf("overlap should name a1's announcement: %+v", sameFile.Announcements)
	}

	if len(f.bus.calls) != 1 {
		t.Fatalf("expected 1 overlap broadcast, got %d", len(f.bus.calls))
	}
	call := f.bus.calls[0]
	if call.channel != protocol.ChannelCoordination || call.from != a2 {
		t.Errorf("broadcast on %s from %s", call.channel, call.from)
	}
	if call.priority != 9 {
		t.Errorf("critical overlap should broadcast at priority 9, got %d", call.priority)
	}
}

func TestSameDirectoryIsMedium(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	a2 := f.register(t, "a2")

	f.announce(t, a1, "src/api/users.ts", protocol.IntentEditing, board.AnnounceOpts{})
	res := f.announce(t, a2, "src/api/orders.ts", protocol.IntentEditing, board.AnnounceOpts{})

	var sameDir *board.Overlap
	for i := range res.Overlaps {
		if res.Overlaps[i].Class == protocol.OverlapSameDirectory {
			sameDir = &res.Overlaps[i]
		}
	}
	if sameDir == nil {
		t.Fatalf("expected same-directory overlap, got %+v", res.Overlaps)
	}
	if sameDir.Risk != protocol.RiskMedium {
		t.Errorf("risk = %s, want medium", sameDir.Risk)
	}
}

func TestFilesOverlapHeuristic(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	a2 := f.register(t, "a2")

	f.announce(t, a1, "feature/login", protocol.IntentTesting, board.AnnounceOpts{
		FilesAffected: []string{"src/auth.ts", "src/session.ts"},
	})
	res := f.announce(t, a2, "src/auth.ts", protocol.IntentReviewing, board.AnnounceOpts{})

	var filesOv *board.Overlap
	for i := range res.Overlaps {
		if res.Overlaps[i].Class == protocol.OverlapFilesAffected {
			filesOv = &res.Overlaps[i]
		}
	}
	if filesOv == nil {
		t.Fatalf("expected files-overlap, got %+v", res.Overlaps)
	}
	// testing + reviewing: read-mostly on both sides.
	if filesOv.Risk != protocol.RiskLow {
		t.Errorf("risk = %s, want low", filesOv.Risk)
	}
}

func TestCompletedAnnouncementsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	a2 := f.register(t, "a2")

	f.announce(t, a1, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})
	if err := f.brd.CompleteWork(context.Background(), a1, "src/auth.ts"); err != nil {
		t.Fatalf("CompleteWork: %v", err)
	}

	res := f.announce(t, a2, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})
	if len(res.Overlaps) != 0 {
		t.Errorf("completed work must not overlap: %+v", res.Overlaps)
	}
}

func TestStaleOwnerAnnouncementsDisappear(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	a2 := f.register(t, "a2")
	ctx := context.Background()

	f.announce(t, a1, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})

	// Owner goes terminal; its open announcement drops out of the active
	// view without any cleanup pass.
	if err := f.reg.UpdateStatus(ctx, a1, protocol.AgentFailed, ""); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	res := f.announce(t, a2, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})
	if len(res.Overlaps) != 0 {
		t.Errorf("failed agent's announcements must not overlap: %+v", res.Overlaps)
	}

	active, err := f.brd.GetActiveWork(ctx)
	if err != nil {
		t.Fatalf("GetActiveWork: %v", err)
	}
	if len(active) != 1 || active[0].AgentID != a2 {
		t.Errorf("active work should only show a2: %+v", active)
	}
}

// TestCompleteWorkIdempotent verifies the second completion touches no row
// and broadcasts nothing.
func TestCompleteWorkIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	ctx := context.Background()

	f.announce(t, a1, "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})

	if err := f.brd.CompleteWork(ctx, a1, "src/auth.ts"); err != nil {
		t.Fatalf("first CompleteWork: %v", err)
	}
	broadcasts := len(f.bus.calls)

	if err := f.brd.CompleteWork(ctx, a1, "src/auth.ts"); err != nil {
		t.Fatalf("second CompleteWork: %v", err)
	}
	if len(f.bus.calls) != broadcasts {
		t.Error("second CompleteWork must not broadcast")
	}

	var n int
	if err := f.db.QueryRow(
		`SELECT COUNT(*) FROM work_announcements WHERE agent_id = ? AND completed_at != ''`, a1,
	).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("expected exactly 1 completed row, got %d", n)
	}
}

func TestSequenceSuggestionMergeOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "refactorer")
	a2 := f.register(t, "reviewer")

	f.announce(t, a1, "src/auth.ts", protocol.IntentRefactoring, board.AnnounceOpts{})
	res := f.announce(t, a2, "src/auth.ts", protocol.IntentReviewing, board.AnnounceOpts{})

	if len(res.Suggestions) == 0 {
		t.Fatal("expected a suggestion")
	}
	sug := res.Suggestions[0]
	if sug.Mode != protocol.ModeSequence {
		t.Errorf("mode = %s, want sequence", sug.Mode)
	}
	// Reviewing merges before refactoring.
	if len(sug.MergeOrder) != 2 || sug.MergeOrder[0] != "reviewer" || sug.MergeOrder[1] != "refactorer" {
		t.Errorf("merge order = %v, want [reviewer refactorer]", sug.MergeOrder)
	}
}

func TestGetWorkOnResourcePattern(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	a1 := f.register(t, "a1")
	ctx := context.Background()

	f.announce(t, a1, "src/api/users.ts", protocol.IntentEditing, board.AnnounceOpts{})
	f.announce(t, a1, "docs/readme.md", protocol.IntentDocumenting, board.AnnounceOpts{})

	got, err := f.brd.GetWorkOnResource(ctx, "src/%")
	if err != nil {
		t.Fatalf("GetWorkOnResource: %v", err)
	}
	if len(got) != 1 || got[0].Resource != "src/api/users.ts" {
		t.Errorf("pattern match failed: %+v", got)
	}
}

func TestAnnounceUnknownAgent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	_, err := f.brd.AnnounceWork(context.Background(), "ghost", "src/auth.ts", protocol.IntentEditing, board.AnnounceOpts{})
	if err == nil {
		t.Fatal("expected error for unregistered agent")
	}
}

func TestAssessConflictRisk(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		class   protocol.OverlapClass
		intents []protocol.IntentType
		want    protocol.ConflictRisk
	}{
		{
			name:    "solo is none",
			class:   protocol.OverlapSameFile,
			intents: []protocol.IntentType{protocol.IntentEditing},
			want:    protocol.RiskNone,
		},
		{
			name:    "two editors same file",
			class:   protocol.OverlapSameFile,
			intents: []protocol.IntentType{protocol.IntentEditing, protocol.IntentEditing},
			want:    protocol.RiskCritical,
		},
		{
			name:    "one editor one reviewer same file",
			class:   protocol.OverlapSameFile,
			intents: []protocol.IntentType{protocol.IntentEditing, protocol.IntentReviewing},
			want:    protocol.RiskHigh,
		},
		{
			name:    "refactoring in directory",
			class:   protocol.OverlapSameDirectory,
			intents: []protocol.IntentType{protocol.IntentRefactoring, protocol.IntentTesting},
			want:    protocol.RiskHigh,
		},
		{
			name:    "editors in directory",
			class:   protocol.OverlapSameDirectory,
			intents: []protocol.IntentType{protocol.IntentEditing, protocol.IntentEditing},
			want:    protocol.RiskMedium,
		},
		{
			name:    "read-only crowd",
			class:   protocol.OverlapSameFile,
			intents: []protocol.IntentType{protocol.IntentReviewing, protocol.IntentTesting, protocol.IntentDocumenting},
			want:    protocol.RiskLow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := board.AssessConflictRisk(tt.class, tt.intents); got != tt.want {
				t.Errorf("AssessConflictRisk = %s, want %s", got, tt.want)
			}
		})
	}
}
