package protocol_test

import (
	"testing"
	"time"

	"harbor/pkg/protocol"
)

func TestParseActionType(t *testing.T) {
	t.Parallel()

	for _, valid := range []string{"commit", "push", "merge", "workflow", "deploy"} {
		if _, err := protocol.ParseActionType(valid); err != nil {
			t.Errorf("ParseActionType(%q): %v", valid, err)
		}
	}
	if _, err := protocol.ParseActionType("rollback"); err == nil {
		t.Error("expected error for unknown action type")
	}
}

func TestActionTypeMergeable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		actionType protocol.ActionType
		mergeable  bool
		parallel   bool
	}{
		{protocol.ActionCommit, true, false},
		{protocol.ActionPush, true, false},
		{protocol.ActionWorkflow, true, true},
		{protocol.ActionMerge, false, false},
		{protocol.ActionDeploy, false, false},
	}
	for _, tt := range tests {
		if got := tt.actionType.Mergeable(); got != tt.mergeable {
			t.Errorf("%s.Mergeable() = %v, want %v", tt.actionType, got, tt.mergeable)
		}
		if got := tt.actionType.ParallelSafe(); got != tt.parallel {
			t.Errorf("%s.ParallelSafe() = %v, want %v", tt.actionType, got, tt.parallel)
		}
	}
}

func TestAgentStatusTerminal(t *testing.T) {
	t.Parallel()

	if protocol.AgentActive.Terminal() || protocol.AgentIdle.Terminal() {
		t.Error("active/idle must not be terminal")
	}
	if !protocol.AgentCompleted.Terminal() || !protocol.AgentFailed.Terminal() {
		t.Error("completed/failed must be terminal")
	}
	if !protocol.AgentActive.Live() || !protocol.AgentIdle.Live() {
		t.Error("active/idle must be live")
	}
	if protocol.AgentFailed.Live() {
		t.Error("failed must not be live")
	}
}

func TestIntentMergePriorityOrdering(t *testing.T) {
	t.Parallel()

	// Read-only work merges first, invasive work last.
	order := []protocol.IntentType{
		protocol.IntentReviewing,
		protocol.IntentTesting,
		protocol.IntentDocumenting,
		protocol.IntentEditing,
		protocol.IntentRefactoring,
	}
	for i := 1; i < len(order); i++ {
		if order[i-1].MergePriority() >= order[i].MergePriority() {
			t.Errorf("%s should merge before %s", order[i-1], order[i])
		}
	}
}

func TestConflictRiskComparison(t *testing.T) {
	t.Parallel()

	if !protocol.RiskCritical.AtLeast(protocol.RiskHigh) {
		t.Error("critical >= high")
	}
	if protocol.RiskLow.AtLeast(protocol.RiskMedium) {
		t.Error("low < medium")
	}
	if got := protocol.RiskMedium.Max(protocol.RiskHigh); got != protocol.RiskHigh {
		t.Errorf("Max(medium, high) = %s", got)
	}
}

func TestTimeFormatSortable(t *testing.T) {
	t.Parallel()

	// Lexicographic order of stored timestamps must match chronological
	// order; SQL comparisons on TEXT columns rely on it.
	base := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	later := base.Add(500 * time.Millisecond)

	a := protocol.FormatTime(base)
	b := protocol.FormatTime(later)
	if !(a < b) {
		t.Errorf("expected %q < %q", a, b)
	}

	parsed, err := protocol.ParseTime(b)
	if err != nil {
		t.Fatalf("ParseTime: %v", err)
	}
	if !parsed.Equal(later) {
		t.Errorf("round trip: got %v want %v", parsed, later)
	}
}

func TestParseTimeEmpty(t *testing.T) {
	t.Parallel()

	got, err := protocol.ParseTime("")
	if err != nil {
		t.Fatalf("ParseTime(\"\"): %v", err)
	}
	if !got.IsZero() {
		t.Errorf("empty string should parse to zero time, got %v", got)
	}
}
