// Package protocol defines the shared vocabulary of the Harbor coordination
// engine: row types for the coordination database, the closed enums used
// across packages, typed deploy-action payloads, and the SQLite schema.
// Every other engine package (registry, claim, board, msgbus, deploy)
// depends on protocol; protocol depends on nothing but the standard library.
package protocol

import (
	"encoding/json"
	"fmt"
)

// --- Agent lifecycle ---

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

// Agent status constants. Completed and failed are terminal: once set they
// never revert.
const (
	AgentActive    AgentStatus = "active"
	AgentIdle      AgentStatus = "idle"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// Terminal reports whether the status is final.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// Live reports whether an agent in this status counts as working
// (its claims and announcements are honored).
func (s AgentStatus) Live() bool {
	return s == AgentActive || s == AgentIdle
}

// ParseAgentStatus validates a status string from external input.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch AgentStatus(s) {
	case AgentActive, AgentIdle, AgentCompleted, AgentFailed:
		return AgentStatus(s), nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// Agent represents a row in the agents table.
type Agent struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	SessionID      string      `json:"session_id"`
	Status         AgentStatus `json:"status"`
	CurrentTask    string      `json:"current_task,omitempty"`
	WorktreeBranch string      `json:"worktree_branch,omitempty"`
	Capabilities   []string    `json:"capabilities"`
	StartedAt      string      `json:"started_at"`
	LastHeartbeat  string      `json:"last_heartbeat"`
}

// --- Work claims ---

// ClaimType distinguishes exclusive leases from shared ones.
type ClaimType string

// Claim type constants.
const (
	ClaimExclusive ClaimType = "exclusive"
	ClaimShared    ClaimType = "shared"
)

// ParseClaimType validates a claim type string from external input.
func ParseClaimType(s string) (ClaimType, error) {
	switch ClaimType(s) {
	case ClaimExclusive, ClaimShared:
		return ClaimType(s), nil
	}
	return "", fmt.Errorf("unknown claim type %q", s)
}

// WorkClaim represents a row in the work_claims table: a TTL-bounded lease
// over a resource string. Expired rows are ignored by readers and swept
// lazily.
type WorkClaim struct {
	ID        int64     `json:"id"`
	Resource  string    `json:"resource"`
	AgentID   string    `json:"agent_id"`
	ClaimType ClaimType `json:"claim_type"`
	ClaimedAt string    `json:"claimed_at"`
	ExpiresAt string    `json:"expires_at"`
}

// --- Work announcements ---

// IntentType classifies the kind of work an announcement declares.
type IntentType string

// Intent type constants.
const (
	IntentEditing     IntentType = "editing"
	IntentRefactoring IntentType = "refactoring"
	IntentReviewing   IntentType = "reviewing"
	IntentTesting     IntentType = "testing"
	IntentDocumenting IntentType = "documenting"
)

// ParseIntentType validates an intent string from external input.
func ParseIntentType(s string) (IntentType, error) {
	switch IntentType(s) {
	case IntentEditing, IntentRefactoring, IntentReviewing, IntentTesting, IntentDocumenting:
		return IntentType(s), nil
	}
	return "", fmt.Errorf("unknown intent type %q", s)
}

// MergePriority orders intents for suggested merge sequencing: read-only
// work merges first, invasive work last. Lower is earlier.
func (t IntentType) MergePriority() int {
	switch t {
	case IntentReviewing:
		return 0
	case IntentTesting:
		return 1
	case IntentDocumenting:
		return 2
	case IntentEditing:
		return 3
	case IntentRefactoring:
		return 4
	default:
		return 5
	}
}

// Invasive reports whether the intent rewrites files (as opposed to
// read-mostly work like reviewing or testing).
func (t IntentType) Invasive() bool {
	return t == IntentEditing || t == IntentRefactoring
}

// WorkAnnouncement represents a row in the work_announcements table: a
// non-enforced declaration of intent used for advisory overlap detection.
type WorkAnnouncement struct {
	ID                  string     `json:"id"`
	AgentID             string     `json:"agent_id"`
	AgentName           string     `json:"agent_name"`
	WorktreeBranch      string     `json:"worktree_branch"`
	IntentType          IntentType `json:"intent_type"`
	Resource            string     `json:"resource"`
	Description         string     `json:"description,omitempty"`
	FilesAffected       []string   `json:"files_affected,omitempty"`
	EstimatedCompletion string     `json:"estimated_completion,omitempty"`
	AnnouncedAt         string     `json:"announced_at"`
	CompletedAt         string     `json:"completed_at,omitempty"`
}

// Open reports whether the announcement has not been completed yet.
func (a WorkAnnouncement) Open() bool { return a.CompletedAt == "" }

// --- Messages ---

// Channel names a message bus channel. Direct messages are only visible to
// their addressee; every other channel is broadcast.
type Channel string

// Well-known channels.
const (
	ChannelDirect       Channel = "direct"
	ChannelCoordination Channel = "coordination"
	ChannelReview       Channel = "review"
	ChannelBenchmark    Channel = "benchmark"
	ChannelBroadcast    Channel = "broadcast"
)

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	switch c := Channel(s); c {
	case ChannelDirect, ChannelCoordination, ChannelReview, ChannelBenchmark, ChannelBroadcast:
		return c, nil
	default:
		return "", fmt.Errorf("unknown channel %q", s)
	}
}

// MessageType distinguishes fire-and-forget notifications from requests
// that expect a reply.
type MessageType string

// Message type constants.
const (
	MessageNotification MessageType = "notification"
	MessageRequest      MessageType = "request"
)

// AgentMessage represents a row in the agent_messages table.
type AgentMessage struct {
	ID        string          `json:"id"`
	Channel   Channel         `json:"channel"`
	FromAgent string          `json:"from_agent"`
	ToAgent   string          `json:"to_agent,omitempty"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	CreatedAt string          `json:"created_at"`
	ReadAt    string          `json:"read_at,omitempty"`
	ExpiresAt string          `json:"expires_at,omitempty"`
}

// --- Deploy actions and batches ---

// ActionType identifies the kind of deploy action. The set is closed:
// producers validate against it before enqueuing, and the executor treats
// an unknown type as a per-action invariant violation.
type ActionType string

// Action type constants.
const (
	ActionCommit   ActionType = "commit"
	ActionPush     ActionType = "push"
	ActionMerge    ActionType = "merge"
	ActionWorkflow ActionType = "workflow"
	ActionDeploy   ActionType = "deploy"
)

// ParseActionType validates an action type string from external input.
func ParseActionType(s string) (ActionType, error) {
	switch ActionType(s) {
	case ActionCommit, ActionPush, ActionMerge, ActionWorkflow, ActionDeploy:
		return ActionType(s), nil
	}
	return "", &UnknownActionTypeError{ActionType: s}
}

// Mergeable reports whether pending actions of this type sharing a target
// are unioned into one row at enqueue time instead of duplicated.
func (t ActionType) Mergeable() bool {
	return t == ActionCommit || t == ActionPush || t == ActionWorkflow
}

// ParallelSafe reports whether actions of this type touch no shared
// mutable git state and may execute concurrently. Everything else mutates
// the repository and must run in order.
func (t ActionType) ParallelSafe() bool {
	return t == ActionWorkflow
}

// ActionStatus is the lifecycle state of a deploy action. Transitions are
// monotonic: pending → batched → executing → {completed|failed}.
type ActionStatus string

// Action status constants.
const (
	ActionPending   ActionStatus = "pending"
	ActionBatched   ActionStatus = "batched"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Terminal reports whether the status is final. Terminal actions are never
// re-queued by the engine.
func (s ActionStatus) Terminal() bool {
	return s == ActionCompleted || s == ActionFailed
}

// DeployAction represents a row in the deploy_actions table. Payload is
// the JSON encoding of the typed payload for ActionType (see payload.go).
type DeployAction struct {
	ID           string       `json:"id"`
	AgentID      string       `json:"agent_id"`
	ActionType   ActionType   `json:"action_type"`
	Target       string       `json:"target"`
	Payload      string       `json:"payload"`
	Status       ActionStatus `json:"status"`
	BatchID      string       `json:"batch_id,omitempty"`
	QueuedAt     string       `json:"queued_at"`
	ExecuteAfter string       `json:"execute_after"`
	Priority     int          `json:"priority"`
	Dependencies []string     `json:"dependencies,omitempty"`
}

// BatchStatus is the lifecycle state of a deploy batch.
type BatchStatus string

// Batch status constants.
const (
	BatchPending   BatchStatus = "pending"
	BatchExecuting BatchStatus = "executing"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// DeployBatch represents a row in the deploy_batches table. Actions holds
// the member action ids; Result the JSON-encoded execution summary.
type DeployBatch struct {
	ID         string      `json:"id"`
	Actions    []string    `json:"actions"`
	Status     BatchStatus `json:"status"`
	CreatedAt  string      `json:"created_at"`
	ExecutedAt string      `json:"executed_at,omitempty"`
	Result     string      `json:"result,omitempty"`
}

// --- Overlap classification ---

// ConflictRisk is the five-level heuristic classification of how likely an
// overlap is to cause a merge conflict.
type ConflictRisk string

// Conflict risk levels, lowest to highest.
const (
	RiskNone     ConflictRisk = "none"
	RiskLow      ConflictRisk = "low"
	RiskMedium   ConflictRisk = "medium"
	RiskHigh     ConflictRisk = "high"
	RiskCritical ConflictRisk = "critical"
)

// level maps risks onto a comparable scale.
func (r ConflictRisk) level() int {
	switch r {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether r is as severe as other.
func (r ConflictRisk) AtLeast(other ConflictRisk) bool {
	return r.level() >= other.level()
}

// Max returns the more severe of r and other.
func (r ConflictRisk) Max(other ConflictRisk) ConflictRisk {
	if other.level() > r.level() {
		return other
	}
	return r
}

// CollaborationMode is the suggested way for overlapping agents to proceed.
type CollaborationMode string

// Collaboration modes, keyed off conflict risk.
const (
	ModeSequence   CollaborationMode = "sequence"    // critical/high: one at a time
	ModeMergeOrder CollaborationMode = "merge_order" // medium: work in parallel, merge in order
	ModeParallel   CollaborationMode = "parallel"    // low: no coordination needed
)

// OverlapClass names the three overlap detection classes.
type OverlapClass string

// Overlap classes.
const (
	OverlapSameFile      OverlapClass = "same-file"
	OverlapSameDirectory OverlapClass = "same-directory"
	OverlapFilesAffected OverlapClass = "files-overlap"
)
