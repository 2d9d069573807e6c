// Package board implements the announcement board: non-locking work-intent
// publication with advisory overlap detection. Agents announce what they
// are about to touch; the board compares the announcement against all
// other active announcements, classifies the conflict risk, generates
// collaboration suggestions, and broadcasts a coordination message when
// anything overlaps.
//
// Announce, don't lock: agents work in isolated worktrees, so announcements
// exist to reduce merge-time pain, not to serialize access. Hard mutual
// exclusion is the claim package's job.
package board

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/msgbus"
	"harbor/pkg/protocol"

	"github.com/google/uuid"
)

// Broadcaster publishes coordination messages. Production impl is
// *msgbus.Bus; tests inject a recorder.
type Broadcaster interface {
	Broadcast(ctx context.Context, from string, channel protocol.Channel, payload any, opts msgbus.SendOpts) (*protocol.AgentMessage, error)
}

// Board provides announcement operations over the coordination database.
type Board struct {
	db  *sql.DB
	bus Broadcaster

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Board. bus may be nil, in which case overlap and
// completion broadcasts are skipped.
func New(db *sql.DB, bus Broadcaster) *Board {
	return &Board{db: db, bus: bus, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (b *Board) SetNowFunc(f func() time.Time) { b.nowFunc = f }

// AnnounceOpts holds the optional fields of an announcement.
type AnnounceOpts struct {
	Description      string
	FilesAffected    []string
	EstimatedMinutes int
}

// Overlap is one detected co-occurrence class between the new announcement
// and other active work.
type Overlap struct {
	Class         protocol.OverlapClass       `json:"class"`
	Risk          protocol.ConflictRisk       `json:"risk"`
	Announcements []protocol.WorkAnnouncement `json:"announcements"`
	Suggestion    string                      `json:"suggestion"`
}

// Suggestion is the collaboration recommendation derived from an overlap.
type Suggestion struct {
	Mode       protocol.CollaborationMode `json:"mode"`
	Risk       protocol.ConflictRisk      `json:"risk"`
	Reason     string                     `json:"reason"`
	MergeOrder []string                   `json:"merge_order,omitempty"` // agent names, safest merge first
}

// AnnounceResult bundles everything AnnounceWork computed.
type AnnounceResult struct {
	Announcement protocol.WorkAnnouncement `json:"announcement"`
	Overlaps     []Overlap                 `json:"overlaps"`
	Suggestions  []Suggestion              `json:"suggestions"`
}

// overlapMessage is the payload of the work_overlap_detected broadcast.
type overlapMessage struct {
	Type        string       `json:"type"`
	AgentID     string       `json:"agent_id"`
	Resource    string       `json:"resource"`
	Overlaps    []Overlap    `json:"overlaps"`
	Suggestions []Suggestion `json:"suggestions"`
}

// AnnounceWork inserts an announcement for agentID on resource, computes
// overlaps against all other active announcements, and broadcasts a
// work_overlap_detected coordination message when any overlap is
// non-empty. The full announce → detect → suggest → broadcast sequence
// completes before the call returns.
func (b *Board) AnnounceWork(ctx context.Context, agentID, resource string, intent protocol.IntentType, opts AnnounceOpts) (*AnnounceResult, error) {
	if resource == "" {
		return nil, fmt.Errorf("announcement resource must not be empty")
	}

	agentName, worktreeBranch, err := b.lookupAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	now := b.nowFunc()
	ann := protocol.WorkAnnouncement{
		ID:             uuid.NewString(),
		AgentID:        agentID,
		AgentName:      agentName,
		WorktreeBranch: worktreeBranch,
		IntentType:     intent,
		Resource:       resource,
		Description:    opts.Description,
		FilesAffected:  opts.FilesAffected,
		AnnouncedAt:    protocol.FormatTime(now),
	}
	if opts.EstimatedMinutes > 0 {
		ann.EstimatedCompletion = protocol.FormatTime(now.Add(time.Duration(opts.EstimatedMinutes) * time.Minute))
	}

	_, err = b.db.ExecContext(ctx,
		`INSERT INTO work_announcements (id, agent_id, agent_name, worktree_branch, intent_type, resource, description, files_affected, estimated_completion, announced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ann.ID, ann.AgentID, ann.AgentName, ann.WorktreeBranch, ann.IntentType,
		ann.Resource, ann.Description, protocol.MarshalStrings(ann.FilesAffected),
		ann.EstimatedCompletion, ann.AnnouncedAt)
	if err != nil {
		return nil, fmt.Errorf("insert announcement: %w", err)
	}

	others, err := b.activeAnnouncementsExcept(ctx, agentID)
	if err != nil {
		return nil, err
	}

	overlaps := detectOverlaps(ann, others)
	suggestions := make([]Suggestion, 0, len(overlaps))
	for _, ov := range overlaps {
		suggestions = append(suggestions, GenerateCollaborationSuggestion(ann, ov))
	}

	result := &AnnounceResult{Announcement: ann, Overlaps: overlaps, Suggestions: suggestions}

	_ = eventlog.Log(ctx, b.db, eventlog.EventWorkAnnounced, "board", agentID, resource, string(intent))

	if len(overlaps) > 0 && b.bus != nil {
		msg := overlapMessage{
			Type:        protocol.MsgWorkOverlapDetected,
			AgentID:     agentID,
			Resource:    resource,
			Overlaps:    overlaps,
			Suggestions: suggestions,
		}
		if _, err := b.bus.Broadcast(ctx, agentID, protocol.ChannelCoordination, msg, msgbus.SendOpts{
			Priority: overlapBroadcastPriority(overlaps),
		}); err != nil {
			return nil, fmt.Errorf("broadcast overlap: %w", err)
		}
		_ = eventlog.Log(ctx, b.db, eventlog.EventOverlapDetected, "board", agentID, resource, "")
	}

	return result, nil
}

// CompleteWork sets completed_at on the agent's oldest open announcement
// for resource and broadcasts work_completed. A second call for the same
// pair finds nothing open and is a no-op.
func (b *Board) CompleteWork(ctx context.Context, agentID, resource string) error {
	now := protocol.FormatTime(b.nowFunc())

	res, err := b.db.ExecContext(ctx,
		`UPDATE work_announcements SET completed_at = ?
		 WHERE id = (
		     SELECT id FROM work_announcements
		     WHERE agent_id = ? AND resource = ? AND completed_at = ''
		     ORDER BY announced_at ASC LIMIT 1
		 )`,
		now, agentID, resource)
	if err != nil {
		return fmt.Errorf("complete work on %s: %w", resource, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete work on %s: %w", resource, err)
	}
	if n == 0 {
		// Already completed (or never announced): idempotent no-op.
		return nil
	}

	_ = eventlog.Log(ctx, b.db, eventlog.EventWorkCompleted, "board", agentID, resource, "")

	if b.bus != nil {
		payload := map[string]string{
			"type":     protocol.MsgWorkCompleted,
			"agent_id": agentID,
			"resource": resource,
		}
		if _, err := b.bus.Broadcast(ctx, agentID, protocol.ChannelCoordination, payload, msgbus.SendOpts{}); err != nil {
			return fmt.Errorf("broadcast completion: %w", err)
		}
	}
	return nil
}

// GetActiveWork returns every open announcement whose owning agent is
// live. Stale agents' announcements disappear from this view as soon as
// their owner's status flips, without a separate cleanup pass.
func (b *Board) GetActiveWork(ctx context.Context) ([]protocol.WorkAnnouncement, error) {
	return b.queryActive(ctx, "", "")
}

// GetWorkOnResource returns active announcements whose resource matches
// the SQL LIKE pattern (use % as wildcard; a plain path matches exactly).
func (b *Board) GetWorkOnResource(ctx context.Context, pattern string) ([]protocol.WorkAnnouncement, error) {
	return b.queryActive(ctx, "", pattern)
}

func (b *Board) activeAnnouncementsExcept(ctx context.Context, agentID string) ([]protocol.WorkAnnouncement, error) {
	return b.queryActive(ctx, agentID, "")
}

// queryActive selects open announcements with live owners, optionally
// excluding one agent or filtering by resource pattern.
func (b *Board) queryActive(ctx context.Context, excludeAgent, resourcePattern string) ([]protocol.WorkAnnouncement, error) {
	query := `SELECT w.id, w.agent_id, w.agent_name, w.worktree_branch, w.intent_type, w.resource,
	                 w.description, w.files_affected, w.estimated_completion, w.announced_at, w.completed_at
	          FROM work_announcements w
	          JOIN agents a ON a.id = w.agent_id
	          WHERE w.completed_at = '' AND a.status IN (?, ?)`
	args := []any{protocol.AgentActive, protocol.AgentIdle}
	if excludeAgent != "" {
		query += ` AND w.agent_id != ?`
		args = append(args, excludeAgent)
	}
	if resourcePattern != "" {
		query += ` AND w.resource LIKE ?`
		args = append(args, resourcePattern)
	}
	query += ` ORDER BY w.announced_at ASC`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query active announcements: %w", err)
	}
	defer rows.Close()

	var anns []protocol.WorkAnnouncement
	for rows.Next() {
		var a protocol.WorkAnnouncement
		var files string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.AgentName, &a.WorktreeBranch, &a.IntentType,
			&a.Resource, &a.Description, &files, &a.EstimatedCompletion, &a.AnnouncedAt, &a.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan announcement: %w", err)
		}
		a.FilesAffected = protocol.UnmarshalStrings(files)
		anns = append(anns, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate announcements: %w", err)
	}
	return anns, nil
}

func (b *Board) lookupAgent(ctx context.Context, agentID string) (name, worktreeBranch string, err error) {
	err = b.db.QueryRowContext(ctx,
		`SELECT name, worktree_branch FROM agents WHERE id = ?`, agentID).Scan(&name, &worktreeBranch)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", &protocol.AgentNotFoundError{AgentID: agentID}
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup agent %s: %w", agentID, err)
	}
	return name, worktreeBranch, nil
}

// --- Overlap detection ---

// detectOverlaps computes the three overlap classes for a new announcement
// against the other active announcements.
func detectOverlaps(ann protocol.WorkAnnouncement, others []protocol.WorkAnnouncement) []Overlap {
	var overlaps []Overlap

	if sameFile := filterAnnouncements(others, func(o protocol.WorkAnnouncement) bool {
		return o.Resource == ann.Resource
	}); len(sameFile) > 0 {
		overlaps = append(overlaps, makeOverlap(protocol.OverlapSameFile, ann, sameFile))
	}

	if dir := parentDir(ann.Resource); dir != "" {
		if sameDir := filterAnnouncements(others, func(o protocol.WorkAnnouncement) bool {
			return o.Resource != ann.Resource && strings.HasPrefix(o.Resource, dir)
		}); len(sameDir) > 0 {
			overlaps = append(overlaps, makeOverlap(protocol.OverlapSameDirectory, ann, sameDir))
		}
	}

	if filesOverlap := filterAnnouncements(others, func(o protocol.WorkAnnouncement) bool {
		return filesIntersect(ann, o)
	}); len(filesOverlap) > 0 {
		overlaps = append(overlaps, makeOverlap(protocol.OverlapFilesAffected, ann, filesOverlap))
	}

	return overlaps
}

// filesIntersect applies the documented heuristic: bidirectional substring
// containment between one side's affected files and the other side's
// resource. Intentionally approximate — cheap and advisory, it can
// false-positive on unrelated paths sharing substrings. Tightening it is
// a product decision, not a bug fix.
func filesIntersect(ann, other protocol.WorkAnnouncement) bool {
	for _, f := range other.FilesAffected {
		if pathsContain(f, ann.Resource) {
			return true
		}
	}
	for _, f := range ann.FilesAffected {
		if pathsContain(f, other.Resource) {
			return true
		}
	}
	return false
}

func pathsContain(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.Contains(a, b) || strings.Contains(b, a)
}

// parentDir returns the announcement resource's parent directory with a
// trailing slash, or "" when the resource has no directory component.
func parentDir(resource string) string {
	dir := path.Dir(resource)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

func filterAnnouncements(anns []protocol.WorkAnnouncement, keep func(protocol.WorkAnnouncement) bool) []protocol.WorkAnnouncement {
	var out []protocol.WorkAnnouncement
	for _, a := range anns {
		if keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func makeOverlap(class protocol.OverlapClass, ann protocol.WorkAnnouncement, others []protocol.WorkAnnouncement) Overlap {
	intents := make([]protocol.IntentType, 0, len(others)+1)
	intents = append(intents, ann.IntentType)
	for _, o := range others {
		intents = append(intents, o.IntentType)
	}
	risk := AssessConflictRisk(class, intents)
	return Overlap{
		Class:         class,
		Risk:          risk,
		Announcements: others,
		Suggestion:    overlapSuggestionText(class, ann, others, risk),
	}
}

// AssessConflictRisk classifies an overlap given the intents of every
// participant (the announcing agent first, then the others):
//
//   - low when every participant is doing read-mostly work (reviewing,
//     testing, documenting)
//   - critical when two or more invasive intents (editing, refactoring)
//     target the identical file
//   - high when exactly one invasive intent coexists with other work on
//     the identical file, or when any participant is refactoring
//   - medium otherwise (directory-scoped or heuristic file grouping)
func AssessConflictRisk(class protocol.OverlapClass, intents []protocol.IntentType) protocol.ConflictRisk {
	if len(intents) < 2 {
		return protocol.RiskNone
	}

	invasive := 0
	refactoring := false
	for _, t := range intents {
		if t.Invasive() {
			invasive++
		}
		if t == protocol.IntentRefactoring {
			refactoring = true
		}
	}

	switch {
	case invasive == 0:
		return protocol.RiskLow
	case class == protocol.OverlapSameFile && invasive >= 2:
		return protocol.RiskCritical
	case class == protocol.OverlapSameFile:
		return protocol.RiskHigh
	case refactoring:
		return protocol.RiskHigh
	default:
		return protocol.RiskMedium
	}
}

// GenerateCollaborationSuggestion maps an overlap's risk onto a
// collaboration mode: critical/high work should sequence (with a merge
// order putting read-only work first and refactoring last), medium risk
// coordinates merge order only, low risk proceeds in parallel.
func GenerateCollaborationSuggestion(ann protocol.WorkAnnouncement, ov Overlap) Suggestion {
	participants := make([]protocol.WorkAnnouncement, 0, len(ov.Announcements)+1)
	participants = append(participants, ann)
	participants = append(participants, ov.Announcements...)

	switch {
	case ov.Risk.AtLeast(protocol.RiskHigh):
		return Suggestion{
			Mode:       protocol.ModeSequence,
			Risk:       ov.Risk,
			Reason:     fmt.Sprintf("%s overlap on %s: work one at a time to avoid conflicting edits", ov.Class, ann.Resource),
			MergeOrder: mergeOrder(participants),
		}
	case ov.Risk == protocol.RiskMedium:
		return Suggestion{
			Mode:       protocol.ModeMergeOrder,
			Risk:       ov.Risk,
			Reason:     fmt.Sprintf("%s overlap near %s: safe to work in parallel, merge in the suggested order", ov.Class, ann.Resource),
			MergeOrder: mergeOrder(participants),
		}
	default:
		return Suggestion{
			Mode:   protocol.ModeParallel,
			Risk:   ov.Risk,
			Reason: fmt.Sprintf("%s overlap on %s is read-mostly: no coordination needed", ov.Class, ann.Resource),
		}
	}
}

// mergeOrder sorts participants by intent merge priority (reviewing first,
// refactoring last), ties broken by announcement age, and returns their
// agent names.
func mergeOrder(participants []protocol.WorkAnnouncement) []string {
	sorted := make([]protocol.WorkAnnouncement, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].IntentType.MergePriority(), sorted[j].IntentType.MergePriority()
		if pi != pj {
			return pi < pj
		}
		return sorted[i].AnnouncedAt < sorted[j].AnnouncedAt
	})

	names := make([]string, 0, len(sorted))
	for _, p := range sorted {
		name := p.AgentName
		if name == "" {
			name = p.AgentID
		}
		names = append(names, name)
	}
	return names
}

func overlapSuggestionText(class protocol.OverlapClass, ann protocol.WorkAnnouncement, others []protocol.WorkAnnouncement, risk protocol.ConflictRisk) string {
	names := make([]string, 0, len(others))
	for _, o := range others {
		name := o.AgentName
		if name == "" {
			name = o.AgentID
		}
		names = append(names, fmt.Sprintf("%s (%s)", name, o.IntentType))
	}
	joined := strings.Join(names, ", ")

	switch class {
	case protocol.OverlapSameFile:
		return fmt.Sprintf("%s also working on %s; risk %s — coordinate before editing", joined, ann.Resource, risk)
	case protocol.OverlapSameDirectory:
		return fmt.Sprintf("%s working in the same directory as %s; risk %s — agree on merge order", joined, ann.Resource, risk)
	default:
		return fmt.Sprintf("%s touching files related to %s; risk %s — check for shared files", joined, ann.Resource, risk)
	}
}

// overlapBroadcastPriority raises the message priority with the most
// severe detected risk so critical overlaps jump the queue.
func overlapBroadcastPriority(overlaps []Overlap) int {
	worst := protocol.RiskNone
	for _, ov := range overlaps {
		worst = worst.Max(ov.Risk)
	}
	switch worst {
	case protocol.RiskCritical:
		return 9
	case protocol.RiskHigh:
		return 8
	case protocol.RiskMedium:
		return 6
	default:
		return protocol.DefaultMessagePriority
	}
}
