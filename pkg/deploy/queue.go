// Package deploy implements the deploy queue and batcher: enqueue-time
// merging of compatible actions, batch formation with squashing, and
// ordered/partially-parallel execution of git and CI operations.
//
// Actions that mutate shared repository state (commit, push, merge,
// deploy) execute strictly in order; workflow triggers touch no shared
// git state and fan out concurrently. Failures are isolated per action:
// one failure is recorded and the batch continues — there is no rollback
// of already-executed git operations (at-least-once semantics).
package deploy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/protocol"

	"github.com/google/uuid"
)

// Queue enqueues deploy actions with per-type batching windows and merges
// compatible pending actions at enqueue time, bounding queue growth.
type Queue struct {
	db *sql.DB

	mu      sync.Mutex
	windows Windows
	base    Windows
	urgent  bool

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewQueue creates a Queue with the default windows.
func NewQueue(db *sql.DB) *Queue {
	w := DefaultWindows()
	return &Queue{db: db, windows: w, base: w, nowFunc: time.Now}
}

// SetWindows replaces the non-urgent window table, typically with config
// overrides applied. Takes effect immediately unless urgent mode is on.
func (q *Queue) SetWindows(w Windows) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.base = w
	if !q.urgent {
		q.windows = w
	}
}

// SetNowFunc overrides the clock. Test hook.
func (q *Queue) SetNowFunc(f func() time.Time) { q.nowFunc = f }

// SetUrgentMode swaps the active window table between the defaults and
// the near-zero urgent table. Affects subsequent enqueues only.
func (q *Queue) SetUrgentMode(urgent bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.urgent = urgent
	if urgent {
		q.windows = UrgentWindows()
	} else {
		q.windows = q.base
	}
}

// UrgentMode reports whether urgent windows are active.
func (q *Queue) UrgentMode() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.urgent
}

func (q *Queue) window(t protocol.ActionType) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.windows.Window(t)
}

// EnqueueOpts holds the optional fields of an enqueue.
type EnqueueOpts struct {
	// Priority orders batch formation; higher first. Defaults to 5.
	Priority int

	// Dependencies lists action ids that should execute before this one.
	Dependencies []string

	// Urgent collapses this action's window to ~1s regardless of mode.
	Urgent bool
}

// Enqueue queues a deploy action. For mergeable types (commit, push,
// workflow) an existing pending action with the same (type, target) is
// unioned with the new payload instead of inserting a duplicate row; the
// returned merged flag reports which happened. The payload's kind must
// match actionType.
func (q *Queue) Enqueue(ctx context.Context, agentID string, actionType protocol.ActionType, target string, payload protocol.ActionPayload, opts EnqueueOpts) (actionID string, merged bool, err error) {
	if _, err := protocol.ParseActionType(string(actionType)); err != nil {
		return "", false, err
	}
	if target == "" {
		return "", false, fmt.Errorf("deploy action target must not be empty")
	}
	if payload != nil && payload.Kind() != actionType {
		return "", false, fmt.Errorf("payload kind %s does not match action type %s", payload.Kind(), actionType)
	}

	priority := opts.Priority
	if priority <= 0 {
		priority = 5
	}
	window := q.window(actionType)
	if opts.Urgent {
		window = time.Second
	}

	now := q.nowFunc()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", actionType, err)
	}
	defer func() { _ = tx.Rollback() }()

	if actionType.Mergeable() {
		var existingID, existingPayload string
		var existingPriority int
		err := tx.QueryRowContext(ctx,
			`SELECT id, payload, priority FROM deploy_actions
			 WHERE status = 'pending' AND action_type = ? AND target = ?
			 ORDER BY queued_at ASC LIMIT 1`,
			actionType, target).Scan(&existingID, &existingPayload, &existingPriority)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", false, fmt.Errorf("find mergeable action: %w", err)
		}
		if err == nil {
			mergedPayload, err := q.mergeInto(actionType, existingPayload, payload)
			if err != nil {
				return "", false, err
			}
			if priority < existingPriority {
				priority = existingPriority
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE deploy_actions SET payload = ?, priority = ? WHERE id = ? AND status = 'pending'`,
				mergedPayload, priority, existingID); err != nil {
				return "", false, fmt.Errorf("merge into action %s: %w", existingID, err)
			}
			if err := tx.Commit(); err != nil {
				return "", false, fmt.Errorf("enqueue %s: %w", actionType, err)
			}
			_ = eventlog.Log(ctx, q.db, eventlog.EventActionMerged, "deploy", agentID, target, string(actionType))
			return existingID, true, nil
		}
	}

	raw := "{}"
	if payload != nil {
		raw, err = protocol.MarshalPayload(payload)
		if err != nil {
			return "", false, err
		}
	}

	action := protocol.DeployAction{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		ActionType:   actionType,
		Target:       target,
		Payload:      raw,
		Status:       protocol.ActionPending,
		QueuedAt:     protocol.FormatTime(now),
		ExecuteAfter: protocol.FormatTime(now.Add(window)),
		Priority:     priority,
		Dependencies: opts.Dependencies,
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deploy_actions (id, agent_id, action_type, target, payload, status, queued_at, execute_after, priority, dependencies)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.AgentID, action.ActionType, action.Target, action.Payload,
		action.Status, action.QueuedAt, action.ExecuteAfter, action.Priority,
		protocol.MarshalStrings(action.Dependencies)); err != nil {
		return "", false, fmt.Errorf("insert action: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", actionType, err)
	}

	_ = eventlog.Log(ctx, q.db, eventlog.EventActionQueued, "deploy", agentID, target, string(actionType))
	return action.ID, false, nil
}

// mergeInto unions the incoming payload into the stored one.
func (q *Queue) mergeInto(t protocol.ActionType, existingRaw string, incoming protocol.ActionPayload) (string, error) {
	existing, err := protocol.UnmarshalPayload(t, existingRaw)
	if err != nil {
		return "", err
	}
	if incoming == nil {
		return existingRaw, nil
	}
	merged, err := protocol.MergePayloads(existing, incoming)
	if err != nil {
		return "", err
	}
	return protocol.MarshalPayload(merged)
}

// Pending returns all pending actions, batch-formation order (priority
// desc, queued_at asc).
func (q *Queue) Pending(ctx context.Context) ([]protocol.DeployAction, error) {
	return q.queryActions(ctx,
		`SELECT id, agent_id, action_type, target, payload, status, batch_id, queued_at, execute_after, priority, dependencies
		 FROM deploy_actions WHERE status = 'pending' ORDER BY priority DESC, queued_at ASC`)
}

// Ready returns pending actions whose window has elapsed, up to limit.
func (q *Queue) Ready(ctx context.Context, limit int) ([]protocol.DeployAction, error) {
	query := `SELECT id, agent_id, action_type, target, payload, status, batch_id, queued_at, execute_after, priority, dependencies
	          FROM deploy_actions WHERE status = 'pending' AND execute_after <= ?
	          ORDER BY priority DESC, queued_at ASC`
	args := []any{protocol.FormatTime(q.nowFunc())}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return q.queryActions(ctx, query, args...)
}

// HasReady reports whether any pending action is due, without loading it.
func (q *Queue) HasReady(ctx context.Context) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deploy_actions WHERE status = 'pending' AND execute_after <= ?`,
		protocol.FormatTime(q.nowFunc())).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count ready actions: %w", err)
	}
	return n > 0, nil
}

func (q *Queue) queryActions(ctx context.Context, query string, args ...any) ([]protocol.DeployAction, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []protocol.DeployAction
	for rows.Next() {
		var a protocol.DeployAction
		var deps string
		if err := rows.Scan(&a.ID, &a.AgentID, &a.ActionType, &a.Target, &a.Payload,
			&a.Status, &a.BatchID, &a.QueuedAt, &a.ExecuteAfter, &a.Priority, &deps); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Dependencies = protocol.UnmarshalStrings(deps)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate actions: %w", err)
	}
	return actions, nil
}
