package deploy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/protocol"

	"github.com/google/uuid"
)

// Batching limits.
const (
	// DefaultMaxBatchSize caps how many actions one batch may contain.
	DefaultMaxBatchSize = 50

	// DefaultMaxParallelActions bounds the concurrent workflow fan-out.
	DefaultMaxParallelActions = 4
)

// Batcher forms batches from ready actions, squashes compatible groups,
// and executes them against the repository via a Runner.
type Batcher struct {
	db     *sql.DB
	queue  *Queue
	runner Runner

	// RepoDir is the repository the git/gh commands run in.
	RepoDir string

	// Remote is the git remote pushes default to.
	Remote string

	MaxBatchSize       int
	MaxParallelActions int

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewBatcher creates a Batcher over the same database as queue.
func NewBatcher(db *sql.DB, queue *Queue, runner Runner, repoDir string) *Batcher {
	return &Batcher{
		db:                 db,
		queue:              queue,
		runner:             runner,
		RepoDir:            repoDir,
		Remote:             "origin",
		MaxBatchSize:       DefaultMaxBatchSize,
		MaxParallelActions: DefaultMaxParallelActions,
		nowFunc:            time.Now,
	}
}

// SetNowFunc overrides the clock. Test hook.
func (b *Batcher) SetNowFunc(f func() time.Time) { b.nowFunc = f }

// unit is a squashed group of batched actions sharing (type, target),
// executed as one shell operation.
type unit struct {
	actionType protocol.ActionType
	target     string
	payload    protocol.ActionPayload
	members    []protocol.DeployAction
}

// CreateBatch selects ready pending actions (window elapsed), groups them
// by (type, target), marks them batched under a fresh batch id, and
// persists a pending batch row. Returns nil when nothing is ready.
func (b *Batcher) CreateBatch(ctx context.Context) (*protocol.DeployBatch, error) {
	actions, err := b.queue.Ready(ctx, b.MaxBatchSize)
	if err != nil {
		return nil, err
	}
	if len(actions) == 0 {
		return nil, nil
	}

	batch := protocol.DeployBatch{
		ID:        uuid.NewString(),
		Status:    protocol.BatchPending,
		CreatedAt: protocol.FormatTime(b.nowFunc()),
	}
	for _, a := range actions {
		batch.Actions = append(batch.Actions, a.ID)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, a := range actions {
		res, err := tx.ExecContext(ctx,
			`UPDATE deploy_actions SET status = 'batched', batch_id = ? WHERE id = ? AND status = 'pending'`,
			batch.ID, a.ID)
		if err != nil {
			return nil, fmt.Errorf("batch action %s: %w", a.ID, err)
		}
		// An action grabbed by a concurrent batch is skipped, not stolen.
		if n, _ := res.RowsAffected(); n == 0 {
			batch.Actions = removeID(batch.Actions, a.ID)
		}
	}
	if len(batch.Actions) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO deploy_batches (id, actions, status, created_at) VALUES (?, ?, ?, ?)`,
		batch.ID, protocol.MarshalStrings(batch.Actions), batch.Status, batch.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}

	_ = eventlog.Log(ctx, b.db, eventlog.EventBatchCreated, "deploy", "", "",
		fmt.Sprintf(`{"batch_id":%q,"actions":%d}`, batch.ID, len(batch.Actions)))
	return &batch, nil
}

// BatchResult summarizes one batch execution; it is persisted as JSON on
// the batch row.
type BatchResult struct {
	BatchID   string   `json:"batch_id"`
	Total     int      `json:"total"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// ExecuteBatch runs a previously created batch. Squashed sequential units
// (commit, push, merge, deploy) execute strictly in formation order with
// per-action error isolation; workflow units fan out concurrently in
// chunks bounded by MaxParallelActions. The batch ends completed when at
// least one action succeeded (with a partial-failure result if any
// failed), failed when everything failed.
func (b *Batcher) ExecuteBatch(ctx context.Context, batchID string) (*BatchResult, error) {
	batch, err := b.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != protocol.BatchPending {
		return nil, fmt.Errorf("batch %s is %s, not pending", batchID, batch.Status)
	}

	actions, err := b.batchActions(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if _, err := b.db.ExecContext(ctx,
		`UPDATE deploy_batches SET status = 'executing' WHERE id = ?`, batchID); err != nil {
		return nil, fmt.Errorf("mark batch executing: %w", err)
	}

	units, err := squash(actions)
	if err != nil {
		return nil, err
	}

	var sequential, parallel []unit
	for _, u := range units {
		if u.actionType.ParallelSafe() {
			parallel = append(parallel, u)
		} else {
			sequential = append(sequential, u)
		}
	}

	result := BatchResult{BatchID: batchID, Total: len(actions)}
	var mu sync.Mutex

	record := func(u unit, execErr error) {
		mu.Lock()
		defer mu.Unlock()
		if execErr == nil {
			result.Succeeded += len(u.members)
			b.finishMembers(ctx, u, protocol.ActionCompleted)
			return
		}
		result.Failed += len(u.members)
		for _, m := range u.members {
			actionErr := &protocol.ActionFailedError{ActionID: m.ID, ActionType: m.ActionType, Err: execErr}
			result.Errors = append(result.Errors, actionErr.Error())
			_ = eventlog.Log(ctx, b.db, eventlog.EventActionFailed, "deploy", m.AgentID, m.Target, actionErr.Error())
		}
		b.finishMembers(ctx, u, protocol.ActionFailed)
	}

	// Sequential units mutate shared repository state: strict order,
	// one failure recorded and the loop continues.
	for _, u := range sequential {
		b.startMembers(ctx, u)
		record(u, b.executeUnit(ctx, u))
	}

	// Parallel-safe units fan out in bounded chunks; one failing trigger
	// does not block the others.
	for start := 0; start < len(parallel); start += b.maxParallel() {
		end := start + b.maxParallel()
		if end > len(parallel) {
			end = len(parallel)
		}
		var wg sync.WaitGroup
		for _, u := range parallel[start:end] {
			b.startMembers(ctx, u)
			wg.Add(1)
			go func(u unit) {
				defer wg.Done()
				record(u, b.executeUnit(ctx, u))
			}(u)
		}
		wg.Wait()
	}

	status := protocol.BatchCompleted
	if result.Succeeded == 0 && result.Failed > 0 {
		status = protocol.BatchFailed
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal batch result: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		`UPDATE deploy_batches SET status = ?, executed_at = ?, result = ? WHERE id = ?`,
		status, protocol.FormatTime(b.nowFunc()), string(resultJSON), batchID); err != nil {
		return nil, fmt.Errorf("finish batch %s: %w", batchID, err)
	}

	_ = eventlog.Log(ctx, b.db, eventlog.EventBatchExecuted, "deploy", "", "", string(resultJSON))
	return &result, nil
}

// FlushAll repeatedly forms and executes batches until no pending action
// with an elapsed window remains. The manual-flush operation.
func (b *Batcher) FlushAll(ctx context.Context) ([]BatchResult, error) {
	var results []BatchResult
	for {
		batch, err := b.CreateBatch(ctx)
		if err != nil {
			return results, err
		}
		if batch == nil {
			return results, nil
		}
		res, err := b.ExecuteBatch(ctx, batch.ID)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
}

// GetBatch loads one batch row.
func (b *Batcher) GetBatch(ctx context.Context, batchID string) (*protocol.DeployBatch, error) {
	var batch protocol.DeployBatch
	var actions string
	err := b.db.QueryRowContext(ctx,
		`SELECT id, actions, status, created_at, executed_at, result FROM deploy_batches WHERE id = ?`,
		batchID).Scan(&batch.ID, &actions, &batch.Status, &batch.CreatedAt, &batch.ExecutedAt, &batch.Result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s not found", batchID)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", batchID, err)
	}
	batch.Actions = protocol.UnmarshalStrings(actions)
	return &batch, nil
}

// RecentBatches returns the newest batches for status display.
func (b *Batcher) RecentBatches(ctx context.Context, limit int) ([]protocol.DeployBatch, error) {
	query := `SELECT id, actions, status, created_at, executed_at, result FROM deploy_batches ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var batches []protocol.DeployBatch
	for rows.Next() {
		var batch protocol.DeployBatch
		var actions string
		if err := rows.Scan(&batch.ID, &actions, &batch.Status, &batch.CreatedAt, &batch.ExecutedAt, &batch.Result); err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		batch.Actions = protocol.UnmarshalStrings(actions)
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return batches, nil
}

func (b *Batcher) batchActions(ctx context.Context, batchID string) ([]protocol.DeployAction, error) {
	return b.queue.queryActions(ctx,
		`SELECT id, agent_id, action_type, target, payload, status, batch_id, queued_at, execute_after, priority, dependencies
		 FROM deploy_actions WHERE batch_id = ? ORDER BY priority DESC, queued_at ASC`, batchID)
}

func (b *Batcher) maxParallel() int {
	if b.MaxParallelActions > 0 {
		return b.MaxParallelActions
	}
	return DefaultMaxParallelActions
}

// startMembers advances a unit's member actions to executing.
func (b *Batcher) startMembers(ctx context.Context, u unit) {
	for _, m := range u.members {
		_, _ = b.db.ExecContext(ctx,
			`UPDATE deploy_actions SET status = 'executing' WHERE id = ? AND status = 'batched'`, m.ID)
	}
}

// finishMembers advances a unit's member actions to a terminal status.
func (b *Batcher) finishMembers(ctx context.Context, u unit, status protocol.ActionStatus) {
	for _, m := range u.members {
		_, _ = b.db.ExecContext(ctx,
			`UPDATE deploy_actions SET status = ? WHERE id = ? AND status = 'executing'`, status, m.ID)
	}
}

// squash groups actions by (type, target) preserving formation order and
// collapses each group into one executable unit. Commit groups union
// their messages and file sets; push/workflow groups collapse to the
// first representative (idempotent operations); merge/deploy groups keep
// their first payload too, later duplicates riding along as members.
func squash(actions []protocol.DeployAction) ([]unit, error) {
	type key struct {
		t      protocol.ActionType
		target string
	}
	var order []key
	groups := make(map[key]*unit)

	for _, a := range actions {
		k := key{a.ActionType, a.Target}
		g, ok := groups[k]
		if !ok {
			payload, err := protocol.UnmarshalPayload(a.ActionType, a.Payload)
			if err != nil {
				return nil, err
			}
			groups[k] = &unit{actionType: a.ActionType, target: a.Target, payload: payload, members: []protocol.DeployAction{a}}
			order = append(order, k)
			continue
		}
		g.members = append(g.members, a)
		if a.ActionType == protocol.ActionCommit {
			incoming, err := protocol.UnmarshalPayload(a.ActionType, a.Payload)
			if err != nil {
				return nil, err
			}
			merged, err := protocol.MergePayloads(g.payload, incoming)
			if err != nil {
				return nil, err
			}
			g.payload = merged
		}
	}

	units := make([]unit, 0, len(order))
	for _, k := range order {
		units = append(units, *groups[k])
	}
	return units, nil
}

// removeID drops one id from a slice, preserving order.
func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// commitMessage enumerates the constituent commit messages of a squashed
// commit, newline-separated.
func commitMessage(p protocol.CommitPayload) string {
	if len(p.Messages) == 0 {
		return "batched commit"
	}
	if len(p.Messages) == 1 {
		return p.Messages[0]
	}
	return strings.Join(p.Messages, "\n\n")
}
