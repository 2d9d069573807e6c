// Package registry manages agent lifecycle in the coordination database:
// registration, heartbeats, status transitions, deregistration, and the
// stale-agent sweep. An agent row is the unit of liveness — claims and
// announcements hang off it by agent_id and are honored only while the
// agent's status is live (active or idle).
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/protocol"

	"github.com/google/uuid"
)

// Registry provides agent lifecycle operations over the coordination
// database.
type Registry struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Registry over an open coordination database.
func New(db *sql.DB) *Registry {
	return &Registry{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock. Test hook.
func (r *Registry) SetNowFunc(f func() time.Time) { r.nowFunc = f }

// RegisterOpts holds the optional fields of a registration.
type RegisterOpts struct {
	SessionID      string
	Capabilities   []string
	WorktreeBranch string
}

// Register creates an active agent row and returns it.
func (r *Registry) Register(ctx context.Context, name string, opts RegisterOpts) (*protocol.Agent, error) {
	if name == "" {
		return nil, fmt.Errorf("agent name must not be empty")
	}

	now := protocol.FormatTime(r.nowFunc())
	agent := &protocol.Agent{
		ID:             uuid.NewString(),
		Name:           name,
		SessionID:      opts.SessionID,
		Status:         protocol.AgentActive,
		WorktreeBranch: opts.WorktreeBranch,
		Capabilities:   opts.Capabilities,
		StartedAt:      now,
		LastHeartbeat:  now,
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, session_id, status, worktree_branch, capabilities, started_at, last_heartbeat)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		agent.ID, agent.Name, agent.SessionID, agent.Status,
		agent.WorktreeBranch, protocol.MarshalStrings(agent.Capabilities),
		agent.StartedAt, agent.LastHeartbeat,
	)
	if err != nil {
		return nil, fmt.Errorf("register agent %s: %w", name, err)
	}

	_ = eventlog.Log(ctx, r.db, eventlog.EventAgentRegistered, "registry", agent.ID, "", agent.Name)
	return agent, nil
}

// Heartbeat updates last_heartbeat and nothing else. Callers are expected
// to invoke it periodically; liveness is judged against it by CleanupStale.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`,
		protocol.FormatTime(r.nowFunc()), agentID,
	)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", agentID, err)
	}
	if n == 0 {
		return &protocol.AgentNotFoundError{AgentID: agentID}
	}
	return nil
}

// UpdateStatus sets an agent's status and (optionally) current task.
// Terminal statuses are set once and never revert: updating a completed or
// failed agent is an error.
func (r *Registry) UpdateStatus(ctx context.Context, agentID string, status protocol.AgentStatus, currentTask string) error {
	agent, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status.Terminal() {
		return fmt.Errorf("agent %s is %s: terminal status never reverts", agentID, agent.Status)
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, current_task = ?, last_heartbeat = ? WHERE id = ?`,
		status, currentTask, protocol.FormatTime(r.nowFunc()), agentID,
	)
	if err != nil {
		return fmt.Errorf("update status %s: %w", agentID, err)
	}
	return nil
}

// Deregister releases every claim owned by the agent, then marks it
// completed. Safe to call on an already-terminal agent.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deregister %s: %w", agentID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM work_claims WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("release claims for %s: %w", agentID, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = ? WHERE id = ? AND status IN (?, ?)`,
		protocol.AgentCompleted, agentID, protocol.AgentActive, protocol.AgentIdle,
	)
	if err != nil {
		return fmt.Errorf("mark %s completed: %w", agentID, err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("deregister %s: %w", agentID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("deregister %s: %w", agentID, err)
	}

	_ = eventlog.Log(ctx, r.db, eventlog.EventAgentDeregistered, "registry", agentID, "", "")
	return nil
}

// Get returns a single agent row.
func (r *Registry) Get(ctx context.Context, agentID string) (*protocol.Agent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, session_id, status, current_task, worktree_branch, capabilities, started_at, last_heartbeat
		 FROM agents WHERE id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.AgentNotFoundError{AgentID: agentID}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", agentID, err)
	}
	return agent, nil
}

// ActiveAgents returns agents whose status is active or idle, oldest
// registration first.
func (r *Registry) ActiveAgents(ctx context.Context) ([]protocol.Agent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, session_id, status, current_task, worktree_branch, capabilities, started_at, last_heartbeat
		 FROM agents WHERE status IN (?, ?) ORDER BY started_at ASC`,
		protocol.AgentActive, protocol.AgentIdle)
	if err != nil {
		return nil, fmt.Errorf("query active agents: %w", err)
	}
	defer rows.Close()

	var agents []protocol.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// StaleCutoff computes the default liveness cutoff: 3x the heartbeat
// interval before now.
func (r *Registry) StaleCutoff(heartbeatInterval time.Duration) time.Time {
	return r.nowFunc().Add(-protocol.StaleHeartbeatMultiplier * heartbeatInterval)
}

// HourCutoff computes the operator-triggered GC cutoff: hours before now.
func (r *Registry) HourCutoff(hours int) time.Time {
	return r.nowFunc().Add(-time.Duration(hours) * time.Hour)
}

// CleanupStale sweeps every live agent whose last heartbeat predates
// cutoff: its claims are released, its open announcements closed, and its
// status set to failed — all in one transaction per sweep. Agents already
// terminal are untouched, so repeated sweeps are idempotent. Returns the
// number of agents affected.
func (r *Registry) CleanupStale(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cleanup stale: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoffStr := protocol.FormatTime(cutoff)

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM agents WHERE status IN (?, ?) AND last_heartbeat < ?`,
		protocol.AgentActive, protocol.AgentIdle, cutoffStr)
	if err != nil {
		return 0, fmt.Errorf("select stale agents: %w", err)
	}
	var stale []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan stale agent: %w", err)
		}
		stale = append(stale, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stale agents: %w", err)
	}

	if len(stale) == 0 {
		return 0, tx.Commit()
	}

	now := protocol.FormatTime(r.nowFunc())
	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM work_claims WHERE agent_id = ?`, id); err != nil {
			return 0, fmt.Errorf("release claims for stale %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_announcements SET completed_at = ? WHERE agent_id = ? AND completed_at = ''`,
			now, id); err != nil {
			return 0, fmt.Errorf("close announcements for stale %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ? WHERE id = ?`, protocol.AgentFailed, id); err != nil {
			return 0, fmt.Errorf("fail stale %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cleanup stale: %w", err)
	}

	for _, id := range stale {
		_ = eventlog.Log(ctx, r.db, eventlog.EventAgentStale, "registry", id, "", "")
	}
	return len(stale), nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*protocol.Agent, error) {
	var a protocol.Agent
	var capabilities string
	err := row.Scan(&a.ID, &a.Name, &a.SessionID, &a.Status, &a.CurrentTask,
		&a.WorktreeBranch, &capabilities, &a.StartedAt, &a.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	a.Capabilities = protocol.UnmarshalStrings(capabilities)
	return &a, nil
}
