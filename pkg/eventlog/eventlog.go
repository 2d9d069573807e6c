// Package eventlog records and queries engine lifecycle events in the
// coordination database. Every engine package writes through Log on a
// best-effort basis (a failed event write never fails the operation that
// produced it); the harbor CLI reads back through Query for display.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event represents a single row from the events log.
type Event struct {
	ID        int64
	Type      string
	Source    string
	AgentID   string
	Resource  string
	Payload   string
	CreatedAt time.Time
}

// Log inserts an event row. Callers usually ignore the returned error:
// the event log is observability, not state.
func Log(ctx context.Context, db *sql.DB, eventType, source, agentID, resource, payload string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (type, source, agent_id, resource, payload) VALUES (?, ?, ?, ?, ?)`,
		eventType, source, agentID, resource, payload,
	)
	if err != nil {
		return fmt.Errorf("log event %s: %w", eventType, err)
	}
	return nil
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// AgentID filters events to a specific agent.
	AgentID string

	// EventType filters to a specific event type (e.g., "agent_registered",
	// "batch_executed").
	EventType string

	// Since filters events created at or after this time.
	Since *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Query retrieves events matching the filter criteria, newest first.
// Returns an empty slice if no events match.
func Query(ctx context.Context, db *sql.DB, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.AgentID, &e.Resource, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if createdAt != "" {
			// SQLite datetime('now') default produces this layout.
			parsed, err := time.Parse("2006-01-02 15:04:05", createdAt)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, createdAt)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, agent_id, resource, payload, created_at FROM events WHERE 1=1"

	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.Since != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.Since.UTC().Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}

// Common event type names written by the engine.
const (
	EventAgentRegistered   = "agent_registered"
	EventAgentDeregistered = "agent_deregistered"
	EventAgentStale        = "agent_stale"
	EventClaimAcquired     = "claim_acquired"
	EventClaimDenied       = "claim_denied"
	EventClaimReleased     = "claim_released"
	EventWorkAnnounced     = "work_announced"
	EventOverlapDetected   = "overlap_detected"
	EventWorkCompleted     = "work_completed"
	EventActionQueued      = "action_queued"
	EventActionMerged      = "action_merged"
	EventBatchCreated      = "batch_created"
	EventBatchExecuted     = "batch_executed"
	EventActionFailed      = "action_failed"
)
