// Package claim implements exclusive/shared resource leases with TTL over
// the coordination database. A claim row is a real mutex: acquisition is
// an insert guarded by a partial unique index on (resource) for exclusive
// claims, executed inside a write transaction. The in-transaction
// liveness check is a fast path; the storage layer is the arbiter — if
// the check raced and lost, the constrained insert fails and Claim
// returns false.
//
// Denied acquisition is expected control flow, never an error: callers
// get false and decide to wait, split work, or hand off.
package claim

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/protocol"
)

// Store provides claim operations over the coordination database.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a claim Store with the default 5-minute TTL.
func New(db *sql.DB) *Store {
	return &Store{db: db, ttl: protocol.DefaultClaimTTL, nowFunc: time.Now}
}

// SetTTL overrides the claim TTL.
func (s *Store) SetTTL(ttl time.Duration) { s.ttl = ttl }

// SetNowFunc overrides the clock. Test hook.
func (s *Store) SetNowFunc(f func() time.Time) { s.nowFunc = f }

// Claim attempts to acquire a lease on resource for agentID. It returns
// false when a live conflicting claim exists: any live claim blocks an
// exclusive request, and a live exclusive claim blocks any request.
// Expired rows on the resource are swept inside the same transaction, so
// they never block acquisition.
func (s *Store) Claim(ctx context.Context, agentID, resource string, claimType protocol.ClaimType) (bool, error) {
	if resource == "" {
		return false, fmt.Errorf("claim resource must not be empty")
	}

	now := s.nowFunc()
	nowStr := protocol.FormatTime(now)
	expiresStr := protocol.FormatTime(now.Add(s.ttl))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", resource, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lazy expiry: drop dead rows for this resource so the unique index
	// only ever constrains live exclusive claims.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_claims WHERE resource = ? AND expires_at <= ?`,
		resource, nowStr); err != nil {
		return false, fmt.Errorf("sweep expired claims on %s: %w", resource, err)
	}

	// Fast-path conflict check. The insert below still decides.
	var conflicts int
	var query string
	if claimType == protocol.ClaimExclusive {
		query = `SELECT COUNT(*) FROM work_claims WHERE resource = ? AND expires_at > ?`
	} else {
		query = `SELECT COUNT(*) FROM work_claims WHERE resource = ? AND expires_at > ? AND claim_type = 'exclusive'`
	}
	if err := tx.QueryRowContext(ctx, query, resource, nowStr).Scan(&conflicts); err != nil {
		return false, fmt.Errorf("check claims on %s: %w", resource, err)
	}
	if conflicts > 0 {
		// The sweep above made this a write transaction, so it holds the
		// database write lock until it ends. End it before the event
		// insert, which lands on another pooled connection.
		_ = tx.Rollback()
		_ = eventlog.Log(ctx, s.db, eventlog.EventClaimDenied, "claim", agentID, resource, string(claimType))
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_claims (resource, agent_id, claim_type, claimed_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		resource, agentID, claimType, nowStr, expiresStr)
	if err != nil {
		// Raced and lost: another exclusive claim landed between check
		// and insert. Constraint violations convert to a false return.
		if isUniqueViolation(err) {
			_ = tx.Rollback()
			_ = eventlog.Log(ctx, s.db, eventlog.EventClaimDenied, "claim", agentID, resource, string(claimType))
			return false, nil
		}
		return false, fmt.Errorf("insert claim on %s: %w", resource, err)
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			_ = eventlog.Log(ctx, s.db, eventlog.EventClaimDenied, "claim", agentID, resource, string(claimType))
			return false, nil
		}
		return false, fmt.Errorf("claim %s: %w", resource, err)
	}

	_ = eventlog.Log(ctx, s.db, eventlog.EventClaimAcquired, "claim", agentID, resource, string(claimType))
	return true, nil
}

// Release drops the agent's claims on a single resource.
func (s *Store) Release(ctx context.Context, agentID, resource string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM work_claims WHERE agent_id = ? AND resource = ?`, agentID, resource)
	if err != nil {
		return fmt.Errorf("release %s: %w", resource, err)
	}
	_ = eventlog.Log(ctx, s.db, eventlog.EventClaimReleased, "claim", agentID, resource, "")
	return nil
}

// ReleaseAll drops every claim owned by the agent.
func (s *Store) ReleaseAll(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM work_claims WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("release all for %s: %w", agentID, err)
	}
	return nil
}

// Holder returns the agent holding a live exclusive claim on resource, or
// "" when none exists.
func (s *Store) Holder(ctx context.Context, resource string) (string, error) {
	var agentID string
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id FROM work_claims WHERE resource = ? AND claim_type = 'exclusive' AND expires_at > ?`,
		resource, protocol.FormatTime(s.nowFunc())).Scan(&agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query holder of %s: %w", resource, err)
	}
	return agentID, nil
}

// IsClaimed reports whether any live claim exists on resource.
func (s *Store) IsClaimed(ctx context.Context, resource string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_claims WHERE resource = ? AND expires_at > ?`,
		resource, protocol.FormatTime(s.nowFunc())).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query claims on %s: %w", resource, err)
	}
	return n > 0, nil
}

// Get returns the live claims on a resource, exclusive first.
func (s *Store) Get(ctx context.Context, resource string) ([]protocol.WorkClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource, agent_id, claim_type, claimed_at, expires_at
		 FROM work_claims WHERE resource = ? AND expires_at > ?
		 ORDER BY claim_type ASC, claimed_at ASC`,
		resource, protocol.FormatTime(s.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("query claims on %s: %w", resource, err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// Active returns every live claim, for status display.
func (s *Store) Active(ctx context.Context) ([]protocol.WorkClaim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, resource, agent_id, claim_type, claimed_at, expires_at
		 FROM work_claims WHERE expires_at > ? ORDER BY resource ASC`,
		protocol.FormatTime(s.nowFunc()))
	if err != nil {
		return nil, fmt.Errorf("query active claims: %w", err)
	}
	defer rows.Close()
	return scanClaims(rows)
}

// DeleteExpired removes dead claim rows globally. Readers already ignore
// them; this is garbage collection, not correctness.
func (s *Store) DeleteExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_claims WHERE expires_at <= ?`, protocol.FormatTime(s.nowFunc()))
	if err != nil {
		return 0, fmt.Errorf("delete expired claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired claims: %w", err)
	}
	return n, nil
}

func scanClaims(rows *sql.Rows) ([]protocol.WorkClaim, error) {
	var claims []protocol.WorkClaim
	for rows.Next() {
		var c protocol.WorkClaim
		if err := rows.Scan(&c.ID, &c.Resource, &c.AgentID, &c.ClaimType, &c.ClaimedAt, &c.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", err)
	}
	return claims, nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint
// failure (the lost-race signal on the exclusive claim index).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
