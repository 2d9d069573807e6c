package protocol

import "time"

// Directory and path constants used throughout Harbor.
const (
	// HarborDir is the state directory created alongside the coordinated
	// repository (e.g., <repo>/.harbor).
	HarborDir = ".harbor"

	// DBFileName is the coordination database inside HarborDir.
	DBFileName = "coordination.db"

	// ConfigFileName is the optional YAML config inside HarborDir.
	ConfigFileName = "config.yaml"

	// BranchPrefix is the git branch prefix for agent worktrees.
	BranchPrefix = "agent/"
)

// Coordination timing defaults.
const (
	// DefaultClaimTTL bounds how long a resource claim lives without
	// being renewed.
	DefaultClaimTTL = 5 * time.Minute

	// DefaultHeartbeatInterval is how often agents are expected to call
	// Heartbeat. Staleness is judged at 3x this interval.
	DefaultHeartbeatInterval = 30 * time.Second

	// StaleHeartbeatMultiplier scales the heartbeat interval into the
	// default liveness cutoff.
	StaleHeartbeatMultiplier = 3

	// DefaultMessagePriority is used when callers pass no priority.
	DefaultMessagePriority = 5
)

// Well-known coordination message types broadcast by the engine.
const (
	// MsgWorkOverlapDetected is sent on the coordination channel when an
	// announcement overlaps other active work.
	MsgWorkOverlapDetected = "work_overlap_detected"

	// MsgWorkCompleted is sent on the coordination channel when an agent
	// completes announced work.
	MsgWorkCompleted = "work_completed"
)

// TimeFormat is the storage encoding for timestamps: UTC, fixed width, so
// lexicographic comparison in SQL matches chronological order.
const TimeFormat = "2006-01-02 15:04:05.000000000"

// FormatTime encodes a timestamp for TEXT column storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime decodes a stored timestamp. The zero time is returned for
// empty strings (unset nullable columns).
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation(TimeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
