package deploy

import (
	"time"

	"harbor/pkg/protocol"
)

// Windows maps each action type to its batching debounce: how long an
// enqueued action waits before it becomes eligible for a batch. The
// window is a debounce, not a deadline.
type Windows map[protocol.ActionType]time.Duration

// DefaultWindows returns the standard batching windows. Commits get a
// long window because small commits squash into one meaningful history
// entry; pushes and CI triggers stay fast because they gate visible
// feedback; deploys get a safety buffer because concurrent deploys to the
// same target are dangerous.
func DefaultWindows() Windows {
	return Windows{
		protocol.ActionCommit:   30 * time.Second,
		protocol.ActionPush:     5 * time.Second,
		protocol.ActionMerge:    10 * time.Second,
		protocol.ActionWorkflow: 5 * time.Second,
		protocol.ActionDeploy:   60 * time.Second,
	}
}

// UrgentWindows collapses every window toward one second for "get it out
// now" operation.
func UrgentWindows() Windows {
	return Windows{
		protocol.ActionCommit:   time.Second,
		protocol.ActionPush:     time.Second,
		protocol.ActionMerge:    time.Second,
		protocol.ActionWorkflow: time.Second,
		protocol.ActionDeploy:   time.Second,
	}
}

// Window returns the debounce for an action type, zero for unknown types.
func (w Windows) Window(t protocol.ActionType) time.Duration {
	return w[t]
}
