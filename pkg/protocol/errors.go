package protocol

import "fmt"

// AgentNotFoundError represents an agent lookup failure.
// It enables typed error discrimination via errors.As.
type AgentNotFoundError struct {
	AgentID string
}

func (e *AgentNotFoundError) Error() string {
	return fmt.Sprintf("agent %s not found", e.AgentID)
}

// UnknownActionTypeError marks an action type outside the closed enum.
// Producers validate before enqueuing, so seeing this at execution time is
// an invariant violation — fatal for that single action, not the batch.
type UnknownActionTypeError struct {
	ActionType string
}

func (e *UnknownActionTypeError) Error() string {
	return fmt.Sprintf("unknown action type %q", e.ActionType)
}

// ActionFailedError wraps a deploy action's execution failure with the
// context the batch result records. Batch processing continues past it.
type ActionFailedError struct {
	ActionID   string
	ActionType ActionType
	Err        error
}

func (e *ActionFailedError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.ActionID, e.ActionType, e.Err)
}

func (e *ActionFailedError) Unwrap() error { return e.Err }
