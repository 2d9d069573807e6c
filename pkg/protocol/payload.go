package protocol

import (
	"encoding/json"
	"fmt"
)

// ActionPayload is the closed sum of per-action-type payloads. Each
// ActionType carries exactly one payload shape; dispatch is by exhaustive
// type switch so adding an action type is a compile-time-checked change.
type ActionPayload interface {
	Kind() ActionType
}

// CommitPayload parameterizes a commit action. Messages and Files
// accumulate across enqueue-time merges and batch squashing.
type CommitPayload struct {
	Messages []string `json:"messages"`
	Files    []string `json:"files"`
}

// Kind implements ActionPayload.
func (CommitPayload) Kind() ActionType { return ActionCommit }

// PushPayload parameterizes a push action.
type PushPayload struct {
	Remote         string `json:"remote,omitempty"`
	Branch         string `json:"branch,omitempty"`
	ForceWithLease bool   `json:"force_with_lease,omitempty"`
}

// Kind implements ActionPayload.
func (PushPayload) Kind() ActionType { return ActionPush }

// MergePayload parameterizes a merge action. SourceBranch is merged into
// the action's target branch.
type MergePayload struct {
	SourceBranch string `json:"source_branch"`
	Squash       bool   `json:"squash,omitempty"`
	DeleteBranch bool   `json:"delete_branch,omitempty"`
}

// Kind implements ActionPayload.
func (MergePayload) Kind() ActionType { return ActionMerge }

// WorkflowPayload parameterizes a CI workflow trigger. Inputs are passed
// as -f key=value pairs to the workflow run.
type WorkflowPayload struct {
	Workflow string            `json:"workflow"`
	Ref      string            `json:"ref,omitempty"`
	Inputs   map[string]string `json:"inputs,omitempty"`
}

// Kind implements ActionPayload.
func (WorkflowPayload) Kind() ActionType { return ActionWorkflow }

// DeployPayload parameterizes a deploy action.
type DeployPayload struct {
	Environment string `json:"environment"`
	Version     string `json:"version,omitempty"`
}

// Kind implements ActionPayload.
func (DeployPayload) Kind() ActionType { return ActionDeploy }

// MarshalPayload encodes a typed payload to its stored JSON form.
func MarshalPayload(p ActionPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return string(data), nil
}

// UnmarshalPayload decodes the stored JSON form into the typed payload for
// the given action type. An unrecognized type returns
// *UnknownActionTypeError.
func UnmarshalPayload(t ActionType, raw string) (ActionPayload, error) {
	if raw == "" {
		raw = "{}"
	}
	decode := func(v ActionPayload) (ActionPayload, error) {
		if err := json.Unmarshal([]byte(raw), v); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", t, err)
		}
		return v, nil
	}
	switch t {
	case ActionCommit:
		p, err := decode(&CommitPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*CommitPayload), nil
	case ActionPush:
		p, err := decode(&PushPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*PushPayload), nil
	case ActionMerge:
		p, err := decode(&MergePayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*MergePayload), nil
	case ActionWorkflow:
		p, err := decode(&WorkflowPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*WorkflowPayload), nil
	case ActionDeploy:
		p, err := decode(&DeployPayload{})
		if err != nil {
			return nil, err
		}
		return *p.(*DeployPayload), nil
	default:
		return nil, &UnknownActionTypeError{ActionType: string(t)}
	}
}

// MergePayloads unions an incoming payload into an existing one of the
// same kind. Array fields (commit messages, file sets, workflow inputs)
// are unioned with duplicates removed; scalar fields are overwritten by
// the incoming value when set. Only mergeable action types reach here.
func MergePayloads(existing, incoming ActionPayload) (ActionPayload, error) {
	switch cur := existing.(type) {
	case CommitPayload:
		next, ok := incoming.(CommitPayload)
		if !ok {
			return nil, fmt.Errorf("merge payload kind mismatch: %s vs %s", existing.Kind(), incoming.Kind())
		}
		return CommitPayload{
			Messages: unionStrings(cur.Messages, next.Messages),
			Files:    unionStrings(cur.Files, next.Files),
		}, nil
	case PushPayload:
		next, ok := incoming.(PushPayload)
		if !ok {
			return nil, fmt.Errorf("merge payload kind mismatch: %s vs %s", existing.Kind(), incoming.Kind())
		}
		if next.Remote != "" {
			cur.Remote = next.Remote
		}
		if next.Branch != "" {
			cur.Branch = next.Branch
		}
		cur.ForceWithLease = cur.ForceWithLease || next.ForceWithLease
		return cur, nil
	case WorkflowPayload:
		next, ok := incoming.(WorkflowPayload)
		if !ok {
			return nil, fmt.Errorf("merge payload kind mismatch: %s vs %s", existing.Kind(), incoming.Kind())
		}
		if next.Workflow != "" {
			cur.Workflow = next.Workflow
		}
		if next.Ref != "" {
			cur.Ref = next.Ref
		}
		if len(next.Inputs) > 0 {
			if cur.Inputs == nil {
				cur.Inputs = make(map[string]string, len(next.Inputs))
			}
			for k, v := range next.Inputs {
				cur.Inputs[k] = v
			}
		}
		return cur, nil
	default:
		return nil, fmt.Errorf("action type %s is not mergeable", existing.Kind())
	}
}

// unionStrings appends the elements of b not already present in a,
// preserving first-seen order.
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range a {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// MarshalStrings encodes a string slice for TEXT column storage. A nil
// slice encodes as "[]".
func MarshalStrings(ss []string) string {
	if len(ss) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// UnmarshalStrings decodes a TEXT column back into a string slice.
// Malformed or empty input decodes as nil.
func UnmarshalStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(raw), &ss); err != nil {
		return nil
	}
	return ss
}
