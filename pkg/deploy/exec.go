package deploy

import (
	"context"
	"fmt"
	"sort"

	"harbor/pkg/protocol"
)

// command is one shell invocation produced for a squashed unit.
type command struct {
	name string
	args []string
}

// executeUnit builds and runs the shell commands for one squashed unit.
// Commands within a unit run in order; the first failure aborts the unit
// with stderr attached.
func (b *Batcher) executeUnit(ctx context.Context, u unit) error {
	cmds, err := b.buildCommands(u)
	if err != nil {
		return err
	}
	for _, c := range cmds {
		if _, stderr, err := b.runner.Run(ctx, b.RepoDir, c.name, c.args...); err != nil {
			if stderr != "" {
				return fmt.Errorf("%s %v: %w: %s", c.name, c.args, err, stderr)
			}
			return fmt.Errorf("%s %v: %w", c.name, c.args, err)
		}
	}
	return nil
}

// buildCommands maps a squashed unit to its git/gh invocations. The
// switch is exhaustive over the action types; an unrecognized type fails
// only this unit.
func (b *Batcher) buildCommands(u unit) ([]command, error) {
	switch p := u.payload.(type) {
	case protocol.CommitPayload:
		cmds := []command{}
		if len(p.Files) > 0 {
			cmds = append(cmds, command{"git", append([]string{"add", "--"}, p.Files...)})
		} else {
			cmds = append(cmds, command{"git", []string{"add", "-A"}})
		}
		cmds = append(cmds, command{"git", []string{"commit", "-m", commitMessage(p)}})
		return cmds, nil

	case protocol.PushPayload:
		remote := p.Remote
		if remote == "" {
			remote = b.Remote
		}
		branch := p.Branch
		if branch == "" {
			branch = u.target
		}
		args := []string{"push"}
		if p.ForceWithLease {
			args = append(args, "--force-with-lease")
		}
		args = append(args, remote, branch)
		return []command{{"git", args}}, nil

	case protocol.MergePayload:
		if p.SourceBranch == "" {
			return nil, fmt.Errorf("merge into %s: source branch missing", u.target)
		}
		cmds := []command{{"git", []string{"checkout", u.target}}}
		mergeArgs := []string{"merge", "--no-edit"}
		if p.Squash {
			mergeArgs = []string{"merge", "--squash"}
		}
		mergeArgs = append(mergeArgs, p.SourceBranch)
		cmds = append(cmds, command{"git", mergeArgs})
		if p.Squash {
			cmds = append(cmds, command{"git", []string{"commit", "-m", fmt.Sprintf("merge %s into %s", p.SourceBranch, u.target)}})
		}
		if p.DeleteBranch {
			cmds = append(cmds, command{"git", []string{"branch", "-D", p.SourceBranch}})
		}
		return cmds, nil

	case protocol.WorkflowPayload:
		workflow := p.Workflow
		if workflow == "" {
			workflow = u.target
		}
		args := []string{"workflow", "run", workflow}
		if p.Ref != "" {
			args = append(args, "--ref", p.Ref)
		}
		for _, k := range sortedKeys(p.Inputs) {
			args = append(args, "-f", fmt.Sprintf("%s=%s", k, p.Inputs[k]))
		}
		return []command{{"gh", args}}, nil

	case protocol.DeployPayload:
		env := p.Environment
		if env == "" {
			env = u.target
		}
		args := []string{"workflow", "run", "deploy.yml", "-f", "environment=" + env}
		if p.Version != "" {
			args = append(args, "-f", "version="+p.Version)
		}
		return []command{{"gh", args}}, nil

	default:
		return nil, &protocol.UnknownActionTypeError{ActionType: string(u.actionType)}
	}
}

// sortedKeys gives deterministic -f ordering for workflow inputs.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
