package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// WorkState is the structured snapshot a supervisor saves before losing
// its context window. Every field is optional; unknown extra fields
// round-trip untouched because the store keeps raw JSON.
type WorkState struct {
	Epic        *EpicState        `json:"epic,omitempty"`
	Files       []FileState       `json:"files,omitempty"`
	Git         *GitState         `json:"git,omitempty"`
	Commands    []string          `json:"commands,omitempty"`
	PRD         string            `json:"prd,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Notes       string            `json:"notes,omitempty"`
}

// EpicState records where the supervisor is in its current epic.
type EpicState struct {
	Name      string   `json:"name"`
	Phase     string   `json:"phase,omitempty"`
	Done      []string `json:"done,omitempty"`
	Remaining []string `json:"remaining,omitempty"`
}

// FileState is one file the supervisor was working on.
type FileState struct {
	Path   string `json:"path"`
	Status string `json:"status,omitempty"` // e.g. "editing", "review"
	Note   string `json:"note,omitempty"`
}

// GitState is a best-effort capture of the working tree.
type GitState struct {
	Branch     string   `json:"branch,omitempty"`
	LastCommit string   `json:"last_commit,omitempty"`
	Dirty      []string `json:"dirty,omitempty"`
	Error      string   `json:"error,omitempty"` // set when capture degraded
}

// CaptureGitState inspects the repository at dir. Failures never abort a
// checkpoint: the returned state carries the error instead.
func CaptureGitState(ctx context.Context, dir string) *GitState {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	gs := &GitState{}
	branch, err := gitOutput(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		gs.Error = fmt.Sprintf("git unavailable: %v", err)
		return gs
	}
	gs.Branch = branch

	if commit, err := gitOutput(ctx, dir, "log", "-1", "--format=%h %s"); err == nil {
		gs.LastCommit = commit
	}
	if status, err := gitOutput(ctx, dir, "status", "--porcelain"); err == nil && status != "" {
		for _, line := range strings.Split(status, "\n") {
			if len(line) > 3 {
				gs.Dirty = append(gs.Dirty, strings.TrimSpace(line[3:]))
			}
		}
	}
	return gs
}

func gitOutput(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}
