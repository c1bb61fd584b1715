package checkpoint

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/goherd/internal/store"
)

// RenderResume turns a checkpoint into the resume prompt sent to a
// freshly cleared session. Unparseable work state falls back to the raw
// JSON so nothing is silently lost.
func RenderResume(cp *store.Checkpoint) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Resuming from checkpoint %d (%s)\n\n", cp.SequenceNum, cp.Kind)
	fmt.Fprintf(&b, "Saved %s at %.1f%% context usage.\n\n",
		cp.CreatedAt.UTC().Format("2006-01-02 15:04 UTC"), cp.ContextWindowPercent)

	var ws WorkState
	if err := json.Unmarshal(cp.WorkState, &ws); err != nil {
		b.WriteString("## Work state (raw)\n\n```json\n")
		b.Write(cp.WorkState)
		b.WriteString("\n```\n")
		return b.String()
	}

	if ws.Epic != nil {
		fmt.Fprintf(&b, "## Epic: %s\n", ws.Epic.Name)
		if ws.Epic.Phase != "" {
			fmt.Fprintf(&b, "Phase: %s\n", ws.Epic.Phase)
		}
		writeList(&b, "Done", ws.Epic.Done)
		writeList(&b, "Remaining", ws.Epic.Remaining)
		b.WriteString("\n")
	}
	if ws.PRD != "" {
		fmt.Fprintf(&b, "## PRD\n%s\n\n", ws.PRD)
	}
	if len(ws.Files) > 0 {
		b.WriteString("## Files in flight\n")
		for _, f := range ws.Files {
			line := "- " + f.Path
			if f.Status != "" {
				line += " (" + f.Status + ")"
			}
			if f.Note != "" {
				line += ": " + f.Note
			}
			b.WriteString(line + "\n")
		}
		b.WriteString("\n")
	}
	if ws.Git != nil {
		b.WriteString("## Git\n")
		if ws.Git.Error != "" {
			fmt.Fprintf(&b, "capture degraded: %s\n", ws.Git.Error)
		} else {
			if ws.Git.Branch != "" {
				fmt.Fprintf(&b, "Branch: %s\n", ws.Git.Branch)
			}
			if ws.Git.LastCommit != "" {
				fmt.Fprintf(&b, "Last commit: %s\n", ws.Git.LastCommit)
			}
			writeList(&b, "Dirty", ws.Git.Dirty)
		}
		b.WriteString("\n")
	}
	if len(ws.Commands) > 0 {
		writeList(&b, "## Next commands", ws.Commands)
		b.WriteString("\n")
	}
	if len(ws.Environment) > 0 {
		b.WriteString("## Environment\n")
		keys := make([]string, 0, len(ws.Environment))
		for k := range ws.Environment {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s=%s\n", k, ws.Environment[k])
		}
		b.WriteString("\n")
	}
	if ws.Notes != "" {
		fmt.Fprintf(&b, "## Notes\n%s\n", ws.Notes)
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
