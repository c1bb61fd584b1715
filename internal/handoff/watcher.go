package handoff

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// waitForHandoffFile blocks until dir contains a handoff-*.md newer
// than freshWindow, or timeout elapses. fsnotify wakes us immediately
// on writes; the poll ticker covers editors and network mounts that
// never emit events.
func waitForHandoffFile(ctx context.Context, dir string, freshWindow, timeout, poll time.Duration) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", protocol.Errorf(protocol.KindInternal, "create handoff dir: %v", err)
	}

	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	// Check once up front: the supervisor may already have written it.
	if path := freshHandoffFile(dir, freshWindow); path != "" {
		return path, nil
	}

	var events chan fsnotify.Event
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if err := watcher.Add(dir); err == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", protocol.Errorf(protocol.KindTimeout,
				"no handoff file appeared in %s within %s", dir, timeout).
				WithRecommendation("check whether the supervisor session is responsive")
		case ev := <-events:
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if path := freshHandoffFile(dir, freshWindow); path != "" {
				return path, nil
			}
		case <-ticker.C:
			if path := freshHandoffFile(dir, freshWindow); path != "" {
				return path, nil
			}
		}
	}
}

// freshHandoffFile returns the newest handoff-*.md in dir modified
// within freshWindow, or "".
func freshHandoffFile(dir string, freshWindow time.Duration) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	cutoff := time.Now().Add(-freshWindow)

	var best string
	var bestMtime time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "handoff-") || !strings.HasSuffix(name, ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			continue
		}
		if info.ModTime().After(bestMtime) {
			best = filepath.Join(dir, name)
			bestMtime = info.ModTime()
		}
	}
	return best
}
