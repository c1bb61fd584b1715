// Package tmux shells out to the tmux binary to drive CLI supervisor
// sessions: prompt injection, interrupts and pane capture. It is the
// only place the runtime touches a terminal.
package tmux

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

const commandTimeout = 10 * time.Second

// Client drives one local tmux server. The zero value is not usable;
// construct with NewClient.
type Client struct {
	bin string
	// run is swapped in tests.
	run func(ctx context.Context, args ...string) (string, error)
}

func NewClient() *Client {
	c := &Client{bin: "tmux"}
	c.run = c.execTmux
	return c
}

func (c *Client) execTmux(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.bin, args...)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", protocol.Errorf(protocol.KindTimeout, "tmux %s timed out", args[0])
		}
		msg := strings.TrimSpace(errOut.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("tmux %s: %s", args[0], msg)
	}
	return out.String(), nil
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, session string) (bool, error) {
	_, err := c.run(ctx, "has-session", "-t", session)
	if err != nil {
		if strings.Contains(err.Error(), "can't find session") ||
			strings.Contains(err.Error(), "no server running") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// SendText types text into the session and presses Enter.
func (c *Client) SendText(ctx context.Context, session, text string) error {
	if session == "" {
		return protocol.Errorf(protocol.KindValidation, "tmux session is required")
	}
	// Literal flag so prompt text is never interpreted as key names.
	if _, err := c.run(ctx, "send-keys", "-t", session, "-l", text); err != nil {
		return err
	}
	_, err := c.run(ctx, "send-keys", "-t", session, "Enter")
	return err
}

// Interrupt sends Ctrl-C to the session.
func (c *Client) Interrupt(ctx context.Context, session string) error {
	_, err := c.run(ctx, "send-keys", "-t", session, "C-c")
	return err
}

// CapturePane returns the last lines of the session's visible pane plus
// scrollback.
func (c *Client) CapturePane(ctx context.Context, session string, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}
	out, err := c.run(ctx, "capture-pane", "-p", "-t", session, "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", err
	}
	return out, nil
}
