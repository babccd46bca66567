// Package agent runs the sandboxed agent process for one dispatch.
//
// The kernel never embeds the agent; it execs a configured command per turn,
// feeding the message on stdin and streaming stdout back through the
// mediator's redaction pipeline. Session identity travels as flags so the
// agent process can resume its own conversation state.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/telclaude/telclaude/internal/mediator"
	"github.com/telclaude/telclaude/internal/sessions"
)

// ErrNotConfigured is returned when no agent command is set.
var ErrNotConfigured = errors.New("agent: no runtime command configured")

// maxStderr bounds how much of the agent's stderr is kept for error
// reporting. Context-overflow detection reads this text.
const maxStderr = 8 << 10

// CLIRuntime dispatches turns to an external agent command.
type CLIRuntime struct {
	command string
	args    []string
}

// NewCLIRuntime builds a runtime around command. Extra args are passed before
// the per-turn session flags.
func NewCLIRuntime(command string, args []string) *CLIRuntime {
	return &CLIRuntime{command: command, args: args}
}

// Run executes one agent turn. Stdout streams to emit line by line; a
// non-zero exit surfaces stderr in the returned error so the session manager
// can recognize context-overflow failures.
func (r *CLIRuntime) Run(ctx context.Context, sess *sessions.Session, req *mediator.AgentRequest, emit mediator.EmitFunc) error {
	if r.command == "" {
		return ErrNotConfigured
	}

	args := append([]string{}, r.args...)
	args = append(args,
		"--session-id", sess.SessionID,
		"--tier", string(req.Tier),
	)
	if req.MediaRef != "" {
		args = append(args, "--media-ref", req.MediaRef)
	}

	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Stdin = strings.NewReader(req.Body)

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{buf: &stderr, max: maxStderr}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: start %s: %w", r.command, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	var emitErr error
	for scanner.Scan() {
		if emitErr == nil {
			emitErr = emit(scanner.Text() + "\n")
		}
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		return fmt.Errorf("agent: %s", msg)
	}
	if emitErr != nil {
		return emitErr
	}
	if scanErr != nil {
		return fmt.Errorf("agent: read output: %w", scanErr)
	}
	return nil
}

// limitedWriter keeps the first max bytes and drops the rest.
type limitedWriter struct {
	buf *bytes.Buffer
	max int
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
