package mountauth

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// CommandBackend authenticates by running an external command with the
// listener's credentials passed as arguments, the "command" authenticator
// type of spec.md §6's authenticator option set. Exit code 0 means
// OutcomeOK; any other exit code or a launch failure means OutcomeError.
// No shell is involved -- exec.Command never runs via sh -c, so
// credentials cannot reach a shell interpreter.
type CommandBackend struct {
	Path    string
	Timeout time.Duration
}

// NewCommandBackend builds a backend invoking path with a bounded timeout
// (default 5s, matching URLBackend's outbound call budget).
func NewCommandBackend(path string) *CommandBackend {
	return &CommandBackend{Path: path, Timeout: 5 * time.Second}
}

func (b *CommandBackend) run(ctx context.Context, args ...string) Outcome {
	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, b.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

// Authenticate implements Authenticator.
func (b *CommandBackend) Authenticate(ctx context.Context, req *ClientRequest) Outcome {
	c := req.Client
	if c == nil {
		return OutcomeError
	}
	return b.run(ctx, "auth", c.Mount, c.Username, c.Password, c.Remote)
}

// ReleaseListener implements ListenerReleaser.
func (b *CommandBackend) ReleaseListener(ctx context.Context, req *ClientRequest) Outcome {
	c := req.Client
	if c == nil {
		return OutcomeOK
	}
	b.run(ctx, "remove", c.Mount, c.Username, c.Remote)
	return OutcomeOK
}
