package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// maxOutputSize caps captured stdout+stderr per command.
const maxOutputSize = 64 * 1024

// waitDelay is how long Wait lingers for output pipes after the group is killed.
const waitDelay = 2 * time.Second

var (
	// ErrEmptyCommand is returned when argv has no program name.
	ErrEmptyCommand = errors.New("process: empty command")

	// ErrTimeout is returned when a command exceeds the runner's timeout.
	ErrTimeout = errors.New("process: command timed out")
)

// Runner executes commands with a per-command timeout.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a Runner. A zero timeout means commands are bounded only
// by the caller's context.
func NewRunner(timeout time.Duration) *Runner {
	return &Runner{timeout: timeout}
}

// Run executes argv and discards its output.
func (r *Runner) Run(ctx context.Context, argv []string) error {
	_, err := r.Output(ctx, argv)
	return err
}

// Output executes argv and returns its combined stdout and stderr.
// A non-zero exit status is returned as an error wrapping *exec.ExitError
// together with whatever output the command produced.
func (r *Runner) Output(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 || argv[0] == "" {
		return nil, ErrEmptyCommand
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // Commands come from operator configuration
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Negative PID signals the process group created via Setpgid.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	out := &limitedBuffer{limit: maxOutputSize}
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	output := out.Bytes()

	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return output, fmt.Errorf("%w: %s after %v", ErrTimeout, argv[0], r.timeout)
		}
		return output, fmt.Errorf("running %s: %w", argv[0], ctxErr)
	}
	if err != nil {
		return output, fmt.Errorf("running %s: %w", argv[0], err)
	}
	return output, nil
}

// limitedBuffer keeps the first limit bytes written to it and drops the rest.
// Stdout and stderr share one buffer, so writes are serialised.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
