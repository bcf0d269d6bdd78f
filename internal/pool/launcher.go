package pool

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Handle is a running worker as seen by the pool: its protocol streams and
// process lifecycle.
type Handle interface {
	// Stdin is the command stream into the worker.
	Stdin() io.WriteCloser
	// Stdout is the event stream out of the worker.
	Stdout() io.ReadCloser
	// Wait blocks until the worker exits.
	Wait() error
	// Kill terminates the worker immediately.
	Kill() error
	// PID identifies the worker process, zero for in-process workers.
	PID() int
}

// Launcher starts workers. The exec implementation spawns real processes;
// tests substitute an in-process one.
type Launcher interface {
	Launch(ctx context.Context, account string) (Handle, error)
}

// ExecLauncher spawns the worker binary, one process per account. The
// worker's stderr is passed through so its logs land with the pool's.
type ExecLauncher struct {
	// Binary is the worker executable path.
	Binary string
	// ConfigPath is handed to the worker so it resolves its own profile.
	ConfigPath string
}

type execHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (h *execHandle) Stdin() io.WriteCloser { return h.stdin }
func (h *execHandle) Stdout() io.ReadCloser { return h.stdout }
func (h *execHandle) Wait() error           { return h.cmd.Wait() }
func (h *execHandle) Kill() error           { return h.cmd.Process.Kill() }
func (h *execHandle) PID() int              { return h.cmd.Process.Pid }

// Launch starts one worker process for the account. ctx bounds the launch
// itself, not the worker's lifetime: workers outlive the API request that
// connected them and are stopped through Kill or a shutdown command.
func (l *ExecLauncher) Launch(ctx context.Context, account string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.Binary, "--account", account, "--config", l.ConfigPath)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pool: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pool: start worker %s: %w", account, err)
	}
	return &execHandle{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}
