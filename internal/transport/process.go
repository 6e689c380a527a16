package transport

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// LaunchSpec describes an agent process. Argv is passed to the OS as a
// vector and never interpreted by a shell.
type LaunchSpec struct {
	Dir  string   `json:"dir"`
	Argv []string `json:"argv"`
	Env  []string `json:"env,omitempty"`
}

// Process is an external interactive process attached to a session.
type Process interface {
	// Output yields the merged stdout and stderr stream until the process exits.
	Output() io.Reader
	// Write sends bytes to the process's input.
	Write(p []byte) (int, error)
	Resize(cols, rows int) error
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	// Terminate asks the process group to stop; Kill forces it.
	Terminate() error
	Kill() error
	Pid() int
}

// Launcher starts processes.
type Launcher interface {
	Start(spec LaunchSpec) (Process, error)
}

// ExecLauncher starts processes with os/exec in their own process group.
type ExecLauncher struct {
	// WaitDelay bounds how long Wait waits for output after the process exits.
	WaitDelay time.Duration
}

// Start launches spec.Argv in spec.Dir.
func (l ExecLauncher) Start(spec LaunchSpec) (Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, errors.New("launch: empty argv")
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = l.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("launch: stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("launch %s: %w", spec.Argv[0], err)
	}

	p := &execProcess{cmd: cmd, stdin: stdin, output: pr, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.exitCode, p.waitErr = exitCode(err)
		_ = pw.Close()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output io.Reader

	writeMu  sync.Mutex
	done     chan struct{}
	exitCode int
	waitErr  error
}

func (p *execProcess) Output() io.Reader { return p.output }

func (p *execProcess) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdin.Write(b)
}

// Resize is a no-op: processes run on pipes, not a terminal.
func (p *execProcess) Resize(cols, rows int) error { return nil }

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *execProcess) Terminate() error { return signalGroup(p.cmd, false) }

func (p *execProcess) Kill() error { return signalGroup(p.cmd, true) }

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// exitCode maps a Wait error to an exit code. Signal deaths report -1.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
