//go:build windows

package daemon

import (
	"fmt"
	"os"
	"syscall"
)

// IsRunning reports the recorded server and whether its process is alive.
func (p *PIDFile) IsRunning() (*Info, bool) {
	info, err := p.Read()
	if err != nil {
		return nil, false
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return info, false
	}
	// On Windows, FindProcess always succeeds; test with Signal(0) equivalent.
	return info, proc.Signal(syscall.Signal(0)) == nil
}

// Stop terminates the recorded server. Windows has no SIGTERM, so this kills.
func (p *PIDFile) Stop() error {
	info, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return fmt.Errorf("find process %d: %w", info.PID, err)
	}
	return proc.Kill()
}
