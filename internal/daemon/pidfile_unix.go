//go:build !windows

package daemon

import (
	"fmt"
	"syscall"
)

// IsRunning reports the recorded server and whether its process is alive.
func (p *PIDFile) IsRunning() (*Info, bool) {
	info, err := p.Read()
	if err != nil {
		return nil, false
	}
	// Signal 0 tests if the process exists without sending a signal.
	return info, syscall.Kill(info.PID, 0) == nil
}

// Stop asks the recorded server to shut down gracefully.
func (p *PIDFile) Stop() error {
	info, err := p.Read()
	if err != nil {
		return fmt.Errorf("read PID file: %w", err)
	}
	return syscall.Kill(info.PID, syscall.SIGTERM)
}
