// Package daemon records the running crew server so CLI commands can find it
// and a second server refuses to start.
package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joescharf/crew/internal/errs"
)

// Info describes a running server.
type Info struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	StartedAt time.Time `json:"startedAt"`
}

// URL returns the server's HTTP base URL.
func (i *Info) URL() string {
	return "http://" + i.Addr
}

// PIDFile manages the server record file.
type PIDFile struct {
	Path string
}

// NewPIDFile creates a PIDFile manager for the given path.
func NewPIDFile(path string) *PIDFile {
	return &PIDFile{Path: path}
}

// Acquire records the current process as the server listening on addr. It
// fails with a conflict error if another live server holds the file; a stale
// record is replaced.
func (p *PIDFile) Acquire(addr string) error {
	if info, running := p.IsRunning(); running && info.PID != os.Getpid() {
		return errs.Conflict("crew server already running (pid %d on %s)", info.PID, info.Addr)
	}
	return p.write(&Info{PID: os.Getpid(), Addr: addr, StartedAt: time.Now().UTC()})
}

func (p *PIDFile) write(info *Info) error {
	if err := os.MkdirAll(filepath.Dir(p.Path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := p.Path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p.Path)
}

// Read reads the server record.
func (p *PIDFile) Read() (*Info, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.NotFound("no server record at %s", p.Path)
		}
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil || info.PID <= 0 {
		return nil, fmt.Errorf("invalid PID file content in %s", p.Path)
	}
	return &info, nil
}

// Release removes the record if it belongs to this process.
func (p *PIDFile) Release() error {
	info, err := p.Read()
	if err != nil {
		if errs.KindOf(err) == errs.KindNotFound {
			return nil
		}
		return err
	}
	if info.PID != os.Getpid() {
		return nil
	}
	return os.Remove(p.Path)
}
