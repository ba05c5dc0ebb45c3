// Package state persists the outcome of one `stackctl up` run under
// .stackctl/ so that down, status, and logs work from a later
// invocation.
package state

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	StateDirName  = ".stackctl"
	StateFilename = "state.json"
	LogsDirName   = "logs"
	JournalName   = "journal.db"
)

// RunState records one orchestration run.
type RunState struct {
	ProjectRoot string          `json:"project_root"`
	Project     string          `json:"project,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Result      string          `json:"result,omitempty"` // "success" | "partial-failure"
	Services    []ServiceRecord `json:"services"`
}

// ServiceRecord is the persisted view of one launched (or failed)
// service.
type ServiceRecord struct {
	Name      string            `json:"name"`
	State     string            `json:"state"`
	PID       int               `json:"pid,omitempty"`
	Command   []string          `json:"command,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	StdoutLog string            `json:"stdout_log,omitempty"`
	StderrLog string            `json:"stderr_log,omitempty"`
	StartedAt time.Time         `json:"started_at,omitempty"`

	Error string `json:"error,omitempty"` // First error that failed the service
	Root  string `json:"root,omitempty"`  // Service the failure is attributed to

	// Health check configuration, if declared
	HealthTest     []string `json:"health_test,omitempty"`
	HealthInterval string   `json:"health_interval,omitempty"`
	HealthRetries  int      `json:"health_retries,omitempty"`
}

func StatePath(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName, StateFilename)
}

func LogsDir(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName, LogsDirName)
}

func JournalPath(projectRoot string) string {
	return filepath.Join(projectRoot, StateDirName, JournalName)
}

func Load(projectRoot string) (*RunState, error) {
	b, err := os.ReadFile(StatePath(projectRoot))
	if err != nil {
		return nil, errors.Wrap(err, "read state")
	}
	var s RunState
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, errors.Wrap(err, "parse state json")
	}
	return &s, nil
}

func Save(projectRoot string, s *RunState) error {
	if s == nil {
		return errors.New("nil state")
	}
	if err := os.MkdirAll(filepath.Dir(StatePath(projectRoot)), 0o755); err != nil {
		return errors.Wrap(err, "mkdir state dir")
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal state")
	}
	if err := os.WriteFile(StatePath(projectRoot), b, 0o644); err != nil {
		return errors.Wrap(err, "write state")
	}
	return nil
}

func Remove(projectRoot string) error {
	if err := os.Remove(StatePath(projectRoot)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "remove state")
	}
	return nil
}

// ProcessAlive reports whether the pid refers to a live, non-zombie
// process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if isZombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return stderrors.Is(err, syscall.EPERM)
}

func isZombie(pid int) bool {
	b, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Format: pid (comm) state ... — the state char follows the last ')'.
	i := bytes.LastIndexByte(b, ')')
	if i < 0 {
		return false
	}
	fields := bytes.Fields(bytes.TrimSpace(b[i+1:]))
	if len(fields) < 1 || len(fields[0]) < 1 {
		return false
	}
	return fields[0][0] == 'Z'
}
