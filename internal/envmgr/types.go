package envmgr

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidTaskID       = errors.New("invalid task identifier")
	ErrEnvironmentNotFound = errors.New("environment not found")
	ErrEnvironmentNotReady = errors.New("environment not ready")
	ErrScriptNotFound      = errors.New("script not found")
	ErrOutsideRoot         = errors.New("path is outside the scripts root")
)

// maxTaskIDLen keeps derived directory names short.
const maxTaskIDLen = 64

// TaskID identifies one script/environment pairing. It is always safe to use
// as a single path segment.
type TaskID string

// ParseTaskID normalizes a user supplied label into a TaskID. Every rune
// outside [A-Za-z0-9_] becomes an underscore, so separators and dots can
// never form a path that leaves the scripts root.
func ParseTaskID(label string) (TaskID, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return "", ErrInvalidTaskID
	}

	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxTaskIDLen {
			break
		}
	}
	return TaskID(b.String()), nil
}

func (id TaskID) String() string { return string(id) }

// Manifest is an ordered list of requirement lines for one task.
type Manifest []string

// ParseManifest splits requirements text into lines, dropping blank ones.
func ParseManifest(text string) Manifest {
	var m Manifest
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		m = append(m, line)
	}
	return m
}

// Requirements returns the lines that name a package (comments excluded).
func (m Manifest) Requirements() []string {
	var reqs []string
	for _, line := range m {
		if strings.HasPrefix(line, "#") {
			continue
		}
		reqs = append(reqs, line)
	}
	return reqs
}

// Bytes renders the manifest in requirements.txt form.
func (m Manifest) Bytes() []byte {
	if len(m) == 0 {
		return nil
	}
	return []byte(strings.Join(m, "\n") + "\n")
}

// State is the lifecycle position of an environment.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateFailed       State = "failed"
)

// Environment is an isolated interpreter installation owned by one task.
type Environment struct {
	TaskID       TaskID    `json:"task_id"`
	Root         string    `json:"root"`
	Python       string    `json:"python"`
	Pip          string    `json:"pip"`
	ManifestPath string    `json:"manifest_path"`
	Manifest     Manifest  `json:"manifest"`
	State        State     `json:"state"`
	Message      string    `json:"message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Kind classifies the outcome of a manager operation.
type Kind string

const (
	KindSuccess      Kind = "success"
	KindProcessError Kind = "process_error"
	KindTimeout      Kind = "timeout"
	KindSetupFailure Kind = "setup_failure"
	KindUnexpected   Kind = "unexpected_error"
)

// ProvisionResult is returned by Manager.Provision.
type ProvisionResult struct {
	Kind        Kind         `json:"kind"`
	TaskID      TaskID       `json:"task_id"`
	Python      string       `json:"python,omitempty"` // absolute interpreter path on success
	Output      string       `json:"output,omitempty"` // installer combined output
	Message     string       `json:"message"`
	Environment *Environment `json:"environment,omitempty"`
	Err         error        `json:"-"`
}

// OK reports whether the environment is ready to run scripts.
func (r *ProvisionResult) OK() bool { return r.Kind == KindSuccess }

// Result is the classified outcome of one script execution.
type Result struct {
	RunID     string        `json:"run_id"`
	Kind      Kind          `json:"kind"`
	TaskID    TaskID        `json:"task_id,omitempty"`
	Script    string        `json:"script"`
	Stdout    string        `json:"stdout,omitempty"`
	Stderr    string        `json:"stderr,omitempty"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Truncated bool          `json:"truncated,omitempty"`
	Message   string        `json:"message"`
	Err       error         `json:"-"`
}

// OK reports whether the script exited with status zero.
func (r *Result) OK() bool { return r.Kind == KindSuccess }

// Payload is the text to relay to a human: stdout on success, the
// descriptive message otherwise.
func (r *Result) Payload() string {
	if r.OK() {
		return r.Stdout
	}
	return r.Message
}
