//go:build !windows

package envmgr

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePython stands in for a real interpreter. "-m venv DIR" lays out a
// POSIX environment whose python is /bin/sh. Its pip fails for any
// requirement named does-not-exist, sleeps for slow-package and swaps the
// requirements file for a directory on sticky-manifest.
const fakePython = `#!/bin/sh
if [ "$1" = "-m" ] && [ "$2" = "venv" ]; then
  mkdir -p "$3/bin" || exit 1
  cat > "$3/bin/pip" <<'PIP'
#!/bin/sh
touch "$(dirname "$0")/../pip-ran"
if grep -q "slow-package" "$3"; then
  sleep 2
fi
if grep -q "sticky-manifest" "$3"; then
  rm -f "$3" && mkdir "$3" && touch "$3/keep"
  echo "ERROR: sticky-manifest is not installable" >&2
  exit 1
fi
if grep -q "does-not-exist" "$3"; then
  echo "ERROR: No matching distribution found for does-not-exist" >&2
  exit 1
fi
echo "Successfully installed"
PIP
  chmod +x "$3/bin/pip"
  ln -s /bin/sh "$3/bin/python"
  exit 0
fi
echo "unsupported invocation" >&2
exit 2
`

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	base := filepath.Join(dir, "fake-python")
	require.NoError(t, os.WriteFile(base, []byte(fakePython), 0o755))

	m, err := New(Config{
		ScriptsDir:     filepath.Join(dir, "scripts"),
		BasePython:     base,
		DefaultTimeout: 10 * time.Second,
		MaxOutput:      1 << 16,
		KeepManifest:   true,
	}, NewMemoryRegistry(), nil)
	require.NoError(t, err)
	return m
}

func writeScript(t *testing.T, m *Manager, name, body string) string {
	t.Helper()
	path := filepath.Join(m.Root(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestProvisionThenExecuteEchoesArgument(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	prov := m.Provision(ctx, "price-check", ParseManifest("requests\nyfinance\n"))
	require.True(t, prov.OK(), prov.Message)
	assert.Equal(t, TaskID("price_check"), prov.TaskID)
	assert.True(t, filepath.IsAbs(prov.Python))
	assert.Equal(t, filepath.Join(m.Root(), "venv_price_check", "bin", "python"), prov.Python)
	assert.FileExists(t, filepath.Join(m.Root(), "requirements_price_check.txt"))

	writeScript(t, m, "price_check.py", "echo \"   $1   \"\n")

	res := m.Execute(ctx, ExecRequest{Script: "price_check.py", Argument: "AAPL"})
	require.Equal(t, KindSuccess, res.Kind, res.Message)
	assert.Equal(t, "AAPL", res.Stdout)
	assert.Equal(t, "AAPL", res.Payload())
	assert.Equal(t, 0, res.ExitCode)
	assert.NotEmpty(t, res.RunID)
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestProvisionInstallFailure(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	prov := m.Provision(ctx, "broken", Manifest{"does-not-exist==9.9"})
	require.False(t, prov.OK())
	assert.Equal(t, KindSetupFailure, prov.Kind)
	assert.Contains(t, prov.Message, "No matching distribution found")
	assert.Contains(t, prov.Message, "venv_broken")
	assert.NoFileExists(t, filepath.Join(m.Root(), "requirements_broken.txt"))

	env, err := m.Environment(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, env.State)

	writeScript(t, m, "broken.py", "echo hi\n")
	res := m.Execute(ctx, ExecRequest{Script: "broken.py"})
	assert.Equal(t, KindSetupFailure, res.Kind)
	assert.True(t, errors.Is(res.Err, ErrEnvironmentNotReady))
}

func TestProvisionManifestRemovalFailureKeepsResult(t *testing.T) {
	m := newTestManager(t)

	prov := m.Provision(context.Background(), "sticky", Manifest{"sticky-manifest"})
	assert.Equal(t, KindSetupFailure, prov.Kind)
	assert.Contains(t, prov.Message, "sticky-manifest is not installable")
	assert.Error(t, prov.Err)

	// The installer left a directory behind that os.Remove cannot delete.
	assert.DirExists(t, filepath.Join(m.Root(), "requirements_sticky.txt"))
	env, err := m.Environment(context.Background(), "sticky")
	require.NoError(t, err)
	assert.Equal(t, StateFailed, env.State)
}

func TestProvisionCreationFailure(t *testing.T) {
	m := newTestManager(t)
	m.cfg.BasePython = filepath.Join(t.TempDir(), "missing-python")

	prov := m.Provision(context.Background(), "nopython", nil)
	assert.Equal(t, KindSetupFailure, prov.Kind)
	assert.Contains(t, prov.Message, "Error creating environment")
	assert.Error(t, prov.Err)
}

func TestProvisionEmptyManifestSkipsInstaller(t *testing.T) {
	m := newTestManager(t)

	prov := m.Provision(context.Background(), "bare", ParseManifest("\n# nothing yet\n"))
	require.True(t, prov.OK(), prov.Message)
	assert.NoFileExists(t, filepath.Join(m.Root(), "venv_bare", "pip-ran"))
}

func TestProvisionTwiceStaysUsable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	manifest := Manifest{"requests"}

	require.True(t, m.Provision(ctx, "twice", manifest).OK())
	second := m.Provision(ctx, "twice", manifest)
	require.True(t, second.OK(), second.Message)

	writeScript(t, m, "twice.py", "echo ok\n")
	res := m.Execute(ctx, ExecRequest{Script: "twice.py"})
	assert.Equal(t, KindSuccess, res.Kind, res.Message)
	assert.Equal(t, "ok", res.Stdout)
}

func TestProvisionDropsManifestWhenNotKept(t *testing.T) {
	m := newTestManager(t)
	m.cfg.KeepManifest = false

	require.True(t, m.Provision(context.Background(), "tidy", Manifest{"requests"}).OK())
	assert.NoFileExists(t, filepath.Join(m.Root(), "requirements_tidy.txt"))
}

func TestProvisionNormalizesUnsafeTaskIDs(t *testing.T) {
	m := newTestManager(t)

	for _, label := range []string{"../../escape", "a b/c", `..\win`} {
		prov := m.Provision(context.Background(), label, nil)
		require.True(t, prov.OK(), prov.Message)

		rel, err := filepath.Rel(m.Root(), prov.Environment.Root)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "environment %q escaped root", prov.Environment.Root)
		assert.NotContains(t, rel, string(filepath.Separator))
	}
}

func TestProvisionRejectsEmptyLabel(t *testing.T) {
	m := newTestManager(t)
	prov := m.Provision(context.Background(), "   ", nil)
	assert.Equal(t, KindSetupFailure, prov.Kind)
	assert.ErrorIs(t, prov.Err, ErrInvalidTaskID)
}

func TestExecuteProcessErrorCarriesStderr(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.True(t, m.Provision(ctx, "fails", nil).OK())

	writeScript(t, m, "fails.py", "echo visible-stdout\necho boom-on-stderr >&2\nexit 3\n")
	res := m.Execute(ctx, ExecRequest{Script: "fails.py"})

	assert.Equal(t, KindProcessError, res.Kind)
	assert.Equal(t, 3, res.ExitCode)
	assert.Contains(t, res.Message, "boom-on-stderr")
	assert.NotContains(t, res.Message, "visible-stdout")
	assert.Equal(t, "boom-on-stderr", res.Stderr)
}

func TestExecuteWithoutEnvironment(t *testing.T) {
	m := newTestManager(t)
	writeScript(t, m, "orphan.py", "echo hi\n")

	res := m.Execute(context.Background(), ExecRequest{Script: "orphan.py"})
	assert.Equal(t, KindSetupFailure, res.Kind)
	assert.ErrorIs(t, res.Err, ErrEnvironmentNotFound)
	assert.Contains(t, res.Message, "venv_orphan")
}

func TestExecuteExplicitTaskID(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.True(t, m.Provision(ctx, "shared-env", nil).OK())

	path := writeScript(t, m, "any_name.py", "echo \"$1\"\n")
	res := m.Execute(ctx, ExecRequest{TaskID: "shared-env", Script: path, Argument: "x"})
	assert.Equal(t, KindSuccess, res.Kind, res.Message)
	assert.Equal(t, TaskID("shared_env"), res.TaskID)
	assert.Equal(t, "x", res.Stdout)
}

func TestExecuteMissingScript(t *testing.T) {
	m := newTestManager(t)
	res := m.Execute(context.Background(), ExecRequest{Script: "nope.py"})
	assert.Equal(t, KindUnexpected, res.Kind)
	assert.ErrorIs(t, res.Err, ErrScriptNotFound)
	assert.Contains(t, res.Message, "nope.py")
}

func TestExecuteRejectsTraversal(t *testing.T) {
	m := newTestManager(t)
	res := m.Execute(context.Background(), ExecRequest{Script: "../outside.py"})
	assert.Equal(t, KindUnexpected, res.Kind)
	assert.ErrorIs(t, res.Err, ErrOutsideRoot)
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.True(t, m.Provision(ctx, "sleepy", nil).OK())

	pidFile := filepath.Join(m.Root(), "child.pid")
	writeScript(t, m, "sleepy.py", "sleep 30 &\necho $! > "+pidFile+"\nwait\n")

	start := time.Now()
	res := m.Execute(ctx, ExecRequest{Script: "sleepy.py", Timeout: 300 * time.Millisecond})
	elapsed := time.Since(start)

	assert.Equal(t, KindTimeout, res.Kind, res.Message)
	assert.Contains(t, res.Message, "timed out after 300ms")
	assert.Less(t, elapsed, 5*time.Second)

	if runtime.GOOS != "linux" {
		return
	}
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 3*time.Second, 50*time.Millisecond,
		"background child %d survived the timeout", pid)
}

// processAlive treats zombies as dead: they hold no resources and only wait
// for their new parent to reap them.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestExecuteCancelledContext(t *testing.T) {
	m := newTestManager(t)
	require.True(t, m.Provision(context.Background(), "cancel", nil).OK())
	writeScript(t, m, "cancel.py", "sleep 5\n")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res := m.Execute(ctx, ExecRequest{Script: "cancel.py"})
	assert.Equal(t, KindUnexpected, res.Kind)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	m := newTestManager(t)
	m.cfg.MaxOutput = 100
	require.True(t, m.Provision(context.Background(), "chatty", nil).OK())
	writeScript(t, m, "chatty.py", "i=0\nwhile [ $i -lt 50 ]; do echo 0123456789; i=$((i+1)); done\n")

	res := m.Execute(context.Background(), ExecRequest{Script: "chatty.py"})
	assert.Equal(t, KindSuccess, res.Kind, res.Message)
	assert.True(t, res.Truncated)
	assert.LessOrEqual(t, len(res.Stdout), 100)
}

func TestEnvironmentsListsRegistered(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.True(t, m.Provision(ctx, "b", nil).OK())
	require.True(t, m.Provision(ctx, "a", nil).OK())

	envs, err := m.Environments(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 2)
	assert.Equal(t, TaskID("a"), envs[0].TaskID)
	assert.Equal(t, StateReady, envs[1].State)
}

func TestExecuteWaitsForProvisionOfSameTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.True(t, m.Provision(ctx, "locked", nil).OK())
	require.True(t, m.Provision(ctx, "other", nil).OK())

	// pip-ran only exists in an environment whose installer ran.
	writeScript(t, m, "locked.py", "test -f venv_locked/pip-ran && echo fresh || echo stale\n")
	writeScript(t, m, "other.py", "echo other\n")

	provisioned := make(chan *ProvisionResult, 1)
	go func() { provisioned <- m.Provision(ctx, "locked", Manifest{"slow-package"}) }()

	marker := filepath.Join(m.Root(), "venv_locked", "pip-ran")
	require.Eventually(t, func() bool {
		_, err := os.Stat(marker)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "installer never started")

	other := m.Execute(ctx, ExecRequest{Script: "other.py"})
	assert.Equal(t, KindSuccess, other.Kind, other.Message)
	select {
	case <-provisioned:
		t.Fatal("a different task waited for the provision to finish")
	default:
	}

	// Without the task lock this would see the environment mid-provision
	// and fail as not ready.
	res := m.Execute(ctx, ExecRequest{Script: "locked.py"})
	assert.Equal(t, KindSuccess, res.Kind, res.Message)
	assert.Equal(t, "fresh", res.Stdout)

	prov := <-provisioned
	require.True(t, prov.OK(), prov.Message)
}

func TestExecuteBackgroundChildDoesNotSpoilSuccess(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	require.True(t, m.Provision(ctx, "lingering", nil).OK())

	pidFile := filepath.Join(m.Root(), "lingering.pid")
	writeScript(t, m, "lingering.py", "sleep 20 &\necho $! > "+pidFile+"\necho hello\nexit 0\n")

	res := m.Execute(ctx, ExecRequest{Script: "lingering.py"})
	assert.Equal(t, KindSuccess, res.Kind, res.Message)
	assert.Equal(t, "hello", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
	assert.NoError(t, res.Err)

	if runtime.GOOS != "linux" {
		return
	}
	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 3*time.Second, 50*time.Millisecond,
		"background child %d outlived the script", pid)
}

func TestExecuteParentDeadlineIsTimeout(t *testing.T) {
	m := newTestManager(t)
	require.True(t, m.Provision(context.Background(), "deadline", nil).OK())
	writeScript(t, m, "deadline.py", "sleep 5\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res := m.Execute(ctx, ExecRequest{Script: "deadline.py", Timeout: 10 * time.Second})
	assert.Equal(t, KindTimeout, res.Kind, res.Message)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)
}
