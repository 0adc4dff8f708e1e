package toolkit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/notify"
	"github.com/michaelbrown/scriptforge/internal/runs"
	"github.com/michaelbrown/scriptforge/internal/scripts"
	"github.com/michaelbrown/scriptforge/internal/storage"
)

type fakeProvisioner struct {
	label    string
	manifest envmgr.Manifest
	fail     bool
}

func (f *fakeProvisioner) Provision(_ context.Context, label string, m envmgr.Manifest) *envmgr.ProvisionResult {
	f.label, f.manifest = label, m
	if f.fail {
		return &envmgr.ProvisionResult{Kind: envmgr.KindSetupFailure, TaskID: envmgr.TaskID(label),
			Message: "Error installing dependencies into 'venv_x': No matching distribution found for nopkg"}
	}
	return &envmgr.ProvisionResult{Kind: envmgr.KindSuccess, TaskID: envmgr.TaskID(label), Python: "/s/venv_" + label + "/bin/python"}
}

type fakeRunner struct {
	req runs.Request
	res *envmgr.Result
}

func (f *fakeRunner) RunNow(_ context.Context, req runs.Request) (*storage.Run, *envmgr.Result, error) {
	f.req = req
	return &storage.Run{ID: "run-1"}, f.res, nil
}

type fakeNotifier struct{ sent []string }

func (f *fakeNotifier) Notify(_ context.Context, text string) (*notify.Ack, error) {
	f.sent = append(f.sent, text)
	return &notify.Ack{OK: true, MessageID: 9}, nil
}

func newToolkit(t *testing.T, opts ...Option) (*Toolkit, *fakeProvisioner, *fakeRunner) {
	t.Helper()
	store, err := scripts.New(t.TempDir())
	require.NoError(t, err)
	p := &fakeProvisioner{}
	r := &fakeRunner{res: &envmgr.Result{Kind: envmgr.KindSuccess, Stdout: "189.5"}}
	return New(store, p, r, opts...), p, r
}

func toolNames(tk *Toolkit) []string {
	var names []string
	for _, d := range tk.Defs() {
		names = append(names, d.Name)
	}
	return names
}

func TestDefsIncludeNotifyOnlyWhenConfigured(t *testing.T) {
	tk, _, _ := newToolkit(t)
	assert.Equal(t, []string{ToolSaveScript, ToolProvision, ToolExecute, ToolListScripts}, toolNames(tk))
	assert.False(t, tk.Has(ToolNotify))

	_, err := tk.Call(context.Background(), ToolNotify, map[string]any{"text": "x"})
	assert.ErrorIs(t, err, ErrUnknownTool)

	tk, _, _ = newToolkit(t, WithNotifier(&fakeNotifier{}))
	assert.True(t, tk.Has(ToolNotify))
}

func TestSaveAndListScripts(t *testing.T) {
	tk, _, _ := newToolkit(t)
	ctx := context.Background()

	out, err := tk.Call(ctx, ToolListScripts, nil)
	require.NoError(t, err)
	assert.Equal(t, "No scripts saved yet.", out)

	out, err = tk.Call(ctx, ToolSaveScript, map[string]any{"name": "AAPL.py", "content": "print(1)\n"})
	require.NoError(t, err)
	assert.Contains(t, out, "AAPL.py")

	out, err = tk.Call(ctx, ToolListScripts, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "AAPL.py (9 bytes)", out)
}

func TestSaveScriptRejectsMissingName(t *testing.T) {
	tk, _, _ := newToolkit(t)
	_, err := tk.Call(context.Background(), ToolSaveScript, map[string]any{"content": "x"})
	assert.Error(t, err)
}

func TestProvisionArguments(t *testing.T) {
	tk, p, _ := newToolkit(t)
	ctx := context.Background()

	out, err := tk.Call(ctx, ToolProvision, map[string]any{
		"task":         "AAPL",
		"requirements": []any{"yfinance", " requests "},
	})
	require.NoError(t, err)
	assert.Equal(t, "AAPL", p.label)
	assert.Equal(t, envmgr.Manifest{"yfinance", "requests"}, p.manifest)
	assert.Contains(t, out, "/s/venv_AAPL/bin/python")

	_, err = tk.Call(ctx, ToolProvision, map[string]any{"task": "t", "requirements": "a\nb\n"})
	require.NoError(t, err)
	assert.Equal(t, envmgr.Manifest{"a", "b"}, p.manifest)

	_, err = tk.Call(ctx, ToolProvision, map[string]any{"task": "t", "requirements": []any{1}})
	assert.Error(t, err)
}

func TestProvisionFailureIsText(t *testing.T) {
	tk, p, _ := newToolkit(t)
	p.fail = true

	out, err := tk.Call(context.Background(), ToolProvision, map[string]any{"task": "x", "requirements": []any{"nopkg"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "[setup_failure] "))
	assert.Contains(t, out, "No matching distribution")
}

func TestExecuteMapsArguments(t *testing.T) {
	tk, _, r := newToolkit(t)

	out, err := tk.Call(context.Background(), ToolExecute, map[string]any{
		"script":          "AAPL.py",
		"argument":        "AAPL",
		"timeout_seconds": float64(12),
	})
	require.NoError(t, err)
	assert.Equal(t, "189.5", out)
	assert.Equal(t, runs.Request{Script: "AAPL.py", Argument: "AAPL", TimeoutSeconds: 12}, r.req)
}

func TestExecuteFailureIsText(t *testing.T) {
	tk, _, r := newToolkit(t)
	r.res = &envmgr.Result{Kind: envmgr.KindProcessError, Message: "Error executing script 'a.py': boom"}

	out, err := tk.Call(context.Background(), ToolExecute, map[string]any{"script": "a.py"})
	require.NoError(t, err)
	assert.Equal(t, "[process_error] Error executing script 'a.py': boom", out)
}

func TestNotifyTool(t *testing.T) {
	n := &fakeNotifier{}
	tk, _, _ := newToolkit(t, WithNotifier(n))

	out, err := tk.Call(context.Background(), ToolNotify, map[string]any{"text": "*AAPL*: 189.5"})
	require.NoError(t, err)
	assert.Equal(t, []string{"*AAPL*: 189.5"}, n.sent)
	assert.Contains(t, out, `"message_id":9`)
}

func TestOutputIsTruncated(t *testing.T) {
	tk, _, r := newToolkit(t, WithOutputLimit(10))
	r.res = &envmgr.Result{Kind: envmgr.KindSuccess, Stdout: strings.Repeat("x", 50)}

	out, err := tk.Call(context.Background(), ToolExecute, map[string]any{"script": "a.py"})
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("x", 10)+"\n... (output truncated)", out)
}

func TestTruncateKeepsRunes(t *testing.T) {
	got := Truncate("héllo", 2)
	assert.Equal(t, "h\n... (output truncated)", got)
	assert.Equal(t, "short", Truncate("short", 10))
}

func TestUnknownTool(t *testing.T) {
	tk, _, _ := newToolkit(t)
	_, err := tk.Call(context.Background(), "shell_exec", nil)
	assert.True(t, errors.Is(err, ErrUnknownTool))
}
