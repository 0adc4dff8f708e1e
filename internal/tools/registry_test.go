package tools_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/michaelbrown/scriptforge/internal/logging"
	"github.com/michaelbrown/scriptforge/internal/tools"
)

// The pyenv integration test requires the tool server binary to be built first.
// Run: make build-tools && go test ./internal/tools/ -v

func binPath(name string) string {
	// Walk up from the test's working directory to find the project root bin/
	wd, _ := os.Getwd()
	for d := wd; d != "/"; d = filepath.Dir(d) {
		candidate := filepath.Join(d, "bin", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return filepath.Join("bin", name) // fallback
}

func skipIfNoBinary(t *testing.T, name string) string {
	t.Helper()
	path := binPath(name)
	if _, err := os.Stat(path); err != nil {
		t.Skipf("binary %s not found at %s (run make build-tools first)", name, path)
	}
	return path
}

func TestRegistryEmpty(t *testing.T) {
	r := tools.NewRegistry(logging.Discard())
	defer r.Close()

	if r.HasTools() {
		t.Fatal("empty registry should not have tools")
	}
	if got := r.AllTools(); len(got) != 0 {
		t.Fatalf("AllTools() = %d, want 0", len(got))
	}
	if r.Has("anything") {
		t.Fatal("empty registry should not report a tool")
	}

	_, err := r.CallTool(context.Background(), "nonexistent", nil)
	if err == nil {
		t.Fatal("CallTool on empty registry should return error")
	}
}

func TestRegistrySkipsDisabled(t *testing.T) {
	r := tools.NewRegistry(logging.Discard())
	defer r.Close()

	err := r.Register(context.Background(), "disabled-server", tools.ToolServerConfig{
		Binary:  "/nonexistent/binary",
		Enabled: false,
	})
	if err != nil {
		t.Fatalf("Register disabled server should not error: %v", err)
	}
	if r.HasTools() {
		t.Fatal("disabled server should not register tools")
	}
}

func TestRegistryBadBinary(t *testing.T) {
	r := tools.NewRegistry(logging.Discard())
	defer r.Close()

	err := r.Register(context.Background(), "bad", tools.ToolServerConfig{
		Binary:  "/nonexistent/binary",
		Enabled: true,
	})
	if err == nil {
		t.Fatal("Register with bad binary should return error")
	}
}

func TestRegisterAllSkipsBroken(t *testing.T) {
	r := tools.NewRegistry(logging.Discard())
	defer r.Close()

	r.RegisterAll(context.Background(), map[string]tools.ToolServerConfig{
		"bad":      {Binary: "/nonexistent/binary", Enabled: true},
		"disabled": {Binary: "/nonexistent/other", Enabled: false},
	})
	if r.HasTools() {
		t.Fatal("no tools should be registered")
	}
}

func TestToolServerEnvironExpands(t *testing.T) {
	t.Setenv("SCRIPTFORGE_TEST_TOKEN", "s3cret")

	cfg := tools.ToolServerConfig{Env: map[string]string{
		"TOKEN":  "${SCRIPTFORGE_TEST_TOKEN}",
		"PLAIN":  "value",
		"PREFIX": "bearer ${SCRIPTFORGE_TEST_TOKEN}",
	}}
	env := strings.Join(cfg.Environ(), "\n")
	for _, want := range []string{"TOKEN=s3cret", "PLAIN=value", "PREFIX=bearer s3cret"} {
		if !strings.Contains(env, want) {
			t.Errorf("environment missing %q", want)
		}
	}
}

func TestPyenvMCP(t *testing.T) {
	bin := skipIfNoBinary(t, "scriptforge-pyenv")

	r := tools.NewRegistry(logging.Discard())
	defer r.Close()

	dir := t.TempDir()
	err := r.Register(context.Background(), "pyenv", tools.ToolServerConfig{
		Binary:  bin,
		Enabled: true,
		Env: map[string]string{
			"SCRIPTFORGE_WORKSPACE_SCRIPTS_DIR": dir,
			"SCRIPTFORGE_STORAGE_DB_PATH":       filepath.Join(dir, "test.db"),
		},
	})
	if err != nil {
		t.Fatalf("Register pyenv: %v", err)
	}

	for _, name := range []string{"save_script", "provision_environment", "execute_script", "list_scripts"} {
		if !r.Has(name) {
			t.Errorf("tool %s not discovered", name)
		}
	}

	ctx := context.Background()
	result, err := r.CallTool(ctx, "save_script", map[string]any{
		"name":    "hello.py",
		"content": "import sys\nprint(sys.argv[1])\n",
	})
	if err != nil {
		t.Fatalf("save_script: %v", err)
	}
	if !strings.Contains(result, filepath.Join(dir, "hello.py")) {
		t.Errorf("save_script result: %q", result)
	}

	result, err = r.CallTool(ctx, "list_scripts", nil)
	if err != nil {
		t.Fatalf("list_scripts: %v", err)
	}
	if !strings.Contains(result, "hello.py") {
		t.Errorf("list_scripts result: %q", result)
	}

	// No environment has been provisioned for the task yet.
	result, err = r.CallTool(ctx, "execute_script", map[string]any{"script": "hello.py", "argument": "hi"})
	if err != nil {
		t.Fatalf("execute_script: %v", err)
	}
	if !strings.Contains(result, "setup_failure") {
		t.Errorf("expected setup failure, got: %q", result)
	}
}
