// Package toolkit exposes script authoring, provisioning and execution as
// LLM tools. The same definitions back the agent's built-in tools and the
// pyenv MCP server.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
	"github.com/michaelbrown/scriptforge/internal/llm"
	"github.com/michaelbrown/scriptforge/internal/notify"
	"github.com/michaelbrown/scriptforge/internal/runs"
	"github.com/michaelbrown/scriptforge/internal/scripts"
	"github.com/michaelbrown/scriptforge/internal/storage"
)

const (
	ToolSaveScript  = "save_script"
	ToolProvision   = "provision_environment"
	ToolExecute     = "execute_script"
	ToolListScripts = "list_scripts"
	ToolNotify      = "notify"
)

// DefaultOutputLimit caps the text handed back to the model.
const DefaultOutputLimit = 4000

// ErrUnknownTool is returned by Call for names the toolkit does not own.
var ErrUnknownTool = errors.New("unknown tool")

// Provisioner creates environments. *envmgr.Manager satisfies it.
type Provisioner interface {
	Provision(ctx context.Context, label string, manifest envmgr.Manifest) *envmgr.ProvisionResult
}

// Runner records and executes scripts. *runs.Service satisfies it.
type Runner interface {
	RunNow(ctx context.Context, req runs.Request) (*storage.Run, *envmgr.Result, error)
}

// Toolkit dispatches tool calls to the script store, environment manager
// and run service.
type Toolkit struct {
	scripts     *scripts.Store
	provisioner Provisioner
	runs        Runner
	notifier    notify.Notifier // nil disables the notify tool
	outputLimit int
}

// Option configures a Toolkit.
type Option func(*Toolkit)

// WithNotifier enables the notify tool.
func WithNotifier(n notify.Notifier) Option {
	return func(t *Toolkit) { t.notifier = n }
}

// WithOutputLimit sets the maximum characters returned per call.
func WithOutputLimit(n int) Option {
	return func(t *Toolkit) {
		if n > 0 {
			t.outputLimit = n
		}
	}
}

func New(store *scripts.Store, provisioner Provisioner, runner Runner, opts ...Option) *Toolkit {
	t := &Toolkit{
		scripts:     store,
		provisioner: provisioner,
		runs:        runner,
		outputLimit: DefaultOutputLimit,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Defs returns the tool definitions offered to the model.
func (t *Toolkit) Defs() []llm.ToolDef {
	defs := []llm.ToolDef{
		{
			Name:        ToolSaveScript,
			Description: "Save a self-contained Python script into the scripts directory. Returns the absolute path. Overwrites a script with the same name.",
			Parameters: object(map[string]any{
				"name":    str("File name including the .py extension, e.g. check_price.py"),
				"content": str("Complete Python source code"),
			}, "name", "content"),
		},
		{
			Name:        ToolProvision,
			Description: "Create a fresh virtual environment for a task and install its dependencies with pip. Use the script's base name as the task. Any previous environment for the task is replaced.",
			Parameters: object(map[string]any{
				"task": str("Task identifier, normally the script name without extension"),
				"requirements": map[string]any{
					"type":        "array",
					"items":       map[string]any{"type": "string"},
					"description": "pip requirement lines, e.g. [\"requests\", \"yfinance==0.2.40\"]. May be empty.",
				},
			}, "task"),
		},
		{
			Name:        ToolExecute,
			Description: "Run a saved script inside its task's virtual environment with one positional argument. Returns stdout on success, otherwise a description of the failure.",
			Parameters: object(map[string]any{
				"script":   str("Script file name, e.g. check_price.py"),
				"argument": str("The single argument passed to the script"),
				"task":     str("Task identifier; defaults to the script name without extension"),
				"timeout_seconds": map[string]any{
					"type":        "integer",
					"description": "Wall-clock limit in seconds (default 30)",
				},
			}, "script"),
		},
		{
			Name:        ToolListScripts,
			Description: "List saved scripts with their sizes.",
			Parameters:  object(map[string]any{}),
		},
	}
	if t.notifier != nil {
		defs = append(defs, llm.ToolDef{
			Name:        ToolNotify,
			Description: "Send a text message to the user's messaging channel. Start with a short header describing what is being sent.",
			Parameters: object(map[string]any{
				"text": str("Message text"),
			}, "text"),
		})
	}
	return defs
}

// Has reports whether name is one of the toolkit's tools.
func (t *Toolkit) Has(name string) bool {
	for _, d := range t.Defs() {
		if d.Name == name {
			return true
		}
	}
	return false
}

// Call runs one tool. Expected failures (a failed install, a script that
// exits non-zero) are returned as text so the model can react to them; the
// error is reserved for bad arguments and unknown tools.
func (t *Toolkit) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	var out string
	var err error
	switch name {
	case ToolSaveScript:
		out, err = t.saveScript(args)
	case ToolProvision:
		out, err = t.provision(ctx, args)
	case ToolExecute:
		out, err = t.execute(ctx, args)
	case ToolListScripts:
		out, err = t.listScripts()
	case ToolNotify:
		if t.notifier == nil {
			return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out, err = t.notify(ctx, args)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if err != nil {
		return "", err
	}
	return Truncate(out, t.outputLimit), nil
}

func (t *Toolkit) saveScript(args map[string]any) (string, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)
	path, err := t.scripts.Save(name, content)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved %s", path), nil
}

func (t *Toolkit) provision(ctx context.Context, args map[string]any) (string, error) {
	task, err := requireString(args, "task")
	if err != nil {
		return "", err
	}
	manifest, err := manifestArg(args["requirements"])
	if err != nil {
		return "", err
	}
	res := t.provisioner.Provision(ctx, task, manifest)
	if !res.OK() {
		return fmt.Sprintf("[%s] %s", res.Kind, res.Message), nil
	}
	return fmt.Sprintf("Environment for task '%s' is ready. Interpreter: %s", res.TaskID, res.Python), nil
}

func (t *Toolkit) execute(ctx context.Context, args map[string]any) (string, error) {
	script, err := requireString(args, "script")
	if err != nil {
		return "", err
	}
	req := runs.Request{Script: script}
	req.Argument, _ = args["argument"].(string)
	req.TaskID, _ = args["task"].(string)
	if v, ok := args["timeout_seconds"].(float64); ok && v > 0 {
		req.TimeoutSeconds = int(v)
	}

	run, res, err := t.runs.RunNow(ctx, req)
	if err != nil {
		return "", err
	}
	if res.OK() {
		if res.Stdout == "" {
			return fmt.Sprintf("Script '%s' finished with no output (run %s).", script, run.ID), nil
		}
		return res.Stdout, nil
	}
	return fmt.Sprintf("[%s] %s", res.Kind, res.Message), nil
}

func (t *Toolkit) listScripts() (string, error) {
	list, err := t.scripts.List()
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No scripts saved yet.", nil
	}
	var b strings.Builder
	for _, s := range list {
		fmt.Fprintf(&b, "%s (%d bytes)\n", s.Name, s.Size)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (t *Toolkit) notify(ctx context.Context, args map[string]any) (string, error) {
	text, err := requireString(args, "text")
	if err != nil {
		return "", err
	}
	ack, err := t.notifier.Notify(ctx, text)
	if err != nil {
		return fmt.Sprintf("Notification failed: %v", err), nil
	}
	data, _ := json.Marshal(ack)
	return string(data), nil
}

// Truncate shortens s to at most limit bytes on a rune boundary and marks
// the cut.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n... (output truncated)"
}

func requireString(args map[string]any, key string) (string, error) {
	v, _ := args[key].(string)
	if strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("'%s' argument must be a non-empty string", key)
	}
	return v, nil
}

// manifestArg accepts a list of requirement strings or one newline
// separated string.
func manifestArg(v any) (envmgr.Manifest, error) {
	switch req := v.(type) {
	case nil:
		return nil, nil
	case string:
		return envmgr.ParseManifest(req), nil
	case []string:
		return envmgr.ParseManifest(strings.Join(req, "\n")), nil
	case []any:
		lines := make([]string, 0, len(req))
		for _, item := range req {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("'requirements' entries must be strings, got %T", item)
			}
			lines = append(lines, s)
		}
		return envmgr.ParseManifest(strings.Join(lines, "\n")), nil
	default:
		return nil, fmt.Errorf("'requirements' must be a list of strings, got %T", v)
	}
}

func object(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}
