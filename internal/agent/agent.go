package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/michaelbrown/scriptforge/internal/llm"
	"github.com/michaelbrown/scriptforge/internal/toolkit"
	"github.com/michaelbrown/scriptforge/internal/tools"
)

const defaultSystemPrompt = `You are ScriptForge, an assistant that builds and runs small Python scripts to automate tasks on this machine.

To build a script, follow these steps strictly:
1. Write a self-contained Python script that does what the user asked. It must run on its own and read its single input from sys.argv[1].
2. Call save_script to save it. Use a short snake_case file name ending in .py.
3. Call provision_environment with the script name (without .py) as the task and the pip packages the script imports.
4. Call execute_script to run it with the user's argument.
5. If the script produces output, return it to the user. If it fails, report the error and fix the script when you can.

To run an existing script, call list_scripts if unsure of the name, then execute_script.
When the user asks to be notified and the notify tool is available, send the result with a short header describing what is being sent.`

// Agent runs one request through a tool-calling loop. Each request starts
// from a fresh history; an Agent is not safe for concurrent use.
type Agent struct {
	llm        llm.Client
	builtin    *toolkit.Toolkit
	registry   *tools.Registry
	tools      []llm.ToolDef
	system     string
	maxIter    int
	logger     *slog.Logger
	transcript []llm.Message

	OnToolCall   func(name string, args map[string]any)
	OnToolResult func(name string, result string)
	OnTextDelta  func(delta string)
}

// New creates an Agent. builtin and registry may each be nil.
func New(client llm.Client, builtin *toolkit.Toolkit, registry *tools.Registry, maxIterations int, logger *slog.Logger) *Agent {
	if maxIterations <= 0 {
		maxIterations = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		llm:      client,
		builtin:  builtin,
		registry: registry,
		system:   defaultSystemPrompt,
		maxIter:  maxIterations,
		logger:   logger,
	}
	a.tools = a.collectTools()
	return a
}

// collectTools lists built-in tools first. Registry tools with the same
// name as a built-in are hidden.
func (a *Agent) collectTools() []llm.ToolDef {
	var defs []llm.ToolDef
	seen := map[string]bool{}
	if a.builtin != nil {
		for _, d := range a.builtin.Defs() {
			defs = append(defs, d)
			seen[d.Name] = true
		}
	}
	if a.registry != nil {
		for _, d := range a.registry.AllTools() {
			if !seen[d.Name] {
				defs = append(defs, d)
			}
		}
	}
	return defs
}

// SetSystemPrompt overrides the default system prompt.
func (a *Agent) SetSystemPrompt(prompt string) {
	if prompt != "" {
		a.system = prompt
	}
}

// FilterTools restricts available tools to the given names.
func (a *Agent) FilterTools(names []string) {
	if len(names) == 0 {
		return
	}
	allowed := make(map[string]bool, len(names))
	for _, n := range names {
		allowed[n] = true
	}
	var filtered []llm.ToolDef
	for _, t := range a.tools {
		if allowed[t.Name] {
			filtered = append(filtered, t)
		}
	}
	a.tools = filtered
}

// ApplyProfile sets the system prompt, tool allowlist and iteration limit
// from p.
func (a *Agent) ApplyProfile(p *Profile) {
	if p == nil {
		return
	}
	a.SetSystemPrompt(p.SystemPrompt)
	a.FilterTools(p.Tools)
	if p.MaxIter > 0 {
		a.maxIter = p.MaxIter
	}
}

// Tools returns the tool definitions offered to the model.
func (a *Agent) Tools() []llm.ToolDef {
	return a.tools
}

// Run sends a request and executes the full tool-calling loop.
// Returns the final assistant text response.
func (a *Agent) Run(ctx context.Context, request string) (string, error) {
	return a.run(ctx, request, false)
}

// RunStreaming is like Run but streams text output token-by-token via OnTextDelta.
func (a *Agent) RunStreaming(ctx context.Context, request string) (string, error) {
	return a.run(ctx, request, true)
}

func (a *Agent) run(ctx context.Context, request string, stream bool) (string, error) {
	a.transcript = []llm.Message{
		llm.SystemMessage(a.system),
		llm.UserMessage(request),
	}

	for i := 0; i < a.maxIter; i++ {
		var resp *llm.Response
		var err error
		if stream {
			resp, err = a.llm.ChatCompletionStream(ctx, a.transcript, a.tools, a.OnTextDelta)
		} else {
			resp, err = a.llm.ChatCompletion(ctx, a.transcript, a.tools)
		}
		if err != nil {
			return "", fmt.Errorf("llm call (iteration %d): %w", i+1, err)
		}

		a.transcript = append(a.transcript, resp.Message)

		// No tool calls: the model is done
		if len(resp.Message.ToolCalls) == 0 {
			return resp.Message.Content, nil
		}

		for _, tc := range resp.Message.ToolCalls {
			if a.OnToolCall != nil {
				a.OnToolCall(tc.Name, tc.Args)
			}

			result := a.executeTool(ctx, tc)

			if a.OnToolResult != nil {
				a.OnToolResult(tc.Name, result)
			}

			a.transcript = append(a.transcript, llm.ToolResultMessage(tc.ID, result))
		}
	}

	return "", fmt.Errorf("agent reached max iterations (%d) without a final response", a.maxIter)
}

// executeTool dispatches a tool call to the built-in toolkit or the registry.
func (a *Agent) executeTool(ctx context.Context, tc llm.ToolCall) string {
	if !a.offered(tc.Name) {
		return fmt.Sprintf("error: unknown tool %q", tc.Name)
	}

	a.logger.Debug("tool call", "tool", tc.Name)
	if a.builtin != nil && a.builtin.Has(tc.Name) {
		result, err := a.builtin.Call(ctx, tc.Name, tc.Args)
		if err != nil {
			return fmt.Sprintf("error: %s", err)
		}
		return result
	}
	if a.registry != nil {
		result, err := a.registry.CallTool(ctx, tc.Name, tc.Args)
		if err != nil {
			return fmt.Sprintf("error: %s", err)
		}
		return result
	}
	return fmt.Sprintf("error: unknown tool %q", tc.Name)
}

func (a *Agent) offered(name string) bool {
	for _, t := range a.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// Transcript returns the messages of the most recent request.
func (a *Agent) Transcript() []llm.Message {
	return append([]llm.Message(nil), a.transcript...)
}

// TranscriptJSON returns the most recent request as formatted JSON.
func (a *Agent) TranscriptJSON() string {
	data, _ := json.MarshalIndent(a.transcript, "", "  ")
	return string(data)
}

// String returns a summary of the agent state.
func (a *Agent) String() string {
	return fmt.Sprintf("Agent(tools=%d, maxIter=%d)", len(a.tools), a.maxIter)
}

// FormatToolCall returns a human-readable string for a tool call.
func FormatToolCall(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", args[k])
		if len(v) > 60 {
			v = v[:57] + "..."
		}
		parts = append(parts, fmt.Sprintf("%s=%s", k, strings.ReplaceAll(v, "\n", `\n`)))
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}
