package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/scriptforge/internal/agent"
)

var askCmd = &cobra.Command{
	Use:   "ask [request]",
	Short: "Ask the agent to write, provision and run a script",
	Long: `Send a request to the ScriptForge agent. The agent writes a Python script,
provisions an environment for it, runs it and reports the output.

With a request argument the command answers once and exits. Without one it
starts an interactive prompt where every line is an independent request.

Examples:
  scriptforge ask "current price of AAPL"
  scriptforge ask --provider openai --model smart
  scriptforge ask --profile finance`,
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	a.startTools(ctx)
	stop()

	r, err := a.resolve(flagOptions())
	if err != nil {
		return err
	}

	if len(args) > 0 {
		ag, err := a.newAgent(context.Background(), flagOptions())
		if err != nil {
			return err
		}
		wireDisplay(ag)
		ctx, stop := signalContext()
		defer stop()
		if _, err := ag.RunStreaming(ctx, strings.Join(args, " ")); err != nil {
			return err
		}
		fmt.Println()
		return nil
	}

	fmt.Printf("ScriptForge - Interactive Agent\n")
	if r.profile != nil {
		fmt.Printf("Profile: %s\n", r.profile.Name)
	}
	fmt.Printf("Provider: %s | Model: %s\n", r.providerName, r.model)
	if a.registry.HasTools() {
		fmt.Printf("Tools: built-in + MCP servers\n")
	} else {
		fmt.Printf("Tools: built-in\n")
	}
	fmt.Printf("Type /help for commands, /quit to exit\n\n")

	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36myou>\033[0m ",
		HistoryFile:     filepath.Join(home, ".scriptforge", "history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the active request, not the whole app.
	var reqCancel context.CancelFunc
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if reqCancel != nil {
				reqCancel()
			}
		}
	}()

	var last *agent.Agent
	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(input, a, last); quit {
				return nil
			}
			continue
		}

		ag, err := a.newAgent(context.Background(), flagOptions())
		if err != nil {
			fmt.Printf("\033[31merror: %s\033[0m\n\n", err)
			continue
		}
		wireDisplay(ag)
		last = ag

		reqCtx, cancel := context.WithCancel(context.Background())
		reqCancel = cancel

		fmt.Printf("\n\033[32mforge>\033[0m ")
		_, err = ag.RunStreaming(reqCtx, input)
		wasInterrupted := reqCtx.Err() != nil
		cancel()
		reqCancel = nil

		if err != nil {
			if wasInterrupted {
				fmt.Println("\n(interrupted)")
				continue
			}
			fmt.Printf("\n\033[31merror: %s\033[0m\n\n", err)
			continue
		}

		fmt.Printf("\n\n")
	}
}

// wireDisplay prints streamed text and tool activity to the terminal.
func wireDisplay(a *agent.Agent) {
	a.OnTextDelta = func(delta string) {
		fmt.Print(delta)
	}
	a.OnToolCall = func(name string, args map[string]any) {
		fmt.Printf("\n  \033[33m⚡ Tool: %s\033[0m\n", agent.FormatToolCall(name, args))
	}
	a.OnToolResult = func(name string, result string) {
		lines := strings.Split(strings.TrimSpace(result), "\n")
		preview := lines
		if len(preview) > 8 {
			preview = preview[:8]
		}
		for _, line := range preview {
			fmt.Printf("  \033[90m│ %s\033[0m\n", line)
		}
		if len(lines) > 8 {
			fmt.Printf("  \033[90m│ ... (%d more lines)\033[0m\n", len(lines)-8)
		}
		fmt.Println()
	}
}

// handleCommand runs a slash command and reports whether to exit.
func handleCommand(input string, a *app, last *agent.Agent) bool {
	switch strings.ToLower(strings.Fields(input)[0]) {
	case "/quit", "/exit", "/q":
		fmt.Println("Goodbye!")
		return true
	case "/tools":
		ag, err := a.newAgent(context.Background(), flagOptions())
		if err != nil {
			fmt.Printf("error: %s\n\n", err)
			return false
		}
		for _, t := range ag.Tools() {
			fmt.Printf("  %-24s %s\n", t.Name, truncate(t.Description, 70))
		}
		fmt.Println()
	case "/transcript":
		if last == nil {
			fmt.Println("No request yet.")
		} else {
			fmt.Println(last.TranscriptJSON())
		}
		fmt.Println()
	case "/scripts":
		list, err := a.scripts.List()
		if err != nil {
			fmt.Printf("error: %s\n\n", err)
			return false
		}
		for _, s := range list {
			fmt.Printf("  %-30s %6d bytes  %s\n", s.Name, s.Size, timeAgo(s.Modified))
		}
		fmt.Println()
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /help        - Show this help")
		fmt.Println("  /tools       - List tools offered to the model")
		fmt.Println("  /scripts     - List saved scripts")
		fmt.Println("  /transcript  - Show the last request's raw transcript (JSON)")
		fmt.Println("  /quit        - Exit")
		fmt.Println()
	default:
		fmt.Printf("Unknown command: %s (try /help)\n\n", input)
	}
	return false
}
