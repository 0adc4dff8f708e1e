package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/scriptforge/internal/envmgr"
)

var requirementsFile string

var provisionCmd = &cobra.Command{
	Use:   "provision <task> [requirement...]",
	Short: "Create a fresh environment for a task and install requirements",
	Long: `Create a virtual environment for task and install its requirements. Any
existing environment for the task is destroyed first.

Examples:
  scriptforge provision AAPL yfinance
  scriptforge provision weather -r requirements.txt`,
	Args: cobra.MinimumNArgs(1),
	RunE: runProvision,
}

var envsCmd = &cobra.Command{
	Use:     "envs",
	Aliases: []string{"env", "environments"},
	Short:   "Inspect task environments",
}

var envsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered environments",
	RunE:  runEnvsList,
}

var envsShowCmd = &cobra.Command{
	Use:   "show <task>",
	Short: "Show one environment",
	Args:  cobra.ExactArgs(1),
	RunE:  runEnvsShow,
}

func init() {
	provisionCmd.Flags().StringVarP(&requirementsFile, "requirements", "r", "", "Requirements file to install")
	rootCmd.AddCommand(provisionCmd, envsCmd)
	envsCmd.AddCommand(envsListCmd, envsShowCmd)
}

func runProvision(cmd *cobra.Command, args []string) error {
	manifest := envmgr.Manifest(args[1:])
	if requirementsFile != "" {
		data, err := os.ReadFile(requirementsFile)
		if err != nil {
			return fmt.Errorf("reading requirements: %w", err)
		}
		manifest = append(manifest, envmgr.ParseManifest(string(data))...)
	}

	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signalContext()
	defer stop()

	res := a.envs.Provision(ctx, args[0], manifest)
	if !res.OK() {
		if res.Output != "" {
			fmt.Fprintln(os.Stderr, res.Output)
		}
		return errors.New(res.Message)
	}
	fmt.Println(res.Message)
	fmt.Printf("Interpreter: %s\n", res.Python)
	return nil
}

func runEnvsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	envs, err := a.envs.Environments(context.Background())
	if err != nil {
		return err
	}
	if len(envs) == 0 {
		fmt.Println("No environments found.")
		return nil
	}

	fmt.Printf("%-24s %-14s %-6s %s\n", "TASK", "STATE", "PKGS", "UPDATED")
	fmt.Println(strings.Repeat("─", 60))
	for _, e := range envs {
		fmt.Printf("%-24s %-14s %-6d %s\n", e.TaskID, e.State, len(e.Manifest.Requirements()), timeAgo(e.UpdatedAt))
	}
	return nil
}

func runEnvsShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	e, err := a.envs.Environment(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Task:     %s\n", e.TaskID)
	fmt.Printf("State:    %s\n", e.State)
	fmt.Printf("Root:     %s\n", e.Root)
	fmt.Printf("Python:   %s\n", e.Python)
	if e.ManifestPath != "" {
		fmt.Printf("Manifest: %s\n", e.ManifestPath)
	}
	if e.Message != "" {
		fmt.Printf("Message:  %s\n", e.Message)
	}
	fmt.Printf("Updated:  %s\n", e.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(e.Manifest) > 0 {
		fmt.Println("\nRequirements:")
		for _, line := range e.Manifest {
			fmt.Printf("  %s\n", line)
		}
	}
	return nil
}
