package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/scriptforge/internal/storage"
)

var (
	statusFilter string
	taskFilter   string
	limitFlag    int
	exportFormat string
	exportOutput string
	forceFlag    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details and output",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>...",
	Short: "Export runs as markdown or JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (queued, running, completed, failed, timed_out)")
	runsListCmd.Flags().StringVar(&taskFilter, "task", "", "Filter by task")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.store.ListRuns(context.Background(), storage.RunListOptions{
		Status: storage.RunStatus(statusFilter),
		TaskID: taskFilter,
		Limit:  limitFlag,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-24s %-20s %-9s %s\n", "ID", "STATUS", "SCRIPT", "ARGUMENT", "DURATION", "CREATED")
	fmt.Println(strings.Repeat("─", 95))

	for _, r := range list {
		fmt.Printf("%-10s %-10s %-24s %-20s %-9s %s\n",
			shortID(r.ID), r.Status, truncate(r.Script, 22), truncate(r.Argument, 18),
			time.Duration(r.DurationMS)*time.Millisecond, timeAgo(r.CreatedAt))
	}
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.store.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:      %s\n", r.ID)
	fmt.Printf("Task:     %s\n", r.TaskID)
	fmt.Printf("Script:   %s\n", r.Script)
	fmt.Printf("Argument: %s\n", r.Argument)
	fmt.Printf("Status:   %s\n", r.Status)
	if r.Outcome != "" {
		fmt.Printf("Outcome:  %s (exit %d)\n", r.Outcome, r.ExitCode)
	}
	fmt.Printf("Duration: %s\n", time.Duration(r.DurationMS)*time.Millisecond)
	fmt.Printf("Created:  %s\n", r.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", r.UpdatedAt.Format(time.RFC3339))

	if r.Output != "" {
		fmt.Println(strings.Repeat("─", 60))
		fmt.Println(strings.TrimRight(r.Output, "\n"))
	}
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	r, err := a.store.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s - %s %q? [y/N] ", shortID(r.ID), r.Script, r.Argument)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := a.store.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(r.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := context.Background()
	var list []*storage.Run
	for _, id := range args {
		r, err := a.store.GetRun(ctx, id)
		if err != nil {
			return err
		}
		list = append(list, r)
	}

	var output string
	switch exportFormat {
	case "json":
		data, err := storage.ExportJSON(list...)
		if err != nil {
			return err
		}
		output = string(data) + "\n"
	default:
		parts := make([]string, len(list))
		for i, r := range list {
			parts[i] = storage.ExportMarkdown(r)
		}
		output = strings.Join(parts, "\n")
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}
