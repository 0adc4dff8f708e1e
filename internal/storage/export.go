package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a run as a markdown document.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Task:** %s\n", r.TaskID))
	b.WriteString(fmt.Sprintf("- **Script:** %s\n", r.Script))
	if r.Argument != "" {
		b.WriteString(fmt.Sprintf("- **Argument:** `%s`\n", r.Argument))
	}
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	if r.Outcome != "" {
		b.WriteString(fmt.Sprintf("- **Outcome:** %s (exit %d)\n", r.Outcome, r.ExitCode))
	}
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", time.Duration(r.DurationMS)*time.Millisecond))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", r.CreatedAt.Format("2006-01-02 15:04:05")))
	if r.Notify {
		b.WriteString("- **Notified:** yes\n")
	}
	b.WriteString("\n---\n\n")

	if r.Output != "" {
		b.WriteString(fmt.Sprintf("```\n%s\n```\n", r.Output))
	} else {
		b.WriteString("_no output_\n")
	}

	return b.String()
}

// ExportJSON renders runs as formatted JSON.
func ExportJSON(runs ...*Run) ([]byte, error) {
	export := struct {
		Runs []*Run `json:"runs"`
	}{
		Runs: runs,
	}
	return json.MarshalIndent(export, "", "  ")
}
