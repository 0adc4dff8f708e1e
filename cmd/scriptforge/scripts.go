package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var scriptsCmd = &cobra.Command{
	Use:     "scripts",
	Aliases: []string{"script"},
	Short:   "Manage saved scripts",
}

var scriptsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved scripts",
	RunE:  runScriptsList,
}

var scriptsShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a saved script",
	Args:  cobra.ExactArgs(1),
	RunE:  runScriptsShow,
}

var saveCmd = &cobra.Command{
	Use:   "save <name> [file]",
	Short: "Save a script from a file or stdin",
	Long: `Save a Python script into the scripts directory. The content is read from
file, or from stdin when file is omitted or "-".

Examples:
  scriptforge save AAPL.py ./price.py
  cat price.py | scriptforge save AAPL.py`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSave,
}

func init() {
	rootCmd.AddCommand(scriptsCmd, saveCmd)
	scriptsCmd.AddCommand(scriptsListCmd, scriptsShowCmd)
}

func runScriptsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.scripts.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No scripts saved yet.")
		return nil
	}

	fmt.Printf("%-32s %10s  %s\n", "NAME", "SIZE", "MODIFIED")
	fmt.Println(strings.Repeat("─", 60))
	for _, s := range list {
		fmt.Printf("%-32s %10d  %s\n", s.Name, s.Size, timeAgo(s.Modified))
	}
	return nil
}

func runScriptsShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	content, err := a.scripts.Read(args[0])
	if err != nil {
		return err
	}
	fmt.Print(content)
	return nil
}

func runSave(cmd *cobra.Command, args []string) error {
	var (
		data []byte
		err  error
	)
	if len(args) == 1 || args[1] == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(args[1])
	}
	if err != nil {
		return fmt.Errorf("reading script: %w", err)
	}

	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	path, err := a.scripts.Save(args[0], string(data))
	if err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}
