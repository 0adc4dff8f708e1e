package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configFlag   string
	providerFlag string
	modelFlag    string
	profileFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "scriptforge",
	Short: "ScriptForge - turn requests into isolated Python scripts",
	Long: `ScriptForge asks an LLM to write a Python script for a request, gives the
script its own virtual environment, runs it with an argument and relays the
output.

Scripts, environments and runs can also be managed directly, served over HTTP,
or executed by queue workers.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ./scriptforge.yaml or ~/.scriptforge/scriptforge.yaml)")
	rootCmd.PersistentFlags().StringVar(&providerFlag, "provider", "", "LLM provider (overrides config)")
	rootCmd.PersistentFlags().StringVar(&modelFlag, "model", "", "Model or model alias to use (overrides config)")
	rootCmd.PersistentFlags().StringVar(&profileFlag, "profile", "", "Agent profile name or path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
