package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var notifyCmd = &cobra.Command{
	Use:   "notify [message]",
	Short: "Send a message through the configured notifier",
	Long: `Send text through the configured notifier. The message is read from stdin
when no argument is given.

Examples:
  scriptforge notify "backup finished"
  scriptforge run AAPL.py AAPL | scriptforge notify`,
	RunE: runNotify,
}

func init() {
	rootCmd.AddCommand(notifyCmd)
}

func runNotify(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("reading message: %w", err)
		}
		text = string(data)
	}
	if strings.TrimSpace(text) == "" {
		return errors.New("message is empty")
	}

	a, err := loadApp(appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.cfg.Notify.Telegram.Enabled {
		return errors.New("no notifier configured (set notify.telegram.enabled)")
	}

	ctx, stop := signalContext()
	defer stop()

	ack, err := a.notifier.Notify(ctx, text)
	if err != nil {
		return err
	}
	fmt.Printf("Sent message %d\n", ack.MessageID)
	return nil
}
