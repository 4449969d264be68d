// Command askcontinue runs the ask-continue checkpoint server and its
// companion requester and operator commands.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/askcontinue/askcontinue-core/config"
	"github.com/askcontinue/askcontinue-core/logger"
)

// exitError ends the process with code after the command has already
// reported the outcome on stdout.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// app holds the persistent flags shared by every subcommand.
type app struct {
	configPath string
	debug      bool
}

func (a *app) loadConfig() (*config.Config, error) {
	if a.configPath != "" {
		return config.LoadFrom(a.configPath)
	}
	return config.Load()
}

// initLogger sends logs to path. The first call in a process wins.
func (a *app) initLogger(cfg *config.Config, path string) error {
	if err := logger.Init(path); err != nil {
		return fmt.Errorf("failed to open log %s: %w", path, err)
	}
	logger.SetDebug(a.debug || cfg.Debug)
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "askcontinue",
		Short: "Human-in-the-loop checkpoint for coding agents",
		Long: `askcontinue pauses an agent at the end of each task and waits for a
human to continue with new instructions or end the conversation.

"serve" runs the MCP endpoint and the terminal dialog. "ask" is the
file-based requester for agents that cannot speak MCP.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $"+config.EnvConfigPath+" or the standard location)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newAnswerCmd(a),
		newPendingCmd(a),
		newPortsCmd(a),
		newHistoryCmd(a),
	)
	return root
}

func main() {
	err := newRootCmd().Execute()
	logger.Close()
	if err == nil {
		return
	}
	var ee *exitError
	if errors.As(err, &ee) {
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	os.Exit(1)
}
