package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/askcontinue/askcontinue-core/filechannel"
	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/workspace"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		workspaceDir string
		timeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ask [summary]",
		Short: "Ask the human whether to continue, over the file channel",
		Long: `Publish a request on the file channel and wait for the answer.

With --workspace the request goes to that workspace's channel and only the
server for that workspace picks it up. Without it the request goes to the
global channel and the first server to see it answers.

The answer is printed as:

  ACTION: continue|end|cancel
  FEEDBACK: <text>
  IMAGES: <path>,<path>      (only when images were attached)

On timeout "ACTION: timeout" is printed and the exit status is 1.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			ch := filechannel.Channel{}
			if ch.Dir, err = cfg.ResolveChannelDir(); err != nil {
				return err
			}
			if workspaceDir != "" {
				ch.WorkspaceID = workspace.FromDir(workspaceDir)
			}

			logPath, err := logger.AskLogPath(ch.WorkspaceID)
			if err != nil {
				return err
			}
			if err := a.initLogger(cfg, logPath); err != nil {
				return err
			}

			summary := ""
			if len(args) > 0 {
				summary = args[0]
			}
			if strings.TrimSpace(summary) == "" {
				summary = "Task completed."
			}
			if timeout <= 0 {
				timeout = cfg.FileTimeout.Duration
			}

			resp, err := filechannel.Ask(cmd.Context(), ch, summary, filechannel.AskOptions{
				Timeout:      timeout,
				PollInterval: cfg.FilePollInterval.Duration,
			})
			out := cmd.OutOrStdout()
			if errors.Is(err, filechannel.ErrTimeout) {
				fmt.Fprintln(out, "ACTION: timeout")
				return &exitError{code: 1}
			}
			if err != nil {
				return err
			}
			printResponse(out, resp)
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspaceDir, "workspace", "w", "", "project directory whose server should answer (default: any server)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for an answer (default: file_timeout from the config)")
	return cmd
}

func printResponse(w io.Writer, resp filechannel.Response) {
	action := resp.Action
	if action == "" {
		action = "continue"
	}
	fmt.Fprintln(w, "ACTION:", action)
	fmt.Fprintln(w, "FEEDBACK:", resp.Feedback)
	if len(resp.Images) > 0 {
		fmt.Fprintln(w, "IMAGES:", strings.Join(resp.Images, ","))
	}
}
