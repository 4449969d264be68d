package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/askcontinue/askcontinue-core/config"
	"github.com/askcontinue/askcontinue-core/dialog"
	"github.com/askcontinue/askcontinue-core/filechannel"
	"github.com/askcontinue/askcontinue-core/logger"
	"github.com/askcontinue/askcontinue-core/mcp"
	"github.com/askcontinue/askcontinue-core/metrics"
	"github.com/askcontinue/askcontinue-core/ports"
	"github.com/askcontinue/askcontinue-core/registry"
	"github.com/askcontinue/askcontinue-core/stats"
	"github.com/askcontinue/askcontinue-core/tui"
	"github.com/askcontinue/askcontinue-core/workspace"
)

// sweepInterval is how often the registry expires overdue records in the
// background, on top of the sweep every Create does.
const sweepInterval = time.Minute

type serveOptions struct {
	workspaceDir string
	port         int
	headless     bool
	altScreen    bool

	// out receives the startup banner.
	out io.Writer
	// listen replaces net.Listen for the port probe.
	listen ports.ListenFunc
	// ready is called with the bound port once the discovery file is written.
	ready func(port int)
}

func newServeCmd(a *app) *cobra.Command {
	opts := serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP endpoint and the dialog",
		Long: `Run the MCP endpoint and the terminal dialog for one workspace.

The server binds the workspace's preferred port (or the next free one),
publishes a discovery file, watches the workspace's file channel, and shows
every pending request in a single dialog. With --headless no dialog is shown
and requests are answered with "askcontinue answer".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			logPath, err := logger.DefaultLogPath()
			if err != nil {
				return err
			}
			if err := a.initLogger(cfg, logPath); err != nil {
				return err
			}

			if opts.workspaceDir == "" {
				if opts.workspaceDir, err = os.Getwd(); err != nil {
					return err
				}
			}
			opts.out = cmd.ErrOrStderr()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.workspaceDir, "workspace", "w", "", "project directory this server answers for (default: current directory)")
	cmd.Flags().IntVarP(&opts.port, "port", "p", 0, "port to try first (default: derived from the workspace)")
	cmd.Flags().BoolVar(&opts.headless, "headless", false, "run without the terminal dialog")
	cmd.Flags().BoolVar(&opts.altScreen, "alt-screen", false, "draw the dialog in the alternate screen buffer")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, opts serveOptions) error {
	log := logger.WithComponent("serve")
	collector := metrics.NewCollector()

	absDir, err := filepath.Abs(opts.workspaceDir)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace: %w", err)
	}
	wsID := workspace.ID(absDir)

	channelDir, err := cfg.ResolveChannelDir()
	if err != nil {
		return err
	}
	imagesDir, err := cfg.ResolveImagesDir()
	if err != nil {
		return err
	}
	store, err := stats.OpenDefault()
	if err != nil {
		return err
	}

	var rc *dialog.Reconciler
	reg := registry.New(
		registry.WithExpiry(cfg.RequestExpiry.Duration),
		registry.WithMetrics(collector),
		registry.WithExpireHook(func(rec registry.Record) { rc.Expired(rec) }),
	)

	var term *tui.Terminal
	factory := headlessFactory(log)
	notify := func(msg string) { log.Warn(msg) }
	if !opts.headless {
		var topts []tui.Option
		if opts.altScreen {
			topts = append(topts, tui.WithAltScreen())
		}
		term = tui.New(topts...)
		factory = term.Factory()
		notify = term.Notify
	}

	rc = dialog.New(reg, factory,
		dialog.WithDeliverer(registry.TransportFile, dialog.NewFileDelivery(imagesDir)),
		dialog.WithRecorder(store),
		dialog.WithNotifier(notify),
		dialog.WithToolName(cfg.ToolName),
	)
	defer rc.Close()

	if term != nil {
		term.SetActions(terminalActions(rc, notify))
	}

	serverName := mcp.ServerName
	if cfg.ProjectName != "" {
		serverName = cfg.ProjectName
	}
	srv := mcp.NewServer(reg, rc,
		mcp.WithToolName(cfg.ToolName),
		mcp.WithServerInfo(serverName, mcp.ServerVersion),
		mcp.WithHeartbeat(cfg.HeartbeatInterval.Duration),
		mcp.WithSessionGrace(cfg.SessionGrace.Duration),
		mcp.WithMetrics(collector),
	)

	allocOpts := []ports.Option{
		ports.WithRange(cfg.PortRangeStart, cfg.PortRangeEnd),
		ports.WithAttempts(cfg.PortAttempts),
	}
	if opts.listen != nil {
		allocOpts = append(allocOpts, ports.WithListenFunc(opts.listen))
	}
	alloc := ports.New(cfg.ResolvePortsDir(), allocOpts...)
	if n, err := alloc.Sweep(); err != nil {
		log.Warn("failed to sweep port files", "error", err)
	} else {
		collector.PortFilesSwept(n)
	}

	port := opts.port
	if port == 0 {
		port = alloc.PreferredPort(absDir)
	}
	ln, port, err := alloc.Bind(port)
	if err != nil {
		return err
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	pid := os.Getpid()
	if err := alloc.Register(ports.Binding{Port: port, PID: pid, ProjectID: wsID}); err != nil {
		// The server still works for callers configured with the port.
		log.Warn("failed to publish port file", "error", err)
	}
	defer func() {
		if err := alloc.Unregister(pid); err != nil {
			log.Warn("failed to remove port file", "error", err)
		}
	}()

	watcher := filechannel.NewWatcher(
		filechannel.Channel{Dir: channelDir, WorkspaceID: wsID},
		filechannel.WithInterval(cfg.WatchInterval.Duration),
		filechannel.WithClaimHook(func(in filechannel.Incoming) { collector.FileClaimed(in.Channel.IsGlobal()) }),
	)

	log.Info("starting", "workspace", absDir, "workspaceID", wsID, "port", port, "headless", opts.headless)
	if opts.out != nil {
		fmt.Fprintf(opts.out, "askcontinue listening on http://127.0.0.1:%d%s (workspace %s)\n", port, mcp.EndpointPath, wsID)
	}
	if opts.ready != nil {
		opts.ready(port)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return srv.Serve(gctx, ln) })
	g.Go(func() error { return watcher.Run(gctx, rc.AcceptFile) })
	g.Go(func() error { return reg.Run(gctx, sweepInterval) })
	if term != nil {
		g.Go(func() error {
			// Quitting the dialog stops the server.
			defer cancel()
			return term.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("stopped")
	return nil
}

func terminalActions(rc *dialog.Reconciler, notify func(string)) tui.Actions {
	report := func(what string, err error) {
		if errors.Is(err, registry.ErrNotFound) {
			notify("no pending request")
		} else if err != nil {
			notify(fmt.Sprintf("%s failed: %v", what, err))
		}
	}
	return tui.Actions{
		Reopen: func() {
			if _, ok := rc.Reopen(); !ok {
				notify("no pending request")
			}
		},
		ForceOpen: func() {
			_, err := rc.ForceOpen()
			report("force open", err)
		},
		ForceEnd:   func() { report("force end", rc.ForceEnd()) },
		ForceRetry: func() { report("force retry", rc.ForceRetry()) },
	}
}

// logSurface stands in for the terminal in headless mode. Requests are
// answered through POST /pending/{id}/decision.
type logSurface struct {
	log *slog.Logger
}

func headlessFactory(log *slog.Logger) dialog.Factory {
	return func(c dialog.Content, _ func(dialog.Event)) (dialog.Surface, error) {
		s := logSurface{log: log}
		s.Update(c)
		return s, nil
	}
}

func (s logSurface) Update(c dialog.Content) {
	s.log.Info("request waiting for an answer", "requestID", c.RequestID, "round", c.Round, "alsoWaiting", c.Waiting)
}

func (s logSurface) Close() {}
