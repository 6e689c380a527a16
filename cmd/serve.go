package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/crew/internal/advisor"
	"github.com/joescharf/crew/internal/api"
	"github.com/joescharf/crew/internal/daemon"
	"github.com/joescharf/crew/internal/health"
	"github.com/joescharf/crew/internal/loop"
	"github.com/joescharf/crew/internal/models"
	"github.com/joescharf/crew/internal/output"
	"github.com/joescharf/crew/internal/transport"
	"github.com/joescharf/crew/internal/watch"
)

var (
	serveHost   string
	serveDetach bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the crew server: control loops, agent sessions and the API",
	Long: `Run the crew server in the foreground. It starts a control loop per
project, hosts agent sessions and serves the REST and websocket API.

Use --detach to run it in the background; 'crew serve stop' stops it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveDetach {
			return serveDetachRun()
		}
		return serveRun(cmd.Context())
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8420, "port to listen on")
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "interface to listen on")
	serveCmd.Flags().BoolVarP(&serveDetach, "detach", "d", false, "run in the background")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))

	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "crew-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "crew-serve.log")
}

func serveAddr() string {
	return net.JoinHostPort(serveHost, strconv.Itoa(viper.GetInt("port")))
}

func loopConfig() loop.Config {
	return loop.Config{
		Interval:         viper.GetDuration("loop.interval"),
		FailureThreshold: viper.GetInt("loop.failure_threshold"),
		GatherTimeout:    viper.GetDuration("loop.gather_timeout"),
		MaxParallel:      viper.GetInt("loop.max_parallel"),
		AutoArchive:      viper.GetBool("loop.auto_archive"),
		AutoRestart:      viper.GetBool("loop.auto_restart"),
		Health: health.Config{
			IdleWindow:   viper.GetDuration("loop.idle_window"),
			ReviewWindow: viper.GetDuration("loop.review_window"),
			StallWindow:  viper.GetDuration("loop.stall_window"),
		},
	}
}

func transportConfig() transport.Config {
	return transport.Config{
		ScrollbackChunks: viper.GetInt("transport.scrollback_chunks"),
		ClientBuffer:     viper.GetInt("transport.client_buffer"),
		WriteTimeout:     viper.GetDuration("transport.write_timeout"),
		KillGrace:        viper.GetDuration("transport.kill_grace"),
		MaxRuntime:       viper.GetDuration("transport.max_runtime"),
		ReadyTimeout:     viper.GetDuration("transport.ready_timeout"),
		RateLimitQuiet:   viper.GetDuration("transport.rate_limit_quiet"),
	}
}

// server is the long-running object graph behind 'crew serve'.
type server struct {
	*services
	hub     *transport.Hub
	tracker *watch.Tracker
	loops   *loop.Registry
	api     *api.Server
}

func newServer(logger *slog.Logger) (*server, error) {
	sv, err := newServices(logger)
	if err != nil {
		return nil, err
	}

	hub := transport.NewHub(transportConfig(), transport.ExecLauncher{}, logger.With("component", "transport"))
	sv.intake.SetSessions(hub)

	tracker, err := watch.New(logger.With("component", "watch"))
	if err != nil {
		logger.Warn("filesystem activity tracking disabled", "error", err)
	}

	var adv advisor.Advisor
	if key := viper.GetString("anthropic.api_key"); key != "" {
		adv = advisor.NewClient(key, viper.GetString("anthropic.model"))
	}

	cfg := loopConfig()
	loops := loop.NewRegistry(func(p *models.Project) *loop.Loop {
		deps := loop.Deps{
			Workspaces: sv.workspaces,
			Sessions:   hub,
			Queue:      sv.queue,
			Activity:   sv.activity,
			Advisor:    adv,
			Logger:     logger.With("component", "loop"),
		}
		if tracker != nil {
			deps.Tracker = tracker
		}
		return loop.New(p, cfg, deps)
	})

	apiServer := api.NewServer(api.Deps{
		Store:        sv.store,
		Workspaces:   sv.workspaces,
		Conflicts:    sv.conflicts,
		Queue:        sv.queue,
		Intake:       sv.intake,
		Activity:     sv.activity,
		Hub:          hub,
		Loops:        loops,
		AgentCommand: viper.GetStringSlice("agent.command"),
		Logger:       logger.With("component", "api"),
	})

	return &server{services: sv, hub: hub, tracker: tracker, loops: loops, api: apiServer}, nil
}

// startLoops starts a control loop for every tracked project.
func (s *server) startLoops(ctx context.Context) error {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := s.loops.Ensure(p).Start(ctx); err != nil {
			s.logger.Warn("start loop", "project", p.Name, "error", err)
		}
	}
	return nil
}

// shutdown stops loops first so no tick acts on sessions being torn down.
func (s *server) shutdown(ctx context.Context) error {
	var errList []error
	errList = append(errList, s.loops.StopAll(ctx))
	errList = append(errList, s.hub.Close(ctx))
	if s.tracker != nil {
		errList = append(errList, s.tracker.Close())
	}
	s.activity.Bus().Close()
	return errors.Join(errList...)
}

func serveRun(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals()...)
	defer stop()

	logger := newLogger(os.Stderr)
	addr := serveAddr()

	pf := pidFile()
	if err := pf.Acquire(addr); err != nil {
		return err
	}
	defer func() { _ = pf.Release() }()

	srv, err := newServer(logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	httpServer := &http.Server{
		Handler:           srv.api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if viper.GetBool("loop.autostart") {
		if err := srv.startLoops(ctx); err != nil {
			logger.Warn("start loops", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crew server listening", "addr", ln.Addr().String(), "version", buildVersion)
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	err = errors.Join(httpServer.Shutdown(shutdownCtx), srv.shutdown(shutdownCtx))
	if err != nil {
		logger.Error("shutdown", "error", err)
	}
	return err
}

func serveDetachRun() error {
	if info, running := pidFile().IsRunning(); running {
		return fmt.Errorf("crew server already running (pid %d on %s)", info.PID, info.Addr)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("find executable: %w", err)
	}
	logPath := serveLogPath()
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	args := []string{"serve", "--host", serveHost, "--port", strconv.Itoa(viper.GetInt("port"))}
	if cfg, _ := rootCmd.PersistentFlags().GetString("config"); cfg != "" {
		args = append(args, "--config", cfg)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if dryRun {
		ui.DryRunMsg("Would start %s %v", exe, args)
		return nil
	}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	_ = child.Process.Release()

	ui.Success("Started crew server on %s (log: %s)", output.Cyan(serveAddr()), logPath)
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	info, running := pf.IsRunning()
	if !running {
		return fmt.Errorf("crew server is not running")
	}
	if dryRun {
		ui.DryRunMsg("Would stop pid %d", info.PID)
		return nil
	}
	if err := pf.Stop(); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}
	ui.Success("Stopped crew server (pid %d)", info.PID)
	return nil
}

func serveStatusRun() error {
	info, running := pidFile().IsRunning()
	if !running {
		ui.Info("crew server is not running")
		return nil
	}
	ui.Success("crew server running: pid %d on %s, up %s", info.PID, output.Cyan(info.URL()), time.Since(info.StartedAt).Round(time.Second))
	return nil
}
