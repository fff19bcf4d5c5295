// Command kira runs the pieces of the kira task orchestrator: the
// server, a headless worker, or the local agent daemon that bridges
// browser sessions to the worker runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tgruben-circuit/kira/agentd"
	"github.com/tgruben-circuit/kira/db"
	"github.com/tgruben-circuit/kira/events"
	"github.com/tgruben-circuit/kira/executor"
	"github.com/tgruben-circuit/kira/rules"
	"github.com/tgruben-circuit/kira/server"
	"github.com/tgruben-circuit/kira/worker"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	var err error
	switch os.Args[1] {
	case "serve":
		err = serve(os.Args[2:], log)
	case "worker":
		err = runWorker(os.Args[2:], log)
	case "agent":
		err = runAgent(os.Args[2:], log)
	case "version":
		fmt.Println(worker.Version)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  kira serve [--addr :8000] [--db kira.db] [--seed] [--events-port 0] [--agent-download-url <url>]")
	fmt.Fprintln(os.Stderr, "  kira worker [--config <worker.yaml>] [--username <name>]")
	fmt.Fprintln(os.Stderr, "  kira agent [--port 9820] [--grace 3s]")
	fmt.Fprintln(os.Stderr, "  kira version")
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serve(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", ":8000", "listen address")
	dsn := fs.String("db", "kira.db", "sqlite database path")
	seed := fs.Bool("seed", false, "seed demo users and a demo board when empty")
	eventsPort := fs.Int("events-port", 0, "embedded NATS port (0 picks a free port)")
	downloadURL := fs.String("agent-download-url", "", "agent binary download URL advertised to daemons")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	database, err := db.New(db.Config{DSN: *dsn})
	if err != nil {
		return err
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	bus, err := events.Start(*eventsPort)
	if err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Close()

	srv, err := server.New(database, bus, log, server.Config{
		AuthSecret:       []byte(os.Getenv("KIRA_AUTH_SECRET")),
		AgentDownloadURL: *downloadURL,
	})
	if err != nil {
		return err
	}
	if *seed {
		if err := srv.Seed(ctx); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}

	go srv.RunSweeper(ctx, server.SweepInterval)

	httpSrv := &http.Server{Addr: *addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutCancel()
		httpSrv.Shutdown(shutCtx)
	}()

	log.Info("Server listening", "addr", *addr, "db", *dsn)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runWorker(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("worker", flag.ExitOnError)
	configPath := fs.String("config", "", "worker config path (default ~/.kira/worker.yaml)")
	username := fs.String("username", "", "username for login when no token is set")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := worker.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	client := worker.NewClient(cfg.ServerURL, cfg.Token)
	if cfg.Token == "" {
		if *username == "" {
			return errors.New("no token configured; pass --username or set KIRA_WORKER_TOKEN")
		}
		resp, err := client.Login(ctx, *username, cfg.Password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		client.SetToken(resp.Token)
		log.Info("Logged in", "username", resp.User.Username)
	}

	failures, cleanup := openFailures(log)
	defer cleanup()

	runner := buildRunner(cfg, client, failures, log)
	log.Info("Worker starting", "server", cfg.ServerURL)
	return runner.Start(ctx)
}

func runAgent(args []string, log *slog.Logger) error {
	fs := flag.NewFlagSet("agent", flag.ExitOnError)
	port := fs.Int("port", agentd.DefaultPort, "local WebSocket port")
	grace := fs.Duration("grace", agentd.DefaultGracePeriod, "deactivation grace period after the last browser disconnects")
	configPath := fs.String("config", "", "worker config path (default ~/.kira/worker.yaml)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	failures, cleanup := openFailures(log)
	defer cleanup()

	d, err := agentd.New(agentd.Config{
		Port:        *port,
		GracePeriod: *grace,
		BuildRunner: func(client *worker.Client) (*worker.Runner, error) {
			cfg, err := worker.LoadConfig(*configPath)
			if err != nil {
				return nil, err
			}
			return buildRunner(cfg, client, failures, log), nil
		},
	}, log)
	if err != nil {
		return err
	}

	log.Info("Agent daemon starting", "port", *port)
	return d.Run(ctx)
}

// openFailures opens the failure memory at ~/.kira/failures.db. A nil
// store disables failure warnings rather than blocking the worker.
func openFailures(log *slog.Logger) (*rules.Failures, func()) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, func() {}
	}
	path := filepath.Join(home, ".kira", "failures.db")
	failures, err := rules.OpenFailures(path)
	if err != nil {
		log.Warn("Failure memory disabled", "path", path, "error", err)
		return nil, func() {}
	}
	return failures, func() { failures.Close() }
}

// buildRunner wires the executor set to a runner.
func buildRunner(cfg *worker.Config, client *worker.Client, failures *rules.Failures, log *slog.Logger) *worker.Runner {
	runner := worker.NewRunner(cfg, client, nil, log)

	runner.RegisterExecutor(&executor.Agent{
		Server:   client,
		WorkerID: runner.WorkerID,
		Timeout:  cfg.KiroTimeout,
		Rules:    rules.NewManager(cfg.WorkspaceRoot),
		Failures: failures,
		Log:      log,
	}, "agent_run")
	runner.RegisterExecutor(&executor.Planner{
		Server:   client,
		WorkerID: runner.WorkerID,
		Timeout:  cfg.KiroTimeout,
		Log:      log,
	}, "board_plan", "card_gen")
	runner.RegisterExecutor(&executor.Jira{
		Server:   client,
		WorkerID: runner.WorkerID,
		Log:      log,
	}, "jira_import", "jira_push", "jira_sync")
	runner.RegisterExecutor(&executor.GitLab{
		Server:   client,
		WorkerID: runner.WorkerID,
		Log:      log,
	}, "gitlab_create_project", "gitlab_push")

	return runner
}
