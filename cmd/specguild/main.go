package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kazz187/specguild/internal/config"
	"github.com/kazz187/specguild/internal/db"
	"github.com/kazz187/specguild/internal/eventbus"
	"github.com/kazz187/specguild/internal/failure"
	"github.com/kazz187/specguild/internal/pushnotification"
	"github.com/kazz187/specguild/internal/scheduler"
	"github.com/kazz187/specguild/pkg/clog"
	"github.com/kazz187/specguild/pkg/panicerr"
	"github.com/kazz187/specguild/pkg/telemetry"
)

var (
	cli = kingpin.New("specguild", "Turns failing tests into specs and drives agents to fix them")

	serveCmd = cli.Command("serve", "Run the API server, the sweeps and the workers").Default()

	sweepCmd = cli.Command("sweep", "Run the watch, monitor and auto transition sweeps once and exit")

	migrateCmd = cli.Command("migrate", "Create or upgrade the database schema and exit")
)

func main() {
	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	closeLog, err := setupLogger(env)
	if err != nil {
		slog.Error("failed to open log file", "error", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch command {
	case serveCmd.FullCommand():
		err = serve(ctx, env)
	case sweepCmd.FullCommand():
		err = sweep(ctx, env)
	case migrateCmd.FullCommand():
		err = migrate(ctx, env)
	}
	if err != nil {
		slog.Error("command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func setupLogger(env *config.Env) (func(), error) {
	var (
		w       io.Writer = os.Stderr
		closeFn           = func() {}
	)
	if env.LogFile != "" {
		f, err := clog.NewRotatingFile(env.LogFile)
		if err != nil {
			return nil, err
		}
		w = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}
	level := env.SlogLevel()
	var handler slog.Handler
	if env.IsLocal() && env.LogFile == "" {
		handler = clog.NewTextHandler(w, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
	return closeFn, nil
}

func serve(ctx context.Context, env *config.Env) error {
	shutdownTracer, err := telemetry.InitTracer(ctx, env.ServiceName, env.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	a, err := newApp(ctx, env)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}
	panicerr.Go("dispatcher", func() error {
		a.dispatcher.Run(ctx, a.bus)
		return nil
	})
	panicerr.Go("report dir", func() error {
		return failure.NewReportDir(env.ReportDir, a.failures).Run(ctx)
	})
	if env.PushEnabled() {
		panicerr.Go("push dispatcher", func() error {
			pushnotification.NewDispatcher(a.pushSender).Start(ctx, a.bus)
			return nil
		})
	}
	if env.RedisAddr != "" {
		client := eventbus.NewRedisClient(env.RedisAddr)
		defer client.Close()
		panicerr.Go("redis relay", func() error {
			return eventbus.NewRedisRelay(client, env.RedisChannel).Run(ctx, a.bus)
		})
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := a.server.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	return nil
}

// sweep ingests pending report files and runs every sweep except dispatch
// once. Dispatch is left to serve since the workers it starts would not
// outlive this process.
func sweep(ctx context.Context, env *config.Env) error {
	a, err := newApp(ctx, env)
	if err != nil {
		return err
	}
	defer a.Close()
	if _, err := failure.NewReportDir(env.ReportDir, a.failures).Scan(ctx); err != nil {
		slog.Error("report dir scan failed", "error", err)
	}
	jobs := slices.DeleteFunc(slices.Clone(a.jobs), func(j scheduler.Job) bool { return j.Name == jobDispatch })
	return scheduler.New(jobs...).RunOnce(ctx)
}

func migrate(ctx context.Context, env *config.Env) error {
	d, err := db.Open(ctx, env.DBPath)
	if err != nil {
		return err
	}
	slog.Info("database ready", "path", env.DBPath)
	return d.Close()
}
