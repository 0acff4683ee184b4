package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"

	"chatlink/internal/client"
	"chatlink/internal/config"
	"chatlink/internal/logging"
	"chatlink/internal/loginqr"
	"chatlink/internal/realtime"
	"chatlink/internal/redis"
	"chatlink/internal/session"
	"chatlink/internal/watcher"
)

const shutdownTimeout = 20 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatlink: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile    string
		port       int
		logLevel   string
		clientMode string
		followOnly bool
	)

	flagSet := pflag.NewFlagSet("chatlink", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", ".env", "optional dotenv file loaded before reading the environment")
	flagSet.IntVar(&port, "port", 0, "HTTP port (overrides PORT)")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	flagSet.StringVar(&clientMode, "client-mode", "", "bridge or mock (overrides CLIENT_MODE)")
	flagSet.BoolVar(&followOnly, "follow", false, "log the status published to Redis for SESSION_KEY instead of serving")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if flagSet.Changed("port") {
		cfg.Port = port
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flagSet.Changed("client-mode") {
		cfg.ClientMode = clientMode
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger := logging.Logger

	if followOnly {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return follow(ctx, cfg, logger)
	}

	var factory client.Factory
	switch cfg.ClientMode {
	case config.ClientModeMock:
		factory = client.NewMockFactory(cfg.MockAutoPair)
	default:
		factory = client.NewBridgeFactory(cfg.BridgeCommand, cfg.BridgeArgList(), logger)
	}

	clock := clockwork.NewRealClock()
	mgr, err := session.NewManager(session.Config{
		SessionKey:     cfg.SessionKey,
		DataDir:        cfg.DataDir,
		BrowserPath:    cfg.BrowserPath,
		Headless:       cfg.Headless,
		Backoff:        session.Backoff{Initial: cfg.BackoffInitial, Max: cfg.BackoffMax},
		ExitTimeout:    cfg.ExitTimeout,
		InitTimeout:    cfg.InitTimeout,
		MaxAttempts:    cfg.RestartMaxAttempts,
		RestartOnError: cfg.RestartOnError,
	}, session.Options{
		Factory: factory,
		Encode:  loginqr.DataURL,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	rtServer := realtime.New(mgr, cfg.StaticDir, logger)
	rtServer.Start()

	artifactWatch := watcher.New(cfg.DataDir, mgr.Artifacts().Dir(), clock, logger, rtServer.OnArtifactsUpdate)
	if err := artifactWatch.Start(); err != nil {
		// Non-fatal: the façade can still scan on request.
		logger.Warn("session directory watcher unavailable", "error", err)
	} else {
		rtServer.UseSnapshots(artifactWatch)
	}
	if mgr.Artifacts().Exists() {
		logger.Info("reusing stored session credentials", "dir", mgr.Artifacts().Dir())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RedisURL != "" {
		rc, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, status publishing will retry on each change", "error", err)
		}
		publisher := redis.NewPublisher(rc, cfg.RedisStatusTTL, clock, logger)
		go publisher.Run(ctx, mgr)
	}

	mgr.Start()

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rtServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("chatlink server listening",
			"addr", httpServer.Addr,
			"session_key", cfg.SessionKey,
			"client_mode", cfg.ClientMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	artifactWatch.Close()
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn("session manager shutdown", "error", err)
	}
	rtServer.Close()
	return nil
}
