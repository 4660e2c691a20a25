// Toolgate — tool dispatch server
//
// Usage:
//
//	toolgate serve     # HTTP transport
//	toolgate stdio     # process-pipe transport
//	toolgate token     # issue a JWT for a subject
//	toolgate version   # show version
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RobinCoderZhao/toolgate/internal/auth"
	"github.com/RobinCoderZhao/toolgate/internal/config"
	"github.com/RobinCoderZhao/toolgate/internal/dispatch"
	"github.com/RobinCoderZhao/toolgate/internal/lifecycle"
	"github.com/RobinCoderZhao/toolgate/internal/ratelimit"
	"github.com/RobinCoderZhao/toolgate/internal/server"
	"github.com/RobinCoderZhao/toolgate/internal/tools"
	"github.com/RobinCoderZhao/toolgate/internal/transport"
	"github.com/RobinCoderZhao/toolgate/pkg/storage"
	"github.com/RobinCoderZhao/toolgate/pkg/toolkit"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Tool dispatch server over stdio and HTTP",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(stdioCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "toolgate.yaml", "config file path")
	return cmd
}

func stdioCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stdio",
		Short: "Run the stdio transport on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStdio(configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "toolgate.yaml", "config file path")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject, role string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed JWT for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("TOOLGATE_JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("TOOLGATE_JWT_SECRET is required")
			}
			gate := auth.NewGate([]byte(secret), nil)
			token, err := gate.IssueToken(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "subject id (required)")
	cmd.Flags().StringVarP(&role, "role", "r", "user", "role: admin, user, or viewer")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("toolgate", version)
		},
	}
}

type app struct {
	cfg        config.Config
	store      *storage.Store
	registry   *toolkit.Registry
	gate       *auth.Gate
	limiter    *ratelimit.Limiter
	tracker    *lifecycle.Tracker
	dispatcher *dispatch.Dispatcher
	info       toolkit.ServerInfo
}

func buildApp(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.Connect(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("connect storage: %w", err)
	}

	logger := slog.Default()
	registry := toolkit.NewRegistry(logger)
	if err := registry.RegisterAll(tools.NewExampleTool(store)); err != nil {
		store.Close()
		return nil, err
	}

	gate := auth.NewGate([]byte(cfg.Auth.Secret), cfg.Auth.PublicActions)
	limiter := ratelimit.New(cfg.RateWindow(), cfg.RateLimit.MaxRequests)
	tracker := lifecycle.NewTracker()
	dispatcher := dispatch.New(registry, gate, limiter, tracker, cfg.DispatchTimeout(), logger)

	return &app{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		gate:       gate,
		limiter:    limiter,
		tracker:    tracker,
		dispatcher: dispatcher,
		info:       toolkit.ServerInfo{Name: cfg.Server.Name, Version: cfg.Server.Version},
	}, nil
}

func runServe(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.store.Close()

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	a.limiter.StartSweeper(sweepCtx, a.cfg.RateWindow())

	httpSrv := transport.NewHTTPServer(transport.HTTPConfig{
		Addr:           a.cfg.Server.Addr,
		BasePath:       a.cfg.Server.BasePath,
		RequestTimeout: time.Duration(a.cfg.Server.RequestTimeout) * time.Second,
		MaxBodyBytes:   a.cfg.Server.MaxBodyBytes,
	}, a.registry, a.dispatcher, a.gate, a.tracker, a.info, slog.Default())

	srv := server.New(httpSrv, a.tracker, a.registry, slog.Default())
	if err := srv.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(a.cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func runStdio(configPath string) error {
	a, err := buildApp(configPath)
	if err != nil {
		return err
	}
	defer a.store.Close()

	if err := a.tracker.Transition(lifecycle.StateStarting); err != nil {
		return err
	}
	if err := a.tracker.Transition(lifecycle.StateRunning); err != nil {
		return err
	}

	stdio := transport.NewStdioServer(a.registry, a.dispatcher, a.info, os.Stdin, os.Stdout, slog.Default())
	err = stdio.Run(context.Background())

	_ = a.tracker.Transition(lifecycle.StateStopping)
	_ = a.tracker.Transition(lifecycle.StateStopped)
	return err
}
