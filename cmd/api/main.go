package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/harvest/api-go/internal/config"
	"github.com/example/harvest/api-go/internal/logging"
	"github.com/example/harvest/api-go/internal/model"
)

const shutdownGrace = 10 * time.Second

func main() {
	loadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cli := &rootOptions{cfg: config.Load()}
	if err := newRootCommand(cli).ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			cli.log().Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		cli.log().Error("command failed", "error", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	cfg       config.Config
	logLevel  string
	logFormat string
	logger    *slog.Logger
}

func (o *rootOptions) log() *slog.Logger { return logging.Ensure(o.logger) }

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "harvest",
		Short:         "Builds and serves comment bundles",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			format, err := logging.ParseFormat(opts.logFormat)
			if err != nil {
				return err
			}
			opts.logger = logging.New(format, os.Stderr, level)
			slog.SetDefault(opts.logger)

			if opts.cfg.SeedFile != "" {
				seed, err := config.LoadSeed(opts.cfg.SeedFile)
				if err != nil {
					return err
				}
				opts.cfg = opts.cfg.Apply(seed)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.cfg.LogLevel, "log verbosity (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", opts.cfg.LogFormat, "log format (text|json)")

	root.AddCommand(newServeCommand(opts))
	root.AddCommand(newTickCommand(opts))
	root.AddCommand(newBuildCommand(opts))
	return root
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run one scheduler pass, then serve HTTP while the scheduler keeps ticking",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), opts.cfg, opts.log())
		},
	}
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	return a.serve(ctx, func() (net.Listener, error) {
		return net.Listen("tcp", cfg.Addr)
	})
}

// serve runs the startup tick, then opens the listener through listen and
// serves until ctx is done.
func (a *app) serve(ctx context.Context, listen func() (net.Listener, error)) error {
	if err := a.registerSeeds(ctx); err != nil {
		return err
	}
	// Builds from the first pass must be in flight before the listener opens.
	if _, err := a.scheduler.Tick(ctx); err != nil {
		return fmt.Errorf("startup tick: %w", err)
	}
	go func() {
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("scheduler stopped", "error", err)
		}
	}()

	ln, err := listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	srv := &http.Server{
		Handler:           a.server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("API listening", "addr", ln.Addr().String(), "baseURL", a.server.BaseURL)
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	a.drain(shutdownCtx)
	return nil
}

// drain waits for in-flight builds until ctx is done, then abandons the rest.
func (a *app) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		a.bundler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("abandoning in-flight builds", "count", a.bundler.Active(), "keys", a.bundler.InFlight())
	}
}

func newTickCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduler pass and wait for its builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(opts.cfg, opts.log())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.registerSeeds(ctx); err != nil {
				return err
			}
			report, err := a.scheduler.Tick(ctx)
			if err != nil {
				return err
			}
			failed, err := report.Wait(ctx)
			if err != nil {
				return err
			}
			opts.log().Info("tick finished", "due", len(report.Due), "failed", len(failed))
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d builds failed: %v", len(failed), len(report.Due), failed)
			}
			return nil
		},
	}
}

func newBuildCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build <key>",
		Short: "Build one bundle now and print its record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := model.NewBundleKey(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(opts.cfg, opts.log())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, buildErr := a.bundler.Build(cmd.Context(), key, model.TriggerOnDemand)
			if rec.Key != "" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(rec); err != nil {
					return err
				}
			}
			return buildErr
		},
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}
