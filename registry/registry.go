// Package registry provides the stevedore binary's commands: it wires
// configuration, logging and the HTTP application into a running server.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/stevedore-project/stevedore/configuration"
	"github.com/stevedore-project/stevedore/internal/dcontext"
	"github.com/stevedore-project/stevedore/registry/handlers"
	"github.com/stevedore-project/stevedore/version"
)

// A Registry represents a complete instance of the registry.
type Registry struct {
	config *configuration.Configuration
	app    *handlers.App
	server *http.Server
}

// ServeCmd is a cobra command for running the registry.
var ServeCmd = &cobra.Command{
	Use:   "serve <config>",
	Short: "`serve` stores and distributes container images",
	Long:  "`serve` stores and distributes container images",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			// nolint:errcheck
			cmd.Usage()
			os.Exit(1)
		}

		registry, err := NewRegistry(dcontext.Background(), config)
		if err != nil {
			logrus.Fatalln(err)
		}

		if err := registry.ListenAndServe(); err != nil {
			logrus.Fatalln(err)
		}
	},
}

// NewRegistry creates a new registry from a context and configuration struct.
func NewRegistry(ctx context.Context, config *configuration.Configuration) (*Registry, error) {
	ctx, err := configureLogging(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error configuring logger: %v", err)
	}

	app, err := handlers.NewApp(ctx, config)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Addr:    config.HTTP.Addr,
		Handler: app,
	}

	return &Registry{
		app:    app,
		config: config,
		server: server,
	}, nil
}

// ListenAndServe runs the registry's HTTP server, draining connections and
// background tasks on SIGTERM or SIGINT.
func (registry *Registry) ListenAndServe() error {
	config := registry.config

	logrus.Infof("listening on %v, version %s", config.HTTP.Addr, version.Version)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- registry.server.ListenAndServe()
	}()

	if interval := config.Registry.ReclaimInterval; interval > 0 {
		reclaimCtx, cancelReclaim := context.WithCancel(context.Background())
		defer cancelReclaim()
		go registry.reclaimLoop(reclaimCtx, interval)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case sig := <-quit:
		logrus.Infof("received %v, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.HTTP.DrainTimeout)
	defer cancel()

	if err := registry.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	if err := registry.app.Shutdown(ctx); err != nil {
		return fmt.Errorf("draining background tasks: %w", err)
	}
	return nil
}

// reclaimLoop periodically sweeps orphaned content until ctx is canceled.
func (registry *Registry) reclaimLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := registry.app.Reclaim(ctx); err != nil {
				logrus.Errorf("orphan reclaim failed: %v", err)
			}
		}
	}
}

// configureLogging sets up the logging environment from configuration and
// attaches a configured logger to the context.
func configureLogging(ctx context.Context, config *configuration.Configuration) (context.Context, error) {
	level, err := logrus.ParseLevel(config.Log.Level)
	if err != nil {
		logrus.Warnf("error parsing level %q: %v, using info", config.Log.Level, err)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	switch config.Log.Formatter {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000000000Z07:00",
		})
	default:
		return ctx, fmt.Errorf("unsupported log formatter: %q", config.Log.Formatter)
	}

	ctx = dcontext.WithLogger(ctx, dcontext.GetLogger(ctx))
	return ctx, nil
}
