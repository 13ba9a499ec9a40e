// Package bootstrap wires configuration, logging and telemetry and runs a
// process's components until a signal or a failure stops them.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pricestream/internal/core"
	"pricestream/internal/infrastructure/health"
	"pricestream/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies.
type App struct {
	Cfg    *Config
	Logger core.ILogger
	Health *health.HealthManager

	telemetry *telemetry.Telemetry
	sync      func() error
}

// NewApp loads configuration and initializes logging and telemetry for the
// named service.
func NewApp(configPath, service string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if service != "" {
		cfg.Telemetry.ServiceName = service
	}
	return NewAppFromConfig(cfg)
}

// NewAppFromConfig builds an App from an already validated config
func NewAppFromConfig(cfg *Config) (*App, error) {
	app := &App{Cfg: cfg}

	// Telemetry first so the logger bridges to the installed provider
	switch {
	case cfg.Telemetry.EnableTracing:
		tel, err := telemetry.Setup(cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.telemetry = tel
	case cfg.Telemetry.EnableMetrics:
		if err := telemetry.InitMetrics(cfg.Telemetry.ServiceName); err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	app.Logger = logger
	app.sync = logger.Sync
	app.Health = health.NewHealthManager(logger)

	return app, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
// Run blocks until ctx is done or the component fails.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run orchestrates the application lifecycle, including signal handling.
func (a *App) Run(runners ...Runner) error {
	// Create a context that is canceled when a termination signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx, runners...)
}

// RunContext runs every runner until ctx is done or one of them fails. The
// first failure cancels the rest.
func (a *App) RunContext(ctx context.Context, runners ...Runner) error {
	g, gctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "service", a.Cfg.Telemetry.ServiceName, "runners", len(runners))

	for _, r := range runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}

	err := g.Wait()
	a.shutdown()

	// cancellation from the parent context is a clean exit
	if err != nil && !(errors.Is(err, context.Canceled) && ctx.Err() != nil) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

func (a *App) shutdown() {
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.Logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.sync != nil {
		_ = a.sync()
	}
}
