package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"pricestream/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Telemetry.EnableMetrics = false
	cfg.Logging.Level = "ERROR"
	app, err := NewAppFromConfig(cfg)
	require.NoError(t, err)
	return app
}

func TestRunContext_CleanShutdown(t *testing.T) {
	app := newTestApp(t)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- app.RunContext(ctx,
			RunnerFunc(func(ctx context.Context) error {
				close(started)
				<-ctx.Done()
				return ctx.Err()
			}),
			RunnerFunc(func(ctx context.Context) error {
				<-ctx.Done()
				return nil
			}),
		)
	}()

	<-started
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RunContext did not return")
	}
}

func TestRunContext_FailureCancelsOthers(t *testing.T) {
	app := newTestApp(t)
	boom := errors.New("listener failed")

	stopped := make(chan struct{})
	err := app.RunContext(context.Background(),
		RunnerFunc(func(ctx context.Context) error { return boom }),
		RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return ctx.Err()
		}),
	)

	assert.ErrorIs(t, err, boom)
	select {
	case <-stopped:
	default:
		t.Fatal("sibling runner was not cancelled")
	}
}

func TestCheckPreFlight_KeyPermissions(t *testing.T) {
	dir := t.TempDir()
	key := filepath.Join(dir, "server.key")
	cert := filepath.Join(dir, "server.crt")
	require.NoError(t, os.WriteFile(key, []byte("key"), 0o644))
	require.NoError(t, os.WriteFile(cert, []byte("cert"), 0o644))

	cfg := config.DefaultConfig()
	cfg.Engine.TLSKeyFile = key
	cfg.Engine.TLSCertFile = cert

	err := checkPreFlight(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure permissions")

	require.NoError(t, os.Chmod(key, 0o600))
	assert.NoError(t, checkPreFlight(cfg))

	cfg.Engine.TLSKeyFile = filepath.Join(dir, "missing.key")
	assert.ErrorContains(t, checkPreFlight(cfg), "not found")
}

func TestCheckPreFlight_MissingCert(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Upstream.TLSCertFile = filepath.Join(t.TempDir(), "ca.crt")
	assert.Error(t, checkPreFlight(cfg))
}

func TestNewApp_LoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: warn\ntelemetry:\n  enable_metrics: false\n"), 0o600))

	app, err := NewApp(path, "price-engine")
	require.NoError(t, err)
	assert.Equal(t, "price-engine", app.Cfg.Telemetry.ServiceName)
	assert.Equal(t, "warn", app.Cfg.Logging.Level)
	assert.NotNil(t, app.Health)
}
