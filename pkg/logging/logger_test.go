package logging

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pricestream/pkg/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZapLogger_OTelBridge(t *testing.T) {
	tel, err := telemetry.Setup("test-logger", telemetry.WithWriter(io.Discard))
	require.NoError(t, err)
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := NewZapLogger("DEBUG")
	require.NoError(t, err)

	logger.Info("Test OTel bridging", "key", "value")
	logger.WithField("component", "test").Warn("with field", "error", errors.New("boom"))

	// Wait a bit for OTel batching
	time.Sleep(100 * time.Millisecond)

	logger.Debug("Debug message", "status", "testing")
	_ = logger.Sync() // stdout does not always support sync
}

func TestParseLevel(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "Warn", "ERROR", "FATAL"} {
		_, err := ParseLevel(level)
		assert.NoError(t, err, level)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_RejectsBadOptions(t *testing.T) {
	_, err := New(Options{Level: "LOUD"})
	assert.Error(t, err)

	_, err = New(Options{Level: "INFO", Format: "xml"})
	assert.Error(t, err)

	logger, err := New(Options{Level: "INFO", Format: "json", ServiceName: "svc"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestConvertToZapFields_DropsDanglingKey(t *testing.T) {
	l := NewNop()
	fields := l.convertToZapFields([]interface{}{"a", 1, "dangling"})
	assert.Len(t, fields, 1)
}
