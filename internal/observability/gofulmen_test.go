package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insurechat/insurechat/internal/observability"
)

func TestLoggers(t *testing.T) {
	t.Run("CLI logger", func(t *testing.T) {
		observability.InitCLILogger("insurechat-test", true)
		require.NotNil(t, observability.CLILogger)
		observability.CLILogger.Debug("cli debug line", zap.String("test", "value"))
	})

	t.Run("structured server logger", func(t *testing.T) {
		observability.InitServerLogger("insurechat-test", "debug", "structured", "insurechat")
		require.NotNil(t, observability.ServerLogger)
		observability.ServerLogger.Info("chat request handled",
			zap.String("client_ip", "203.0.113.9"),
			zap.Int("status", 200))
	})

	t.Run("simple server logger", func(t *testing.T) {
		logger, err := observability.NewServerLogger("insurechat-test", "warning", "simple")
		require.NoError(t, err)
		require.NotNil(t, logger)
		logger.Warn("wildcard CORS origin configured")
	})

	observability.SyncLoggers()
}

func TestMetricsExporterLifecycle(t *testing.T) {
	require.NoError(t, observability.InitMetrics("insurechat-test", 0, "insurechat_test"))
	t.Cleanup(func() {
		observability.TelemetrySystem = nil
	})

	require.NotNil(t, observability.TelemetrySystem)
	require.NotNil(t, observability.PrometheusExporter)
	assert.Greater(t, observability.GetMetricsPort(), 0)

	require.NoError(t, observability.ShutdownMetrics())
	assert.Nil(t, observability.PrometheusExporter)
	require.NoError(t, observability.ShutdownMetrics())
}

func TestCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	assert.NotEmpty(t, version.Gofulmen)
	assert.NotEmpty(t, version.Crucible)
}
