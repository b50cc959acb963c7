package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
	assert.Equal(t, 32768, cfg.Host.TotalRAMMB)
	assert.Equal(t, ModeMock, cfg.Infra.ExecutionMode)
	assert.Equal(t, TransportShell, cfg.Infra.Transport)
	assert.True(t, cfg.Infra.APIFallbackShell)
	assert.Equal(t, 20*time.Second, cfg.Infra.CommandTimeout)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Equal(t, 400*time.Millisecond, cfg.Scheduler.StageDelay)
	assert.Empty(t, cfg.NATS.URL)
	assert.Empty(t, cfg.VMAPI.BaseURL, "API transports start disabled")
	assert.Equal(t, "/v1/vms/create", cfg.VMAPI.CreateEndpoint)
	assert.Equal(t, "/v1/proxy/rotate", cfg.ProxyAPI.RotateEndpoint)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FLEETD_SERVER_HTTP_ADDR", ":9999")
	t.Setenv("FLEETD_HOST_TOTAL_RAM_MB", "4096")
	t.Setenv("FLEETD_INFRA_EXECUTION_MODE", "STRICT")
	t.Setenv("FLEETD_INFRA_TRANSPORT", " Auto ")
	t.Setenv("FLEETD_NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.HTTPAddr)
	assert.Equal(t, 4096, cfg.Host.TotalRAMMB)
	assert.Equal(t, ModeStrict, cfg.Infra.ExecutionMode)
	assert.Equal(t, TransportAuto, cfg.Infra.Transport)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestNormalizationFallsBackToSafeValues(t *testing.T) {
	t.Setenv("FLEETD_INFRA_EXECUTION_MODE", "yolo")
	t.Setenv("FLEETD_INFRA_TRANSPORT", "carrier-pigeon")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeMock, cfg.Infra.ExecutionMode)
	assert.Equal(t, TransportShell, cfg.Infra.Transport)
}

func TestDefaultMatchesLoad(t *testing.T) {
	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Infra, loaded.Infra)
	assert.Equal(t, Default().Scripts, loaded.Scripts)
	assert.Equal(t, Default().Scheduler, loaded.Scheduler)
}
