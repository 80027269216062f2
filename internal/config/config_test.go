package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoFlagsOrEnv(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":31000", cfg.Addr)
	assert.Equal(t, ":31001", cfg.ObserverAddr)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 500, cfg.MaxClients)
	assert.Equal(t, 500, cfg.FragmentRatePPS)
	assert.Equal(t, 16000, cfg.SampleRate)
	assert.Equal(t, 50, cfg.DialogueHistoryLimit)
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	cfg, err := Load([]string{"-addr", ":9999", "-max-clients", "10", "-log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, 10, cfg.MaxClients)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvVarsOverrideDefaultsWhenNoFlagGiven(t *testing.T) {
	t.Setenv("GATEWAY_ADDR", ":7000")
	t.Setenv("GATEWAY_MAX_CLIENTS", "42")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Addr)
	assert.Equal(t, 42, cfg.MaxClients)
}

func TestDurationHelpersConvertMillisecondFields(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 900_000_000, int(cfg.SilenceThreshold()))
	assert.Equal(t, 15_000_000_000, int(cfg.MaxUtteranceDuration()))
	assert.Equal(t, 120_000_000_000, int(cfg.InactivityWindow()))
	assert.Equal(t, 500_000_000, int(cfg.InterruptCooldown()))
}
