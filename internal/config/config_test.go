package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codemode/daemon/internal/config"
)

func TestLoad_DefaultsApplyWithNoConfigFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "http://localhost:8888/", cfg.Kernel.BaseURL)
	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.Quota.MaxDaemonsPerUser)
	assert.Equal(t, "1h0m0s", cfg.Quota.MaxRuntime.String())
	assert.False(t, cfg.Runlog.Enabled)
	assert.False(t, cfg.EventBus.Enabled)
}

func TestLoad_EnvOverridesDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("CODEMODED_KERNEL_BASE_URL", "http://gateway.internal:8888/")

	cfg, err := config.Load()
	assert.NoError(t, err)
	assert.Equal(t, "http://gateway.internal:8888/", cfg.Kernel.BaseURL)
}
