package main

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemode/daemon/internal/config"
)

// captureStdout runs fn with os.Stdout redirected to a pipe and returns
// everything it wrote.
func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	orig := os.Stdout
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	runErr := fn()
	require.NoError(t, w.Close())

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String(), runErr
}

func TestConfigPath_PrintsConfigFilePath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	want, err := config.ConfigFilePath()
	require.NoError(t, err)

	out, runErr := captureStdout(t, func() error { return configPath(configPathCmd, nil) })
	require.NoError(t, runErr)
	assert.Equal(t, want, strings.TrimSpace(out))
}

func TestConfigReset_WritesFileLoadReads(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	require.NoError(t, configReset(configResetCmd, nil))

	path, err := config.ConfigFilePath()
	require.NoError(t, err)
	if _, statErr := os.Stat(path); statErr != nil {
		t.Fatalf("config file not written: %v", statErr)
	}

	// The file configReset wrote must be a nested document viper can read
	// back into the same defaults, not a flat "section.key" dump.
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8888/", cfg.Kernel.BaseURL)
	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.Quota.MaxDaemonsPerUser)
}

func TestConfigShow_NoFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	out, err := captureStdout(t, func() error { return configShow(configCmd, nil) })
	require.NoError(t, err)
	assert.Contains(t, out, "showing defaults")
	assert.Contains(t, out, "base_url")
}

func TestConfigShow_ExistingFileIsDisplayed(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())

	require.NoError(t, configReset(configResetCmd, nil))

	out, err := captureStdout(t, func() error { return configShow(configCmd, nil) })
	require.NoError(t, err)
	assert.NotContains(t, out, "showing defaults")
	assert.Contains(t, out, "base_url")
}

func TestNestDefaults_GroupsBySection(t *testing.T) {
	nested := nestDefaults(map[string]any{
		"kernel.base_url":    "http://localhost:8888/",
		"kernel.token":       "",
		"server.listen_addr": ":8090",
	})

	kernel, ok := nested["kernel"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "http://localhost:8888/", kernel["base_url"])
	assert.Equal(t, "", kernel["token"])

	server, ok := nested["server"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, ":8090", server["listen_addr"])
}
