package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveJSONLogsFallsBackToConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "diwan.toml")
	require.NoError(t, os.WriteFile(path, []byte("[log]\njson = true\n"), 0o644))

	require.NoError(t, rootCmd.ParseFlags([]string{"--config", path}))
	assert.True(t, resolveJSONLogs(rootCmd), "config value applies when the flag is absent")

	// An explicit flag wins over the config file
	require.NoError(t, rootCmd.ParseFlags([]string{"--json-logs=false"}))
	assert.False(t, resolveJSONLogs(rootCmd))
}
