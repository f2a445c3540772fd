package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := ReadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestReadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("linkType: rawip\nlocalIP: 10.0.0.5\nrecvWindowSize: 8192\nlogLevel: debug\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := ReadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "rawip", cfg.LinkType)
	assert.Equal(t, "10.0.0.5", cfg.LocalIP)
	assert.Equal(t, 8192, cfg.RecvWindowSize)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched keys keep their defaults.
	assert.Equal(t, 1440, cfg.PreferredMSS)
}

func TestReadConfigRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"unknown link type", "linkType: serial\n"},
		{"oversized window", "recvWindowSize: 70000\n"},
		{"mss does not fit mtu", "mtu: 576\npreferredMSS: 1440\n"},
		{"inverted port range", "ephemeralPortLower: 60000\nephemeralPortUpper: 40000\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0644))
			_, err := ReadConfig(path)
			assert.Error(t, err)
		})
	}
}
