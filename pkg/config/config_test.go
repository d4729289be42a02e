package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeEnv(t, `
# engine
num_workers=8
local_ips=10.0.0.1, 10.0.0.2
stun_uri=stun:stun.example.org:3478
ice_min_port=40000
ice_max_port=49999
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Engine.NumWorkers)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, cfg.ICE.LocalIPs)
	assert.Equal(t, "stun:stun.example.org:3478", cfg.ICE.StunURI)
	assert.Equal(t, uint16(40000), cfg.ICE.MinPort)
	assert.Equal(t, uint16(49999), cfg.ICE.MaxPort)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeEnv(t, "local_ips=192.168.1.5\n"))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Engine.NumWorkers)
	assert.Empty(t, cfg.ICE.StunURI)
}

func TestLoadMissingLocalIPs(t *testing.T) {
	_, err := Load(writeEnv(t, "num_workers=2\n"))
	assert.ErrorContains(t, err, "local_ips")
}

func TestLoadBadPortRange(t *testing.T) {
	_, err := Load(writeEnv(t, "local_ips=10.0.0.1\nice_min_port=5000\nice_max_port=4000\n"))
	assert.ErrorContains(t, err, "ice_min_port")
}

func TestLoadBadNumber(t *testing.T) {
	_, err := Load(writeEnv(t, "local_ips=10.0.0.1\nnum_workers=many\n"))
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.env"))
	assert.Error(t, err)
}
