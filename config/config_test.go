package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/config"
)

func TestLoadDefaults(t *testing.T) {
	env, err := config.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/vpn-helper", env.HelperPath)
	assert.Equal(t, "44.44.44.44", env.FloodingProxy)
	assert.Equal(t, 10*time.Second, env.ArpRetry)
	assert.Equal(t, time.Hour, env.ArpExpiration)

	ip, err := env.FloodingProxyIP()
	require.NoError(t, err)
	assert.Equal(t, "44.44.44.44", ip.String())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VXGW_HELPER_PATH", "/opt/vxgw/vpn-helper")
	t.Setenv("VXGW_ARP_RETRY", "5s")

	env, err := config.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/opt/vxgw/vpn-helper", env.HelperPath)
	assert.Equal(t, 5*time.Second, env.ArpRetry)
}

func TestLoadVtepSeedsEmptyPath(t *testing.T) {
	seeds, err := config.LoadVtepSeeds("")
	require.NoError(t, err)
	assert.Empty(t, seeds)
}

func TestLoadVtepSeedsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vteps.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- id: vtep-1
  mgmtAddr: 10.1.0.5
  mgmtPort: 6640
- id: vtep-2
  mgmtAddr: 10.1.0.6
  mgmtPort: 6640
`), 0o644))

	seeds, err := config.LoadVtepSeeds(path)
	require.NoError(t, err)
	require.Len(t, seeds, 2)
	assert.Equal(t, "vtep-1", seeds[0].ID)
	assert.Equal(t, uint16(6640), seeds[1].MgmtPort)
}
