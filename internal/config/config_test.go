package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
device_id: dev-b
account_id: acct-1
host_id: dev-a
data_dir: /var/lib/splitsync
listen_addr: ":8080"
peers:
  acct-1.dev-a: ws://host.local:8080
`)
	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "dev-b", d.DeviceID)
	assert.Equal(t, "acct-1", d.AccountID)
	assert.Equal(t, "dev-a", d.HostID)
	assert.Equal(t, "/var/lib/splitsync", d.DataDir)
	assert.Equal(t, ":8080", d.ListenAddr)

	url, err := d.Resolve("acct-1.dev-a")
	require.NoError(t, err)
	assert.Equal(t, "ws://host.local:8080", url)
}

func TestLoad_DefaultsDataDir(t *testing.T) {
	path := writeConfig(t, "device_id: dev-a\naccount_id: acct-1\n")
	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ".", d.DataDir)
	assert.Empty(t, d.HostID)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, "account_id: acct-1\n"))
	assert.ErrorContains(t, err, "device_id")

	_, err = Load(writeConfig(t, "device_id: dev-a\n"))
	assert.ErrorContains(t, err, "account_id")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "device_id: [unterminated\n"))
	assert.Error(t, err)
}

func TestResolve_UnknownPeer(t *testing.T) {
	d := &Device{Peers: map[string]string{}}
	_, err := d.Resolve("acct-1.dev-x")
	assert.Error(t, err)
}
