package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TNO-MPC/communication/pkg/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mpcpool.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mpc-node", cfg.NodeName)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "origin", cfg.Identity.Mode)
	assert.Equal(t, "http", cfg.Transport.Kind)
	assert.Equal(t, 30*time.Second, cfg.Send.Timeout)
	assert.Equal(t, []string{"stdout"}, cfg.Log.Outputs)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
node_name: alice
message_prefix: "run7-"
server:
  address: 127.0.0.1
  port: 9001
send:
  timeout: 5s
  workers: 2
peers:
  - name: bob
    address: 127.0.0.1
    port: 9002
  - name: carol
    address: localhost
    port: 9003
`)
	t.Setenv("MPCPOOL_LOG_LEVEL", "debug")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.NodeName)
	assert.Equal(t, "run7-", cfg.MessagePrefix)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Send.Timeout)
	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, PeerConfig{Name: "carol", Address: "localhost", Port: 9003}, cfg.Peers[1])
}

func TestValidateRejects(t *testing.T) {
	for name, body := range map[string]string{
		"log level":         "log: {level: loud}",
		"identity mode":     "identity: {mode: jwt}",
		"cert without tls":  "identity: {mode: certificate}",
		"https without tls": "transport: {kind: https}",
		"unknown kind":      "transport: {kind: quic}",
		"peer port":         "peers: [{name: bob, address: x, port: 0}]",
		"duplicate peer":    "peers: [{name: bob, address: x, port: 1}, {name: bob, address: y, port: 2}]",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, errs.ErrInvalidConfig)
		})
	}
}

func TestCertificateModeNeedsPeerCerts(t *testing.T) {
	base := `
identity: {mode: cert}
tls: {cert: a.pem, key: a.key, ca_cert: ca.pem}
`
	cfg, err := Load(writeConfig(t, base))
	require.NoError(t, err)
	assert.Equal(t, "certificate", cfg.Identity.Mode)
	assert.Equal(t, "https", cfg.Transport.Kind)

	_, err = Load(writeConfig(t, base+"peers: [{name: bob, address: x, port: 1}]"))
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
}

func TestMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
}
