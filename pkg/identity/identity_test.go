package identity_test

import (
	"crypto/tls"
	"crypto/x509"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TNO-MPC/communication/pkg/errs"
	"github.com/TNO-MPC/communication/pkg/identity"
	"github.com/TNO-MPC/communication/pkg/identity/identitytest"
	"github.com/TNO-MPC/communication/pkg/transport"
)

func TestParseMode(t *testing.T) {
	for in, want := range map[string]identity.Mode{
		"":            identity.ModeOrigin,
		"origin":      identity.ModeOrigin,
		"Certificate": identity.ModeCertificate,
		"cert":        identity.ModeCertificate,
	} {
		got, err := identity.ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := identity.ParseMode("jwt")
	require.ErrorIs(t, err, errs.ErrInvalidConfig)
}

func TestOriginModeUsesAdvertisedPort(t *testing.T) {
	r := identity.NewResolver(identity.ModeOrigin, nil)
	require.NoError(t, r.Register(transport.OriginKey("10.0.0.2", 8081), "bob"))

	name, key, err := r.Resolve(transport.Origin{RemoteAddr: "10.0.0.2:53122", ServerPort: 8081})
	require.NoError(t, err)
	assert.Equal(t, "bob", name)
	assert.Equal(t, transport.PeerID("10.0.0.2:8081"), key)

	// Without the cookie the connection port is used, which is not registered.
	_, _, err = r.Resolve(transport.Origin{RemoteAddr: "10.0.0.2:53122"})
	require.ErrorIs(t, err, errs.ErrUnknownOrigin)

	_, _, err = r.Resolve(transport.Origin{RemoteAddr: "garbage"})
	require.ErrorIs(t, err, errs.ErrUnknownOrigin)

	assert.NoError(t, r.Authorize(transport.Origin{RemoteAddr: "10.9.9.9:1"}))
}

func TestRegisterConflicts(t *testing.T) {
	r := identity.NewResolver(identity.ModeOrigin, nil)
	key := transport.OriginKey("127.0.0.1", 9000)
	require.NoError(t, r.Register(key, "alice"))
	require.NoError(t, r.Register(key, "alice"))
	require.ErrorIs(t, r.Register(key, "mallory"), errs.ErrConflictingPeer)
	require.ErrorIs(t, r.Register("", "x"), errs.ErrInvalidConfig)

	r.Unregister(key)
	require.NoError(t, r.Register(key, "mallory"))
	assert.Equal(t, []string{"127.0.0.1:9000=mallory"}, r.Keys())
}

func TestCertificateMode(t *testing.T) {
	ca := identitytest.NewCA(t, "Test CA")
	known := ca.Issue(t, "alice", big.NewInt(1001))
	stranger := ca.Issue(t, "eve", big.NewInt(666))

	key := transport.CertificateKey(known.Cert)
	assert.Equal(t, transport.PeerID("Test CA:1001"), key)

	r := identity.NewResolver(identity.ModeCertificate, nil)
	require.NoError(t, r.Register(key, "alice"))

	o := transport.Origin{RemoteAddr: "127.0.0.1:5000", Certificate: known.Cert}
	require.NoError(t, r.Authorize(o))
	name, _, err := r.Resolve(o)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	err = r.Authorize(transport.Origin{RemoteAddr: "127.0.0.1:5001", Certificate: stranger.Cert})
	require.ErrorIs(t, err, errs.ErrUnknownOrigin)
	err = r.Authorize(transport.Origin{RemoteAddr: "127.0.0.1:5002"})
	require.ErrorIs(t, err, errs.ErrUnknownOrigin)
}

func TestCertificateKeyUsesDecimalSerial(t *testing.T) {
	ca := identitytest.NewCA(t, "Root")
	serial, ok := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	require.True(t, ok)
	leaf := ca.Issue(t, "x", serial)
	assert.Equal(t, transport.PeerID("Root:340282366920938463463374607431768211455"), transport.CertificateKey(leaf.Cert))
	assert.Empty(t, transport.CertificateKey(nil))
}

func TestLoadCertificateAndTLS(t *testing.T) {
	ca := identitytest.NewCA(t, "Test CA")
	leaf := ca.Issue(t, "alice", big.NewInt(7))

	cert, err := identity.LoadCertificate(leaf.Files.Cert)
	require.NoError(t, err)
	assert.Equal(t, leaf.Cert.SerialNumber, cert.SerialNumber)

	server, client, err := identity.LoadTLS(leaf.Files)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, server.ClientAuth)
	assert.True(t, client.InsecureSkipVerify)
	require.NotNil(t, client.VerifyConnection)

	// The client accepts a chain from the CA and rejects a foreign one.
	require.NoError(t, client.VerifyConnection(tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf.Cert}}))
	other := identitytest.NewCA(t, "Other CA").Issue(t, "bob", big.NewInt(8))
	err = client.VerifyConnection(tls.ConnectionState{PeerCertificates: []*x509.Certificate{other.Cert}})
	require.ErrorIs(t, err, errs.ErrInvalidCertificate)
}

func TestLoadInvalidMaterial(t *testing.T) {
	dir := t.TempDir()
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))

	_, err := identity.LoadCertificate(junk)
	require.ErrorIs(t, err, errs.ErrInvalidCertificate)
	_, err = identity.LoadCertificate(filepath.Join(dir, "missing.pem"))
	require.ErrorIs(t, err, errs.ErrInvalidCertificate)

	_, _, err = identity.LoadTLS(identity.TLSFiles{Cert: junk})
	require.ErrorIs(t, err, errs.ErrInvalidCertificate)
	_, _, err = identity.LoadTLS(identity.TLSFiles{Cert: junk, Key: junk, CACert: junk})
	require.ErrorIs(t, err, errs.ErrInvalidCertificate)
}
