package cert

import (
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPaths(dir string) Paths {
	return Paths{
		CACert:     filepath.Join(dir, "ca", "ca-cert.pem"),
		CAKey:      filepath.Join(dir, "ca", "ca-key.pem"),
		ServerCert: filepath.Join(dir, "server", "server-cert.pem"),
		ServerKey:  filepath.Join(dir, "server", "server-key.pem"),
	}
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	c, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return c
}

func TestEnsureServerCertificates(t *testing.T) {
	paths := testPaths(t.TempDir())

	require.NoError(t, EnsureServerCertificates(paths, []string{"fleet.internal", "10.1.2.3"}))

	ca := readCert(t, paths.CACert)
	server := readCert(t, paths.ServerCert)

	assert.True(t, ca.IsCA)
	assert.Equal(t, "fleet.internal", server.Subject.CommonName)
	assert.Equal(t, []string{"fleet.internal"}, server.DNSNames)
	require.Len(t, server.IPAddresses, 1)
	assert.Equal(t, "10.1.2.3", server.IPAddresses[0].String())

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err := server.Verify(x509.VerifyOptions{Roots: pool, DNSName: "fleet.internal"})
	assert.NoError(t, err)

	info, err := os.Stat(paths.ServerKey)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestEnsureServerCertificates_KeepsExistingFiles(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, EnsureServerCertificates(paths, nil))

	before, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)

	require.NoError(t, EnsureServerCertificates(paths, nil))

	after, err := os.ReadFile(paths.ServerCert)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestEnsureServerCertificates_ReusesCA(t *testing.T) {
	paths := testPaths(t.TempDir())
	require.NoError(t, EnsureServerCertificates(paths, nil))
	ca := readCert(t, paths.CACert)

	require.NoError(t, os.Remove(paths.ServerCert))
	require.NoError(t, EnsureServerCertificates(paths, []string{"localhost"}))

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	_, err := readCert(t, paths.ServerCert).Verify(x509.VerifyOptions{Roots: pool, DNSName: "localhost"})
	assert.NoError(t, err)
}
