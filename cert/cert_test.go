package cert

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrCreatePersistsRoot(t *testing.T) {
	dir := t.TempDir()

	ca, err := LoadOrCreate(dir)
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "rootCA.key.pem")
	certPath := filepath.Join(dir, "rootCA.cert.pem")
	require.FileExists(t, keyPath)
	require.FileExists(t, certPath)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second load must yield the identical root, bit for bit.
	reloaded, err := LoadOrCreate(dir)
	require.NoError(t, err)
	assert.Equal(t, ca.RootDER(), reloaded.RootDER())
	assert.Equal(t, ca.RootPEM(), reloaded.RootPEM())
}

func TestRootPEMDERRoundTrip(t *testing.T) {
	ca, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	block, rest := pem.Decode(ca.RootPEM())
	require.NotNil(t, block)
	assert.Empty(t, rest)
	assert.Equal(t, "CERTIFICATE", block.Type)
	assert.Equal(t, ca.RootDER(), block.Bytes)

	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.True(t, parsed.IsCA)
	assert.NotZero(t, parsed.KeyUsage&x509.KeyUsageCertSign)
	assert.NotZero(t, parsed.KeyUsage&x509.KeyUsageCRLSign)
	assert.NotEmpty(t, parsed.SubjectKeyId)
}

func TestLoadOrCreateRejectsCorruptStore(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "rootCA.key.pem"), []byte("garbage"), 0o600))
	_, err = LoadOrCreate(dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCAInit)
}

func TestLoadOrCreateRejectsHalfStore(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadOrCreate(dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "rootCA.cert.pem")))
	_, err = LoadOrCreate(dir)
	assert.ErrorIs(t, err, ErrCAInit)
}

func TestLeafSANAndSignature(t *testing.T) {
	ca, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	cfg, err := ca.TLSServerConfig("api.test")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	require.Len(t, cfg.Certificates[0].Certificate, 2)
	assert.GreaterOrEqual(t, cfg.MinVersion, uint16(tls.VersionTLS12))

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"api.test"}, leaf.DNSNames)
	assert.False(t, leaf.IsCA)
	require.NoError(t, leaf.CheckSignatureFrom(ca.RootCA()))
	require.NoError(t, leaf.VerifyHostname("api.test"))

	_, err = leaf.Verify(x509.VerifyOptions{DNSName: "api.test", Roots: ca.Pool()})
	require.NoError(t, err)
}

func TestLeafForIPHost(t *testing.T) {
	ca, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	cfg, err := ca.TLSServerConfig("127.0.0.1")
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	require.Len(t, leaf.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", leaf.IPAddresses[0].String())
}

func TestLeafCacheNeverReissues(t *testing.T) {
	ca, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	first, err := ca.TLSServerConfig("api.test")
	require.NoError(t, err)
	second, err := ca.TLSServerConfig("api.test")
	require.NoError(t, err)

	assert.Equal(t, first.Certificates[0].Certificate[0], second.Certificates[0].Certificate[0])

	other, err := ca.TLSServerConfig("other.test")
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificates[0].Certificate[0], other.Certificates[0].Certificate[0])
}

func TestLeafServesRealHandshake(t *testing.T) {
	ca, err := LoadOrCreate(t.TempDir())
	require.NoError(t, err)

	cfg, err := ca.TLSServerConfig("localhost")
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "key verifies with Go")
	}))
	server.TLS = cfg
	server.StartTLS()
	defer server.Close()

	tr := &http.Transport{TLSClientConfig: &tls.Config{RootCAs: ca.Pool()}}
	asLocalhost := strings.ReplaceAll(server.URL, "127.0.0.1", "localhost")
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, asLocalhost, nil)
	require.NoError(t, err)

	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "key verifies with Go", string(body))
}
