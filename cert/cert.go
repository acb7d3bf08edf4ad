// Package cert implements the proxy's certificate authority: a persistent
// self-signed root plus on-demand, cached per-host leaf certificates used to
// terminate intercepted TLS sessions.
package cert

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"

	"github.com/mockpod/mockpod/log"
)

// ErrCAInit wraps every failure to load or create the root CA. It is fatal:
// the proxy refuses to start without a usable root.
var ErrCAInit = errors.New("cert: CA initialization failed")

const (
	keyFileName  = "rootCA.key.pem"
	certFileName = "rootCA.cert.pem"

	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 825 * 24 * time.Hour

	leafCacheSize = 4096
)

// CA owns the root key pair and the leaf cache for the process lifetime.
// Root material is immutable after construction; the leaf cache is guarded
// by a mutex whose critical section is a map lookup plus, on first sight of
// a host, one signing operation.
type CA struct {
	rootX509 *x509.Certificate
	rootKey  *ecdsa.PrivateKey
	rootPEM  []byte // certificate PEM exactly as stored on disk

	mu    sync.Mutex
	cache *lru.Cache
}

// LoadOrCreate opens the CA stored under dir, generating and persisting a
// fresh root on first run. Corrupt files or an unwritable directory fail
// with an error wrapping ErrCAInit.
func LoadOrCreate(dir string) (*CA, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrCAInit, dir, err)
	}

	keyPath := filepath.Join(dir, keyFileName)
	certPath := filepath.Join(dir, certFileName)

	_, keyErr := os.Stat(keyPath)
	_, certErr := os.Stat(certPath)

	switch {
	case keyErr == nil && certErr == nil:
		ca, err := loadRoot(keyPath, certPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCAInit, err)
		}
		log.Debugf("loaded root CA from %s", dir)
		return ca, nil
	case os.IsNotExist(keyErr) && os.IsNotExist(certErr):
		ca, err := createRoot(keyPath, certPath)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCAInit, err)
		}
		log.Infof("generated new root CA in %s", dir)
		return ca, nil
	default:
		// One file without the other means a half-written or tampered store;
		// refusing is safer than silently re-rooting and breaking trust.
		return nil, fmt.Errorf("%w: inconsistent CA store in %s", ErrCAInit, dir)
	}
}

func loadRoot(keyPath, certPath string) (*CA, error) {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, fmt.Errorf("%s is not a PEM private key", keyFileName)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root key: %v", err)
	}
	key, ok := parsedKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("root key is %T, want ECDSA", parsedKey)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%s is not a PEM certificate", certFileName)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %v", err)
	}

	return &CA{
		rootX509: cert,
		rootKey:  key,
		rootPEM:  certPEM,
		cache:    lru.New(leafCacheSize),
	}, nil
}

func createRoot(keyPath, certPath string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   "Mockpod Root CA",
			Organization: []string{"Mockpod"},
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		IsCA:                  true,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := writeFileAtomic(keyPath, keyPEM, 0o600); err != nil {
		return nil, err
	}
	if err := writeFileAtomic(certPath, certPEM, 0o644); err != nil {
		return nil, err
	}

	return &CA{
		rootX509: cert,
		rootKey:  key,
		rootPEM:  certPEM,
		cache:    lru.New(leafCacheSize),
	}, nil
}

// writeFileAtomic writes via a temp file plus rename so a crash mid-write
// never leaves a truncated key on disk.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".mockpod-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// TLSServerConfig returns a TLS server configuration presenting the chain
// [leaf(host), root]. A host already cached is never re-issued.
func (ca *CA) TLSServerConfig(host string) (*tls.Config, error) {
	leaf, err := ca.leafFor(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
		NextProtos:   []string{"http/1.1"},
	}, nil
}

func (ca *CA) leafFor(host string) (*tls.Certificate, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if cached, ok := ca.cache.Get(host); ok {
		return cached.(*tls.Certificate), nil
	}

	leaf, err := signLeaf(ca.rootX509, ca.rootKey, host)
	if err != nil {
		return nil, fmt.Errorf("cert: issue leaf for %s: %w", host, err)
	}
	ca.cache.Add(host, leaf)
	log.Debugf("issued leaf certificate for %s", host)
	return leaf, nil
}

// RootCA returns the parsed root certificate.
func (ca *CA) RootCA() *x509.Certificate {
	return ca.rootX509
}

// RootPEM returns the root certificate PEM exactly as stored on disk, so a
// load-export cycle is byte-identical.
func (ca *CA) RootPEM() []byte {
	out := make([]byte, len(ca.rootPEM))
	copy(out, ca.rootPEM)
	return out
}

// RootDER returns the root certificate in DER form for device installation.
func (ca *CA) RootDER() []byte {
	out := make([]byte, len(ca.rootX509.Raw))
	copy(out, ca.rootX509.Raw)
	return out
}

// Pool returns a cert pool containing only this CA's root, for clients that
// need to trust intercepted sessions (tests, embedders).
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.rootX509)
	return pool
}
