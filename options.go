package mockpod

import (
	"crypto/tls"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mockpod/mockpod/traffic"
)

// Note: If you add a new option X make sure DefaultOptions keeps working
// with its zero value.

// Options are the parameters for creating a ProxyCore. DefaultOptions
// returns a set that works for most embedders; tweak before passing to New.
type Options struct {
	// Addr is the listen address, default ":8080".
	Addr string
	// CertDir is where the root CA key and certificate live. Defaults to
	// Mockpod/Certificates under the user's config directory.
	CertDir string
	// NonProxyHandler answers requests that are neither proxy-form nor the
	// certificate route.
	NonProxyHandler http.Handler
	// Transport performs upstream round trips on the plaintext proxy path.
	Transport *http.Transport
	// UpstreamTLS is the client TLS configuration used when re-originating
	// intercepted connections. Nil means standard system trust. Tests inject
	// a config trusting their stub upstream here.
	UpstreamTLS *tls.Config
	// DialTimeout bounds upstream TCP connect and TLS handshake.
	DialTimeout time.Duration
	// IdleTimeout closes a MITM tunnel that stays quiet between requests.
	IdleTimeout time.Duration
	// OnTrafficCaptured fires for every completed exchange.
	OnTrafficCaptured func(*traffic.Entry)
	// OnRecordingEntry fires additionally while recording is on.
	OnRecordingEntry func(*traffic.Entry)
	// Subscribers are extra traffic-bus observers registered at construction.
	Subscribers []traffic.SubscriberFunc
}

// DefaultOptions returns the recommended initial options.
func DefaultOptions() Options {
	return Options{
		Addr:        ":8080",
		CertDir:     DefaultCertDir(),
		DialTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
		NonProxyHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "This is a proxy server. Does not respond to non-proxy requests.", http.StatusBadRequest)
		}),
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			DisableCompression:    true,
		},
	}
}

// DefaultCertDir returns the per-user certificate store location.
func DefaultCertDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	return filepath.Join(base, "Mockpod", "Certificates")
}

func (o *Options) withDefaults() {
	def := DefaultOptions()
	if o.Addr == "" {
		o.Addr = def.Addr
	}
	if o.CertDir == "" {
		o.CertDir = def.CertDir
	}
	if o.NonProxyHandler == nil {
		o.NonProxyHandler = def.NonProxyHandler
	}
	if o.Transport == nil {
		o.Transport = def.Transport
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = def.DialTimeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
}
