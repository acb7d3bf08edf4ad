// Package mockpod implements an intercepting HTTP/HTTPS proxy with
// rule-based response mocking: plaintext proxying, CONNECT-tunnel TLS
// interception backed by an on-the-fly certificate authority, a first-match
// rule engine, and a traffic capture bus.
package mockpod

import (
	"context"
	"net"
	"net/http"
	"sync"

	"go.uber.org/atomic"

	"github.com/mockpod/mockpod/cert"
	"github.com/mockpod/mockpod/log"
	"github.com/mockpod/mockpod/rules"
	"github.com/mockpod/mockpod/traffic"
)

// ProxyCore owns the certificate authority, the rule engine, the traffic
// bus, and the listener. It implements http.Handler: CONNECT requests branch
// into TLS interception, everything else runs the plaintext proxy path.
type ProxyCore struct {
	opts    Options
	ca      *cert.CA
	engine  *rules.Engine
	bus     *traffic.Bus
	ring    *traffic.Ring
	rec     *traffic.Recorder
	metrics *Metrics

	server   *http.Server
	listener net.Listener
	ready    chan struct{}

	// Hijacked tunnel conns escape the http.Server's bookkeeping, so the
	// core tracks them itself for shutdown.
	tunnelMu sync.Mutex
	tunnels  map[net.Conn]struct{}

	sess atomic.Int64
}

// New builds a ProxyCore. It loads or creates the persistent root CA; a CA
// failure is fatal and the proxy refuses to construct.
func New(opts Options) (*ProxyCore, error) {
	opts.withDefaults()

	ca, err := cert.LoadOrCreate(opts.CertDir)
	if err != nil {
		return nil, err
	}

	p := &ProxyCore{
		opts:    opts,
		ca:      ca,
		engine:  rules.NewEngine(),
		ring:    traffic.NewRing(1000),
		rec:     traffic.NewRecorder(),
		metrics: newMetrics(),
		ready:   make(chan struct{}),
		tunnels: make(map[net.Conn]struct{}),
	}

	subs := []traffic.SubscriberFunc{p.ring.Subscriber(), p.rec.Subscriber()}
	if opts.OnTrafficCaptured != nil {
		subs = append(subs, opts.OnTrafficCaptured)
	}
	if opts.OnRecordingEntry != nil {
		fn := opts.OnRecordingEntry
		subs = append(subs, func(e *traffic.Entry) {
			if p.rec.Recording() {
				fn(e)
			}
		})
	}
	subs = append(subs, opts.Subscribers...)
	p.bus = traffic.NewBus(subs...)

	return p, nil
}

// Engine exposes the rule engine for live updates.
func (p *ProxyCore) Engine() *rules.Engine {
	return p.engine
}

// ReplaceRules atomically swaps the active rule list.
func (p *ProxyCore) ReplaceRules(list []rules.Rule) {
	p.engine.Replace(list)
}

// CA exposes the certificate authority (root export, leaf configs).
func (p *ProxyCore) CA() *cert.CA {
	return p.ca
}

// Ring returns the live-inspection buffer of recent entries.
func (p *ProxyCore) Ring() *traffic.Ring {
	return p.ring
}

// Recorder returns the switchable recording subscriber.
func (p *ProxyCore) Recorder() *traffic.Recorder {
	return p.rec
}

// SetRecording toggles the recording subscriber.
func (p *ProxyCore) SetRecording(on bool) {
	p.rec.SetRecording(on)
}

// Metrics returns the proxy's prometheus collector for registration.
func (p *ProxyCore) Metrics() *Metrics {
	return p.metrics
}

// ListenAndServe binds the configured address and serves until Shutdown.
func (p *ProxyCore) ListenAndServe() error {
	ln, err := net.Listen("tcp", p.opts.Addr)
	if err != nil {
		return err
	}
	return p.Serve(ln)
}

// Serve runs the accept loop on ln. It returns http.ErrServerClosed after a
// clean Shutdown, matching the stdlib contract.
func (p *ProxyCore) Serve(ln net.Listener) error {
	p.listener = ln
	p.server = &http.Server{
		Handler:        p,
		MaxHeaderBytes: 64 << 10, // oversized request heads close the conn
	}
	close(p.ready)
	log.Infof("proxy listening on %v", ln.Addr())
	return p.server.Serve(ln)
}

// Addr returns the bound listener address, or the configured address before
// Serve has started.
func (p *ProxyCore) Addr() string {
	if p.listener != nil {
		return p.listener.Addr().String()
	}
	return p.opts.Addr
}

// WaitUntilReady blocks until the listener is accepting or ctx expires.
func (p *ProxyCore) WaitUntilReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes the listener, then every active connection including
// hijacked tunnels, then stops bus delivery. In-flight exchanges that were
// cut short publish nothing.
func (p *ProxyCore) Shutdown(ctx context.Context) error {
	var err error
	if p.server != nil {
		err = p.server.Shutdown(ctx)
	}

	p.tunnelMu.Lock()
	for conn := range p.tunnels {
		conn.Close()
	}
	p.tunnels = make(map[net.Conn]struct{})
	p.tunnelMu.Unlock()

	p.bus.Close()
	return err
}

// ServeHTTP dispatches each accepted exchange: CONNECT starts TLS
// interception, anything else is plaintext proxying.
func (p *ProxyCore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
	} else {
		p.handleHTTP(w, r)
	}
}

func (p *ProxyCore) trackTunnel(conn net.Conn) {
	p.tunnelMu.Lock()
	p.tunnels[conn] = struct{}{}
	p.tunnelMu.Unlock()
}

func (p *ProxyCore) untrackTunnel(conn net.Conn) {
	p.tunnelMu.Lock()
	delete(p.tunnels, conn)
	p.tunnelMu.Unlock()
}
