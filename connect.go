package mockpod

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mockpod/mockpod/internal/helper"
	"github.com/mockpod/mockpod/log"
	"github.com/mockpod/mockpod/rules"
	"github.com/mockpod/mockpod/traffic"
)

const connectEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"

// Expected teardown noise from clients and origins; logged at debug only.
var normalErrMsgs = []string{
	"read: connection reset by peer",
	"write: broken pipe",
	"i/o timeout",
	"io: read/write on closed pipe",
	"connect: connection refused",
	"connect: connection reset by peer",
	"use of closed network connection",
	"tls: ",
}

func logConnErr(prefix string, err error) {
	msg := err.Error()
	for _, s := range normalErrMsgs {
		if strings.Contains(msg, s) {
			log.Debugf("%s: %v", prefix, err)
			return
		}
	}
	log.Warnf("%s: %v", prefix, err)
}

// handleConnect runs the CONNECT arm of the dispatcher: acknowledge the
// tunnel, terminate TLS with a freshly minted leaf, then serve HTTP/1.1
// requests on the decrypted stream until the client goes away.
func (p *ProxyCore) handleConnect(w http.ResponseWriter, r *http.Request) {
	hij, ok := w.(http.Hijacker)
	if !ok {
		log.Error("http server does not support hijacking")
		http.Error(w, "cannot hijack connection", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hij.Hijack()
	if err != nil {
		log.Errorf("hijacking CONNECT client: %v", err)
		return
	}

	host, port := helper.SplitHostPort(r.URL.Host)
	if port == "" {
		port = "443"
	}

	p.metrics.connections.Inc()
	sess := p.sess.Inc()
	log.Debugf("[%03d] CONNECT %s:%s", sess&0xFF, host, port)

	if _, err := io.WriteString(clientConn, connectEstablished); err != nil {
		clientConn.Close()
		return
	}

	tlsCfg, err := p.ca.TLSServerConfig(host)
	if err != nil {
		// Leaf issuance failing is fatal for this tunnel only. The 200 is
		// already out; the client sees a handshake reset and retries.
		log.Warnf("[%03d] issuing leaf for %s: %v", sess&0xFF, host, err)
		clientConn.Close()
		return
	}

	tlsConn := tls.Server(clientConn, tlsCfg)
	if err := tlsConn.Handshake(); err != nil {
		// Routine for certificate-pinned apps; never user-visible.
		log.Debugf("[%03d] client TLS handshake for %s: %v", sess&0xFF, host, err)
		tlsConn.Close()
		return
	}

	p.trackTunnel(tlsConn)
	defer p.untrackTunnel(tlsConn)
	defer tlsConn.Close()

	reader := bufio.NewReader(tlsConn)
	for {
		_ = tlsConn.SetReadDeadline(time.Now().Add(p.opts.IdleTimeout))
		req, err := http.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				logConnErr("reading tunneled request", err)
			}
			return
		}
		_ = tlsConn.SetReadDeadline(time.Time{})

		// Drain the whole body now, so the reader sits exactly at the next
		// pipelined request and the upstream write can replay the bytes.
		body := &bytes.Buffer{}
		_, _ = io.Copy(body, req.Body)
		req.Body.Close()
		req.Body = io.NopCloser(body)

		keepAlive := p.serveMITM(tlsConn, req, body.Bytes(), host, port, sess)
		if !keepAlive || req.Close {
			return
		}
	}
}

// serveMITM handles one decrypted request inside the tunnel and reports
// whether the session should stay open for the next one.
func (p *ProxyCore) serveMITM(tlsConn net.Conn, req *http.Request, reqBody []byte, host, port string, sess int64) bool {
	fullURL := "https://" + hostForURL(host, port) + req.URL.RequestURI()

	entry := traffic.NewEntry(req.Method, fullURL)
	entry.Scheme = "https"
	entry.Host = host
	entry.Path = req.URL.Path
	entry.RequestHeaders = traffic.FromHTTPHeader(req.Header)
	entry.RequestBody = reqBody

	out := newRawResponseWriter(tlsConn)
	p.metrics.requests.WithLabelValues("mitm").Inc()

	// The certificate bootstrap route never touches upstream.
	if host == certHost || req.URL.Path == certPath {
		resp := p.certResponse()
		if err := writeResponse(resp, out); err != nil {
			logConnErr("writing certificate download", err)
			return false
		}
		p.finishEntry(entry, http.StatusOK, resp.Header, p.ca.RootDER())
		return false
	}

	rule, matched := p.engine.Match(req.Method, fullURL)

	upstream, connectFailed, err := p.forwardUpstream(req, reqBody, host, port)
	if err != nil {
		p.metrics.upstreamErrors.Inc()

		if connectFailed && matched {
			// Offline fallback: the mock carries the whole response.
			log.Debugf("[%03d] upstream %s unreachable, serving rule %q offline: %v", sess&0xFF, host, rule.Name, err)
			resp := composeSynthesize(rule)
			p.metrics.mocked.WithLabelValues("offline").Inc()
			return p.flushMITM(out, entry, resp, rule, true)
		}

		logConnErr("upstream "+host, err)
		resp := errorResponse(http.StatusBadGateway, "upstream unreachable")
		markKeepAlive(resp, false)
		if werr := writeResponse(resp, out); werr != nil {
			return false
		}
		p.finishEntry(entry, http.StatusBadGateway, resp.Header, nil)
		return false
	}

	body, err := readFullBody(upstream)
	if err != nil {
		p.metrics.upstreamErrors.Inc()
		logConnErr("reading upstream body from "+host, err)
		resp := errorResponse(http.StatusBadGateway, "upstream response truncated")
		markKeepAlive(resp, false)
		if werr := writeResponse(resp, out); werr != nil {
			return false
		}
		p.finishEntry(entry, http.StatusBadGateway, resp.Header, nil)
		return false
	}

	var resp *http.Response
	if matched {
		// Overlay keeps the origin's infrastructure headers underneath the
		// mock's status, body and headers.
		resp = composeOverlay(upstream, body, rule)
		p.metrics.mocked.WithLabelValues("overlay").Inc()
	} else {
		resp = composePassThrough(upstream, body)
	}

	return p.flushMITM(out, entry, resp, rule, matched)
}

// flushMITM applies the mock delay, writes the terminal response, and
// publishes the capture. Publication strictly follows the last flushed byte.
func (p *ProxyCore) flushMITM(out *rawResponseWriter, entry *traffic.Entry, resp *http.Response, rule rules.Rule, matched bool) bool {
	markKeepAlive(resp, true)

	if matched {
		if d := rule.Response.Delay(); d > 0 {
			time.Sleep(d)
		}
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if err := writeResponse(resp, out); err != nil {
		logConnErr("writing tunneled response", err)
		return false
	}

	p.finishEntry(entry, resp.StatusCode, resp.Header, body)
	return true
}

// forwardUpstream re-originates the intercepted request over a fresh
// TCP+TLS connection with standard trust. connectFailed distinguishes a
// dial or handshake failure (eligible for the offline fallback) from a
// protocol error after the connection stood.
func (p *ProxyCore) forwardUpstream(req *http.Request, reqBody []byte, host, port string) (resp *http.Response, connectFailed bool, err error) {
	addr := helper.JoinHostPort(host, port)

	dialer := &net.Dialer{Timeout: p.opts.DialTimeout}
	rawConn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, true, err
	}

	tlsCfg := p.opts.UpstreamTLS
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	} else {
		tlsCfg = tlsCfg.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = host
	}

	upstreamConn := tls.Client(rawConn, tlsCfg)
	hsCtx, cancel := context.WithTimeout(context.Background(), p.opts.DialTimeout)
	defer cancel()
	if err := upstreamConn.HandshakeContext(hsCtx); err != nil {
		rawConn.Close()
		return nil, true, err
	}

	outReq := req.Clone(context.Background())
	outReq.URL.Scheme = "https"
	outReq.URL.Host = hostForURL(host, port)
	outReq.Host = host
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(bytes.NewReader(reqBody))
	outReq.ContentLength = int64(len(reqBody))
	for _, h := range hopHeaders {
		outReq.Header.Del(h)
	}
	outReq.Header.Del("Accept-Encoding")

	if err := outReq.Write(upstreamConn); err != nil {
		upstreamConn.Close()
		return nil, false, err
	}

	resp, err = http.ReadResponse(bufio.NewReader(upstreamConn), outReq)
	if err != nil {
		upstreamConn.Close()
		return nil, false, err
	}

	// Fully buffer before the upstream socket goes away; there is no
	// connection pooling, each request dials fresh.
	buffered, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	upstreamConn.Close()
	if err != nil {
		return nil, false, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(buffered))
	return resp, false, nil
}

func hostForURL(host, port string) string {
	if port == "443" {
		return host
	}
	return helper.JoinHostPort(host, port)
}
