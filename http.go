package mockpod

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/samber/lo"

	"github.com/mockpod/mockpod/log"
	"github.com/mockpod/mockpod/traffic"
)

// handleHTTP is the plaintext proxy path: absolute-form requests are either
// synthesized from a matching rule without touching upstream, or forwarded
// and passed through. Non-proxy requests fall to the certificate route or
// the non-proxy handler.
func (p *ProxyCore) handleHTTP(w http.ResponseWriter, r *http.Request) {
	sess := p.sess.Inc()

	if isCertRequest(r) {
		p.serveCertDownload(w, r)
		return
	}

	if !r.URL.IsAbs() {
		p.opts.NonProxyHandler.ServeHTTP(w, r)
		return
	}

	p.metrics.requests.WithLabelValues("http").Inc()
	log.Debugf("[%03d] proxying %s %s", sess&0xFF, r.Method, r.URL)

	entry := p.entryForRequest(r, r.URL.Scheme)

	reqBody, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		// ClientProtocolError: tear down without publishing.
		log.Debugf("[%03d] reading client request body: %v", sess&0xFF, err)
		return
	}
	entry.RequestBody = reqBody

	// The plaintext path synthesizes from a matching rule instead of
	// overlaying a live response; plaintext proxying is routinely used for
	// fully offline mocking, unlike the MITM path.
	if rule, ok := p.engine.Match(r.Method, r.URL.String()); ok {
		resp := composeSynthesize(rule)
		p.metrics.mocked.WithLabelValues("synthesize").Inc()

		if d := rule.Response.Delay(); d > 0 {
			time.Sleep(d)
		}
		if err := writeResponse(resp, w); err != nil {
			log.Debugf("[%03d] writing synthesized response: %v", sess&0xFF, err)
			return
		}
		p.finishEntry(entry, rule.Response.StatusCode, resp.Header, []byte(rule.Response.Body))
		return
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Body = io.NopCloser(bytes.NewReader(reqBody))
	outReq.ContentLength = int64(len(reqBody))
	lo.ForEach(hopHeaders, func(name string, _ int) {
		outReq.Header.Del(name)
	})
	// Responses arrive uncompressed so bodies stay directly inspectable.
	outReq.Header.Del("Accept-Encoding")

	upstream, err := p.opts.Transport.RoundTrip(outReq)
	if err != nil {
		log.Debugf("[%03d] upstream round trip: %v", sess&0xFF, err)
		p.metrics.upstreamErrors.Inc()
		p.replyError(w, entry, "upstream unreachable")
		return
	}

	body, err := readFullBody(upstream)
	if err != nil {
		log.Debugf("[%03d] reading upstream body: %v", sess&0xFF, err)
		p.metrics.upstreamErrors.Inc()
		p.replyError(w, entry, "upstream response truncated")
		return
	}

	resp := composePassThrough(upstream, body)
	if err := writeResponse(resp, w); err != nil {
		log.Debugf("[%03d] writing response: %v", sess&0xFF, err)
		return
	}
	p.finishEntry(entry, resp.StatusCode, resp.Header, body)
}

func (p *ProxyCore) serveCertDownload(w http.ResponseWriter, r *http.Request) {
	entry := p.entryForRequest(r, "http")
	resp := p.certResponse()
	if err := writeResponse(resp, w); err != nil {
		log.Debugf("writing certificate download: %v", err)
		return
	}
	p.finishEntry(entry, http.StatusOK, resp.Header, p.ca.RootDER())
}

func (p *ProxyCore) replyError(w http.ResponseWriter, entry *traffic.Entry, message string) {
	resp := errorResponse(http.StatusBadGateway, message)
	if err := writeResponse(resp, w); err != nil {
		log.Debugf("writing error response: %v", err)
		return
	}
	p.finishEntry(entry, http.StatusBadGateway, resp.Header, nil)
}

// entryForRequest starts a provisional capture for r.
func (p *ProxyCore) entryForRequest(r *http.Request, scheme string) *traffic.Entry {
	entry := traffic.NewEntry(r.Method, r.URL.String())
	entry.Scheme = scheme
	entry.Host = r.URL.Hostname()
	if entry.Host == "" {
		entry.Host = r.Host
	}
	entry.Path = r.URL.Path
	entry.RequestHeaders = traffic.FromHTTPHeader(r.Header)
	return entry
}

// finishEntry seals the capture and publishes it. Publication happens after
// the client has received the last response byte; a published entry is
// immutable from here on.
func (p *ProxyCore) finishEntry(entry *traffic.Entry, status int, header http.Header, body []byte) {
	entry.StatusCode = status
	entry.ResponseHeaders = traffic.FromHTTPHeader(header)
	entry.ResponseBody = body
	entry.Duration = time.Since(entry.Start)
	entry.Complete = true

	p.metrics.duration.Observe(entry.Duration.Seconds())
	p.bus.Publish(entry)
}
