package mockpod

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/oxtoacart/bpool"
	"github.com/samber/lo"

	"github.com/mockpod/mockpod/log"
	"github.com/mockpod/mockpod/rules"
)

// MarkerHeader names the rule that produced an overlaid or synthesized
// response. Pass-through responses never carry it.
const MarkerHeader = "X-Mockpod-Rule"

// Hop-by-hop headers, stripped before forwarding a request upstream.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Headers recomputed or managed by the composer; the upstream copies are
// dropped before composition.
var strippedResponseHeaders = []string{
	"Transfer-Encoding",
	"Content-Encoding",
	"Content-Length",
	"Connection",
}

var bodyBufferPool = bpool.NewBufferPool(64)

// readFullBody drains and closes the response body, transparently decoding
// gzip/deflate/br when the origin compressed despite the stripped
// Accept-Encoding. The composer removes Content-Encoding from the final
// response, so the body it serves must be plaintext.
func readFullBody(resp *http.Response) ([]byte, error) {
	buf := bodyBufferPool.Get()
	defer bodyBufferPool.Put(buf)
	defer resp.Body.Close()

	if _, err := io.Copy(buf, resp.Body); err != nil {
		return nil, err
	}

	body := append([]byte(nil), buf.Bytes()...)
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	if encoding == "" || encoding == "identity" || len(body) == 0 {
		return body, nil
	}
	return decodeBody(body, encoding), nil
}

func decodeBody(body []byte, encoding string) []byte {
	var r io.Reader
	switch encoding {
	case "gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer gr.Close()
		r = gr
	case "deflate":
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer zr.Close()
		r = zr
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		log.Debugf("leaving unknown content encoding %q untouched", encoding)
		return body
	}

	decoded, err := io.ReadAll(r)
	if err != nil {
		return body
	}
	return decoded
}

// filteredHeaders clones the upstream headers minus the transport headers
// the composer manages itself.
func filteredHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		out = make(http.Header)
	}
	lo.ForEach(strippedResponseHeaders, func(name string, _ int) {
		out.Del(name)
	})
	return out
}

// composePassThrough rebuilds the upstream response: filtered headers, same
// status, same (decoded) body.
func composePassThrough(upstream *http.Response, body []byte) *http.Response {
	return finalize(upstream.StatusCode, filteredHeaders(upstream.Header), body)
}

// composeOverlay lays the mock over a live upstream response: the mock
// status always replaces, the mock body replaces when non-empty, and every
// mock header replaces-or-adds over the filtered upstream headers. Origin
// infrastructure headers (cookies, CORS, rate limits) survive.
func composeOverlay(upstream *http.Response, body []byte, rule rules.Rule) *http.Response {
	header := filteredHeaders(upstream.Header)
	for _, h := range rule.Response.Headers {
		header.Set(h.Name, h.Value)
	}
	header.Set(MarkerHeader, rule.Name)

	if rule.Response.Body != "" {
		body = []byte(rule.Response.Body)
	}
	return finalize(rule.Response.StatusCode, header, body)
}

// composeSynthesize builds the response entirely from the mock, without any
// upstream material. Used on the plaintext mock path and as the MITM
// offline fallback.
func composeSynthesize(rule rules.Rule) *http.Response {
	header := make(http.Header)
	for _, h := range rule.Response.Headers {
		header.Set(h.Name, h.Value)
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	header.Set(MarkerHeader, rule.Name)

	return finalize(rule.Response.StatusCode, header, []byte(rule.Response.Body))
}

// errorResponse is the canned reply for upstream failures.
func errorResponse(status int, message string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return finalize(status, header, []byte(message))
}

// finalize assembles a buffered HTTP/1.1 response with exactly one
// Content-Length, computed from the final body. Connection is set by the
// caller just before writing.
func finalize(status int, header http.Header, body []byte) *http.Response {
	header.Del("Content-Length")
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// markKeepAlive stamps the explicit connection disposition on a composed
// response before it is flushed to a MITM client.
func markKeepAlive(resp *http.Response, keepAlive bool) {
	if keepAlive {
		resp.Header.Set("Connection", "keep-alive")
	} else {
		resp.Header.Set("Connection", "close")
	}
	resp.Close = !keepAlive
}
