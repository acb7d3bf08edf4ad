package mockpod

import (
	"net/http"

	"github.com/mockpod/mockpod/internal/helper"
)

// The reserved pseudo-host and path that serve the root CA download, so a
// client can bootstrap trust by pointing its browser at the proxy itself.
const (
	certHost = "mockpod.local"
	certPath = "/mockpod/cert"
)

// isCertRequest reports whether a request addresses the certificate
// download route, by pseudo-host or by path.
func isCertRequest(r *http.Request) bool {
	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	bare, _ := helper.SplitHostPort(host)
	if bare == certHost {
		return true
	}
	return r.URL != nil && r.URL.Path == certPath
}

// certResponse builds the root CA download: DER bytes, attachment headers,
// and an explicit close so installers see a clean end of stream.
func (p *ProxyCore) certResponse() *http.Response {
	der := p.ca.RootDER()

	header := make(http.Header)
	header.Set("Content-Type", "application/x-x509-ca-cert")
	header.Set("Content-Disposition", `attachment; filename="MockpodCA.der"`)

	resp := finalize(http.StatusOK, header, der)
	markKeepAlive(resp, false)
	return resp
}
