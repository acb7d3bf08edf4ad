// Package traffic holds the capture model for proxied exchanges and the bus
// that fans completed entries out to observers.
package traffic

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Header is a single (name, value) pair. Name comparisons are
// case-insensitive; lists of headers preserve their order.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is an order-preserving header list.
type Headers []Header

// Get returns the first value for name, comparing case-insensitively.
func (hs Headers) Get(name string) string {
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value for name in list order.
func (hs Headers) Values(name string) []string {
	var out []string
	for _, h := range hs {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// FromHTTPHeader flattens a net/http header map into a Header list. The map
// has no wire order, so names are sorted for a stable result.
func FromHTTPHeader(h http.Header) Headers {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var out Headers
	for _, name := range names {
		for _, v := range h[name] {
			out = append(out, Header{Name: name, Value: v})
		}
	}
	return out
}

// Entry records one request-response exchange through the proxy. Producers
// fill it in while the exchange runs; once published with Complete set, no
// field may be mutated.
type Entry struct {
	ID    string    `json:"id"`
	Start time.Time `json:"start"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`
	Scheme string `json:"scheme"`

	RequestHeaders Headers `json:"requestHeaders"`
	RequestBody    []byte  `json:"requestBody,omitempty"`

	StatusCode      int     `json:"statusCode,omitempty"`
	ResponseHeaders Headers `json:"responseHeaders,omitempty"`
	ResponseBody    []byte  `json:"responseBody,omitempty"`

	Duration time.Duration `json:"duration,omitempty"`
	Complete bool          `json:"complete"`
}

// NewEntry starts a provisional entry for a request observed now.
func NewEntry(method, rawURL string) *Entry {
	return &Entry{
		ID:     uuid.NewString(),
		Start:  time.Now(),
		Method: method,
		URL:    rawURL,
	}
}
