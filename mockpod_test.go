package mockpod

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uberatomic "go.uber.org/atomic"

	"github.com/mockpod/mockpod/rules"
	"github.com/mockpod/mockpod/traffic"
)

// testProxy is a one-shot proxy plus the plumbing the scenarios need.
type testProxy struct {
	core    *ProxyCore
	client  *http.Client
	entries chan *traffic.Entry
}

func newTestProxy(t *testing.T, upstreamTLS *tls.Config) *testProxy {
	t.Helper()

	entries := make(chan *traffic.Entry, 32)

	opts := DefaultOptions()
	opts.Addr = "127.0.0.1:0"
	opts.CertDir = t.TempDir()
	opts.IdleTimeout = 5 * time.Second
	opts.DialTimeout = 3 * time.Second
	opts.UpstreamTLS = upstreamTLS
	opts.OnTrafficCaptured = func(e *traffic.Entry) { entries <- e }

	core, err := New(opts)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", opts.Addr)
	require.NoError(t, err)
	go func() { _ = core.Serve(ln) }()

	readyCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, core.WaitUntilReady(readyCtx))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = core.Shutdown(ctx)
	})

	proxyURL, err := url.Parse("http://" + core.Addr())
	require.NoError(t, err)

	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			TLSClientConfig:   &tls.Config{RootCAs: core.CA().Pool()},
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}

	return &testProxy{core: core, client: client, entries: entries}
}

func (tp *testProxy) nextEntry(t *testing.T) *traffic.Entry {
	t.Helper()
	select {
	case e := <-tp.entries:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for a traffic entry")
		return nil
	}
}

func TestPassThroughPlaintext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"x":1}`))
	}))
	t.Cleanup(upstream.Close)

	tp := newTestProxy(t, nil)

	resp, err := tp.client.Get(upstream.URL + "/a")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"x":1}`, string(body))
	assert.Empty(t, resp.Header.Get(MarkerHeader))

	entry := tp.nextEntry(t)
	assert.True(t, entry.Complete)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Equal(t, `{"x":1}`, string(entry.ResponseBody))
}

func TestSynthesizePlaintextSkipsUpstream(t *testing.T) {
	var contacted uberatomic.Bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		contacted.Store(true)
	}))
	t.Cleanup(upstream.Close)

	tp := newTestProxy(t, nil)
	tp.core.ReplaceRules([]rules.Rule{{
		ID:      "r1",
		Name:    "teapot",
		Enabled: true,
		Matcher: rules.Matcher{
			URLPattern: upstream.URL + "/a",
			Method:     "GET",
			Type:       rules.MatchExact,
		},
		Response: rules.MockResponse{StatusCode: 418, Body: "hello"},
	}})

	resp, err := tp.client.Get(upstream.URL + "/a")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, 418, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "teapot", resp.Header.Get(MarkerHeader))
	assert.False(t, contacted.Load(), "upstream must not be contacted for a synthesized response")

	entry := tp.nextEntry(t)
	assert.Equal(t, 418, entry.StatusCode)
}

func TestPlaintextUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := upstream.URL
	upstream.Close()

	tp := newTestProxy(t, nil)

	resp, err := tp.client.Get(target + "/a")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	entry := tp.nextEntry(t)
	assert.Equal(t, http.StatusBadGateway, entry.StatusCode)
}

func TestCertificateDownload(t *testing.T) {
	tp := newTestProxy(t, nil)

	resp, err := http.Get("http://" + tp.core.Addr() + "/mockpod/cert")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-x509-ca-cert", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="MockpodCA.der"`, resp.Header.Get("Content-Disposition"))

	parsed, err := x509.ParseCertificate(body)
	require.NoError(t, err)
	assert.True(t, parsed.IsCA)
	assert.Equal(t, tp.core.CA().RootCA().SubjectKeyId, parsed.SubjectKeyId)

	entry := tp.nextEntry(t)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
}

func TestNonProxyRequestRefused(t *testing.T) {
	tp := newTestProxy(t, nil)

	resp, err := http.Get("http://" + tp.core.Addr() + "/anything")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPlaintextDelay(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(upstream.Close)

	tp := newTestProxy(t, nil)
	tp.core.ReplaceRules([]rules.Rule{{
		ID:      "r1",
		Name:    "slow",
		Enabled: true,
		Matcher: rules.Matcher{URLPattern: "/a", Type: rules.MatchContains},
		Response: rules.MockResponse{
			StatusCode:   200,
			Body:         "slow",
			DelaySeconds: 0.25,
		},
	}})

	start := time.Now()
	resp, err := tp.client.Get(upstream.URL + "/a")
	require.NoError(t, err)
	resp.Body.Close()

	assert.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	tp.nextEntry(t)
}

func TestRecordingHook(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	tp := newTestProxy(t, nil)

	resp, err := tp.client.Get(upstream.URL + "/before")
	require.NoError(t, err)
	resp.Body.Close()
	tp.nextEntry(t)

	tp.core.SetRecording(true)
	resp, err = tp.client.Get(upstream.URL + "/during")
	require.NoError(t, err)
	resp.Body.Close()
	tp.nextEntry(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tp.core.Recorder().Entries()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	recorded := tp.core.Recorder().Entries()
	require.Len(t, recorded, 1)
	assert.Contains(t, recorded[0].URL, "/during")
}

func TestRingKeepsRecentEntries(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	tp := newTestProxy(t, nil)

	for i := 0; i < 3; i++ {
		resp, err := tp.client.Get(upstream.URL + "/r")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		tp.nextEntry(t)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tp.core.Ring().Snapshot()) == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Len(t, tp.core.Ring().Snapshot(), 3)
}

func TestRequestBodyForwarded(t *testing.T) {
	var got []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		_, _ = w.Write([]byte("ok"))
	}))
	t.Cleanup(upstream.Close)

	tp := newTestProxy(t, nil)

	resp, err := tp.client.Post(upstream.URL+"/post", "text/plain", bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "payload", string(got))

	entry := tp.nextEntry(t)
	assert.Equal(t, []byte("payload"), entry.RequestBody)
}
