package mockpod

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/valyala/bytebufferpool"

	"github.com/mockpod/mockpod/log"
)

// rawResponseWriter adapts a raw connection (a hijacked TLS conn inside a
// CONNECT tunnel) to the shared response-writing path.
type rawResponseWriter struct {
	dst io.Writer
}

func newRawResponseWriter(dst io.Writer) *rawResponseWriter {
	return &rawResponseWriter{dst: dst}
}

func (w *rawResponseWriter) Header() http.Header {
	panic("mockpod: rawResponseWriter does not implement Header()")
}

func (w *rawResponseWriter) Write(data []byte) (int, error) {
	return w.dst.Write(data)
}

func (w *rawResponseWriter) WriteHeader(int) {
	panic("mockpod: rawResponseWriter does not implement WriteHeader(int)")
}

// writeResponse flushes a fully composed response to the client. Raw writers
// get a hand-serialized HTTP/1.1 message; a real ResponseWriter gets headers
// copied and the body streamed.
func writeResponse(resp *http.Response, out http.ResponseWriter) error {
	if w, ok := out.(*rawResponseWriter); ok {
		return writeRawResponse(w.dst, resp)
	}

	for k := range out.Header() {
		out.Header().Del(k)
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			out.Header().Add(k, v)
		}
	}
	out.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	out.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(out, resp.Body); err != nil {
		log.Debugf("copying response body to client: %v", err)
		resp.Body.Close()
		return err
	}
	return resp.Body.Close()
}

// writeRawResponse serializes status line, headers and body by hand. The
// stdlib Response.Write drops a zero Content-Length, which would force a
// read-until-EOF response and break tunnel keep-alive; writing the head
// ourselves also guarantees the message carries exactly one Content-Length.
func writeRawResponse(w io.Writer, resp *http.Response) error {
	defer resp.Body.Close()

	resp.Header.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))

	text := resp.Status
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "HTTP/1.1 %d %s\r\n", resp.StatusCode, text)
	if err := resp.Header.Write(buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")

	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	_, err := io.Copy(w, resp.Body)
	return err
}
