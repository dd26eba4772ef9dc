package tee

import (
	"bytes"
	"fmt"
	"net/http"

	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"
)

// ResponseSaver is a wrapper around http.ResponseWriter that saves the response to a buffer.
// It optionally writes the response to the underlying http.ResponseWriter.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	body         *bytes.Buffer
	header       http.Header
	status       int
	wroteHeaders bool
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.header
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	t.wroteHeaders = true
	t.status = statusCode
	// status line, headers and separator in HTTP/1.1 format
	fmt.Fprintf(t.b, "HTTP/1.1 %d %s\r\n", statusCode, http.StatusText(statusCode))
	t.header.WriteSubset(t.b, map[string]bool{"Content-Length": true, "Transfer-Encoding": true})
	if t.rw != nil {
		copyHeader(t.rw.Header(), t.header)
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if t.rw != nil {
		t.rw.Write(b)
	}
	return t.body.Write(b)
}

// Implementation of http.Flusher. Nothing is streamed, so this is a no-op
// unless the underlying writer can flush.
func (t *ResponseSaver) Flush() {
	if f, ok := t.rw.(http.Flusher); ok {
		f.Flush()
	}
}

// Response returns the recorded response as a byte slice in HTTP/1.1 format.
func (t *ResponseSaver) Response() []byte {
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	out := bytes.NewBuffer(make([]byte, 0, t.b.Len()+t.body.Len()+32))
	out.Write(t.b.Bytes())
	fmt.Fprintf(out, "Content-Length: %d\r\n\r\n", t.body.Len())
	out.Write(t.body.Bytes())
	return out.Bytes()
}

// Result returns the recorded response as an *http.Response for the given request.
func (t *ResponseSaver) Result(req *http.Request) (*http.Response, error) {
	return serializer.BytesToResponse(t.Response(), req)
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// NewResponseSaver returns a new ResponseSaver.
// If rw is not nil, the response will be written (tee'd) to it in addition to saving to buffer.
func NewResponseSaver(w http.ResponseWriter) *ResponseSaver {
	return &ResponseSaver{
		rw:     w,
		b:      &bytes.Buffer{},
		body:   &bytes.Buffer{},
		header: http.Header{},
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
