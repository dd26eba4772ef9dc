package serializer

import (
	"bufio"
	"bytes"
	"io"
	"net/http"

	hopbyhop "github.com/always-cache/offline-cache/pkg/hop-by-hop"
)

// ResponseToBytes converts a response to its HTTP/1.1 representation.
// Hop-by-hop header fields are not part of the representation.
// The response body is consumed and replaced with an in-memory copy, so the
// same response can still be sent to the client after it has been stored.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	var body []byte
	if res.Body != nil {
		b, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.TransferEncoding = nil

	snapshot := &http.Response{
		Status:        res.Status,
		StatusCode:    res.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        hopbyhop.StorableHeader(res.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	buf := &bytes.Buffer{}
	if err := snapshot.Write(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a stored HTTP/1.1 representation back to a response.
// The given request, which may be nil, is set as the response's request.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
}
