package pipeline

import (
	"bytes"
	"net/http"
)

// bufferedResponse captures the downstream handler's full response so
// Finalize can still discard the body when the rate limiter trips
// after the handler has run. Not safe for concurrent use; exactly one
// goroutine writes it, and it is abandoned unread on timeout.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if b.status == 0 {
		b.status = code
	}
}

func (b *bufferedResponse) Write(p []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(p)
}

func (b *bufferedResponse) statusOr(def int) int {
	if b.status == 0 {
		return def
	}
	return b.status
}

// flush copies the captured response onto the real writer.
func (b *bufferedResponse) flush(w http.ResponseWriter) {
	dst := w.Header()
	for k, vv := range b.header {
		dst[k] = vv
	}
	w.WriteHeader(b.statusOr(http.StatusOK))
	if b.body.Len() > 0 {
		_, _ = w.Write(b.body.Bytes())
	}
}
