// Package recorder implements an http.ResponseWriter that buffers a
// handler's response instead of writing it through, so a middleware can
// inspect and rewrite it before anything reaches the wire. Grounded on the
// teacher's response-writer-tee.ResponseSaver, minus the tee: the cache
// pipeline always needs a chance to mutate the response before the client
// sees it, so there is nothing to write through concurrently.
package recorder

import "net/http"

// Recorder buffers a response written by a downstream http.Handler.
type Recorder struct {
	header       http.Header
	status       int
	body         []byte
	wroteHeaders bool
}

// New returns a ready-to-use Recorder.
func New() *Recorder {
	return &Recorder{header: make(http.Header)}
}

func (rec *Recorder) Header() http.Header {
	return rec.header
}

func (rec *Recorder) WriteHeader(statusCode int) {
	if rec.wroteHeaders {
		return
	}
	rec.wroteHeaders = true
	rec.status = statusCode
}

func (rec *Recorder) Write(b []byte) (int, error) {
	if !rec.wroteHeaders {
		rec.WriteHeader(http.StatusOK)
	}
	rec.body = append(rec.body, b...)
	return len(b), nil
}

// Status returns the recorded status code, defaulting to 200 if the handler
// never called WriteHeader (matching net/http's own convention).
func (rec *Recorder) Status() int {
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

// Result returns the recorded status, header, and body.
func (rec *Recorder) Result() (status int, header http.Header, body []byte) {
	return rec.Status(), rec.header, rec.body
}
