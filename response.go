package plugcache

import "net/http"

// Response is the minimal representation of an HTTP response the cache
// reasons about: a status, a header map, and a whole body blob. Bodies are
// always held in memory; range requests and chunked-transfer semantics are
// out of scope.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone returns a deep copy, so callers can mutate the copy (e.g. setting
// Age) without disturbing a shared, stored original.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

func emptyResponse() *Response {
	return &Response{Header: make(http.Header)}
}
