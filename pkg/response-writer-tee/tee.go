package tee

import (
	"bytes"
	"net/http"
)

// ResponseSaver is a wrapper around http.ResponseWriter that holds the response back in a buffer,
// so that headers and status can still be changed after the handler has returned.
// Headers are shared with the underlying http.ResponseWriter.
//
// A handler that flushes, or writes more than the buffer limit, turns the saver into a
// pass-through: everything buffered so far is written out and the rest goes straight to the client.
type ResponseSaver struct {
	rw           http.ResponseWriter
	b            *bytes.Buffer
	status       int
	wroteHeaders bool
	maxBytes     int
	streaming    bool
}

// NewResponseSaver returns a new ResponseSaver.
// A maxBytes of zero or less means the buffer is unbounded.
func NewResponseSaver(w http.ResponseWriter, maxBytes int) *ResponseSaver {
	return &ResponseSaver{
		rw:       w,
		b:        &bytes.Buffer{},
		status:   http.StatusOK,
		maxBytes: maxBytes,
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Header() http.Header {
	return t.rw.Header()
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) WriteHeader(statusCode int) {
	if t.wroteHeaders {
		return
	}
	// remember that we wrote the headers
	t.wroteHeaders = true
	// set the status code so we can return it later
	t.status = statusCode
	if t.streaming {
		t.rw.WriteHeader(statusCode)
	}
}

// Implementation of http.ResponseWriter
func (t *ResponseSaver) Write(b []byte) (int, error) {
	// write headers if not already written
	if !t.wroteHeaders {
		t.WriteHeader(http.StatusOK)
	}
	if !t.streaming && t.maxBytes > 0 && t.b.Len()+len(b) > t.maxBytes {
		if err := t.stream(); err != nil {
			return 0, err
		}
	}
	if t.streaming {
		return t.rw.Write(b)
	}
	return t.b.Write(b)
}

// Flush implements http.Flusher. It switches the saver to pass-through.
func (t *ResponseSaver) Flush() {
	if err := t.stream(); err != nil {
		return
	}
	if flusher, ok := t.rw.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (t *ResponseSaver) Unwrap() http.ResponseWriter {
	return t.rw
}

// stream sends everything held back so far and stops buffering.
func (t *ResponseSaver) stream() error {
	if t.streaming {
		return nil
	}
	t.streaming = true
	t.wroteHeaders = true
	t.rw.WriteHeader(t.status)
	_, err := t.rw.Write(t.b.Bytes())
	t.b.Reset()
	return err
}

// Streaming reports whether the response has already gone out to the client.
func (t *ResponseSaver) Streaming() bool {
	return t.streaming
}

// Body returns the buffered response body.
func (t *ResponseSaver) Body() []byte {
	return t.b.Bytes()
}

// StatusCode returns the status code of the response.
func (t *ResponseSaver) StatusCode() int {
	return t.status
}

// Send writes the held back response with the given status.
// The body is only written when withBody is set.
func (t *ResponseSaver) Send(statusCode int, withBody bool) error {
	if t.streaming {
		return nil
	}
	t.streaming = true
	t.rw.WriteHeader(statusCode)
	if !withBody {
		return nil
	}
	_, err := t.rw.Write(t.b.Bytes())
	return err
}
