package retry

import (
	"errors"
	"fmt"
	"net/http"
)

// HTTPError is a provider failure that carries its HTTP status and response
// headers. LLM adapters wrap transport errors in it so retry decisions can
// use the status and retry-after hints.
type HTTPError struct {
	StatusCode int
	Header     http.Header
	Message    string
	Err        error
}

func (e *HTTPError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) Unwrap() error { return e.Err }

// statusCoder is implemented by SDK errors that expose their HTTP status.
type statusCoder interface {
	StatusCode() int
}

func statusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

func headerOf(err error) http.Header {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Header
	}
	return nil
}
