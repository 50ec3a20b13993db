// Package he carries HTTP status codes alongside errors so handlers can
// report something better than 500.
package he

import (
	"errors"
	"fmt"
	"log"
	"net/http"
)

type HTTPError struct {
	code int
	err  error
}

func HTTPCodedErrorf(code int, f string, more ...any) *HTTPError {
	return &HTTPError{
		code: code,
		err:  fmt.Errorf(f, more...),
	}
}

func New(code int, err error) *HTTPError {
	return &HTTPError{
		code: code,
		err:  err,
	}
}

func (e *HTTPError) Error() string {
	return e.err.Error()
}

func (e *HTTPError) Unwrap() error {
	return e.err
}

func (e *HTTPError) Code() int {
	return e.code
}

// StatusCode digs an HTTPError out of err, defaulting to 500.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.code
	}
	return http.StatusInternalServerError
}

// SendErrorToHTTPClient sends err as an HTTP error.  If it happens to wrap
// an HTTPError, the client gets that code; otherwise it's a 500 and it's on
// us.
func SendErrorToHTTPClient(w http.ResponseWriter, while string, err error) {
	code := StatusCode(err)
	txt := fmt.Sprintf("can't %s: %v", while, err)
	if code >= 500 {
		log.Println(txt)
	}
	http.Error(w, txt, code)
}
