package middleware

import (
	"log"
	"net/http"
	"time"
)

type Clock interface {
	Now() time.Time
}

// RequestLogger is a middleware that logs the request.
type RequestLogger struct {
	next  http.Handler
	clock Clock
}

func NewRequestLogger(next http.Handler, clock Clock) *RequestLogger {
	return &RequestLogger{next: next, clock: clock}
}

func remoteAddr(r *http.Request) string {
	if r.Header.Get("X-Forwarded-For") != "" {
		return r.Header.Get("X-Forwarded-For")
	}
	return r.RemoteAddr
}

func (rl *RequestLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := rl.clock.Now()
	ww := &codeWatcher{w: w}
	rl.next.ServeHTTP(ww, r)
	duration := rl.clock.Now().Sub(start)
	log.Printf("[access log] %d %v %s %v %db (%v)", ww.Code(), remoteAddr(r), r.Method, r.URL.Path, ww.Written(), duration)
}
