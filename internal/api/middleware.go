package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/agriscan/node/internal/monitoring"
)

type errCaptureKey struct{}

// errCapture is stashed on the request context by loggingMiddleware so a
// handler several calls deep can report the fault kind behind a 500
// without reaching back into Server's error-tracking state directly.
type errCapture struct {
	err error
}

// captureError records err (typically an *agriscanerr.Error) against the
// in-flight request, for loggingMiddleware to fold into the server's
// rolling error window once the handler returns.
func captureError(r *http.Request, err error) {
	if ec, ok := r.Context().Value(errCaptureKey{}).(*errCapture); ok {
		ec.err = err
	}
}

// ANSI escape codes for the request log line. They are always emitted;
// monitoring.Logf passes them through unchanged.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// loggingMiddleware logs method, path, status, and duration for every
// request through monitoring.Logf, and folds any 5xx response into the
// server's rolling errors_24h count.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		ec := &errCapture{}
		r = r.WithContext(context.WithValue(r.Context(), errCaptureKey{}, ec))
		next.ServeHTTP(lrw, r)
		s.recordError(lrw.statusCode, s.clock.Now(), ec.err)

		portPrefix := ""
		if host := r.Host; host != "" {
			if _, p, err := net.SplitHostPort(host); err == nil {
				portPrefix = ":" + p
			}
		}
		requestTarget := fmt.Sprintf("%s%s", portPrefix, r.RequestURI)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, requestTarget, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}
