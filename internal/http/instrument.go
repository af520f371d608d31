package httpx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/956zs/discord-embed-app-sub001/internal/domain"
	"github.com/956zs/discord-embed-app-sub001/internal/service/metrics"
)

// statusClientClosedRequest marks requests the client abandoned before a
// response was written.
const statusClientClosedRequest = 499

type requestOutcome int

const (
	outcomeCompleted requestOutcome = iota
	outcomeAborted
	outcomePanicked
)

// instrument wraps next so every request yields exactly one metrics entry
// and access log line, whether it completes, panics or the client goes away.
func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.wrap(route, true, next)
}

// instrumentStream is instrument for long-lived streams, which are exempt
// from slow-request alerts.
func (r *Router) instrumentStream(route string, next http.HandlerFunc) http.HandlerFunc {
	return r.wrap(route, false, next)
}

func (r *Router) wrap(route string, slowCheck bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w}
		var recorded atomic.Bool
		finish := func(outcome requestOutcome) {
			if !recorded.CompareAndSwap(false, true) {
				return
			}
			r.observe(req, route, recorder, time.Since(start), outcome, slowCheck)
		}
		stop := context.AfterFunc(req.Context(), func() { finish(outcomeAborted) })
		defer func() {
			stop()
			if p := recover(); p != nil {
				finish(outcomePanicked)
				panic(p)
			}
			finish(outcomeCompleted)
		}()
		next(recorder, req)
	}
}

// observe feeds the collector, prometheus, the access log and the
// slow-request alert. It must never fail the request it describes.
func (r *Router) observe(req *http.Request, route string, recorder *statusRecorder, elapsed time.Duration, outcome requestOutcome, slowCheck bool) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("request instrumentation failed", "route", route, "panic", p)
		}
	}()
	status, bytes, ctx := recorder.snapshot()
	if status == 0 && outcome == outcomeCompleted && req.Context().Err() != nil {
		outcome = outcomeAborted
	}
	if status == 0 {
		switch outcome {
		case outcomeAborted:
			status = statusClientClosedRequest
		case outcomePanicked:
			status = http.StatusInternalServerError
		default:
			status = http.StatusOK
		}
	}
	ms := float64(elapsed) / float64(time.Millisecond)

	r.metrics.IncrementCounter(metrics.CounterRequestsTotal)
	r.metrics.RecordTiming(metrics.TimingResponseTime, ms)
	if status >= http.StatusBadRequest {
		r.metrics.IncrementCounter(metrics.CounterErrorsTotal)
	}
	r.recordRequestMetrics(req.Method, route, status, elapsed)

	if ctx == nil {
		ctx = req.Context()
	}
	r.logRequest(ctx, req, status, bytes, elapsed, outcome)
	if slowCheck {
		r.checkSlowRequest(req, route, status, ms)
	}
}

func (r *Router) logRequest(ctx context.Context, req *http.Request, status, bytes int, elapsed time.Duration, outcome requestOutcome) {
	actor := "anonymous"
	fields := []any{
		"method", req.Method,
		"path", req.URL.Path,
		"status", status,
		"bytes", bytes,
		"duration_ms", elapsed.Milliseconds(),
	}
	if ip := clientIP(req); ip != "" {
		fields = append(fields, "ip", ip)
	}
	if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
		fields = append(fields, "request_id", reqID)
	}
	if info, ok := authInfoFromContext(ctx); ok {
		actor = info.Subject
		fields = append(fields, "auth", info.Method)
	} else if req.URL.Path == "/api/events" {
		actor = "ingest"
	}
	fields = append(fields, "actor", actor)
	switch outcome {
	case outcomeAborted:
		fields = append(fields, "aborted", true)
	case outcomePanicked:
		fields = append(fields, "panicked", true)
	}

	switch {
	case status >= http.StatusInternalServerError:
		r.logger.Error("http_request", fields...)
	case status >= http.StatusBadRequest:
		r.logger.Warn("http_request", fields...)
	default:
		r.logger.Info("http_request", fields...)
	}
}

// checkSlowRequest raises a slow_request alert keyed by method and path.
// The alert is triggered in the background so the response path never
// waits on persistence.
func (r *Router) checkSlowRequest(req *http.Request, route string, status int, ms float64) {
	cfg := r.alerts.SlowRequestConfig()
	level, ok := cfg.Classify(ms)
	if !ok {
		return
	}
	r.recordSlowRequest(route, string(level))
	threshold := cfg.WarnThresholdMS
	if level == domain.SeverityError {
		threshold = cfg.ErrorThresholdMS
	}
	key := req.Method + ":" + req.URL.Path
	message := fmt.Sprintf("slow request %s took %.0fms (threshold %dms)", key, ms, threshold)
	details := map[string]any{
		"category":     domain.AlertCategorySlowRequest,
		"method":       req.Method,
		"path":         req.URL.Path,
		"route":        route,
		"status":       status,
		"latency_ms":   ms,
		"threshold_ms": threshold,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.slowAlertTimeout)
		defer cancel()
		if _, err := r.alerts.TriggerAlert(ctx, level, message, details, key); err != nil {
			r.logger.Warn("slow request alert failed", "key", key, "error", err)
		}
	}()
}

// statusRecorder captures the response status. Reads happen from the
// cancellation callback as well as the handler goroutine, hence the lock.
type statusRecorder struct {
	http.ResponseWriter
	mu     sync.Mutex
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.mu.Lock()
	if sr.status == 0 {
		sr.status = code
	}
	sr.mu.Unlock()
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.mu.Lock()
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	sr.mu.Unlock()
	n, err := sr.ResponseWriter.Write(b)
	sr.mu.Lock()
	sr.bytes += n
	sr.mu.Unlock()
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.mu.Lock()
	sr.ctx = ctx
	sr.mu.Unlock()
}

func (sr *statusRecorder) snapshot() (int, int, context.Context) {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	return sr.status, sr.bytes, sr.ctx
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.mu.Lock()
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		sr.mu.Unlock()
	}
	return conn, rw, err
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}
