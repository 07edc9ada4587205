// Package server implements the HTTP transport layer for the Pylon
// gateway: the proxy port with its admission pipeline and SSE streamer,
// and the admin port with credential management and statistics.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/queue"
	"github.com/pylonhq/pylon/internal/ratelimit"
	"github.com/pylonhq/pylon/internal/telemetry"
	"github.com/pylonhq/pylon/internal/upstream"
)

// defaultFrequencyWait bounds how long an SSE stream stalls waiting for
// a per-minute frequency slot before failing the stream.
const defaultFrequencyWait = 60 * time.Second

// UsageRecorder records request logs asynchronously.
type UsageRecorder interface {
	Record(pylon.RequestLog)
}

// Deps holds all dependencies for the proxy server.
type Deps struct {
	Auth          pylon.Validator
	Limiter       *ratelimit.Limiter
	Queue         *queue.Queue       // nil = reject instead of queueing
	Upstream      *upstream.Client
	Recorder      UsageRecorder      // nil = no usage recording
	Metrics       *telemetry.Metrics // nil = no metrics
	IdleTimeout   time.Duration      // max gap between upstream SSE chunks
	FrequencyWait time.Duration      // 0 = defaultFrequencyWait
}

// NewProxy creates the proxy-port handler: a catch-all route through the
// admission pipeline. Every path and method is forwarded; the upstream
// decides what exists.
func NewProxy(deps Deps) http.Handler {
	if deps.FrequencyWait == 0 {
		deps.FrequencyWait = defaultFrequencyWait
	}
	d := &Dispatcher{deps: deps, tracer: telemetry.Tracer("pylon/server")}

	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(requestID)
	r.Use(logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Handle("/*", http.HandlerFunc(d.handleProxy))

	return r
}

// Dispatcher runs the request admission pipeline: authenticate,
// classify, check limits, queue if saturated, then forward buffered or
// streaming. Every route is a method on it; all collaborators are
// explicit handles.
type Dispatcher struct {
	deps   Deps
	tracer trace.Tracer
}
