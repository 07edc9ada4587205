package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	pylon "github.com/pylonhq/pylon/internal"
	"github.com/pylonhq/pylon/internal/upstream"
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseContentType  = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// sseDataToken is the literal counted per upstream chunk. A chunk
// boundary inside the word over-counts; over-counts only reduce
// throughput, never increase it.
var sseDataToken = []byte("data:")

// writeSSEHeaders sets the response headers for an SSE stream.
func writeSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h["Content-Type"] = sseContentType
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	w.WriteHeader(http.StatusOK)
}

// sseErrorPayload is the data field of a pylon_error event.
type sseErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeSSEError emits the synthetic pylon_error event used for every
// mid-stream failure. The HTTP status is already 200 by then; clients
// read the event instead.
func writeSSEError(w io.Writer, code, msg string) {
	data, err := json.Marshal(sseErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: pylon_error\ndata: %s\n\n", data)
}

// streamSSE runs the SSE relay for one admitted request. It returns the
// status and admitted-event count for the usage log; the caller owns
// slot release and log posting.
//
// The state machine: OPENING until the upstream responds (error -> 502
// before any stream bytes; status >= 400 -> pylon_error downstream_error);
// then RELAYING chunk by chunk, counting data: events and admitting each
// through the frequency ceilings, until EOF, an idle gap past
// IdleTimeout, a frequency wait timeout, an upstream read error, or
// client disconnect.
func (d *Dispatcher) streamSSE(w http.ResponseWriter, r *http.Request, cred *pylon.Credential, apiID string, body []byte) (int, int) {
	ctx, span := d.tracer.Start(r.Context(), "upstream.stream")
	defer span.End()

	status, headers, ch, err := d.deps.Upstream.DoStream(ctx, r, body)
	if err != nil {
		span.RecordError(err)
		return d.writeUpstreamError(w, r, err), 0
	}

	if m := d.deps.Metrics; m != nil {
		m.SSEActive.Inc()
		defer m.SSEActive.Dec()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "streaming unsupported")
		return http.StatusServiceUnavailable, 0
	}

	if status >= http.StatusBadRequest {
		writeSSEHeaders(w)
		writeSSEError(w, "downstream_error", fmt.Sprintf("upstream returned status %d", status))
		flusher.Flush()
		return status, 0
	}

	upstream.CopyResponseHeaders(w.Header(), headers)
	writeSSEHeaders(w)
	flusher.Flush()

	idle := time.NewTimer(d.deps.IdleTimeout)
	defer idle.Stop()

	events := 0
	for {
		select {
		case chunk, open := <-ch:
			if !open {
				return http.StatusOK, events
			}
			if chunk.Err != nil {
				if m := d.deps.Metrics; m != nil {
					m.UpstreamErrors.WithLabelValues("stream").Inc()
				}
				writeSSEError(w, "stream_error", "upstream stream failed")
				flusher.Flush()
				return http.StatusOK, events
			}

			for n := bytes.Count(chunk.Data, sseDataToken); n > 0; n-- {
				if !d.admitEvent(ctx, cred.ID, apiID) {
					writeSSEError(w, "rate_limit_timeout", "request rate limit exceeded during stream")
					flusher.Flush()
					return http.StatusOK, events
				}
				events++
				if m := d.deps.Metrics; m != nil {
					m.SSEEvents.Inc()
				}
			}

			if len(chunk.Data) > 0 {
				if _, err := w.Write(chunk.Data); err != nil {
					return http.StatusOK, events
				}
				flusher.Flush()
			}
			resetIdle(idle, d.deps.IdleTimeout)

		case <-idle.C:
			writeSSEError(w, "idle_timeout", "upstream idle timeout exceeded")
			flusher.Flush()
			return http.StatusOK, events

		case <-ctx.Done():
			return http.StatusOK, events
		}
	}
}

// admitEvent pushes one SSE data event through the frequency ceilings.
// When the minute window is full it waits up to FrequencyWait for the
// window to roll over, then retries; false means the stream must fail
// with rate_limit_timeout. The increment is all-or-nothing, so a waiter
// that loses the post-wait race simply waits again within its budget.
func (d *Dispatcher) admitEvent(ctx context.Context, userID, apiID string) bool {
	for {
		if d.deps.Limiter.IncrementAndCheckFrequency(ctx, userID, apiID).Allowed() {
			return true
		}
		if _, ok := d.deps.Limiter.WaitForFrequencySlot(ctx, userID, apiID, d.deps.FrequencyWait); !ok {
			return false
		}
	}
}

// resetIdle restarts the idle timer after a chunk, draining a
// concurrent fire so Reset starts from a clean timer.
func resetIdle(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
