package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	pylon "github.com/pylonhq/pylon/internal"
)

const (
	recordChanSize   = 1000
	recordBatchSize  = 100
	recordFlushEvery = 5 * time.Second
	recordDrainTime  = 30 * time.Second
)

// LogSink is the persistence interface consumed by Recorder.
type LogSink interface {
	InsertRequestLogs(ctx context.Context, logs []pylon.RequestLog) error
}

// Recorder buffers request logs and batch-flushes them to the store.
// Logs are dropped if the channel is full (back-pressure on slow DB);
// request handling never blocks on accounting.
type Recorder struct {
	ch      chan pylon.RequestLog
	sink    LogSink
	dropped prometheus.Counter // may be nil
}

// NewRecorder creates a Recorder backed by sink. dropped counts logs
// lost to a full buffer; pass nil to skip counting.
func NewRecorder(sink LogSink, dropped prometheus.Counter) *Recorder {
	return &Recorder{
		ch:      make(chan pylon.RequestLog, recordChanSize),
		sink:    sink,
		dropped: dropped,
	}
}

// Name returns the worker identifier.
func (r *Recorder) Name() string { return "request_recorder" }

// Record enqueues a request log. It never blocks; drops on full channel.
func (r *Recorder) Record(l pylon.RequestLog) {
	select {
	case r.ch <- l:
	default:
		if r.dropped != nil {
			r.dropped.Inc()
		}
		slog.Warn("request log dropped, channel full")
	}
}

// Run processes logs until ctx is cancelled, then drains what remains.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(recordFlushEvery)
	defer ticker.Stop()

	buf := make([]pylon.RequestLog, 0, recordBatchSize)

	for {
		select {
		case l := <-r.ch:
			buf = append(buf, l)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				r.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			r.drain(buf)
			return nil
		}
	}
}

// drain empties the channel and flushes everything, bounded by its own
// timeout since the run context is already cancelled.
func (r *Recorder) drain(buf []pylon.RequestLog) {
	ctx, cancel := context.WithTimeout(context.Background(), recordDrainTime)
	defer cancel()

	for {
		select {
		case l := <-r.ch:
			buf = append(buf, l)
			if len(buf) >= recordBatchSize {
				r.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				r.flush(ctx, buf)
			}
			return
		}
	}
}

func (r *Recorder) flush(ctx context.Context, buf []pylon.RequestLog) {
	// Copy to avoid aliasing the caller's slice.
	batch := make([]pylon.RequestLog, len(buf))
	copy(batch, buf)

	// Assign IDs off the hot path; callers leave ID empty.
	for i := range batch {
		if batch[i].ID == "" {
			batch[i].ID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := r.sink.InsertRequestLogs(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "request log flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
