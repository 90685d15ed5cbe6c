package service

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/rowguard/rowguard/internal/audit"
)

// DefaultAuditChannelCapacity is the bounded channel size mandated for the
// audit worker (§4.9).
const DefaultAuditChannelCapacity = 32

// AuditWorker receives audit records on a bounded channel and dispatches
// them to a configured sink from a single dedicated goroutine. Submit never
// blocks a handler's hot path: a full channel drops the record, counted but
// otherwise silent (§4.9, §5 — "drop-newest" back-pressure).
type AuditWorker struct {
	records chan audit.Record
	sink    audit.Sink
	logger  *slog.Logger
	dropped atomic.Uint64
}

// NewAuditWorker builds a worker dispatching to sink. channelSize <= 0 falls
// back to DefaultAuditChannelCapacity.
func NewAuditWorker(sink audit.Sink, channelSize int, logger *slog.Logger) *AuditWorker {
	if channelSize <= 0 {
		channelSize = DefaultAuditChannelCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditWorker{
		records: make(chan audit.Record, channelSize),
		sink:    sink,
		logger:  logger,
	}
}

// Submit enqueues rec for dispatch, dropping it (and counting the drop) if
// the channel is already full.
func (w *AuditWorker) Submit(rec audit.Record) {
	select {
	case w.records <- rec:
	default:
		w.dropped.Add(1)
		w.logger.Warn("audit record dropped, channel full", "session_id", rec.SessionID)
	}
}

// Dropped reports how many records have been dropped since the worker
// started, surfaced on the rowguard_audit_drops_total metric (§10.4).
func (w *AuditWorker) Dropped() uint64 { return w.dropped.Load() }

// Run dispatches records to the sink until ctx is cancelled. It is a
// process-wide, single task (§5) — it outlives every individual handler and
// does not drain on cancellation, matching the spec's explicit choice not
// to guarantee delivery of records already in flight at shutdown.
func (w *AuditWorker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-w.records:
			if err := w.sink.Write(ctx, rec); err != nil {
				w.logger.Error("audit sink write failed", "error", err)
			}
		}
	}
}
