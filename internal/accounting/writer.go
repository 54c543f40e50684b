package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaycore/ai-gateway/internal/metrics"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultBufferSize    = 10_000
	writeTimeout         = 10 * time.Second
)

// Writer batches rows and flushes them to its sink on size or interval.
// Enqueue never blocks the request path: when the buffer is full the row is
// dropped and counted.
type Writer struct {
	sink    Sink
	buf     chan Row
	batch   int
	flushIv time.Duration
	metrics *metrics.Registry
	log     *slog.Logger
}

// WriterOptions configures a Writer. Zero sizes fall back to defaults;
// Metrics may be nil.
type WriterOptions struct {
	Sink          Sink
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	Metrics       *metrics.Registry
	Log           *slog.Logger
}

func NewWriter(opts WriterOptions) *Writer {
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	flushIv := opts.FlushInterval
	if flushIv <= 0 {
		flushIv = defaultFlushInterval
	}
	bufSize := opts.BufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Writer{
		sink:    opts.Sink,
		buf:     make(chan Row, bufSize),
		batch:   batch,
		flushIv: flushIv,
		metrics: opts.Metrics,
		log:     log,
	}
}

// Enqueue hands a row to the flush loop. A full buffer drops the row.
func (w *Writer) Enqueue(row Row) {
	select {
	case w.buf <- row:
	default:
		if w.metrics != nil {
			w.metrics.RecordAccountingRow(w.sink.Name(), "dropped")
		}
		w.log.Warn("accounting buffer full, row dropped",
			slog.String("request_id", row.RequestID))
	}
}

// Run flushes until ctx is canceled, then drains the buffer and writes the
// final batch before returning.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushIv)
	defer ticker.Stop()

	pending := make([]Row, 0, w.batch)

	for {
		select {
		case row := <-w.buf:
			pending = append(pending, row)
			if len(pending) >= w.batch {
				w.flush(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				w.flush(pending)
				pending = pending[:0]
			}
		case <-ctx.Done():
			// Drain whatever arrived before shutdown.
			for {
				select {
				case row := <-w.buf:
					pending = append(pending, row)
					if len(pending) >= w.batch {
						w.flush(pending)
						pending = pending[:0]
					}
					continue
				default:
				}
				break
			}
			if len(pending) > 0 {
				w.flush(pending)
			}
			return w.sink.Close()
		}
	}
}

// flush writes one batch with its own deadline. The request path has moved
// on, so flush failures are counted and logged rather than propagated; rows
// are keyed by request id and a lost batch loses only its log entries.
func (w *Writer) flush(rows []Row) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := w.sink.Write(ctx, rows)

	result := "ok"
	if err != nil {
		result = "error"
		w.log.Error("accounting flush failed",
			slog.String("sink", w.sink.Name()),
			slog.Int("rows", len(rows)),
			slog.String("error", err.Error()))
	}
	if w.metrics != nil {
		for range rows {
			w.metrics.RecordAccountingRow(w.sink.Name(), result)
		}
	}
}
