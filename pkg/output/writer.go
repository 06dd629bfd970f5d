package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits watch results as JSONL envelopes. Implementations are safe for
// concurrent use and write each record as one complete line.
type Writer interface {
	WriteOutput(ctx context.Context, job Subject, rec *OutputRecord) error
	WriteEvent(ctx context.Context, job Subject, rec *EventRecord) error
	WriteFiles(ctx context.Context, job Subject, rec *FilesRecord) error
	WriteStatus(ctx context.Context, job Subject, rec *StatusRecord) error
	WriteError(ctx context.Context, job Subject, rec *ErrorRecord) error

	// WriteSummary emits the end-of-run record, which carries no job subject.
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	Close() error
}

// WriterOption configures a JSONLWriter.
type WriterOption func(*JSONLWriter)

// WithClock overrides the envelope timestamp source.
func WithClock(now func() time.Time) WriterOption {
	return func(jw *JSONLWriter) {
		if now != nil {
			jw.now = now
		}
	}
}

// JSONLWriter serializes envelopes onto an io.Writer, one per line.
// Lines from concurrent callers never interleave.
type JSONLWriter struct {
	mu     sync.Mutex
	w      io.Writer
	source string
	now    func() time.Time
	closed bool
}

// NewJSONLWriter returns a writer stamping every envelope with source,
// usually the watched service host.
func NewJSONLWriter(w io.Writer, source string, opts ...WriterOption) *JSONLWriter {
	jw := &JSONLWriter{w: w, source: source, now: time.Now}
	for _, opt := range opts {
		opt(jw)
	}
	return jw
}

func (jw *JSONLWriter) WriteOutput(ctx context.Context, job Subject, rec *OutputRecord) error {
	return jw.emit(ctx, TypeOutput, job, rec)
}

func (jw *JSONLWriter) WriteEvent(ctx context.Context, job Subject, rec *EventRecord) error {
	return jw.emit(ctx, TypeEvent, job, rec)
}

func (jw *JSONLWriter) WriteFiles(ctx context.Context, job Subject, rec *FilesRecord) error {
	return jw.emit(ctx, TypeFiles, job, rec)
}

func (jw *JSONLWriter) WriteStatus(ctx context.Context, job Subject, rec *StatusRecord) error {
	return jw.emit(ctx, TypeStatus, job, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, job Subject, rec *ErrorRecord) error {
	return jw.emit(ctx, TypeError, job, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.emit(ctx, TypeSummary, Subject{}, rec)
}

// Close stops further writes. The underlying io.Writer stays open; it belongs
// to the caller.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	jw.closed = true
	jw.mu.Unlock()
	return nil
}

func (jw *JSONLWriter) emit(ctx context.Context, kind string, job Subject, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()
	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:       kind,
		TS:         jw.now().UTC(),
		Source:     jw.source,
		WorkloadID: job.WorkloadID,
		JobID:      job.JobID,
		Data:       data,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}
	if err := writeFull(jw.w, append(line, '\n')); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeFull retries short writes; a partial line would corrupt the stream.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		switch {
		case err != nil:
			return err
		case n == 0:
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
