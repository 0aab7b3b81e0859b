package trace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const maxIOLen = 500

// writer is the subset of Store the tracer needs.
type writer interface {
	CreateRun(Run) error
	UpdateRun(Run) error
	CreateSpan(Span) error
}

type traceMsg struct {
	kind string // "run_create", "run_update", "span"
	run  Run
	span Span
}

// Tracer writes trace data asynchronously via a buffered channel.
// All methods are nil-safe (no-op on nil receiver) and become no-ops once
// the tracer is closed, so late job results never block or panic.
type Tracer struct {
	w         writer
	sessionID string
	ch        chan traceMsg
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewTracer creates a tracer bound to a session. Returns nil when store is
// nil. Must call Close when done.
func NewTracer(store *Store, sessionID string) *Tracer {
	if store == nil {
		return nil
	}
	return newTracer(store, sessionID)
}

func newTracer(w writer, sessionID string) *Tracer {
	t := &Tracer{
		w:         w,
		sessionID: sessionID,
		ch:        make(chan traceMsg, 64),
		done:      make(chan struct{}),
	}
	go t.drain()
	return t
}

func (t *Tracer) drain() {
	defer close(t.done)
	for msg := range t.ch {
		t.handle(msg)
	}
}

func (t *Tracer) handle(m traceMsg) {
	handlers := map[string]func() error{
		"run_create": func() error { return t.w.CreateRun(m.run) },
		"run_update": func() error { return t.w.UpdateRun(m.run) },
		"span":       func() error { return t.w.CreateSpan(m.span) },
	}
	fn, ok := handlers[m.kind]
	if !ok {
		return
	}
	if err := fn(); err != nil {
		slog.Warn("trace write failed", "kind", m.kind, "error", err)
	}
}

func (t *Tracer) send(m traceMsg) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	t.ch <- m
}

// SessionID returns the session this tracer writes to.
func (t *Tracer) SessionID() string {
	if t == nil {
		return ""
	}
	return t.sessionID
}

// StartRun begins a new run for the named recording and returns its ID.
func (t *Tracer) StartRun(filename string) string {
	if t == nil {
		return ""
	}
	id := uuid.NewString()
	t.send(traceMsg{kind: "run_create", run: Run{
		ID:        id,
		SessionID: t.sessionID,
		StartedAt: time.Now(),
		Filename:  truncate(filename, maxIOLen),
	}})
	return id
}

// EndRun finalizes a run.
func (t *Tracer) EndRun(runID string, durationMs float64, jobID string, labels int, status, message string) {
	if t == nil || runID == "" {
		return
	}
	t.send(traceMsg{kind: "run_update", run: Run{
		ID:         runID,
		DurationMs: durationMs,
		JobID:      jobID,
		Labels:     labels,
		Status:     status,
		Message:    truncate(message, maxIOLen),
	}})
}

// RecordSpan records a completed span.
func (t *Tracer) RecordSpan(runID, name string, startedAt time.Time, durationMs float64, input, output, status, errMsg string) {
	if t == nil || runID == "" {
		return
	}
	t.send(traceMsg{
		kind: "span",
		span: Span{
			ID:         uuid.NewString(),
			RunID:      runID,
			Name:       name,
			StartedAt:  startedAt,
			DurationMs: durationMs,
			Input:      truncate(input, maxIOLen),
			Output:     truncate(output, maxIOLen),
			Status:     status,
			Error:      truncate(errMsg, maxIOLen),
		},
	})
}

// Close drains pending writes and shuts down the background goroutine.
func (t *Tracer) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	close(t.ch)
	t.mu.Unlock()
	<-t.done
}

type runKey struct{}

type runRef struct {
	t     *Tracer
	runID string
}

// WithRun attaches a tracer run to ctx so downstream stages can record
// spans without knowing about the tracer.
func WithRun(ctx context.Context, t *Tracer, runID string) context.Context {
	if t == nil || runID == "" {
		return ctx
	}
	return context.WithValue(ctx, runKey{}, runRef{t: t, runID: runID})
}

// Record records a span on the run attached to ctx, if any.
func Record(ctx context.Context, name string, startedAt time.Time, input, output string, err error) {
	ref, ok := ctx.Value(runKey{}).(runRef)
	if !ok {
		return
	}
	status, errMsg := StatusOK, ""
	if err != nil {
		status, errMsg = StatusError, err.Error()
	}
	ms := float64(time.Since(startedAt).Microseconds()) / 1000
	ref.t.RecordSpan(ref.runID, name, startedAt, ms, input, output, status, errMsg)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
