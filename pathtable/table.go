// Package pathtable implements the command result router: the per-extension
// mapping from an outgoing command to its pending result handler, with
// streaming (non-final) intermediate results, fan-out completion tracking,
// timeouts, and shutdown cancellation.
package pathtable

import (
	"context"
	"sync"
	"time"

	"github.com/dataflowrt/core/msg"
	"github.com/dataflowrt/core/telemetry"
	"github.com/dataflowrt/core/tenerr"
	"github.com/dataflowrt/core/value"
)

// ResultHandler is invoked once per arriving result. completed is the
// is_completed value captured before the handler runs, guarding against
// re-entrant modifications when the command's sender and destination
// extension share a thread.
type ResultHandler func(result *msg.Message, completed bool)

// Entry is a path-table record.
type Entry struct {
	CmdID           string
	OriginalCmdKind msg.Kind
	Name            string
	SeqID           string
	ReturnLocator   msg.Locator
	CreationTime    time.Time

	handler ResultHandler
	// remaining is the count of resolved destinations that have not yet
	// produced a final result.
	remaining int
}

// Table is one extension's path table. It is safe for concurrent use, but
// in the normal single-threaded-per-extension-group model
// all calls happen from the owning extension's thread; the locking exists
// for the background sweep goroutine and the env-proxy cross-thread path.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
	closed  bool

	log     telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs an empty path table.
func New(log telemetry.Logger, metrics telemetry.Metrics) *Table {
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Table{entries: make(map[string]*Entry), log: log, metrics: metrics}
}

// Insert records a new outgoing command with N resolved destinations.
// Returns TenIsClosed if the table has already been flushed by Close.
func (t *Table) Insert(cmd *msg.Message, expectedResponses int, handler ResultHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return tenerr.TenIsClosedf("path table closed: cannot send cmd %q", cmd.Name)
	}
	if e, ok := t.entries[cmd.CmdID]; ok {
		// A second resolution pass for the same command widens the
		// existing entry instead of overwriting it.
		e.remaining += expectedResponses
		return nil
	}
	t.entries[cmd.CmdID] = &Entry{
		CmdID:           cmd.CmdID,
		OriginalCmdKind: cmd.Kind,
		Name:            cmd.Name,
		SeqID:           cmd.SeqID,
		ReturnLocator:   cmd.Source,
		CreationTime:    time.Now(),
		handler:         handler,
		remaining:       expectedResponses,
	}
	t.metrics.PathEntries(context.Background(), len(t.entries))
	return nil
}

// IncrementExpected widens an existing entry's expected-response count
// (used when a connection-table lookup resolves additional destinations
// after the entry was first created).
func (t *Table) IncrementExpected(cmdID string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[cmdID]; ok {
		e.remaining += delta
	}
}

// HandleResult locates the entry for result.CmdID and invokes its handler.
// The remaining counter is decremented only for final results;
// is_completed is computed and captured *before* the handler is invoked,
// and the table's internal lock is released before the handler runs so a
// handler that re-entrantly calls back into this table (or another
// extension's table on the same thread) cannot deadlock.
//
// A non-final result arriving for an entry that has already been removed
// (i.e. whose final result already arrived) is dropped silently.
func (t *Table) HandleResult(result *msg.Message) {
	t.mu.Lock()
	e, ok := t.entries[result.CmdID]
	if !ok {
		t.mu.Unlock()
		t.log.Debug(context.Background(), "dropping result for unknown or completed path entry", "cmd_id", result.CmdID)
		return
	}

	if result.IsFinal {
		if e.remaining > 0 {
			e.remaining--
		}
	}
	completed := e.remaining == 0
	if completed {
		delete(t.entries, result.CmdID)
		t.metrics.PathEntries(context.Background(), len(t.entries))
	}
	handler := e.handler
	t.mu.Unlock()

	handler(result, completed)
}

// Sweep removes entries older than timeout and completes each with a
// synthesized PathTimeout error result. A path
// entry held by an extension that is already Stopping is still swept with
// PathTimeout, not TenIsClosed -- TenIsClosed is reserved for the
// synchronous-call-after-Deinited case.
func (t *Table) Sweep(timeout time.Duration) {
	now := time.Now()
	var expired []*Entry

	t.mu.Lock()
	for id, e := range t.entries {
		if now.Sub(e.CreationTime) >= timeout {
			expired = append(expired, e)
			delete(t.entries, id)
		}
	}
	if len(expired) > 0 {
		t.metrics.PathEntries(context.Background(), len(t.entries))
	}
	t.mu.Unlock()

	for _, e := range expired {
		t.metrics.PathTimeout(context.Background())
		result := syntheticError(e, tenerr.PathTimeoutf("Path timeout."))
		e.handler(result, true)
	}
}

// Close flushes all outstanding entries, invoking each handler once with
// a TenIsClosed error result, and marks the table closed so Insert fails
// thereafter.
func (t *Table) Close() {
	t.mu.Lock()
	t.closed = true
	flushed := make([]*Entry, 0, len(t.entries))
	for id, e := range t.entries {
		flushed = append(flushed, e)
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if len(flushed) > 0 {
		t.metrics.PathEntries(context.Background(), 0)
	}

	for _, e := range flushed {
		result := syntheticError(e, tenerr.TenIsClosedf("extension is closed"))
		e.handler(result, true)
	}
}

// Cancel removes an entry without invoking its handler, for a sender that
// discovers synchronously (e.g. a routing failure) that the command it
// just inserted will never be delivered and is handling that failure
// itself rather than through the handler's normal result path.
func (t *Table) Cancel(cmdID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, cmdID)
}

// Has reports whether an outstanding entry exists for cmdID, used by the
// remote layer to tell control-plane results apart from graph traffic.
func (t *Table) Has(cmdID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[cmdID]
	return ok
}

// Len reports the number of outstanding entries, for tests and metrics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func syntheticError(e *Entry, cause *tenerr.Error) *msg.Message {
	synthetic := msg.Create(msg.KindCmd, e.Name)
	synthetic.CmdID = e.CmdID
	synthetic.SeqID = e.SeqID
	result := msg.CreateResult(msg.StatusError, synthetic)
	// The detail carries the bare message ("Path timeout."), not the
	// kind-prefixed Error() rendering; the kind travels as the result's
	// error status, and remote peers match on the detail text.
	result.Detail = value.String(cause.Message)
	return result
}
