// Package trace times transactions in-process.
//
// A Tracer starts a Transaction per unit of work. The goroutine that owns
// the transaction enters and leaves named timers with StartTimer and
// Span.End, building a tree of timer.Timer nodes. Any goroutine may take a
// Snapshot of a running transaction; all timers in a snapshot are measured
// against the same capture instant.
//
// Ending a transaction produces a Completed record, which is handed to the
// handlers registered with Tracer.OnComplete: typically the collector, which
// folds it into per-minute aggregates, and a Sink, which keeps slow and
// failed traces in a Store for the trace API.
package trace
