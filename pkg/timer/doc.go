/*
Package timer provides the wait-free nested stopwatch used to time operations
inside a transaction.

# Ownership

A Timer is owned by exactly one goroutine, the one executing the timed unit of
work. Only the owner calls Start/Stop. Any goroutine may call Snapshot at any
time; snapshots never block the owner and never block each other.

# Memory ordering

The completed count and the nesting depth share a single atomic word, the
"state". The owner folds an interval into total/min/max first and publishes
the new state last, so a reader that loads the state first and observes
depth == 0 also observes the fully folded payload. Go atomics are sequentially
consistent, which gives the release (store) / acquire (load) pairing this
needs.

Because count and depth travel together, the count a snapshot reports
(completed count, plus one while active) never decreases between successive
snapshots taken by the same reader.

# Re-entrancy

	t.StartAt(0)
	t.StartAt(5)  // nested: start tick unchanged
	t.StopAt(10)  // nested: nothing recorded
	t.StopAt(30)  // outermost: records one interval of 30

# Debug builds

Mismatched Start/Stop calls are caller bugs. Built with the tinyapm_debug tag
they panic with an *InvariantError; otherwise the offending interval is
dropped and counted in Violations.
*/
package timer
