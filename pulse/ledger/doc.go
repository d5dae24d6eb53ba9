// Package ledger is the durable store shared by every pulse loop.
//
// It holds two job tables, data-source jobs (Sync, Remove, TagSync against
// one resource) and agent jobs (a deferred agent call carrying the caller's
// identity). Both share the same four-state machine:
//
//	new -> in_progress -> completed
//	                   -> failed
//
// The ledger has no business rules of its own beyond the storage
// invariants: at most one active data-source job per (resource, kind),
// FIFO reads by creation time, and conditional claims that only one writer
// can win.
package ledger
