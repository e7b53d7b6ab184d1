// Package anchor maintains the spatial anchor graph.
//
// A Store owns the anchors and the edges between them. A Builder runs the
// per-frame topology step against the tracked head position, and a Manager
// drives the frame loop: asynchronous load and save, provider-level
// tracking gaps, reset requests, and publication of an immutable Snapshot
// to downstream consumers.
//
// The graph is mutated only by the goroutine calling Manager.Update.
// Persistence I/O runs on background goroutines whose results are applied
// at the start of a later frame.
package anchor
