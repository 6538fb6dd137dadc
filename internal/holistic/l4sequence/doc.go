// Package l4sequence owns Layer 4 (Sequences) of the holistic data model.
//
// Responsibilities: the quality gate, the bounded sliding window of feature
// vectors, and taking an immutable snapshot each time the window is full.
// Key types: Window, Snapshot, Outcome.
//
// A Window is not safe for concurrent use. It is owned by the aggregator
// goroutine and mutated only from the completion handler.
//
// Dependency rule: L4 may depend on L3 and below, but never on L5+.
package l4sequence
