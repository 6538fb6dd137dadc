// Package l2frames owns Layer 2 (Frames) of the holistic data model.
//
// Responsibilities: synchronising the three asynchronous detector streams by
// timestamp into complete frames, forwarding each complete frame exactly once,
// and garbage-collecting entries whose peers never arrive.
// Key types: Aggregator, Entry, Stats.
//
// All entry state is owned by the aggregator's goroutine. Callers only ever
// hand it work through Submit (non-blocking) or Do (synchronous).
//
// Dependency rule: L2 may depend on the root holistic package and L1, but
// never on L3+.
package l2frames
