// Package pipeline provides the lifecycle controller for the holistic sign
// recognition pipeline.
//
// It wires the aggregator (L2), feature extraction (L3), the sequence window
// (L4) and the inference dispatcher (L5) into one flow, attaches detector
// sources, and owns the Stopped → Starting → Running → Stopping → Stopped
// state machine. It does not own domain logic; it delegates to the layer
// packages.
package pipeline
