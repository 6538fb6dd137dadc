// Package l3features owns Layer 3 (Features) of the holistic data model.
//
// Responsibilities: turning one synchronised frame into the fixed-length
// feature vector the sequence classifier expects, and scoring how much of
// that vector carries real tracking data.
// Key types: Vector, Segment, Layout.
//
// Dependency rule: L3 may depend on the root holistic package, but never on
// L4+.
package l3features
