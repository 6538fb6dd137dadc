// Package l5inference owns Layer 5 (Inference) of the holistic data model.
//
// Responsibilities: turning window snapshots into classifier tensors,
// running the classifier off the aggregator goroutine, mapping outputs to
// sign labels and publishing the latest prediction to concurrent readers.
// Key types: Dispatcher, Classifier, Tensor, Prediction, Slot, Notifier.
//
// Dependency rule: L5 may depend on L4 and below, but never on pipeline.
package l5inference
