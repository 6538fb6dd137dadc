// Package sqlite persists the prediction history of the holistic pipeline.
//
// Sessions, predictions and tracking-lost events are written by a Recorder
// that subscribes to the pipeline's event notifier, so the pipeline itself
// never touches the database. The schema is managed by golang-migrate from
// migrations embedded in the binary.
package sqlite
