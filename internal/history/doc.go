// Package history keeps a local record of tracking device lifecycle
// events (found, lost, failure) in SQLite.
//
// The bridge records every device event; the API serves the per-device
// history and the latest state of every device seen. Old rows are pruned
// on the configured retention.
package history
