// Package janitor keeps the artifact cache within its configured size.
//
// A Janitor runs store eviction on a fixed interval and on demand. Only one
// pass runs at a time; a pass requested while another is in progress is
// reported with ErrAlreadyRunning rather than queued. Artifacts that are
// being read hold a lease and are skipped by the store, so eviction never
// interrupts playback.
package janitor
