// Package artifact stores transcoded audio keyed by fingerprint.
//
// Artifacts are written through a scoped Writer that stages fixed-size
// chunks and publishes them atomically on Commit; readers never observe a
// partially written artifact. Complete artifacts are read lazily, one chunk
// at a time, through a seekable Reader that holds an eviction lease until it
// is closed.
//
// Two backends implement Store:
//
//   - RedisStore keeps metadata in a hash and the payload in a list of
//     chunks, using WATCH/MULTI for commit and eviction.
//   - MemoryStore keeps everything in process and is meant for development
//     and tests.
//
// Errors are reported with the sentinels ErrNotFound, ErrStoreUnavailable,
// ErrCorrupt and ErrInUse; use errors.Is to match them.
package artifact
