package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"feed-transcoder/internal/fingerprint"
)

// DefaultChunkSize is the payload size of every stored chunk except the last.
const DefaultChunkSize = 256 * 1024

var (
	// ErrNotFound is returned when no Complete artifact exists for a fingerprint.
	ErrNotFound = errors.New("artifact not found")

	// ErrStoreUnavailable indicates the backend could not be reached. Callers
	// may retry with backoff.
	ErrStoreUnavailable = errors.New("artifact store unavailable")

	// ErrCorrupt indicates stored metadata disagrees with the payload. The
	// store invalidates such artifacts and reports them as ErrNotFound.
	ErrCorrupt = errors.New("artifact corrupt")

	// ErrInUse is returned by Delete when readers still hold a lease.
	ErrInUse = errors.New("artifact in use")

	// ErrWriteClosed is returned when a write handle is used after Commit or Abort.
	ErrWriteClosed = errors.New("artifact write already finished")
)

// State is the lifecycle state of an artifact.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateComplete
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateComplete:
		return "complete"
	default:
		return "absent"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "absent":
		*s = StateAbsent
	case "pending":
		*s = StatePending
	case "complete":
		*s = StateComplete
	default:
		return fmt.Errorf("unknown artifact state %q", text)
	}
	return nil
}

// Meta describes a stored artifact.
type Meta struct {
	Fingerprint fingerprint.Fingerprint `json:"fingerprint"`
	ContentType string                  `json:"contentType"`
	Size        int64                   `json:"size"`
	Chunks      int                     `json:"chunks"`
	ChunkSize   int                     `json:"chunkSize"`
	CreatedAt   time.Time               `json:"createdAt"`
	State       State                   `json:"state"`
}

// Limits bound the cache. A zero field means no limit on that dimension.
type Limits struct {
	MaxBytes     int64
	MaxArtifacts int
}

// Enabled reports whether any limit is set.
func (l Limits) Enabled() bool {
	return l.MaxBytes > 0 || l.MaxArtifacts > 0
}

func (l Limits) exceeded(count int, bytes int64) bool {
	if l.MaxArtifacts > 0 && count > l.MaxArtifacts {
		return true
	}
	return l.MaxBytes > 0 && bytes > l.MaxBytes
}

// EvictResult summarizes one eviction pass.
type EvictResult struct {
	Evicted    []fingerprint.Fingerprint `json:"evicted"`
	FreedBytes int64                     `json:"freedBytes"`
	Skipped    int                       `json:"skipped"`
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Backend   string `json:"backend"`
	Artifacts int    `json:"artifacts"`
	Bytes     int64  `json:"bytes"`
	Pending   int    `json:"pending"`
	ChunkSize int    `json:"chunkSize"`
}

// Store is a cache of transcoded artifacts addressed by fingerprint.
type Store interface {
	// Exists reports whether a Complete artifact is stored.
	Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error)

	// Stat returns metadata for a Complete or Pending artifact.
	Stat(ctx context.Context, fp fingerprint.Fingerprint) (Meta, error)

	// OpenRead opens a Complete artifact. The returned reader holds a lease
	// that keeps the artifact from being evicted until Close.
	OpenRead(ctx context.Context, fp fingerprint.Fingerprint) (Reader, error)

	// BeginWrite stages a new artifact. Nothing is visible to readers until
	// Commit succeeds.
	BeginWrite(ctx context.Context, fp fingerprint.Fingerprint, contentType string) (Writer, error)

	Delete(ctx context.Context, fp fingerprint.Fingerprint) error
	Evict(ctx context.Context, limits Limits) (EvictResult, error)
	Stats(ctx context.Context) (Stats, error)

	// List returns up to limit Complete artifacts, most recent first.
	List(ctx context.Context, limit int) ([]Meta, error)

	Ping(ctx context.Context) error
	ChunkSize() int
}

// Reader streams a Complete artifact chunk by chunk.
type Reader interface {
	io.ReadSeekCloser
	Meta() Meta
}

// Writer is a scoped handle on a staged artifact. Every appended chunk must
// be exactly ChunkSize bytes except the final one.
type Writer interface {
	Append(ctx context.Context, chunk []byte) error

	// Chunk returns a previously appended chunk.
	Chunk(ctx context.Context, index int) ([]byte, error)

	// Chunks returns the number of chunks appended so far.
	Chunks() int

	Commit(ctx context.Context) (Meta, error)

	// Abort discards staged data. It is a no-op after Commit.
	Abort(ctx context.Context) error
}

// expectedChunkLen returns the length chunk index must have in an artifact
// of the given size.
func expectedChunkLen(meta Meta, index int) int {
	if index < meta.Chunks-1 {
		return meta.ChunkSize
	}
	return int(meta.Size - int64(meta.Chunks-1)*int64(meta.ChunkSize))
}

// consistent reports whether size, chunk count and chunk size agree.
func consistent(meta Meta) bool {
	if meta.ChunkSize <= 0 || meta.Size < 0 || meta.Chunks < 0 {
		return false
	}
	if meta.Chunks == 0 {
		return meta.Size == 0
	}
	lo := int64(meta.Chunks-1) * int64(meta.ChunkSize)
	hi := int64(meta.Chunks) * int64(meta.ChunkSize)
	return meta.Size > lo && meta.Size <= hi
}
