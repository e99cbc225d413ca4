package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"feed-transcoder/internal/fingerprint"

	"github.com/google/uuid"
)

type memArtifact struct {
	meta    Meta
	chunks  [][]byte
	readers int
}

// MemoryStore is an in-process Store with the same contract as RedisStore.
// It is intended for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	chunkSize int
	artifacts map[fingerprint.Fingerprint]*memArtifact
	pending   map[fingerprint.Fingerprint]string
	now       func() time.Time
}

// NewMemoryStore creates an empty store. A non-positive chunkSize selects
// DefaultChunkSize.
func NewMemoryStore(chunkSize int) *MemoryStore {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &MemoryStore{
		chunkSize: chunkSize,
		artifacts: make(map[fingerprint.Fingerprint]*memArtifact),
		pending:   make(map[fingerprint.Fingerprint]string),
		now:       time.Now,
	}
}

func (s *MemoryStore) ChunkSize() int {
	return s.chunkSize
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.artifacts[fp]
	return ok, nil
}

func (s *MemoryStore) Stat(ctx context.Context, fp fingerprint.Fingerprint) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.artifacts[fp]; ok {
		return a.meta, nil
	}
	if _, ok := s.pending[fp]; ok {
		return Meta{Fingerprint: fp, State: StatePending}, nil
	}
	return Meta{Fingerprint: fp, State: StateAbsent}, ErrNotFound
}

func (s *MemoryStore) OpenRead(ctx context.Context, fp fingerprint.Fingerprint) (Reader, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	a, ok := s.artifacts[fp]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if !consistent(a.meta) || len(a.chunks) != a.meta.Chunks {
		delete(s.artifacts, fp)
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %w: %s", ErrNotFound, ErrCorrupt, fp.Short())
	}
	a.readers++
	chunks := a.chunks
	meta := a.meta
	s.mu.Unlock()

	fetch := func(ctx context.Context, index int) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return chunks[index], nil
	}
	release := func() {
		s.mu.Lock()
		a.readers--
		s.mu.Unlock()
	}
	return newChunkedReader(ctx, meta, fetch, release), nil
}

func (s *MemoryStore) BeginWrite(ctx context.Context, fp fingerprint.Fingerprint, contentType string) (Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.pending[fp] = id
	s.mu.Unlock()
	return &memWriter{
		store:       s,
		fp:          fp,
		id:          id,
		contentType: contentType,
		staging:     staging{chunkSize: s.chunkSize},
	}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[fp]
	if !ok {
		return ErrNotFound
	}
	if a.readers > 0 {
		return ErrInUse
	}
	delete(s.artifacts, fp)
	return nil
}

func (s *MemoryStore) Evict(ctx context.Context, limits Limits) (EvictResult, error) {
	var res EvictResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if !limits.Enabled() {
		return res, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count, bytes := len(s.artifacts), s.totalBytesLocked()
	for _, a := range s.oldestFirstLocked() {
		if !limits.exceeded(count, bytes) {
			break
		}
		if a.readers > 0 {
			res.Skipped++
			continue
		}
		delete(s.artifacts, a.meta.Fingerprint)
		count--
		bytes -= a.meta.Size
		res.FreedBytes += a.meta.Size
		res.Evicted = append(res.Evicted, a.meta.Fingerprint)
	}
	return res, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Backend:   "memory",
		Artifacts: len(s.artifacts),
		Bytes:     s.totalBytesLocked(),
		Pending:   len(s.pending),
		ChunkSize: s.chunkSize,
	}, nil
}

func (s *MemoryStore) List(ctx context.Context, limit int) ([]Meta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sorted := s.oldestFirstLocked()
	out := make([]Meta, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, sorted[i].meta)
	}
	return out, nil
}

func (s *MemoryStore) totalBytesLocked() int64 {
	var total int64
	for _, a := range s.artifacts {
		total += a.meta.Size
	}
	return total
}

func (s *MemoryStore) oldestFirstLocked() []*memArtifact {
	out := make([]*memArtifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].meta.CreatedAt.Equal(out[j].meta.CreatedAt) {
			return out[i].meta.Fingerprint < out[j].meta.Fingerprint
		}
		return out[i].meta.CreatedAt.Before(out[j].meta.CreatedAt)
	})
	return out
}

type memWriter struct {
	store       *MemoryStore
	fp          fingerprint.Fingerprint
	id          string
	contentType string

	mu      sync.Mutex
	chunks  [][]byte
	staging staging
}

func (w *memWriter) Append(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.staging.check(chunk); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	w.chunks = append(w.chunks, append([]byte(nil), chunk...))
	w.staging.add(len(chunk))
	return nil
}

func (w *memWriter) Chunk(ctx context.Context, index int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if index < 0 || index >= len(w.chunks) {
		return nil, fmt.Errorf("chunk %d not staged", index)
	}
	return w.chunks[index], nil
}

func (w *memWriter) Chunks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staging.chunks
}

func (w *memWriter) Commit(ctx context.Context) (Meta, error) {
	if err := ctx.Err(); err != nil {
		return Meta{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.staging.done {
		return Meta{}, ErrWriteClosed
	}
	w.staging.done = true

	s := w.store
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := Meta{
		Fingerprint: w.fp,
		ContentType: w.contentType,
		Size:        w.staging.size,
		Chunks:      w.staging.chunks,
		ChunkSize:   w.staging.chunkSize,
		CreatedAt:   s.now(),
		State:       StateComplete,
	}
	// Readers of a replaced artifact keep their own chunk slice.
	s.artifacts[w.fp] = &memArtifact{meta: meta, chunks: w.chunks}
	if s.pending[w.fp] == w.id {
		delete(s.pending, w.fp)
	}
	return meta, nil
}

func (w *memWriter) Abort(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.staging.done {
		return nil
	}
	w.staging.done = true
	w.chunks = nil

	s := w.store
	s.mu.Lock()
	if s.pending[w.fp] == w.id {
		delete(s.pending, w.fp)
	}
	s.mu.Unlock()
	return nil
}
