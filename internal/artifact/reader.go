package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// chunkFetcher loads one chunk of a Complete artifact.
type chunkFetcher func(ctx context.Context, index int) ([]byte, error)

// chunkedReader implements Reader over any backend that can fetch chunks by
// index. Only the current chunk is held in memory.
type chunkedReader struct {
	ctx     context.Context
	meta    Meta
	fetch   chunkFetcher
	release func()

	off    int64
	buf    []byte
	bufIdx int

	closeOnce sync.Once
	closed    bool
}

func newChunkedReader(ctx context.Context, meta Meta, fetch chunkFetcher, release func()) *chunkedReader {
	return &chunkedReader{
		ctx:     ctx,
		meta:    meta,
		fetch:   fetch,
		release: release,
		bufIdx:  -1,
	}
}

func (r *chunkedReader) Meta() Meta {
	return r.meta
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("artifact reader closed")
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.off >= r.meta.Size {
		return 0, io.EOF
	}

	idx := int(r.off / int64(r.meta.ChunkSize))
	if idx != r.bufIdx {
		data, err := r.fetch(r.ctx, idx)
		if err != nil {
			return 0, err
		}
		if want := expectedChunkLen(r.meta, idx); len(data) != want {
			return 0, fmt.Errorf("%w: chunk %d of %s has %d bytes, want %d",
				ErrCorrupt, idx, r.meta.Fingerprint.Short(), len(data), want)
		}
		r.buf = data
		r.bufIdx = idx
	}

	within := int(r.off - int64(idx)*int64(r.meta.ChunkSize))
	n := copy(p, r.buf[within:])
	r.off += int64(n)
	return n, nil
}

func (r *chunkedReader) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		abs = r.meta.Size + offset
	default:
		return r.off, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if abs < 0 {
		return r.off, errors.New("seek: negative position")
	}
	r.off = abs
	return abs, nil
}

func (r *chunkedReader) Close() error {
	r.closeOnce.Do(func() {
		r.closed = true
		r.buf = nil
		if r.release != nil {
			r.release()
		}
	})
	return nil
}

// staging tracks the chunk-size discipline shared by all writers.
type staging struct {
	chunkSize int
	chunks    int
	size      int64
	short     bool
	done      bool
}

func (s *staging) check(chunk []byte) error {
	if s.done {
		return ErrWriteClosed
	}
	if len(chunk) > s.chunkSize {
		return fmt.Errorf("chunk of %d bytes exceeds chunk size %d", len(chunk), s.chunkSize)
	}
	if s.short {
		return errors.New("append after final short chunk")
	}
	return nil
}

func (s *staging) add(n int) {
	s.chunks++
	s.size += int64(n)
	if n < s.chunkSize {
		s.short = true
	}
}
