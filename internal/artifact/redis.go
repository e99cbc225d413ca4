package artifact

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/logging"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Key layout, relative to the configured prefix:
//
//	meta:{fp}           hash of a Complete artifact
//	data:{fp}:{writeID} list of payload chunks
//	pending:{fp}        writeID of the current producer, with TTL
//	readers:{fp}        open reader lease count, with TTL
//	completed           sorted set of fingerprints by commit time
//	bytes               total payload bytes of Complete artifacts
const (
	DefaultKeyPrefix  = "ft"
	defaultPendingTTL = 15 * time.Minute
	defaultStagingTTL = 30 * time.Minute
	defaultLeaseTTL   = 10 * time.Minute
	commitAttempts    = 5
	evictBatch        = 100
)

// ClientConfig holds the connection settings for the Redis backend.
type ClientConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port.
func (c ClientConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// NewRedisClient constructs a go-redis client from the connection settings.
func NewRedisClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// RedisOptions tune a RedisStore. Zero values select defaults.
type RedisOptions struct {
	Prefix     string
	ChunkSize  int
	PendingTTL time.Duration
	StagingTTL time.Duration
	LeaseTTL   time.Duration
}

// RedisStore is a Store backed by Redis. Payloads are stored as lists of
// fixed-size chunks under a per-write data key that is never renamed;
// Commit publishes the metadata hash that points at it in one MULTI/EXEC.
type RedisStore struct {
	client *redis.Client
	opts   RedisOptions
	now    func() time.Time
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = DefaultKeyPrefix
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.StagingTTL <= 0 {
		opts.StagingTTL = defaultStagingTTL
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultLeaseTTL
	}
	return &RedisStore{client: client, opts: opts, now: time.Now}
}

func (s *RedisStore) metaKey(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s:meta:%s", s.opts.Prefix, fp)
}

func (s *RedisStore) dataKey(fp fingerprint.Fingerprint, writeID string) string {
	return fmt.Sprintf("%s:data:%s:%s", s.opts.Prefix, fp, writeID)
}

func (s *RedisStore) pendingKey(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s:pending:%s", s.opts.Prefix, fp)
}

func (s *RedisStore) readersKey(fp fingerprint.Fingerprint) string {
	return fmt.Sprintf("%s:readers:%s", s.opts.Prefix, fp)
}

func (s *RedisStore) completedKey() string { return s.opts.Prefix + ":completed" }
func (s *RedisStore) bytesKey() string     { return s.opts.Prefix + ":bytes" }

// wrap classifies backend errors. Context errors pass through unchanged so
// callers can tell cancellation from an outage.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

func (s *RedisStore) ChunkSize() int {
	return s.opts.ChunkSize
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx).Err())
}

func (s *RedisStore) Exists(ctx context.Context, fp fingerprint.Fingerprint) (bool, error) {
	n, err := s.client.Exists(ctx, s.metaKey(fp)).Result()
	if err != nil {
		return false, wrap("exists", err)
	}
	return n > 0, nil
}

// record is a parsed metadata hash.
type record struct {
	meta    Meta
	dataKey string
}

func (s *RedisStore) loadRecord(ctx context.Context, fp fingerprint.Fingerprint) (record, error) {
	fields, err := s.client.HGetAll(ctx, s.metaKey(fp)).Result()
	if err != nil {
		return record{}, wrap("load metadata", err)
	}
	if len(fields) == 0 {
		return record{}, ErrNotFound
	}
	return parseRecord(fp, fields)
}

func parseRecord(fp fingerprint.Fingerprint, fields map[string]string) (record, error) {
	size, err1 := strconv.ParseInt(fields["size"], 10, 64)
	chunks, err2 := strconv.Atoi(fields["chunks"])
	chunkSize, err3 := strconv.Atoi(fields["chunk_size"])
	created, err4 := strconv.ParseInt(fields["created_at"], 10, 64)
	if err := errors.Join(err1, err2, err3, err4); err != nil {
		return record{dataKey: fields["data"]}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	rec := record{
		meta: Meta{
			Fingerprint: fp,
			ContentType: fields["content_type"],
			Size:        size,
			Chunks:      chunks,
			ChunkSize:   chunkSize,
			CreatedAt:   time.Unix(0, created),
			State:       StateComplete,
		},
		dataKey: fields["data"],
	}
	if rec.dataKey == "" || !consistent(rec.meta) {
		return rec, fmt.Errorf("%w: inconsistent metadata", ErrCorrupt)
	}
	return rec, nil
}

// verified loads a record and checks it against the stored payload. Corrupt
// artifacts are invalidated and reported as ErrNotFound.
func (s *RedisStore) verified(ctx context.Context, fp fingerprint.Fingerprint) (record, error) {
	rec, err := s.loadRecord(ctx, fp)
	if err == nil {
		var n int64
		n, err = s.client.LLen(ctx, rec.dataKey).Result()
		if err != nil {
			return record{}, wrap("check payload", err)
		}
		if int(n) != rec.meta.Chunks {
			err = fmt.Errorf("%w: %d chunks stored, metadata says %d", ErrCorrupt, n, rec.meta.Chunks)
		}
	}
	if errors.Is(err, ErrCorrupt) {
		logging.Warn("Invalidating corrupt artifact %s: %v", fp.Short(), err)
		if derr := s.invalidate(ctx, fp, rec); derr != nil {
			logging.Warn("Failed to invalidate artifact %s: %v", fp.Short(), derr)
		}
		return record{}, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return rec, err
}

func (s *RedisStore) invalidate(ctx context.Context, fp fingerprint.Fingerprint, rec record) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.metaKey(fp))
		if rec.dataKey != "" {
			pipe.Del(ctx, rec.dataKey)
		}
		pipe.ZRem(ctx, s.completedKey(), string(fp))
		if rec.meta.Size > 0 {
			pipe.DecrBy(ctx, s.bytesKey(), rec.meta.Size)
		}
		return nil
	})
	return wrap("invalidate", err)
}

func (s *RedisStore) Stat(ctx context.Context, fp fingerprint.Fingerprint) (Meta, error) {
	rec, err := s.verified(ctx, fp)
	if err == nil {
		return rec.meta, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Meta{}, err
	}
	n, perr := s.client.Exists(ctx, s.pendingKey(fp)).Result()
	if perr != nil {
		return Meta{}, wrap("stat pending", perr)
	}
	if n > 0 {
		return Meta{Fingerprint: fp, State: StatePending}, nil
	}
	return Meta{Fingerprint: fp, State: StateAbsent}, err
}

func (s *RedisStore) OpenRead(ctx context.Context, fp fingerprint.Fingerprint) (Reader, error) {
	// The lease is taken before metadata is read so an eviction that
	// watches the lease key either sees it or aborts.
	if err := s.acquireLease(ctx, fp); err != nil {
		return nil, err
	}
	rec, err := s.verified(ctx, fp)
	if err != nil {
		s.releaseLease(ctx, fp)
		return nil, err
	}

	var (
		mu        sync.Mutex
		refreshed = s.now()
	)
	fetch := func(ctx context.Context, index int) ([]byte, error) {
		data, err := s.client.LIndex(ctx, rec.dataKey, int64(index)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: chunk %d of %s missing", ErrCorrupt, index, fp.Short())
		}
		if err != nil {
			return nil, wrap("read chunk", err)
		}
		mu.Lock()
		due := s.now().Sub(refreshed) > s.opts.LeaseTTL/3
		if due {
			refreshed = s.now()
		}
		mu.Unlock()
		if due {
			if err := s.client.Expire(ctx, s.readersKey(fp), s.opts.LeaseTTL).Err(); err != nil {
				logging.Debug("Lease refresh for %s failed: %v", fp.Short(), err)
			}
		}
		return data, nil
	}
	release := func() { s.releaseLease(ctx, fp) }
	return newChunkedReader(ctx, rec.meta, fetch, release), nil
}

func (s *RedisStore) acquireLease(ctx context.Context, fp fingerprint.Fingerprint) error {
	key := s.readersKey(fp)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, s.opts.LeaseTTL)
		return nil
	})
	return wrap("acquire lease", err)
}

func (s *RedisStore) releaseLease(ctx context.Context, fp fingerprint.Fingerprint) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	key := s.readersKey(fp)
	n, err := s.client.Decr(rctx, key).Result()
	if err != nil {
		logging.Warn("Failed to release read lease on %s: %v", fp.Short(), err)
		return
	}
	if n < 0 {
		s.client.Set(rctx, key, 0, s.opts.LeaseTTL)
	}
}

func (s *RedisStore) BeginWrite(ctx context.Context, fp fingerprint.Fingerprint, contentType string) (Writer, error) {
	id := uuid.NewString()
	if err := s.client.Set(ctx, s.pendingKey(fp), id, s.opts.PendingTTL).Err(); err != nil {
		return nil, wrap("mark pending", err)
	}
	return &redisWriter{
		store:       s,
		fp:          fp,
		id:          id,
		dataKey:     s.dataKey(fp, id),
		contentType: contentType,
		staging:     staging{chunkSize: s.opts.ChunkSize},
	}, nil
}

func (s *RedisStore) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	freed, ok, err := s.remove(ctx, fp)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInUse
	}
	if freed < 0 {
		return ErrNotFound
	}
	return nil
}

// remove deletes an unleased artifact. It returns the freed bytes (-1 when
// the artifact was already gone) and false when readers hold a lease or the
// watched keys changed underneath.
func (s *RedisStore) remove(ctx context.Context, fp fingerprint.Fingerprint) (int64, bool, error) {
	metaKey, readersKey := s.metaKey(fp), s.readersKey(fp)
	freed := int64(-1)
	ok := true

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		readers, err := tx.Get(ctx, readersKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if readers > 0 {
			ok = false
			return nil
		}
		fields, err := tx.HGetAll(ctx, metaKey).Result()
		if err != nil {
			return err
		}
		var size int64
		dataKey := fields["data"]
		if len(fields) > 0 {
			size, _ = strconv.ParseInt(fields["size"], 10, 64)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, metaKey)
			if dataKey != "" {
				pipe.Del(ctx, dataKey)
			}
			pipe.ZRem(ctx, s.completedKey(), string(fp))
			if size > 0 {
				pipe.DecrBy(ctx, s.bytesKey(), size)
			}
			return nil
		})
		if err == nil && len(fields) > 0 {
			freed = size
		}
		return err
	}, metaKey, readersKey)

	if errors.Is(err, redis.TxFailedErr) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("remove", err)
	}
	return freed, ok, nil
}

func (s *RedisStore) counts(ctx context.Context) (int, int64, error) {
	var (
		card  *redis.IntCmd
		bytes *redis.StringCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		card = pipe.ZCard(ctx, s.completedKey())
		bytes = pipe.Get(ctx, s.bytesKey())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, wrap("counts", err)
	}
	total, err := bytes.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, 0, wrap("counts", err)
	}
	return int(card.Val()), total, nil
}

func (s *RedisStore) Evict(ctx context.Context, limits Limits) (EvictResult, error) {
	var res EvictResult
	if !limits.Enabled() {
		return res, nil
	}
	count, bytes, err := s.counts(ctx)
	if err != nil {
		return res, err
	}

	var start int64
	for limits.exceeded(count, bytes) {
		// Oldest first. Evicted members leave the set, skipped ones stay,
		// so the window advances by the number skipped.
		members, err := s.client.ZRange(ctx, s.completedKey(), start, start+evictBatch-1).Result()
		if err != nil {
			return res, wrap("evict scan", err)
		}
		if len(members) == 0 {
			break
		}
		for _, m := range members {
			if !limits.exceeded(count, bytes) {
				break
			}
			fp := fingerprint.Fingerprint(m)
			freed, ok, err := s.remove(ctx, fp)
			if err != nil {
				return res, err
			}
			if !ok {
				res.Skipped++
				start++
				continue
			}
			count--
			if freed > 0 {
				bytes -= freed
				res.FreedBytes += freed
			}
			if freed >= 0 {
				res.Evicted = append(res.Evicted, fp)
			}
		}
	}
	return res, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	count, bytes, err := s.counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	pending := 0
	iter := s.client.Scan(ctx, 0, s.opts.Prefix+":pending:*", 200).Iterator()
	for iter.Next(ctx) {
		pending++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, wrap("scan pending", err)
	}
	return Stats{
		Backend:   "redis",
		Artifacts: count,
		Bytes:     bytes,
		Pending:   pending,
		ChunkSize: s.opts.ChunkSize,
	}, nil
}

func (s *RedisStore) List(ctx context.Context, limit int) ([]Meta, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	members, err := s.client.ZRevRange(ctx, s.completedKey(), 0, stop).Result()
	if err != nil {
		return nil, wrap("list", err)
	}
	out := make([]Meta, 0, len(members))
	for _, m := range members {
		rec, err := s.loadRecord(ctx, fingerprint.Fingerprint(m))
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return nil, err
			}
			continue
		}
		out = append(out, rec.meta)
	}
	return out, nil
}

type redisWriter struct {
	store       *RedisStore
	fp          fingerprint.Fingerprint
	id          string
	dataKey     string
	contentType string

	mu      sync.Mutex
	staging staging
}

func (w *redisWriter) Append(ctx context.Context, chunk []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.staging.check(chunk); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	s := w.store
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, w.dataKey, chunk)
		pipe.Expire(ctx, w.dataKey, s.opts.StagingTTL)
		pipe.Expire(ctx, s.pendingKey(w.fp), s.opts.PendingTTL)
		return nil
	})
	if err != nil {
		return wrap("append", err)
	}
	w.staging.add(len(chunk))
	return nil
}

func (w *redisWriter) Chunk(ctx context.Context, index int) ([]byte, error) {
	data, err := w.store.client.LIndex(ctx, w.dataKey, int64(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("chunk %d not staged", index)
	}
	if err != nil {
		return nil, wrap("read staged chunk", err)
	}
	return data, nil
}

func (w *redisWriter) Chunks() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.staging.chunks
}

func (w *redisWriter) Commit(ctx context.Context) (Meta, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.staging.done {
		return Meta{}, ErrWriteClosed
	}

	s := w.store
	meta := Meta{
		Fingerprint: w.fp,
		ContentType: w.contentType,
		Size:        w.staging.size,
		Chunks:      w.staging.chunks,
		ChunkSize:   w.staging.chunkSize,
		State:       StateComplete,
	}
	metaKey := s.metaKey(w.fp)

	var err error
	for attempt := 0; attempt < commitAttempts; attempt++ {
		meta.CreatedAt = s.now()
		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			staged, err := tx.LLen(ctx, w.dataKey).Result()
			if err != nil {
				return err
			}
			if int(staged) != meta.Chunks {
				return fmt.Errorf("%w: %d chunks staged, %d appended", ErrCorrupt, staged, meta.Chunks)
			}
			old, err := tx.HMGet(ctx, metaKey, "data", "size").Result()
			if err != nil {
				return err
			}
			oldData, _ := old[0].(string)
			oldSizeStr, _ := old[1].(string)
			oldSize, _ := strconv.ParseInt(oldSizeStr, 10, 64)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, metaKey, map[string]any{
					"content_type": meta.ContentType,
					"size":         meta.Size,
					"chunks":       meta.Chunks,
					"chunk_size":   meta.ChunkSize,
					"created_at":   meta.CreatedAt.UnixNano(),
					"data":         w.dataKey,
				})
				if meta.Chunks > 0 {
					pipe.Persist(ctx, w.dataKey)
				}
				// A replaced payload may still be streaming to a leased
				// reader; let it expire instead of deleting it.
				if oldData != "" && oldData != w.dataKey {
					pipe.Expire(ctx, oldData, s.opts.LeaseTTL)
				}
				pipe.ZAdd(ctx, s.completedKey(), redis.Z{Score: float64(meta.CreatedAt.UnixNano()), Member: string(w.fp)})
				pipe.IncrBy(ctx, s.bytesKey(), meta.Size-oldSize)
				return nil
			})
			return err
		}, metaKey, w.dataKey)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			err = wrap("commit", err)
		}
		return Meta{}, err
	}

	w.staging.done = true
	w.clearPending(ctx)
	return meta, nil
}

func (w *redisWriter) Abort(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.staging.done {
		return nil
	}
	w.staging.done = true

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	err := w.store.client.Del(actx, w.dataKey).Err()
	w.clearPending(actx)
	return wrap("abort", err)
}

// clearPending removes the pending marker if this writer still owns it.
func (w *redisWriter) clearPending(ctx context.Context) {
	key := w.store.pendingKey(w.fp)
	err := w.store.client.Watch(ctx, func(tx *redis.Tx) error {
		owner, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if owner != w.id {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		logging.Debug("Failed to clear pending marker for %s: %v", w.fp.Short(), err)
	}
}
