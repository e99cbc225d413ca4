package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feed-transcoder/internal/artifact"
	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/provider"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

var testParams = fingerprint.Params{Codec: "mp3", BitrateKbps: 64}

// mockProvider counts invocations and emits a fixed output.
type mockProvider struct {
	calls atomic.Int32

	output []byte
	delay  time.Duration

	// step, when set, gates every emitted byte.
	step chan struct{}

	// failAfter emits that many bytes and then fails with err.
	failAfter int
	err       error

	// blockUntilCancel ignores output and waits for ctx to end.
	blockUntilCancel bool
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Transcode(ctx context.Context, _ io.Reader, _ fingerprint.Params) (io.ReadCloser, error) {
	m.calls.Add(1)
	if m.err != nil && m.failAfter == 0 {
		return nil, m.err
	}
	return &mockOutput{ctx: ctx, m: m}, nil
}

type mockOutput struct {
	ctx     context.Context
	m       *mockProvider
	off     int
	started bool
}

func (o *mockOutput) Read(p []byte) (int, error) {
	m := o.m
	if m.blockUntilCancel {
		<-o.ctx.Done()
		return 0, o.ctx.Err()
	}
	if !o.started {
		o.started = true
		if m.delay > 0 {
			select {
			case <-time.After(m.delay):
			case <-o.ctx.Done():
				return 0, o.ctx.Err()
			}
		}
	}
	if m.err != nil && o.off >= m.failAfter {
		return 0, m.err
	}
	if o.off >= len(m.output) {
		return 0, io.EOF
	}
	if m.step != nil {
		select {
		case <-m.step:
		case <-o.ctx.Done():
			return 0, o.ctx.Err()
		}
		p[0] = m.output[o.off]
		o.off++
		return 1, nil
	}
	end := len(m.output)
	if m.err != nil {
		end = min(end, m.failAfter)
	}
	n := copy(p, m.output[o.off:end])
	o.off += n
	return n, nil
}

func (o *mockOutput) Close() error { return nil }

// staticSource returns the same bytes for every URL.
type staticSource struct {
	data string
	err  error
}

func (s staticSource) Open(ctx context.Context, _ string) (io.ReadCloser, error) {
	if s.err != nil {
		return nil, s.err
	}
	return io.NopCloser(strings.NewReader(s.data)), nil
}

type storeFactory func(t *testing.T, chunkSize int) artifact.Store

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, func(t *testing.T, chunkSize int) artifact.Store {
			return artifact.NewMemoryStore(chunkSize)
		})
	})
	t.Run("redis", func(t *testing.T) {
		fn(t, func(t *testing.T, chunkSize int) artifact.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return artifact.NewRedisStore(client, artifact.RedisOptions{ChunkSize: chunkSize})
		})
	})
}

func newTestCoordinator(t *testing.T, store artifact.Store, p provider.Provider, mutate func(*Config)) *Coordinator {
	t.Helper()
	cfg := Config{
		Store:    store,
		Provider: p,
		Source:   staticSource{data: "source audio"},
		Workers:  4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func request(fp string) Request {
	return Request{
		Fingerprint: fingerprint.Fingerprint(fp),
		Source:      "http://example.com/" + fp + ".mp3",
		Params:      testParams,
	}
}

func storedBytes(t *testing.T, store artifact.Store, fp string) []byte {
	t.Helper()
	r, err := store.OpenRead(context.Background(), fingerprint.Fingerprint(fp))
	if err != nil {
		t.Fatalf("OpenRead(%s): %v", fp, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll(%s): %v", fp, err)
	}
	return data
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConcurrentRequestsInvokeProviderOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 3)
		output := []byte("the quick brown fox jumps over the lazy dog")
		mock := &mockProvider{output: output, delay: 50 * time.Millisecond}
		c := newTestCoordinator(t, store, mock, nil)

		const n = 16
		var wg sync.WaitGroup
		results := make([][]byte, n)
		errs := make([]error, n)
		for i := range n {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := c.Request(context.Background(), request("concurrent"))
				if err != nil {
					errs[i] = err
					return
				}
				defer s.Close()
				results[i], errs[i] = io.ReadAll(s)
			}(i)
		}
		wg.Wait()

		for i := range n {
			if errs[i] != nil {
				t.Fatalf("request %d: %v", i, errs[i])
			}
			if !bytes.Equal(results[i], output) {
				t.Errorf("request %d got %q", i, results[i])
			}
		}
		if calls := mock.calls.Load(); calls != 1 {
			t.Errorf("provider invoked %d times, want 1", calls)
		}
		if got := storedBytes(t, store, "concurrent"); !bytes.Equal(got, output) {
			t.Errorf("store holds %q", got)
		}
	})
}

func TestCommittedArtifactNeverReinvokesProvider(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 4)
		mock := &mockProvider{output: []byte("payload")}
		c := newTestCoordinator(t, store, mock, nil)

		for i := range 5 {
			s, err := c.Request(context.Background(), request("idem"))
			if err != nil {
				t.Fatalf("request %d: %v", i, err)
			}
			data, err := io.ReadAll(s)
			_ = s.Close()
			if err != nil || string(data) != "payload" {
				t.Fatalf("request %d got %q, %v", i, data, err)
			}
			if i > 0 {
				if _, ok := s.Artifact(); !ok {
					t.Errorf("request %d was not served from the cache", i)
				}
			}
		}
		if calls := mock.calls.Load(); calls != 1 {
			t.Errorf("provider invoked %d times, want 1", calls)
		}
	})
}

func TestStartProducesWithoutConsumer(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 4)
		mock := &mockProvider{output: []byte("background"), delay: 20 * time.Millisecond}
		c := newTestCoordinator(t, store, mock, nil)
		ctx := context.Background()

		for i := range 3 {
			if err := c.Start(ctx, request("started")); err != nil {
				t.Fatalf("Start %d: %v", i, err)
			}
		}
		waitFor(t, "artifact commit", func() bool {
			ok, err := store.Exists(ctx, fingerprint.Fingerprint("started"))
			return err == nil && ok
		})
		if got := storedBytes(t, store, "started"); string(got) != "background" {
			t.Errorf("store holds %q", got)
		}

		if err := c.Start(ctx, request("started")); err != nil {
			t.Fatalf("Start after commit: %v", err)
		}
		if calls := mock.calls.Load(); calls != 1 {
			t.Errorf("provider invoked %d times, want 1", calls)
		}
		if err := c.Start(ctx, Request{}); err == nil {
			t.Error("Start accepted an empty request")
		}
	})
}

func TestRoundTripIsByteIdentical(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 7)
		output := make([]byte, 1000)
		for i := range output {
			output[i] = byte(i * 31)
		}
		mock := &mockProvider{output: output}
		c := newTestCoordinator(t, store, mock, nil)

		s, err := c.Request(context.Background(), request("roundtrip"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		live, err := io.ReadAll(s)
		_ = s.Close()
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if !bytes.Equal(live, output) {
			t.Error("live stream differs from provider output")
		}
		if got := storedBytes(t, store, "roundtrip"); !bytes.Equal(got, output) {
			t.Error("stored artifact differs from provider output")
		}
	})
}

func TestProviderFailureReleasesClaim(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 2)
		mock := &mockProvider{
			output:    []byte("12345678"),
			failAfter: 5,
			err:       fmt.Errorf("%w: decoder exploded", provider.ErrTranscodeFailed),
		}
		registry := NewRegistry()
		c := newTestCoordinator(t, store, mock, func(cfg *Config) { cfg.Registry = registry })

		s, err := c.Request(context.Background(), request("fails"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		_, err = io.ReadAll(s)
		_ = s.Close()
		if !errors.Is(err, provider.ErrTranscodeFailed) {
			t.Fatalf("ReadAll error = %v, want ErrTranscodeFailed", err)
		}

		waitFor(t, "claim release", func() bool { return !registry.Claimed("fails") })
		if ok, err := store.Exists(context.Background(), "fails"); err != nil || ok {
			t.Errorf("Exists after failure = %v, %v; want false", ok, err)
		}
		if stat, _ := store.Stat(context.Background(), "fails"); stat.State != artifact.StateAbsent {
			t.Errorf("state after failure = %v, want absent", stat.State)
		}

		mock.err = nil
		s, err = c.Request(context.Background(), request("fails"))
		if err != nil {
			t.Fatalf("retry Request: %v", err)
		}
		data, err := io.ReadAll(s)
		_ = s.Close()
		if err != nil || string(data) != "12345678" {
			t.Errorf("retry got %q, %v", data, err)
		}
		if calls := mock.calls.Load(); calls != 2 {
			t.Errorf("provider invoked %d times, want 2", calls)
		}
	})
}

func TestTwoSimultaneousRequestsShareOneProduction(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 2)
		mock := &mockProvider{output: []byte{1, 2, 3, 4}, delay: 100 * time.Millisecond}
		c := newTestCoordinator(t, store, mock, nil)

		var wg sync.WaitGroup
		got := make([][]byte, 2)
		errs := make([]error, 2)
		for i := range 2 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := c.Request(context.Background(), request("abc123"))
				if err != nil {
					errs[i] = err
					return
				}
				defer s.Close()
				got[i], errs[i] = io.ReadAll(s)
			}(i)
		}
		wg.Wait()

		for i := range 2 {
			if errs[i] != nil {
				t.Fatalf("requester %d: %v", i, errs[i])
			}
			if !bytes.Equal(got[i], []byte{1, 2, 3, 4}) {
				t.Errorf("requester %d got %v", i, got[i])
			}
		}
		if stored := storedBytes(t, store, "abc123"); !bytes.Equal(stored, []byte{1, 2, 3, 4}) {
			t.Errorf("store holds %v", stored)
		}
		if calls := mock.calls.Load(); calls != 1 {
			t.Errorf("provider invoked %d times, want 1", calls)
		}
	})
}

func TestDisconnectingConsumerDoesNotAffectOthers(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 1)
		step := make(chan struct{})
		mock := &mockProvider{output: []byte{1, 2, 3, 4}, step: step}
		c := newTestCoordinator(t, store, mock, nil)

		a, err := c.Request(context.Background(), request("disconnect"))
		if err != nil {
			t.Fatalf("Request a: %v", err)
		}
		b, err := c.Request(context.Background(), request("disconnect"))
		if err != nil {
			t.Fatalf("Request b: %v", err)
		}
		defer b.Close()

		step <- struct{}{}
		first := make([]byte, 1)
		if _, err := io.ReadFull(a, first); err != nil || first[0] != 1 {
			t.Fatalf("a first byte = %v, %v", first, err)
		}
		_ = a.Close()

		go func() {
			for range 3 {
				step <- struct{}{}
			}
		}()
		rest, err := io.ReadAll(b)
		if err != nil {
			t.Fatalf("b ReadAll: %v", err)
		}
		if !bytes.Equal(rest, []byte{1, 2, 3, 4}) {
			t.Errorf("b got %v", rest)
		}
		if stored := storedBytes(t, store, "disconnect"); !bytes.Equal(stored, []byte{1, 2, 3, 4}) {
			t.Errorf("store holds %v", stored)
		}
	})
}

func TestCacheHitBypassesFailingProvider(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 4)
		ctx := context.Background()
		w, err := store.BeginWrite(ctx, "cached", "audio/mpeg")
		if err != nil {
			t.Fatalf("BeginWrite: %v", err)
		}
		_ = w.Append(ctx, []byte("prer"))
		_ = w.Append(ctx, []byte("eco"))
		if _, err := w.Commit(ctx); err != nil {
			t.Fatalf("Commit: %v", err)
		}

		mock := &mockProvider{err: provider.ErrProviderUnavailable}
		c := newTestCoordinator(t, store, mock, nil)

		s, err := c.Request(ctx, request("cached"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		defer s.Close()
		data, err := io.ReadAll(s)
		if err != nil || string(data) != "prereco" {
			t.Errorf("got %q, %v", data, err)
		}
		if s.Size() != 7 || s.ContentType() != "audio/mpeg" {
			t.Errorf("Size() = %d, ContentType() = %q", s.Size(), s.ContentType())
		}
		if calls := mock.calls.Load(); calls != 0 {
			t.Errorf("provider invoked %d times on a cache hit", calls)
		}
	})
}

func TestSlowConsumerIsDropped(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 1)
		step := make(chan struct{})
		output := []byte("abcdef")
		mock := &mockProvider{output: output, step: step}
		const stall = 20 * time.Millisecond
		c := newTestCoordinator(t, store, mock, func(cfg *Config) {
			cfg.ConsumerQueue = 1
			cfg.ConsumerStall = stall
		})

		slow, err := c.Request(context.Background(), request("slow"))
		if err != nil {
			t.Fatalf("Request slow: %v", err)
		}
		defer slow.Close()
		fast, err := c.Request(context.Background(), request("slow"))
		if err != nil {
			t.Fatalf("Request fast: %v", err)
		}
		defer fast.Close()

		// slow never reads, so it is stalled once its queue fills up.
		time.Sleep(3 * stall)

		got := make([]byte, 0, len(output))
		buf := make([]byte, 1)
		for range output {
			step <- struct{}{}
			if _, err := io.ReadFull(fast, buf); err != nil {
				t.Fatalf("fast read: %v", err)
			}
			got = append(got, buf[0])
		}
		if _, err := fast.Read(buf); err != io.EOF {
			t.Errorf("fast final read error = %v, want EOF", err)
		}
		if !bytes.Equal(got, output) {
			t.Errorf("fast consumer got %q", got)
		}

		data, err := io.ReadAll(slow)
		if !errors.Is(err, ErrConsumerTooSlow) {
			t.Errorf("slow consumer error = %v, want ErrConsumerTooSlow", err)
		}
		if string(data) != "a" {
			t.Errorf("slow consumer received %q before being dropped", data)
		}
		if stored := storedBytes(t, store, "slow"); !bytes.Equal(stored, output) {
			t.Errorf("store holds %q", stored)
		}
	})
}

func TestLaggingConsumerReceivesEverything(t *testing.T) {
	output := make([]byte, 1000)
	for i := range output {
		output[i] = byte(i*13 + i/7)
	}

	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		t.Run("steady reader", func(t *testing.T) {
			store := newStore(t, 7)
			mock := &mockProvider{output: output}
			c := newTestCoordinator(t, store, mock, func(cfg *Config) { cfg.ConsumerQueue = 2 })

			s, err := c.Request(context.Background(), request("steady"))
			if err != nil {
				t.Fatalf("Request: %v", err)
			}
			defer s.Close()

			var got []byte
			buf := make([]byte, 5)
			for {
				n, err := s.Read(buf)
				got = append(got, buf[:n]...)
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("Read after %d bytes: %v", len(got), err)
				}
				if len(got)%100 == 0 {
					time.Sleep(time.Millisecond)
				}
			}
			if !bytes.Equal(got, output) {
				t.Errorf("received %d bytes that differ from the provider output", len(got))
			}
		})

		t.Run("reads after commit", func(t *testing.T) {
			store := newStore(t, 7)
			step := make(chan struct{})
			mock := &mockProvider{output: output, step: step}
			c := newTestCoordinator(t, store, mock, func(cfg *Config) { cfg.ConsumerQueue = 2 })

			s, err := c.Request(context.Background(), request("parked"))
			if err != nil {
				t.Fatalf("Request: %v", err)
			}
			defer s.Close()

			// Two 7-byte chunks cover the first 10 bytes.
			fed := make(chan struct{})
			go func() {
				for range 14 {
					step <- struct{}{}
				}
				close(fed)
			}()
			head := make([]byte, 10)
			if _, err := io.ReadFull(s, head); err != nil {
				t.Fatalf("ReadFull: %v", err)
			}
			<-fed

			close(step)
			waitFor(t, "commit", func() bool {
				ok, err := store.Exists(context.Background(), fingerprint.Fingerprint("parked"))
				return err == nil && ok
			})

			rest, err := io.ReadAll(s)
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if got := append(head, rest...); !bytes.Equal(got, output) {
				t.Errorf("received %d bytes that differ from the provider output", len(got))
			}
		})
	})
}

func TestLateConsumerReplaysBacklog(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 1)
		step := make(chan struct{})
		mock := &mockProvider{output: []byte("backlog"), step: step}
		c := newTestCoordinator(t, store, mock, nil)

		early, err := c.Request(context.Background(), request("late"))
		if err != nil {
			t.Fatalf("Request early: %v", err)
		}
		defer early.Close()

		buf := make([]byte, 3)
		go func() {
			for range 3 {
				step <- struct{}{}
			}
		}()
		if _, err := io.ReadFull(early, buf); err != nil {
			t.Fatalf("early read: %v", err)
		}

		late, err := c.Request(context.Background(), request("late"))
		if err != nil {
			t.Fatalf("Request late: %v", err)
		}
		defer late.Close()

		go func() {
			for range 4 {
				step <- struct{}{}
			}
		}()
		got, err := io.ReadAll(late)
		if err != nil {
			t.Fatalf("late ReadAll: %v", err)
		}
		if string(got) != "backlog" {
			t.Errorf("late consumer got %q", got)
		}
	})
}

func TestAbandonPolicies(t *testing.T) {
	t.Run("cancel when abandoned", func(t *testing.T) {
		store := artifact.NewMemoryStore(4)
		mock := &mockProvider{blockUntilCancel: true}
		registry := NewRegistry()
		c := newTestCoordinator(t, store, mock, func(cfg *Config) {
			cfg.Abandon = CancelWhenAbandoned
			cfg.Registry = registry
		})

		s, err := c.Request(context.Background(), request("abandon"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		waitFor(t, "production start", func() bool { return mock.calls.Load() == 1 })
		_ = s.Close()

		waitFor(t, "claim release", func() bool { return !registry.Claimed("abandon") })
		if ok, _ := store.Exists(context.Background(), "abandon"); ok {
			t.Error("abandoned production was committed")
		}
	})

	t.Run("run to completion", func(t *testing.T) {
		store := artifact.NewMemoryStore(4)
		mock := &mockProvider{output: []byte("keep going"), delay: 50 * time.Millisecond}
		c := newTestCoordinator(t, store, mock, nil)

		s, err := c.Request(context.Background(), request("finish"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		_ = s.Close()

		waitFor(t, "commit", func() bool {
			ok, _ := store.Exists(context.Background(), "finish")
			return ok
		})
		if got := storedBytes(t, store, "finish"); string(got) != "keep going" {
			t.Errorf("store holds %q", got)
		}
	})
}

func TestRequesterCancellationLeavesProductionRunning(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	mock := &mockProvider{output: []byte("independent"), delay: 100 * time.Millisecond}
	c := newTestCoordinator(t, store, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := c.Request(ctx, request("detached"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	cancel()
	if _, err := io.ReadAll(s); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled consumer error = %v", err)
	}
	_ = s.Close()

	waitFor(t, "commit", func() bool {
		ok, _ := store.Exists(context.Background(), "detached")
		return ok
	})
}

func TestTimeout(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	mock := &mockProvider{blockUntilCancel: true}
	c := newTestCoordinator(t, store, mock, func(cfg *Config) { cfg.MaxDuration = 50 * time.Millisecond })

	s, err := c.Request(context.Background(), request("slowpoke"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer s.Close()

	_, err = io.ReadAll(s)
	if !errors.Is(err, provider.ErrTranscodeTimeout) {
		t.Fatalf("ReadAll error = %v, want ErrTranscodeTimeout", err)
	}
	if !errors.Is(err, provider.ErrTranscodeFailed) {
		t.Error("timeout error does not match ErrTranscodeFailed")
	}
	if !Retryable(err) {
		t.Error("timeout should be retryable")
	}
}

func TestSourceFailure(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	mock := &mockProvider{output: []byte("never")}
	c := newTestCoordinator(t, store, mock, func(cfg *Config) {
		cfg.Source = staticSource{err: fmt.Errorf("%w: upstream returned 404", provider.ErrSourceFetchFailed)}
	})

	s, err := c.Request(context.Background(), request("nosource"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer s.Close()
	if _, err := io.ReadAll(s); !errors.Is(err, provider.ErrSourceFetchFailed) {
		t.Errorf("ReadAll error = %v, want ErrSourceFetchFailed", err)
	}
	if mock.calls.Load() != 0 {
		t.Error("provider invoked without a source")
	}
}

// truncatingProvider copies whatever source it can read and reports a
// clean end of stream, like an encoder that treats a short input as EOF.
type truncatingProvider struct{}

func (truncatingProvider) Name() string { return "truncating" }

func (truncatingProvider) Transcode(_ context.Context, src io.Reader, _ fingerprint.Params) (io.ReadCloser, error) {
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, src)
	return io.NopCloser(&buf), nil
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, fmt.Errorf("%w: connection reset", provider.ErrSourceFetchFailed)
}

type truncatedSource struct{}

func (truncatedSource) Open(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(&failingReader{}), nil
}

func TestTruncatedSourceIsNotCommitted(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	c := newTestCoordinator(t, store, truncatingProvider{}, func(cfg *Config) { cfg.Source = truncatedSource{} })

	s, err := c.Request(context.Background(), request("truncated"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer s.Close()
	if _, err := io.ReadAll(s); !errors.Is(err, provider.ErrSourceFetchFailed) {
		t.Errorf("ReadAll error = %v, want ErrSourceFetchFailed", err)
	}
	waitFor(t, "abort", func() bool {
		stat, _ := store.Stat(context.Background(), "truncated")
		return stat.State == artifact.StateAbsent
	})
}

func TestAwait(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		store := newStore(t, 4)
		mock := &mockProvider{output: []byte("awaited bytes"), delay: 30 * time.Millisecond}
		c := newTestCoordinator(t, store, mock, nil)

		meta, err := c.Await(context.Background(), request("await"))
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
		if meta.Size != int64(len("awaited bytes")) || meta.State != artifact.StateComplete {
			t.Errorf("meta = %+v", meta)
		}

		meta, err = c.Await(context.Background(), request("await"))
		if err != nil || meta.Size != 13 {
			t.Errorf("second Await = %+v, %v", meta, err)
		}
		if calls := mock.calls.Load(); calls != 1 {
			t.Errorf("provider invoked %d times, want 1", calls)
		}
	})
}

func TestAwaitKeepsAbandonableProductionAlive(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	mock := &mockProvider{output: []byte("waiter"), delay: 80 * time.Millisecond}
	c := newTestCoordinator(t, store, mock, func(cfg *Config) { cfg.Abandon = CancelWhenAbandoned })

	s, err := c.Request(context.Background(), request("waiter"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Await(context.Background(), request("waiter"))
		done <- err
	}()
	waitFor(t, "waiter registration", func() bool {
		active := c.Active()
		return len(active) == 1 && active[0].Waiters == 1
	})
	_ = s.Close()

	if err := <-done; err != nil {
		t.Fatalf("Await: %v", err)
	}
	if ok, _ := store.Exists(context.Background(), "waiter"); !ok {
		t.Error("production with a waiter was cancelled")
	}
}

func TestActive(t *testing.T) {
	store := artifact.NewMemoryStore(1)
	step := make(chan struct{})
	mock := &mockProvider{output: []byte("xy"), step: step}
	c := newTestCoordinator(t, store, mock, nil)

	s, err := c.Request(context.Background(), request("active"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer s.Close()

	step <- struct{}{}
	buf := make([]byte, 1)
	if _, err := io.ReadFull(s, buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	active := c.Active()
	if len(active) != 1 {
		t.Fatalf("Active() returned %d jobs", len(active))
	}
	info := active[0]
	if info.Fingerprint != "active" || info.State != "producing" || info.Consumers != 1 || info.Chunks != 1 {
		t.Errorf("JobInfo = %+v", info)
	}

	step <- struct{}{}
	if _, err := io.ReadAll(s); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	waitFor(t, "job removal", func() bool { return len(c.Active()) == 0 })
}

func TestShutdown(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	mock := &mockProvider{blockUntilCancel: true}
	c, err := New(Config{Store: store, Provider: mock, Source: staticSource{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	s, err := c.Request(context.Background(), request("inflight"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	defer s.Close()
	waitFor(t, "production start", func() bool { return mock.calls.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := io.ReadAll(s); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("in-flight consumer error = %v, want ErrShuttingDown", err)
	}
	if _, err := c.Request(context.Background(), request("after")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Request after Shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestWorkerSlotsBoundConcurrency(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	var running, peak atomic.Int32
	p := &gaugeProvider{running: &running, peak: &peak}
	c := newTestCoordinator(t, store, p, func(cfg *Config) { cfg.Workers = 2 })

	var wg sync.WaitGroup
	for i := range 6 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Request(context.Background(), request(fmt.Sprintf("slot%d", i)))
			if err != nil {
				t.Errorf("Request %d: %v", i, err)
				return
			}
			defer s.Close()
			_, _ = io.ReadAll(s)
		}(i)
	}
	wg.Wait()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent invocations = %d, want <= 2", got)
	}
}

type gaugeProvider struct {
	running, peak *atomic.Int32
}

func (g *gaugeProvider) Name() string { return "gauge" }

func (g *gaugeProvider) Transcode(ctx context.Context, _ io.Reader, _ fingerprint.Params) (io.ReadCloser, error) {
	n := g.running.Add(1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return &gaugeOutput{g: g, r: strings.NewReader("out")}, nil
}

type gaugeOutput struct {
	g    *gaugeProvider
	r    io.Reader
	once sync.Once
}

func (o *gaugeOutput) Read(p []byte) (int, error) { return o.r.Read(p) }

func (o *gaugeOutput) Close() error {
	o.once.Do(func() { o.g.running.Add(-1) })
	return nil
}

func TestRequestValidation(t *testing.T) {
	c := newTestCoordinator(t, artifact.NewMemoryStore(4), &mockProvider{}, nil)

	if _, err := c.Request(context.Background(), Request{Source: "http://x/"}); !errors.Is(err, fingerprint.ErrInvalidInput) {
		t.Errorf("empty fingerprint error = %v", err)
	}
	if _, err := c.Request(context.Background(), Request{Fingerprint: "abc"}); !errors.Is(err, fingerprint.ErrInvalidInput) {
		t.Errorf("empty source error = %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); err == nil {
		t.Error("New accepted an empty config")
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	lookups map[string]int
	results []string
	drops   int
}

func (r *recordingObserver) CacheLookup(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookups == nil {
		r.lookups = map[string]int{}
	}
	r.lookups[result]++
}

func (r *recordingObserver) JobStarted(string) {}

func (r *recordingObserver) JobFinished(_, outcome string, _ time.Duration, _ int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, outcome)
}

func (r *recordingObserver) ChunkProduced(int) {}

func (r *recordingObserver) ConsumerDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drops++
}

func TestObserver(t *testing.T) {
	store := artifact.NewMemoryStore(4)
	obs := &recordingObserver{}
	c := newTestCoordinator(t, store, &mockProvider{output: []byte("observed")}, func(cfg *Config) { cfg.Observer = obs })

	for range 2 {
		s, err := c.Request(context.Background(), request("observed"))
		if err != nil {
			t.Fatalf("Request: %v", err)
		}
		_, _ = io.ReadAll(s)
		_ = s.Close()
	}

	waitFor(t, "job finished", func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return len(obs.results) == 1
	})
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.lookups["miss"] != 1 || obs.lookups["hit"] != 1 {
		t.Errorf("lookups = %v, want one miss and one hit", obs.lookups)
	}
	if obs.results[0] != "success" {
		t.Errorf("outcome = %q, want success", obs.results[0])
	}
}
