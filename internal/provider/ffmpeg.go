package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"feed-transcoder/internal/fingerprint"
	"feed-transcoder/internal/logging"
	"feed-transcoder/internal/mediatypes"
)

const (
	stderrTailBytes  = 4096
	defaultWaitDelay = 5 * time.Second
)

// FFmpeg transcodes by piping the source through an ffmpeg subprocess.
type FFmpeg struct {
	path      string
	waitDelay time.Duration

	processes map[*exec.Cmd]fingerprint.Params
	processMu sync.Mutex
}

// NewFFmpeg creates an FFmpeg provider. An empty path resolves "ffmpeg"
// from PATH at invocation time.
func NewFFmpeg(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:      path,
		waitDelay: defaultWaitDelay,
		processes: make(map[*exec.Cmd]fingerprint.Params),
	}
}

func (f *FFmpeg) Name() string { return string(KindFFmpeg) }

// Available reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// Args builds the ffmpeg command line for the given params.
func Args(p fingerprint.Params) ([]string, error) {
	format, ok := mediatypes.Lookup(p.Codec)
	if !ok {
		return nil, fmt.Errorf("%w: codec %q", ErrUnsupportedFormat, p.Codec)
	}
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-map_metadata", "-1",
		"-c:a", format.Encoder,
	}
	if p.BitrateKbps > 0 {
		args = append(args, "-b:a", strconv.Itoa(p.BitrateKbps)+"k")
	}
	if p.SampleRateHz > 0 {
		args = append(args, "-ar", strconv.Itoa(p.SampleRateHz))
	}
	if p.Channels > 0 {
		args = append(args, "-ac", strconv.Itoa(p.Channels))
	}
	args = append(args, "-f", format.Container, "pipe:1")
	return args, nil
}

// Transcode starts ffmpeg with src on stdin and returns its stdout. The
// process is killed if the returned reader is closed before EOF or ctx ends.
func (f *FFmpeg) Transcode(ctx context.Context, src io.Reader, p fingerprint.Params) (io.ReadCloser, error) {
	args, err := Args(p)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, f.path, args...)
	cmd.Stdin = src
	cmd.WaitDelay = f.waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr := &tailBuffer{max: stderrTailBytes}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	f.processMu.Lock()
	f.processes[cmd] = p
	f.processMu.Unlock()

	logging.Debug("Started ffmpeg pid %d: %s", cmd.Process.Pid, strings.Join(args, " "))

	return &ffmpegOutput{
		ctx:    ctx,
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done: func() {
			f.processMu.Lock()
			delete(f.processes, cmd)
			f.processMu.Unlock()
		},
	}, nil
}

// Active returns the number of running ffmpeg processes.
func (f *FFmpeg) Active() int {
	f.processMu.Lock()
	defer f.processMu.Unlock()
	return len(f.processes)
}

// Cleanup stops all active transcoding processes.
func (f *FFmpeg) Cleanup() {
	f.processMu.Lock()
	defer f.processMu.Unlock()

	for cmd, p := range f.processes {
		if cmd.Process != nil {
			logging.Info("Killing ffmpeg process %d (%s %dk)", cmd.Process.Pid, p.Codec, p.BitrateKbps)
			if err := cmd.Process.Kill(); err != nil {
				logging.Warn("failed to kill ffmpeg process %d: %v", cmd.Process.Pid, err)
			}
		}
	}
}

type ffmpegOutput struct {
	ctx    context.Context
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *tailBuffer
	done   func()

	once    sync.Once
	waitErr error
}

func (o *ffmpegOutput) Read(p []byte) (int, error) {
	n, err := o.stdout.Read(p)
	if err == nil {
		return n, nil
	}
	if err != io.EOF {
		// The pipe only fails like this when the process was killed.
		o.wait()
		if cerr := contextErr(o.ctx); cerr != nil {
			return n, cerr
		}
		return n, fmt.Errorf("%w: read output: %v", ErrTranscodeFailed, err)
	}
	if werr := o.wait(); werr != nil {
		return n, werr
	}
	return n, io.EOF
}

// wait reaps the process once and classifies its exit.
func (o *ffmpegOutput) wait() error {
	o.once.Do(func() {
		defer o.done()
		err := o.cmd.Wait()
		if err == nil {
			return
		}
		if cerr := contextErr(o.ctx); cerr != nil {
			o.waitErr = cerr
			return
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			o.waitErr = fmt.Errorf("%w: ffmpeg exited with code %d: %s",
				ErrTranscodeFailed, exitErr.ExitCode(), strings.TrimSpace(o.stderr.String()))
			return
		}
		o.waitErr = fmt.Errorf("%w: %v", ErrTranscodeFailed, err)
	})
	return o.waitErr
}

// Close kills the process if output was not read to EOF.
func (o *ffmpegOutput) Close() error {
	reaped := true
	o.once.Do(func() { reaped = false })
	if reaped {
		return nil
	}
	defer o.done()
	if o.cmd.Process != nil {
		_ = o.cmd.Process.Kill()
	}
	_ = o.cmd.Wait()
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
