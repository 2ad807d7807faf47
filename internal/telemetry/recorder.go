package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/trimitri/jokarus/internal/metrics"
)

// ErrRecorderClosed is returned by Publish after Close.
var ErrRecorderClosed = errors.New("recorder closed")

// maxFrameBytes bounds a single recorded line when reading back.
const maxFrameBytes = 1 << 20

// RecorderConfig configures the on-disk flight recording.
type RecorderConfig struct {
	Dir          string
	FilePrefix   string // default "flight"
	MaxFileBytes int64  // compressed size per file before rotation (default 64 MiB)
}

// countingWriter tracks compressed bytes actually written to disk.
type countingWriter struct {
	f *os.File
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.f.Write(p)
	c.n += int64(n)
	return n, err
}

// Recorder appends every frame to a gzip JSONL file, one frame per
// line. Each frame is flushed through to disk so a recording survives
// losing power mid-flight.
type Recorder struct {
	cfg    RecorderConfig
	logger *slog.Logger

	mu     sync.Mutex
	out    *countingWriter
	gz     *gzip.Writer
	seq    int
	closed bool
}

// NewRecorder creates the recording directory and opens the first file.
func NewRecorder(cfg RecorderConfig, logger *slog.Logger) (*Recorder, error) {
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "flight"
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 64 << 20
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}

	r := &Recorder{
		cfg:    cfg,
		logger: logger.With("component", "recorder"),
	}
	if err := r.openNext(); err != nil {
		return nil, err
	}
	return r, nil
}

// Publish appends one frame to the recording.
func (r *Recorder) Publish(_ context.Context, _ FrameKind, frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRecorderClosed
	}

	before := r.out.n
	if _, err := r.gz.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := r.gz.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := r.gz.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}

	metrics.RecorderFramesWritten.Inc()
	metrics.RecorderBytesWritten.Add(float64(r.out.n - before))

	if r.out.n >= r.cfg.MaxFileBytes {
		if err := r.rotateLocked(); err != nil {
			return err
		}
	}
	return nil
}

// Path reports the file currently being written.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.out == nil {
		return ""
	}
	return r.out.f.Name()
}

// Close flushes and closes the current file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.closeLocked()
}

func (r *Recorder) rotateLocked() error {
	old := r.out.f.Name()
	if err := r.closeLocked(); err != nil {
		return err
	}
	if err := r.openNext(); err != nil {
		return err
	}
	r.logger.Info("rotated recording", "closed", old, "opened", r.out.f.Name())
	return nil
}

func (r *Recorder) closeLocked() error {
	if r.gz == nil {
		return nil
	}
	if err := r.gz.Close(); err != nil {
		return fmt.Errorf("close gzip stream: %w", err)
	}
	if err := r.out.f.Sync(); err != nil {
		return fmt.Errorf("sync recording: %w", err)
	}
	if err := r.out.f.Close(); err != nil {
		return fmt.Errorf("close recording: %w", err)
	}
	r.gz = nil
	return nil
}

func (r *Recorder) openNext() error {
	r.seq++
	name := fmt.Sprintf("%s-%s-%03d.jsonl.gz",
		r.cfg.FilePrefix, time.Now().UTC().Format("20060102-150405"), r.seq)
	f, err := os.OpenFile(filepath.Join(r.cfg.Dir, name), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	r.out = &countingWriter{f: f}
	r.gz = gzip.NewWriter(r.out)
	return nil
}

// ReadRecording streams the frames of one recording file through fn in
// write order. Reading stops at the first corrupt line or fn error.
func ReadRecording(path string, fn func(Frame) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			return fmt.Errorf("corrupt frame at line %d: %w", line, err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read recording: %w", err)
	}
	return nil
}
