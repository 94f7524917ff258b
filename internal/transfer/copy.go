// Package transfer streams bytes from a source to a sink while computing a
// running digest over exactly the bytes read.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultBufferSize is the fixed copy buffer.
	DefaultBufferSize = 64 * 1024

	// DefaultProgressThreshold is how many bytes pass between progress signals.
	DefaultProgressThreshold int64 = 64 << 20
)

// ErrStream matches any *StreamError.
var ErrStream = errors.New("stream failure")

// Stream operations reported in StreamError.Op.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// StreamError aborts a copy. No digest is produced alongside it.
type StreamError struct {
	Op    string
	Bytes int64 // bytes fully copied before the failure
	Err   error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s failed after %d bytes: %v", e.Op, e.Bytes, e.Err)
}

// Unwrap exposes both ErrStream and the underlying I/O error.
func (e *StreamError) Unwrap() []error {
	return []error{ErrStream, e.Err}
}

// Progress receives liveness signals from a running copy.
type Progress interface {
	OnProgress(bytes int64, sinceLast time.Duration)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(bytes int64, sinceLast time.Duration)

// OnProgress implements Progress.
func (f ProgressFunc) OnProgress(bytes int64, sinceLast time.Duration) {
	f(bytes, sinceLast)
}

type nopProgress struct{}

func (nopProgress) OnProgress(int64, time.Duration) {}

// Config configures a Copier. Zero values select the defaults.
type Config struct {
	BufferSize        int
	ProgressThreshold int64
	Algorithm         Algorithm
	Progress          Progress
	Now               func() time.Time // for tests
}

// Result describes a completed copy.
type Result struct {
	Bytes    int64
	Digest   Digest
	Duration time.Duration
	Signals  int // progress signals emitted
}

// Copier runs streaming copies. It is safe for concurrent use; every copy
// owns its buffer and digest state.
type Copier struct {
	threshold int64
	algorithm Algorithm
	progress  Progress
	now       func() time.Time
	buffers   *bufferPool
	log       *slog.Logger
}

// NewCopier validates cfg and returns a Copier.
func NewCopier(cfg Config) (*Copier, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ProgressThreshold <= 0 {
		cfg.ProgressThreshold = DefaultProgressThreshold
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = MD5
	}
	if _, err := cfg.Algorithm.New(); err != nil {
		return nil, err
	}
	if cfg.Progress == nil {
		cfg.Progress = nopProgress{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Copier{
		threshold: cfg.ProgressThreshold,
		algorithm: cfg.Algorithm,
		progress:  cfg.Progress,
		now:       cfg.Now,
		buffers:   newBufferPool(cfg.BufferSize),
		log:       slog.With("component", "transfer"),
	}, nil
}

// Algorithm returns the digest algorithm used by this copier.
func (c *Copier) Algorithm() Algorithm {
	return c.algorithm
}

// Copy copies src to dst until src is exhausted, signalling the configured
// Progress each time the running total crosses a multiple of the threshold.
func (c *Copier) Copy(dst io.Writer, src io.Reader) (*Result, error) {
	return c.CopyWithProgress(dst, src, c.progress)
}

// CopyWithProgress is Copy with a per-call progress collaborator.
func (c *Copier) CopyWithProgress(dst io.Writer, src io.Reader, p Progress) (*Result, error) {
	if p == nil {
		p = nopProgress{}
	}

	h, err := c.algorithm.New()
	if err != nil {
		return nil, err
	}

	bp := c.buffers.get()
	defer c.buffers.put(bp)
	buf := *bp

	start := c.now()
	last := start
	next := c.threshold
	var count int64
	signals := 0

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			wn, werr := dst.Write(buf[:n])
			if werr == nil && wn != n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return nil, &StreamError{Op: OpWrite, Bytes: count, Err: werr}
			}
			h.Write(buf[:n])
			count += int64(n)

			for count >= next {
				now := c.now()
				p.OnProgress(count, now.Sub(last))
				c.log.Debug("transfer progress", "bytes", count, "since_last_ms", now.Sub(last).Milliseconds())
				last = now
				next += c.threshold
				signals++
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, &StreamError{Op: OpRead, Bytes: count, Err: rerr}
		}
	}

	elapsed := c.now().Sub(start)
	c.log.Debug("transfer complete", "bytes", count, "duration_ms", elapsed.Milliseconds())

	return &Result{
		Bytes:    count,
		Digest:   Digest{Algorithm: c.algorithm, Sum: h.Sum(nil)},
		Duration: elapsed,
		Signals:  signals,
	}, nil
}
