// Package fifo implements the frame channel: a named pipe with exactly one
// writer (the frame source) and one reader (the encoder).
package fifo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/smazurov/framerelay/internal/logging"
	"golang.org/x/sys/unix"
)

// ErrExists is returned by Create when something already occupies the path.
var ErrExists = errors.New("fifo: channel already exists")

// ErrNotFIFO is returned by RemoveStale when the path is not a named pipe.
var ErrNotFIFO = errors.New("fifo: path exists and is not a named pipe")

// openPollInterval is how often OpenWriter retries while no reader is attached.
const openPollInterval = 20 * time.Millisecond

// Channel is a named pipe created for one run.
type Channel struct {
	path   string
	logger logging.Logger

	mu      sync.Mutex
	writer  *Writer
	removed bool
}

// RemoveStale deletes a named pipe left behind at path by an earlier run.
// A missing path is not an error; anything other than a pipe is refused.
func RemoveStale(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fifo: stat %s: %w", path, err)
	}
	if info.Mode()&fs.ModeNamedPipe == 0 {
		return fmt.Errorf("%w: %s (%s)", ErrNotFIFO, path, info.Mode().Type())
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fifo: remove stale %s: %w", path, err)
	}
	return nil
}

// Create makes a fresh named pipe at path. The path must not exist.
func Create(path string, logger logging.Logger) (*Channel, error) {
	if _, err := os.Lstat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("fifo: mkfifo %s: %w", path, err)
	}
	logger.Debug("Channel created", "path", path)
	return &Channel{path: path, logger: logger}, nil
}

// Path returns the pipe's filesystem path; the encoder opens it for reading.
func (c *Channel) Path() string {
	return c.path
}

// OpenWriter opens the write end, waiting until a reader has the pipe open.
// It returns ctx.Err() if ctx ends first. Only one writer may be opened
// over the channel's lifetime.
func (c *Channel) OpenWriter(ctx context.Context) (*Writer, error) {
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return nil, fmt.Errorf("fifo: %s already removed", c.path)
	}
	if c.writer != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("fifo: %s already has a writer", c.path)
	}
	c.mu.Unlock()

	ticker := time.NewTicker(openPollInterval)
	defer ticker.Stop()

	for {
		// O_NONBLOCK fails with ENXIO while there is no reader instead of
		// blocking in open(2), which keeps this loop cancellable.
		f, err := os.OpenFile(c.path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			w := &Writer{file: f}
			c.mu.Lock()
			if c.writer != nil || c.removed {
				c.mu.Unlock()
				f.Close()
				return nil, fmt.Errorf("fifo: %s writer raced with close", c.path)
			}
			c.writer = w
			c.mu.Unlock()
			c.logger.Debug("Channel writer attached", "path", c.path)
			return w, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("fifo: open %s for writing: %w", c.path, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Remove closes the write end if still open and deletes the pipe.
// Safe to call more than once; only the first call does anything.
func (c *Channel) Remove() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return nil
	}
	c.removed = true

	var errs []error
	if c.writer != nil {
		if err := c.writer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, fmt.Errorf("fifo: remove %s: %w", c.path, err))
	}
	c.logger.Debug("Channel removed", "path", c.path)
	return errors.Join(errs...)
}

// Writer is the channel's single write end.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	frames uint64
	bytes  int64
	closed bool
}

// WriteFrame copies all of r into the channel before returning. Frames are
// serialized so one frame's bytes are never interleaved with another's.
// A short copy is reported as an error.
func (w *Writer) WriteFrame(r io.Reader) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, os.ErrClosed
	}

	n, err := io.Copy(w.file, r)
	w.bytes += n
	if err != nil {
		return n, fmt.Errorf("fifo: write frame: %w", err)
	}
	w.frames++
	return n, nil
}

// Stats returns the number of complete frames and bytes written.
func (w *Writer) Stats() (frames uint64, bytes int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames, w.bytes
}

// Close closes the write end; the reader then sees end of input.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
