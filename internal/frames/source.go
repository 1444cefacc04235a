package frames

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smazurov/framerelay/internal/config"
	"github.com/smazurov/framerelay/internal/events"
	"github.com/smazurov/framerelay/internal/metrics"
)

// DefaultRescanInterval bounds how long a lost notification can delay a frame.
const DefaultRescanInterval = 2 * time.Second

// ErrFrameVanished is returned under the fail policy when a listed frame is
// gone before it could be read.
var ErrFrameVanished = errors.New("frames: frame vanished before delivery")

// Sink receives frame content. WriteFrame must consume all of r or fail.
type Sink interface {
	WriteFrame(r io.Reader) (int64, error)
}

// Source delivers frames from a watch directory to a Sink, oldest name first,
// each exactly once.
type Source struct {
	cfg    config.Frames
	logger *slog.Logger
	bus    *events.Bus
	rescan time.Duration

	last     string          // name of the last delivered frame
	reported map[string]bool // names already warned about as out of order
	seq      atomic.Uint64
}

// Option configures a Source.
type Option func(*Source)

// WithRescanInterval sets how often the directory is drained without a
// notification. Zero or negative disables periodic rescans.
func WithRescanInterval(d time.Duration) Option {
	return func(s *Source) { s.rescan = d }
}

// WithEvents publishes delivery and vanish events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *Source) { s.bus = bus }
}

// NewSource creates a source over cfg.Dir.
func NewSource(cfg config.Frames, logger *slog.Logger, opts ...Option) *Source {
	s := &Source{
		cfg:      cfg,
		logger:   logger,
		rescan:   DefaultRescanInterval,
		reported: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Delivered returns how many frames have been delivered. Safe to call
// while Run is active.
func (s *Source) Delivered() uint64 {
	return s.seq.Load()
}

// Run drains the directory, then waits for change notifications and drains
// again, until ctx is cancelled or the end marker is seen. Both are normal
// completion and return nil. Cancellation is honoured between frames and
// while waiting, never in the middle of a frame.
func (s *Source) Run(ctx context.Context, sink Sink) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("frames: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch before the first drain so nothing written in between is missed.
	if err := watcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("frames: watch %s: %w", s.cfg.Dir, err)
	}
	s.logger.Info("Watching for frames", "dir", s.cfg.Dir, "extension", s.cfg.Extension)

	var rescan <-chan time.Time
	if s.rescan > 0 {
		ticker := time.NewTicker(s.rescan)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		done, err := s.Drain(ctx, sink)
		if err != nil {
			return err
		}
		if done {
			s.logger.Info("End marker seen, frame source complete", "frames", s.Delivered())
			return nil
		}

		if err := s.wait(ctx, watcher, rescan); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("Frame source stopped", "frames", s.Delivered())
				return nil
			}
			return err
		}
	}
}

// wait blocks until something suggests the directory changed.
func (s *Source) wait(ctx context.Context, watcher *fsnotify.Watcher, rescan <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return errors.New("frames: watcher closed")
			}
			// Our own deletions and attribute changes bring nothing new.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				s.logger.Debug("Directory change", "op", ev.Op.String(), "name", filepath.Base(ev.Name))
				return nil
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("frames: watcher closed")
			}
			// Usually a queue overflow: events were lost, so rescan.
			s.logger.Warn("Watcher error, rescanning", "error", err)
			return nil

		case <-rescan:
			return nil
		}
	}
}

// Drain delivers every pending frame, listing again until a pass finds
// nothing new. It reports done once the end marker is present and no
// frames remain; the marker is then removed.
func (s *Source) Drain(ctx context.Context, sink Sink) (done bool, err error) {
	for {
		if ctx.Err() != nil {
			return false, nil
		}

		// Check the marker before listing: the renderer writes it after the
		// last frame, so every frame it precedes is already visible.
		markerSeen := s.markerPresent()

		pending, err := list(s.cfg.Dir, s.cfg.Extension)
		if err != nil {
			return false, fmt.Errorf("frames: list %s: %w", s.cfg.Dir, err)
		}

		delivered := 0
		for _, frame := range pending {
			if frame.Name == s.cfg.EndMarker {
				continue
			}
			if frame.Name <= s.last {
				s.reportStale(frame)
				continue
			}
			if ctx.Err() != nil {
				return false, nil
			}
			ok, err := s.deliver(frame, sink)
			if err != nil {
				return false, err
			}
			if ok {
				delivered++
			}
		}

		if delivered > 0 {
			continue
		}
		if markerSeen {
			s.removeMarker()
			return true, nil
		}
		return false, nil
	}
}

// deliver writes one frame to the sink and removes its file afterwards.
// It returns false for a soft miss (the file vanished).
func (s *Source) deliver(frame Frame, sink Sink) (bool, error) {
	f, err := os.Open(frame.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, s.vanished(frame)
		}
		return false, fmt.Errorf("frames: open %s: %w", frame.Name, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return false, fmt.Errorf("frames: stat %s: %w", frame.Name, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return false, s.vanished(frame)
	}

	n, err := sink.WriteFrame(f)
	f.Close()
	if err != nil {
		// The file stays put so a rerun can pick it up.
		return false, fmt.Errorf("frames: deliver %s (%d of %d bytes written): %w", frame.Name, n, info.Size(), err)
	}

	s.last = frame.Name
	seq := s.seq.Add(1)
	metrics.FrameDelivered(n)
	s.bus.Publish(events.FrameDeliveredEvent{
		Path:      frame.Path,
		Bytes:     n,
		Sequence:  seq,
		Timestamp: time.Now(),
	})
	s.logger.Debug("Frame delivered", "name", frame.Name, "bytes", n, "seq", seq)

	if err := os.Remove(frame.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		metrics.FrameDeleteFailed()
		s.logger.Warn("Failed to remove delivered frame", "name", frame.Name, "error", err)
	}
	return true, nil
}

// vanished applies the configured policy to a frame that disappeared.
func (s *Source) vanished(frame Frame) error {
	metrics.FrameVanished()
	s.bus.Publish(events.FrameVanishedEvent{Path: frame.Path, Timestamp: time.Now()})

	switch s.cfg.Vanished {
	case config.VanishedIgnore:
		s.logger.Debug("Frame vanished before delivery", "name", frame.Name)
		return nil
	case config.VanishedFail:
		return fmt.Errorf("%w: %s", ErrFrameVanished, frame.Name)
	default:
		s.logger.Warn("Frame vanished before delivery, sequence has a gap", "name", frame.Name)
		return nil
	}
}

// reportStale warns once about a frame that sorts at or before the last
// delivered one. Delivering it would break ordering, so it is left in place.
func (s *Source) reportStale(frame Frame) {
	if frame.Name == s.last || s.reported[frame.Name] {
		return
	}
	s.reported[frame.Name] = true
	s.logger.Warn("Frame arrived out of order, leaving it in place",
		"name", frame.Name, "last_delivered", s.last)
}

func (s *Source) markerPresent() bool {
	if s.cfg.EndMarker == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.cfg.Dir, s.cfg.EndMarker))
	return err == nil
}

func (s *Source) removeMarker() {
	path := filepath.Join(s.cfg.Dir, s.cfg.EndMarker)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove end marker", "path", path, "error", err)
	}
}
