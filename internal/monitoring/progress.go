// Package monitoring receives the encoder's -progress reports over a Unix
// socket and turns them into metrics.
package monitoring

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/smazurov/framerelay/internal/metrics"
)

// ProgressData is one complete ffmpeg progress block.
type ProgressData struct {
	Frame      string    `json:"frame,omitempty"`
	FPS        string    `json:"fps,omitempty"`
	Bitrate    string    `json:"bitrate,omitempty"`
	TotalSize  string    `json:"total_size,omitempty"`
	OutTimeUs  string    `json:"out_time_us,omitempty"`
	OutTime    string    `json:"out_time,omitempty"`
	DupFrames  string    `json:"dup_frames,omitempty"`
	DropFrames string    `json:"drop_frames,omitempty"`
	Speed      string    `json:"speed,omitempty"`
	Progress   string    `json:"progress,omitempty"` // "continue" or "end"
	Timestamp  time.Time `json:"timestamp"`
}

// ProgressListener accepts ffmpeg progress connections on a Unix socket.
type ProgressListener struct {
	socketPath string
	logger     *slog.Logger
	listener   net.Listener
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.RWMutex
	latest ProgressData
}

// NewProgressListener creates a listener for socketPath.
func NewProgressListener(socketPath string, logger *slog.Logger) *ProgressListener {
	ctx, cancel := context.WithCancel(context.Background())
	return &ProgressListener{
		socketPath: socketPath,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SocketPath returns the socket the encoder should report to.
func (pl *ProgressListener) SocketPath() string {
	return pl.socketPath
}

// Start binds the socket. A leftover socket from an earlier run is replaced;
// any other file at the path is an error.
func (pl *ProgressListener) Start() error {
	if info, err := os.Lstat(pl.socketPath); err == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("progress socket path exists and is not a socket: %s", pl.socketPath)
		}
		if err := os.Remove(pl.socketPath); err != nil {
			return fmt.Errorf("remove stale progress socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", pl.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create progress socket: %w", err)
	}
	pl.listener = listener

	pl.logger.Debug("Progress listener started", "socket", pl.socketPath)

	pl.wg.Add(1)
	go pl.acceptConnections()
	return nil
}

// Stop closes the socket, waits for the handler and removes the file.
func (pl *ProgressListener) Stop() {
	pl.cancel()
	if pl.listener == nil {
		return
	}
	pl.listener.Close()
	pl.wg.Wait()
	if err := os.Remove(pl.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		pl.logger.Warn("Failed to remove progress socket", "socket", pl.socketPath, "error", err)
	}
	pl.logger.Debug("Progress listener stopped", "socket", pl.socketPath)
}

// Latest returns the most recent complete progress block.
func (pl *ProgressListener) Latest() ProgressData {
	pl.mu.RLock()
	defer pl.mu.RUnlock()
	return pl.latest
}

// acceptConnections serves one connection at a time; ffmpeg opens exactly
// one per output run.
func (pl *ProgressListener) acceptConnections() {
	defer pl.wg.Done()
	for {
		conn, err := pl.listener.Accept()
		if err != nil {
			if pl.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			pl.logger.Warn("Error accepting progress connection", "error", err)
			continue
		}

		pl.logger.Debug("Encoder connected to progress socket")
		pl.handleConnection(conn)
	}
}

func (pl *ProgressListener) handleConnection(conn net.Conn) {
	defer conn.Close()

	// Unblock the scanner on Stop.
	stop := context.AfterFunc(pl.ctx, func() { conn.Close() })
	defer stop()

	if err := pl.readProgress(conn); err != nil && pl.ctx.Err() == nil {
		pl.logger.Warn("Error reading progress", "error", err)
	}
}

// readProgress parses key=value lines; each "progress=" line ends a block.
func (pl *ProgressListener) readProgress(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	var current ProgressData

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		updateProgressData(&current, key, value)

		if key == "progress" {
			current.Timestamp = time.Now()
			pl.publish(current)
			current = ProgressData{}
		}
	}
	return scanner.Err()
}

func (pl *ProgressListener) publish(progress ProgressData) {
	pl.mu.Lock()
	pl.latest = progress
	pl.mu.Unlock()

	frame := parseNumber(progress.Frame, "")
	fps := parseNumber(progress.FPS, "")
	speed := parseNumber(progress.Speed, "x")
	metrics.SetEncoderProgress(frame, fps, speed)

	pl.logger.Debug("Encoder progress",
		"frame", progress.Frame, "fps", progress.FPS, "speed", progress.Speed,
		"out_time", progress.OutTime, "state", progress.Progress)
}

// updateProgressData updates the progress data structure with new key-value pair
func updateProgressData(progress *ProgressData, key, value string) {
	switch key {
	case "frame":
		progress.Frame = value
	case "fps":
		progress.FPS = value
	case "bitrate":
		progress.Bitrate = value
	case "total_size":
		progress.TotalSize = value
	case "out_time_us":
		progress.OutTimeUs = value
	case "out_time":
		progress.OutTime = value
	case "dup_frames":
		progress.DupFrames = value
	case "drop_frames":
		progress.DropFrames = value
	case "speed":
		progress.Speed = value
	case "progress":
		progress.Progress = value
	}
}

// parseNumber parses value after trimming suffix. ffmpeg reports "N/A"
// before the first frame; that and anything unparsable read as zero.
func parseNumber(value, suffix string) float64 {
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), suffix))
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0
	}
	return f
}
