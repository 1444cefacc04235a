// Package relay mirrors the encoder's live MPEG-TS output to a set of UDP
// destinations. Sends are fire-and-forget; a destination that is down only
// loses its own datagrams.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AlexxIT/go2rtc/pkg/mpegts"
	"github.com/smazurov/framerelay/internal/config"
	"github.com/smazurov/framerelay/internal/events"
	"github.com/smazurov/framerelay/internal/metrics"
)

// PacketsPerDatagram is the number of TS packets carried per datagram: the
// largest multiple of 188 that fits an Ethernet MTU.
const PacketsPerDatagram = 7

// DatagramSize is the payload size of a full datagram.
const DatagramSize = PacketsPerDatagram * mpegts.PacketSize

const (
	defaultRedialInterval = time.Second
	writeTimeout          = 250 * time.Millisecond
)

// Stats is a per-destination counter snapshot.
type Stats struct {
	Destination string `json:"destination"`
	Sent        uint64 `json:"sent"`
	Errors      uint64 `json:"errors"`
	Dropped     uint64 `json:"dropped"`
}

// Relay fans the transport stream out to every destination.
type Relay struct {
	dests  []*destination
	logger *slog.Logger
	bus    *events.Bus
	redial time.Duration

	unsynced atomic.Bool
}

// Option configures a Relay.
type Option func(*Relay)

// WithEvents publishes send failures on bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Relay) { r.bus = bus }
}

// WithRedialInterval sets how long a destination that failed to resolve
// waits before trying again.
func WithRedialInterval(d time.Duration) Option {
	return func(r *Relay) { r.redial = d }
}

// New creates a relay for cfg.Destinations. Nothing is sent until Run.
func New(cfg config.Preview, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{logger: logger, redial: defaultRedialInterval}
	for _, opt := range opts {
		opt(r)
	}

	queue := cfg.Queue
	if queue <= 0 {
		queue = config.DefaultQueue
	}
	for _, d := range cfg.Destinations {
		r.dests = append(r.dests, &destination{
			addr:   d.String(),
			queue:  make(chan []byte, queue),
			relay:  r,
			logger: logger.With("destination", d.String()),
		})
	}
	return r
}

// Destinations returns the destination addresses in configuration order.
func (r *Relay) Destinations() []string {
	out := make([]string, len(r.dests))
	for i, d := range r.dests {
		out[i] = d.addr
	}
	return out
}

// Stats returns per-destination counters in configuration order.
func (r *Relay) Stats() []Stats {
	out := make([]Stats, len(r.dests))
	for i, d := range r.dests {
		out[i] = Stats{
			Destination: d.addr,
			Sent:        d.sent.Load(),
			Errors:      d.errors.Load(),
			Dropped:     d.dropped.Load(),
		}
	}
	return out
}

// Run reads the stream from src until EOF and forwards it in datagrams of
// at most DatagramSize bytes, each ending on a packet boundary except
// possibly the last. It returns nil at EOF after the queues have drained.
// On ctx cancellation it stops reading, closing src if it is an io.Closer
// to unblock a pending read.
func (r *Relay) Run(ctx context.Context, src io.Reader) error {
	if closer, ok := src.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	var wg sync.WaitGroup
	for _, d := range r.dests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.run(ctx)
		}()
	}

	r.logger.Info("Preview relay started", "destinations", r.Destinations(), "datagram_bytes", DatagramSize)
	err := r.pump(ctx, src)

	for _, d := range r.dests {
		close(d.queue)
	}
	wg.Wait()

	for _, s := range r.Stats() {
		r.logger.Info("Preview relay finished", "destination", s.Destination,
			"sent", s.Sent, "errors", s.Errors, "dropped", s.Dropped)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// pump forwards each read once it ends on a packet boundary instead of
// waiting for a full datagram.
func (r *Relay) pump(ctx context.Context, src io.Reader) error {
	for {
		buf := make([]byte, DatagramSize)
		n, err := src.Read(buf)
		if err == nil && n%mpegts.PacketSize != 0 {
			var m int
			m, err = io.ReadFull(src, buf[n:n+mpegts.PacketSize-n%mpegts.PacketSize])
			n += m
		}
		if n > 0 {
			r.forward(buf[:n])
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("relay: read stream: %w", err)
		}
	}
}

// forward offers chunk to every destination without blocking. The chunk is
// shared read-only between the queues.
func (r *Relay) forward(chunk []byte) {
	r.checkSync(chunk)
	for _, d := range r.dests {
		select {
		case d.queue <- chunk:
		default:
			d.dropped.Add(1)
			metrics.RelayDropped(d.addr)
		}
	}
}

// checkSync warns once if the stream is not packet-aligned. The bytes are
// still forwarded unmodified; receivers resynchronise on their own.
func (r *Relay) checkSync(chunk []byte) {
	if chunk[0] == mpegts.SyncByte || !r.unsynced.CompareAndSwap(false, true) {
		return
	}
	r.logger.Warn("Preview stream is not aligned to transport packets", "first_byte", fmt.Sprintf("0x%02x", chunk[0]))
}

type destination struct {
	addr   string
	queue  chan []byte
	relay  *Relay
	logger *slog.Logger

	sent    atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64
}

// run sends queued datagrams until the queue is closed.
func (d *destination) run(ctx context.Context) {
	var (
		conn     net.Conn
		lastDial time.Time
		failing  bool
		dialer   net.Dialer
	)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for chunk := range d.queue {
		if conn == nil {
			if !lastDial.IsZero() && time.Since(lastDial) < d.relay.redial {
				d.fail(nil, &failing)
				continue
			}
			lastDial = time.Now()
			c, err := dialer.DialContext(ctx, "udp", d.addr)
			if err != nil {
				d.fail(err, &failing)
				continue
			}
			conn = c
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(chunk); err != nil {
			// Refused or unreachable: the socket stays, the next send retries.
			d.fail(err, &failing)
			continue
		}

		d.sent.Add(1)
		metrics.RelayPacket(d.addr)
		if failing {
			failing = false
			d.logger.Info("Preview destination recovered")
		}
	}
}

// fail counts a lost datagram. The first failure of a streak is logged and
// published; the rest only count.
func (d *destination) fail(err error, failing *bool) {
	d.errors.Add(1)
	metrics.RelayError(d.addr)
	if *failing || err == nil {
		return
	}
	*failing = true
	d.logger.Warn("Preview destination unreachable", "error", err)
	d.relay.bus.Publish(events.RelayErrorEvent{
		Destination: d.addr,
		Error:       err.Error(),
		Timestamp:   time.Now(),
	})
}
