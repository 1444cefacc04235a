// Package pipeline runs one export: frames from the watch directory flow
// through the channel into the encoder, whose live output is relayed to the
// preview destinations. It owns startup order and guarantees the channel
// is removed on every exit path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/framerelay/internal/config"
	"github.com/smazurov/framerelay/internal/events"
	"github.com/smazurov/framerelay/internal/ffmpeg"
	"github.com/smazurov/framerelay/internal/fifo"
	"github.com/smazurov/framerelay/internal/frames"
	"github.com/smazurov/framerelay/internal/logging"
	"github.com/smazurov/framerelay/internal/metrics"
	"github.com/smazurov/framerelay/internal/monitoring"
	"github.com/smazurov/framerelay/internal/process"
	"github.com/smazurov/framerelay/internal/relay"
)

const (
	defaultStopTimeout = 5 * time.Second
	defaultRelayDrain  = 2 * time.Second
)

// EncoderStatus describes the encoder process.
type EncoderStatus struct {
	PID      int    `json:"pid"`
	State    string `json:"state"`
	ExitCode int    `json:"exit_code"`
}

// Status is a point-in-time view of a run.
type Status struct {
	State           string                   `json:"state"`
	Error           string                   `json:"error,omitempty"`
	StartedAt       time.Time                `json:"started_at"`
	ChannelPath     string                   `json:"channel_path"`
	OutputFile      string                   `json:"output_file"`
	EncoderOptions  []string                 `json:"encoder_options"`
	FramesDelivered uint64                   `json:"frames_delivered"`
	Counters        metrics.Values           `json:"counters"`
	Encoder         *EncoderStatus           `json:"encoder,omitempty"`
	Destinations    []relay.Stats            `json:"destinations,omitempty"`
	Progress        *monitoring.ProgressData `json:"progress,omitempty"`
}

// Pipeline orchestrates a single run. It is not reusable.
type Pipeline struct {
	cfg         config.Pipeline
	logger      *slog.Logger
	bus         *events.Bus
	stdin       io.Reader
	stopTimeout time.Duration
	relayDrain  time.Duration
	source      *frames.Source

	mu        sync.RWMutex
	state     State
	started   bool
	startedAt time.Time
	lastErr   error
	encoder   *process.Process
	relay     *relay.Relay
	progress  *monitoring.ProgressListener
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithEvents publishes lifecycle events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(p *Pipeline) { p.bus = bus }
}

// WithStdin sets the reader watched for EOF when StopOnStdinEOF is on.
func WithStdin(r io.Reader) Option {
	return func(p *Pipeline) { p.stdin = r }
}

// WithStopTimeout bounds how long an encoder that is being torn down after
// a failure gets before it is killed.
func WithStopTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stopTimeout = d }
}

// New creates a pipeline for cfg.
func New(cfg config.Pipeline, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:         cfg,
		logger:      logging.GetLogger("pipeline"),
		stopTimeout: defaultStopTimeout,
		relayDrain:  defaultRelayDrain,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.source = frames.NewSource(cfg.Frames, logging.GetLogger("frames"), frames.WithEvents(p.bus))
	return p
}

// Run executes the pipeline until the frame source completes (end marker or
// ctx cancellation) and the encoder has exited. A nil error means the
// encoder finished successfully; failures are *Error values naming the stage.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pipeline: already started")
	}
	p.started = true
	p.startedAt = time.Now()
	p.mu.Unlock()

	p.logger.Info("Pipeline starting",
		"watch_dir", p.cfg.Frames.Dir,
		"channel", p.cfg.ChannelPath,
		"output", p.cfg.Encoder.OutputFile,
		"fps", p.cfg.Encoder.FPS,
		"preview", p.cfg.Preview.Enabled)

	err := p.run(ctx)
	p.finish(err)
	return err
}

func (p *Pipeline) run(ctx context.Context) error {
	// Idle -> ChannelPrepared
	if err := fifo.RemoveStale(p.cfg.ChannelPath); err != nil {
		return NewError(StageSetup, "clear stale channel", err)
	}
	ch, err := fifo.Create(p.cfg.ChannelPath, p.logger)
	if err != nil {
		return NewError(StageSetup, "create channel", err)
	}
	defer func() {
		if err := ch.Remove(); err != nil {
			p.logger.Warn("Failed to remove channel", "path", ch.Path(), "error", err)
		}
	}()
	p.setState(StateChannelPrepared)

	// ChannelPrepared -> EncoderStarted
	progressSocket := p.startProgress()
	if p.progress != nil {
		defer p.progress.Stop()
	}

	enc, err := p.startEncoder(ch.Path(), progressSocket)
	if err != nil {
		return NewError(StageEncoderLaunch, "start encoder", err)
	}
	relayDone, stopRelay := p.startRelay(enc)
	defer p.waitRelay(relayDone, stopRelay)
	defer p.reapEncoder(enc)
	p.setState(StateEncoderStarted)

	w, err := p.openWriter(ctx, ch, enc)
	if err != nil {
		return err
	}
	if w == nil {
		// Stopped before the encoder attached: nothing was delivered.
		p.setState(StateFlushing)
		enc.Stop(p.stopTimeout)
		return nil
	}

	// EncoderStarted -> Draining
	p.setState(StateDraining)
	srcCtx, stopSource := context.WithCancel(ctx)
	defer stopSource()
	p.watchStdin(srcCtx, stopSource)

	srcErr := make(chan error, 1)
	go func() { srcErr <- p.source.Run(srcCtx, w) }()

	var frameErr error
	select {
	case err := <-srcErr:
		if err != nil {
			frameErr = NewError(StageFrames, "deliver frames", err)
		}
	case <-enc.Done():
		stopSource()
		if err := <-srcErr; err != nil {
			p.logger.Debug("Frame source stopped by encoder exit", "error", err)
		}
		w.Close()
		code, _ := enc.Wait()
		return NewError(StageEncoderExecution,
			fmt.Sprintf("encoder exited with code %d while frames were pending", code), ErrEncoderExited)
	}

	// Draining -> Flushing: end of input lets the encoder finalize.
	p.setState(StateFlushing)
	if err := w.Close(); err != nil {
		p.logger.Warn("Failed to close channel writer", "error", err)
	}
	frameCount, byteCount := w.Stats()
	p.logger.Info("Input closed, waiting for encoder", "frames", frameCount, "bytes", byteCount)

	code, err := enc.Wait()
	if err != nil {
		return NewError(StageEncoderExecution, "wait for encoder", err)
	}
	if frameErr != nil {
		return frameErr
	}
	if code != 0 {
		return NewError(StageEncoderExecution, fmt.Sprintf("encoder exited with code %d", code), nil)
	}
	return nil
}

// openWriter attaches the channel's write end once the encoder opens its
// input. It returns a nil writer without error if ctx ends first.
func (p *Pipeline) openWriter(ctx context.Context, ch *fifo.Channel, enc *process.Process) (*fifo.Writer, error) {
	openCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-enc.Done():
			cancel()
		case <-openCtx.Done():
		}
	}()

	w, err := ch.OpenWriter(openCtx)
	if err == nil {
		return w, nil
	}
	if enc.Exited() {
		code, _ := enc.Wait()
		return nil, NewError(StageEncoderExecution,
			fmt.Sprintf("encoder exited with code %d before opening its input", code), ErrEncoderExited)
	}
	if ctx.Err() != nil {
		p.logger.Info("Stopped before the encoder attached")
		return nil, nil
	}
	return nil, NewError(StageSetup, "open channel writer", err)
}

func (p *Pipeline) startProgress() string {
	path := p.cfg.Encoder.ProgressSocket
	if path == "" {
		return ""
	}
	pl := monitoring.NewProgressListener(path, logging.GetLogger("monitoring"))
	if err := pl.Start(); err != nil {
		p.logger.Warn("Encoder progress disabled", "error", err)
		return ""
	}
	p.mu.Lock()
	p.progress = pl
	p.mu.Unlock()
	return path
}

func (p *Pipeline) startEncoder(input, progressSocket string) (*process.Process, error) {
	args, err := p.encoderArgs(input, progressSocket)
	if err != nil {
		return nil, err
	}

	enc := process.New("encoder", args, p.logger)
	enc.SetLogParser(logging.GetLogger("ffmpeg"), ffmpeg.ParseLogLevel)
	if p.previewEnabled() {
		if err := enc.PipeStdout(); err != nil {
			return nil, err
		}
	}
	if err := enc.Start(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.encoder = enc
	p.mu.Unlock()

	go func() {
		<-enc.Done()
		code, _ := enc.Wait()
		p.bus.Publish(events.EncoderExitedEvent{ExitCode: code, Timestamp: time.Now()})
	}()
	return enc, nil
}

// encoderArgs builds the encoder argv, or expands the configured override.
func (p *Pipeline) encoderArgs(input, progressSocket string) ([]string, error) {
	enc := p.cfg.Encoder
	params := &ffmpeg.EncodeParams{
		InputPath:      input,
		InputCodec:     ffmpeg.InputCodecFor(p.cfg.Frames.Extension),
		FPS:            enc.FPS,
		Encoder:        enc.Codec,
		Preset:         enc.Preset,
		CRF:            enc.CRF,
		PixelFormat:    enc.PixelFormat,
		OutputFile:     enc.OutputFile,
		ProgressSocket: progressSocket,
		Options:        enc.Options,
	}
	if p.previewEnabled() {
		params.PreviewOutput = ffmpeg.DefaultPreview
	}

	if enc.Command == "" {
		return ffmpeg.BuildEncodeArgs(params), nil
	}
	args, err := process.ParseCommand(enc.Command)
	if err != nil {
		return nil, fmt.Errorf("parse encoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("encoder command is empty")
	}
	return ffmpeg.ExpandArgs(args, params), nil
}

func (p *Pipeline) previewEnabled() bool {
	return p.cfg.Preview.Enabled && len(p.cfg.Preview.Destinations) > 0
}

// startRelay forwards the encoder's stdout until EOF. The relay runs on its
// own context so the tail of the stream still goes out after a stop signal.
func (p *Pipeline) startRelay(enc *process.Process) (<-chan struct{}, context.CancelFunc) {
	if !p.previewEnabled() {
		return nil, func() {}
	}

	r := relay.New(p.cfg.Preview, logging.GetLogger("relay"), relay.WithEvents(p.bus))
	p.mu.Lock()
	p.relay = r
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	out := enc.Stdout()
	go func() {
		defer close(done)
		defer out.Close()
		if err := r.Run(ctx, out); err != nil {
			p.logger.Warn("Preview relay stopped", "error", err)
		}
	}()
	return done, cancel
}

func (p *Pipeline) waitRelay(done <-chan struct{}, cancel context.CancelFunc) {
	defer cancel()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(p.relayDrain):
		p.logger.Warn("Preview stream still open after encoder exit, closing it")
		cancel()
		<-done
	}
}

// reapEncoder stops an encoder still running on an error path.
func (p *Pipeline) reapEncoder(enc *process.Process) {
	if enc.Exited() {
		return
	}
	p.logger.Warn("Stopping encoder")
	enc.Stop(p.stopTimeout)
}

// watchStdin calls stop once stdin reaches EOF.
func (p *Pipeline) watchStdin(ctx context.Context, stop context.CancelFunc) {
	if !p.cfg.StopOnStdinEOF || p.stdin == nil {
		return
	}
	go func() {
		_, _ = io.Copy(io.Discard, p.stdin)
		if ctx.Err() == nil {
			p.logger.Info("Stdin closed, stopping frame source")
			stop()
		}
	}()
}

func (p *Pipeline) setState(to State) {
	p.mu.Lock()
	from := p.state
	p.state = to
	var errText string
	if to == StateTerminated && p.lastErr != nil {
		errText = p.lastErr.Error()
	}
	p.mu.Unlock()

	metrics.SetPipelineState(int(to))
	p.logger.Debug("State changed", "from", from.String(), "to", to.String())
	p.bus.Publish(events.StateChangedEvent{
		From:      from.String(),
		To:        to.String(),
		Error:     errText,
		Timestamp: time.Now(),
	})
}

func (p *Pipeline) finish(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
	p.setState(StateTerminated)

	if err != nil {
		p.logger.Error("Pipeline failed", "stage", string(StageOf(err)), "error", err)
		return
	}
	p.logger.Info("Pipeline finished",
		"frames", p.source.Delivered(),
		"output", p.cfg.Encoder.OutputFile,
		"duration", time.Since(p.startedAt).Round(time.Millisecond))
}

// State returns the current state.
func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Status returns a snapshot of the run.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		State:           p.state.String(),
		StartedAt:       p.startedAt,
		ChannelPath:     p.cfg.ChannelPath,
		OutputFile:      p.cfg.Encoder.OutputFile,
		FramesDelivered: p.source.Delivered(),
		Counters:        metrics.Snapshot(),
		EncoderOptions:  []string{},
	}
	if p.cfg.Encoder.Command == "" {
		for _, opt := range p.cfg.Encoder.Options {
			st.EncoderOptions = append(st.EncoderOptions, string(opt))
		}
	}
	if p.lastErr != nil {
		st.Error = p.lastErr.Error()
	}
	if p.encoder != nil {
		info := p.encoder.Info()
		st.Encoder = &EncoderStatus{PID: info.PID, State: string(info.State), ExitCode: info.ExitCode}
	}
	if p.relay != nil {
		st.Destinations = p.relay.Stats()
	}
	if p.progress != nil {
		progress := p.progress.Latest()
		st.Progress = &progress
	}
	return st
}
