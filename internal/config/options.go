package config

import (
	"fmt"
	"time"

	"github.com/smazurov/framerelay/internal/ffmpeg"
	"github.com/smazurov/framerelay/internal/logging"
)

// Options is the flat run configuration. Tags drive the CLI (help, short,
// default), the TOML file (toml) and the environment (env).
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"framerelay.toml"`

	// Export
	VideoExport bool `help:"Run the export pipeline (false = interactive mode, nothing to do)" default:"true" toml:"export.enabled" env:"VIDEO_EXPORT"`

	// Frames
	WatchDir       string `help:"Directory the renderer writes frames into" default:"frames" toml:"frames.watch_dir" env:"WATCH_DIR"`
	FrameExt       string `help:"Frame file extension" default:".png" toml:"frames.extension" env:"FRAME_EXT"`
	EndMarker      string `help:"File name that signals the renderer is done (empty = disabled)" default:"" toml:"frames.end_marker" env:"END_MARKER"`
	VanishedPolicy string `help:"Frames that vanish before being read: ignore, warn, fail" default:"warn" toml:"frames.vanished_policy" env:"VANISHED_POLICY"`

	// Channel
	FIFOPath string `help:"Path of the named pipe feeding the encoder" default:"/tmp/framerelay.fifo" toml:"channel.path" env:"FIFO_PATH"`

	// Encoder
	FPS            int    `help:"Output frame rate" default:"60" toml:"encoder.fps" env:"FPS"`
	OutputFile     string `help:"Encoded file path (empty = output_<fps>_<timestamp>.mp4)" default:"" toml:"encoder.output" env:"OUTPUT_FILE"`
	Encoder        string `help:"Video codec" default:"libx264" toml:"encoder.codec" env:"ENCODER"`
	Preset         string `help:"Encoder preset" default:"veryfast" toml:"encoder.preset" env:"ENCODER_PRESET"`
	CRF            int    `help:"Constant rate factor" default:"23" toml:"encoder.crf" env:"ENCODER_CRF"`
	PixelFormat    string `help:"Output pixel format" default:"yuv420p" toml:"encoder.pixel_format" env:"PIXEL_FORMAT"`
	EncoderCommand string `help:"Full encoder command override; {input} {output} {fps} are substituted" default:"" toml:"encoder.command" env:"ENCODER_COMMAND"`
	ProgressSocket string `help:"Unix socket for encoder progress reports (empty = disabled)" default:"" toml:"encoder.progress_socket" env:"PROGRESS_SOCKET"`
	EncoderOptions string `help:"Comma-separated encoder behavior flags (empty = defaults, none = no flags)" default:"" toml:"encoder.options" env:"ENCODER_OPTIONS"`

	// Preview
	Preview  bool   `help:"Relay the live transport stream over UDP" default:"true" toml:"preview.enabled" env:"PREVIEW"`
	UDPHost  string `help:"Comma-separated preview destination hosts" default:"127.0.0.1" toml:"preview.hosts" env:"UDP_HOST"`
	UDPPort  int    `help:"Preview destination port" default:"1234" toml:"preview.port" env:"UDP_PORT"`
	UDPQueue int    `help:"Per-destination datagram queue length" default:"256" toml:"preview.queue" env:"UDP_QUEUE"`

	// Lifecycle
	StopOnStdinEOF bool   `help:"Treat stdin EOF as a stop signal" default:"false" toml:"lifecycle.stop_on_stdin_eof" env:"STOP_ON_STDIN_EOF"`
	StatusAddr     string `help:"Status API listen address (empty = disabled)" default:"" toml:"status.addr" env:"STATUS_ADDR"`

	// Logging
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingFrames   string `help:"Frames logging level" default:"" toml:"logging.frames" env:"LOGGING_FRAMES"`
	LoggingRelay    string `help:"Relay logging level" default:"" toml:"logging.relay" env:"LOGGING_RELAY"`
	LoggingFFmpeg   string `help:"Encoder output logging level" default:"" toml:"logging.ffmpeg" env:"LOGGING_FFMPEG"`
	LoggingPipeline string `help:"Pipeline logging level" default:"" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
}

// Logging returns the logging configuration described by the options.
func (o *Options) Logging() logging.Config {
	modules := make(map[string]string)
	for module, level := range map[string]string{
		"frames":   o.LoggingFrames,
		"relay":    o.LoggingRelay,
		"ffmpeg":   o.LoggingFFmpeg,
		"pipeline": o.LoggingPipeline,
	} {
		if level != "" {
			modules[module] = level
		}
	}
	return logging.Config{
		Level:   o.LoggingLevel,
		Format:  o.LoggingFormat,
		Modules: modules,
	}
}

// Pipeline validates the options and builds the run configuration.
// now stamps the default output file name.
func (o *Options) Pipeline(now time.Time) (Pipeline, error) {
	policy, err := ParseVanishedPolicy(o.VanishedPolicy)
	if err != nil {
		return Pipeline{}, err
	}
	if o.FPS <= 0 {
		return Pipeline{}, fmt.Errorf("config: frame rate must be positive, got %d", o.FPS)
	}
	if o.WatchDir == "" {
		return Pipeline{}, fmt.Errorf("config: watch directory is required")
	}
	if o.FIFOPath == "" {
		return Pipeline{}, fmt.Errorf("config: channel path is required")
	}
	ext, err := normalizeExtension(o.FrameExt)
	if err != nil {
		return Pipeline{}, err
	}
	encoderOptions, err := ffmpeg.ParseOptions(o.EncoderOptions)
	if err != nil {
		return Pipeline{}, fmt.Errorf("config: %w", err)
	}

	p := Pipeline{
		Frames: Frames{
			Dir:       o.WatchDir,
			Extension: ext,
			EndMarker: o.EndMarker,
			Vanished:  policy,
		},
		ChannelPath: o.FIFOPath,
		Encoder: Encoder{
			FPS:            o.FPS,
			OutputFile:     o.OutputFile,
			Codec:          o.Encoder,
			Preset:         o.Preset,
			CRF:            o.CRF,
			PixelFormat:    o.PixelFormat,
			Command:        o.EncoderCommand,
			ProgressSocket: o.ProgressSocket,
			Options:        encoderOptions,
		},
		Preview: Preview{
			Enabled: o.Preview,
			Queue:   o.UDPQueue,
		},
		StopOnStdinEOF: o.StopOnStdinEOF,
		StatusAddr:     o.StatusAddr,
	}
	if p.Encoder.OutputFile == "" {
		p.Encoder.OutputFile = DefaultOutputFile(o.FPS, now)
	}

	if o.Preview {
		p.Preview.Destinations, err = ParseDestinations(o.UDPHost, o.UDPPort)
		if err != nil {
			return Pipeline{}, err
		}
	}
	if p.Preview.Queue <= 0 {
		p.Preview.Queue = DefaultQueue
	}

	return p, nil
}
