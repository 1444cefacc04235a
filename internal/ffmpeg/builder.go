package ffmpeg

import (
	"strconv"
	"strings"
)

// Base returns the ffmpeg invocation shared by every command: no banner,
// stdin left alone, existing output overwritten, levels tagged on stderr.
func Base() []string {
	return []string{"ffmpeg", "-hide_banner", "-nostdin", "-y", "-loglevel", "level+info"}
}

// BuildEncodeArgs builds the encoder argv: frames from the pipe in, an mp4
// file and optionally a low-latency MPEG-TS preview out.
func BuildEncodeArgs(params *EncodeParams) []string {
	p := params.withDefaults()
	fps := strconv.Itoa(p.FPS)

	args := Base()

	// Input configuration
	switch {
	case hasOption(p.Options, OptionThreadQueue4096):
		args = append(args, "-thread_queue_size", "4096")
	case hasOption(p.Options, OptionThreadQueue1024):
		args = append(args, "-thread_queue_size", "1024")
	}
	if hasOption(p.Options, OptionGeneratePTS) {
		args = append(args, "-fflags", "+genpts")
	}
	args = append(args, "-f", p.InputFormat)
	if p.InputCodec != "" {
		args = append(args, "-c:v", p.InputCodec)
	}
	args = append(args, "-framerate", fps, "-i", p.InputPath)

	// Progress monitoring
	if p.ProgressSocket != "" {
		args = append(args, "-progress", "unix://"+p.ProgressSocket)
	}

	// File output
	args = append(args, "-map", "0:v")
	args = append(args, videoCodecArgs(&p)...)
	switch {
	case hasOption(p.Options, OptionFragmented):
		args = append(args, "-movflags", "+frag_keyframe+empty_moov+default_base_moof")
	case hasOption(p.Options, OptionFastStart):
		args = append(args, "-movflags", "+faststart")
	}
	args = append(args, p.OutputFile)

	// Preview output
	if p.PreviewOutput != "" {
		args = append(args, "-map", "0:v")
		args = append(args, videoCodecArgs(&p)...)
		if hasOption(p.Options, OptionZeroLatency) && isX26x(p.Encoder) {
			args = append(args, "-tune", "zerolatency")
		}
		if hasOption(p.Options, OptionShortGOP) {
			args = append(args, "-g", fps, "-keyint_min", fps, "-sc_threshold", "0")
		}
		args = append(args,
			"-muxdelay", "0", "-muxpreload", "0", "-flush_packets", "1",
			"-f", "mpegts", p.PreviewOutput)
	}

	return args
}

func videoCodecArgs(p *EncodeParams) []string {
	args := []string{"-c:v", p.Encoder}
	if p.Preset != "" {
		args = append(args, "-preset", p.Preset)
	}
	if p.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(p.CRF))
	}
	if p.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.PixelFormat)
	}
	return args
}

// ExpandArgs substitutes {input}, {output}, {preview} and {fps} in a
// user-supplied command. Substitution happens per argument, after splitting,
// so paths containing spaces stay one argument.
func ExpandArgs(args []string, params *EncodeParams) []string {
	r := strings.NewReplacer(
		"{input}", params.InputPath,
		"{output}", params.OutputFile,
		"{preview}", params.PreviewOutput,
		"{fps}", strconv.Itoa(params.FPS),
	)
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = r.Replace(arg)
	}
	return out
}

func isX26x(codec string) bool {
	return strings.HasPrefix(codec, "libx264") || strings.HasPrefix(codec, "libx265")
}
