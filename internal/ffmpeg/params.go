package ffmpeg

import "strings"

// Encoding defaults, matching what a plain run produces without any
// configuration.
const (
	DefaultInputFormat = "image2pipe"
	DefaultEncoder     = "libx264"
	DefaultPreset      = "veryfast"
	DefaultCRF         = 23
	DefaultPixelFormat = "yuv420p"
	DefaultPreview     = "pipe:1"
)

// EncodeParams represents all parameters needed to generate the encoder
// command for one export run.
type EncodeParams struct {
	// Input
	InputPath   string // named pipe carrying concatenated frames
	InputFormat string // image2pipe
	InputCodec  string // png, mjpeg, bmp (empty = let ffmpeg probe)
	FPS         int

	// Encoder
	Encoder     string // libx264, libx265, ...
	Preset      string // veryfast, medium, ...
	CRF         int    // 0 = not set
	PixelFormat string // yuv420p

	// Outputs
	OutputFile     string // mp4 file
	PreviewOutput  string // pipe:1 for the live transport stream (empty = none)
	ProgressSocket string // /tmp/framerelay-progress.sock (empty = none)

	// Behavior flags
	Options []OptionType
}

// InputCodecFor maps a frame file extension to the image decoder ffmpeg
// should use for the pipe. Unknown extensions return "" and ffmpeg probes.
func InputCodecFor(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "png"
	case "jpg", "jpeg":
		return "mjpeg"
	case "bmp":
		return "bmp"
	case "tif", "tiff":
		return "tiff"
	case "webp":
		return "webp"
	case "ppm", "pgm", "pbm":
		return "ppm"
	}
	return ""
}

func (p EncodeParams) withDefaults() EncodeParams {
	if p.InputFormat == "" {
		p.InputFormat = DefaultInputFormat
	}
	if p.Encoder == "" {
		p.Encoder = DefaultEncoder
	}
	if p.Preset == "" {
		p.Preset = DefaultPreset
	}
	if p.PixelFormat == "" {
		p.PixelFormat = DefaultPixelFormat
	}
	if p.Options == nil {
		p.Options = GetDefaultOptions()
	}
	return p
}
