package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/framerelay/internal/ffmpeg"
)

// DefaultQueue is the per-destination datagram queue used when none is set.
const DefaultQueue = 256

// VanishedPolicy says what to do with a frame that disappears between
// listing the watch directory and reading it.
type VanishedPolicy string

// Vanished frame policies.
const (
	VanishedIgnore VanishedPolicy = "ignore" // skip silently
	VanishedWarn   VanishedPolicy = "warn"   // skip, log and count
	VanishedFail   VanishedPolicy = "fail"   // abort the run
)

// ParseVanishedPolicy parses a policy name. Empty means warn.
func ParseVanishedPolicy(s string) (VanishedPolicy, error) {
	switch p := VanishedPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return VanishedWarn, nil
	case VanishedIgnore, VanishedWarn, VanishedFail:
		return p, nil
	default:
		return "", fmt.Errorf("config: unknown vanished frame policy %q", s)
	}
}

// Pipeline is the validated configuration for one run. It is built once at
// startup and passed by value; components never read the environment.
type Pipeline struct {
	Frames         Frames
	ChannelPath    string
	Encoder        Encoder
	Preview        Preview
	StopOnStdinEOF bool
	StatusAddr     string
}

// Frames configures the frame source.
type Frames struct {
	Dir       string
	Extension string // lower-case, with leading dot
	EndMarker string
	Vanished  VanishedPolicy
}

// Encoder configures the encoder process.
type Encoder struct {
	FPS            int
	OutputFile     string
	Codec          string
	Preset         string
	CRF            int
	PixelFormat    string
	Command        string
	ProgressSocket string
	Options        []ffmpeg.OptionType
}

// Preview configures the UDP relay.
type Preview struct {
	Enabled      bool
	Destinations []Destination
	Queue        int
}

// Destination is one preview receiver.
type Destination struct {
	Host string
	Port int
}

// String returns host:port, bracketing IPv6 literals.
func (d Destination) String() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// ParseDestinations builds the ordered destination set from a comma-separated
// host list and a shared port. Duplicate hosts are collapsed, keeping the
// first occurrence.
func ParseDestinations(hosts string, port int) ([]Destination, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("config: preview port %d out of range", port)
	}

	list := splitList(hosts)
	if len(list) == 0 {
		return nil, fmt.Errorf("config: no preview hosts in %q", hosts)
	}

	seen := make(map[string]bool, len(list))
	dests := make([]Destination, 0, len(list))
	for _, host := range list {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
		if seen[host] {
			continue
		}
		seen[host] = true
		dests = append(dests, Destination{Host: host, Port: port})
	}
	return dests, nil
}

// DefaultOutputFile names the encoded file after the frame rate and start
// time, e.g. output_60_2025-01-27_10-30-00.mp4.
func DefaultOutputFile(fps int, now time.Time) string {
	return fmt.Sprintf("output_%d_%s.mp4", fps, now.UTC().Format("2006-01-02_15-04-05"))
}

func normalizeExtension(ext string) (string, error) {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return "", fmt.Errorf("config: frame extension is required")
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if strings.ContainsAny(ext[1:], "./\\") || len(ext) == 1 {
		return "", fmt.Errorf("config: invalid frame extension %q", ext)
	}
	return ext, nil
}
