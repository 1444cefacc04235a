package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/smazurov/framerelay/internal/ffmpeg"
	"github.com/spf13/pflag"
)

type testOptions struct {
	Config string

	StringField string   `toml:"test.string_field" env:"FR_TEST_STRING"`
	BoolField   bool     `toml:"test.bool_field" env:"FR_TEST_BOOL"`
	IntField    int      `toml:"test.int_field" env:"FR_TEST_INT"`
	SliceField  []string `toml:"test.slice_field" env:"FR_TEST_SLICE"`
	Nested      string   `toml:"nested.deep.value" env:"FR_TEST_NESTED"`
}

func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigFromTOML(t *testing.T) {
	path := writeTOML(t, `
[test]
string_field = "hello"
bool_field = true
int_field = 42
slice_field = ["a", "b"]

[nested.deep]
value = "deep"
`)

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	want := testOptions{
		Config:      path,
		StringField: "hello",
		BoolField:   true,
		IntField:    42,
		SliceField:  []string{"a", "b"},
		Nested:      "deep",
	}
	if !reflect.DeepEqual(*opts, want) {
		t.Errorf("got %+v, want %+v", *opts, want)
	}
}

func TestLoadConfigEnvOverridesTOML(t *testing.T) {
	path := writeTOML(t, `
[test]
string_field = "from file"
int_field = 1
`)
	t.Setenv("FR_TEST_STRING", "from env")
	t.Setenv("FR_TEST_SLICE", " x, y ,,z")

	opts := &testOptions{Config: path}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if opts.StringField != "from env" {
		t.Errorf("StringField = %q, want env value", opts.StringField)
	}
	if opts.IntField != 1 {
		t.Errorf("IntField = %d, want file value 1", opts.IntField)
	}
	if !reflect.DeepEqual(opts.SliceField, []string{"x", "y", "z"}) {
		t.Errorf("SliceField = %v", opts.SliceField)
	}
}

func TestLoadConfigChangedFlagWins(t *testing.T) {
	t.Setenv("FR_TEST_STRING", "from env")
	t.Setenv("FR_TEST_INT", "7")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts := &testOptions{}
	flags.StringVar(&opts.StringField, "string-field", "", "")
	flags.IntVar(&opts.IntField, "int-field", 0, "")
	if err := flags.Parse([]string{"--string-field=from-flag"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfig(opts, flags); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if opts.StringField != "from-flag" {
		t.Errorf("StringField = %q, want flag value", opts.StringField)
	}
	if opts.IntField != 7 {
		t.Errorf("IntField = %d, unchanged flag should take env value", opts.IntField)
	}
}

func TestLoadConfigSeesFlagsChangedThroughSubcommand(t *testing.T) {
	t.Setenv("FR_TEST_STRING", "from env")

	opts := &testOptions{}
	root := pflag.NewFlagSet("root", pflag.ContinueOnError)
	root.StringVar(&opts.StringField, "string-field", "", "")
	sub := pflag.NewFlagSet("sub", pflag.ContinueOnError)
	sub.AddFlagSet(root)
	if err := sub.Parse([]string{"--string-field=from-flag"}); err != nil {
		t.Fatal(err)
	}

	if err := LoadConfig(opts, root); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if opts.StringField != "from-flag" {
		t.Errorf("StringField = %q, want flag value", opts.StringField)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	opts := &testOptions{Config: filepath.Join(t.TempDir(), "absent.toml")}
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("missing file should not fail: %v", err)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		env  map[string]string
	}{
		{name: "invalid toml", toml: "[test\nbroken"},
		{name: "wrong type", toml: "[test]\nint_field = \"nope\""},
		{name: "bad env int", env: map[string]string{"FR_TEST_INT": "sixty"}},
		{name: "bad env bool", env: map[string]string{"FR_TEST_BOOL": "perhaps"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := &testOptions{}
			if tt.toml != "" {
				opts.Config = writeTOML(t, tt.toml)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if err := LoadConfig(opts, nil); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadConfigRejectsNonPointer(t *testing.T) {
	if err := LoadConfig(testOptions{}, nil); err == nil {
		t.Error("expected error for non-pointer")
	}
}

func TestFlagName(t *testing.T) {
	tests := map[string]string{
		"Config":         "config",
		"FPS":            "fps",
		"UDPHost":        "udp-host",
		"FIFOPath":       "fifo-path",
		"StopOnStdinEOF": "stop-on-stdin-eof",
		"LoggingLevel":   "logging-level",
		"CRF":            "crf",
	}
	for in, want := range tests {
		if got := flagName(in); got != want {
			t.Errorf("flagName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLookupPath(t *testing.T) {
	doc := map[string]any{
		"a": map[string]any{"b": map[string]any{"c": "deep"}},
		"x": "flat",
	}
	if got := lookupPath(doc, "a.b.c"); got != "deep" {
		t.Errorf("a.b.c = %v", got)
	}
	if got := lookupPath(doc, "x"); got != "flat" {
		t.Errorf("x = %v", got)
	}
	for _, path := range []string{"a.missing", "x.y", "nope"} {
		if got := lookupPath(doc, path); got != nil {
			t.Errorf("%s = %v, want nil", path, got)
		}
	}
}

func TestParseDestinations(t *testing.T) {
	dests, err := ParseDestinations("10.0.0.1,10.0.0.2", 9000)
	if err != nil {
		t.Fatalf("ParseDestinations: %v", err)
	}
	got := make([]string, len(dests))
	for i, d := range dests {
		got[i] = d.String()
	}
	want := []string{"10.0.0.1:9000", "10.0.0.2:9000"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("destinations = %v, want %v", got, want)
	}
}

func TestParseDestinationsNormalizes(t *testing.T) {
	dests, err := ParseDestinations(" b.local , a.local,b.local,[::1]", 1234)
	if err != nil {
		t.Fatalf("ParseDestinations: %v", err)
	}
	want := []Destination{{"b.local", 1234}, {"a.local", 1234}, {"::1", 1234}}
	if !reflect.DeepEqual(dests, want) {
		t.Errorf("got %v, want %v", dests, want)
	}
	if s := dests[2].String(); s != "[::1]:1234" {
		t.Errorf("IPv6 String() = %q", s)
	}
}

func TestParseDestinationsErrors(t *testing.T) {
	if _, err := ParseDestinations("", 1234); err == nil {
		t.Error("expected error for empty host list")
	}
	if _, err := ParseDestinations(" , ", 1234); err == nil {
		t.Error("expected error for blank host list")
	}
	for _, port := range []int{0, -1, 65536} {
		if _, err := ParseDestinations("127.0.0.1", port); err == nil {
			t.Errorf("expected error for port %d", port)
		}
	}
}

func TestParseVanishedPolicy(t *testing.T) {
	tests := map[string]VanishedPolicy{
		"":       VanishedWarn,
		"warn":   VanishedWarn,
		"IGNORE": VanishedIgnore,
		" fail ": VanishedFail,
	}
	for in, want := range tests {
		got, err := ParseVanishedPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseVanishedPolicy(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseVanishedPolicy("explode"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func defaultOptions() *Options {
	return &Options{
		VideoExport:    true,
		WatchDir:       "frames",
		FrameExt:       ".png",
		VanishedPolicy: "warn",
		FIFOPath:       "/tmp/framerelay.fifo",
		FPS:            60,
		Encoder:        "libx264",
		Preset:         "veryfast",
		CRF:            23,
		PixelFormat:    "yuv420p",
		Preview:        true,
		UDPHost:        "127.0.0.1",
		UDPPort:        1234,
		UDPQueue:       256,
		LoggingLevel:   "info",
		LoggingFormat:  "text",
	}
}

func TestOptionsPipeline(t *testing.T) {
	t.Setenv("UDP_HOST", "10.0.0.1,10.0.0.2")
	t.Setenv("UDP_PORT", "9000")
	t.Setenv("FPS", "30")
	t.Setenv("FRAME_EXT", "PNG")

	opts := defaultOptions()
	if err := LoadConfig(opts, nil); err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	now := time.Date(2025, 1, 27, 10, 30, 0, 0, time.UTC)
	p, err := opts.Pipeline(now)
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}

	if p.Encoder.FPS != 30 {
		t.Errorf("FPS = %d, want 30", p.Encoder.FPS)
	}
	if p.Frames.Extension != ".png" {
		t.Errorf("Extension = %q, want .png", p.Frames.Extension)
	}
	if p.Encoder.OutputFile != "output_30_2025-01-27_10-30-00.mp4" {
		t.Errorf("OutputFile = %q", p.Encoder.OutputFile)
	}
	if !reflect.DeepEqual(p.Encoder.Options, ffmpeg.GetDefaultOptions()) {
		t.Errorf("Encoder.Options = %v, want defaults", p.Encoder.Options)
	}
	want := []Destination{{"10.0.0.1", 9000}, {"10.0.0.2", 9000}}
	if !reflect.DeepEqual(p.Preview.Destinations, want) {
		t.Errorf("Destinations = %v, want %v", p.Preview.Destinations, want)
	}
}

func TestOptionsPipelinePreviewDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.Preview = false
	opts.UDPHost = ""
	opts.UDPQueue = 0

	p, err := opts.Pipeline(time.Now())
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if len(p.Preview.Destinations) != 0 {
		t.Errorf("expected no destinations, got %v", p.Preview.Destinations)
	}
	if p.Preview.Queue != DefaultQueue {
		t.Errorf("Queue = %d, want default", p.Preview.Queue)
	}
}

func TestOptionsPipelineValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		want   string
	}{
		{"zero fps", func(o *Options) { o.FPS = 0 }, "frame rate"},
		{"bad policy", func(o *Options) { o.VanishedPolicy = "nope" }, "policy"},
		{"no dir", func(o *Options) { o.WatchDir = "" }, "watch directory"},
		{"no fifo", func(o *Options) { o.FIFOPath = "" }, "channel path"},
		{"bad ext", func(o *Options) { o.FrameExt = "a/b" }, "extension"},
		{"bad port", func(o *Options) { o.UDPPort = 70000 }, "port"},
		{"unknown encoder option", func(o *Options) { o.EncoderOptions = "turbo" }, "turbo"},
		{"exclusive encoder options", func(o *Options) { o.EncoderOptions = "faststart,fragmented" }, "exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaultOptions()
			tt.mutate(opts)
			_, err := opts.Pipeline(time.Now())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestOptionsLogging(t *testing.T) {
	opts := defaultOptions()
	opts.LoggingRelay = "debug"

	cfg := opts.Logging()
	if cfg.Level != "info" || cfg.Format != "text" {
		t.Errorf("unexpected global settings: %+v", cfg)
	}
	if len(cfg.Modules) != 1 || cfg.Modules["relay"] != "debug" {
		t.Errorf("Modules = %v, want only relay=debug", cfg.Modules)
	}
}
