package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/smazurov/framerelay/internal/config"
	"github.com/smazurov/framerelay/internal/events"
	"github.com/smazurov/framerelay/internal/fifo"
	"github.com/smazurov/framerelay/internal/logging"
	"golang.org/x/sys/unix"
)

func TestMain(m *testing.M) {
	logging.Initialize(logging.Config{Level: "error", Output: io.Discard})
	os.Exit(m.Run())
}

// copyEncoder stands in for ffmpeg: it copies the channel to the output file.
const copyEncoder = `sh -c 'cat "$0" > "$1"' {input} {output}`

type fixture struct {
	dir    string
	cfg    config.Pipeline
	output string
}

func newFixture(t *testing.T, command string) *fixture {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "frames")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	output := filepath.Join(root, "out.bin")
	return &fixture{
		dir:    dir,
		output: output,
		cfg: config.Pipeline{
			Frames: config.Frames{
				Dir:       dir,
				Extension: ".png",
				EndMarker: "DONE",
				Vanished:  config.VanishedWarn,
			},
			ChannelPath: filepath.Join(root, "frames.fifo"),
			Encoder: config.Encoder{
				FPS:        60,
				OutputFile: output,
				Command:    command,
			},
			Preview: config.Preview{Queue: config.DefaultQueue},
		},
	}
}

func (f *fixture) frame(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) channelGone(t *testing.T) {
	t.Helper()
	if _, err := os.Lstat(f.cfg.ChannelPath); !os.IsNotExist(err) {
		t.Errorf("channel %s still exists (err=%v)", f.cfg.ChannelPath, err)
	}
}

func runAsync(ctx context.Context, p *Pipeline) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not finish")
		return nil
	}
}

func waitState(t *testing.T, p *Pipeline, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want %s", p.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunDeliversFramesInOrder(t *testing.T) {
	f := newFixture(t, copyEncoder)
	f.frame(t, "frame_0001.png", "one;")
	f.frame(t, "frame_0003.png", "three;")
	f.frame(t, "frame_0002.png", "two;")
	f.frame(t, "DONE", "")

	p := New(f.cfg)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := os.ReadFile(f.output)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "one;two;three;" {
		t.Errorf("encoder received %q, want %q", got, "one;two;three;")
	}

	f.channelGone(t)
	if entries, _ := os.ReadDir(f.dir); len(entries) != 0 {
		t.Errorf("watch directory not drained: %d entries left", len(entries))
	}

	st := p.Status()
	if st.State != "terminated" || st.Error != "" || st.FramesDelivered != 3 {
		t.Errorf("Status() = %+v", st)
	}
	if st.Encoder == nil || st.Encoder.ExitCode != 0 {
		t.Errorf("encoder status = %+v", st.Encoder)
	}
}

func TestFramesArrivingDuringRun(t *testing.T) {
	f := newFixture(t, copyEncoder)
	p := New(f.cfg)
	done := runAsync(context.Background(), p)

	waitState(t, p, StateDraining)
	f.frame(t, "frame_0001.png", "a")
	f.frame(t, "frame_0002.png", "b")
	time.Sleep(100 * time.Millisecond)
	f.frame(t, "frame_0003.png", "c")
	f.frame(t, "DONE", "")

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got, _ := os.ReadFile(f.output); string(got) != "abc" {
		t.Errorf("encoder received %q, want abc", got)
	}
}

func TestStopSignalFlushes(t *testing.T) {
	f := newFixture(t, copyEncoder)
	f.cfg.Frames.EndMarker = ""
	f.frame(t, "frame_0001.png", "first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := New(f.cfg)
	done := runAsync(ctx, p)

	deadline := time.Now().Add(5 * time.Second)
	for p.Status().FramesDelivered < 1 {
		if time.Now().After(deadline) {
			t.Fatal("frame not delivered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run after stop = %v, want nil", err)
	}
	if got, _ := os.ReadFile(f.output); string(got) != "first" {
		t.Errorf("encoder received %q, want first", got)
	}
	f.channelGone(t)
}

func TestStdinEOFStops(t *testing.T) {
	f := newFixture(t, copyEncoder)
	f.cfg.Frames.EndMarker = ""
	f.cfg.StopOnStdinEOF = true

	p := New(f.cfg, WithStdin(strings.NewReader("")))
	if err := waitRun(t, runAsync(context.Background(), p)); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
	f.channelGone(t)
}

func TestEncoderFailureStillRemovesChannel(t *testing.T) {
	f := newFixture(t, `sh -c 'exit 3'`)
	f.frame(t, "frame_0001.png", "keep me")

	err := New(f.cfg).Run(context.Background())
	if StageOf(err) != StageEncoderExecution || !errors.Is(err, ErrEncoderExited) {
		t.Fatalf("Run = %v, want encoder_execution failure", err)
	}
	if !strings.Contains(err.Error(), "code 3") {
		t.Errorf("error %q should carry the exit code", err)
	}
	f.channelGone(t)
	if _, err := os.Stat(filepath.Join(f.dir, "frame_0001.png")); err != nil {
		t.Error("undelivered frame must stay in the watch directory")
	}
}

func TestEncoderNonZeroAfterInput(t *testing.T) {
	f := newFixture(t, `sh -c 'cat "$0" > /dev/null; exit 5' {input}`)
	f.frame(t, "frame_0001.png", "x")
	f.frame(t, "DONE", "")

	err := New(f.cfg).Run(context.Background())
	if StageOf(err) != StageEncoderExecution {
		t.Fatalf("Run = %v, want encoder_execution failure", err)
	}
	if errors.Is(err, ErrEncoderExited) {
		t.Error("exit after end of input is not an early exit")
	}
	f.channelGone(t)
}

func TestEncoderKilledMidRun(t *testing.T) {
	f := newFixture(t, "cat {input}")
	f.cfg.Frames.EndMarker = ""

	p := New(f.cfg)
	done := runAsync(context.Background(), p)
	waitState(t, p, StateDraining)

	st := p.Status()
	if st.Encoder == nil || st.Encoder.PID == 0 {
		t.Fatalf("no encoder pid in status: %+v", st)
	}
	if err := syscall.Kill(st.Encoder.PID, syscall.SIGKILL); err != nil {
		t.Fatal(err)
	}

	err := waitRun(t, done)
	if StageOf(err) != StageEncoderExecution || !errors.Is(err, ErrEncoderExited) {
		t.Fatalf("Run = %v, want encoder_execution failure", err)
	}
	if !strings.Contains(err.Error(), "137") {
		t.Errorf("error %q should report the kill", err)
	}
	f.channelGone(t)
	if p.Status().State != "terminated" {
		t.Errorf("state = %s", p.Status().State)
	}
}

func TestEncoderLaunchFailure(t *testing.T) {
	f := newFixture(t, "/nonexistent/encoder {input}")

	err := New(f.cfg).Run(context.Background())
	if StageOf(err) != StageEncoderLaunch {
		t.Fatalf("Run = %v, want encoder_launch failure", err)
	}
	f.channelGone(t)
}

func TestStaleChannelIsReplaced(t *testing.T) {
	f := newFixture(t, copyEncoder)
	if err := unix.Mkfifo(f.cfg.ChannelPath, 0o600); err != nil {
		t.Fatal(err)
	}
	f.frame(t, "frame_0001.png", "z")
	f.frame(t, "DONE", "")

	if err := New(f.cfg).Run(context.Background()); err != nil {
		t.Fatalf("Run over stale channel: %v", err)
	}
	f.channelGone(t)
}

func TestForeignFileAtChannelPath(t *testing.T) {
	f := newFixture(t, copyEncoder)
	if err := os.WriteFile(f.cfg.ChannelPath, []byte("not ours"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := New(f.cfg).Run(context.Background())
	if StageOf(err) != StageSetup || !errors.Is(err, fifo.ErrNotFIFO) {
		t.Fatalf("Run = %v, want setup failure", err)
	}
	if data, _ := os.ReadFile(f.cfg.ChannelPath); string(data) != "not ours" {
		t.Error("a file the pipeline did not create must be left alone")
	}
}

func TestPreviewRelayed(t *testing.T) {
	rx, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer rx.Close()

	var mu sync.Mutex
	var received bytes.Buffer
	go func() {
		buf := make([]byte, 65536)
		for {
			n, _, err := rx.ReadFromUDP(buf)
			if err != nil {
				return
			}
			mu.Lock()
			received.Write(buf[:n])
			mu.Unlock()
		}
	}()

	f := newFixture(t, `sh -c 'cat "$0" | tee "$1"' {input} {output}`)
	f.cfg.Preview = config.Preview{
		Enabled:      true,
		Destinations: []config.Destination{{Host: "127.0.0.1", Port: rx.LocalAddr().(*net.UDPAddr).Port}},
		Queue:        config.DefaultQueue,
	}
	first := strings.Repeat("A", 1000)
	second := strings.Repeat("B", 1000)
	f.frame(t, "frame_0001.png", first)
	f.frame(t, "frame_0002.png", second)
	f.frame(t, "DONE", "")

	p := New(f.cfg)
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := first + second
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		got := received.String()
		mu.Unlock()
		if got == want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("preview received %d bytes, want %d", len(got), len(want))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if dests := p.Status().Destinations; len(dests) != 1 || dests[0].Sent != 2 {
		t.Errorf("destination stats = %+v, want 2 datagrams", dests)
	}
}

func TestStateTransitionsPublished(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	var mu sync.Mutex
	var states []string
	unsub := bus.Subscribe(func(e events.StateChangedEvent) {
		mu.Lock()
		states = append(states, e.To)
		mu.Unlock()
	})
	defer unsub()

	f := newFixture(t, copyEncoder)
	f.frame(t, "DONE", "")
	if err := New(f.cfg, WithEvents(bus)).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"channel_prepared", "encoder_started", "draining", "flushing", "terminated"}
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		got := append([]string(nil), states...)
		mu.Unlock()
		if len(got) >= len(want) {
			if strings.Join(got, ",") != strings.Join(want, ",") {
				t.Errorf("states = %v, want %v", got, want)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("states = %v, want %v", got, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunTwice(t *testing.T) {
	f := newFixture(t, copyEncoder)
	f.frame(t, "DONE", "")
	p := New(f.cfg)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(StageSetup, "create channel", fifo.ErrExists)
	if got := err.Error(); got != "[setup] create channel: fifo: channel already exists" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, fifo.ErrExists) {
		t.Error("Unwrap should expose the cause")
	}
	if got := NewError(StageEncoderExecution, "encoder exited with code 1", nil).Error(); got != "[encoder_execution] encoder exited with code 1" {
		t.Errorf("Error() = %q", got)
	}
	if StageOf(errors.New("plain")) != "" {
		t.Error("StageOf on a plain error should be empty")
	}
}
