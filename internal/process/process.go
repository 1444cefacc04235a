package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/smazurov/framerelay/internal/logging"
)

// ErrNotStarted is returned by operations that need a running process.
var ErrNotStarted = errors.New("process not started")

// LogParser parses a log line and returns the log level and message.
type LogParser func(line string) (level, msg string)

// Process manages the lifecycle of one subprocess.
type Process struct {
	id     string
	args   []string
	logger logging.Logger

	processLogger logging.Logger // logger for process output (nil = use logger)
	logParser     LogParser      // parses process output for log level (nil = no parsing)
	outputWait    time.Duration  // how long to wait for stderr EOF after exit

	mu         sync.Mutex
	cmd        *exec.Cmd
	state      State
	startedAt  time.Time
	pipeStdout bool
	stdout     *os.File

	done     chan struct{}
	exitCode int
	exitErr  error
}

// New creates a process for argv. Nothing runs until Start.
func New(id string, args []string, logger logging.Logger) *Process {
	return &Process{
		id:         id,
		args:       args,
		logger:     logger,
		outputWait: 2 * time.Second,
		state:      StateIdle,
		done:       make(chan struct{}),
	}
}

// ID returns the process identifier.
func (p *Process) ID() string {
	return p.id
}

// Args returns the argv the process runs.
func (p *Process) Args() []string {
	return append([]string(nil), p.args...)
}

// SetLogParser sets a logger and parser for the process's stderr.
func (p *Process) SetLogParser(logger logging.Logger, parser LogParser) {
	p.processLogger = logger
	p.logParser = parser
}

// PipeStdout requests that the child's stdout be readable through Stdout.
// It must be called before Start. Without it stdout is discarded.
func (p *Process) PipeStdout() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process: PipeStdout after Start")
	}
	p.pipeStdout = true
	return nil
}

// Stdout returns the read end of the child's stdout. It reaches EOF once
// the child and everything it spawned have closed it. The caller owns it.
func (p *Process) Stdout() io.ReadCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdout == nil {
		return nil
	}
	return p.stdout
}

// Start launches the subprocess in its own process group.
func (p *Process) Start() error {
	if len(p.args) == 0 {
		return errors.New("process: empty command")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.New("process: already started")
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// os.Pipe rather than cmd.StdoutPipe: Wait closes the latter, which
	// would cut off a reader still draining the tail of the stream.
	var stdoutW *os.File
	if p.pipeStdout {
		r, w, err := os.Pipe()
		if err != nil {
			return p.fail(fmt.Errorf("process: stdout pipe: %w", err))
		}
		p.stdout, stdoutW = r, w
		cmd.Stdout = w
	}

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		p.closeStdout(stdoutW)
		return p.fail(fmt.Errorf("process: stderr pipe: %w", err))
	}
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		stderrR.Close()
		stderrW.Close()
		p.closeStdout(stdoutW)
		p.logger.Error("Failed to start process", "id", p.id, "error", err, "command", p.args[0])
		return p.fail(fmt.Errorf("process: start %s: %w", p.args[0], err))
	}

	// The child holds its own copies now.
	stderrW.Close()
	if stdoutW != nil {
		stdoutW.Close()
	}

	p.cmd = cmd
	p.state = StateRunning
	p.startedAt = time.Now()
	p.logger.Info("Process started", "id", p.id, "pid", cmd.Process.Pid, "command", strings.Join(p.args, " "))

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		defer stderrR.Close()
		p.streamOutput(stderrR, "stderr")
	}()

	go p.wait(outputDone)
	return nil
}

func (p *Process) fail(err error) error {
	p.state = StateError
	p.exitErr = err
	p.exitCode = 1
	return err
}

func (p *Process) closeStdout(w *os.File) {
	if w != nil {
		w.Close()
	}
	if p.stdout != nil {
		p.stdout.Close()
		p.stdout = nil
	}
}

// wait observes the exit exactly once and publishes it through done.
func (p *Process) wait(outputDone <-chan struct{}) {
	err := p.cmd.Wait()
	code := exitCodeFromError(err)

	// A grandchild may still hold stderr; do not hang on it forever.
	select {
	case <-outputDone:
	case <-time.After(p.outputWait):
		p.logger.Warn("Process output still open after exit", "id", p.id)
	}

	p.mu.Lock()
	p.exitCode = code
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.exitErr = err
	}
	p.state = StateExited
	p.mu.Unlock()

	if code == 0 {
		p.logger.Info("Process exited", "id", p.id, "exit_code", code)
	} else {
		p.logger.Warn("Process exited", "id", p.id, "exit_code", code)
	}
	close(p.done)
}

// Done is closed once the process has exited and its exit is recorded.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits and returns its exit code. The error
// is non-nil only when waiting itself failed, not for a non-zero exit.
func (p *Process) Wait() (int, error) {
	p.mu.Lock()
	started := p.cmd != nil
	code, err := p.exitCode, p.exitErr
	p.mu.Unlock()
	if !started {
		if err != nil {
			return code, err
		}
		return -1, ErrNotStarted
	}

	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, p.exitErr
}

// Exited reports whether the exit has been observed.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Interrupt sends SIGINT to the process group.
func (p *Process) Interrupt() error {
	return p.signal(syscall.SIGINT)
}

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *Process) signal(sig syscall.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	if cmd != nil && p.state == StateRunning {
		p.state = StateStopping
	}
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	if p.Exited() {
		return nil
	}

	p.logger.Debug("Signalling process group", "id", p.id, "pid", cmd.Process.Pid, "signal", sig.String())
	if err := syscall.Kill(-cmd.Process.Pid, sig); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("process: signal %s: %w", sig, err)
	}
	return nil
}

// Stop interrupts the process and waits up to timeout for it to exit,
// killing it afterwards. It returns the exit code.
func (p *Process) Stop(timeout time.Duration) int {
	if p.Exited() {
		code, _ := p.Wait()
		return code
	}

	p.logger.Info("Stopping process", "id", p.id)
	if err := p.Interrupt(); err != nil {
		p.logger.Warn("Failed to send SIGINT", "id", p.id, "error", err)
	}

	select {
	case <-p.done:
	case <-time.After(timeout):
		p.logger.Warn("Graceful shutdown timeout, forcing kill", "id", p.id, "timeout", timeout)
		if err := p.Kill(); err != nil {
			p.logger.Error("Failed to kill process", "id", p.id, "error", err)
		}
	}

	code, _ := p.Wait()
	return code
}

// Info returns a snapshot of the process state.
func (p *Process) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := Info{
		ID:        p.id,
		State:     p.state,
		StartedAt: p.startedAt,
		ExitCode:  p.exitCode,
		LastError: p.exitErr,
	}
	if p.cmd != nil && p.cmd.Process != nil {
		info.PID = p.cmd.Process.Pid
	}
	return info
}

// exitCodeFromError extracts the exit code from a Wait error. Signal deaths
// are reported shell-style as 128+signal, so SIGKILL is 137.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}

// streamOutput logs each line of the child's output.
func (p *Process) streamOutput(reader io.Reader, source string) {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	logger := p.processLogger
	if logger == nil {
		logger = p.logger
	}

	for scanner.Scan() {
		level, msg := "info", scanner.Text()
		if p.logParser != nil {
			level, msg = p.logParser(msg)
		}

		switch level {
		case "quiet", "panic", "fatal", "error":
			logger.Error(msg)
		case "warning":
			logger.Warn(msg)
		case "verbose", "debug", "trace":
			logger.Debug(msg)
		default:
			logger.Info(msg)
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		p.logger.Warn("Error reading output", "id", p.id, "source", source, "error", err)
	}
}

// ParseCommand splits a command string into arguments.
// Handles single and double quotes and backslash escapes.
func ParseCommand(command string) ([]string, error) {
	var args []string
	var current strings.Builder
	inQuote := false
	quoted := false // current argument had quotes, so "" is a real empty arg
	quoteChar := rune(0)

	runes := []rune(strings.TrimSpace(command))

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"' || r == '\'':
			switch {
			case !inQuote:
				inQuote = true
				quoted = true
				quoteChar = r
			case r == quoteChar:
				inQuote = false
				quoteChar = 0
			default:
				current.WriteRune(r)
			}
		case (r == ' ' || r == '\t' || r == '\n') && !inQuote:
			if current.Len() > 0 || quoted {
				args = append(args, current.String())
				current.Reset()
				quoted = false
			}
		case r == '\\' && i+1 < len(runes) && quoteChar != '\'':
			i++
			current.WriteRune(runes[i])
		default:
			current.WriteRune(r)
		}
	}

	if inQuote {
		return nil, fmt.Errorf("unclosed quote in command")
	}
	if current.Len() > 0 || quoted {
		args = append(args, current.String())
	}

	return args, nil
}
