package napcat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/rs/zerolog"

	"github.com/RicterZ/moltbot-QQ/jsonrpc"
)

// ProcessConfig describes how to launch the backend executable.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// LineHandler receives each complete line read from the backend's stdout.
type LineHandler func(line []byte)

// ExitHandler is invoked exactly once when the backend process terminates,
// for any reason. err is nil for a clean exit.
type ExitHandler func(err error)

// Transport owns the backend child process and its two stdio byte streams.
// Stdout is split into discrete lines, stdin carries serialized full-line
// writes, and stderr is surfaced only for diagnostics.
type Transport struct {
	log    zerolog.Logger
	limits jsonrpc.Limits

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	writer  *jsonrpc.LineWriter
	started bool
	stopped bool

	exitOnce sync.Once
	done     chan struct{}
}

// NewTransport creates a transport that has not spawned anything yet.
func NewTransport(log zerolog.Logger) *Transport {
	return &Transport{
		log:    log.With().Str("component", "transport").Logger(),
		limits: jsonrpc.DefaultLimits(),
		done:   make(chan struct{}),
	}
}

// SetLimits updates the line limits applied to both streams. Must be called
// before Start.
func (t *Transport) SetLimits(limits jsonrpc.Limits) {
	t.limits = limits
}

// Start spawns the backend executable and begins pumping its streams. onLine
// is handed every complete stdout line; onExit fires exactly once when the
// process terminates.
func (t *Transport) Start(cfg ProcessConfig, onLine LineHandler, onExit ExitHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return fmt.Errorf("transport already started")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return newSpawnError(fmt.Errorf("failed to create stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return newSpawnError(fmt.Errorf("failed to create stdout pipe: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return newSpawnError(fmt.Errorf("failed to create stderr pipe: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return newSpawnError(fmt.Errorf("failed to start %q: %w", cfg.Command, err))
	}

	t.cmd = cmd
	t.stdin = stdin
	t.writer = jsonrpc.NewLineWriter(stdin)
	t.writer.SetLimits(t.limits)
	t.started = true

	t.log.Debug().Str("command", cfg.Command).Strs("args", cfg.Args).Int("pid", cmd.Process.Pid).
		Msg("backend process started")

	go t.readLoop(stdout, onLine)
	go t.stderrLoop(stderr)
	go t.waitLoop(onExit)

	return nil
}

// readLoop hands complete stdout lines to the owner until the stream ends.
func (t *Transport) readLoop(stdout io.Reader, onLine LineHandler) {
	reader := jsonrpc.NewLineReader(stdout)
	reader.SetLimits(t.limits)

	for {
		line, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, jsonrpc.ErrLineTooLong) {
				t.log.Warn().Err(err).Msg("discarding oversized line from backend")
				continue
			}
			return
		}
		if len(line) == 0 {
			continue
		}
		onLine(line)
	}
}

// stderrLoop surfaces the backend's stderr for diagnostics. It is never
// treated as protocol data.
func (t *Transport) stderrLoop(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), t.limits.MaxLine)
	for scanner.Scan() {
		t.log.Debug().Str("stream", "stderr").Msg(scanner.Text())
	}
}

// waitLoop reaps the child and delivers the terminal exit notification.
func (t *Transport) waitLoop(onExit ExitHandler) {
	err := t.cmd.Wait()
	t.exitOnce.Do(func() {
		if err != nil {
			t.log.Debug().Err(err).Msg("backend process exited")
		} else {
			t.log.Debug().Msg("backend process exited cleanly")
		}
		close(t.done)
		if onExit != nil {
			onExit(err)
		}
	})
}

// WriteLine forwards one text line to the backend's stdin, terminated by a
// single newline. Concurrent writers never interleave partial lines.
func (t *Transport) WriteLine(payload []byte) error {
	t.mu.Lock()
	writer := t.writer
	ok := t.started && !t.stopped
	t.mu.Unlock()

	if !ok {
		return newTransportClosedError()
	}
	if err := writer.WriteLine(payload); err != nil {
		return fmt.Errorf("failed to write to backend: %w", err)
	}
	return nil
}

// Stop terminates the child process, closes both streams, and waits until the
// process is fully released. Safe to call on an already-stopped transport.
func (t *Transport) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	if t.stopped {
		t.mu.Unlock()
		<-t.done
		return
	}
	t.stopped = true
	stdin := t.stdin
	cmd := t.cmd
	t.mu.Unlock()

	// Closing stdin lets a well-behaved backend drain and exit on its own;
	// the kill covers the rest.
	_ = stdin.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-t.done
}

// Done is closed once the backend process has terminated.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}
