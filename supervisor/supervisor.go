// Package supervisor owns the lifecycle of the bridged child process and
// its three stdio streams: length-framed JSON-RPC on stdin/stdout and
// line-oriented diagnostics on stderr. There is exactly one serialized
// writer to the child's stdin and one continuous reader of its stdout;
// decoded frames land in an inbox channel drained by the broker.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/procstream/mcp-bridge-go/framing"
	"github.com/procstream/mcp-bridge-go/internal/jsonrpc"
)

const (
	// DefaultGracePeriod is how long Terminate waits between the stop
	// signal and a force kill.
	DefaultGracePeriod = 5 * time.Second
	// DefaultProbeTimeout bounds the startup health probe.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultInboxSize is the capacity of the decoded-frame inbox.
	DefaultInboxSize = 256

	// probeID is the sentinel id of the synthetic initialize request. The
	// read loop diverts the matching response away from the inbox.
	probeID = "__bridge_probe__"
)

// ErrNotRunning is returned by operations that need a live child.
var ErrNotRunning = errors.New("supervisor: child process not running")

// Supervisor runs one child process and bridges its stdio streams.
type Supervisor struct {
	log   *slog.Logger
	cmd   *exec.Cmd
	grace time.Duration

	stdin   io.WriteCloser
	writeMu sync.Mutex

	inbox   chan jsonrpc.Message
	probeCh chan jsonrpc.Message

	waitDone   chan struct{}
	waitErr    error
	stderrDone chan struct{}

	// stop releases the read loop if it is parked on a send to a full
	// inbox nobody is draining anymore.
	stop     chan struct{}
	stopOnce sync.Once

	readDone chan struct{}
	readErr  error

	started bool
}

// Option customizes a Supervisor.
type Option func(*options)

type options struct {
	log       *slog.Logger
	dir       string
	env       []string
	grace     time.Duration
	inboxSize int
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithEnv sets the child's environment. Nil inherits the parent's.
func WithEnv(env []string) Option {
	return func(o *options) { o.env = env }
}

// WithGracePeriod overrides the stop-signal grace period.
func WithGracePeriod(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.grace = d
		}
	}
}

// WithInboxSize overrides the inbox capacity.
func WithInboxSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.inboxSize = n
		}
	}
}

// New prepares a Supervisor for the given command. Nothing is spawned
// until Start.
func New(command string, args []string, opts ...Option) *Supervisor {
	o := &options{
		log:       slog.Default(),
		grace:     DefaultGracePeriod,
		inboxSize: DefaultInboxSize,
	}
	for _, opt := range opts {
		opt(o)
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = o.dir
	cmd.Env = o.env

	return &Supervisor{
		log:        o.log,
		cmd:        cmd,
		grace:      o.grace,
		inbox:      make(chan jsonrpc.Message, o.inboxSize),
		probeCh:    make(chan jsonrpc.Message, 1),
		waitDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		stop:       make(chan struct{}),
		readDone:   make(chan struct{}),
	}
}

// Start spawns the child and begins the read and diagnostic pumps.
func (s *Supervisor) Start(ctx context.Context) error {
	if s.started {
		return errors.New("supervisor: already started")
	}

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdin pipe: %w", err)
	}
	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stdout pipe: %w", err)
	}
	stderr, err := s.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("supervisor: stderr pipe: %w", err)
	}

	if err := s.cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: start %q: %w", s.cmd.Path, err)
	}
	s.started = true
	s.stdin = stdin

	s.log.InfoContext(ctx, "child.start",
		slog.String("cmd", s.cmd.Path),
		slog.Int("pid", s.cmd.Process.Pid),
	)

	go func() {
		s.waitErr = s.cmd.Wait()
		close(s.waitDone)
	}()
	go s.readLoop(stdout)
	go s.stderrPump(stderr)

	return nil
}

// WriteMessage frames and writes one message to the child's stdin. Writes
// are serialized; a frame is never interleaved with another.
func (s *Supervisor) WriteMessage(payload jsonrpc.Message) error {
	if !s.started {
		return ErrNotRunning
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return framing.WriteFrame(s.stdin, payload)
}

// Inbox returns the channel of decoded frames from the child. It is closed
// when the read loop ends; that close is the bridge-down signal.
func (s *Supervisor) Inbox() <-chan jsonrpc.Message {
	return s.inbox
}

// ReadErr reports why the read loop ended. Valid after Inbox is closed.
func (s *Supervisor) ReadErr() error {
	select {
	case <-s.readDone:
		return s.readErr
	default:
		return nil
	}
}

// readLoop decodes frames from the child's stdout until the stream ends.
// Responses carrying the probe sentinel id are diverted to the prober.
func (s *Supervisor) readLoop(stdout io.Reader) {
	defer close(s.inbox)
	defer close(s.readDone)

	for {
		payload, err := framing.ReadFrame(stdout)
		if err != nil {
			if err != io.EOF {
				s.readErr = err
				s.log.Error("child.read.fail", slog.String("err", err.Error()))
			} else {
				s.readErr = io.EOF
				s.log.Info("child.read.eof")
			}
			return
		}

		if isProbeResponse(payload) {
			select {
			case s.probeCh <- jsonrpc.Message(payload):
			default:
			}
			continue
		}

		select {
		case s.inbox <- jsonrpc.Message(payload):
		case <-s.stop:
			return
		}
	}
}

func isProbeResponse(payload []byte) bool {
	var probe struct {
		ID     *jsonrpc.RequestID `json:"id"`
		Method string             `json:"method"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return false
	}
	return probe.Method == "" && probe.ID != nil && probe.ID.Key() == "s:"+probeID
}

// stderrPump forwards the child's diagnostic stream line by line into the
// bridge's own logging, never mixing it with protocol data.
func (s *Supervisor) stderrPump(stderr io.Reader) {
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.log.Info("child.stderr", slog.String("line", scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("child.stderr.fail", slog.String("err", err.Error()))
	}
}

// Probe sends a synthetic initialize request with the sentinel id and
// waits for the matching response. A probe failure means the child is not
// answering; callers treat that as a readiness warning, not a fatal error.
func (s *Supervisor) Probe(ctx context.Context) error {
	if !s.started {
		return ErrNotRunning
	}

	req, err := jsonrpc.NewRequest(jsonrpc.NewStringID(probeID), "initialize", map[string]any{
		"protocolVersion": "2025-06-18",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "mcp-bridge", "version": "probe"},
	})
	if err != nil {
		return err
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := s.WriteMessage(payload); err != nil {
		return fmt.Errorf("supervisor: probe write: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultProbeTimeout)
	defer cancel()

	select {
	case <-s.probeCh:
		s.log.InfoContext(ctx, "child.probe.ok")
		return nil
	case <-s.readDone:
		return fmt.Errorf("supervisor: probe: child stream ended: %w", s.readErr)
	case <-ctx.Done():
		return fmt.Errorf("supervisor: probe: %w", ctx.Err())
	}
}

// Terminate stops the child: a graceful stop signal first, then a force
// kill once the grace period runs out. It also reaps the diagnostic pump
// so no goroutine outlives the child.
func (s *Supervisor) Terminate(ctx context.Context) error {
	if !s.started {
		return ErrNotRunning
	}

	s.stopOnce.Do(func() { close(s.stop) })

	// Closing stdin is the politest stop signal for a stdio-driven child;
	// the interrupt follows for children that ignore EOF.
	_ = s.stdin.Close()
	_ = s.cmd.Process.Signal(stopSignal)

	select {
	case <-s.waitDone:
	case <-time.After(s.grace):
		s.log.Warn("child.terminate.force", slog.Int("pid", s.cmd.Process.Pid))
		_ = s.cmd.Process.Kill()
		<-s.waitDone
	case <-ctx.Done():
		_ = s.cmd.Process.Kill()
		<-s.waitDone
	}

	<-s.stderrDone

	if s.waitErr != nil {
		s.log.Info("child.exit", slog.String("status", s.waitErr.Error()))
	} else {
		s.log.Info("child.exit", slog.String("status", "ok"))
	}
	return nil
}

// Done is closed once the child process has been reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.waitDone
}
