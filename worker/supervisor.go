package worker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/procmux/protocol"
	"go.uber.org/zap"
)

var (
	// ErrWorkerUnavailable is returned by Write when no worker is running to receive the frame.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrWorkerSpawnFailure matches every *SpawnError.
	ErrWorkerSpawnFailure = errors.New("worker spawn failure")
)

// SpawnError is returned by Run when the worker could not be started the first time.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting worker %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

func (e *SpawnError) Is(target error) bool { return target == ErrWorkerSpawnFailure }

type State int

const (
	StateStarting State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config describes the worker executable.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the supervisor's own environment.
	Env []string
	Dir string
}

// StartHook runs after each spawn and before the worker accepts frames from anyone else.
// Frames written to enc reach the fresh worker first.
type StartHook func(enc *protocol.Encoder) error

// Supervisor owns a single worker process and restarts it whenever it exits,
// unless a controlled shutdown was requested first.
type Supervisor struct {
	log *zap.SugaredLogger
	cfg Config

	restartDelay time.Duration
	writeTimeout time.Duration
	mirror       io.Writer
	onOutput     func(line []byte)
	startHook    StartHook

	mut        sync.Mutex
	state      State
	stdin      *protocol.Encoder
	pid        int
	generation int
	exiting    bool
	// ready is closed while state is StateRunning and replaced when the worker goes away.
	ready   chan struct{}
	stopped chan struct{}
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("worker").Sugar()
	}
}

// WithRestartDelay sets the pause between a worker exiting and the next spawn.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.restartDelay = d
	}
}

// WithWriteTimeout sets how long Write waits for a worker that is being (re)started.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.writeTimeout = d
	}
}

// WithMirror copies the worker's raw stdout to w.
func WithMirror(w io.Writer) Option {
	return func(s *Supervisor) {
		s.mirror = w
	}
}

// WithOutputHandler sets the function called with every non-empty stdout line, in order.
func WithOutputHandler(f func(line []byte)) Option {
	return func(s *Supervisor) {
		s.onOutput = f
	}
}

func WithStartHook(h StartHook) Option {
	return func(s *Supervisor) {
		s.startHook = h
	}
}

func New(cfg Config, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:          zap.NewNop().Sugar(),
		cfg:          cfg,
		restartDelay: 100 * time.Millisecond,
		writeTimeout: 5 * time.Second,
		mirror:       io.Discard,
		onOutput:     func([]byte) {},
		ready:        make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Run keeps a worker running until a controlled shutdown completes or ctx is canceled.
// It returns nil after a controlled shutdown, a *SpawnError if the very first spawn fails,
// and ctx.Err() on cancellation. The worker is killed when ctx is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setStopped()

	spawnedOnce := false
	for {
		spawned, err := s.runOnce(ctx)
		if err != nil {
			if !spawnedOnce {
				return err
			}
			s.log.Warnf("respawn failed, retrying: %s", err)
		}
		spawnedOnce = spawnedOnce || spawned

		if s.Exiting() {
			s.log.Info("worker exited after exit request")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.log.Infof("worker exited, restarting in %s", s.restartDelay)
		select {
		case <-time.After(s.restartDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce spawns the worker and blocks until it exits.
func (s *Supervisor) runOnce(ctx context.Context) (bool, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, &SpawnError{Command: s.cfg.Command, Err: err}
	}

	startTime := time.Now()
	if err := cmd.Start(); err != nil {
		return false, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	pid := cmd.Process.Pid
	log := s.log.With("PID", pid)
	log.Info("started worker")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.readStdout(log, stdout)
	}()
	go func() {
		defer wg.Done()
		s.readStderr(log, stderr)
	}()

	// kill the worker if the context is canceled
	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cmd.Process.Kill()
		case <-exited:
		}
	}()

	enc := protocol.NewEncoder(stdin)
	if s.startHook != nil {
		if err := s.startHook(enc); err != nil {
			log.Warnf("start hook failed: %s", err)
		}
	}
	s.setRunning(enc, pid)

	// the process wait will not return until stdout and stderr are read to completion
	wg.Wait()
	err = cmd.Wait()
	close(exited)
	s.setExited()

	exitCode := cmd.ProcessState.ExitCode()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			log.Debugf("unexpected exit error: %s", err)
		}
	}
	log.Infow("worker exited", "ExitCode", exitCode, "Uptime", time.Since(startTime))
	return true, nil
}

func (s *Supervisor) readStdout(log *zap.SugaredLogger, stdout io.Reader) {
	r := bufio.NewReader(stdout)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if _, werr := s.mirror.Write(line); werr != nil {
				log.Debugf("mirroring stdout: %s", werr)
			}
			if trimmed := bytes.TrimRight(line, "\r\n"); len(bytes.TrimSpace(trimmed)) > 0 {
				s.onOutput(trimmed)
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("stdout reader got error: %s", err)
			}
			return
		}
	}
}

// readStderr drains stderr until it closes. Lines have no length limit; a worker blocked
// on a full stderr pipe would never answer or exit.
func (s *Supervisor) readStderr(log *zap.SugaredLogger, stderr io.Reader) {
	r := bufio.NewReader(stderr)
	for {
		line, err := r.ReadBytes('\n')
		if trimmed := bytes.TrimRight(line, "\r\n"); len(trimmed) > 0 {
			log.Infow("worker stderr", "Line", string(trimmed))
		}
		if err != nil {
			if err != io.EOF {
				log.Debugf("stderr reader got error: %s", err)
			}
			return
		}
	}
}

// Write sends one frame to the worker's stdin. While the worker is starting it waits up to
// the write timeout for it to come up. It fails with ErrWorkerUnavailable after that,
// or immediately once the supervisor has stopped.
func (s *Supervisor) Write(ctx context.Context, frame []byte) error {
	timer := time.NewTimer(s.writeTimeout)
	defer timer.Stop()

	for {
		s.mut.Lock()
		state, enc, ready := s.state, s.stdin, s.ready
		s.mut.Unlock()

		switch state {
		case StateStopped:
			return ErrWorkerUnavailable
		case StateRunning:
			if err := enc.WriteFrame(frame); err != nil {
				if errors.Is(err, protocol.ErrEmbeddedNewline) {
					return err
				}
				return fmt.Errorf("%w: %s", ErrWorkerUnavailable, err)
			}
			return nil
		}

		select {
		case <-ready:
		case <-s.stopped:
			return ErrWorkerUnavailable
		case <-timer.C:
			return ErrWorkerUnavailable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown marks the next worker exit as final. It does not stop the worker itself;
// the worker is expected to exit on its own after being told to.
func (s *Supervisor) Shutdown() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if !s.exiting {
		s.log.Info("controlled shutdown requested")
	}
	s.exiting = true
}

func (s *Supervisor) Exiting() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.exiting
}

func (s *Supervisor) State() State {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.state
}

// PID returns the pid of the running worker, or 0.
func (s *Supervisor) PID() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.state != StateRunning {
		return 0
	}
	return s.pid
}

// Generation returns how many times a worker has been spawned.
func (s *Supervisor) Generation() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.generation
}

// WaitRunning blocks until a worker is running.
func (s *Supervisor) WaitRunning(ctx context.Context) error {
	for {
		s.mut.Lock()
		state, ready := s.state, s.ready
		s.mut.Unlock()
		switch state {
		case StateRunning:
			return nil
		case StateStopped:
			return ErrWorkerUnavailable
		}
		select {
		case <-ready:
		case <-s.stopped:
			return ErrWorkerUnavailable
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stopped is closed once Run has returned.
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.stopped
}

func (s *Supervisor) setRunning(enc *protocol.Encoder, pid int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.state = StateRunning
	s.stdin = enc
	s.pid = pid
	s.generation++
	close(s.ready)
}

func (s *Supervisor) setExited() {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.state = StateStarting
	s.stdin = nil
	s.pid = 0
	s.ready = make(chan struct{})
}

func (s *Supervisor) setStopped() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.state == StateStopped {
		return
	}
	s.state = StateStopped
	close(s.stopped)
}
