package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procmux/protocol"
	"github.com/guseggert/procmux/worker"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Server multiplexes any number of local client connections onto one supervised worker.
type Server struct {
	log  *zap.SugaredLogger
	zlog *zap.Logger

	id      string
	started time.Time

	queueSize    int
	httpAddr     string
	httpListener net.Listener
	initMessages []*protocol.Message
	workerOpts   []worker.Option

	supervisor *worker.Supervisor
	clients    *clientSet

	httpMut     sync.Mutex
	httpServer  *http.Server
	httpStopped bool
}

type Option func(s *Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.zlog = l
	}
}

// WithQueueSize sets how many frames may be queued for one client before it is disconnected.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		s.queueSize = n
	}
}

// WithHTTPAddr enables the HTTP status and observer endpoints on addr.
func WithHTTPAddr(addr string) Option {
	return func(s *Server) {
		s.httpAddr = addr
	}
}

// WithHTTPListener serves the HTTP endpoints on an existing listener.
func WithHTTPListener(l net.Listener) Option {
	return func(s *Server) {
		s.httpListener = l
	}
}

// WithInitMessages sets requests written to every freshly spawned worker before any client traffic.
func WithInitMessages(msgs ...*protocol.Message) Option {
	return func(s *Server) {
		s.initMessages = msgs
	}
}

// WithWorkerOptions passes options through to the worker supervisor.
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(s *Server) {
		s.workerOpts = append(s.workerOpts, opts...)
	}
}

func NewServer(cfg worker.Config, opts ...Option) (*Server, error) {
	s := &Server{
		id:        uuid.New().String(),
		queueSize: 1024,
	}
	for _, o := range opts {
		o(s)
	}
	if s.zlog == nil {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("building logger: %w", err)
		}
		s.zlog = logger
	}
	if s.queueSize <= 0 {
		return nil, fmt.Errorf("queue size must be positive, got %d", s.queueSize)
	}
	s.log = s.zlog.Named("proxy").Sugar().With("Instance", s.id)
	s.clients = newClientSet(s.log, s.queueSize)

	workerOpts := append([]worker.Option{
		worker.WithLogger(s.zlog),
		worker.WithOutputHandler(s.workerOutput),
		worker.WithStartHook(s.replayInit),
	}, s.workerOpts...)
	s.supervisor = worker.New(cfg, workerOpts...)
	return s, nil
}

// ID is unique to this server instance.
func (s *Server) ID() string { return s.id }

func (s *Server) Supervisor() *worker.Supervisor { return s.supervisor }

// Serve accepts client connections on l and runs the worker until the worker exits after an
// exit request, or ctx is canceled. It closes l and every client connection before returning.
// A controlled shutdown returns nil.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpListener, err := s.listenHTTP()
	if err != nil {
		l.Close()
		return err
	}

	s.started = time.Now()
	s.log.Infow("serving", "Addr", l.Addr().String())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		// once the worker is gone for good there is nothing left to serve
		defer cancel()
		return s.supervisor.Run(groupCtx)
	})
	group.Go(func() error {
		return s.accept(groupCtx, l)
	})
	if httpListener != nil {
		group.Go(func() error {
			return s.serveHTTP(httpListener)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		l.Close()
		s.stopHTTP()
		s.clients.closeAll()
		return nil
	})

	err = group.Wait()
	s.log.Infow("stopped", "Uptime", time.Since(s.started))
	return err
}

func (s *Server) accept(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	id := xid.New().String()
	log := s.log.With("Client", id)
	ch := protocol.NewChannel(conn, log)

	c := s.clients.add(id, ch)
	if c == nil {
		conn.Close()
		return
	}
	defer s.clients.remove(c)

	for {
		msg, err := ch.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debugf("read error: %s", err)
			}
			return
		}
		s.handle(ctx, c, msg)
	}
}

// handle routes one client message. Only "logger" is answered locally; everything else goes
// to the worker with the client's bytes unchanged.
func (s *Server) handle(ctx context.Context, c *client, msg *protocol.Message) {
	if msg.Kind() == protocol.KindRequest {
		switch msg.Command {
		case protocol.CommandLogger:
			s.clients.observe(c)
			return
		case protocol.CommandExit:
			s.supervisor.Shutdown()
		}
	}

	// observers get the request before the worker can possibly answer it
	frame := msg.Raw()
	s.clients.toObservers(frame)
	err := s.supervisor.Write(ctx, frame)
	if err != nil {
		c.log.Warnw("unable to forward message", "Message", msg.String(), "Error", err)
		if msg.Kind() == protocol.KindRequest && ctx.Err() == nil {
			s.reject(c, msg, err)
		}
	}
}

// reject answers a request the worker never saw, so its sender is not left waiting.
// Observers see the failure too.
func (s *Server) reject(c *client, msg *protocol.Message, cause error) {
	resp := protocol.Failure(msg.Seq, msg.Command, cause.Error())
	frame, err := protocol.Marshal(resp)
	if err != nil {
		c.log.Debugf("marshaling failure response: %s", err)
		return
	}
	s.clients.sendAndObserve(c, frame)
}

func (s *Server) workerOutput(line []byte) {
	msg, err := protocol.Unmarshal(line)
	if err != nil {
		s.log.Debugf("dropping worker output: %s", err)
		return
	}
	s.log.Debugw("worker message", "Message", msg.String())
	s.clients.broadcast(msg.Raw())
}

func (s *Server) replayInit(enc *protocol.Encoder) error {
	for _, msg := range s.initMessages {
		frame, err := protocol.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshaling init message %q: %w", msg.Command, err)
		}
		s.clients.toObservers(frame)
		if err := enc.WriteFrame(frame); err != nil {
			return fmt.Errorf("writing init message %q: %w", msg.Command, err)
		}
	}
	return nil
}
