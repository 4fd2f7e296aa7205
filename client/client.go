package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/guseggert/procmux/protocol"
	"go.uber.org/zap"
)

// maxSeq keeps correlation ids inside the range every JSON implementation can represent exactly.
const maxSeq = 1 << 53

var (
	// ErrConnectionClosed is returned for every request still pending when the connection goes away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestRejected matches every *RequestRejectedError.
	ErrRequestRejected = errors.New("request rejected")
)

// RequestRejectedError is returned when a response reports success=false.
type RequestRejectedError struct {
	Command  string
	Seq      int64
	Message  string
	Response *protocol.Message
}

func (e *RequestRejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s (seq %d): request was not successful", e.Command, e.Seq)
	}
	return fmt.Sprintf("%s (seq %d): %s", e.Command, e.Seq, e.Message)
}

func (e *RequestRejectedError) Is(target error) bool { return target == ErrRequestRejected }

// Completion is called with every response matching a pending request.
// The request resolves with that response once done is true, or fails once err is non-nil.
type Completion func(resp *protocol.Message) (done bool, err error)

// FirstSuccess resolves on the first matching response and rejects it when it reports failure.
func FirstSuccess(resp *protocol.Message) (bool, error) {
	if !resp.Succeeded() {
		return true, rejected(resp)
	}
	return true, nil
}

// UntilBodyFlag keeps a request pending until a response body carries the given flag set to true.
// This covers commands that answer once immediately and again when the work finishes.
func UntilBodyFlag(flag string) Completion {
	return func(resp *protocol.Message) (bool, error) {
		if !resp.Succeeded() {
			return true, rejected(resp)
		}
		var body map[string]interface{}
		if err := DecodeBody(resp, &body); err != nil {
			return false, nil
		}
		set, _ := body[flag].(bool)
		return set, nil
	}
}

func rejected(resp *protocol.Message) error {
	return &RequestRejectedError{
		Command:  resp.Command,
		Seq:      resp.RequestSeq,
		Message:  resp.Message,
		Response: resp,
	}
}

type result struct {
	msg *protocol.Message
	err error
}

type pendingRequest struct {
	complete Completion
	result   chan result
}

// Pending is a request that has been written and is waiting for its response.
type Pending struct {
	Seq int64

	c      *Client
	result chan result
}

// Wait blocks until the request resolves. If ctx ends first the request is abandoned;
// a late response is then dropped like any other unmatched response.
func (p *Pending) Wait(ctx context.Context) (*protocol.Message, error) {
	select {
	case res := <-p.result:
		return res.msg, res.err
	case <-ctx.Done():
		p.c.forget(p.Seq)
		return nil, ctx.Err()
	}
}

// Client issues requests over a Channel and correlates the responses.
type Client struct {
	log *zap.SugaredLogger
	ch  *protocol.Channel

	onMessage func(*protocol.Message)

	mut     sync.Mutex
	pending map[int64]*pendingRequest
	closed  bool
	done    chan struct{}
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithMessageHandler registers a function that receives every message read from the connection,
// whether or not it matches a pending request. It runs on the read goroutine.
func WithMessageHandler(f func(*protocol.Message)) Option {
	return func(c *Client) {
		c.onMessage = f
	}
}

// New starts reading from conn. The client owns conn and closes it on Close.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		log:     zap.NewNop().Sugar(),
		pending: map[int64]*pendingRequest{},
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.ch = protocol.NewChannel(conn, c.log)
	go c.readMessages()
	return c
}

// Dial connects to the proxy listening on socketPath.
func Dial(ctx context.Context, socketPath string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", socketPath, err)
	}
	return New(conn, opts...), nil
}

// Send writes req with a fresh seq and returns a handle to its eventual response.
// A nil completion means FirstSuccess.
func (c *Client) Send(ctx context.Context, req *protocol.Message, complete Completion) (*Pending, error) {
	if complete == nil {
		complete = FirstSuccess
	}
	if req.Type == "" {
		req.Type = protocol.KindRequest
	}

	resCh := make(chan result, 1)

	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return nil, ErrConnectionClosed
	}
	seq := c.nextSeq()
	req.Seq = seq
	// register before writing, the response can arrive before Send returns
	c.pending[seq] = &pendingRequest{complete: complete, result: resCh}
	c.mut.Unlock()

	if err := ctx.Err(); err != nil {
		c.forget(seq)
		return nil, err
	}

	c.log.Debugw("sending request", "Seq", seq, "Command", req.Command)
	if err := c.ch.Send(req); err != nil {
		c.forget(seq)
		return nil, fmt.Errorf("sending %s: %w", req.Command, err)
	}
	return &Pending{Seq: seq, c: c, result: resCh}, nil
}

// Call sends a request and waits for it to resolve.
func (c *Client) Call(ctx context.Context, command string, args interface{}, complete Completion) (*protocol.Message, error) {
	req, err := protocol.NewRequest(0, command, args)
	if err != nil {
		return nil, err
	}
	p, err := c.Send(ctx, req, complete)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Notify writes a request that gets no response. The proxy handles "logger" this way,
// and a worker told to "exit" may go away before answering.
func (c *Client) Notify(ctx context.Context, command string, args interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mut.Lock()
	if c.closed {
		c.mut.Unlock()
		return ErrConnectionClosed
	}
	seq := c.nextSeq()
	c.mut.Unlock()

	req, err := protocol.NewRequest(seq, command, args)
	if err != nil {
		return err
	}
	if err := c.ch.Send(req); err != nil {
		return fmt.Errorf("sending %s: %w", command, err)
	}
	return nil
}

// RegisterObserver asks the proxy to copy every message it relays to this connection.
func (c *Client) RegisterObserver(ctx context.Context) error {
	return c.Notify(ctx, protocol.CommandLogger, nil)
}

// Exit asks the worker to exit. The proxy stops once the worker is gone.
func (c *Client) Exit(ctx context.Context) error {
	return c.Notify(ctx, protocol.CommandExit, nil)
}

// Done is closed once the connection has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	return c.ch.Close()
}

// nextSeq must be called with mut held.
func (c *Client) nextSeq() int64 {
	for {
		seq := rand.Int63n(maxSeq-1) + 1
		if _, used := c.pending[seq]; !used {
			return seq
		}
	}
}

func (c *Client) forget(seq int64) {
	c.mut.Lock()
	defer c.mut.Unlock()
	delete(c.pending, seq)
}

func (c *Client) readMessages() {
	defer c.failPending()

	for {
		msg, err := c.ch.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debugf("read error: %s", err)
			}
			return
		}
		if c.onMessage != nil {
			c.onMessage(msg)
		}
		if msg.Kind() == protocol.KindResponse {
			c.resolve(msg)
		}
	}
}

func (c *Client) resolve(resp *protocol.Message) {
	c.mut.Lock()
	p, ok := c.pending[resp.RequestSeq]
	c.mut.Unlock()
	if !ok {
		// someone else's response, or a duplicate
		return
	}

	done, err := p.complete(resp)
	if !done && err == nil {
		return
	}

	c.mut.Lock()
	_, still := c.pending[resp.RequestSeq]
	delete(c.pending, resp.RequestSeq)
	c.mut.Unlock()
	if !still {
		return
	}
	if err != nil {
		p.result <- result{err: err}
		return
	}
	p.result <- result{msg: resp}
}

func (c *Client) failPending() {
	c.mut.Lock()
	defer c.mut.Unlock()

	c.closed = true
	for seq, p := range c.pending {
		p.result <- result{err: ErrConnectionClosed}
		delete(c.pending, seq)
	}
	close(c.done)
	c.ch.Close()
}
