package proxy

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// drainTimeout bounds how long shutdown waits for queued frames to reach clients.
const drainTimeout = time.Second

// sink is where a client's frames are written. *protocol.Channel is one.
type sink interface {
	SendFrame(frame []byte) error
	Close() error
}

// client is one connected peer. Frames are queued and written by a dedicated goroutine so
// that a slow peer only delays itself.
type client struct {
	id   string
	log  *zap.SugaredLogger
	sink sink

	out chan []byte

	abortOnce sync.Once
	abortCh   chan struct{}
	drainOnce sync.Once
	drainCh   chan struct{}
	finished  chan struct{}
}

func (c *client) writeLoop() {
	defer close(c.finished)
	defer c.sink.Close()

	for {
		select {
		case frame := <-c.out:
			if err := c.sink.SendFrame(frame); err != nil {
				c.log.Debugf("write error, dropping client: %s", err)
				return
			}
		case <-c.abortCh:
			return
		case <-c.drainCh:
			for {
				select {
				case frame := <-c.out:
					if err := c.sink.SendFrame(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// enqueue never blocks. It reports false when the client's queue is full.
func (c *client) enqueue(frame []byte) bool {
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// abort stops the writer immediately, discarding queued frames, and closes the connection.
func (c *client) abort() {
	c.abortOnce.Do(func() { close(c.abortCh) })
}

// drain lets the writer flush what is already queued and then close the connection.
func (c *client) drain() {
	c.drainOnce.Do(func() { close(c.drainCh) })
}

// clientSet holds every connected client and the subset registered as observers.
// Fan-out happens under one lock, so every client receives frames in the same order.
type clientSet struct {
	log       *zap.SugaredLogger
	queueSize int

	mut       sync.Mutex
	closed    bool
	clients   map[*client]struct{}
	observers map[*client]struct{}
}

func newClientSet(log *zap.SugaredLogger, queueSize int) *clientSet {
	return &clientSet{
		log:       log,
		queueSize: queueSize,
		clients:   map[*client]struct{}{},
		observers: map[*client]struct{}{},
	}
}

// add registers a new client and starts its writer. It returns nil once the set is closed.
func (s *clientSet) add(id string, snk sink) *client {
	c := &client{
		id:       id,
		log:      s.log.With("Client", id),
		sink:     snk,
		out:      make(chan []byte, s.queueSize),
		abortCh:  make(chan struct{}),
		drainCh:  make(chan struct{}),
		finished: make(chan struct{}),
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.closed {
		return nil
	}
	s.clients[c] = struct{}{}
	go c.writeLoop()
	c.log.Debugw("added client", "Clients", len(s.clients))
	return c
}

func (s *clientSet) remove(c *client) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.removeLocked(c)
}

func (s *clientSet) removeLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	c.log.Debugw("removed client", "Clients", len(s.clients))
	if _, ok := s.observers[c]; ok {
		delete(s.observers, c)
		c.log.Debugw("removed observer", "Observers", len(s.observers))
	}
	c.abort()
}

// observe adds c to the observer subset. Registering twice has no further effect.
func (s *clientSet) observe(c *client) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	if _, ok := s.observers[c]; ok {
		return
	}
	s.observers[c] = struct{}{}
	c.log.Debugw("added observer", "Observers", len(s.observers))
}

// broadcast queues frame for every client, observers included.
func (s *clientSet) broadcast(frame []byte) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for c := range s.clients {
		s.sendLocked(c, frame)
	}
}

// toObservers queues frame for the observers only.
func (s *clientSet) toObservers(frame []byte) {
	s.mut.Lock()
	defer s.mut.Unlock()
	for c := range s.observers {
		s.sendLocked(c, frame)
	}
}

// sendAndObserve queues frame for c and for every observer other than c.
func (s *clientSet) sendAndObserve(c *client, frame []byte) {
	s.mut.Lock()
	defer s.mut.Unlock()
	if _, ok := s.clients[c]; ok {
		s.sendLocked(c, frame)
	}
	for o := range s.observers {
		if o != c {
			s.sendLocked(o, frame)
		}
	}
}

// sendLocked disconnects clients whose queue is full rather than letting them hold up everyone else.
func (s *clientSet) sendLocked(c *client, frame []byte) {
	if !c.enqueue(frame) {
		c.log.Warnw("client is not keeping up, disconnecting", "QueueSize", s.queueSize)
		s.removeLocked(c)
	}
}

func (s *clientSet) counts() (clients, observers int) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.clients), len(s.observers)
}

// closeAll flushes and closes every client and refuses new ones.
func (s *clientSet) closeAll() {
	s.mut.Lock()
	s.closed = true
	var all []*client
	for c := range s.clients {
		all = append(all, c)
		c.drain()
	}
	s.clients = map[*client]struct{}{}
	s.observers = map[*client]struct{}{}
	s.mut.Unlock()

	deadline := time.After(drainTimeout)
	for _, c := range all {
		select {
		case <-c.finished:
		case <-deadline:
			// closing the sink unblocks a writer stuck on a peer that stopped reading
			c.sink.Close()
			c.abort()
		}
	}
}
