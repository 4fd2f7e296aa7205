package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/xid"
	"nhooyr.io/websocket"
)

// Status is the body of GET /status.
type Status struct {
	ID          string `json:"id"`
	WorkerState string `json:"workerState"`
	WorkerPID   int    `json:"workerPid"`
	Generation  int    `json:"generation"`
	Exiting     bool   `json:"exiting"`
	Clients     int    `json:"clients"`
	Observers   int    `json:"observers"`
	Uptime      string `json:"uptime"`
}

func (s *Server) Status() Status {
	clients, observers := s.clients.counts()
	return Status{
		ID:          s.id,
		WorkerState: s.supervisor.State().String(),
		WorkerPID:   s.supervisor.PID(),
		Generation:  s.supervisor.Generation(),
		Exiting:     s.supervisor.Exiting(),
		Clients:     clients,
		Observers:   observers,
		Uptime:      time.Since(s.started).Round(time.Millisecond).String(),
	}
}

func (s *Server) listenHTTP() (net.Listener, error) {
	if s.httpListener != nil {
		return s.httpListener, nil
	}
	if s.httpAddr == "" {
		return nil, nil
	}
	l, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	return l, nil
}

func (s *Server) serveHTTP(l net.Listener) error {
	router := httprouter.New()
	router.GET("/status", s.status)
	router.GET("/observe", s.observe)

	server := &http.Server{Handler: router}
	s.httpMut.Lock()
	if s.httpStopped {
		s.httpMut.Unlock()
		return l.Close()
	}
	s.httpServer = server
	s.httpMut.Unlock()

	s.log.Infow("serving HTTP", "Addr", l.Addr().String())
	err := server.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) stopHTTP() {
	s.httpMut.Lock()
	defer s.httpMut.Unlock()
	s.httpStopped = true
	if s.httpServer != nil {
		s.httpServer.Close()
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b, err := json.Marshal(s.Status())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// observe streams every frame an observer would see as WebSocket text messages.
func (s *Server) observe(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("observe WebSocket accept error: %s", err)
		return
	}
	// observers never send anything, CloseRead handles control frames and reports disconnects
	ctx := conn.CloseRead(context.Background())

	id := xid.New().String()
	c := s.clients.add(id, &wsSink{ctx: ctx, conn: conn})
	if c == nil {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	s.clients.observe(c)

	select {
	case <-ctx.Done():
	case <-c.finished:
	}
	s.clients.remove(c)
}

type wsSink struct {
	ctx  context.Context
	conn *websocket.Conn
}

func (w *wsSink) SendFrame(frame []byte) error {
	return w.conn.Write(w.ctx, websocket.MessageText, bytes.TrimSuffix(frame, []byte("\n")))
}

func (w *wsSink) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
