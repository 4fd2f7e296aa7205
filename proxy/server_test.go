package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pclient "github.com/guseggert/procmux/client"
	"github.com/guseggert/procmux/internal/fakeworker"
	pnet "github.com/guseggert/procmux/internal/net"
	"github.com/guseggert/procmux/protocol"
	"github.com/guseggert/procmux/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestMain(m *testing.M) {
	fakeworker.MaybeRun()
	os.Exit(m.Run())
}

const waitFor = 5 * time.Second

type running struct {
	srv    *Server
	socket string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (r *running) wait(t *testing.T) error {
	select {
	case <-r.done:
		return r.err
	case <-time.After(waitFor):
		t.Fatal("server did not stop")
		return nil
	}
}

// socketPath stays short, Unix socket paths are limited to about 100 bytes.
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "procmux")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "s.sock")
}

func startServer(t *testing.T, opts ...Option) *running {
	exe, env, err := fakeworker.Command()
	require.NoError(t, err)
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	opts = append([]Option{
		WithLogger(logger),
		WithWorkerOptions(worker.WithRestartDelay(10 * time.Millisecond)),
	}, opts...)
	srv, err := NewServer(worker.Config{Command: exe, Env: env}, opts...)
	require.NoError(t, err)

	path := socketPath(t)
	l, err := pnet.ListenUnix(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, socket: path, cancel: cancel, done: make(chan struct{})}
	go func() {
		r.err = srv.Serve(ctx, l)
		close(r.done)
	}()
	t.Cleanup(func() {
		cancel()
		r.wait(t)
	})

	require.NoError(t, srv.Supervisor().WaitRunning(ctx))
	return r
}

// rawConn is a client that works on frames directly, to check what goes over the wire.
type rawConn struct {
	ch   *protocol.Channel
	msgs chan *protocol.Message
}

func dialRaw(t *testing.T, path string) *rawConn {
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	r := &rawConn{
		ch:   protocol.NewChannel(conn, nil),
		msgs: make(chan *protocol.Message, 100),
	}
	go func() {
		defer close(r.msgs)
		for {
			msg, err := r.ch.Next()
			if err != nil {
				return
			}
			r.msgs <- msg
		}
	}()
	t.Cleanup(func() { r.ch.Close() })
	return r
}

func (r *rawConn) send(t *testing.T, frame string) {
	require.NoError(t, r.ch.SendFrame([]byte(frame)))
}

func (r *rawConn) next(t *testing.T) *protocol.Message {
	select {
	case msg, ok := <-r.msgs:
		require.True(t, ok, "connection closed")
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (r *rawConn) observe(t *testing.T, srv *Server, expObservers int) {
	r.send(t, `{"seq":1,"type":"request","command":"logger"}`)
	require.Eventually(t, func() bool { return srv.Status().Observers == expObservers }, waitFor, 5*time.Millisecond)
}

func TestForwardAndBroadcast(t *testing.T) {
	r := startServer(t)

	observer := dialRaw(t, r.socket)
	observer.observe(t, r.srv, 1)
	a := dialRaw(t, r.socket)
	b := dialRaw(t, r.socket)
	require.Eventually(t, func() bool { return r.srv.Status().Clients == 3 }, waitFor, 5*time.Millisecond)

	req := `{"seq":1001,"type":"request","command":"definition","arguments":{"file":"a.ts","line":3}}`
	a.send(t, req)

	relayed := observer.next(t)
	assert.Equal(t, req, string(relayed.Raw()))

	resp := a.next(t)
	assert.Equal(t, protocol.KindResponse, resp.Kind())
	assert.Equal(t, int64(1001), resp.RequestSeq)
	assert.True(t, resp.Succeeded())
	assert.JSONEq(t, `{"command":"definition","arguments":{"file":"a.ts","line":3}}`, string(resp.Body))

	// everyone gets the identical bytes
	assert.Equal(t, resp.Raw(), b.next(t).Raw())
	assert.Equal(t, resp.Raw(), observer.next(t).Raw())
}

func TestLoggerIsHandledLocally(t *testing.T) {
	r := startServer(t)

	observer := dialRaw(t, r.socket)
	other := dialRaw(t, r.socket)
	require.Eventually(t, func() bool { return r.srv.Status().Clients == 2 }, waitFor, 5*time.Millisecond)
	observer.send(t, `{"seq":1,"type":"request","command":"logger"}`)
	observer.send(t, `{"seq":2,"type":"request","command":"logger"}`)
	observer.send(t, `{"seq":3,"type":"request","command":"open"}`)

	// had either logger request reached the worker, its echo would arrive first
	relayed := observer.next(t)
	assert.Equal(t, protocol.KindRequest, relayed.Kind())
	assert.Equal(t, int64(3), relayed.Seq)
	assert.Equal(t, int64(3), observer.next(t).RequestSeq)
	assert.Equal(t, int64(3), other.next(t).RequestSeq)

	assert.Equal(t, 1, r.srv.Status().Observers)
}

func TestClientsSurviveWorkerRespawn(t *testing.T) {
	ctx := context.Background()
	r := startServer(t)

	c, err := pclient.Dial(ctx, r.socket)
	require.NoError(t, err)
	defer c.Close()

	pid := func() int {
		resp, err := c.Call(ctx, fakeworker.CommandPID, nil, nil)
		require.NoError(t, err)
		var body struct {
			PID int `json:"pid"`
		}
		require.NoError(t, pclient.DecodeBody(resp, &body))
		return body.PID
	}

	first := pid()
	assert.Equal(t, r.srv.Supervisor().PID(), first)

	require.NoError(t, c.Notify(ctx, fakeworker.CommandCrash, nil))
	require.Eventually(t, func() bool {
		s := r.srv.Status()
		return s.Generation == 2 && s.WorkerState == worker.StateRunning.String()
	}, waitFor, 5*time.Millisecond)

	second := pid()
	assert.NotEqual(t, first, second)
	assert.Equal(t, 1, r.srv.Status().Clients)
}

func TestUnavailableWorkerRejectsRequests(t *testing.T) {
	ctx := context.Background()
	r := startServer(t, WithWorkerOptions(
		worker.WithRestartDelay(time.Minute),
		worker.WithWriteTimeout(50*time.Millisecond),
	))

	observer := dialRaw(t, r.socket)
	observer.observe(t, r.srv, 1)

	c, err := pclient.Dial(ctx, r.socket)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Notify(ctx, fakeworker.CommandCrash, nil))
	require.Eventually(t, func() bool { return r.srv.Supervisor().State() == worker.StateStarting }, waitFor, 5*time.Millisecond)

	_, err = c.Call(ctx, "open", nil, nil)
	require.ErrorIs(t, err, pclient.ErrRequestRejected)
	var rejected *pclient.RequestRejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Message, worker.ErrWorkerUnavailable.Error())

	assert.Equal(t, fakeworker.CommandCrash, observer.next(t).Command)
	assert.Equal(t, "open", observer.next(t).Command)
	failure := observer.next(t)
	assert.Equal(t, protocol.KindResponse, failure.Kind())
	assert.False(t, failure.Succeeded())
}

func TestInitMessagesReplayedOnRespawn(t *testing.T) {
	ctx := context.Background()
	configure, err := protocol.NewRequest(-1, "configure", map[string]string{"hostInfo": "procmux"})
	require.NoError(t, err)
	r := startServer(t, WithInitMessages(configure))

	observer := dialRaw(t, r.socket)
	observer.observe(t, r.srv, 1)

	c, err := pclient.Dial(ctx, r.socket)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Notify(ctx, fakeworker.CommandCrash, nil))

	assert.Equal(t, fakeworker.CommandCrash, observer.next(t).Command)
	replayed := observer.next(t)
	assert.Equal(t, "configure", replayed.Command)
	assert.Equal(t, int64(-1), replayed.Seq)
	resp := observer.next(t)
	assert.Equal(t, int64(-1), resp.RequestSeq)
	assert.Equal(t, 2, r.srv.Supervisor().Generation())
}

func TestExitStopsServer(t *testing.T) {
	ctx := context.Background()
	r := startServer(t)

	c, err := pclient.Dial(ctx, r.socket)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Exit(ctx))
	require.NoError(t, r.wait(t))

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("client connection was not closed")
	}
	_, err = os.Stat(r.socket)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, worker.StateStopped, r.srv.Supervisor().State())
}

func TestServeReturnsWhenCanceled(t *testing.T) {
	r := startServer(t)
	r.cancel()
	assert.ErrorIs(t, r.wait(t), context.Canceled)
}

func TestSecondServerSeesAddressInUse(t *testing.T) {
	r := startServer(t)
	_, err := pnet.ListenUnix(r.socket)
	assert.ErrorIs(t, err, pnet.ErrAddressInUse)
}

func TestHTTPStatusAndObserve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	hl, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	r := startServer(t, WithHTTPListener(hl))
	addr := hl.Addr().String()

	resp, err := http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, r.srv.ID(), st.ID)
	assert.Equal(t, "running", st.WorkerState)
	assert.Equal(t, r.srv.Supervisor().PID(), st.WorkerPID)
	assert.Equal(t, 1, st.Generation)
	assert.False(t, st.Exiting)

	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/observe", nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return r.srv.Status().Observers == 1 }, waitFor, 5*time.Millisecond)

	c, err := pclient.Dial(ctx, r.socket)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Call(ctx, "open", map[string]string{"file": "x.ts"}, nil)
	require.NoError(t, err)

	_, b, err := ws.Read(ctx)
	require.NoError(t, err)
	req, err := protocol.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindRequest, req.Kind())
	assert.Equal(t, "open", req.Command)

	_, b, err = ws.Read(ctx)
	require.NoError(t, err)
	res, err := protocol.Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, req.Seq, res.RequestSeq)
}

func TestConcurrentClientsGetTheirOwnResponses(t *testing.T) {
	ctx := context.Background()
	r := startServer(t)

	const clients, calls = 5, 20
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c, err := pclient.Dial(ctx, r.socket)
		require.NoError(t, err)
		defer c.Close()

		wg.Add(1)
		go func(i int, c *pclient.Client) {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				file := fmt.Sprintf("client%d-%d.ts", i, j)
				resp, err := c.Call(ctx, "open", map[string]string{"file": file}, nil)
				if !assert.NoError(t, err) {
					return
				}
				var body struct {
					Arguments struct {
						File string `json:"file"`
					} `json:"arguments"`
				}
				assert.NoError(t, pclient.DecodeBody(resp, &body))
				assert.Equal(t, file, body.Arguments.File)
			}
		}(i, c)
	}
	wg.Wait()
}
