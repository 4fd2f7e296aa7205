package proxy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	unblock chan struct{}

	mut    sync.Mutex
	frames []string
	closed bool
}

func newRecordingSink(blocked bool) *recordingSink {
	s := &recordingSink{unblock: make(chan struct{})}
	if !blocked {
		close(s.unblock)
	}
	return s
}

func (s *recordingSink) SendFrame(frame []byte) error {
	<-s.unblock
	s.mut.Lock()
	defer s.mut.Unlock()
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *recordingSink) Close() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() ([]string, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]string(nil), s.frames...), s.closed
}

func TestSlowClientIsDisconnected(t *testing.T) {
	set := newClientSet(zap.NewNop().Sugar(), 2)
	slow := newRecordingSink(true)
	fast := newRecordingSink(false)
	slowClient := set.add("slow", slow)
	set.add("fast", fast)

	for i, f := range []string{"1", "2", "3", "4"} {
		set.broadcast([]byte(f))
		require.Eventually(t, func() bool {
			frames, _ := fast.snapshot()
			return len(frames) == i+1
		}, time.Second, time.Millisecond)
	}

	clients, _ := set.counts()
	assert.Equal(t, 1, clients)
	select {
	case <-slowClient.abortCh:
	default:
		t.Fatal("slow client was not aborted")
	}

	frames, _ := fast.snapshot()
	assert.Equal(t, []string{"1", "2", "3", "4"}, frames)

	close(slow.unblock)
	require.Eventually(t, func() bool {
		_, closed := slow.snapshot()
		return closed
	}, time.Second, time.Millisecond)
}

func TestObserversOnly(t *testing.T) {
	set := newClientSet(zap.NewNop().Sugar(), 8)
	obs := newRecordingSink(false)
	plain := newRecordingSink(false)
	o := set.add("obs", obs)
	set.add("plain", plain)

	set.observe(o)
	set.observe(o)
	_, observers := set.counts()
	assert.Equal(t, 1, observers)

	set.toObservers([]byte("req"))
	set.broadcast([]byte("resp"))
	require.Eventually(t, func() bool {
		frames, _ := obs.snapshot()
		return len(frames) == 2
	}, time.Second, time.Millisecond)
	frames, _ := obs.snapshot()
	assert.Equal(t, []string{"req", "resp"}, frames)

	require.Eventually(t, func() bool {
		frames, _ := plain.snapshot()
		return len(frames) == 1
	}, time.Second, time.Millisecond)
	frames, _ = plain.snapshot()
	assert.Equal(t, []string{"resp"}, frames)

	set.remove(o)
	clients, observers := set.counts()
	assert.Equal(t, 1, clients)
	assert.Equal(t, 0, observers)
}

func TestCloseAllFlushesQueuedFrames(t *testing.T) {
	set := newClientSet(zap.NewNop().Sugar(), 8)
	sink := newRecordingSink(false)
	set.add("a", sink)

	set.broadcast([]byte("1"))
	set.broadcast([]byte("2"))
	set.broadcast([]byte("3"))
	set.closeAll()

	frames, closed := sink.snapshot()
	assert.Equal(t, []string{"1", "2", "3"}, frames)
	assert.True(t, closed)
	assert.Nil(t, set.add("late", newRecordingSink(false)))
}
