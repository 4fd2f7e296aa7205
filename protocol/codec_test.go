package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		msg  *Message
	}{
		{
			name: "request with arguments",
			msg: &Message{
				Type:      KindRequest,
				Seq:       1001,
				Command:   "open",
				Arguments: json.RawMessage(`{"file":"x.ts"}`),
			},
		},
		{
			name: "successful response with null body",
			msg: &Message{
				Type:       KindResponse,
				RequestSeq: 1001,
				Command:    "open",
				Success:    boolPtr(true),
				Body:       json.RawMessage(`null`),
			},
		},
		{
			name: "failed response",
			msg: &Message{
				Type:       KindResponse,
				RequestSeq: 7,
				Command:    "rename",
				Success:    boolPtr(false),
				Message:    "No Project.",
			},
		},
		{
			name: "event with html-ish body",
			msg: &Message{
				Type:  KindEvent,
				Event: "syntaxDiag",
				Body:  json.RawMessage(`{"text":"a < b && c\nd"}`),
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, NewEncoder(&buf).Encode(c.msg))
			assert.Equal(t, 1, strings.Count(buf.String(), "\n"))

			decoded, err := NewDecoder(&buf).Decode()
			require.NoError(t, err)
			assert.Equal(t, bytes.TrimSuffix(buf.Bytes(), []byte("\n")), decoded.Raw())

			decoded.raw = nil
			assert.Equal(t, c.msg, decoded)
		})
	}
}

func TestDecodePartialReads(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	frame := `{"type":"response","seq":0,"request_seq":3,"command":"format","success":true,"body":[]}` + "\n"
	go func() {
		for i := 0; i < len(frame); i += 5 {
			end := i + 5
			if end > len(frame) {
				end = len(frame)
			}
			if _, err := client.Write([]byte(frame[i:end])); err != nil {
				return
			}
		}
	}()

	msg, err := NewDecoder(server).Decode()
	require.NoError(t, err)
	assert.Equal(t, KindResponse, msg.Kind())
	assert.Equal(t, int64(3), msg.RequestSeq)
	assert.True(t, msg.Succeeded())
}

func TestDecodeRecoversFromMalformedFrames(t *testing.T) {
	input := strings.Join([]string{
		"Content-Length: 76",
		"",
		`{"type":"event","event":"typingsInstallerPid"}`,
		`{"type":"response", broken`,
		"[1,2,3]",
		`{"type":"response","request_seq":5,"success":true}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Decode()
	var malformed *MalformedFrameError
	require.ErrorAs(t, err, &malformed)
	assert.Equal(t, "Content-Length: 76", string(malformed.Frame))

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, KindEvent, msg.Kind())

	_, err = dec.Decode()
	require.ErrorAs(t, err, &malformed)
	_, err = dec.Decode()
	require.ErrorAs(t, err, &malformed)

	// the last frame has no trailing newline
	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.RequestSeq)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		typ  Kind
		kind Kind
	}{
		{typ: KindRequest, kind: KindRequest},
		{typ: KindResponse, kind: KindResponse},
		{typ: KindEvent, kind: KindEvent},
		{typ: "telemetry", kind: KindEvent},
		{typ: "", kind: KindEvent},
	}
	for _, c := range cases {
		msg := &Message{Type: c.typ}
		assert.Equal(t, c.kind, msg.Kind(), "type %q", c.typ)
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.WriteFrame([]byte(`{"type":"request","seq":1,"command":"open"}`)))
	require.NoError(t, enc.WriteFrame([]byte(`{"type":"request","seq":2,"command":"open"}`+"\n")))
	assert.Equal(t,
		`{"type":"request","seq":1,"command":"open"}`+"\n"+`{"type":"request","seq":2,"command":"open"}`+"\n",
		buf.String())

	err := enc.WriteFrame([]byte("{}\n{}"))
	assert.True(t, errors.Is(err, ErrEmbeddedNewline))
}

func TestConcurrentWritesDoNotInterleave(t *testing.T) {
	var buf lockedBuffer
	enc := NewEncoder(&buf)

	const writers = 8
	const perWriter = 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg, err := NewRequest(int64(w*perWriter+i), "geterr", map[string]interface{}{
					"files": []string{strings.Repeat("x", 512)},
				})
				if assert.NoError(t, err) {
					assert.NoError(t, enc.Encode(msg))
				}
			}
		}(w)
	}
	wg.Wait()

	dec := NewDecoder(bytes.NewReader(buf.Bytes()))
	seen := map[int64]bool{}
	for {
		msg, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		seen[msg.Seq] = true
	}
	assert.Len(t, seen, writers*perWriter)
}

func TestChannelNextSkipsMalformed(t *testing.T) {
	server, client := net.Pipe()
	ch := NewChannel(server, nil)
	defer ch.Close()

	go func() {
		client.Write([]byte("not json\n"))
		client.Write([]byte(`{"type":"request","seq":9,"command":"logger"}` + "\n"))
		client.Close()
	}()

	msg, err := ch.Next()
	require.NoError(t, err)
	assert.Equal(t, CommandLogger, msg.Command)
	assert.Equal(t, int64(9), msg.Seq)

	_, err = ch.Next()
	assert.ErrorIs(t, err, io.EOF)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func TestCodecLocksAreUnexported(t *testing.T) {
	for _, v := range []interface{}{&Encoder{}, &Decoder{}} {
		_, ok := reflect.TypeOf(v).MethodByName("Lock")
		assert.False(t, ok, "%T exposes Lock", v)
	}
}
