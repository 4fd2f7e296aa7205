package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

const delimiter = '\n'

// ErrEmbeddedNewline is returned when a raw frame would span more than one line.
var ErrEmbeddedNewline = errors.New("frame contains an embedded newline")

var errNotObject = errors.New("not a JSON object")

// MalformedFrameError is returned by Decode for a line that is not a JSON object.
// The stream stays usable: the next Decode starts at the following line.
type MalformedFrameError struct {
	Frame []byte
	Err   error
}

func (e *MalformedFrameError) Error() string {
	frame := e.Frame
	if len(frame) > 64 {
		frame = frame[:64]
	}
	return fmt.Sprintf("malformed frame %q: %s", frame, e.Err)
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// Encoder writes frames to an io.Writer. Each frame is written with a single Write call
// while holding a lock, so concurrent writers never interleave.
type Encoder struct {
	w   io.Writer
	mut sync.Mutex
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Marshal returns the frame for msg, including the trailing newline.
func Marshal(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Encode serializes msg and writes it as one frame.
func (e *Encoder) Encode(msg *Message) error {
	b, err := Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg, err)
	}
	return e.write(b)
}

// WriteFrame writes an already serialized frame unchanged. A trailing newline is added if missing.
func (e *Encoder) WriteFrame(frame []byte) error {
	frame = bytes.TrimSuffix(frame, []byte{delimiter})
	if bytes.IndexByte(frame, delimiter) >= 0 {
		return ErrEmbeddedNewline
	}
	b := make([]byte, 0, len(frame)+1)
	b = append(b, frame...)
	b = append(b, delimiter)
	return e.write(b)
}

func (e *Encoder) write(b []byte) error {
	e.mut.Lock()
	defer e.mut.Unlock()
	_, err := e.w.Write(b)
	return err
}

// Decoder reads frames from an io.Reader. Partial reads are buffered until a full line is available.
type Decoder struct {
	r   *bufio.Reader
	mut sync.Mutex
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadFrame returns the next non-empty line without its newline.
// A final line without a newline is returned before io.EOF.
func (d *Decoder) ReadFrame() ([]byte, error) {
	d.mut.Lock()
	defer d.mut.Unlock()

	for {
		line, err := d.r.ReadBytes(delimiter)
		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Decode returns the next message. A line that does not hold a JSON object yields a
// *MalformedFrameError and leaves the decoder positioned at the next line.
func (d *Decoder) Decode() (*Message, error) {
	frame, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Unmarshal(frame)
}

// Unmarshal decodes a single frame. The returned message keeps frame as its Raw bytes.
func Unmarshal(frame []byte) (*Message, error) {
	if trimmed := bytes.TrimSpace(frame); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, &MalformedFrameError{Frame: frame, Err: errNotObject}
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, &MalformedFrameError{Frame: frame, Err: err}
	}
	msg.raw = frame
	return &msg, nil
}
