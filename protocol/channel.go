package protocol

import (
	"errors"
	"io"

	"go.uber.org/zap"
)

// Channel wraps a duplex byte stream and exchanges Messages over it.
// Next must only be called from one goroutine; Send and SendFrame are safe for concurrent use.
type Channel struct {
	conn io.ReadWriteCloser
	enc  *Encoder
	dec  *Decoder
	log  *zap.SugaredLogger
}

func NewChannel(conn io.ReadWriteCloser, log *zap.SugaredLogger) *Channel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Channel{
		conn: conn,
		enc:  NewEncoder(conn),
		dec:  NewDecoder(conn),
		log:  log,
	}
}

// Next returns the next well-formed message on the stream, skipping malformed frames.
// It returns io.EOF when the stream ends.
func (c *Channel) Next() (*Message, error) {
	for {
		msg, err := c.dec.Decode()
		var malformed *MalformedFrameError
		if errors.As(err, &malformed) {
			c.log.Debugf("skipping frame: %s", err)
			continue
		}
		if err != nil {
			return nil, err
		}
		return msg, nil
	}
}

// Send writes msg as one frame.
func (c *Channel) Send(msg *Message) error {
	return c.enc.Encode(msg)
}

// SendFrame writes an already serialized frame unchanged.
func (c *Channel) SendFrame(frame []byte) error {
	return c.enc.WriteFrame(frame)
}

func (c *Channel) Close() error {
	return c.conn.Close()
}
