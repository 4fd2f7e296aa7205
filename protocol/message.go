package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind is the value of a message's "type" field.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Commands the proxy itself reacts to. All other commands are opaque.
const (
	// CommandExit asks the worker to exit and puts the proxy into controlled shutdown.
	CommandExit = "exit"
	// CommandLogger registers the sending connection as an observer. It is never forwarded.
	CommandLogger = "logger"
)

// Message is a single protocol frame.
type Message struct {
	Type       Kind            `json:"type"`
	Seq        int64           `json:"seq"`
	RequestSeq int64           `json:"request_seq,omitempty"`
	Command    string          `json:"command,omitempty"`
	Event      string          `json:"event,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Message    string          `json:"message,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`

	// raw holds the exact frame bytes the message was decoded from.
	raw []byte
}

// NewRequest builds a request. args is marshaled to JSON unless it is nil or already raw JSON.
func NewRequest(seq int64, command string, args interface{}) (*Message, error) {
	raw, err := rawJSON(args)
	if err != nil {
		return nil, fmt.Errorf("encoding arguments for %q: %w", command, err)
	}
	return &Message{
		Type:      KindRequest,
		Seq:       seq,
		Command:   command,
		Arguments: raw,
	}, nil
}

// NewResponse builds a response to the request with the given seq.
func NewResponse(requestSeq int64, command string, success bool, body interface{}) (*Message, error) {
	raw, err := rawJSON(body)
	if err != nil {
		return nil, fmt.Errorf("encoding body for %q: %w", command, err)
	}
	return &Message{
		Type:       KindResponse,
		RequestSeq: requestSeq,
		Command:    command,
		Success:    &success,
		Body:       raw,
	}, nil
}

// Failure builds an unsuccessful response carrying only an error message.
func Failure(requestSeq int64, command string, msg string) *Message {
	success := false
	return &Message{
		Type:       KindResponse,
		RequestSeq: requestSeq,
		Command:    command,
		Success:    &success,
		Message:    msg,
	}
}

// Kind classifies the message. Unknown or missing types are events.
func (m *Message) Kind() Kind {
	switch m.Type {
	case KindRequest, KindResponse:
		return m.Type
	default:
		return KindEvent
	}
}

// Succeeded reports whether a response reported success.
func (m *Message) Succeeded() bool {
	return m.Success != nil && *m.Success
}

// Raw returns the frame the message was decoded from, without the trailing newline.
// It is nil for messages built in memory.
func (m *Message) Raw() []byte {
	return m.raw
}

func (m *Message) String() string {
	switch m.Kind() {
	case KindRequest:
		return fmt.Sprintf("request seq=%d command=%s", m.Seq, m.Command)
	case KindResponse:
		return fmt.Sprintf("response request_seq=%d command=%s success=%t", m.RequestSeq, m.Command, m.Succeeded())
	default:
		return fmt.Sprintf("event %s", m.Event)
	}
}

func rawJSON(v interface{}) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
