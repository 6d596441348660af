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

// Kind classifies a decoded line.
type Kind int

const (
	KindRequest Kind = iota
	KindNotification
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindNotification:
		return "notification"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ErrNotMessage is returned by Decode for a valid JSON object that is neither
// a request nor a response.
var ErrNotMessage = errors.New("message is neither a request nor a response")

// Message is the union of every shape a line may carry.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Kind returns what the message is. Decode guarantees the result is meaningful.
func (m *Message) Kind() Kind {
	if m.Method != "" {
		if IsNullID(m.ID) {
			return KindNotification
		}
		return KindRequest
	}
	return KindResponse
}

// Request converts a request or notification message.
func (m *Message) Request() *Request {
	return &Request{JSONRPC: m.JSONRPC, ID: m.ID, Method: m.Method, Params: m.Params}
}

// Response converts a response message.
func (m *Message) Response() *Response {
	return &Response{JSONRPC: m.JSONRPC, ID: m.ID, Result: m.Result, Error: m.Error}
}

// Decode parses one line. The line must hold a single JSON object that is
// either a request, a notification or a response.
func Decode(line []byte) (*Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, errors.New("empty line")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object, got %q", preview(trimmed))
	}

	var msg Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if msg.Method == "" && IsNullID(msg.ID) && len(msg.Result) == 0 && msg.Error == nil {
		return nil, ErrNotMessage
	}
	return &msg, nil
}

// NewRequest builds a request with an integer id.
func NewRequest(id int64, method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, ID: IntID(id), Method: method, Params: raw}, nil
}

// NewNotification builds a request without id.
func NewNotification(method string, params any) (*Request, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResult builds a success response.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: nullIfEmpty(id), Result: raw}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      nullIfEmpty(id),
		Error:   &Error{Code: code, Message: message},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode params: %w", err)
		}
		return raw, nil
	}
}

func nullIfEmpty(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// Encode serializes v as one newline-terminated line.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return append(data, '\n'), nil
}

// Writer writes newline-delimited JSON. Each message goes out in a single
// Write call under a mutex, so concurrent writers never interleave bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes v and writes it as one line.
func (w *Writer) Write(v any) error {
	line, err := Encode(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if f, ok := w.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// Reader splits a stream into lines. Unlike bufio.Scanner it has no line
// length limit; tool results routinely exceed 64KB.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadLine returns the next non-blank line without its terminator.
// It returns io.EOF once the stream is exhausted.
func (r *Reader) ReadLine() ([]byte, error) {
	for {
		line, err := r.r.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			return trimmed, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func preview(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
