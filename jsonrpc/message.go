// Package jsonrpc implements the line-delimited JSON-RPC 2.0 protocol spoken
// over the backend subprocess's standard input/output streams: one UTF-8 JSON
// document per line in both directions.
package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version stamped on every request.
const Version = "2.0"

// Error codes reported by the napcat backend.
const (
	CodeServerError    = -32000
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Request is an outbound call. IDs are assigned by the correlator and are
// unique for the lifetime of one connection.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// EncodeRequest serializes a request as a single-line JSON document.
func EncodeRequest(id uint64, method string, params any) ([]byte, error) {
	buf, err := json.Marshal(Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request %q: %w", method, err)
	}
	return buf, nil
}

// Error is the error object carried by an error response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Kind discriminates the inbound message variant.
type Kind int

const (
	// KindResult is a success response to a pending request.
	KindResult Kind = iota
	// KindError is an error response to a pending request.
	KindError
	// KindNotification is an unsolicited push carrying no matching request.
	KindNotification
)

// Message is the tagged variant over the inbound wire shapes, decided by
// structural inspection so downstream code cannot treat one shape as another.
type Message struct {
	Kind Kind

	// ID and HasID are set for responses, and for the odd notification that
	// carries an id field.
	ID    uint64
	HasID bool

	// Method and Params are set for notifications.
	Method string
	Params json.RawMessage

	// Result is set for KindResult, Err for KindError.
	Result json.RawMessage
	Err    *Error
}

type envelope struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
}

// Decode parses one line into the inbound message variant. Lines that are not
// JSON, or that match neither the response nor the notification shape, fail.
func Decode(line []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}

	msg := &Message{Method: env.Method, Params: env.Params}
	if env.ID != nil {
		msg.ID = *env.ID
		msg.HasID = true
	}

	switch {
	case env.Error != nil && msg.HasID:
		msg.Kind = KindError
		msg.Err = env.Error
	case env.Result != nil && msg.HasID:
		msg.Kind = KindResult
		msg.Result = env.Result
	case env.Method != "":
		// A method with an absent id, or an id the correlator does not
		// recognize, is a notification.
		msg.Kind = KindNotification
	default:
		return nil, fmt.Errorf("message matches neither response nor notification shape")
	}
	return msg, nil
}
