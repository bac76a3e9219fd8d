package napcat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Methods spoken over the backend connection.
const (
	MethodInitialize       = "initialize"
	MethodWatchSubscribe   = "watch.subscribe"
	MethodWatchUnsubscribe = "watch.unsubscribe"
	MethodMessageSend      = "message.send"
	MethodSend             = "send"

	// Notification methods pushed by the backend.
	MethodMessage = "message"
	MethodError   = "error"
)

// Send channels understood by the backend's low-level "send" method.
const (
	ChannelGroup        = "group"
	ChannelPrivate      = "private"
	ChannelGroupForward = "group_forward"
)

// Capabilities is the backend's initialize result.
type Capabilities struct {
	Streaming   bool `json:"streaming"`
	Attachments bool `json:"attachments"`
}

type initializeResult struct {
	Capabilities Capabilities `json:"capabilities"`
}

type subscribeResult struct {
	Subscription int64 `json:"subscription"`
}

// Segment is one element of an outbound message array, e.g.
// {"type":"text","data":{"text":"hi"}}.
type Segment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// TextSegment builds a plain-text segment.
func TextSegment(text string) Segment {
	return Segment{Type: "text", Data: map[string]any{"text": text}}
}

// ReplySegment builds a reply-to segment referencing an earlier message id.
func ReplySegment(messageID string) Segment {
	return Segment{Type: "reply", Data: map[string]any{"id": messageID}}
}

// ImageSegment builds an image segment from a local path or remote URI.
func ImageSegment(file string) (Segment, error) {
	uri, err := FileURI(file)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Type: "image", Data: map[string]any{"file": uri}}, nil
}

// FileSegment builds a file attachment segment. name is optional.
func FileSegment(file, name string) (Segment, error) {
	uri, err := FileURI(file)
	if err != nil {
		return Segment{}, err
	}
	data := map[string]any{"file": uri}
	if name != "" {
		data["name"] = name
	}
	return Segment{Type: "file", Data: data}, nil
}

// VideoSegment builds a video segment from a local path or remote URI.
func VideoSegment(file string) (Segment, error) {
	uri, err := FileURI(file)
	if err != nil {
		return Segment{}, err
	}
	return Segment{Type: "video", Data: map[string]any{"file": uri}}, nil
}

// ForwardNode builds one node of a group-forward bundle.
func ForwardNode(userID, nickname string, content []Segment) Segment {
	return Segment{Type: "node", Data: map[string]any{
		"user_id":  userID,
		"nickname": nickname,
		"content":  content,
	}}
}

// FileURI converts a local file to a base64:// URI. Remote http(s) URIs and
// already-encoded base64:// URIs pass through unchanged.
func FileURI(file string) (string, error) {
	if strings.HasPrefix(file, "base64://") ||
		strings.HasPrefix(file, "http://") ||
		strings.HasPrefix(file, "https://") {
		return file, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("failed to read media file: %w", err)
	}
	return "base64://" + base64.StdEncoding.EncodeToString(data), nil
}

// flexID tolerates backends that emit numeric ids where strings are expected.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// IncomingMessage is one inbound chat event pushed through a "message"
// notification.
type IncomingMessage struct {
	Subscription int64
	Sender       string
	ChatID       string
	IsGroup      bool
	Text         string
	MessageID    string
}

// Target returns the canonical target the event originated from.
func (m *IncomingMessage) Target() Target {
	kind := TargetUser
	if m.IsGroup {
		kind = TargetGroup
	}
	return Target{Kind: kind, ChatID: m.ChatID}
}

type incomingPayload struct {
	Subscription int64 `json:"subscription"`
	Message      struct {
		Sender    flexID `json:"sender"`
		ChatID    flexID `json:"chatId"`
		IsGroup   bool   `json:"isGroup"`
		Text      string `json:"text"`
		MessageID flexID `json:"messageId"`
	} `json:"message"`
}

// DecodeIncoming parses a "message" notification into an IncomingMessage.
// Notifications with any other method are rejected.
func DecodeIncoming(n Notification) (*IncomingMessage, error) {
	if n.Method != MethodMessage {
		return nil, fmt.Errorf("not a message notification: %q", n.Method)
	}
	var payload incomingPayload
	if err := json.Unmarshal(n.Params, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode message notification: %w", err)
	}
	return &IncomingMessage{
		Subscription: payload.Subscription,
		Sender:       string(payload.Message.Sender),
		ChatID:       string(payload.Message.ChatID),
		IsGroup:      payload.Message.IsGroup,
		Text:         payload.Message.Text,
		MessageID:    string(payload.Message.MessageID),
	}, nil
}
