package napcat

import "strings"

// ChannelPrefix is the optional channel marker accepted (and stripped) at the
// front of a raw target string, e.g. "napcat:group:123".
const ChannelPrefix = "napcat:"

// TargetKind distinguishes private chats from group chats.
type TargetKind int

const (
	// TargetUser is a private (direct) chat.
	TargetUser TargetKind = iota
	// TargetGroup is a group chat.
	TargetGroup
)

// Target is a canonical chat destination. It is an immutable value derived
// from a raw target string, independent of any connection.
type Target struct {
	Kind   TargetKind
	ChatID string
}

// IsGroup reports whether the target addresses a group chat.
func (t Target) IsGroup() bool {
	return t.Kind == TargetGroup
}

// Canonical renders the single normalized form: "group-<id>" or "user-<id>",
// regardless of which separator or prefix form was given on input. Two
// differently-spelled equivalent targets produce equal canonical strings.
func (t Target) Canonical() string {
	if t.Kind == TargetGroup {
		return "group-" + t.ChatID
	}
	return "user-" + t.ChatID
}

// ParseTarget parses a loosely-formatted target string into its canonical
// form. Accepted group forms are "group:<id>" and "group-<id>" (with an
// optional case-insensitive "napcat:" channel prefix in front); anything else,
// including "user:<id>", "user-<id>" and a bare id, is a private target.
// Returns false when the remaining identifier is empty or whitespace-only.
// Pure function, safe for concurrent use.
func ParseTarget(raw string) (Target, bool) {
	text := strings.TrimSpace(raw)
	if len(text) >= len(ChannelPrefix) && strings.EqualFold(text[:len(ChannelPrefix)], ChannelPrefix) {
		text = strings.TrimSpace(text[len(ChannelPrefix):])
	}

	kind := TargetUser
	id := text
	lower := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lower, "group-"):
		kind = TargetGroup
		id = text[len("group-"):]
	case strings.HasPrefix(lower, "group:"):
		kind = TargetGroup
		id = text[len("group:"):]
	case strings.HasPrefix(lower, "user-"):
		id = text[len("user-"):]
	case strings.HasPrefix(lower, "user:"):
		id = text[len("user:"):]
	}

	id = strings.TrimSpace(id)
	if id == "" {
		return Target{}, false
	}
	return Target{Kind: kind, ChatID: id}, true
}
