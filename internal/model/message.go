package model

import (
	"fmt"
	"strings"
	"time"
)

// ItemType classifies a stored history entry. History covers channel
// events beyond PRIVMSG, so joins, parts, kicks, topic and mode changes
// are first-class entries.
type ItemType uint8

const (
	ItemMessage ItemType = iota
	ItemNotice
	ItemJoin
	ItemPart
	ItemKick
	ItemTopic
	ItemMode

	// ItemTarget is a synthetic entry kind used only in TARGETS query
	// results (the text field carries the target name). Never persisted.
	ItemTarget
)

// String returns the wire name of an item type.
func (t ItemType) String() string {
	switch t {
	case ItemMessage:
		return "message"
	case ItemNotice:
		return "notice"
	case ItemJoin:
		return "join"
	case ItemPart:
		return "part"
	case ItemKick:
		return "kick"
	case ItemTopic:
		return "topic"
	case ItemMode:
		return "mode"
	case ItemTarget:
		return "target"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// ParseItemType parses a wire name into an ItemType.
func ParseItemType(s string) (ItemType, error) {
	switch s {
	case "message":
		return ItemMessage, nil
	case "notice":
		return ItemNotice, nil
	case "join":
		return ItemJoin, nil
	case "part":
		return ItemPart, nil
	case "kick":
		return ItemKick, nil
	case "topic":
		return ItemTopic, nil
	case "mode":
		return ItemMode, nil
	case "target":
		return ItemTarget, nil
	default:
		return 0, fmt.Errorf("unknown item type: %q", s)
	}
}

// StoredMessage is one persisted history entry. Entries are immutable
// once written; the only mutation is removal by redaction or eviction.
type StoredMessage struct {
	Target  string    `json:"target"`
	MsgID   string    `json:"msgid"`
	At      time.Time `json:"at"`
	Sender  string    `json:"sender"`
	Account string    `json:"account,omitempty"`
	Kind    ItemType  `json:"kind"`
	Text    string    `json:"text,omitempty"`
}

// Validate checks the fields required before an entry may be stored.
func (m *StoredMessage) Validate() error {
	if m.Target == "" {
		return ErrEntryInvalidTarget
	}
	if m.MsgID == "" {
		return ErrEntryInvalidMsgID
	}
	if m.At.IsZero() {
		return ErrEntryInvalidTimestamp
	}
	if m.Sender == "" {
		return ErrEntryInvalidSender
	}
	if m.Kind > ItemMode {
		return ErrEntryInvalidKind
	}
	return nil
}

// Entry validation errors
var (
	ErrEntryInvalidTarget    = &EntryError{"target is required"}
	ErrEntryInvalidMsgID     = &EntryError{"msgid is required"}
	ErrEntryInvalidTimestamp = &EntryError{"invalid timestamp"}
	ErrEntryInvalidSender    = &EntryError{"sender is required"}
	ErrEntryInvalidKind      = &EntryError{"invalid item type"}
)

// EntryError represents an entry validation error.
type EntryError struct {
	Message string
}

func (e *EntryError) Error() string {
	return e.Message
}

// IsChannel reports whether a target names a channel rather than a
// private conversation.
func IsChannel(target string) bool {
	return strings.HasPrefix(target, "#") || strings.HasPrefix(target, "&")
}

// NormalizeTarget casefolds a target name. The embedding server applies
// its own casemapping before handing names to the history engine; this
// is the ASCII fold used for key construction.
func NormalizeTarget(target string) string {
	return strings.ToLower(target)
}

// PMTarget derives the order-independent conversation identifier for a
// private message between two accounts. Both orderings of the pair map
// to the same target.
func PMTarget(a, b string) string {
	a = strings.ToLower(a)
	b = strings.ToLower(b)
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// PMCorrespondent returns the other party of a pair target, given one
// party's account. The second return is false if the account is not a
// member of the pair.
func PMCorrespondent(target, account string) (string, bool) {
	idx := strings.IndexByte(target, ':')
	if idx < 0 {
		return "", false
	}
	account = strings.ToLower(account)
	left, right := target[:idx], target[idx+1:]
	switch account {
	case left:
		return right, true
	case right:
		return left, true
	default:
		return "", false
	}
}

// TargetActivity is one TARGETS result: a conversation target and its
// most recent entry time.
type TargetActivity struct {
	Name   string    `json:"name"`
	LastAt time.Time `json:"last_at"`
}
