// Package history is the query engine, write path, and redaction
// handler sitting between the gateway and the local store, handing
// off to the federation coordinator when a query cannot be answered
// locally.
package history

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrBadReference signals an unparseable anchor. Rejected with a
	// client-visible error before any partial execution.
	ErrBadReference = errors.New("malformed reference")

	// ErrUnknownSubcommand signals an unrecognized history subcommand.
	ErrUnknownSubcommand = errors.New("unknown subcommand")

	// ErrDenied signals a redaction attempt by an unprivileged
	// requester. Rejected with no state change.
	ErrDenied = errors.New("not authorized to redact")

	// ErrNotAParty signals a private-conversation query by an account
	// outside the pair.
	ErrNotAParty = errors.New("not a party to this conversation")
)

// Subcommand is one history request verb.
type Subcommand uint8

const (
	SubLatest Subcommand = iota
	SubBefore
	SubAfter
	SubAround
	SubBetween
	SubTargets
)

// String returns the wire name of a subcommand.
func (s Subcommand) String() string {
	switch s {
	case SubLatest:
		return "LATEST"
	case SubBefore:
		return "BEFORE"
	case SubAfter:
		return "AFTER"
	case SubAround:
		return "AROUND"
	case SubBetween:
		return "BETWEEN"
	case SubTargets:
		return "TARGETS"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseSubcommand parses a request verb, case-insensitively.
func ParseSubcommand(s string) (Subcommand, error) {
	switch strings.ToUpper(s) {
	case "LATEST":
		return SubLatest, nil
	case "BEFORE":
		return SubBefore, nil
	case "AFTER":
		return SubAfter, nil
	case "AROUND":
		return SubAround, nil
	case "BETWEEN":
		return SubBetween, nil
	case "TARGETS":
		return SubTargets, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownSubcommand, s)
	}
}

// Reference is a parsed request anchor: a timestamp, an opaque msgid,
// or absent ("*" or empty).
type Reference struct {
	Raw    string
	IsTime bool
	At     time.Time
	MsgID  string
}

// IsZero reports whether the reference is absent.
func (r Reference) IsZero() bool {
	return !r.IsTime && r.MsgID == ""
}

// timestampLayouts are the accepted ISO-8601-like forms, most
// specific first.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
}

// ParseReference parses a request anchor. Explicit timestamp= and
// msgid= prefixes are honored; a bare value that parses as a
// timestamp is one, anything else is treated as an opaque msgid. An
// explicitly tagged timestamp that does not parse is a malformed
// reference, rejected outright.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return Reference{}, nil
	}
	if rest, ok := strings.CutPrefix(s, "timestamp="); ok {
		at, err := parseTimestamp(rest)
		if err != nil {
			return Reference{}, fmt.Errorf("%w: %q", ErrBadReference, s)
		}
		return Reference{Raw: s, IsTime: true, At: at}, nil
	}
	if rest, ok := strings.CutPrefix(s, "msgid="); ok {
		if rest == "" {
			return Reference{}, fmt.Errorf("%w: %q", ErrBadReference, s)
		}
		return Reference{Raw: s, MsgID: rest}, nil
	}
	if at, err := parseTimestamp(s); err == nil {
		return Reference{Raw: s, IsTime: true, At: at}, nil
	}
	return Reference{Raw: s, MsgID: s}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if at, err := time.Parse(layout, s); err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
