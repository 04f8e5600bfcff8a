// Package store is the embedded history store: a bbolt environment
// holding immutable entries keyed for per-target timestamp-ordered
// prefix scans, with channel and pair conversations in disjoint
// namespaces.
package store

import (
	"errors"
	"time"

	"github.com/recapnet/histd/internal/model"
)

var (
	// ErrDuplicate is returned by Put when (target, msgid) already
	// exists. Callers absorb it silently; the first write wins.
	ErrDuplicate = errors.New("duplicate (target, msgid)")

	// ErrStoreFull is returned when a write fails because the map
	// size or disk is exhausted. The write is dropped, not retried.
	ErrStoreFull = errors.New("store full")

	// ErrInvalidKey is returned when a persisted key or value does
	// not decode.
	ErrInvalidKey = errors.New("invalid key format")
)

// Direction selects which side of an anchor a range scan covers.
type Direction uint8

const (
	Before Direction = iota
	After
)

// Anchor addresses a position in a target's timeline. MsgID breaks
// ties between entries sharing a timestamp; an empty MsgID anchors at
// the timestamp itself.
type Anchor struct {
	At    time.Time
	MsgID string
}

// Store is the persistence contract the history engine builds on.
type Store interface {
	Open() error
	Close() error

	// Put appends an entry. A duplicate (target, msgid) returns
	// ErrDuplicate and leaves the store untouched.
	Put(msg *model.StoredMessage) error

	// Latest returns the most recent limit entries for a target in
	// ascending timestamp order.
	Latest(target string, limit int) ([]*model.StoredMessage, error)

	// GetRange returns up to limit entries strictly before or after
	// the anchor, ascending.
	GetRange(target string, anchor Anchor, dir Direction, limit int) ([]*model.StoredMessage, error)

	// GetAround returns up to limit entries surrounding the anchor,
	// split as evenly as possible. The anchor entry itself is always
	// included when present.
	GetAround(target string, anchor Anchor, limit int) ([]*model.StoredMessage, error)

	// GetBetween returns up to limit entries in (from, to), ascending.
	GetBetween(target string, from, to Anchor, limit int) ([]*model.StoredMessage, error)

	// ListTargets returns distinct conversation targets with activity
	// in [from, to], ordered by most recent activity ascending. Pair
	// targets are restricted to conversations involving account.
	ListTargets(account string, from, to time.Time, limit int) ([]model.TargetActivity, error)

	// Delete removes one entry, reporting whether it was present.
	// Absent entries are a no-op, not an error.
	Delete(target, msgid string) (bool, error)

	// ResolveMsgID looks up the timestamp of a stored msgid so it can
	// serve as an anchor.
	ResolveMsgID(target, msgid string) (time.Time, bool, error)

	// PurgeExpired deletes up to batch entries older than cutoff,
	// oldest first, returning the number removed.
	PurgeExpired(cutoff time.Time, batch int) (int, error)

	// EvictOldest deletes up to batch of the oldest entries, never
	// touching entries at or after floor, returning the number removed.
	EvictOldest(floor time.Time, batch int) (int, error)

	// UsageBytes reports the accounted size of stored values.
	UsageBytes() (int64, error)

	// Account-scoped key-value metadata (the consent capability).
	SetAccountMeta(account, key, value string) error
	GetAccountMeta(account, key string) (string, error)
	ClearAccountMeta(account, key string) error

	LastSweep() (time.Time, error)
	SetLastSweep(t time.Time) error
}
