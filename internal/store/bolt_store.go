package store

import (
	"bytes"
	"encoding/binary"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"github.com/recapnet/histd/internal/model"
)

var (
	// Channel and pair conversations live in disjoint top-level
	// buckets, so the two namespaces can never collide.
	BucketChanLog     = []byte("chan_log")
	BucketPMLog       = []byte("pm_log")
	BucketMsgIDIndex  = []byte("msgid_index")
	BucketTimeIndex   = []byte("time_index")
	BucketAccountMeta = []byte("account_meta")
	BucketMeta        = []byte("meta")

	MetaStoredBytes = []byte("stored_bytes")
	MetaLastSweep   = []byte("last_sweep")
)

// Options configures a BoltStore.
type Options struct {
	// MaxBytes bounds the accounted size of stored data. Writes that
	// would exceed it fail with ErrStoreFull.
	MaxBytes int64

	// Retention is the lazy read filter: entries older than the
	// window are skipped by readers even before the sweeper removes
	// them. Zero disables the filter.
	Retention time.Duration

	// Compression is the configured value codec: none, lz4, zstd, or
	// auto (probe per value).
	Compression string

	Logger *zap.Logger
}

// BoltStore implements Store on a bbolt environment.
type BoltStore struct {
	path   string
	db     *bolt.DB
	opts   Options
	tag    CompressionTag
	auto   bool
	logger *zap.Logger
}

// NewBoltStore creates a store rooted at path. Open must be called
// before use.
func NewBoltStore(path string, opts Options) (*BoltStore, error) {
	s := &BoltStore{path: path, opts: opts, logger: opts.Logger}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if opts.Compression == "auto" || opts.Compression == "" {
		s.auto = true
	} else {
		tag, err := ParseCompressionTag(opts.Compression)
		if err != nil {
			return nil, err
		}
		s.tag = tag
	}
	return s, nil
}

// Open opens the bbolt database and creates the buckets.
func (s *BoltStore) Open() error {
	db, err := bolt.Open(s.path, 0600, nil)
	if err != nil {
		return xerrors.Errorf("failed to open store: %w", err)
	}
	s.db = db

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			BucketChanLog,
			BucketPMLog,
			BucketMsgIDIndex,
			BucketTimeIndex,
			BucketAccountMeta,
			BucketMeta,
		}
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return xerrors.Errorf("failed to create bucket %s: %w", string(b), err)
			}
		}
		return nil
	})
	if err != nil {
		return xerrors.Errorf("failed to initialize buckets: %w", err)
	}
	s.logger.Info("store opened", zap.String("path", s.path))
	return nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// logBucket picks the namespace bucket for a target.
func logBucket(tx *bolt.Tx, target string) *bolt.Bucket {
	if model.IsChannel(target) {
		return tx.Bucket(BucketChanLog)
	}
	return tx.Bucket(BucketPMLog)
}

// timeIndexKey is be64(nanos) target \x00 msgid, giving a global
// oldest-first scan for TTL purge and watermark eviction.
func timeIndexKey(at time.Time, target, msgid string) []byte {
	buf := make([]byte, 0, 8+len(target)+1+len(msgid))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	buf = append(buf, ts[:]...)
	buf = append(buf, target...)
	buf = append(buf, 0)
	buf = append(buf, msgid...)
	return buf
}

func decodeTimeIndexKey(key []byte) (at time.Time, target, msgid string, err error) {
	if len(key) < 9 {
		return time.Time{}, "", "", ErrInvalidKey
	}
	nanos := int64(binary.BigEndian.Uint64(key[:8]))
	rest := key[8:]
	sep := bytes.IndexByte(rest, 0)
	if sep < 0 {
		return time.Time{}, "", "", ErrInvalidKey
	}
	return time.Unix(0, nanos), string(rest[:sep]), string(rest[sep+1:]), nil
}

// Put appends one entry. The transaction is short-lived; duplicates
// leave the store untouched.
func (s *BoltStore) Put(msg *model.StoredMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	target := model.NormalizeTarget(msg.Target)
	value, err := EncodeValue(msg, s.tag, s.auto)
	if err != nil {
		return err
	}
	logKey := EncodeLogKey(target, msg.At, msg.MsgID)
	idKey := EncodeIDKey(target, msg.MsgID)
	tiKey := timeIndexKey(msg.At, target, msg.MsgID)

	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(BucketMsgIDIndex).Get(idKey) != nil {
			return ErrDuplicate
		}

		grew := int64(len(logKey) + len(value))
		used := readStoredBytes(tx)
		if s.opts.MaxBytes > 0 && used+grew > s.opts.MaxBytes {
			return ErrStoreFull
		}

		if err := logBucket(tx, target).Put(logKey, value); err != nil {
			return xerrors.Errorf("failed to store entry: %w", err)
		}
		var ts [8]byte
		binary.BigEndian.PutUint64(ts[:], uint64(msg.At.UnixNano()))
		if err := tx.Bucket(BucketMsgIDIndex).Put(idKey, ts[:]); err != nil {
			return xerrors.Errorf("failed to index msgid: %w", err)
		}
		if err := tx.Bucket(BucketTimeIndex).Put(tiKey, nil); err != nil {
			return xerrors.Errorf("failed to index timestamp: %w", err)
		}
		return writeStoredBytes(tx, used+grew)
	})
}

func readStoredBytes(tx *bolt.Tx) int64 {
	v := tx.Bucket(BucketMeta).Get(MetaStoredBytes)
	if len(v) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(v))
}

func writeStoredBytes(tx *bolt.Tx, n int64) error {
	if n < 0 {
		n = 0
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], uint64(n))
	return tx.Bucket(BucketMeta).Put(MetaStoredBytes, v[:])
}

// readCutoff is the lazy expiry bound: readers skip entries older
// than the retention window without deleting them. Deletion belongs
// to the sweeper and redaction only.
func (s *BoltStore) readCutoff() time.Time {
	if s.opts.Retention <= 0 {
		return time.Time{}
	}
	return time.Now().Add(-s.opts.Retention)
}

func (s *BoltStore) decodeEntry(target string, key, value []byte, cutoff time.Time) (*model.StoredMessage, bool) {
	_, at, msgid, err := DecodeLogKey(key)
	if err != nil {
		return nil, false
	}
	if !cutoff.IsZero() && at.Before(cutoff) {
		return nil, false
	}
	msg, err := DecodeValue(value)
	if err != nil {
		s.logger.Warn("skipping undecodable entry", zap.String("target", target), zap.String("msgid", msgid), zap.Error(err))
		return nil, false
	}
	msg.Target = target
	msg.MsgID = msgid
	return msg, true
}

// Latest returns the most recent limit entries ascending.
func (s *BoltStore) Latest(target string, limit int) ([]*model.StoredMessage, error) {
	target = model.NormalizeTarget(target)
	cutoff := s.readCutoff()
	var out []*model.StoredMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		c := logBucket(tx, target).Cursor()
		prefix := EncodeLogPrefix(target)

		k, v := seekLast(c, prefix)
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Prev() {
			if msg, ok := s.decodeEntry(target, k, v, cutoff); ok {
				out = append(out, msg)
			}
		}
		return nil
	})
	reverse(out)
	return out, err
}

// seekLast positions a cursor on the last key under prefix.
func seekLast(c *bolt.Cursor, prefix []byte) ([]byte, []byte) {
	// Seek to the first key after the prefix range, then step back.
	upper := append(append([]byte{}, prefix...), 0xff)
	k, _ := c.Seek(upper)
	if k == nil {
		return c.Last()
	}
	return c.Prev()
}

// anchorKey builds the exclusive bound for a range scan. A bare
// timestamp anchors at the position of the timestamp itself, so
// entries sharing it fall strictly after.
func anchorKey(target string, a Anchor) []byte {
	return EncodeLogKey(target, a.At, a.MsgID)
}

// GetRange returns up to limit entries strictly before or after the
// anchor, ascending.
func (s *BoltStore) GetRange(target string, anchor Anchor, dir Direction, limit int) ([]*model.StoredMessage, error) {
	target = model.NormalizeTarget(target)
	cutoff := s.readCutoff()
	var out []*model.StoredMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		out = s.scanRange(tx, target, anchor, dir, limit, cutoff)
		return nil
	})
	return out, err
}

// scanRange is GetRange inside an open read transaction. Results come
// back ascending for either direction.
func (s *BoltStore) scanRange(tx *bolt.Tx, target string, anchor Anchor, dir Direction, limit int, cutoff time.Time) []*model.StoredMessage {
	c := logBucket(tx, target).Cursor()
	prefix := EncodeLogPrefix(target)
	bound := anchorKey(target, anchor)
	var out []*model.StoredMessage

	switch dir {
	case After:
		for k, v := c.Seek(bound); k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Next() {
			if bytes.Compare(k, bound) <= 0 {
				continue // the anchor itself is excluded
			}
			if msg, ok := s.decodeEntry(target, k, v, cutoff); ok {
				out = append(out, msg)
			}
		}
	case Before:
		k, v := c.Seek(bound)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Prev() {
			if bytes.Compare(k, bound) >= 0 {
				continue
			}
			if msg, ok := s.decodeEntry(target, k, v, cutoff); ok {
				out = append(out, msg)
			}
		}
		reverse(out)
	}
	return out
}

// GetAround fetches ceil(limit/2) entries on each side of the anchor
// independently, then merges and trims so the anchor is always
// included when present and the split stays as even as the data
// allows.
func (s *BoltStore) GetAround(target string, anchor Anchor, limit int) ([]*model.StoredMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	target = model.NormalizeTarget(target)
	cutoff := s.readCutoff()
	half := (limit + 1) / 2

	// Each side is bounded independently at ceil(limit/2); the
	// forward side starts at the anchor key itself, so the anchor
	// entry (when stored) leads that slice and an extra slot keeps
	// it from crowding out the after half.
	var before, atAndAfter []*model.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		before = s.scanRange(tx, target, anchor, Before, half, cutoff)
		c := logBucket(tx, target).Cursor()
		prefix := EncodeLogPrefix(target)
		bound := anchorKey(target, anchor)
		for k, v := c.Seek(bound); k != nil && bytes.HasPrefix(k, prefix) && len(atAndAfter) < half+1; k, v = c.Next() {
			if msg, ok := s.decodeEntry(target, k, v, cutoff); ok {
				atAndAfter = append(atAndAfter, msg)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Merging both halves can overshoot the limit by one or two;
	// trim the entries farthest from the anchor, keeping the split
	// as even as the data allows.
	takeBefore, takeAfter := len(before), len(atAndAfter)
	for takeBefore+takeAfter > limit {
		if takeBefore >= takeAfter {
			takeBefore--
		} else {
			takeAfter--
		}
	}

	out := make([]*model.StoredMessage, 0, takeBefore+takeAfter)
	out = append(out, before[len(before)-takeBefore:]...)
	out = append(out, atAndAfter[:takeAfter]...)
	return out, nil
}

// GetBetween returns up to limit entries strictly between the two
// anchors, ascending. Reversed anchors are normalized first.
func (s *BoltStore) GetBetween(target string, from, to Anchor, limit int) ([]*model.StoredMessage, error) {
	target = model.NormalizeTarget(target)
	cutoff := s.readCutoff()

	lo := anchorKey(target, from)
	hi := anchorKey(target, to)
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	var out []*model.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		c := logBucket(tx, target).Cursor()
		prefix := EncodeLogPrefix(target)
		for k, v := c.Seek(lo); k != nil && bytes.HasPrefix(k, prefix) && len(out) < limit; k, v = c.Next() {
			if bytes.Compare(k, lo) <= 0 {
				continue
			}
			if bytes.Compare(k, hi) >= 0 {
				break
			}
			if msg, ok := s.decodeEntry(target, k, v, cutoff); ok {
				out = append(out, msg)
			}
		}
		return nil
	})
	return out, err
}

// ListTargets walks the time index over the window and reports each
// distinct target's most recent activity. Pair conversations are
// restricted to those involving account; channels are reported to any
// caller (membership is the embedding server's concern).
func (s *BoltStore) ListTargets(account string, from, to time.Time, limit int) ([]model.TargetActivity, error) {
	account = strings.ToLower(account)
	latest := make(map[string]time.Time)

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(BucketTimeIndex).Cursor()
		var lo [8]byte
		binary.BigEndian.PutUint64(lo[:], uint64(from.UnixNano()))
		for k, _ := c.Seek(lo[:]); k != nil; k, _ = c.Next() {
			at, target, _, err := decodeTimeIndexKey(k)
			if err != nil {
				continue
			}
			if at.After(to) {
				break
			}
			if !model.IsChannel(target) {
				if _, ok := model.PMCorrespondent(target, account); !ok {
					continue
				}
			}
			if at.After(latest[target]) {
				latest[target] = at
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.TargetActivity, 0, len(latest))
	for name, at := range latest {
		out = append(out, model.TargetActivity{Name: name, LastAt: at})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAt.Equal(out[j].LastAt) {
			return out[i].LastAt.Before(out[j].LastAt)
		}
		return out[i].Name < out[j].Name
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes one entry from all buckets. Deleting an absent entry
// reports false without error, which makes redaction replays harmless.
func (s *BoltStore) Delete(target, msgid string) (bool, error) {
	target = model.NormalizeTarget(target)
	idKey := EncodeIDKey(target, msgid)
	var present bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		ts := tx.Bucket(BucketMsgIDIndex).Get(idKey)
		if len(ts) != 8 {
			return nil
		}
		present = true
		at := time.Unix(0, int64(binary.BigEndian.Uint64(ts)))
		logKey := EncodeLogKey(target, at, msgid)

		bucket := logBucket(tx, target)
		freed := int64(len(logKey) + len(bucket.Get(logKey)))
		if err := bucket.Delete(logKey); err != nil {
			return xerrors.Errorf("failed to delete entry: %w", err)
		}
		if err := tx.Bucket(BucketMsgIDIndex).Delete(idKey); err != nil {
			return xerrors.Errorf("failed to delete msgid index: %w", err)
		}
		if err := tx.Bucket(BucketTimeIndex).Delete(timeIndexKey(at, target, msgid)); err != nil {
			return xerrors.Errorf("failed to delete time index: %w", err)
		}
		return writeStoredBytes(tx, readStoredBytes(tx)-freed)
	})
	return present, err
}

// ResolveMsgID returns the stored timestamp for a msgid so it can act
// as a range anchor.
func (s *BoltStore) ResolveMsgID(target, msgid string) (time.Time, bool, error) {
	target = model.NormalizeTarget(target)
	var at time.Time
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ts := tx.Bucket(BucketMsgIDIndex).Get(EncodeIDKey(target, msgid))
		if len(ts) == 8 {
			at = time.Unix(0, int64(binary.BigEndian.Uint64(ts)))
			found = true
		}
		return nil
	})
	return at, found, err
}

// PurgeExpired removes up to batch entries older than cutoff.
func (s *BoltStore) PurgeExpired(cutoff time.Time, batch int) (int, error) {
	return s.removeOldest(cutoff, batch)
}

// EvictOldest removes up to batch of the oldest entries but never
// crosses floor: storage pressure shortens effective retention rather
// than violating the minimum.
func (s *BoltStore) EvictOldest(floor time.Time, batch int) (int, error) {
	return s.removeOldest(floor, batch)
}

// removeOldest deletes entries oldest-first up to bound (exclusive),
// capped at batch per call so a long run is spread over several
// maintenance ticks.
func (s *BoltStore) removeOldest(bound time.Time, batch int) (int, error) {
	if batch <= 0 {
		return 0, nil
	}
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		ti := tx.Bucket(BucketTimeIndex)
		c := ti.Cursor()
		boundNanos := bound.UnixNano()
		freed := int64(0)

		var doomed [][]byte
		for k, _ := c.First(); k != nil && removed < batch; k, _ = c.Next() {
			at, target, msgid, err := decodeTimeIndexKey(k)
			if err != nil {
				continue
			}
			if at.UnixNano() >= boundNanos {
				break
			}
			logKey := EncodeLogKey(target, at, msgid)
			bucket := logBucket(tx, target)
			freed += int64(len(logKey) + len(bucket.Get(logKey)))
			if err := bucket.Delete(logKey); err != nil {
				return xerrors.Errorf("failed to delete entry: %w", err)
			}
			if err := tx.Bucket(BucketMsgIDIndex).Delete(EncodeIDKey(target, msgid)); err != nil {
				return xerrors.Errorf("failed to delete msgid index: %w", err)
			}
			doomed = append(doomed, append([]byte{}, k...))
			removed++
		}
		for _, k := range doomed {
			if err := ti.Delete(k); err != nil {
				return xerrors.Errorf("failed to delete time index: %w", err)
			}
		}
		return writeStoredBytes(tx, readStoredBytes(tx)-freed)
	})
	return removed, err
}

// UsageBytes reports the accounted size of stored keys and values.
func (s *BoltStore) UsageBytes() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = readStoredBytes(tx)
		return nil
	})
	return n, err
}

// MaxBytes returns the configured storage bound.
func (s *BoltStore) MaxBytes() int64 {
	return s.opts.MaxBytes
}

// SetAccountMeta writes one account-scoped metadata value.
func (s *BoltStore) SetAccountMeta(account, key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketAccountMeta).Put(EncodeMetaKey(strings.ToLower(account), key), []byte(value))
	})
}

// GetAccountMeta reads one account-scoped metadata value. A missing
// key reads as the empty string.
func (s *BoltStore) GetAccountMeta(account, key string) (string, error) {
	var out string
	err := s.db.View(func(tx *bolt.Tx) error {
		out = string(tx.Bucket(BucketAccountMeta).Get(EncodeMetaKey(strings.ToLower(account), key)))
		return nil
	})
	return out, err
}

// ClearAccountMeta removes one account-scoped metadata value.
func (s *BoltStore) ClearAccountMeta(account, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(BucketAccountMeta).Delete(EncodeMetaKey(strings.ToLower(account), key))
	})
}

// LastSweep returns the last recorded maintenance run.
func (s *BoltStore) LastSweep() (time.Time, error) {
	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(BucketMeta).Get(MetaLastSweep)
		if len(v) == 8 {
			t = time.Unix(0, int64(binary.BigEndian.Uint64(v)))
		}
		return nil
	})
	return t, err
}

// SetLastSweep records a maintenance run.
func (s *BoltStore) SetLastSweep(t time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(t.UnixNano()))
		return tx.Bucket(BucketMeta).Put(MetaLastSweep, v[:])
	})
}

func reverse(msgs []*model.StoredMessage) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
