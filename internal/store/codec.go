package store

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"github.com/recapnet/histd/internal/model"
)

// Log keys are target \x00 be64(unix-nanos) msgid, so a prefix cursor
// over one target walks its timeline in timestamp order with msgid as
// the tie-break. Sub-second precision is preserved in the key itself.

// EncodeLogKey builds the primary key for an entry.
func EncodeLogKey(target string, at time.Time, msgid string) []byte {
	buf := make([]byte, 0, len(target)+1+8+len(msgid))
	buf = append(buf, target...)
	buf = append(buf, 0)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(at.UnixNano()))
	buf = append(buf, ts[:]...)
	buf = append(buf, msgid...)
	return buf
}

// EncodeLogPrefix builds the cursor prefix covering every entry of a
// target.
func EncodeLogPrefix(target string) []byte {
	return append([]byte(target), 0)
}

// EncodeLogSeek builds the smallest possible key at a timestamp,
// for seeking to the start of a time position within a target.
func EncodeLogSeek(target string, at time.Time) []byte {
	return EncodeLogKey(target, at, "")
}

// DecodeLogKey splits a primary key back into its parts.
func DecodeLogKey(key []byte) (target string, at time.Time, msgid string, err error) {
	sep := bytes.IndexByte(key, 0)
	if sep < 0 || len(key) < sep+1+8 {
		return "", time.Time{}, "", ErrInvalidKey
	}
	nanos := int64(binary.BigEndian.Uint64(key[sep+1 : sep+9]))
	return string(key[:sep]), time.Unix(0, nanos), string(key[sep+9:]), nil
}

// EncodeIDKey builds the msgid index key (target \x00 msgid). The
// index value is the entry's 8-byte timestamp, enough to reconstruct
// the log key for deletes and anchor resolution.
func EncodeIDKey(target, msgid string) []byte {
	buf := make([]byte, 0, len(target)+1+len(msgid))
	buf = append(buf, target...)
	buf = append(buf, 0)
	buf = append(buf, msgid...)
	return buf
}

// EncodeMetaKey builds an account metadata key (account \x00 key).
func EncodeMetaKey(account, key string) []byte {
	buf := make([]byte, 0, len(account)+1+len(key))
	buf = append(buf, account...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return buf
}

// Values are a \x00-delimited encoding of (nanos, sender, account,
// type, text). A plain encoding always begins with an ASCII digit;
// compressed values are prefixed with the marker byte 0x01 followed by
// the compression tag and a be32 original size, so legacy uncompressed
// values stay readable with no schema version field.

const compressedMarker = 0x01

// EncodeValue encodes an entry value, compressing when the configured
// tag (or the auto probe, when auto is true) says it pays off.
func EncodeValue(msg *model.StoredMessage, tag CompressionTag, auto bool) ([]byte, error) {
	plain := encodePlainValue(msg)
	if auto {
		tag = SelectCompression(plain)
	}
	if tag == CompressionNone {
		return plain, nil
	}
	compressed, err := Compress(plain, tag)
	if err != nil {
		if IsIncompressible(err) {
			return plain, nil
		}
		return nil, xerrors.Errorf("compress value: %w", err)
	}
	out := make([]byte, 0, 2+4+len(compressed))
	out = append(out, compressedMarker, byte(tag))
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(plain)))
	out = append(out, size[:]...)
	out = append(out, compressed...)
	return out, nil
}

func encodePlainValue(msg *model.StoredMessage) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.FormatInt(msg.At.UnixNano(), 10))
	buf.WriteByte(0)
	buf.WriteString(msg.Sender)
	buf.WriteByte(0)
	buf.WriteString(msg.Account)
	buf.WriteByte(0)
	buf.WriteString(msg.Kind.String())
	buf.WriteByte(0)
	buf.WriteString(msg.Text)
	return buf.Bytes()
}

// DecodeValue decodes a stored value. Target and MsgID come from the
// key, not the value, and are filled in by the caller.
func DecodeValue(data []byte) (*model.StoredMessage, error) {
	if len(data) == 0 {
		return nil, ErrInvalidKey
	}
	if data[0] == compressedMarker {
		if len(data) < 6 {
			return nil, ErrInvalidKey
		}
		tag := CompressionTag(data[1])
		origSize := int(binary.BigEndian.Uint32(data[2:6]))
		plain, err := Decompress(data[6:], tag, origSize)
		if err != nil {
			return nil, xerrors.Errorf("decompress value: %w", err)
		}
		data = plain
	}
	parts := bytes.SplitN(data, []byte{0}, 5)
	if len(parts) != 5 {
		return nil, ErrInvalidKey
	}
	nanos, err := strconv.ParseInt(string(parts[0]), 10, 64)
	if err != nil {
		return nil, xerrors.Errorf("parse value timestamp: %w", err)
	}
	kind, err := model.ParseItemType(string(parts[3]))
	if err != nil {
		return nil, err
	}
	return &model.StoredMessage{
		At:      time.Unix(0, nanos),
		Sender:  string(parts[1]),
		Account: string(parts[2]),
		Kind:    kind,
		Text:    string(parts[4]),
	}, nil
}
