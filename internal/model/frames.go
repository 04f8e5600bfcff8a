package model

import (
	"strings"
	"time"
)

// WireEntry is the JSON form of a StoredMessage shared by the client
// gateway batches and the server-to-server protocol. Timestamps travel
// as Unix nanoseconds.
type WireEntry struct {
	Target  string `json:"target"`
	MsgID   string `json:"msgid"`
	At      int64  `json:"at"`
	Sender  string `json:"sender"`
	Account string `json:"account,omitempty"`
	Kind    string `json:"kind"`
	Text    string `json:"text,omitempty"`
}

// ToWire converts a stored entry to its wire form.
func ToWire(m *StoredMessage) *WireEntry {
	return &WireEntry{
		Target:  m.Target,
		MsgID:   m.MsgID,
		At:      m.At.UnixNano(),
		Sender:  m.Sender,
		Account: m.Account,
		Kind:    m.Kind.String(),
		Text:    m.Text,
	}
}

// FromWire converts a wire entry back to a StoredMessage.
func FromWire(e *WireEntry) (*StoredMessage, error) {
	kind, err := ParseItemType(e.Kind)
	if err != nil {
		return nil, err
	}
	return &StoredMessage{
		Target:  e.Target,
		MsgID:   e.MsgID,
		At:      time.Unix(0, e.At),
		Sender:  e.Sender,
		Account: e.Account,
		Kind:    kind,
		Text:    e.Text,
	}, nil
}

// GatewayFrame is the single frame shape of the client gateway protocol
// (protocol v1). Unused fields are omitted per frame type.
type GatewayFrame struct {
	Type      string     `json:"type"`
	Account   string     `json:"account,omitempty"`
	Caps      []string   `json:"caps,omitempty"`
	Target    string     `json:"target,omitempty"`
	Sub       string     `json:"sub,omitempty"`
	Reference string     `json:"reference,omitempty"`
	Until     string     `json:"until,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	MsgID     string     `json:"msgid,omitempty"`
	Sender    string     `json:"sender,omitempty"`
	Kind      string     `json:"kind,omitempty"`
	Text      string     `json:"text,omitempty"`
	At        int64      `json:"at,omitempty"`
	Key       string     `json:"key,omitempty"`
	Value     string     `json:"value,omitempty"`
	Present   bool       `json:"present,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Count     int        `json:"count,omitempty"`
	Entry     *WireEntry `json:"entry,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Gateway frame types (protocol v1)
const (
	FrameTypeHello         = "hello"
	FrameTypeHelloOK       = "hello_ok"
	FrameTypeWrite         = "write"
	FrameTypeWriteOK       = "write_ok"
	FrameTypeHistory       = "history"
	FrameTypeBatchStart    = "batch_start"
	FrameTypeEntry         = "entry"
	FrameTypeBatchEnd      = "batch_end"
	FrameTypeMetadataSet   = "metadata_set"
	FrameTypeMetadataClear = "metadata_clear"
	FrameTypeMetadataGet   = "metadata_get"
	FrameTypeMetadata      = "metadata"
	FrameTypeMetadataOK    = "metadata_ok"
	FrameTypeRedact        = "redact"
	FrameTypeRedactOK      = "redact_ok"
	FrameTypeRedacted      = "redacted"
	FrameTypeError         = "error"
)

// CapRedaction is the capability a session declares in hello to receive
// redacted push frames. Sessions without it keep their delivered copy
// and never learn of the deletion.
const CapRedaction = "redaction"

// Server-to-server federation frames (clients must never receive these)
const (
	FrameTypeServerHello  = "s2s_hello"
	FrameTypeServerOK     = "s2s_ok"
	FrameTypeAdvert       = "s2s_advert"
	FrameTypeAdvertAdd    = "s2s_advert_add"
	FrameTypeAdvertDel    = "s2s_advert_del"
	FrameTypeQuery        = "s2s_query"
	FrameTypeQueryEntry   = "s2s_entry"
	FrameTypeQueryEntryZ  = "s2s_entry_z"
	FrameTypeQueryChunk   = "s2s_chunk"
	FrameTypeQueryEnd     = "s2s_end"
	FrameTypeWriteForward = "s2s_write"
	FrameTypeWriteBatch   = "s2s_write_batch"
	FrameTypeRedactFwd    = "s2s_redact"
)

// IsServerFrameType reports whether a frame type belongs to the
// server-to-server protocol.
func IsServerFrameType(t string) bool {
	return strings.HasPrefix(t, "s2s_")
}

// ServerHelloFrame is the initial handshake between linked servers.
type ServerHelloFrame struct {
	Type    string `json:"type"`
	Server  string `json:"server"`
	Version string `json:"version"`
}

// ServerOKFrame acknowledges a server hello.
type ServerOKFrame struct {
	Type   string `json:"type"`
	Server string `json:"server"`
}

// AdvertFrame carries a server's full storage advertisement, sent once
// after the handshake and again whenever the storing set is reloaded.
// An empty Channels list with Storing true means every target.
type AdvertFrame struct {
	Type          string   `json:"type"`
	Server        string   `json:"server"`
	Storing       bool     `json:"storing"`
	RetentionDays int      `json:"retention_days,omitempty"`
	Channels      []string `json:"channels,omitempty"`
}

// AdvertChannelFrame is an incremental add or remove of one channel
// from the sender's storing set.
type AdvertChannelFrame struct {
	Type    string `json:"type"`
	Server  string `json:"server"`
	Channel string `json:"channel"`
}

// QueryFrame asks a peer to resolve a history query against its local
// store and stream the results back under the given request id.
type QueryFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Origin    string `json:"origin"`
	Account   string `json:"account,omitempty"`
	Target    string `json:"target"`
	Sub       string `json:"sub"`
	Reference string `json:"reference,omitempty"`
	Until     string `json:"until,omitempty"`
	Limit     int    `json:"limit"`
}

// EntryFrame carries one plain query result entry.
type EntryFrame struct {
	Type      string     `json:"type"`
	RequestID string     `json:"request_id"`
	Entry     *WireEntry `json:"entry"`
}

// EntryZFrame carries one compressed entry: Payload is the compressed
// JSON encoding of a WireEntry, Tag names the algorithm and OrigSize
// the uncompressed length.
type EntryZFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Tag       uint8  `json:"tag"`
	OrigSize  int    `json:"orig_size"`
	Payload   []byte `json:"payload"`
}

// ChunkFrame carries one fragment of an entry too large for a single
// frame. Fragments for a given (request_id, msgid) are reassembled in
// Seq order; More is false on the final fragment. Tag and OrigSize on
// the first fragment describe the reassembled payload.
type ChunkFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	MsgID     string `json:"msgid"`
	Seq       int    `json:"seq"`
	More      bool   `json:"more"`
	Tag       uint8  `json:"tag,omitempty"`
	OrigSize  int    `json:"orig_size,omitempty"`
	Data      []byte `json:"data"`
}

// EndFrame signals end-of-response for a request id. Count is the
// number of entries the peer sent, letting the requester cross-check.
type EndFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Count     int    `json:"count"`
}

// WriteForwardFrame carries one write from a non-storing server to a
// storage server, with enough metadata to reconstruct an equivalent
// entry ordered by origin timestamp.
type WriteForwardFrame struct {
	Type   string     `json:"type"`
	Origin string     `json:"origin"`
	Entry  *WireEntry `json:"entry"`
}

// WriteBatchFrame is the coalesced batch form of write forwarding.
type WriteBatchFrame struct {
	Type    string       `json:"type"`
	Origin  string       `json:"origin"`
	Entries []*WireEntry `json:"entries"`
}

// RedactFrame propagates a redaction to peers. Application is
// delete-if-present, so replays are harmless.
type RedactFrame struct {
	Type      string `json:"type"`
	Origin    string `json:"origin"`
	Target    string `json:"target"`
	MsgID     string `json:"msgid"`
	Requester string `json:"requester,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
