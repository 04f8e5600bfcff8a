package federation

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/history"
	"github.com/recapnet/histd/internal/metrics"
	"github.com/recapnet/histd/internal/model"
	"github.com/recapnet/histd/internal/store"
)

// QueryState is the lifecycle of a pending federated query.
type QueryState uint8

const (
	StateIssued QueryState = iota
	StateCollecting
	StateComplete
	StateTimedOut
	StateClosed
)

func (s QueryState) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateCollecting:
		return "collecting"
	case StateComplete:
		return "complete"
	case StateTimedOut:
		return "timed_out"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// chunkBuf accumulates fragments of one oversized entry.
type chunkBuf struct {
	nextSeq  int
	tag      store.CompressionTag
	origSize int
	data     []byte
}

// pendingQuery is one in-flight scatter. Entries dedupe by msgid with
// first arrival winning; later copies from other peers are identical
// by construction and dropped.
type pendingQuery struct {
	frame   *model.QueryFrame
	state   QueryState
	waiting map[string]bool
	entries map[string]*model.StoredMessage
	chunks  map[string]*chunkBuf
	counts  map[string]int
	timer   *time.Timer
	deliver func([]*model.StoredMessage, bool)
}

// Coordinator owns the pending-query table for outbound federated
// queries. The peer link feeds it decoded response frames; it merges,
// dedupes, and delivers each query's batch exactly once, at the
// deadline if any peer is still outstanding.
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingQuery
	timeout time.Duration
	logger  *zap.Logger
}

func NewCoordinator(timeout time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		pending: make(map[string]*pendingQuery),
		timeout: timeout,
		logger:  logger.Named("coordinator"),
	}
}

// Begin registers a scatter for q.RequestID across the given peers.
// Seed entries (the local partial result) join the merge immediately.
// The caller sends the query frames; a peer that cannot be reached
// must be reported via PeerGone so the query does not wait on it.
func (c *Coordinator) Begin(q *model.QueryFrame, peers []string, seed []*model.StoredMessage, deliver func([]*model.StoredMessage, bool)) {
	p := &pendingQuery{
		frame:   q,
		state:   StateIssued,
		waiting: make(map[string]bool, len(peers)),
		entries: make(map[string]*model.StoredMessage, len(seed)),
		chunks:  make(map[string]*chunkBuf),
		counts:  make(map[string]int),
		deliver: deliver,
	}
	for _, peer := range peers {
		p.waiting[peer] = true
	}
	for _, e := range seed {
		if _, ok := p.entries[e.MsgID]; !ok {
			p.entries[e.MsgID] = e
		}
	}

	c.mu.Lock()
	c.pending[q.RequestID] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(q.RequestID) })
	metrics.SetPendingQueries(len(c.pending))
	c.mu.Unlock()

	if len(peers) == 0 {
		// Nothing to wait for; the seed is the whole answer.
		c.mu.Lock()
		c.finalizeLocked(q.RequestID, p, StateComplete)
		c.mu.Unlock()
	}
}

// OnEntry merges one decoded entry into its pending query.
func (c *Coordinator) OnEntry(requestID string, e *model.StoredMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return
	}
	p.state = StateCollecting
	if _, dup := p.entries[e.MsgID]; !dup {
		p.entries[e.MsgID] = e
	}
}

// OnEntryFrame handles a plain wire entry.
func (c *Coordinator) OnEntryFrame(frame *model.EntryFrame) {
	if frame.Entry == nil {
		return
	}
	msg, err := model.FromWire(frame.Entry)
	if err != nil {
		c.logger.Warn("undecodable entry dropped",
			zap.String("request_id", frame.RequestID), zap.Error(err))
		return
	}
	c.OnEntry(frame.RequestID, msg)
}

// OnEntryZFrame inflates a compressed entry and merges it.
func (c *Coordinator) OnEntryZFrame(frame *model.EntryZFrame) {
	raw, err := store.Decompress(frame.Payload, store.CompressionTag(frame.Tag), frame.OrigSize)
	if err != nil {
		c.logger.Warn("compressed entry inflate failed",
			zap.String("request_id", frame.RequestID), zap.Error(err))
		return
	}
	var we model.WireEntry
	if err := json.Unmarshal(raw, &we); err != nil {
		return
	}
	c.OnEntryFrame(&model.EntryFrame{RequestID: frame.RequestID, Entry: &we})
}

// OnChunkFrame appends one fragment. Fragments arrive in order on a
// single connection; a sequence gap abandons that entry only.
func (c *Coordinator) OnChunkFrame(frame *model.ChunkFrame) {
	c.mu.Lock()
	p, ok := c.pending[frame.RequestID]
	if !ok {
		c.mu.Unlock()
		return
	}
	p.state = StateCollecting
	key := frame.MsgID
	buf, ok := p.chunks[key]
	if !ok {
		if frame.Seq != 0 {
			c.mu.Unlock()
			return
		}
		buf = &chunkBuf{tag: store.CompressionTag(frame.Tag), origSize: frame.OrigSize}
		p.chunks[key] = buf
	}
	if frame.Seq != buf.nextSeq {
		c.logger.Warn("fragment sequence gap, entry abandoned",
			zap.String("request_id", frame.RequestID),
			zap.String("msgid", frame.MsgID),
			zap.Int("got", frame.Seq), zap.Int("want", buf.nextSeq))
		delete(p.chunks, key)
		c.mu.Unlock()
		return
	}
	buf.nextSeq++
	buf.data = append(buf.data, frame.Data...)
	if frame.More {
		c.mu.Unlock()
		return
	}
	delete(p.chunks, key)
	data, tag, origSize := buf.data, buf.tag, buf.origSize
	c.mu.Unlock()

	if tag != store.CompressionNone {
		inflated, err := store.Decompress(data, tag, origSize)
		if err != nil {
			c.logger.Warn("reassembled entry inflate failed",
				zap.String("request_id", frame.RequestID), zap.Error(err))
			return
		}
		data = inflated
	}
	var we model.WireEntry
	if err := json.Unmarshal(data, &we); err != nil {
		return
	}
	c.OnEntryFrame(&model.EntryFrame{RequestID: frame.RequestID, Entry: &we})
}

// OnEnd marks one peer's response complete. The last expected end
// finalizes the query.
func (c *Coordinator) OnEnd(peer string, frame *model.EndFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[frame.RequestID]
	if !ok || !p.waiting[peer] {
		return
	}
	delete(p.waiting, peer)
	p.counts[peer] = frame.Count
	if len(p.waiting) == 0 {
		c.finalizeLocked(frame.RequestID, p, StateComplete)
	}
}

// PeerGone treats a disconnect as end-of-response for every query
// still waiting on that peer. Whatever it already sent is kept.
func (c *Coordinator) PeerGone(peer string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		if !p.waiting[peer] {
			continue
		}
		delete(p.waiting, peer)
		c.logger.Debug("peer lost mid-query",
			zap.String("request_id", id), zap.String("peer", peer))
		if len(p.waiting) == 0 {
			c.finalizeLocked(id, p, StateComplete)
		}
	}
}

// expire fires at the deadline and delivers whatever arrived.
func (c *Coordinator) expire(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[requestID]
	if !ok {
		return
	}
	metrics.IncrementTimeouts()
	c.logger.Warn("query deadline elapsed",
		zap.String("request_id", requestID),
		zap.Int("peers_outstanding", len(p.waiting)))
	c.finalizeLocked(requestID, p, StateTimedOut)
}

// finalizeLocked transitions the query to its terminal state, merges
// and trims the batch, and delivers it. Callers hold c.mu.
func (c *Coordinator) finalizeLocked(requestID string, p *pendingQuery, state QueryState) {
	if p.state == StateComplete || p.state == StateTimedOut || p.state == StateClosed {
		return
	}
	p.state = state
	p.timer.Stop()
	delete(c.pending, requestID)
	metrics.SetPendingQueries(len(c.pending))

	merged := make([]*model.StoredMessage, 0, len(p.entries))
	for _, e := range p.entries {
		merged = append(merged, e)
	}
	history.SortEntries(merged)
	merged = trimToLimit(merged, p.frame)

	// Deliver outside the caller's critical path but exactly once.
	deliver := p.deliver
	timedOut := state == StateTimedOut
	p.state = StateClosed
	go deliver(merged, timedOut)
}

// trimToLimit cuts a sorted merged batch down to the query limit,
// keeping the window the subcommand asked for.
func trimToLimit(entries []*model.StoredMessage, q *model.QueryFrame) []*model.StoredMessage {
	limit := q.Limit
	if limit <= 0 || len(entries) <= limit {
		return entries
	}
	sub, err := history.ParseSubcommand(q.Sub)
	if err != nil {
		return entries[:limit]
	}
	switch sub {
	case history.SubAfter, history.SubBetween:
		return entries[:limit]
	case history.SubAround:
		return trimAround(entries, q, limit)
	default:
		// LATEST, BEFORE, and TARGETS all want the newest window.
		return entries[len(entries)-limit:]
	}
}

// trimAround keeps the window centered on the reference timestamp.
// With an unresolvable reference the oldest window is kept, matching
// a plain head trim.
func trimAround(entries []*model.StoredMessage, q *model.QueryFrame, limit int) []*model.StoredMessage {
	ref, err := history.ParseReference(q.Reference)
	if err != nil || !ref.IsTime {
		return entries[:limit]
	}
	pivot := 0
	for pivot < len(entries) && entries[pivot].At.Before(ref.At) {
		pivot++
	}
	before := limit / 2
	if pivot < before {
		before = pivot
	}
	start := pivot - before
	if start+limit > len(entries) {
		start = len(entries) - limit
	}
	return entries[start : start+limit]
}

// Pending reports the number of in-flight queries.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Stop cancels every pending query, delivering partials.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		c.finalizeLocked(id, p, StateTimedOut)
	}
}
