package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/config"
	"github.com/recapnet/histd/internal/metrics"
	"github.com/recapnet/histd/internal/model"
	"github.com/recapnet/histd/internal/store"
)

const (
	// ProtocolVersion is the server link protocol version.
	ProtocolVersion = "1.0"

	// HeartbeatInterval is how often to ping linked peers.
	HeartbeatInterval = 30 * time.Second

	// ReconnectBaseDelay is the base delay for exponential backoff.
	ReconnectBaseDelay = 1 * time.Second

	// ReconnectMaxDelay is the maximum delay for exponential backoff.
	ReconnectMaxDelay = 60 * time.Second

	// sendTimeout bounds a blocking enqueue onto a peer's send channel
	// before the peer is considered wedged.
	sendTimeout = 1 * time.Second

	// compressMin is the smallest entry payload worth probing for
	// compression.
	compressMin = 256

	// chunkThreshold is the largest payload sent as a single frame;
	// anything bigger is fragmented.
	chunkThreshold = 16 * 1024

	// chunkSize is the fragment payload size.
	chunkSize = 16 * 1024

	// queryRateLimit is the per-peer inbound query budget per window.
	queryRateLimit  = 120
	queryRateWindow = time.Minute
)

// Handler is the server-side surface the peer link drives: answering
// peers' sub-queries locally, ingesting forwarded writes, and applying
// propagated redactions.
type Handler interface {
	ResolveLocalQuery(q *model.QueryFrame) ([]*model.StoredMessage, error)
	IngestForwarded(msg *model.StoredMessage) error
	ApplyRemoteRedact(frame *model.RedactFrame) error
}

// Peer is one linked server. Name is the peer's advertised server name
// after the handshake, which keys the peer table and the advert
// registry.
type Peer struct {
	Name        string
	URL         string
	Outbound    bool // dialed by us, reconnects on loss
	Conn        *websocket.Conn
	Send        chan []byte
	ConnectedAt time.Time
	Batcher     *WriteBatcher
	Done        chan struct{}
	doneOnce    sync.Once
}

func (p *Peer) close() {
	p.doneOnce.Do(func() { close(p.Done) })
	p.Conn.Close()
}

// PeerManager owns the server links: dialing configured peers,
// accepting inbound links, the advert registry, and the pending-query
// coordinator. It is the history engine's federation collaborator.
type PeerManager struct {
	cfg     *config.Config
	handler Handler
	adverts *AdvertRegistry
	coord   *Coordinator
	limiter *RateLimiter
	logger  *zap.Logger

	peers   map[string]*Peer
	peersMu sync.RWMutex

	// inboundSem caps concurrently served peer queries.
	inboundSem chan struct{}

	ctx        context.Context
	cancel     context.CancelFunc
	inbound    chan *Peer
	outbound   chan string
	disconnect chan *Peer
}

func NewPeerManager(cfg *config.Config, handler Handler, logger *zap.Logger) *PeerManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	maxInbound := cfg.Federation.MaxInbound
	if maxInbound <= 0 {
		maxInbound = 32
	}
	return &PeerManager{
		cfg:        cfg,
		handler:    handler,
		adverts:    NewAdvertRegistry(),
		coord:      NewCoordinator(cfg.FederationTimeout(), logger),
		limiter:    NewRateLimiter(queryRateLimit, queryRateWindow),
		logger:     logger.Named("federation"),
		peers:      make(map[string]*Peer),
		inboundSem: make(chan struct{}, maxInbound),
		ctx:        ctx,
		cancel:     cancel,
		inbound:    make(chan *Peer, 16),
		outbound:   make(chan string, 16),
		disconnect: make(chan *Peer, 16),
	}
}

// Adverts exposes the registry for the peers endpoint.
func (pm *PeerManager) Adverts() *AdvertRegistry { return pm.adverts }

// AddPeerURL queues a peer URL to dial.
func (pm *PeerManager) AddPeerURL(url string) {
	pm.outbound <- url
}

// Run drives the peer table. Configured peers are dialed on entry.
func (pm *PeerManager) Run() {
	for _, url := range pm.cfg.Federation.Peers {
		go pm.dialPeer(url)
	}
	for {
		select {
		case <-pm.ctx.Done():
			pm.cleanup()
			return
		case url := <-pm.outbound:
			go pm.dialPeer(url)
		case peer := <-pm.inbound:
			pm.addPeer(peer)
		case peer := <-pm.disconnect:
			pm.removePeer(peer)
		}
	}
}

// Stop shuts the manager down, flushing pending queries as partials.
func (pm *PeerManager) Stop() {
	pm.cancel()
	pm.coord.Stop()
}

func (pm *PeerManager) cleanup() {
	pm.peersMu.Lock()
	defer pm.peersMu.Unlock()
	for _, peer := range pm.peers {
		if peer.Batcher != nil {
			peer.Batcher.Stop()
		}
		peer.close()
	}
}

// dialPeer connects outbound with exponential backoff. The handshake
// exchanges server names so the peer table keys on identity, not
// address.
func (pm *PeerManager) dialPeer(url string) {
	delay := ReconnectBaseDelay
	maxRetries := 10

	for i := 0; i < maxRetries; i++ {
		select {
		case <-pm.ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			pm.logger.Warn("dial failed",
				zap.String("url", url), zap.Duration("retry_in", delay), zap.Error(err))
			time.Sleep(delay)
			delay = minDuration(delay*2, ReconnectMaxDelay)
			continue
		}

		hello := model.ServerHelloFrame{
			Type:    model.FrameTypeServerHello,
			Server:  pm.cfg.Server.Name,
			Version: ProtocolVersion,
		}
		if err := conn.WriteJSON(hello); err != nil {
			conn.Close()
			time.Sleep(delay)
			delay = minDuration(delay*2, ReconnectMaxDelay)
			continue
		}

		var ok model.ServerOKFrame
		if err := conn.ReadJSON(&ok); err != nil || ok.Type != model.FrameTypeServerOK || ok.Server == "" {
			pm.logger.Warn("handshake rejected", zap.String("url", url), zap.Error(err))
			conn.Close()
			time.Sleep(delay)
			delay = minDuration(delay*2, ReconnectMaxDelay)
			continue
		}

		peer := &Peer{
			Name:        ok.Server,
			URL:         url,
			Outbound:    true,
			Conn:        conn,
			Send:        make(chan []byte, 256),
			ConnectedAt: time.Now(),
			Done:        make(chan struct{}),
		}

		pm.logger.Info("peer linked",
			zap.String("server", peer.Name), zap.String("url", url))

		go pm.readLoop(peer)
		go pm.writeLoop(peer)
		pm.inbound <- peer
		pm.sendAdvert(peer)
		return
	}

	pm.logger.Warn("max retries exceeded, rescheduling", zap.String("url", url))

	// Keep trying at the final backoff interval while the manager is
	// alive; a storage server going down for an hour must not sever
	// the link permanently.
	go func(url string, retryInterval time.Duration) {
		if retryInterval < ReconnectBaseDelay {
			retryInterval = ReconnectBaseDelay
		}
		ticker := time.NewTicker(retryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pm.ctx.Done():
				return
			case <-ticker.C:
				select {
				case <-pm.ctx.Done():
					return
				case pm.outbound <- url:
				}
			}
		}
	}(url, delay)
}

// HandleInboundPeer upgrades an inbound link. The remote must open
// with a server hello naming itself.
func (pm *PeerManager) HandleInboundPeer(w http.ResponseWriter, r *http.Request) {
	conn, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		pm.logger.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	var hello model.ServerHelloFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != model.FrameTypeServerHello || hello.Server == "" {
		pm.logger.Warn("invalid server hello",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}

	ok := model.ServerOKFrame{
		Type:   model.FrameTypeServerOK,
		Server: pm.cfg.Server.Name,
	}
	if err := conn.WriteJSON(ok); err != nil {
		conn.Close()
		return
	}

	peer := &Peer{
		Name:        hello.Server,
		URL:         r.RemoteAddr,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		ConnectedAt: time.Now(),
		Done:        make(chan struct{}),
	}

	pm.logger.Info("inbound peer linked",
		zap.String("server", peer.Name), zap.String("remote", r.RemoteAddr))

	go pm.readLoop(peer)
	go pm.writeLoop(peer)
	pm.inbound <- peer
	pm.sendAdvert(peer)
}

var peerUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// sendAdvert tells a newly linked peer what this server stores.
func (pm *PeerManager) sendAdvert(peer *Peer) {
	frame := model.AdvertFrame{
		Type:          model.FrameTypeAdvert,
		Server:        pm.cfg.Server.Name,
		Storing:       pm.cfg.Federation.Storing,
		RetentionDays: pm.cfg.Retention.Days,
		Channels:      pm.cfg.Federation.StoredChannels,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	pm.send(peer, data)
}

func (pm *PeerManager) readLoop(peer *Peer) {
	defer func() {
		pm.disconnect <- peer
		peer.Conn.Close()
	}()

	for {
		var raw json.RawMessage
		if err := peer.Conn.ReadJSON(&raw); err != nil {
			pm.logger.Debug("read error",
				zap.String("server", peer.Name), zap.Error(err))
			return
		}

		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}

		switch head.Type {
		case model.FrameTypeAdvert:
			var frame model.AdvertFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			frame.Server = peer.Name
			pm.adverts.Apply(&frame)

		case model.FrameTypeAdvertAdd:
			var frame model.AdvertChannelFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.adverts.AddChannel(peer.Name, frame.Channel)

		case model.FrameTypeAdvertDel:
			var frame model.AdvertChannelFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.adverts.DelChannel(peer.Name, frame.Channel)

		case model.FrameTypeQuery:
			var frame model.QueryFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.handleQuery(peer, &frame)

		case model.FrameTypeQueryEntry:
			var frame model.EntryFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.coord.OnEntryFrame(&frame)

		case model.FrameTypeQueryEntryZ:
			var frame model.EntryZFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.coord.OnEntryZFrame(&frame)

		case model.FrameTypeQueryChunk:
			var frame model.ChunkFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.coord.OnChunkFrame(&frame)

		case model.FrameTypeQueryEnd:
			var frame model.EndFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.coord.OnEnd(peer.Name, &frame)

		case model.FrameTypeWriteForward:
			var frame model.WriteForwardFrame
			if err := json.Unmarshal(raw, &frame); err != nil || frame.Entry == nil {
				continue
			}
			pm.ingestEntries(peer, []*model.WireEntry{frame.Entry})

		case model.FrameTypeWriteBatch:
			var frame model.WriteBatchFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			pm.ingestEntries(peer, frame.Entries)

		case model.FrameTypeRedactFwd:
			var frame model.RedactFrame
			if err := json.Unmarshal(raw, &frame); err != nil {
				continue
			}
			if err := pm.handler.ApplyRemoteRedact(&frame); err != nil {
				pm.logger.Warn("remote redact failed",
					zap.String("server", peer.Name),
					zap.String("msgid", frame.MsgID), zap.Error(err))
			}
		}
	}
}

func (pm *PeerManager) writeLoop(peer *Peer) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer func() {
		ticker.Stop()
		peer.Conn.Close()
	}()

	for {
		select {
		case <-peer.Done:
			return
		case <-ticker.C:
			peer.Conn.WriteMessage(websocket.PingMessage, nil)
		case msg, ok := <-peer.Send:
			if !ok {
				peer.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := peer.Conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (pm *PeerManager) addPeer(peer *Peer) {
	pm.peersMu.Lock()
	if old, ok := pm.peers[peer.Name]; ok {
		// A reconnect raced the old link's teardown; the new link wins.
		if old.Batcher != nil {
			old.Batcher.Stop()
		}
		old.close()
	}
	pm.peers[peer.Name] = peer

	peer.Batcher = NewWriteBatcher(peer.Name, pm.cfg.Server.Name, 256)
	peer.Batcher.Start(func(frame []byte) {
		pm.send(peer, frame)
	})

	total := len(pm.peers)
	pm.peersMu.Unlock()

	pm.logger.Info("peer added",
		zap.String("server", peer.Name), zap.Int("total", total))
	metrics.SetPeersConnected(total)
}

func (pm *PeerManager) removePeer(peer *Peer) {
	pm.peersMu.Lock()
	if current, ok := pm.peers[peer.Name]; ok && current == peer {
		delete(pm.peers, peer.Name)
	}
	total := len(pm.peers)
	pm.peersMu.Unlock()

	if peer.Batcher != nil {
		peer.Batcher.Stop()
	}
	peer.close()

	// A lost peer ends its contribution to any query still waiting on
	// it; whatever it sent is kept.
	pm.coord.PeerGone(peer.Name)
	pm.adverts.Remove(peer.Name)

	pm.logger.Info("peer removed",
		zap.String("server", peer.Name), zap.Int("total", total))
	metrics.SetPeersConnected(total)

	if peer.Outbound {
		select {
		case <-pm.ctx.Done():
		case pm.outbound <- peer.URL:
		}
	}
}

// send enqueues a frame with bounded backpressure. A peer that cannot
// drain within the timeout is torn down rather than stalling callers.
func (pm *PeerManager) send(peer *Peer, data []byte) bool {
	select {
	case peer.Send <- data:
		return true
	case <-peer.Done:
		return false
	case <-time.After(sendTimeout):
		pm.logger.Warn("peer send stalled, dropping link",
			zap.String("server", peer.Name))
		metrics.IncrementDropped()
		peer.close()
		return false
	}
}

func (pm *PeerManager) getPeer(name string) (*Peer, bool) {
	pm.peersMu.RLock()
	defer pm.peersMu.RUnlock()
	p, ok := pm.peers[name]
	return p, ok
}

// connectedPeers returns the current peer names.
func (pm *PeerManager) connectedPeers() map[string]bool {
	pm.peersMu.RLock()
	defer pm.peersMu.RUnlock()
	out := make(map[string]bool, len(pm.peers))
	for name := range pm.peers {
		out[name] = true
	}
	return out
}

// PeerCount returns the number of linked peers.
func (pm *PeerManager) PeerCount() int {
	pm.peersMu.RLock()
	defer pm.peersMu.RUnlock()
	return len(pm.peers)
}

// PeerInfo describes one linked peer for the peers endpoint.
type PeerInfo struct {
	Server        string    `json:"server"`
	URL           string    `json:"url"`
	Outbound      bool      `json:"outbound"`
	ConnectedAt   time.Time `json:"connected_at"`
	Storing       bool      `json:"storing"`
	RetentionDays int       `json:"retention_days,omitempty"`
}

// Peers snapshots the linked peers with their advertised claims.
func (pm *PeerManager) Peers() []PeerInfo {
	snapshot := pm.adverts.Snapshot()
	pm.peersMu.RLock()
	defer pm.peersMu.RUnlock()

	out := make([]PeerInfo, 0, len(pm.peers))
	for name, peer := range pm.peers {
		info := PeerInfo{
			Server:      name,
			URL:         peer.URL,
			Outbound:    peer.Outbound,
			ConnectedAt: peer.ConnectedAt,
		}
		if adv, ok := snapshot[name]; ok {
			info.Storing = adv.Storing
			info.RetentionDays = adv.RetentionDays
		}
		out = append(out, info)
	}
	return out
}

// PeersStoring implements the history engine's federation surface:
// advertised storage servers for target, filtered to live links.
func (pm *PeerManager) PeersStoring(target string) []string {
	connected := pm.connectedPeers()
	var out []string
	for _, name := range pm.adverts.PeersStoring(target) {
		if connected[name] {
			out = append(out, name)
		}
	}
	return out
}

// Scatter fans a query out to the given peers and delivers the merged
// batch through the coordinator exactly once.
func (pm *PeerManager) Scatter(q *model.QueryFrame, peers []string, seed []*model.StoredMessage, deliver func([]*model.StoredMessage, bool)) {
	q.RequestID = uuid.NewString()

	data, err := json.Marshal(q)
	if err != nil {
		// The query cannot leave this server; the seed is the answer.
		pm.coord.Begin(q, nil, seed, deliver)
		return
	}

	pm.coord.Begin(q, peers, seed, deliver)
	for _, name := range peers {
		peer, ok := pm.getPeer(name)
		if !ok || !pm.send(peer, data) {
			pm.coord.PeerGone(name)
		}
	}
}

// ForwardWrite queues an accepted write toward the storage servers for
// its target.
func (pm *PeerManager) ForwardWrite(msg *model.StoredMessage) {
	peers := pm.PeersStoring(msg.Target)
	if len(peers) == 0 {
		pm.logger.Debug("no storage server for target, write not persisted",
			zap.String("target", msg.Target))
		metrics.IncrementDropped()
		return
	}
	entry := model.ToWire(msg)
	for _, name := range peers {
		if peer, ok := pm.getPeer(name); ok && peer.Batcher != nil {
			peer.Batcher.Enqueue(entry)
		}
	}
}

// PropagateRedact broadcasts a redaction to every linked peer.
// Application on the far side is delete-if-present, so over-delivery
// is harmless.
func (pm *PeerManager) PropagateRedact(frame *model.RedactFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	pm.peersMu.RLock()
	peers := make([]*Peer, 0, len(pm.peers))
	for _, p := range pm.peers {
		peers = append(peers, p)
	}
	pm.peersMu.RUnlock()

	for _, peer := range peers {
		pm.send(peer, data)
	}
}

// handleQuery serves one inbound sub-query from a peer, streaming the
// local result set back under its request id. The response always
// ends with an end frame so the requester can settle.
func (pm *PeerManager) handleQuery(peer *Peer, q *model.QueryFrame) {
	if !pm.limiter.Allow(peer.Name) {
		pm.logger.Warn("peer query rate limited", zap.String("server", peer.Name))
		pm.sendEnd(peer, q.RequestID, 0)
		return
	}
	select {
	case pm.inboundSem <- struct{}{}:
	case <-pm.ctx.Done():
		return
	}
	go func() {
		defer func() { <-pm.inboundSem }()
		pm.serveQuery(peer, q)
	}()
}

func (pm *PeerManager) serveQuery(peer *Peer, q *model.QueryFrame) {
	entries, err := pm.handler.ResolveLocalQuery(q)
	if err != nil {
		pm.logger.Warn("peer query failed",
			zap.String("server", peer.Name),
			zap.String("request_id", q.RequestID), zap.Error(err))
		pm.sendEnd(peer, q.RequestID, 0)
		return
	}
	sent := 0
	for _, e := range entries {
		if pm.sendEntry(peer, q.RequestID, e) {
			sent++
		}
	}
	pm.sendEnd(peer, q.RequestID, sent)
}

// sendEntry picks the cheapest wire form for one entry: plain below
// the compression floor, compressed when the probe pays off, and
// fragmented when even the compressed payload exceeds a frame.
func (pm *PeerManager) sendEntry(peer *Peer, requestID string, e *model.StoredMessage) bool {
	payload, err := json.Marshal(model.ToWire(e))
	if err != nil {
		return false
	}

	tag := store.CompressionNone
	origSize := len(payload)
	if origSize >= compressMin {
		if t := store.SelectCompression(payload); t != store.CompressionNone {
			if compressed, err := store.Compress(payload, t); err == nil {
				payload = compressed
				tag = t
			}
		}
	}

	if len(payload) > chunkThreshold {
		return pm.sendChunked(peer, requestID, e.MsgID, payload, tag, origSize)
	}

	var frame any
	if tag == store.CompressionNone {
		frame = &model.EntryFrame{
			Type:      model.FrameTypeQueryEntry,
			RequestID: requestID,
			Entry:     model.ToWire(e),
		}
	} else {
		frame = &model.EntryZFrame{
			Type:      model.FrameTypeQueryEntryZ,
			RequestID: requestID,
			Tag:       uint8(tag),
			OrigSize:  origSize,
			Payload:   payload,
		}
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	return pm.send(peer, data)
}

func (pm *PeerManager) sendChunked(peer *Peer, requestID, msgid string, payload []byte, tag store.CompressionTag, origSize int) bool {
	seq := 0
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frame := model.ChunkFrame{
			Type:      model.FrameTypeQueryChunk,
			RequestID: requestID,
			MsgID:     msgid,
			Seq:       seq,
			More:      end < len(payload),
			Data:      payload[off:end],
		}
		if seq == 0 {
			frame.Tag = uint8(tag)
			frame.OrigSize = origSize
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return false
		}
		if !pm.send(peer, data) {
			return false
		}
		seq++
	}
	return true
}

func (pm *PeerManager) sendEnd(peer *Peer, requestID string, count int) {
	data, err := json.Marshal(model.EndFrame{
		Type:      model.FrameTypeQueryEnd,
		RequestID: requestID,
		Count:     count,
	})
	if err != nil {
		return
	}
	pm.send(peer, data)
}

// ingestEntries persists forwarded writes, absorbing duplicates.
func (pm *PeerManager) ingestEntries(peer *Peer, entries []*model.WireEntry) {
	for _, we := range entries {
		if we == nil {
			continue
		}
		msg, err := model.FromWire(we)
		if err != nil {
			pm.logger.Warn("undecodable forwarded write dropped",
				zap.String("server", peer.Name), zap.Error(err))
			continue
		}
		if err := pm.handler.IngestForwarded(msg); err != nil {
			pm.logger.Error("forwarded write not persisted",
				zap.String("server", peer.Name),
				zap.String("msgid", msg.MsgID), zap.Error(err))
		}
	}
}

// RateLimiter bounds inbound query volume per peer over a sliding
// window.
type RateLimiter struct {
	mu          sync.Mutex
	requests    map[string][]time.Time
	maxRequests int
	window      time.Duration
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests:    make(map[string][]time.Time),
		maxRequests: maxRequests,
		window:      window,
	}
}

// Allow reports whether a request from the peer fits the window.
func (rl *RateLimiter) Allow(peerName string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.window)

	var valid []time.Time
	for _, t := range rl.requests[peerName] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= rl.maxRequests {
		rl.requests[peerName] = valid
		return false
	}
	rl.requests[peerName] = append(valid, now)
	return true
}

// Cleanup drops peers whose whole window has aged out.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := time.Now().Add(-rl.window)
	for peerName, history := range rl.requests {
		var valid []time.Time
		for _, t := range history {
			if t.After(windowStart) {
				valid = append(valid, t)
			}
		}
		if len(valid) == 0 {
			delete(rl.requests, peerName)
		} else {
			rl.requests[peerName] = valid
		}
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
