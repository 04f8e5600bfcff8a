package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/recapnet/histd/internal/metrics"
	"github.com/recapnet/histd/internal/model"
)

// OriginChecker validates WebSocket origin against an allowlist.
type OriginChecker struct {
	allowedOrigins map[string]bool
	devMode        bool
}

// NewOriginChecker creates a new origin checker.
// allowedOrigins is a comma-separated list of allowed origins.
// devMode when true allows all origins (for local development).
func NewOriginChecker(allowedOrigins string, devMode bool) *OriginChecker {
	oc := &OriginChecker{
		allowedOrigins: make(map[string]bool),
		devMode:        devMode,
	}
	if devMode {
		return oc
	}
	for _, origin := range strings.Split(allowedOrigins, ",") {
		origin = strings.TrimSpace(origin)
		if origin != "" {
			oc.allowedOrigins[origin] = true
		}
	}
	return oc
}

// Check validates if the origin is allowed.
func (oc *OriginChecker) Check(r *http.Request) bool {
	if oc.devMode {
		return true
	}
	if len(oc.allowedOrigins) == 0 {
		return false
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// No origin header, treat as a same-origin request.
		return true
	}
	return oc.allowedOrigins[origin]
}

// HistoryEngine is the gateway's view of the history service.
type HistoryEngine interface {
	Append(msg *model.StoredMessage) error
	Resolve(account, target, sub, reference, until string, limit int) ([]*model.StoredMessage, error)
	Redact(requester, target, msgid, reason string) error
}

// MetaStore is the account metadata surface the gateway exposes.
type MetaStore interface {
	SetAccountMeta(account, key, value string) error
	GetAccountMeta(account, key string) (string, error)
	ClearAccountMeta(account, key string) error
}

// metaKeyPrefix scopes the metadata keys this gateway will touch. The
// embedding server owns the rest of the metadata namespace.
const metaKeyPrefix = "history."

// Gateway handles client history sessions over WebSocket. The
// embedding server authenticates accounts before handing off the
// connection; the gateway trusts the hello's account.
type Gateway struct {
	engine        HistoryEngine
	meta          MetaStore
	sessions      *model.SessionRegistry
	originChecker *OriginChecker
	logger        *zap.Logger
}

func NewGateway(engine HistoryEngine, meta MetaStore, sessions *model.SessionRegistry, allowedOrigins string, devMode bool, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		engine:        engine,
		meta:          meta,
		sessions:      sessions,
		originChecker: NewOriginChecker(allowedOrigins, devMode),
		logger:        logger.Named("gateway"),
	}
}

// HandleWebSocket upgrades the connection and runs the session.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !g.originChecker.Check(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // validated above
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.SessionsCurrent.Inc()
	defer metrics.SessionsCurrent.Dec()

	session := &model.Session{
		Conn: conn,
		Send: make(chan []byte, 256),
	}

	go g.writePump(session)
	g.readPump(session)
}

func (g *Gateway) readPump(session *model.Session) {
	defer func() {
		if session.Account != "" {
			g.sessions.Unregister(session)
		}
		session.Conn.Close()
	}()

	for {
		var frame model.GatewayFrame
		if err := session.Conn.ReadJSON(&frame); err != nil {
			return
		}
		g.handleFrame(session, &frame)
	}
}

func (g *Gateway) writePump(session *model.Session) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		session.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-session.Send:
			if !ok {
				session.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := session.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := session.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) handleFrame(session *model.Session, frame *model.GatewayFrame) {
	// Server link frames never belong on a client session.
	if model.IsServerFrameType(frame.Type) {
		g.sendError(session, "server frame type not allowed on client connections")
		return
	}

	switch frame.Type {
	case model.FrameTypeHello:
		g.handleHello(session, frame)
	case model.FrameTypeWrite:
		g.handleWrite(session, frame)
	case model.FrameTypeHistory:
		g.handleHistory(session, frame)
	case model.FrameTypeMetadataSet:
		g.handleMetadataSet(session, frame)
	case model.FrameTypeMetadataClear:
		g.handleMetadataClear(session, frame)
	case model.FrameTypeMetadataGet:
		g.handleMetadataGet(session, frame)
	case model.FrameTypeRedact:
		g.handleRedact(session, frame)
	default:
		g.sendError(session, "unknown frame type")
	}
}

func (g *Gateway) handleHello(session *model.Session, frame *model.GatewayFrame) {
	if frame.Account == "" {
		g.sendError(session, "account required")
		return
	}
	if session.Account != "" {
		// Re-registering under a new account would leave the session
		// in the old account's routing set.
		g.sendError(session, "already authenticated")
		return
	}

	session.Account = frame.Account
	session.ID = uuid.New().String()
	session.Caps = make(map[string]bool, len(frame.Caps))
	for _, cap := range frame.Caps {
		session.Caps[cap] = true
	}
	g.sessions.Register(session)

	g.send(session, model.GatewayFrame{
		Type: model.FrameTypeHelloOK,
		Caps: frame.Caps,
	})
}

// sessionTarget resolves the target a client named into its stored
// form. Channels pass through; a correspondent account becomes the
// order-independent pair of the session's account and that name, so
// clients never construct pair identifiers themselves.
func sessionTarget(session *model.Session, target string) string {
	if target == "" || model.IsChannel(target) {
		return target
	}
	return model.PMTarget(session.Account, target)
}

// handleWrite records one accepted message. The msgid is minted here
// so the origin timestamp and id travel together from the start.
func (g *Gateway) handleWrite(session *model.Session, frame *model.GatewayFrame) {
	if session.Account == "" {
		g.sendError(session, "not authenticated")
		return
	}
	if frame.Target == "" {
		g.sendError(session, "target required")
		return
	}

	kind := model.ItemMessage
	if frame.Kind != "" {
		var err error
		kind, err = model.ParseItemType(frame.Kind)
		if err != nil {
			g.sendError(session, "unknown item kind")
			return
		}
	}

	msgid := frame.MsgID
	if msgid == "" {
		id, err := uuid.NewV7()
		if err != nil {
			g.sendError(session, "msgid generation failed")
			return
		}
		msgid = id.String()
	}

	at := time.Now()
	if frame.At > 0 {
		at = time.Unix(0, frame.At)
	}

	sender := frame.Sender
	if sender == "" {
		sender = session.Account
	}

	msg := &model.StoredMessage{
		Target:  sessionTarget(session, frame.Target),
		MsgID:   msgid,
		At:      at,
		Sender:  sender,
		Account: session.Account,
		Kind:    kind,
		Text:    frame.Text,
	}
	if err := g.engine.Append(msg); err != nil {
		g.logger.Warn("write rejected",
			zap.String("account", session.Account),
			zap.String("target", frame.Target), zap.Error(err))
		g.sendError(session, "write rejected: "+err.Error())
		return
	}

	g.send(session, model.GatewayFrame{
		Type:  model.FrameTypeWriteOK,
		MsgID: msgid,
		At:    at.UnixNano(),
	})
}

// handleHistory resolves a query and streams the batch. The batch is
// bracketed by batch_start and batch_end so clients can attribute
// entries to the request that produced them.
func (g *Gateway) handleHistory(session *model.Session, frame *model.GatewayFrame) {
	if session.Account == "" {
		g.sendError(session, "not authenticated")
		return
	}

	entries, err := g.engine.Resolve(session.Account, sessionTarget(session, frame.Target), frame.Sub, frame.Reference, frame.Until, frame.Limit)
	if err != nil {
		g.sendError(session, err.Error())
		return
	}

	g.send(session, model.GatewayFrame{
		Type:   model.FrameTypeBatchStart,
		Target: frame.Target,
		Sub:    frame.Sub,
	})
	for _, e := range entries {
		g.send(session, model.GatewayFrame{
			Type:  model.FrameTypeEntry,
			Entry: model.ToWire(e),
		})
	}
	g.send(session, model.GatewayFrame{
		Type:   model.FrameTypeBatchEnd,
		Target: frame.Target,
		Count:  len(entries),
	})
}

func (g *Gateway) handleMetadataSet(session *model.Session, frame *model.GatewayFrame) {
	if session.Account == "" {
		g.sendError(session, "not authenticated")
		return
	}
	if !strings.HasPrefix(frame.Key, metaKeyPrefix) {
		g.sendError(session, "metadata key outside the history namespace")
		return
	}
	if frame.Key == model.ConsentKey {
		if _, err := model.ParseConsent(frame.Value); err != nil {
			g.sendError(session, "invalid consent value")
			return
		}
	}
	if err := g.meta.SetAccountMeta(session.Account, frame.Key, frame.Value); err != nil {
		g.sendError(session, "metadata write failed")
		return
	}
	g.send(session, model.GatewayFrame{
		Type: model.FrameTypeMetadataOK,
		Key:  frame.Key,
	})
}

func (g *Gateway) handleMetadataClear(session *model.Session, frame *model.GatewayFrame) {
	if session.Account == "" {
		g.sendError(session, "not authenticated")
		return
	}
	if !strings.HasPrefix(frame.Key, metaKeyPrefix) {
		g.sendError(session, "metadata key outside the history namespace")
		return
	}
	if err := g.meta.ClearAccountMeta(session.Account, frame.Key); err != nil {
		g.sendError(session, "metadata clear failed")
		return
	}
	g.send(session, model.GatewayFrame{
		Type: model.FrameTypeMetadataOK,
		Key:  frame.Key,
	})
}

func (g *Gateway) handleMetadataGet(session *model.Session, frame *model.GatewayFrame) {
	if session.Account == "" {
		g.sendError(session, "not authenticated")
		return
	}
	if !strings.HasPrefix(frame.Key, metaKeyPrefix) {
		g.sendError(session, "metadata key outside the history namespace")
		return
	}
	value, err := g.meta.GetAccountMeta(session.Account, frame.Key)
	if err != nil {
		g.sendError(session, "metadata read failed")
		return
	}
	g.send(session, model.GatewayFrame{
		Type:    model.FrameTypeMetadata,
		Key:     frame.Key,
		Value:   value,
		Present: value != "",
	})
}

func (g *Gateway) handleRedact(session *model.Session, frame *model.GatewayFrame) {
	if session.Account == "" {
		g.sendError(session, "not authenticated")
		return
	}
	if frame.Target == "" || frame.MsgID == "" {
		g.sendError(session, "target and msgid required")
		return
	}
	if err := g.engine.Redact(session.Account, sessionTarget(session, frame.Target), frame.MsgID, frame.Reason); err != nil {
		g.sendError(session, err.Error())
		return
	}
	g.send(session, model.GatewayFrame{
		Type:   model.FrameTypeRedactOK,
		Target: frame.Target,
		MsgID:  frame.MsgID,
	})
}

// NotifyRedacted pushes a redacted frame to every session that
// negotiated the redaction capability. Sessions without it keep their
// copy and are told nothing.
func (g *Gateway) NotifyRedacted(target, msgid, reason string) {
	frame := model.GatewayFrame{
		Type:   model.FrameTypeRedacted,
		Target: target,
		MsgID:  msgid,
		Reason: reason,
	}
	for _, session := range g.sessions.WithCap(model.CapRedaction) {
		g.send(session, frame)
	}
}

// send delivers a frame with bounded backpressure: a session that
// cannot drain within a second loses the frame rather than stalling
// the gateway.
func (g *Gateway) send(session *model.Session, frame model.GatewayFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case session.Send <- data:
	case <-time.After(1 * time.Second):
		g.logger.Warn("session send stalled, frame dropped",
			zap.String("account", session.Account))
		metrics.IncrementDropped()
	}
}

func (g *Gateway) sendError(session *model.Session, msg string) {
	g.send(session, model.GatewayFrame{
		Type:  model.FrameTypeError,
		Error: msg,
	})
}
