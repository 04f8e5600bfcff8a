package federation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/recapnet/histd/internal/config"
	"github.com/recapnet/histd/internal/model"
)

type linkHandler struct {
	mu       sync.Mutex
	entries  []*model.StoredMessage
	queryErr error
	ingested []*model.StoredMessage
	redacts  []*model.RedactFrame
}

func (h *linkHandler) ResolveLocalQuery(q *model.QueryFrame) ([]*model.StoredMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries, h.queryErr
}

func (h *linkHandler) IngestForwarded(msg *model.StoredMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ingested = append(h.ingested, msg)
	return nil
}

func (h *linkHandler) ApplyRemoteRedact(frame *model.RedactFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.redacts = append(h.redacts, frame)
	return nil
}

func (h *linkHandler) ingestedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.ingested)
}

func linkEntry(target, msgid, sender string, at int64) *model.StoredMessage {
	return &model.StoredMessage{
		Target: target,
		MsgID:  msgid,
		At:     time.Unix(0, at*int64(time.Millisecond)),
		Sender: sender,
		Kind:   model.ItemMessage,
		Text:   "hello " + msgid,
	}
}

func linkConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Server.Name = "hub.example.net"
	cfg.Federation.Enabled = true
	cfg.Federation.Storing = true
	cfg.Federation.TimeoutSeconds = 5
	cfg.Federation.MaxInbound = 4
	cfg.History.MaxEntriesPerRequest = 50
	cfg.History.DefaultLimit = 10
	return cfg
}

// startLink upgrades a raw websocket client into a handshaken peer
// link named leaf.example.net and consumes the manager's own advert.
func startLink(t *testing.T, pm *PeerManager) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(httptestHandler(pm))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/federation"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	hello := model.ServerHelloFrame{
		Type:    model.FrameTypeServerHello,
		Server:  "leaf.example.net",
		Version: ProtocolVersion,
	}
	if err := conn.WriteJSON(hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	var ok model.ServerOKFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ok); err != nil {
		t.Fatalf("read ok: %v", err)
	}
	if ok.Type != model.FrameTypeServerOK || ok.Server != "hub.example.net" {
		t.Fatalf("unexpected handshake response: %+v", ok)
	}

	var advert model.AdvertFrame
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&advert); err != nil {
		t.Fatalf("read advert: %v", err)
	}
	if advert.Type != model.FrameTypeAdvert || !advert.Storing {
		t.Fatalf("unexpected advert: %+v", advert)
	}
	return conn
}

func httptestHandler(pm *PeerManager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/federation", pm.HandleInboundPeer)
	return mux
}

func waitForPeers(t *testing.T, pm *PeerManager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pm.PeerCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("peer count %d never reached, have %d", want, pm.PeerCount())
}

func TestInboundHandshakeAndAdvert(t *testing.T) {
	pm := NewPeerManager(linkConfig(t), &linkHandler{}, nil)
	go pm.Run()
	defer pm.Stop()

	conn := startLink(t, pm)
	waitForPeers(t, pm, 1)

	advert := model.AdvertFrame{
		Type:    model.FrameTypeAdvert,
		Server:  "leaf.example.net",
		Storing: true,
	}
	if err := conn.WriteJSON(advert); err != nil {
		t.Fatalf("write advert: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if peers := pm.PeersStoring("#go"); len(peers) == 1 && peers[0] == "leaf.example.net" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("advert never registered: %v", pm.PeersStoring("#go"))
}

func TestInboundRejectsBadHello(t *testing.T) {
	pm := NewPeerManager(linkConfig(t), &linkHandler{}, nil)
	go pm.Run()
	defer pm.Stop()

	srv := httptest.NewServer(httptestHandler(pm))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/federation"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(model.EndFrame{Type: model.FrameTypeQueryEnd}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp model.ServerOKFrame
	if err := conn.ReadJSON(&resp); err == nil {
		t.Fatalf("expected connection close, got %+v", resp)
	}
	if pm.PeerCount() != 0 {
		t.Fatalf("rejected link still counted: %d", pm.PeerCount())
	}
}

func TestServeQueryStreamsEntries(t *testing.T) {
	handler := &linkHandler{entries: []*model.StoredMessage{
		linkEntry("#go", "m1", "alice", 1000),
		linkEntry("#go", "m2", "bob", 2000),
	}}
	pm := NewPeerManager(linkConfig(t), handler, nil)
	go pm.Run()
	defer pm.Stop()

	conn := startLink(t, pm)
	waitForPeers(t, pm, 1)

	query := model.QueryFrame{
		Type:      model.FrameTypeQuery,
		RequestID: "req-1",
		Origin:    "leaf.example.net",
		Target:    "#go",
		Sub:       "LATEST",
		Limit:     10,
	}
	if err := conn.WriteJSON(&query); err != nil {
		t.Fatalf("write query: %v", err)
	}

	var got []string
	for {
		var raw map[string]any
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(&raw); err != nil {
			t.Fatalf("read response: %v", err)
		}
		switch raw["type"] {
		case model.FrameTypeQueryEntry:
			entry := raw["entry"].(map[string]any)
			got = append(got, entry["msgid"].(string))
		case model.FrameTypeQueryEnd:
			if c := int(raw["count"].(float64)); c != 2 {
				t.Fatalf("end count = %d, want 2", c)
			}
			if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
				t.Fatalf("streamed entries = %v", got)
			}
			return
		default:
			t.Fatalf("unexpected frame %v", raw["type"])
		}
	}
}

func TestForwardedWriteIngested(t *testing.T) {
	handler := &linkHandler{}
	pm := NewPeerManager(linkConfig(t), handler, nil)
	go pm.Run()
	defer pm.Stop()

	conn := startLink(t, pm)
	waitForPeers(t, pm, 1)

	entry := linkEntry("#go", "fwd-1", "alice", 5000)
	frame := model.WriteForwardFrame{
		Type:   model.FrameTypeWriteForward,
		Origin: "leaf.example.net",
		Entry:  model.ToWire(entry),
	}
	if err := conn.WriteJSON(&frame); err != nil {
		t.Fatalf("write forward: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handler.ingestedCount() == 1 {
			handler.mu.Lock()
			defer handler.mu.Unlock()
			if handler.ingested[0].MsgID != "fwd-1" {
				t.Fatalf("ingested msgid = %q", handler.ingested[0].MsgID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("forwarded write never reached the handler")
}

func TestRedactPropagationApplied(t *testing.T) {
	handler := &linkHandler{}
	pm := NewPeerManager(linkConfig(t), handler, nil)
	go pm.Run()
	defer pm.Stop()

	conn := startLink(t, pm)
	waitForPeers(t, pm, 1)

	frame := model.RedactFrame{
		Type:   model.FrameTypeRedactFwd,
		Origin: "leaf.example.net",
		Target: "#go",
		MsgID:  "m9",
	}
	if err := conn.WriteJSON(&frame); err != nil {
		t.Fatalf("write redact: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		handler.mu.Lock()
		n := len(handler.redacts)
		handler.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("redact never reached the handler")
}

func TestPeerDisconnectClearsAdverts(t *testing.T) {
	pm := NewPeerManager(linkConfig(t), &linkHandler{}, nil)
	go pm.Run()
	defer pm.Stop()

	conn := startLink(t, pm)
	waitForPeers(t, pm, 1)

	conn.Close()
	waitForPeers(t, pm, 0)

	if peers := pm.PeersStoring("#go"); len(peers) != 0 {
		t.Fatalf("stale advert after disconnect: %v", peers)
	}
}
