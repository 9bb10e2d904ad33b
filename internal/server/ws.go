package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/trestle/internal/bridge"
	"github.com/haasonsaas/trestle/internal/store"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 45 * time.Second
	wsPingInterval   = 15 * time.Second
	wsStatusInterval = time.Second
	wsSendBuffer     = 16
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// wsFrame is one message on the bridge stream: a status snapshot (with the
// pairing artifact while one is pending) or a forwarded network message.
type wsFrame struct {
	Type     string                 `json:"type"`
	Status   *bridge.Status         `json:"status,omitempty"`
	Artifact *bridge.Artifact       `json:"artifact,omitempty"`
	Message  *bridge.InboundMessage `json:"message,omitempty"`
}

// handleBridgeWS handles GET /ws/bridges/{network}: a websocket that pushes
// the bridge status whenever it changes, plus every message the bridge
// forwards for this user. Clients watch it during pairing to learn when the
// phone approved the link.
func (s *Server) handleBridgeWS(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/ws/bridges/")
	if raw == "" || strings.Contains(raw, "/") {
		s.jsonError(w, "Network required", http.StatusBadRequest)
		return
	}
	network := store.BridgeType(strings.ToLower(raw))
	userID := s.userID(r)

	status, err := s.config.Bridges.GetStatus(r.Context(), userID, network)
	if err != nil {
		s.bridgeError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsBridgeSession{
		server:  s,
		conn:    conn,
		userID:  userID,
		network: network,
		last:    status,
	}
	sess.run(r.Context())
}

type wsBridgeSession struct {
	server  *Server
	conn    *websocket.Conn
	userID  int64
	network store.BridgeType
	last    bridge.Status
}

func (sess *wsBridgeSession) run(ctx context.Context) {
	defer sess.conn.Close()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var msgCh <-chan bridge.InboundMessage
	if sess.server.config.Hub != nil {
		sub := sess.server.config.Hub.Subscribe(sess.userID, wsSendBuffer)
		defer sub.Close()
		msgCh = sub.C()
	}

	go sess.readLoop(cancel)
	sess.writeLoop(ctx, msgCh)
}

// readLoop drains client frames so pongs are processed, and cancels the
// session when the peer goes away.
func (sess *wsBridgeSession) readLoop(cancel context.CancelFunc) {
	defer cancel()
	sess.conn.SetReadLimit(512)
	_ = sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := sess.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (sess *wsBridgeSession) writeLoop(ctx context.Context, msgCh <-chan bridge.InboundMessage) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	poll := time.NewTicker(wsStatusInterval)
	defer poll.Stop()

	if err := sess.writeStatus(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			status, err := sess.server.config.Bridges.GetStatus(ctx, sess.userID, sess.network)
			if err != nil || status == sess.last {
				continue
			}
			sess.last = status
			if err := sess.writeStatus(); err != nil {
				return
			}
		case msg, ok := <-msgCh:
			if !ok {
				_ = sess.writeMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if msg.Network != sess.network {
				continue
			}
			if err := sess.writeFrame(wsFrame{Type: "message", Message: &msg}); err != nil {
				return
			}
		case <-ping.C:
			if err := sess.writeMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sess *wsBridgeSession) writeStatus() error {
	frame := wsFrame{Type: "status", Status: &sess.last}
	if artifact, ok := sess.server.config.Bridges.Artifact(sess.userID, sess.network); ok {
		frame.Artifact = &artifact
	}
	return sess.writeFrame(frame)
}

func (sess *wsBridgeSession) writeFrame(frame wsFrame) error {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return sess.conn.WriteJSON(frame)
}

func (sess *wsBridgeSession) writeMessage(messageType int, data []byte) error {
	_ = sess.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return sess.conn.WriteMessage(messageType, data)
}
