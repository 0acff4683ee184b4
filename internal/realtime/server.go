package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatlink/internal/metrics"
	"chatlink/internal/protocol"
	"chatlink/internal/session"
	"chatlink/internal/watcher"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	logoutTimeout = 30 * time.Second
	sendBufSize   = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// SnapshotSource supplies the latest artifact snapshot without touching disk.
type SnapshotSource interface {
	Current() watcher.Snapshot
}

// Server exposes the session manager over REST and pushes status changes to
// WebSocket clients.
type Server struct {
	mgr       *session.Manager
	staticDir string
	logger    *slog.Logger
	snapshots SnapshotSource

	peers   map[*peer]bool
	peersMu sync.RWMutex

	subID string
	wg    sync.WaitGroup
}

type peer struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server.
func New(mgr *session.Manager, staticDir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mgr:       mgr,
		staticDir: staticDir,
		logger:    logger,
		peers:     make(map[*peer]bool),
	}
}

// UseSnapshots makes artifact queries answer from src instead of rescanning
// the session directory. Call before serving requests.
func (s *Server) UseSnapshots(src SnapshotSource) {
	s.snapshots = src
}

// Start subscribes to manager changes and relays them to connected peers.
func (s *Server) Start() {
	id, ch, _ := s.mgr.Subscribe()
	s.subID = id

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for change := range ch {
			s.broadcastStatus(change.Status, change.Reason)
		}
	}()
}

// Close stops relaying changes and disconnects all peers.
func (s *Server) Close() {
	if s.subID != "" {
		s.mgr.Unsubscribe(s.subID)
	}
	s.wg.Wait()

	s.peersMu.RLock()
	for p := range s.peers {
		p.conn.Close()
	}
	s.peersMu.RUnlock()
}

// OnArtifactsUpdate is the watcher callback.
func (s *Server) OnArtifactsUpdate(snap watcher.Snapshot) {
	msg, err := protocol.NewMessage(protocol.TypeSessionArtifacts, protocol.SessionArtifactsPayload{
		SessionKey: s.mgr.Status().SessionKey,
		Present:    snap.Present,
		FileCount:  snap.FileCount,
		TotalBytes: snap.TotalBytes,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		server: s,
	}

	s.peersMu.Lock()
	s.peers[p] = true
	s.peersMu.Unlock()
	metrics.WebSocketClients.Inc()

	s.sendStatus(p)

	go p.writePump()
	go p.readPump()
}

// readPump reads messages from the WebSocket connection.
func (p *peer) readPump() {
	defer func() {
		p.server.removePeer(p)
		p.conn.Close()
	}()

	p.conn.SetReadDeadline(time.Now().Add(readDeadline))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.server.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		p.server.handleMessage(p, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (p *peer) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case message, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := p.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) removePeer(p *peer) {
	s.peersMu.Lock()
	if !s.peers[p] {
		s.peersMu.Unlock()
		return
	}
	delete(s.peers, p)
	close(p.send)
	s.peersMu.Unlock()
	metrics.WebSocketClients.Dec()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(p *peer, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(p, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeSessionRestart:
		started := s.mgr.Restart(protocol.RestartReason(msg))
		s.sendTo(p, protocol.TypeRestartAccepted, protocol.RestartAcceptedPayload{Started: started})

	case protocol.TypeSessionLogout:
		ctx, cancel := context.WithTimeout(context.Background(), logoutTimeout)
		started := s.mgr.Logout(ctx)
		cancel()
		s.sendTo(p, protocol.TypeRestartAccepted, protocol.RestartAcceptedPayload{Started: started})

	case protocol.TypeSessionRequestStatus:
		s.sendStatus(p)

	case protocol.TypeSessionRequestArtifacts:
		s.sendTo(p, protocol.TypeSessionArtifacts, s.artifactsPayload(true))
	}
}

func (s *Server) sendStatus(p *peer) {
	s.sendTo(p, protocol.TypeSessionStatus, statusPayload(s.mgr.Status(), ""))
}

func (s *Server) broadcastStatus(st session.Status, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeSessionStatus, statusPayload(st, reason))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected peers.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.peersMu.RLock()
	defer s.peersMu.RUnlock()

	for p := range s.peers {
		select {
		case p.send <- data:
		default:
			// Peer buffer full, skip.
		}
	}
}

func (s *Server) sendTo(p *peer, msgType string, payload any) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return
	}
	s.deliver(p, msg)
}

func (s *Server) sendError(p *peer, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	s.deliver(p, msg)
}

func (s *Server) deliver(p *peer, msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.peersMu.RLock()
	defer s.peersMu.RUnlock()
	if !s.peers[p] {
		return
	}
	select {
	case p.send <- data:
	default:
	}
}

func statusPayload(st session.Status, reason string) protocol.SessionStatusPayload {
	p := protocol.SessionStatusPayload{
		SessionKey:    st.SessionKey,
		Generation:    st.Generation,
		State:         string(st.State),
		Reason:        reason,
		Authenticated: st.Authenticated,
		Ready:         st.Ready,
		Restarting:    st.Restarting,
		Degraded:      st.Degraded,
		BackoffMS:     st.BackoffMS,
		Attempts:      st.Attempts,
		UpdatedAt:     st.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if st.LoginToken != nil {
		p.LoginToken = tokenPayload(*st.LoginToken)
	}
	return p
}

func tokenPayload(t session.LoginToken) *protocol.LoginTokenPayload {
	return &protocol.LoginTokenPayload{
		Token:    t.Raw,
		Image:    t.Image,
		IssuedAt: t.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) artifactsPayload(withTree bool) protocol.SessionArtifactsPayload {
	dir := s.mgr.Artifacts().Dir()
	var snap watcher.Snapshot
	if s.snapshots != nil {
		snap = s.snapshots.Current()
	} else {
		snap = watcher.Scan(dir)
	}
	p := protocol.SessionArtifactsPayload{
		SessionKey: s.mgr.Status().SessionKey,
		Present:    snap.Present,
		FileCount:  snap.FileCount,
		TotalBytes: snap.TotalBytes,
	}
	if withTree && snap.Present {
		p.Tree = watcher.Inventory(dir, watcher.MaxTreeDepth)
	}
	return p
}
