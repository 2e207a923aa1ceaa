package harvester

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Harvester peers are trusted, explicitly configured LAN
		// connections; there is no browser-origin threat model here.
		return true
	},
}

const writeTimeout = 10 * time.Second

// wsTransport adapts a gorilla/websocket connection to the Transport
// interface, serializing concurrent writes with a mutex, mirroring the
// teacher's WSClient.writeMu pattern.
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Send(method string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("harvester: marshal %s payload: %w", method, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteJSON(envelope{Method: method, Payload: body})
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// Server accepts websocket connections from harvester peers and feeds
// inbound messages to a Manager.
type Server struct {
	manager *Manager
	logger  *zap.SugaredLogger
	addr    string
	http    *http.Server
}

// NewServer builds a harvester websocket server bound to addr.
func NewServer(addr string, manager *Manager, logger *zap.SugaredLogger) *Server {
	return &Server{manager: manager, logger: logger, addr: addr}
}

// Start begins listening in the background. The returned error only
// reports bind failures; runtime errors are logged.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/harvester", func(w http.ResponseWriter, r *http.Request) {
		s.handleConnection(ctx, w, r)
	})
	s.http = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Errorw("harvester server stopped", "error", err)
			}
		}
	}()
	return nil
}

// Stop shuts down the listener.
func (s *Server) Stop() {
	if s.http != nil {
		s.http.Close()
	}
}

func (s *Server) handleConnection(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	peerID := r.URL.Query().Get("peer_id")
	if peerID == "" {
		http.Error(w, "missing peer_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("harvester websocket upgrade failed", "peer_id", peerID, "error", err)
		}
		return
	}

	transport := &wsTransport{conn: conn}
	session, err := s.manager.Connect(ctx, peerID, transport)
	if err != nil {
		if s.logger != nil {
			s.logger.Warnw("harvester connect rejected", "peer_id", peerID, "error", err)
		}
		conn.Close()
		return
	}

	s.readLoop(session)
}

func (s *Server) readLoop(session *Session) {
	defer s.manager.Disconnect(session.PeerID)

	wsConn := session.Conn.(*wsTransport).conn
	for {
		_, data, err := wsConn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			if s.logger != nil {
				s.logger.Warnw("malformed harvester message", "peer_id", session.PeerID, "error", err)
			}
			continue
		}

		switch env.Method {
		case "new_proof_of_space":
			var msg NewProofOfSpace
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				continue
			}
			s.manager.HandleProof(session.PeerID, msg)
		case "respond_signatures":
			var msg RespondSignatures
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				continue
			}
			s.manager.HandleRespondSignatures(session.PeerID, msg)
		case "plot_sync_delta":
			var delta PlotSyncDelta
			if err := json.Unmarshal(env.Payload, &delta); err != nil {
				continue
			}
			s.manager.ApplyPlotSyncDelta(session.PeerID, delta)
		default:
			if s.logger != nil {
				s.logger.Debugw("unknown harvester message method", "peer_id", session.PeerID, "method", env.Method)
			}
		}
	}
}
