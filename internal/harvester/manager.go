// Package harvester manages the farmer's connections to its trusted
// harvester peers: session lifecycle, the deferred handshake, plot-sync
// summaries, and broadcast/request dispatch. Grounded on the teacher's
// StratumServer session registry, adapted from anonymous public miners
// to a small set of explicitly configured, trusted peers.
package harvester

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxSessions bounds the number of simultaneously connected
// harvester peers. Adapted from the teacher's per-IP connection limit,
// simplified to a single global cap since harvester peers are trusted
// and explicitly configured rather than rate-limited by source IP.
const DefaultMaxSessions = 256

// Transport sends JSON-encodable messages to one connected harvester
// and can be closed. The production implementation is a gorilla/
// websocket connection (see server.go); tests use an in-memory fake.
type Transport interface {
	Send(method string, payload interface{}) error
	Close() error
}

// Session is one connected harvester peer.
type Session struct {
	PeerID    string
	Conn      Transport
	ConnectedAt time.Time

	mu      sync.Mutex
	summary HarvesterSummary

	handshakeSent int32
	quit          chan struct{}
}

// Summary returns the session's last-known plot-sync summary.
func (s *Session) Summary() HarvesterSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summary
}

// KeyProvider exposes the farmer's current public keys for the
// handshake, becoming ready only once key setup (internal/blskeys via
// internal/keychain) has produced at least one key pair.
type KeyProvider interface {
	PublicKeysIfReady() (farmerPKs [][]byte, poolPKs [][]byte, ready bool)
}

// Callbacks are the farmer dispatcher's hooks into harvester session
// events. Any nil callback is simply skipped.
type Callbacks struct {
	OnProof             func(peerID string, msg NewProofOfSpace)
	OnRespondSignatures func(peerID string, msg RespondSignatures)
	OnHarvesterUpdate   func(peerID string, summary HarvesterSummary)
	OnHarvesterRemoved  func(peerID string)
}

// Manager owns the live set of harvester sessions. Mutated only from
// its own connect/disconnect/message-dispatch entry points, matching
// the single-owner-goroutine discipline the rest of the farmer core
// follows; Sessions is a sync.Map purely so read-only snapshot methods
// (Broadcast, session count, admin API reads) don't need a separate
// lock, mirroring the teacher's session registry.
type Manager struct {
	sessions  sync.Map // peerID -> *Session
	count     int32
	maxSessions int32

	keys      KeyProvider
	callbacks Callbacks
	logger    *zap.SugaredLogger
}

// NewManager builds a harvester session manager. maxSessions <= 0
// falls back to DefaultMaxSessions.
func NewManager(keys KeyProvider, callbacks Callbacks, maxSessions int, logger *zap.SugaredLogger) *Manager {
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	return &Manager{
		keys:        keys,
		callbacks:   callbacks,
		maxSessions: int32(maxSessions),
		logger:      logger,
	}
}

// SetCallbacks replaces the manager's callback set. Exists to break
// the Manager/Service construction cycle: the dispatcher needs a
// HarvesterLink to be constructed, and its own HandleProof/
// HandleRespondSignatures methods are the callbacks the manager needs
// in turn. Callers build the Manager with Callbacks{} first, construct
// the dispatcher against it, then call SetCallbacks before accepting
// any connections. Not safe to call once sessions are live.
func (m *Manager) SetCallbacks(callbacks Callbacks) {
	m.callbacks = callbacks
}

// Connect registers a new harvester session and starts its deferred
// handshake task. The handshake task exits once it sends the
// handshake, once ctx is cancelled (process shutdown), or once the
// session disconnects — whichever comes first.
func (m *Manager) Connect(ctx context.Context, peerID string, conn Transport) (*Session, error) {
	if atomic.LoadInt32(&m.count) >= m.maxSessions {
		return nil, fmt.Errorf("harvester: too many connections (limit %d)", m.maxSessions)
	}

	session := &Session{
		PeerID:      peerID,
		Conn:        conn,
		ConnectedAt: time.Now(),
		quit:        make(chan struct{}),
	}

	if _, loaded := m.sessions.LoadOrStore(peerID, session); loaded {
		return nil, fmt.Errorf("harvester: peer %q already connected", peerID)
	}
	atomic.AddInt32(&m.count, 1)

	go m.handshakeTask(ctx, session)

	if m.logger != nil {
		m.logger.Infow("harvester connected", "peer_id", peerID)
	}
	return session, nil
}

// handshakeTask polls for key readiness (key setup has no push
// notification mechanism here, so polling mirrors the teacher's
// ticker-based long-lived tasks) and sends exactly one handshake once
// keys are ready.
func (m *Manager) handshakeTask(ctx context.Context, session *Session) {
	const pollInterval = 200 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		farmerPKs, poolPKs, ready := m.keys.PublicKeysIfReady()
		if ready {
			handshake := HarvesterHandshake{FarmerPublicKeys: farmerPKs, PoolPublicKeys: poolPKs}
			if err := session.Conn.Send("harvester_handshake", handshake); err != nil {
				if m.logger != nil {
					m.logger.Warnw("failed to send harvester handshake", "peer_id", session.PeerID, "error", err)
				}
				return
			}
			atomic.StoreInt32(&session.handshakeSent, 1)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-session.quit:
			return
		case <-ticker.C:
		}
	}
}

// Disconnect removes a session, closes its transport, and emits
// harvester_removed.
func (m *Manager) Disconnect(peerID string) {
	v, ok := m.sessions.LoadAndDelete(peerID)
	if !ok {
		return
	}
	session := v.(*Session)
	close(session.quit)
	session.Conn.Close()
	atomic.AddInt32(&m.count, -1)

	if m.callbacks.OnHarvesterRemoved != nil {
		m.callbacks.OnHarvesterRemoved(peerID)
	}
	if m.logger != nil {
		m.logger.Infow("harvester disconnected", "peer_id", peerID)
	}
}

// ApplyPlotSyncDelta folds one plot-sync message into a session's
// summary and fires harvester_update when the delta is non-empty or
// completes the initial sync, per spec.
func (m *Manager) ApplyPlotSyncDelta(peerID string, delta PlotSyncDelta) {
	v, ok := m.sessions.Load(peerID)
	if !ok {
		return
	}
	session := v.(*Session)

	session.mu.Lock()
	wasInitialSyncDone := session.summary.InitialSync
	session.summary.PlotCount += delta.Added - delta.Removed
	session.summary.Duplicates += delta.Duplicates
	session.summary.Invalid += delta.Invalid
	session.summary.KeysMissing += delta.KeysMissing
	if delta.InitialSyncDone {
		session.summary.InitialSync = true
	}
	session.summary.LastUpdateUnix = time.Now().Unix()
	summary := session.summary
	session.mu.Unlock()

	justCompletedInitialSync := delta.InitialSyncDone && !wasInitialSyncDone
	if delta.isEmpty() && !justCompletedInitialSync {
		return
	}
	if m.callbacks.OnHarvesterUpdate != nil {
		m.callbacks.OnHarvesterUpdate(peerID, summary)
	}
}

// HandleProof dispatches an inbound NewProofOfSpace to the farmer
// dispatcher's callback.
func (m *Manager) HandleProof(peerID string, msg NewProofOfSpace) {
	if m.callbacks.OnProof != nil {
		m.callbacks.OnProof(peerID, msg)
	}
}

// HandleRespondSignatures dispatches an inbound RespondSignatures.
func (m *Manager) HandleRespondSignatures(peerID string, msg RespondSignatures) {
	if m.callbacks.OnRespondSignatures != nil {
		m.callbacks.OnRespondSignatures(peerID, msg)
	}
}

// Broadcast sends a NewSignagePointHarvester to every connected
// session, logging (not failing) per-session send errors so one dead
// connection never blocks the rest of the broadcast.
func (m *Manager) Broadcast(msg NewSignagePointHarvester) {
	m.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		if err := session.Conn.Send("new_signage_point_harvester", msg); err != nil {
			if m.logger != nil {
				m.logger.Warnw("broadcast failed", "peer_id", session.PeerID, "error", err)
			}
		}
		return true
	})
}

// RequestSignatures asks a specific harvester session to sign the
// given messages over a previously-reported plot.
func (m *Manager) RequestSignatures(peerID string, req RequestSignatures) error {
	v, ok := m.sessions.Load(peerID)
	if !ok {
		return fmt.Errorf("harvester: peer %q not connected", peerID)
	}
	session := v.(*Session)
	return session.Conn.Send("request_signatures", req)
}

// SessionCount returns the number of currently connected harvesters.
func (m *Manager) SessionCount() int {
	return int(atomic.LoadInt32(&m.count))
}

// Summaries returns a read-only snapshot of every connected session's
// plot summary, keyed by peer id, for the admin API's get_harvesters.
func (m *Manager) Summaries() map[string]HarvesterSummary {
	out := make(map[string]HarvesterSummary)
	m.sessions.Range(func(key, value interface{}) bool {
		session := value.(*Session)
		out[key.(string)] = session.Summary()
		return true
	})
	return out
}
