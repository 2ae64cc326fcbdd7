// Package relay implements the signaling protocol: join, profile updates,
// envelope forwarding with store-and-forward fallback, and disconnect.
//
// Events for the same peer may interleave across sessions. Nothing here
// takes a lock across store calls; correctness comes from session-bound,
// last-write-wins updates in the presence store.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/mossy-p/presence-relay/internal/registry"
	"github.com/mossy-p/presence-relay/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// PresenceStore is the subset of the presence store the relay uses.
type PresenceStore interface {
	UpsertPeer(ctx context.Context, p models.Peer) error
	GetPeer(ctx context.Context, peerID string) (*models.Peer, error)
	GetPeerBySession(ctx context.Context, sessionID string) (*models.Peer, error)
	ListPeersInRoom(ctx context.Context, roomID string) ([]models.Peer, error)
	AddToRoom(ctx context.Context, roomID, peerID string) error
	RemoveFromRoom(ctx context.Context, roomID, peerID string) error
	SetOffline(ctx context.Context, peerID, sessionID string) (*models.Peer, error)
	UpdateProfile(ctx context.Context, sessionID, name, color, glyph string, now time.Time) (*models.Peer, error)
	Touch(ctx context.Context, peerID, sessionID string, now time.Time) (bool, error)
	DeleteOffline(ctx context.Context, peerID, sessionID string) (bool, error)
}

// PendingQueue is the subset of the pending request queue the relay uses.
type PendingQueue interface {
	NewRequest(kind models.PendingKind, senderID, receiverID string, payload []byte) models.PendingRequest
	Enqueue(ctx context.Context, req models.PendingRequest) error
	Drain(ctx context.Context, receiverID string) ([]models.PendingRequest, error)
}

type Options struct {
	// GracePeriod is how long an offline record survives before deletion.
	GracePeriod time.Duration
	// HeartbeatInterval is how often a live session refreshes its record.
	HeartbeatInterval time.Duration
	// BackgroundTimeout bounds store calls made from timers.
	BackgroundTimeout time.Duration
	Now               func() time.Time
	Metrics           *telemetry.Metrics
}

type joinKey struct {
	room   string
	peerID string
}

type Relay struct {
	store   PresenceStore
	queue   PendingQueue
	conns   *registry.Registry
	opts    Options
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu       sync.Mutex
	joined   map[string]joinKey     // session id -> last join on it
	grace    map[string]*time.Timer // peer id -> pending deletion
	liveness map[string]*time.Timer // session id -> heartbeat
	closed   bool
}

func New(store PresenceStore, queue PendingQueue, conns *registry.Registry, opts Options, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BackgroundTimeout <= 0 {
		opts.BackgroundTimeout = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Relay{
		store:    store,
		queue:    queue,
		conns:    conns,
		opts:     opts,
		metrics:  metrics,
		logger:   logger,
		joined:   make(map[string]joinKey),
		grace:    make(map[string]*time.Timer),
		liveness: make(map[string]*time.Timer),
	}
}

// Registry returns the connection registry the relay delivers through.
func (r *Relay) Registry() *registry.Registry {
	return r.conns
}

// Connect registers a transport session.
func (r *Relay) Connect(sessionID string, conn registry.Conn) {
	r.conns.Register(sessionID, conn)
	r.logger.Debug("Session connected", zap.String("session_id", sessionID))
}

// Session returns the connection registered for sessionID.
func (r *Relay) Session(sessionID string) (registry.Conn, bool) {
	return r.conns.Get(sessionID)
}

// Dispatch routes a decoded inbound event from sessionID.
func (r *Relay) Dispatch(ctx context.Context, sessionID string, ev models.Inbound) error {
	switch e := ev.(type) {
	case models.JoinEvent:
		_, err := r.Join(ctx, sessionID, e)
		return err
	case models.ProfileEvent:
		return r.UpdateProfile(ctx, sessionID, e)
	case models.SignalEvent:
		return r.RelaySignal(ctx, sessionID, e)
	case models.TransferEvent:
		return r.AnnounceTransfer(ctx, sessionID, e)
	default:
		return fmt.Errorf("%w: unsupported event %T", models.ErrMalformed, ev)
	}
}

// Join puts the peer online in ev.Room on behalf of sessionID, replays its
// queued envelopes and returns the room snapshot. A repeat of the same join
// on the same session returns nil, nil and changes nothing.
func (r *Relay) Join(ctx context.Context, sessionID string, ev models.JoinEvent) ([]models.Peer, error) {
	key := joinKey{room: ev.Room, peerID: ev.PeerID}

	r.mu.Lock()
	prevKey, hadPrev := r.joined[sessionID]
	if hadPrev && prevKey == key {
		r.mu.Unlock()
		return nil, nil
	}
	r.joined[sessionID] = key
	r.mu.Unlock()

	var released *joinKey
	if hadPrev && prevKey.peerID != ev.PeerID {
		released = &prevKey
	}
	peers, err := r.join(ctx, sessionID, ev, released)
	if err != nil {
		r.mu.Lock()
		if r.joined[sessionID] == key {
			if hadPrev {
				r.joined[sessionID] = prevKey
			} else {
				delete(r.joined, sessionID)
			}
		}
		r.mu.Unlock()
		return nil, err
	}
	return peers, nil
}

// join does the work of Join. released is the peer the session carried
// before, if it now joins as someone else.
func (r *Relay) join(ctx context.Context, sessionID string, ev models.JoinEvent, released *joinKey) ([]models.Peer, error) {
	if released != nil {
		if _, err := r.release(ctx, released.peerID, released.room, sessionID); err != nil {
			return nil, err
		}
	}
	r.cancelGrace(ev.PeerID)

	prev, err := r.store.GetPeer(ctx, ev.PeerID)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.RoomID != "" && prev.RoomID != ev.Room {
		if err := r.store.RemoveFromRoom(ctx, prev.RoomID, ev.PeerID); err != nil {
			return nil, err
		}
		if prev.Online {
			r.notifyRoom(ctx, prev.RoomID, ev.PeerID, models.NewPeerLeft(ev.PeerID))
		}
	}

	now := r.opts.Now()
	peer := models.Peer{
		ID:           ev.PeerID,
		Name:         ev.Name,
		Color:        ev.Color,
		Glyph:        ev.Glyph,
		Online:       true,
		SessionID:    sessionID,
		RoomID:       ev.Room,
		LastActivity: now.UnixMilli(),
	}
	if err := r.store.UpsertPeer(ctx, peer); err != nil {
		return nil, err
	}
	if err := r.store.AddToRoom(ctx, ev.Room, ev.PeerID); err != nil {
		return nil, err
	}

	conn, live := r.conns.Get(sessionID)
	r.replayPending(ctx, peer, conn, live, now)

	peers, err := r.store.ListPeersInRoom(ctx, ev.Room)
	if err != nil {
		return nil, err
	}
	if live {
		r.send(conn, sessionID, models.NewRoomSnapshot(peers))
	}
	r.broadcast(peers, ev.PeerID, models.NewPeerJoined(peer))

	r.startHeartbeat(sessionID, ev.PeerID)
	r.metrics.Joins.Add(ctx, 1)
	r.logger.Info("Peer joined room",
		zap.String("peer_id", ev.PeerID),
		zap.String("room_id", ev.Room),
		zap.String("session_id", sessionID),
		zap.Int("room_size", len(peers)))
	return peers, nil
}

// replayPending drains the peer's queue onto conn. A failed drain leaves the
// entries where they are for the next join.
func (r *Relay) replayPending(ctx context.Context, peer models.Peer, conn registry.Conn, live bool, now time.Time) {
	if !live {
		return
	}
	reqs, err := r.queue.Drain(ctx, peer.ID)
	if err != nil {
		r.logger.Warn("Failed to drain pending requests", zap.String("peer_id", peer.ID), zap.Error(err))
		return
	}

	replayed := 0
	for _, req := range reqs {
		if req.Expired(now) {
			continue
		}
		if !conn.Send(req.Replay()) {
			// Send buffer is full; put it back rather than lose it.
			if err := r.queue.Enqueue(ctx, req); err != nil {
				r.logger.Warn("Failed to requeue pending request", zap.String("request_id", req.RequestID), zap.Error(err))
			}
			continue
		}
		replayed++
	}
	if replayed > 0 {
		r.metrics.PendingReplayed.Add(ctx, int64(replayed))
		r.logger.Info("Replayed pending requests", zap.String("peer_id", peer.ID), zap.Int("count", replayed))
	}
}

// UpdateProfile changes the display fields of the peer bound to sessionID
// and tells the room. Unknown sessions are ignored.
func (r *Relay) UpdateProfile(ctx context.Context, sessionID string, ev models.ProfileEvent) error {
	peer, err := r.store.UpdateProfile(ctx, sessionID, ev.Name, ev.Color, ev.Glyph, r.opts.Now())
	if err != nil {
		return err
	}
	if peer == nil {
		r.logger.Debug("Profile update for unknown session", zap.String("session_id", sessionID))
		return nil
	}
	if peer.RoomID != "" {
		r.notifyRoom(ctx, peer.RoomID, peer.ID, models.NewPeerJoined(*peer))
	}
	return nil
}

// RelaySignal forwards an envelope to ev.To, or queues it when the target
// cannot be reached right now.
func (r *Relay) RelaySignal(ctx context.Context, sessionID string, ev models.SignalEvent) error {
	from, err := r.sender(ctx, sessionID, ev.From)
	if err != nil {
		return err
	}
	return r.deliver(ctx, from, ev.To, models.PendingSignal, ev.Envelope, models.NewSignal(from, ev.Envelope))
}

// AnnounceTransfer forwards a transfer announcement the same way.
func (r *Relay) AnnounceTransfer(ctx context.Context, sessionID string, ev models.TransferEvent) error {
	from, err := r.sender(ctx, sessionID, ev.From)
	if err != nil {
		return err
	}
	return r.deliver(ctx, from, ev.To, models.PendingTransfer, ev.Metadata, models.NewIncomingTransfer(from, ev.Metadata))
}

// sender prefers the peer bound to the session over what the client claims.
func (r *Relay) sender(ctx context.Context, sessionID, claimed string) (string, error) {
	r.mu.Lock()
	key, ok := r.joined[sessionID]
	r.mu.Unlock()
	if ok {
		return key.peerID, nil
	}

	p, err := r.store.GetPeerBySession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if p != nil {
		return p.ID, nil
	}
	if claimed == "" {
		return "", fmt.Errorf("%w: sender unknown, join first or set from", models.ErrMalformed)
	}
	return claimed, nil
}

func (r *Relay) deliver(ctx context.Context, from, to string, kind models.PendingKind, payload []byte, msg models.Outbound) error {
	target, err := r.store.GetPeer(ctx, to)
	if err != nil {
		return err
	}
	if target != nil && target.Online {
		if conn, ok := r.conns.Get(target.SessionID); ok && conn.Send(msg) {
			r.metrics.SignalsForwarded.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
			r.logger.Debug("Forwarded envelope",
				zap.String("from", from), zap.String("to", to), zap.String("kind", string(kind)))
			return nil
		}
	}

	req := r.queue.NewRequest(kind, from, to, payload)
	if err := r.queue.Enqueue(ctx, req); err != nil {
		return err
	}
	r.metrics.SignalsQueued.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
	r.logger.Info("Queued envelope for unreachable peer",
		zap.String("from", from), zap.String("to", to),
		zap.String("kind", string(kind)), zap.String("request_id", req.RequestID))
	return nil
}

// Disconnect tears down sessionID. The registry entry and timers always go;
// the peer record is only touched if it still belongs to this session.
func (r *Relay) Disconnect(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if t, ok := r.liveness[sessionID]; ok {
		t.Stop()
		delete(r.liveness, sessionID)
	}
	delete(r.joined, sessionID)
	r.mu.Unlock()

	if conn, ok := r.conns.Unregister(sessionID); ok {
		conn.Close()
	}

	peer, err := r.store.GetPeerBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	if peer == nil {
		return nil
	}

	_, err = r.release(ctx, peer.ID, peer.RoomID, sessionID)
	return err
}

// release takes peerID offline on behalf of sessionID, tells roomID and
// schedules grace deletion. It reports false when a newer session owns the
// record, in which case nothing changes.
func (r *Relay) release(ctx context.Context, peerID, roomID, sessionID string) (bool, error) {
	updated, err := r.store.SetOffline(ctx, peerID, sessionID)
	if err != nil {
		return false, err
	}
	if updated == nil {
		return false, nil
	}

	if roomID != "" {
		r.notifyRoom(ctx, roomID, peerID, models.NewPeerLeft(peerID))
	}
	r.scheduleGrace(peerID, sessionID)

	r.logger.Info("Peer left room",
		zap.String("peer_id", peerID),
		zap.String("room_id", roomID),
		zap.String("session_id", sessionID))
	return true, nil
}

// NotifyLeft tells peer's former room that it is gone. The reaper uses it
// after removing a stale record.
func (r *Relay) NotifyLeft(ctx context.Context, peer models.Peer) {
	if peer.RoomID == "" {
		return
	}
	r.notifyRoom(ctx, peer.RoomID, peer.ID, models.NewPeerLeft(peer.ID))
}

func (r *Relay) notifyRoom(ctx context.Context, roomID, excludePeerID string, msg models.Outbound) {
	peers, err := r.store.ListPeersInRoom(ctx, roomID)
	if err != nil {
		r.logger.Warn("Failed to list room for broadcast", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	r.broadcast(peers, excludePeerID, msg)
}

func (r *Relay) broadcast(peers []models.Peer, excludePeerID string, msg models.Outbound) {
	for _, p := range peers {
		if p.ID == excludePeerID || !p.Online || p.SessionID == "" {
			continue
		}
		conn, ok := r.conns.Get(p.SessionID)
		if !ok {
			continue
		}
		r.send(conn, p.SessionID, msg)
	}
}

func (r *Relay) send(conn registry.Conn, sessionID string, msg models.Outbound) {
	if !conn.Send(msg) {
		r.logger.Warn("Failed to send message, buffer full",
			zap.String("session_id", sessionID), zap.String("type", string(msg.Type)))
	}
}

// Shutdown stops every grace and heartbeat timer. Records are left to their
// TTLs.
func (r *Relay) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for id, t := range r.grace {
		t.Stop()
		delete(r.grace, id)
	}
	for id, t := range r.liveness {
		t.Stop()
		delete(r.liveness, id)
	}
}
