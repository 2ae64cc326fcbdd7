package relay

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// scheduleGrace arranges for peerID's record to be deleted once the grace
// period passes, unless a rejoin cancels it first. The deletion re-checks
// that the record is still offline and still bound to sessionID.
func (r *Relay) scheduleGrace(peerID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.grace[peerID]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(r.opts.GracePeriod, func() {
		r.mu.Lock()
		if r.grace[peerID] != t {
			r.mu.Unlock()
			return
		}
		delete(r.grace, peerID)
		r.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), r.opts.BackgroundTimeout)
		defer cancel()
		deleted, err := r.store.DeleteOffline(ctx, peerID, sessionID)
		if err != nil {
			r.logger.Warn("Grace deletion failed, leaving record to TTL", zap.String("peer_id", peerID), zap.Error(err))
			return
		}
		if deleted {
			r.logger.Info("Deleted peer after grace period", zap.String("peer_id", peerID))
		}
	})
	r.grace[peerID] = t
}

// cancelGrace stops a pending deletion for peerID, if any.
func (r *Relay) cancelGrace(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.grace[peerID]; ok {
		t.Stop()
		delete(r.grace, peerID)
		r.logger.Debug("Cancelled grace deletion on rejoin", zap.String("peer_id", peerID))
	}
}

// PendingDeletions returns how many grace timers are armed.
func (r *Relay) PendingDeletions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.grace)
}

// startHeartbeat keeps the record of a live session fresh so the reaper
// never mistakes it for a crashed one. It stops by itself once the session
// no longer owns the record.
func (r *Relay) startHeartbeat(sessionID, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if old, ok := r.liveness[sessionID]; ok {
		old.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(r.opts.HeartbeatInterval, func() {
		// t is assigned under r.mu; read it the same way.
		r.mu.Lock()
		self := t
		r.mu.Unlock()
		r.heartbeat(sessionID, peerID, self)
	})
	r.liveness[sessionID] = t
}

func (r *Relay) heartbeat(sessionID, peerID string, t *time.Timer) {
	r.mu.Lock()
	current := r.liveness[sessionID] == t
	r.mu.Unlock()
	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.BackgroundTimeout)
	defer cancel()
	ok, err := r.store.Touch(ctx, peerID, sessionID, r.opts.Now())
	if err != nil {
		r.logger.Warn("Heartbeat refresh failed", zap.String("peer_id", peerID), zap.Error(err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.liveness[sessionID] != t {
		return
	}
	if err == nil && !ok {
		delete(r.liveness, sessionID)
		r.logger.Debug("Session no longer owns peer record, stopping heartbeat",
			zap.String("peer_id", peerID), zap.String("session_id", sessionID))
		return
	}
	t.Reset(r.opts.HeartbeatInterval)
}

// ActiveHeartbeats returns how many sessions are being kept fresh.
func (r *Relay) ActiveHeartbeats() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.liveness)
}
