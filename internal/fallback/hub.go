// Package fallback carries the relay protocol over plain HTTP for clients
// that cannot hold a websocket open: probe, poll and submit.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/mossy-p/presence-relay/internal/registry"
	"github.com/mossy-p/presence-relay/internal/telemetry"
	"go.uber.org/zap"
)

// ErrUnknownSession is returned for sessions that never probed or were
// closed for inactivity.
var ErrUnknownSession = errors.New("unknown fallback session")

// ErrSessionTaken is returned when a probe names a session held by another
// transport.
var ErrSessionTaken = errors.New("session id is bound to another connection")

// Relay is what the hub needs from the signaling relay.
type Relay interface {
	Connect(sessionID string, conn registry.Conn)
	Session(sessionID string) (registry.Conn, bool)
	Dispatch(ctx context.Context, sessionID string, ev models.Inbound) error
	Disconnect(ctx context.Context, sessionID string) error
}

type Options struct {
	MailboxSize int
	IdleTimeout time.Duration
	Now         func() time.Time
	Metrics     *telemetry.Metrics
}

type Hub struct {
	relay   Relay
	opts    Options
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	boxes map[string]*Mailbox
}

func NewHub(relay Relay, opts Options, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &Hub{relay: relay, opts: opts, metrics: metrics, logger: logger, boxes: make(map[string]*Mailbox)}
}

// Probe opens the session on first use, refreshes it afterwards, and returns
// the server time for round-trip estimation.
func (h *Hub) Probe(sessionID string) (time.Time, error) {
	now := h.opts.Now()

	h.mu.Lock()
	box, ok := h.boxes[sessionID]
	if ok && box.touch(now) {
		h.mu.Unlock()
		return now, nil
	}
	if conn, live := h.relay.Session(sessionID); live {
		if _, mine := conn.(*Mailbox); !mine {
			h.mu.Unlock()
			h.logger.Warn("Refusing probe for a session held by another transport", zap.String("session_id", sessionID))
			return time.Time{}, ErrSessionTaken
		}
	}
	box = newMailbox(sessionID, h.opts.MailboxSize, now)
	h.boxes[sessionID] = box
	h.mu.Unlock()

	h.relay.Connect(sessionID, box)
	h.logger.Info("Fallback session opened", zap.String("session_id", sessionID))
	return now, nil
}

// Poll returns the messages waiting for sessionID after dropping those up
// to ackID.
func (h *Hub) Poll(sessionID, ackID string) ([]models.Outbound, error) {
	box := h.lookup(sessionID)
	if box == nil {
		return nil, ErrUnknownSession
	}
	msgs, ok := box.poll(ackID, h.opts.Now())
	if !ok {
		h.forget(sessionID, box)
		return nil, ErrUnknownSession
	}
	return msgs, nil
}

// Submit dispatches a batch of inbound events in order. Malformed events are
// skipped; any other failure stops the batch and is returned together with
// the number accepted so far.
func (h *Hub) Submit(ctx context.Context, sessionID string, batch []json.RawMessage) (int, error) {
	box := h.lookup(sessionID)
	if box == nil || !box.touch(h.opts.Now()) {
		return 0, ErrUnknownSession
	}

	accepted := 0
	defer func() { h.metrics.FallbackSubmitted.Add(ctx, int64(accepted)) }()
	for _, raw := range batch {
		ev, err := models.DecodeInbound(raw)
		if err != nil {
			h.logger.Debug("Skipping malformed fallback message", zap.String("session_id", sessionID), zap.Error(err))
			continue
		}
		if err := h.relay.Dispatch(ctx, sessionID, ev); err != nil {
			if errors.Is(err, models.ErrMalformed) {
				continue
			}
			return accepted, err
		}
		accepted++
	}
	return accepted, nil
}

// CloseIdle disconnects every session that has not probed, polled or
// submitted within the idle timeout.
func (h *Hub) CloseIdle(ctx context.Context) (int, error) {
	cutoff := h.opts.Now().Add(-h.opts.IdleTimeout)

	h.mu.Lock()
	var idle []string
	for id, box := range h.boxes {
		if box.isClosed() || box.idleSince().Before(cutoff) {
			idle = append(idle, id)
			delete(h.boxes, id)
		}
	}
	h.mu.Unlock()

	var errs []error
	for _, id := range idle {
		if err := h.relay.Disconnect(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	if len(idle) > 0 {
		h.logger.Info("Closed idle fallback sessions", zap.Int("count", len(idle)))
	}
	return len(idle), errors.Join(errs...)
}

// Sessions returns the number of open fallback sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.boxes)
}

func (h *Hub) lookup(sessionID string) *Mailbox {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.boxes[sessionID]
}

func (h *Hub) forget(sessionID string, box *Mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.boxes[sessionID] == box {
		delete(h.boxes, sessionID)
	}
}
