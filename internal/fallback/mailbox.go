package fallback

import (
	"sync"
	"time"

	"github.com/mossy-p/presence-relay/internal/models"
)

// Mailbox buffers outbound events for a session that polls over HTTP.
// Messages stay until the client acknowledges them, so a lost poll response
// is redelivered on the next poll.
type Mailbox struct {
	sessionID string
	size      int

	mu       sync.Mutex
	msgs     []models.Outbound
	lastSeen time.Time
	closed   bool
}

func newMailbox(sessionID string, size int, now time.Time) *Mailbox {
	return &Mailbox{sessionID: sessionID, size: size, lastSeen: now}
}

// Send implements registry.Conn. A full mailbox refuses the message, which
// makes the relay queue envelopes durably instead.
func (m *Mailbox) Send(msg models.Outbound) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || len(m.msgs) >= m.size {
		return false
	}
	m.msgs = append(m.msgs, msg)
	return true
}

func (m *Mailbox) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.msgs = nil
}

// ack drops every message up to and including id. Unknown ids drop nothing.
func (m *Mailbox) ack(id string) {
	for i, msg := range m.msgs {
		if msg.ID == id {
			m.msgs = append([]models.Outbound(nil), m.msgs[i+1:]...)
			return
		}
	}
}

// poll acknowledges ackID, if any, and returns a copy of what is left.
func (m *Mailbox) poll(ackID string, now time.Time) ([]models.Outbound, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	m.lastSeen = now
	if ackID != "" {
		m.ack(ackID)
	}
	out := make([]models.Outbound, len(m.msgs))
	copy(out, m.msgs)
	return out, true
}

func (m *Mailbox) touch(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.lastSeen = now
	return true
}

func (m *Mailbox) idleSince() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSeen
}

func (m *Mailbox) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
