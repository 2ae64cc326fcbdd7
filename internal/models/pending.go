package models

import "time"

// PendingKind tells a replaying relay which outbound event to produce.
type PendingKind string

const (
	PendingSignal   PendingKind = "signal"
	PendingTransfer PendingKind = "transfer-request"
)

// PendingRequest is an envelope held for a receiver that was unreachable
// when it was sent.
type PendingRequest struct {
	RequestID  string      `msgpack:"id" json:"requestId"`
	SenderID   string      `msgpack:"from" json:"senderId"`
	ReceiverID string      `msgpack:"to" json:"receiverId"`
	Kind       PendingKind `msgpack:"kind" json:"kind"`
	Payload    []byte      `msgpack:"payload" json:"payload"`
	CreatedAt  time.Time   `msgpack:"created" json:"createdAt"`
	ExpiresAt  time.Time   `msgpack:"expires" json:"expiresAt"`
}

// Expired reports whether the request can no longer be delivered at now.
// A request is deliverable strictly before ExpiresAt.
func (r PendingRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Replay converts the request into the event its receiver should see.
func (r PendingRequest) Replay() Outbound {
	if r.Kind == PendingTransfer {
		return NewIncomingTransfer(r.SenderID, r.Payload)
	}
	return NewSignal(r.SenderID, r.Payload)
}
