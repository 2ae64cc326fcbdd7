package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EventType names both inbound and outbound real-time events.
type EventType string

const (
	// Inbound
	EventJoin            EventType = "join"
	EventUpdateProfile   EventType = "update-profile"
	EventSignal          EventType = "signal"
	EventTransferRequest EventType = "transfer-request"

	// Outbound (EventSignal is used in both directions)
	EventRoomSnapshot     EventType = "room-snapshot"
	EventPeerJoined       EventType = "peer-joined"
	EventPeerLeft         EventType = "peer-left"
	EventIncomingTransfer EventType = "incoming-transfer-request"
	EventError            EventType = "error"
)

const maxIDLength = 128

// ErrMalformed is wrapped by every validation failure at the event boundary.
var ErrMalformed = errors.New("malformed event")

// Inbound is one of JoinEvent, ProfileEvent, SignalEvent or TransferEvent.
type Inbound interface {
	Type() EventType
}

type JoinEvent struct {
	Room   string
	PeerID string
	Name   string
	Color  string
	Glyph  string
}

type ProfileEvent struct {
	Name  string
	Color string
	Glyph string
}

type SignalEvent struct {
	To       string
	From     string
	Envelope json.RawMessage
}

type TransferEvent struct {
	To       string
	From     string
	Metadata json.RawMessage
}

func (JoinEvent) Type() EventType     { return EventJoin }
func (ProfileEvent) Type() EventType  { return EventUpdateProfile }
func (SignalEvent) Type() EventType   { return EventSignal }
func (TransferEvent) Type() EventType { return EventTransferRequest }

type inboundWire struct {
	Type     EventType       `json:"type"`
	Room     string          `json:"room"`
	PeerID   string          `json:"peerId"`
	Name     string          `json:"name"`
	Color    string          `json:"color"`
	Glyph    string          `json:"glyph"`
	To       string          `json:"to"`
	From     string          `json:"from"`
	Envelope json.RawMessage `json:"envelope"`
	Metadata json.RawMessage `json:"metadata"`
}

// DecodeInbound parses one client event and checks its required fields.
func DecodeInbound(data []byte) (Inbound, error) {
	var w inboundWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return w.toEvent()
}

func (w inboundWire) toEvent() (Inbound, error) {
	switch w.Type {
	case EventJoin:
		if err := requireID("room", w.Room); err != nil {
			return nil, err
		}
		if err := requireID("peerId", w.PeerID); err != nil {
			return nil, err
		}
		return JoinEvent{Room: w.Room, PeerID: w.PeerID, Name: w.Name, Color: w.Color, Glyph: w.Glyph}, nil
	case EventUpdateProfile:
		if w.Name == "" && w.Color == "" && w.Glyph == "" {
			return nil, fmt.Errorf("%w: update-profile carries no fields", ErrMalformed)
		}
		return ProfileEvent{Name: w.Name, Color: w.Color, Glyph: w.Glyph}, nil
	case EventSignal:
		if err := requireID("to", w.To); err != nil {
			return nil, err
		}
		if isEmptyJSON(w.Envelope) {
			return nil, fmt.Errorf("%w: signal requires an envelope", ErrMalformed)
		}
		return SignalEvent{To: w.To, From: w.From, Envelope: w.Envelope}, nil
	case EventTransferRequest:
		if err := requireID("to", w.To); err != nil {
			return nil, err
		}
		if isEmptyJSON(w.Metadata) {
			return nil, fmt.Errorf("%w: transfer-request requires metadata", ErrMalformed)
		}
		return TransferEvent{To: w.To, From: w.From, Metadata: w.Metadata}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, w.Type)
	}
}

func requireID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s is required", ErrMalformed, field)
	}
	if len(value) > maxIDLength {
		return fmt.Errorf("%w: %s longer than %d bytes", ErrMalformed, field, maxIDLength)
	}
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Outbound is every event the relay sends to a client. ID lets clients on
// the at-least-once fallback path drop duplicates.
type Outbound struct {
	ID       string          `json:"id"`
	Type     EventType       `json:"type"`
	Peers    []PeerInfo      `json:"peers,omitempty"`
	Peer     *PeerInfo       `json:"peer,omitempty"`
	PeerID   string          `json:"peerId,omitempty"`
	From     string          `json:"from,omitempty"`
	Envelope json.RawMessage `json:"envelope,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Error    string          `json:"error,omitempty"`
}

func newOutbound(t EventType) Outbound {
	return Outbound{ID: uuid.NewString(), Type: t}
}

func NewRoomSnapshot(peers []Peer) Outbound {
	msg := newOutbound(EventRoomSnapshot)
	msg.Peers = make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		msg.Peers = append(msg.Peers, p.Info())
	}
	return msg
}

func NewPeerJoined(p Peer) Outbound {
	msg := newOutbound(EventPeerJoined)
	info := p.Info()
	msg.Peer = &info
	return msg
}

func NewPeerLeft(peerID string) Outbound {
	msg := newOutbound(EventPeerLeft)
	msg.PeerID = peerID
	return msg
}

func NewSignal(from string, envelope []byte) Outbound {
	msg := newOutbound(EventSignal)
	msg.From = from
	msg.Envelope = envelope
	return msg
}

func NewIncomingTransfer(from string, metadata []byte) Outbound {
	msg := newOutbound(EventIncomingTransfer)
	msg.From = from
	msg.Metadata = metadata
	return msg
}

func NewError(text string) Outbound {
	msg := newOutbound(EventError)
	msg.Error = text
	return msg
}
