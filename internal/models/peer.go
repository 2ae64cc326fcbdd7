package models

import "time"

// Peer is the presence record kept for one client-supplied peer id.
type Peer struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Color        string `json:"color"`
	Glyph        string `json:"glyph"`
	Online       bool   `json:"online"`
	SessionID    string `json:"sessionId"`
	RoomID       string `json:"roomId,omitempty"`
	LastActivity int64  `json:"lastActivity"` // unix milliseconds
}

// PeerInfo is the part of a Peer that other clients get to see.
type PeerInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Glyph  string `json:"glyph"`
	Online bool   `json:"online"`
}

func (p Peer) Info() PeerInfo {
	return PeerInfo{
		ID:     p.ID,
		Name:   p.Name,
		Color:  p.Color,
		Glyph:  p.Glyph,
		Online: p.Online,
	}
}

// LastActive returns LastActivity as a time.Time.
func (p Peer) LastActive() time.Time {
	return time.UnixMilli(p.LastActivity)
}

// IsStale reports whether an online peer has shown no activity for longer
// than threshold.
func (p Peer) IsStale(now time.Time, threshold time.Duration) bool {
	return p.Online && now.Sub(p.LastActive()) > threshold
}
