package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/presence-relay/internal/models"
)

type RoomPeersResponse struct {
	RoomID string            `json:"roomId"`
	Size   int64             `json:"size"`
	Peers  []models.PeerInfo `json:"peers"`
}

type PeerResponse struct {
	models.Peer
	PendingCount int `json:"pendingCount"`
}

// GetRoomPeers lists the live members of a room. Size is the raw set
// cardinality, which can include members whose records already expired.
func (h *Handlers) GetRoomPeers(c *gin.Context) {
	roomID := c.Param("roomId")
	ctx := c.Request.Context()

	peers, err := h.store.ListPeersInRoom(ctx, roomID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	size, err := h.store.RoomSize(ctx, roomID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}

	resp := RoomPeersResponse{RoomID: roomID, Size: size, Peers: make([]models.PeerInfo, 0, len(peers))}
	for _, p := range peers {
		resp.Peers = append(resp.Peers, p.Info())
	}
	c.JSON(http.StatusOK, resp)
}

// GetPeer returns a peer record with its queued request count.
func (h *Handlers) GetPeer(c *gin.Context) {
	peerID := c.Param("peerId")
	ctx := c.Request.Context()

	peer, err := h.store.GetPeer(ctx, peerID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	if peer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Peer not found"})
		return
	}

	pending, err := h.pending.Pending(ctx, peerID)
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, PeerResponse{Peer: *peer, PendingCount: pending})
}

// Sweep runs the reaper once and returns its report.
func (h *Handlers) Sweep(c *gin.Context) {
	report := h.reaper.Sweep(c.Request.Context())
	status := http.StatusOK
	if len(report.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}
