package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/presence-relay/internal/fallback"
	"github.com/mossy-p/presence-relay/internal/models"
)

type ProbeRequest struct {
	SessionID       string `json:"sessionId" binding:"required,max=128"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

type ProbeResponse struct {
	SessionID       string `json:"sessionId"`
	ClientTimestamp int64  `json:"clientTimestamp"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type PollResponse struct {
	SessionID string            `json:"sessionId"`
	Messages  []models.Outbound `json:"messages"`
}

type SubmitRequest struct {
	SessionID string            `json:"sessionId" binding:"required,max=128"`
	Messages  []json.RawMessage `json:"messages" binding:"required"`
}

type SubmitResponse struct {
	AcceptedCount int    `json:"acceptedCount"`
	Error         string `json:"error,omitempty"`
}

// Probe opens or refreshes a fallback session.
func (h *Handlers) Probe(c *gin.Context) {
	var req ProbeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now, err := h.fallback.Probe(req.SessionID)
	if errors.Is(err, fallback.ErrSessionTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "Session id already in use"})
		return
	}
	c.JSON(http.StatusOK, ProbeResponse{
		SessionID:       req.SessionID,
		ClientTimestamp: req.ClientTimestamp,
		ServerTimestamp: now.UnixMilli(),
	})
}

// Poll returns the messages waiting for a fallback session.
func (h *Handlers) Poll(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sessionId is required"})
		return
	}

	msgs, err := h.fallback.Poll(sessionID, c.Query("ack"))
	if errors.Is(err, fallback.ErrUnknownSession) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	c.JSON(http.StatusOK, PollResponse{SessionID: sessionID, Messages: msgs})
}

// Submit dispatches a batch of inbound events for a fallback session.
func (h *Handlers) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted, err := h.fallback.Submit(c.Request.Context(), req.SessionID, req.Messages)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, SubmitResponse{AcceptedCount: accepted})
	case errors.Is(err, fallback.ErrUnknownSession):
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
	case unavailable(err):
		c.JSON(http.StatusServiceUnavailable, SubmitResponse{AcceptedCount: accepted, Error: errorText(err)})
	default:
		h.abortWithError(c, err)
	}
}
