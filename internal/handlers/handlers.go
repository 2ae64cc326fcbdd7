// Package handlers exposes the relay over HTTP: the websocket endpoint,
// the polling fallback, health and the admin surface.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mossy-p/presence-relay/internal/fallback"
	"github.com/mossy-p/presence-relay/internal/models"
	"github.com/mossy-p/presence-relay/internal/presence"
	"github.com/mossy-p/presence-relay/internal/queue"
	"github.com/mossy-p/presence-relay/internal/reaper"
	"github.com/mossy-p/presence-relay/internal/registry"
	"go.uber.org/zap"
)

// requestTimeout bounds store work done on behalf of one inbound event.
const requestTimeout = 5 * time.Second

type Relay interface {
	Connect(sessionID string, conn registry.Conn)
	Dispatch(ctx context.Context, sessionID string, ev models.Inbound) error
	Disconnect(ctx context.Context, sessionID string) error
}

type Store interface {
	Ping(ctx context.Context) error
	GetPeer(ctx context.Context, peerID string) (*models.Peer, error)
	ListPeersInRoom(ctx context.Context, roomID string) ([]models.Peer, error)
	RoomSize(ctx context.Context, roomID string) (int64, error)
}

type PendingCounter interface {
	Pending(ctx context.Context, receiverID string) (int, error)
}

type Sweeper interface {
	Sweep(ctx context.Context) reaper.Report
}

type Deps struct {
	Relay    Relay
	Fallback *fallback.Hub
	Store    Store
	Pending  PendingCounter
	Reaper   Sweeper
	Logger   *zap.Logger
}

type Handlers struct {
	relay    Relay
	fallback *fallback.Hub
	store    Store
	pending  PendingCounter
	reaper   Sweeper
	logger   *zap.Logger
}

func New(d Deps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		relay:    d.Relay,
		fallback: d.Fallback,
		store:    d.Store,
		pending:  d.Pending,
		reaper:   d.Reaper,
		logger:   logger,
	}
}

// Health reports whether the presence store answers.
func (h *Handlers) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.logger.Warn("Health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "presenceStore": "unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "presenceStore": "reachable"})
}

func unavailable(err error) bool {
	return errors.Is(err, presence.ErrUnavailable) || errors.Is(err, queue.ErrUnavailable)
}

// errorText is what a client is told about a failed event.
func errorText(err error) string {
	switch {
	case errors.Is(err, models.ErrMalformed):
		return err.Error()
	case unavailable(err):
		return "presence store unavailable, try again"
	default:
		return "internal error"
	}
}

// abortWithError writes the JSON error for a store-backed request.
func (h *Handlers) abortWithError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrMalformed):
		status = http.StatusBadRequest
	case unavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorText(err)})
}
