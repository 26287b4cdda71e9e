package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/taskcal/taskcal/internal/calsync"
	"github.com/taskcal/taskcal/internal/daemon"
)

// Handler turns coordinator notifications and daemon sweeps into dashboard
// messages.
type Handler struct {
	server *Server
	coord  *calsync.Coordinator
	logger *log.Logger
}

// NewHandler creates a handler that broadcasts through server. coord is
// used for statistics refreshes and may be nil.
func NewHandler(server *Server, coord *calsync.Coordinator, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, coord: coord, logger: logger}
}

// Attach subscribes the handler to the coordinator and, when d is not nil,
// to the daemon's sweeps.
func (h *Handler) Attach(d *daemon.Daemon) {
	if h.coord != nil {
		h.coord.Subscribe(h.OnNotification)
	}
	if d != nil {
		d.OnSweep(h.OnSweep)
	}
}

// OnNotification broadcasts one coordinator notification. It runs with the
// task lock held and never blocks.
func (h *Handler) OnNotification(n calsync.Notification) {
	msgType := MessageTypeSyncResult
	switch n.Kind {
	case calsync.KindConflict:
		msgType = MessageTypeConflict
	case calsync.KindFailed:
		msgType = MessageTypeSyncFailed
	}
	h.send(msgType, n, n.At)

	// Link counts only move when links come and go.
	if n.Kind == calsync.KindEnabled || n.Kind == calsync.KindDisabled {
		go h.broadcastStats()
	}
}

// OnSweep broadcasts a finished daemon sweep followed by fresh statistics.
func (h *Handler) OnSweep(res *daemon.SweepResult) {
	h.logger.Printf("Sweep %s: %d processed, %d failed", res.Kind, res.Processed, res.Failed)
	h.send(MessageTypeSweepComplete, res, res.StartedAt.Add(res.Duration))
	go h.broadcastStats()
}

func (h *Handler) broadcastStats() {
	if h.coord == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stats, err := h.coord.Statistics(ctx)
	if err != nil {
		h.logger.Printf("Failed to load statistics: %v", err)
		return
	}
	h.send(MessageTypeStats, stats, stats.GeneratedAt)
}

func (h *Handler) send(msgType MessageType, data any, at time.Time) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", msgType, err)
		return
	}
	h.server.Broadcast(Message{Type: msgType, Timestamp: at, Data: dataJSON})
}
