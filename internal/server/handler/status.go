package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/swipefeed/internal/market"
	"github.com/alanyoungcy/swipefeed/internal/service"
)

// CacheStatus reports the market cache state.
type CacheStatus interface {
	Status() market.Status
}

// StreamControl exposes the upstream price connection.
type StreamControl interface {
	Stats() service.PriceHubStats
	Restart()
}

// SubscriberCounter reports downstream connection counts.
type SubscriberCounter interface {
	ClientCount() int
	Dropped() int64
}

// StatusHandler serves operational status and the stream restart trigger.
type StatusHandler struct {
	mode        string
	cache       CacheStatus
	stream      StreamControl
	subscribers SubscriberCounter
	logger      *slog.Logger
}

// NewStatusHandler creates a StatusHandler. stream and subscribers may be nil
// when the price stream is disabled.
func NewStatusHandler(mode string, cache CacheStatus, stream StreamControl, subscribers SubscriberCounter, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		mode:        mode,
		cache:       cache,
		stream:      stream,
		subscribers: subscribers,
		logger:      logHandler(logger, "status"),
	}
}

type subscriberStatus struct {
	Connected int   `json:"connected"`
	Dropped   int64 `json:"dropped"`
}

type statusResponse struct {
	Mode        string                 `json:"mode"`
	Cache       *market.Status         `json:"cache,omitempty"`
	Stream      *service.PriceHubStats `json:"stream,omitempty"`
	Subscribers *subscriberStatus      `json:"subscribers,omitempty"`
}

// GetStatus reports cache freshness, upstream connection state, and
// subscriber counts.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Mode: h.mode}
	if h.cache != nil {
		st := h.cache.Status()
		resp.Cache = &st
	}
	if h.stream != nil {
		st := h.stream.Stats()
		resp.Stream = &st
	}
	if h.subscribers != nil {
		resp.Subscribers = &subscriberStatus{
			Connected: h.subscribers.ClientCount(),
			Dropped:   h.subscribers.Dropped(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// RestartStream resets the upstream reconnect counter, reviving a stream
// that gave up.
// POST /api/stream/restart
func (h *StatusHandler) RestartStream(w http.ResponseWriter, r *http.Request) {
	if h.stream == nil {
		writeError(w, http.StatusServiceUnavailable, "price stream disabled")
		return
	}
	h.stream.Restart()
	h.logger.InfoContext(r.Context(), "handler: price stream restart requested",
		slog.String("remote_addr", r.RemoteAddr),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "restarting",
		"stream": h.stream.Stats(),
	})
}
