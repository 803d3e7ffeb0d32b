package monitoring

import (
	"net/http"

	"tracknet.dev/livetrack/internal/hub"
	"tracknet.dev/livetrack/internal/util"
)

// Handler exposes hub counters and live presence for operators.
type Handler struct {
	h *hub.Hub
}

func NewHandler(h *hub.Hub) *Handler {
	return &Handler{h: h}
}

type status struct {
	Stats    hub.Stats           `json:"stats"`
	Presence []hub.PresenceEntry `json:"presence"`
}

func (m *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	util.JsonWrite(w, status{Stats: m.h.Stats(), Presence: m.h.Presence()})
}
