package events

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub re-publishes Bus events over websocket connections, one per
// chain topic, for external consumers (e.g. a monitoring UI) that
// cannot hold an in-process subscription.
type Hub struct {
	bus      *Bus
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewHub(bus *Bus, logger *zap.Logger) *Hub {
	return &Hub{
		bus: bus,
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and streams every event published
// for the "chain" query parameter until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	chain := r.URL.Query().Get("chain")
	if chain == "" {
		http.Error(w, "missing chain query parameter", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("events: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub, cancel := h.bus.Subscribe(chain)
	defer cancel()

	for ev := range sub {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
