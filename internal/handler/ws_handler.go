package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/ridecore/dispatch/internal/presence"
	"github.com/ridecore/dispatch/internal/pushfanout"
)

// WSHandler upgrades /ws/{role}/{id} to a push-channel websocket
// connection and keeps presence in sync with the connection's lifetime.
type WSHandler struct {
	Hub      *pushfanout.Hub
	Presence *presence.Registry
	upgrader websocket.Upgrader
}

// NewWSHandler constructs a WSHandler. The upgrader accepts every
// origin; any origin checking is left to a reverse proxy in front of the
// server.
func NewWSHandler(hub *pushfanout.Hub, pres *presence.Registry) *WSHandler {
	return &WSHandler{
		Hub:      hub,
		Presence: pres,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type wsIncoming struct {
	Type string `json:"type"`
}

type wsPong struct {
	Type string `json:"type"`
}

// Serve handles GET /ws/{role}/{id}. role is one of captain, user, order,
// ride; id is the corresponding subject's identifier. Only captain and
// user roles update the presence registry — order/ride connections are
// read-only trackers a client opens to watch one job's events.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	role := vars["role"]
	id := vars["id"]

	group, presenceRole, tracksPresence := groupForRole(role, id)
	if group == "" {
		http.Error(w, "unknown role", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade failed role=%s id=%s: %v", role, id, err)
		return
	}
	defer conn.Close()

	if tracksPresence {
		h.Presence.Join(presenceRole, id)
		defer h.Presence.Leave(presenceRole, id)
	}

	sub := h.Hub.Join(conn, group)
	defer sub.Close()

	relayCtx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go h.Hub.RelayRemote(relayCtx, group)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsIncoming
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			_ = conn.WriteJSON(wsPong{Type: "pong"})
		}
	}
}

func groupForRole(role, id string) (group string, presenceRole presence.Role, tracksPresence bool) {
	switch role {
	case "captain":
		return pushfanout.CaptainGroup(id), presence.RoleCaptain, true
	case "user":
		return pushfanout.UserGroup(id), presence.RoleUser, true
	case "order":
		return pushfanout.OrderGroup(id), "", false
	case "ride":
		return pushfanout.RideGroup(id), "", false
	default:
		return "", "", false
	}
}
