// Package pushfanout implements the typed push-event fanout (C6):
// publishers send events to named groups, subscribers join groups on
// connect and leave on disconnect, delivery is best-effort at-most-once.
// The event envelope and group-naming scheme is adapted from the
// WSMessage/session-group taxonomy used for ride negotiation sessions.
package pushfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ridecore/dispatch/pkg/pubsub"
)

// EventType enumerates the push events the matcher, state machine, and
// cancellation engine emit.
type EventType string

const (
	EventJobOffer       EventType = "job_offer"
	EventJobAssigned    EventType = "job_assigned"
	EventJobStatus      EventType = "job_status"
	EventLocationUpdate EventType = "location_update"
	EventChatMessage    EventType = "chat_message"
)

// Event is the envelope delivered to every subscriber of a group.
type Event struct {
	Type      EventType   `json:"type"`
	GroupID   string      `json:"group_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// CaptainGroup, UserGroup, OrderGroup and RideGroup build the canonical
// group identifiers subscribers join.
func CaptainGroup(captainID string) string { return fmt.Sprintf("captain_%s", captainID) }
func UserGroup(userID string) string       { return fmt.Sprintf("user_%s", userID) }
func OrderGroup(orderID string) string     { return fmt.Sprintf("order_%s", orderID) }
func RideGroup(rideID string) string       { return fmt.Sprintf("ride_%s", rideID) }

// connection wraps a single websocket connection with a serializing
// write lock — gorilla/websocket forbids concurrent writers on one conn.
type connection struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *connection) send(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(ev)
}

// Hub fans out typed events to per-group connection sets. One Hub is
// shared by the whole server process.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[*connection]struct{}
	bus    *pubsub.Bus
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{groups: map[string]map[*connection]struct{}{}}
}

// WithBus attaches a cross-instance Redis Pub/Sub bus: Publish calls also
// fan out through the bus so a connection held by a different server
// process still receives the event.
func (h *Hub) WithBus(bus *pubsub.Bus) *Hub {
	h.bus = bus
	return h
}

// RelayRemote subscribes to groupID's bus channel and delivers every
// message received from other instances to this instance's local
// connections, without re-publishing to the bus. Runs until ctx is
// cancelled; callers typically invoke it once per group right after the
// first local Join.
func (h *Hub) RelayRemote(ctx context.Context, groupID string) {
	if h.bus == nil {
		return
	}
	for raw := range h.bus.Subscribe(ctx, groupID) {
		var ev Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			log.Printf("pushfanout: decode remote event for group=%s: %v", groupID, err)
			continue
		}
		h.deliverLocal(ev)
	}
}

// Subscription is returned by Join; callers must call Close on
// disconnect to remove the connection from every joined group.
type Subscription struct {
	hub    *Hub
	conn   *connection
	groups []string
}

// Join registers ws as a member of each named group.
func (h *Hub) Join(ws *websocket.Conn, groupIDs ...string) *Subscription {
	conn := &connection{ws: ws}
	h.mu.Lock()
	for _, g := range groupIDs {
		set, ok := h.groups[g]
		if !ok {
			set = map[*connection]struct{}{}
			h.groups[g] = set
		}
		set[conn] = struct{}{}
	}
	h.mu.Unlock()
	return &Subscription{hub: h, conn: conn, groups: groupIDs}
}

// JoinGroup adds an already-subscribed connection to an additional group
// (for example a batched-order captain following a second order
// mid-trip); no code in this repository calls it.
func (s *Subscription) JoinGroup(groupID string) {
	s.hub.mu.Lock()
	set, ok := s.hub.groups[groupID]
	if !ok {
		set = map[*connection]struct{}{}
		s.hub.groups[groupID] = set
	}
	set[s.conn] = struct{}{}
	s.hub.mu.Unlock()
	s.groups = append(s.groups, groupID)
}

// Close removes the connection from every group it joined.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for _, g := range s.groups {
		if set, ok := s.hub.groups[g]; ok {
			delete(set, s.conn)
			if len(set) == 0 {
				delete(s.hub.groups, g)
			}
		}
	}
}

// Publish delivers an event to every live connection in groupID.
// Delivery is best-effort: a write failure drops that one connection
// (it is evicted) without affecting the others, and Publish never
// returns an error — state is authoritative in storage, not in the
// push channel.
func (h *Hub) Publish(eventType EventType, groupID string, data interface{}) {
	ev := Event{Type: eventType, GroupID: groupID, Data: data, Timestamp: time.Now().UTC()}
	h.deliverLocal(ev)
	if h.bus != nil {
		h.bus.Publish(context.Background(), groupID, ev)
	}
}

func (h *Hub) deliverLocal(ev Event) {
	h.mu.RLock()
	conns := make([]*connection, 0, len(h.groups[ev.GroupID]))
	for c := range h.groups[ev.GroupID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.send(ev); err != nil {
			log.Printf("pushfanout: delivery failed for group=%s event=%s: %v, evicting connection", ev.GroupID, ev.Type, err)
			h.evict(ev.GroupID, c)
		}
	}
}

func (h *Hub) evict(groupID string, c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.groups[groupID]; ok {
		delete(set, c)
	}
}

// GroupSize reports how many live connections are in groupID, mainly
// for metrics and tests.
func (h *Hub) GroupSize(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// MarshalForLog renders an event as compact JSON for structured log
// fields when push delivery is traced.
func MarshalForLog(ev Event) string {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Sprintf("<unmarshalable event: %v>", err)
	}
	return string(b)
}
