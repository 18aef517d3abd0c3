// Package websocket is the real-time fan-out: it tracks authenticated
// connections and their rooms and delivers events to every connection in
// the rooms an event targets.
package websocket

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tahcohcat/dengue-tracker/internal/logger"
	"github.com/tahcohcat/dengue-tracker/internal/models"
	"github.com/tahcohcat/dengue-tracker/internal/rooms"
)

// envelope is the wire shape of every outbound message.
type envelope struct {
	Type      models.EventType `json:"type"`
	Payload   any              `json:"payload,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

func encode(t models.EventType, payload any) ([]byte, error) {
	return json.Marshal(envelope{Type: t, Payload: payload, Timestamp: time.Now().UTC()})
}

type registration struct {
	client *Client
	rooms  []string
	ok     chan bool
}

type membership struct {
	client *Client
	room   string
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	OnlineUsers int `json:"online_users"`
	Rooms       int `json:"rooms"`
}

// Hub owns connection and room state. All of it is touched only by the Run
// goroutine; other goroutines talk to it over channels.
type Hub struct {
	router     rooms.Router
	dropBudget int

	register   chan registration
	unregister chan *Client
	join       chan membership
	leave      chan membership
	broadcast  chan models.Event
	inspect    chan func()
	done       chan struct{}

	clients map[*Client]map[string]bool
	rooms   map[string]map[*Client]bool
	online  map[string]int

	log *zap.Logger
}

// NewHub builds a hub. A connection that misses more than dropBudget
// consecutive messages because its send buffer is full is disconnected.
func NewHub(router rooms.Router, dropBudget int) *Hub {
	return &Hub{
		router:     router,
		dropBudget: dropBudget,
		register:   make(chan registration),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		broadcast:  make(chan models.Event, 1024),
		inspect:    make(chan func()),
		done:       make(chan struct{}),
		clients:    make(map[*Client]map[string]bool),
		rooms:      make(map[string]map[*Client]bool),
		online:     make(map[string]int),
		log:        logger.Named("hub"),
	}
}

// Run processes hub traffic until ctx is done, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				c.close()
			}
			h.log.Info("hub stopped", zap.Int("connections", len(h.clients)))
			return

		case reg := <-h.register:
			reg.ok <- h.add(reg.client, reg.rooms)

		case c := <-h.unregister:
			h.remove(c)

		case m := <-h.join:
			h.joinRoom(m.client, m.room)

		case m := <-h.leave:
			h.leaveRoom(m.client, m.room)

		case evt := <-h.broadcast:
			h.deliver(evt)

		case fn := <-h.inspect:
			fn()
		}
	}
}

// Publish queues evt for fan-out without blocking. Events are dropped, and
// logged, if the queue is full or the hub has stopped.
func (h *Hub) Publish(evt models.Event) {
	select {
	case h.broadcast <- evt:
	default:
		h.log.Warn("broadcast queue full, event dropped", zap.String("type", string(evt.Type)))
	}
}

// Attach registers c in rooms. It reports false if the hub has stopped.
func (h *Hub) Attach(c *Client, rooms []string) bool {
	reg := registration{client: c, rooms: rooms, ok: make(chan bool, 1)}
	select {
	case h.register <- reg:
		return <-reg.ok
	case <-h.done:
		return false
	}
}

// Detach releases every room membership of c.
func (h *Hub) Detach(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Join adds c to room. Joining twice is a no-op.
func (h *Hub) Join(c *Client, room string) {
	select {
	case h.join <- membership{client: c, room: room}:
	case <-h.done:
	}
}

// Leave removes c from room. Leaving a room c is not in is a no-op.
func (h *Hub) Leave(c *Client, room string) {
	select {
	case h.leave <- membership{client: c, room: room}:
	case <-h.done:
	}
}

// Stats reports current counts; zero once the hub has stopped.
func (h *Hub) Stats() Stats {
	out := make(chan Stats, 1)
	fn := func() {
		out <- Stats{Connections: len(h.clients), OnlineUsers: len(h.online), Rooms: len(h.rooms)}
	}
	select {
	case h.inspect <- fn:
		return <-out
	case <-h.done:
		return Stats{}
	}
}

// RoomSize is the number of connections in room.
func (h *Hub) RoomSize(room string) int {
	out := make(chan int, 1)
	select {
	case h.inspect <- func() { out <- len(h.rooms[room]) }:
		return <-out
	case <-h.done:
		return 0
	}
}

func (h *Hub) add(c *Client, rooms []string) bool {
	if _, ok := h.clients[c]; ok {
		return true
	}
	h.clients[c] = make(map[string]bool, len(rooms))
	for _, room := range rooms {
		h.joinRoom(c, room)
	}

	uid := c.identity.UserID
	h.online[uid]++
	h.log.Debug("client connected",
		zap.String("user_id", uid),
		zap.Int("connections", len(h.clients)))
	if h.online[uid] == 1 {
		h.deliver(models.Event{
			Type:    models.EventUserOnline,
			Scope:   models.Scope{UserID: uid},
			Payload: models.PresencePayload{UserID: uid, Name: c.identity.Name},
		})
	}
	return true
}

func (h *Hub) remove(c *Client) {
	memberships, ok := h.clients[c]
	if !ok {
		return
	}
	for room := range memberships {
		h.dropMember(room, c)
	}
	delete(h.clients, c)
	c.close()

	uid := c.identity.UserID
	h.online[uid]--
	h.log.Debug("client disconnected",
		zap.String("user_id", uid),
		zap.Int("connections", len(h.clients)))
	if h.online[uid] <= 0 {
		delete(h.online, uid)
		h.deliver(models.Event{
			Type:    models.EventUserOffline,
			Scope:   models.Scope{UserID: uid},
			Payload: models.PresencePayload{UserID: uid, Name: c.identity.Name},
		})
	}
}

func (h *Hub) joinRoom(c *Client, room string) {
	memberships, ok := h.clients[c]
	if !ok {
		return
	}
	memberships[room] = true
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[c] = true
}

func (h *Hub) leaveRoom(c *Client, room string) {
	memberships, ok := h.clients[c]
	if !ok || !memberships[room] {
		return
	}
	delete(memberships, room)
	h.dropMember(room, c)
}

func (h *Hub) dropMember(room string, c *Client) {
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// deliver sends evt once to every connection in any of its target rooms.
func (h *Hub) deliver(evt models.Event) {
	targets := h.router.Targets(evt)
	if len(targets) == 0 {
		return
	}
	msg, err := encode(evt.Type, evt.Payload)
	if err != nil {
		h.log.Error("failed to encode event", zap.String("type", string(evt.Type)), zap.Error(err))
		return
	}

	recipients := make(map[*Client]bool)
	for _, room := range targets {
		for c := range h.rooms[room] {
			recipients[c] = true
		}
	}

	var evicted []*Client
	for c := range recipients {
		if c.enqueue(msg) {
			c.drops = 0
			continue
		}
		c.drops++
		if c.drops > h.dropBudget {
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		h.log.Warn("slow client disconnected",
			zap.String("user_id", c.identity.UserID),
			zap.Int("dropped", c.drops))
		h.remove(c)
	}
}
