package room

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ember/relay/internal/ident"
	"ember/relay/internal/metrics"
	"ember/relay/internal/protocol"
)

const (
	// DefaultGrace is how long an empty room stays addressable before it
	// is deleted. A join during the grace window cancels deletion.
	DefaultGrace = 5 * time.Second

	// SendTimeout bounds how long a broadcast waits on one member's
	// buffer before giving up on that member.
	SendTimeout = 50 * time.Millisecond

	sendBuffer = 64
)

// ErrBurned is returned by Join for a room id that has been burned.
// Burned ids never host members again for the process lifetime.
var ErrBurned = errors.New("room is burned")

// Frame is one relayed websocket frame. Kind is a gorilla message type,
// websocket.TextMessage or websocket.BinaryMessage. Data is opaque to
// the registry.
type Frame struct {
	Kind int
	Data []byte
}

// Member is one socket's presence in a room. The transport drains Send
// until it closes; the registry owns closing it.
type Member struct {
	ID   string
	Send chan Frame
}

type state struct {
	members map[string]*Member
	timer   *time.Timer
	gen     int
}

// Registry tracks live rooms and the burned set.
type Registry struct {
	mu     sync.Mutex
	grace  time.Duration
	rooms  map[string]*state
	burned map[string]bool
}

func NewRegistry(grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Registry{
		grace:  grace,
		rooms:  make(map[string]*state),
		burned: make(map[string]bool),
	}
}

// Join adds a new member to roomID, creating the room when absent. The
// second return reports whether this call created the room. Joining a
// burned id fails with ErrBurned. Every member, the joiner included,
// receives a presence frame with the new count.
func (g *Registry) Join(roomID string) (*Member, bool, error) {
	m := &Member{ID: ident.NewID(), Send: make(chan Frame, sendBuffer)}

	g.mu.Lock()
	if g.burned[roomID] {
		g.mu.Unlock()
		return nil, false, ErrBurned
	}
	r := g.rooms[roomID]
	created := r == nil
	if created {
		r = &state{members: make(map[string]*Member)}
		g.rooms[roomID] = r
		metrics.RoomsActive.Set(float64(len(g.rooms)))
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.members[m.ID] = m
	targets, count := snapshot(r)
	g.mu.Unlock()

	if created {
		slog.Debug("room created", "room", ident.Short(roomID))
	}
	broadcast(targets, presenceFrame(roomID, count))
	return m, created, nil
}

// Relay forwards one frame to every member of roomID except the sender.
func (g *Registry) Relay(roomID, senderID string, f Frame) {
	g.mu.Lock()
	r := g.rooms[roomID]
	if r == nil {
		g.mu.Unlock()
		return
	}
	targets := make([]*Member, 0, len(r.members))
	for id, m := range r.members {
		if id != senderID {
			targets = append(targets, m)
		}
	}
	g.mu.Unlock()

	broadcast(targets, f)
}

// Burn seals roomID against all future joins, sends a destruction
// notice to every current member, and removes the room. The members'
// send channels are closed; the transport tears the sockets down as the
// channels drain.
func (g *Registry) Burn(roomID string) {
	g.mu.Lock()
	g.burned[roomID] = true
	r := g.rooms[roomID]
	if r == nil {
		g.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	targets, count := snapshot(r)
	delete(g.rooms, roomID)
	metrics.RoomsActive.Set(float64(len(g.rooms)))
	g.mu.Unlock()

	notice := destroyedFrame(roomID)
	for _, m := range targets {
		trySend(m.Send, notice)
		close(m.Send)
	}
	slog.Info("room burned", "room", ident.Short(roomID), "members", count)
}

// Leave removes m from roomID. The last member out arms the grace
// timer; otherwise the remaining members receive a presence frame.
// Members already ejected by a burn are ignored.
func (g *Registry) Leave(roomID string, m *Member) {
	g.mu.Lock()
	r := g.rooms[roomID]
	if r == nil || r.members[m.ID] == nil {
		g.mu.Unlock()
		return
	}
	delete(r.members, m.ID)
	if len(r.members) == 0 {
		r.gen++
		gen := r.gen
		r.timer = time.AfterFunc(g.grace, func() { g.destroy(roomID, gen) })
		g.mu.Unlock()
		close(m.Send)
		return
	}
	targets, count := snapshot(r)
	g.mu.Unlock()

	close(m.Send)
	broadcast(targets, presenceFrame(roomID, count))
}

// destroy runs when a grace timer fires. The generation check drops
// stale timers that lost a race with a cancelling join.
func (g *Registry) destroy(roomID string, gen int) {
	g.mu.Lock()
	r := g.rooms[roomID]
	if r == nil || r.timer == nil || r.gen != gen || len(r.members) != 0 {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, roomID)
	metrics.RoomsActive.Set(float64(len(g.rooms)))
	g.mu.Unlock()
	slog.Debug("room destroyed", "room", ident.Short(roomID))
}

// Count reports the membership size of roomID.
func (g *Registry) Count(roomID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r := g.rooms[roomID]; r != nil {
		return len(r.members)
	}
	return 0
}

// Rooms reports how many rooms exist, grace-period rooms included.
func (g *Registry) Rooms() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

func snapshot(r *state) ([]*Member, int) {
	targets := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		targets = append(targets, m)
	}
	return targets, len(targets)
}

func broadcast(targets []*Member, f Frame) {
	for _, m := range targets {
		trySend(m.Send, f)
	}
}

// trySend must never block a broadcast behind one stalled member and
// must survive racing a channel close during burn.
func trySend(ch chan Frame, f Frame) {
	defer func() { _ = recover() }()
	select {
	case ch <- f:
	case <-time.After(SendTimeout):
	}
}

func presenceFrame(roomID string, count int) Frame {
	b, _ := json.Marshal(protocol.Presence{Type: protocol.TypePresence, RoomID: roomID, Count: count})
	return Frame{Kind: websocket.TextMessage, Data: b}
}

func destroyedFrame(roomID string) Frame {
	b, _ := json.Marshal(protocol.RoomDestroyed{Type: protocol.TypeRoomDestroyed, RoomID: roomID})
	return Frame{Kind: websocket.TextMessage, Data: b}
}
