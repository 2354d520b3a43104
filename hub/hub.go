package hub

import (
	"log/slog"
	"sync"

	"imbridge-server/domain"
)

type group struct {
	// seq orders Serialize calls; mu guards members.
	seq     sync.Mutex
	mu      sync.Mutex
	members map[string]domain.Connection
	// refs counts in-flight Serialize calls, guarded by Hub.mu.
	refs int
}

type Hub struct {
	groups map[string]*group
	mu     sync.RWMutex
}

func New() *Hub {
	return &Hub{
		groups: make(map[string]*group),
	}
}

// acquire returns the group for deviceID, creating it if needed, and pins it
// so it is not pruned until release.
func (h *Hub) acquire(deviceID string) *group {
	h.mu.Lock()
	defer h.mu.Unlock()

	g := h.groupLocked(deviceID)
	g.refs++
	return g
}

// groupLocked returns the group for deviceID, creating it lazily. h.mu must
// be held for writing.
func (h *Hub) groupLocked(deviceID string) *group {
	g, exists := h.groups[deviceID]
	if !exists {
		g = &group{members: make(map[string]domain.Connection)}
		h.groups[deviceID] = g
	}
	return g
}

func (h *Hub) release(deviceID string, g *group) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g.refs--
	h.pruneLocked(deviceID, g)
}

// pruneLocked drops g if it is empty and unpinned. h.mu must be held.
func (h *Hub) pruneLocked(deviceID string, g *group) {
	if g.refs > 0 || h.groups[deviceID] != g {
		return
	}
	g.mu.Lock()
	empty := len(g.members) == 0
	g.mu.Unlock()

	if empty {
		delete(h.groups, deviceID)
		slog.Debug("group removed", "deviceId", deviceID)
	}
}

func (h *Hub) Join(deviceID string, conn domain.Connection) {
	h.mu.Lock()
	g := h.groupLocked(deviceID)
	g.mu.Lock()
	g.members[conn.ID()] = conn
	count := len(g.members)
	g.mu.Unlock()
	h.mu.Unlock()

	slog.Info("client joined", "deviceId", deviceID, "clientId", conn.ID(), "members", count)
}

func (h *Hub) Leave(deviceID string, conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, exists := h.groups[deviceID]
	if !exists {
		return
	}

	g.mu.Lock()
	_, member := g.members[conn.ID()]
	delete(g.members, conn.ID())
	count := len(g.members)
	g.mu.Unlock()

	if !member {
		return
	}
	slog.Info("client left", "deviceId", deviceID, "clientId", conn.ID(), "members", count)

	h.pruneLocked(deviceID, g)
}

// Broadcast delivers ev to every member of the device's group except
// exclude. Members of one group receive broadcasts in call order. A member
// that cannot accept the event is evicted and closed; the others are not
// affected.
func (h *Hub) Broadcast(deviceID string, ev domain.Event, exclude domain.Connection) {
	h.mu.RLock()
	g, exists := h.groups[deviceID]
	h.mu.RUnlock()

	if !exists {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for id, conn := range g.members {
		if exclude != nil && id == exclude.ID() {
			continue
		}
		if err := conn.Deliver(ev); err != nil {
			slog.Warn("delivery failed, evicting client", "deviceId", deviceID, "clientId", id, "error", err)
			go func(c domain.Connection) {
				h.Leave(deviceID, c)
				c.Close()
			}(conn)
		}
	}
}

// Serialize runs fn while holding the device's sequence lock. Calls for the
// same device never overlap, so a store write followed by a Broadcast inside
// fn is observed by every member in one total order.
func (h *Hub) Serialize(deviceID string, fn func() error) error {
	g := h.acquire(deviceID)
	defer h.release(deviceID, g)

	g.seq.Lock()
	defer g.seq.Unlock()

	return fn()
}

func (h *Hub) Stats() (groups, members int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	groups = len(h.groups)
	for _, g := range h.groups {
		g.mu.Lock()
		members += len(g.members)
		g.mu.Unlock()
	}
	return groups, members
}
