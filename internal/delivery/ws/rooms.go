package ws

import "sync"

// Rooms maps a session id to the set of connections currently subscribed to
// it. The transport has no native group primitive, so broadcast-to-room and
// broadcast-except-sender are implemented over an explicit membership map.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
}

// NewRooms creates an empty room table.
func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]*Client)}
}

// Subscribe adds the connection to the session's room. Subscribing twice is a
// no-op.
func (r *Rooms) Subscribe(sessionID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[sessionID]
	if !ok {
		room = make(map[string]*Client)
		r.rooms[sessionID] = room
	}
	room[c.ID] = c
}

// Broadcast delivers an event to every connection subscribed to the session,
// including the sender if still subscribed.
func (r *Rooms) Broadcast(sessionID, event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.rooms[sessionID] {
		c.Send(data)
	}
}

// BroadcastExcept delivers an event to every subscribed connection except the
// named one. Used for typing, where the sender must not hear its own echo.
func (r *Rooms) BroadcastExcept(exceptConnID, sessionID, event string, payload any) {
	data, err := encodeEvent(event, payload)
	if err != nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, c := range r.rooms[sessionID] {
		if id == exceptConnID {
			continue
		}
		c.Send(data)
	}
}

// DropConn removes the connection from every room. Called from disconnect
// cleanup; there is no client-visible unsubscribe.
func (r *Rooms) DropConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sessionID, room := range r.rooms {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, sessionID)
		}
	}
}

// Joined reports whether the connection is subscribed to the session.
func (r *Rooms) Joined(connID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[sessionID][connID]
	return ok
}
