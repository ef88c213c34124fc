package room

import (
	"fmt"
	"sync"

	"meetrelay/internal/protocol"
)

// ErrNotOwner is returned by Kick when the actor does not own the room.
var ErrNotOwner = fmt.Errorf("room: not room owner")

// ErrNotInRoom is returned when an operation requires the actor to be in a
// room and it is not.
var ErrNotInRoom = fmt.Errorf("room: not in a room")

// Registry is the process-wide room registry and client index (spec C4).
// It owns every room's membership and every connected client's outbound
// inbox; connections only ever read from the channel handed back by
// Connect.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]*Room
	clientRoom  map[string]string // username -> current room name
	clientSlots map[string]*peerSlot
}

// NewRegistry returns an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:       map[string]*Room{},
		clientRoom:  map[string]string{},
		clientSlots: map[string]*peerSlot{},
	}
}

// Connect registers username as online and returns its outbound inbox.
// The caller's connection goroutine is expected to drain this channel for
// as long as the connection lives, and to call Disconnect on teardown.
func (reg *Registry) Connect(username string) <-chan protocol.Message {
	slot := newPeerSlot(username)
	reg.mu.Lock()
	reg.clientSlots[username] = slot
	reg.mu.Unlock()
	return slot.inbox
}

// Disconnect removes username from its current room (if any) and from the
// client index, notifying peers left behind. Safe to call even if username
// was never connected.
func (reg *Registry) Disconnect(username string) {
	reg.Leave(username)
	reg.mu.Lock()
	delete(reg.clientSlots, username)
	reg.mu.Unlock()
}

// Create ensures a room named name exists. Idempotent: a second call for
// an existing name is a no-op.
func (reg *Registry) Create(name string) *Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[name]; ok {
		return r
	}
	r := newRoom(name)
	reg.rooms[name] = r
	return r
}

// List returns every room's name and member count.
func (reg *Registry) List() []protocol.RoomInfo {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]protocol.RoomInfo, 0, len(reg.rooms))
	for name, r := range reg.rooms {
		out = append(out, protocol.RoomInfo{Name: name, Members: r.Count()})
	}
	return out
}

// CurrentRoom returns the room username currently occupies, if any.
func (reg *Registry) CurrentRoom(username string) (string, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	name, ok := reg.clientRoom[username]
	return name, ok
}

// Join moves username into room name, implicitly leaving any prior room.
// The room is created (and owned by username) if it did not already
// exist. Peers in the destination room are notified of the new member;
// peers in the prior room (if any) are notified of the departure.
func (reg *Registry) Join(username, name string) (*Room, error) {
	slot, ok := reg.slotFor(username)
	if !ok {
		return nil, fmt.Errorf("room: %s is not connected", username)
	}

	reg.Leave(username)

	r := reg.Create(name)
	r.addMember(slot)

	reg.mu.Lock()
	reg.clientRoom[username] = name
	reg.mu.Unlock()

	r.broadcast(protocol.Message{Type: protocol.TypeParticipant, Username: username, Room: name}, username)
	return r, nil
}

// Leave removes username from its current room, if any, transferring
// ownership or discarding the room per spec §4.4/§4.10. A no-op if
// username is not currently in a room.
func (reg *Registry) Leave(username string) {
	reg.mu.Lock()
	name, ok := reg.clientRoom[username]
	if !ok {
		reg.mu.Unlock()
		return
	}
	delete(reg.clientRoom, username)
	r := reg.rooms[name]
	reg.mu.Unlock()

	if r == nil {
		return
	}
	_, empty := r.removeMember(username)
	if empty {
		reg.mu.Lock()
		delete(reg.rooms, name)
		reg.mu.Unlock()
		return
	}
	r.broadcast(protocol.Message{Type: protocol.TypeParticipantL, Username: username, Room: name}, "")
}

// Broadcast forwards msg to every member of name except excludeUsername.
func (reg *Registry) Broadcast(name string, msg protocol.Message, excludeUsername string) {
	reg.mu.RLock()
	r := reg.rooms[name]
	reg.mu.RUnlock()
	if r == nil {
		return
	}
	r.broadcast(msg, excludeUsername)
}

// SendTo delivers msg directly to username's inbox, if connected. It
// returns false if username is not connected (the caller then replies with
// a soft "user offline" error per spec §4.6).
func (reg *Registry) SendTo(username string, msg protocol.Message) bool {
	slot, ok := reg.slotFor(username)
	if !ok {
		return false
	}
	slot.trySend(msg)
	return true
}

// IsOnline reports whether username has a connected inbox.
func (reg *Registry) IsOnline(username string) bool {
	_, ok := reg.slotFor(username)
	return ok
}

// Kick removes target from the room actor owns, notifying target and the
// rest of the room. Returns ErrNotOwner if actor does not own the room
// actor is in, and ErrNotInRoom if actor is not in a room.
func (reg *Registry) Kick(actor, target string) error {
	roomName, ok := reg.CurrentRoom(actor)
	if !ok {
		return ErrNotInRoom
	}
	reg.mu.RLock()
	r := reg.rooms[roomName]
	reg.mu.RUnlock()
	if r == nil {
		return ErrNotInRoom
	}
	if r.Owner() != actor {
		return ErrNotOwner
	}
	if !r.hasMember(target) {
		return fmt.Errorf("room: %s is not a member of %s", target, roomName)
	}

	reg.SendTo(target, protocol.Message{Type: protocol.TypeKicked, Room: roomName, Username: target})
	reg.Leave(target)
	return nil
}

func (reg *Registry) slotFor(username string) (*peerSlot, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	slot, ok := reg.clientSlots[username]
	return slot, ok
}
