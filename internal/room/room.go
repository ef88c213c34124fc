// Package room implements the room registry and fan-out routing (spec C4,
// C6). Membership is realized as a message-passing inbox per connection —
// the registry posts outbound frames to a bounded per-client channel and
// the owning connection's own goroutine drains it — rather than a shared
// map of writers touched while holding a network write. This mirrors
// bken/server/internal/core/channel_state.go's trySend pattern, combined
// with the teacher's room.go broadcastTarget/targetPool snapshot-then-
// release discipline and per-peer circuit breaker
// (bken/server/client.go's sendHealth).
package room

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"meetrelay/internal/protocol"
)

const (
	// inboxSize bounds the per-connection outbound queue. A peer whose
	// inbox is full drops the message rather than stalling the
	// broadcaster.
	inboxSize = 64

	// sendTimeout bounds how long a single inbox post may block before
	// being counted as a failure against that peer's circuit breaker.
	sendTimeout = 50 * time.Millisecond

	// breakerFailureThreshold is the number of consecutive send timeouts
	// before a peer's circuit breaker opens and further sends to that
	// peer are skipped until a cooldown probe succeeds.
	breakerFailureThreshold = 5

	// breakerCooldown is how long a breaker stays open before allowing a
	// single probe send through.
	breakerCooldown = 5 * time.Second
)

var errSendTimeout = errors.New("room: send timed out")

// peerSlot is one connected client's outbound channel plus its circuit
// breaker. It is shared between the room registry (which writes to it on
// broadcast/DM) and the owning connection (which drains it).
type peerSlot struct {
	username string
	inbox    chan protocol.Message
	breaker  *gobreaker.CircuitBreaker
}

func newPeerSlot(username string) *peerSlot {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "peer:" + username,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})
	return &peerSlot{
		username: username,
		inbox:    make(chan protocol.Message, inboxSize),
		breaker:  cb,
	}
}

// trySend posts msg to the peer's inbox, bounded by sendTimeout and gated
// by the circuit breaker. It never blocks the caller beyond sendTimeout and
// never panics on a closed inbox.
func (p *peerSlot) trySend(msg protocol.Message) {
	defer func() { recover() }()
	_, _ = p.breaker.Execute(func() (any, error) {
		select {
		case p.inbox <- msg:
			return nil, nil
		case <-time.After(sendTimeout):
			return nil, errSendTimeout
		}
	})
}

// Room is one named multicast group (spec §3). Owner is the username of
// the room's first member, passing to the earliest-joined remaining member
// when the owner leaves. It is "" only while the room has no members (a
// room made by Create that nobody has joined yet); Create itself does not
// assign an owner.
type Room struct {
	mu       sync.RWMutex
	name     string
	owner    string
	order    []string // join order, for ownership succession
	members  map[string]*peerSlot
}

func newRoom(name string) *Room {
	return &Room{name: name, members: map[string]*peerSlot{}}
}

// Name returns the room's name.
func (r *Room) Name() string { return r.name }

// Owner returns the current owner username, or "" if none.
func (r *Room) Owner() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

// Members returns a snapshot of current member usernames.
func (r *Room) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.members))
	for _, u := range r.order {
		if _, ok := r.members[u]; ok {
			out = append(out, u)
		}
	}
	return out
}

// Count returns the number of current members.
func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// addMember adds slot as a member, claiming ownership if the room has none.
func (r *Room) addMember(slot *peerSlot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.members[slot.username] = slot
	r.order = append(r.order, slot.username)
	if r.owner == "" {
		r.owner = slot.username
	}
}

// removeMember removes username, transferring ownership to the earliest-
// joined remaining member if username was the owner. Returns the new owner
// (which may be unchanged, or "" if the room is now empty).
func (r *Room) removeMember(username string) (newOwner string, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, username)
	for i, u := range r.order {
		if u == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.owner == username {
		r.owner = ""
		for _, u := range r.order {
			if _, ok := r.members[u]; ok {
				r.owner = u
				break
			}
		}
	}
	return r.owner, len(r.members) == 0
}

// broadcast snapshots the current member slots under RLock, then posts to
// each (other than excludeUsername) outside the lock — a slow peer must
// never stall room mutations or other peers' delivery.
func (r *Room) broadcast(msg protocol.Message, excludeUsername string) {
	r.mu.RLock()
	targets := make([]*peerSlot, 0, len(r.members))
	for u, slot := range r.members {
		if u == excludeUsername {
			continue
		}
		targets = append(targets, slot)
	}
	r.mu.RUnlock()

	for _, slot := range targets {
		slot.trySend(msg)
	}
}

func (r *Room) hasMember(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[username]
	return ok
}
