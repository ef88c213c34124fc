package udprelay

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// readTimeout is how long a single ReadFrom blocks before returning so
	// the read loop can check for cancellation, mirroring _UDPWorker's 1.0s
	// recv timeout.
	readTimeout = 1 * time.Second

	// defaultLivenessWindow is the eviction threshold used when NewRelay
	// is given none. Stale endpoints are swept every half liveness window,
	// which keeps eviction latency bounded.
	defaultLivenessWindow = 20 * time.Second

	maxPacketSize = 65507
)

// endpoint is one (room, user) registered at a source address.
type endpoint struct {
	addr     net.Addr
	room     string
	user     string
	lastSeen time.Time
}

// BanChecker reports whether a username is currently banned; the UDP relay
// silently ignores join/keepalive traffic from banned users rather than
// replying with an error (§4.7 security note: never reply to UDP with
// error frames).
type BanChecker func(username string) bool

// Relay is one media-kind's UDP listener (voice or video). Two Relays
// (distinct ports) compose the full media plane.
type Relay struct {
	kind           string
	conn           net.PacketConn
	livenessWindow time.Duration

	mu      sync.RWMutex
	byAddr  map[string]*endpoint // addr.String() -> endpoint
	byRoom  map[string]map[string]*endpoint

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	ratePPS   int

	isBanned BanChecker

	droppedRateLimited atomic.Int64
	relayedPackets     atomic.Int64
	relayedBytes       atomic.Int64
}

// NewRelay constructs a Relay bound to conn. ratePPS is the control-plane
// per-user rate limit (spec §4.7, §9 open question 2); livenessWindow is
// the eviction threshold (spec §4.7, default 20s).
func NewRelay(kind string, conn net.PacketConn, livenessWindow time.Duration, ratePPS int, isBanned BanChecker) *Relay {
	if livenessWindow <= 0 {
		livenessWindow = defaultLivenessWindow
	}
	return &Relay{
		kind:           kind,
		conn:           conn,
		livenessWindow: livenessWindow,
		byAddr:         map[string]*endpoint{},
		byRoom:         map[string]map[string]*endpoint{},
		limiters:       map[string]*rate.Limiter{},
		ratePPS:        ratePPS,
		isBanned:       isBanned,
	}
}

// Run reads datagrams until ctx is cancelled, periodically sweeping stale
// endpoints. It returns nil once ctx is cancelled; cancellation is noticed
// when the current read returns, at most readTimeout later. Run does not
// close the listener.
func (r *Relay) Run(ctx context.Context) error {
	go r.gcLoop(ctx)

	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if dl, ok := ctx.Deadline(); ok {
			r.conn.SetReadDeadline(dl)
		} else {
			r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			slog.Error("udprelay: read error", "kind", r.kind, "err", err)
			continue
		}
		r.handlePacket(addr, append([]byte(nil), buf[:n]...))
	}
}

func (r *Relay) gcLoop(ctx context.Context) {
	t := time.NewTicker(r.livenessWindow / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.gc()
		}
	}
}

func (r *Relay) handlePacket(addr net.Addr, raw []byte) {
	pkt, err := Parse(raw)
	if err != nil {
		return // silent drop per §7 UDP anomalies
	}
	if r.isBanned != nil && r.isBanned(pkt.User) {
		return // silent drop per §4.10
	}
	if !r.allow(pkt.User) {
		r.droppedRateLimited.Add(1)
		return
	}

	switch pkt.Type {
	case TypeJoin, TypeKeepalive:
		r.register(addr, pkt.Room, pkt.User)
	case TypeLeave:
		r.unregister(addr)
	case TypeVoice, TypeVideo:
		r.register(addr, pkt.Room, pkt.User)
		r.fanOut(addr, pkt.Room, raw)
	}
}

func (r *Relay) allow(username string) bool {
	if r.ratePPS <= 0 || username == "" {
		return true
	}
	r.limiterMu.Lock()
	lim, ok := r.limiters[username]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(r.ratePPS), r.ratePPS)
		r.limiters[username] = lim
	}
	r.limiterMu.Unlock()
	return lim.Allow()
}

func (r *Relay) register(addr net.Addr, room, user string) {
	key := addr.String()
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.byAddr[key]; ok && ep.room != room {
		r.removeFromRoomLocked(ep)
	}
	ep := &endpoint{addr: addr, room: room, user: user, lastSeen: now}
	r.byAddr[key] = ep
	if r.byRoom[room] == nil {
		r.byRoom[room] = map[string]*endpoint{}
	}
	r.byRoom[room][key] = ep
}

func (r *Relay) unregister(addr net.Addr) {
	key := addr.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if ep, ok := r.byAddr[key]; ok {
		r.removeFromRoomLocked(ep)
		delete(r.byAddr, key)
	}
}

// removeFromRoomLocked must be called with r.mu held.
func (r *Relay) removeFromRoomLocked(ep *endpoint) {
	if members, ok := r.byRoom[ep.room]; ok {
		delete(members, ep.addr.String())
		if len(members) == 0 {
			delete(r.byRoom, ep.room)
		}
	}
}

// fanOut forwards raw verbatim to every member of room except the source
// address. A send failure to one peer must not interrupt delivery to the
// others.
func (r *Relay) fanOut(source net.Addr, room string, raw []byte) {
	r.mu.RLock()
	members := r.byRoom[room]
	targets := make([]net.Addr, 0, len(members))
	srcKey := source.String()
	for key, ep := range members {
		if key == srcKey {
			continue
		}
		targets = append(targets, ep.addr)
	}
	r.mu.RUnlock()

	for _, addr := range targets {
		if _, err := r.conn.WriteTo(raw, addr); err != nil {
			slog.Debug("udprelay: write failed", "kind", r.kind, "addr", addr, "err", err)
			continue
		}
		r.relayedPackets.Add(1)
		r.relayedBytes.Add(int64(len(raw)))
	}
}

// gc evicts endpoints whose last-seen exceeds the liveness window and
// drops any room left empty by eviction.
func (r *Relay) gc() {
	cutoff := time.Now().Add(-r.livenessWindow)
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, ep := range r.byAddr {
		if ep.lastSeen.Before(cutoff) {
			r.removeFromRoomLocked(ep)
			delete(r.byAddr, key)
		}
	}
}

// Stats reports point-in-time counters for the periodic metrics summary
// (spec C11).
type Stats struct {
	Kind               string
	ActiveEndpoints    int
	ActiveRooms        int
	RelayedPackets     int64
	RelayedBytes       int64
	DroppedRateLimited int64
}

func (r *Relay) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Kind:               r.kind,
		ActiveEndpoints:    len(r.byAddr),
		ActiveRooms:        len(r.byRoom),
		RelayedPackets:      r.relayedPackets.Load(),
		RelayedBytes:        r.relayedBytes.Load(),
		DroppedRateLimited:  r.droppedRateLimited.Load(),
	}
}
