// Package presence tracks live connections, the identities behind them and
// the conversation rooms each connection has entered.
package presence

import (
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"clinicchat/internal/common"
)

// Handle identifies one live connection
type Handle string

// Event reports an identity crossing between online and offline
type Event struct {
	Identity common.Identity
	Online   bool
}

// Observer is invoked while the identity's shard is held, so transitions for
// one identity arrive in order. It must not block or call back into Join/Leave.
type Observer func(Event)

const shardCount = 32

type shard[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

type shardSet[V any] [shardCount]*shard[V]

func newShardSet[V any]() *shardSet[V] {
	var s shardSet[V]
	for i := range s {
		s[i] = &shard[V]{m: make(map[string]V)}
	}
	return &s
}

func (s *shardSet[V]) of(key string) *shard[V] {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return s[h.Sum32()%shardCount]
}

type connEntry struct {
	identity common.Identity
	rooms    map[string]struct{}
}

type handleSet map[Handle]struct{}

// Registry never takes a lock spanning all rooms; each room, connection and
// identity lives in its own shard. Lock order is connection shard before room
// or identity shard.
type Registry struct {
	conns      *shardSet[*connEntry]
	identities *shardSet[handleSet]
	rooms      *shardSet[handleSet]

	obsMu     sync.RWMutex
	observers []Observer

	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		conns:      newShardSet[*connEntry](),
		identities: newShardSet[handleSet](),
		rooms:      newShardSet[handleSet](),
		logger:     logger.With(slog.String("component", "presence")),
	}
}

func (r *Registry) Subscribe(obs Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, obs)
}

func (r *Registry) notify(ev Event) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, obs := range observers {
		obs(ev)
	}
}

// Join registers a connection under an identity. Joining the same handle
// twice is a no-op; reusing a handle for another identity is rejected.
func (r *Registry) Join(h Handle, ident common.Identity) error {
	if h == "" {
		return common.Validation("presence join", "empty connection handle")
	}
	if err := common.ValidateIdentity(ident); err != nil {
		return err
	}

	cs := r.conns.of(string(h))
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if existing, ok := cs.m[string(h)]; ok {
		if existing.identity == ident {
			return nil
		}
		return common.Validation("presence join", "handle already bound to another identity")
	}
	cs.m[string(h)] = &connEntry{identity: ident, rooms: make(map[string]struct{})}

	is := r.identities.of(ident.Key())
	is.mu.Lock()
	defer is.mu.Unlock()
	set, ok := is.m[ident.Key()]
	if !ok {
		set = make(handleSet)
		is.m[ident.Key()] = set
	}
	set[h] = struct{}{}
	if len(set) == 1 {
		r.logger.Debug("identity online", slog.String("identity", ident.Key()))
		r.notify(Event{Identity: ident, Online: true})
	}
	return nil
}

// Leave drops the connection and every room membership it held. It reports
// whether the handle was known.
func (r *Registry) Leave(h Handle) bool {
	cs := r.conns.of(string(h))
	cs.mu.Lock()
	defer cs.mu.Unlock()
	entry, ok := cs.m[string(h)]
	if !ok {
		return false
	}
	delete(cs.m, string(h))
	for room := range entry.rooms {
		r.removeFromRoom(room, h)
	}

	// still under the connection shard, so a Join reusing h cannot interleave
	key := entry.identity.Key()
	is := r.identities.of(key)
	is.mu.Lock()
	defer is.mu.Unlock()
	set := is.m[key]
	delete(set, h)
	if len(set) == 0 {
		delete(is.m, key)
		r.logger.Debug("identity offline", slog.String("identity", key))
		r.notify(Event{Identity: entry.identity, Online: false})
	}
	return true
}

func (r *Registry) removeFromRoom(room string, h Handle) {
	rs := r.rooms.of(room)
	rs.mu.Lock()
	defer rs.mu.Unlock()
	members := rs.m[room]
	delete(members, h)
	if len(members) == 0 {
		delete(rs.m, room)
	}
}

// EnterRoom adds a live connection to a conversation room
func (r *Registry) EnterRoom(h Handle, conversationID string) error {
	cs := r.conns.of(string(h))
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.m[string(h)]
	if !ok {
		return common.NotFound("enter room", "connection %s is not registered", h)
	}
	if _, in := entry.rooms[conversationID]; in {
		return nil
	}

	rs := r.rooms.of(conversationID)
	rs.mu.Lock()
	members, ok := rs.m[conversationID]
	if !ok {
		members = make(handleSet)
		rs.m[conversationID] = members
	}
	members[h] = struct{}{}
	rs.mu.Unlock()

	entry.rooms[conversationID] = struct{}{}
	return nil
}

func (r *Registry) LeaveRoom(h Handle, conversationID string) {
	cs := r.conns.of(string(h))
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.m[string(h)]
	if !ok {
		return
	}
	if _, in := entry.rooms[conversationID]; !in {
		return
	}
	delete(entry.rooms, conversationID)
	r.removeFromRoom(conversationID, h)
}

// MembersOf returns a sorted snapshot of the connections in a room
func (r *Registry) MembersOf(conversationID string) []Handle {
	rs := r.rooms.of(conversationID)
	rs.mu.RLock()
	members := rs.m[conversationID]
	out := make([]Handle, 0, len(members))
	for h := range members {
		out = append(out, h)
	}
	rs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) InRoom(h Handle, conversationID string) bool {
	rs := r.rooms.of(conversationID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	_, ok := rs.m[conversationID][h]
	return ok
}

func (r *Registry) IsOnline(ident common.Identity) bool {
	is := r.identities.of(ident.Key())
	is.mu.RLock()
	defer is.mu.RUnlock()
	return len(is.m[ident.Key()]) > 0
}

// HandlesOf returns every open connection of an identity
func (r *Registry) HandlesOf(ident common.Identity) []Handle {
	is := r.identities.of(ident.Key())
	is.mu.RLock()
	set := is.m[ident.Key()]
	out := make([]Handle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	is.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) IdentityOf(h Handle) (common.Identity, bool) {
	cs := r.conns.of(string(h))
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	entry, ok := cs.m[string(h)]
	if !ok {
		return common.Identity{}, false
	}
	return entry.identity, true
}

func (r *Registry) RoomsOf(h Handle) []string {
	cs := r.conns.of(string(h))
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	entry, ok := cs.m[string(h)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(entry.rooms))
	for room := range entry.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// OnlineCount walks every identity shard; meant for metrics, not hot paths
func (r *Registry) OnlineCount() int {
	n := 0
	for _, is := range r.identities {
		is.mu.RLock()
		n += len(is.m)
		is.mu.RUnlock()
	}
	return n
}
