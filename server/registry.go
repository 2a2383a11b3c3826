package server

import "sync"

// Registry owns every live Room, keyed by room id, and enforces the global
// room cap. Its own mutations are serialized behind mu — short enough
// critical sections (map operations only) that a mutex is the natural
// stand-in for the "second actor" the design notes describe.
type Registry struct {
	mu         sync.Mutex
	rooms      map[string]*Room
	maxRooms   int
	maxPlayers int
}

// NewRegistry creates an empty Registry with the given caps.
func NewRegistry(maxRooms, maxPlayersPerRoom int) *Registry {
	return &Registry{
		rooms:      make(map[string]*Room),
		maxRooms:   maxRooms,
		maxPlayers: maxPlayersPerRoom,
	}
}

// GetOrCreate returns the room for id, creating it if absent. ok is false
// only when creation was refused because the registry is already at
// maxRooms.
func (reg *Registry) GetOrCreate(id string) (room *Room, ok bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, exists := reg.rooms[id]; exists {
		return r, true
	}
	if len(reg.rooms) >= reg.maxRooms {
		return nil, false
	}
	r := NewRoom(id, reg.maxPlayers)
	reg.rooms[id] = r
	Log.Infof("registry: created room %s (%d/%d)", id, len(reg.rooms), reg.maxRooms)
	return r, true
}

// Get returns the room for id without creating it.
func (reg *Registry) Get(id string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// Sweep evicts every room that is both empty and FINISHED. It is called
// after every connection close.
func (reg *Registry) Sweep() {
	reg.mu.Lock()
	var toStop []*Room
	for id, r := range reg.rooms {
		if r.IsEmpty() && r.IsFinished() {
			delete(reg.rooms, id)
			toStop = append(toStop, r)
			Log.Infof("registry: evicted empty+finished room %s", id)
		}
	}
	reg.mu.Unlock()

	for _, r := range toStop {
		r.Stop()
	}
}

// All returns a snapshot slice of every currently registered room. Safe to
// iterate without further locking since the slice itself is a copy.
func (reg *Registry) All() []*Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Stats aggregates counts used by the /info endpoint.
type RegistryStats struct {
	RoomsActive   int
	RoomsPlaying  int
	PlayersOnline int
	Tick          int
}

// Stats computes the aggregate snapshot. Tick is the maximum tick observed
// across all PLAYING rooms (0 if none are playing), since ticks are
// per-room rather than global.
func (reg *Registry) Stats() RegistryStats {
	rooms := reg.All()
	stats := RegistryStats{RoomsActive: len(rooms)}
	for _, r := range rooms {
		snap := r.Snapshot()
		stats.PlayersOnline += snap.PlayerCnt
		if snap.State == RoomPlaying {
			stats.RoomsPlaying++
			if snap.Tick > stats.Tick {
				stats.Tick = snap.Tick
			}
		}
	}
	return stats
}
