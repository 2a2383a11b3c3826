package server

import (
	"encoding/json"
)

// RoomState is a Room's position in the lobby → playing → finished state
// machine.
type RoomState int

const (
	RoomWaiting RoomState = iota
	RoomPlaying
	RoomFinished
)

func (s RoomState) String() string {
	switch s {
	case RoomWaiting:
		return "waiting"
	case RoomPlaying:
		return "playing"
	case RoomFinished:
		return "finished"
	default:
		return "unknown"
	}
}

// spawnPositions are the four fixed spawn points, cycled by index modulo 4.
var spawnPositions = [4][2]float64{
	{200, GroundY},
	{400, GroundY},
	{600, GroundY},
	{800, GroundY},
}

// BroadcastFunc delivers a serialized frame to one player. The Room never
// holds a connection handle directly; the Gateway supplies this callback.
type BroadcastFunc func(playerID string, payload []byte)

// Room is the per-session state machine and simulation runtime. Every
// field below is touched only by the single goroutine run by (*Room).loop
// — callers communicate exclusively through the exported methods, which
// enqueue a command and, where a result is needed, block on a one-shot
// reply channel. This is the Go rendering of the single-event-loop
// requirement: no mutex ever guards Room state.
type Room struct {
	id         string
	maxPlayers int

	state     RoomState
	players   map[string]*Player
	order     []string // insertion order, for deterministic iteration
	tick      int
	nextSpawn int

	broadcastFn BroadcastFunc
	metrics     *RoomMetrics

	cmdCh chan func(*Room)
	stop  chan struct{}
}

// NewRoom creates a Room in the WAITING state and starts its command loop.
func NewRoom(id string, maxPlayers int) *Room {
	r := &Room{
		id:         id,
		maxPlayers: maxPlayers,
		state:      RoomWaiting,
		players:    make(map[string]*Player),
		metrics:    &RoomMetrics{},
		cmdCh:      make(chan func(*Room), 256),
		stop:       make(chan struct{}),
	}
	go r.loop()
	return r
}

// loop is the single consumer of r.cmdCh. It runs until Stop is called.
func (r *Room) loop() {
	for {
		select {
		case cmd := <-r.cmdCh:
			cmd(r)
		case <-r.stop:
			return
		}
	}
}

// Stop terminates the command loop. Safe to call more than once.
func (r *Room) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// submit enqueues a fire-and-forget command. It never blocks the caller
// beyond the channel send (the buffer absorbs bursts; a room whose loop is
// gone silently drops the command rather than panicking the caller).
func (r *Room) submit(cmd func(*Room)) {
	select {
	case r.cmdCh <- cmd:
	case <-r.stop:
	}
}

// callRoom submits cmd and blocks until it has run, returning whatever cmd
// chose to compute. Used for the few operations the Gateway needs a
// synchronous answer from (admission, mostly).
func callRoom[T any](r *Room, cmd func(*Room) T) T {
	reply := make(chan T, 1)
	select {
	case r.cmdCh <- func(rm *Room) { reply <- cmd(rm) }:
	case <-r.stop:
		var zero T
		return zero
	}
	select {
	case v := <-reply:
		return v
	case <-r.stop:
		var zero T
		return zero
	}
}

// ID returns the room's identity. Safe to call from any goroutine — it is
// immutable after construction.
func (r *Room) ID() string { return r.id }

// SetBroadcastFunc rebinds the outbound dispatcher. The Gateway calls this
// on every connection open so the room always sends through a live socket
// map, even across reconnects.
func (r *Room) SetBroadcastFunc(fn BroadcastFunc) {
	r.submit(func(rm *Room) { rm.broadcastFn = fn })
}

// AddPlayer admits p into the room, spawning it immediately if the room is
// already PLAYING. Returns false if the room is full, already contains
// this id, or is FINISHED.
func (r *Room) AddPlayer(p *Player) bool {
	return callRoom(r, func(rm *Room) bool {
		if rm.state == RoomFinished {
			return false
		}
		if len(rm.players) >= rm.maxPlayers {
			return false
		}
		if _, exists := rm.players[p.ID]; exists {
			return false
		}

		if rm.state == RoomPlaying {
			idx := rm.nextSpawn % 4
			p.Spawn(spawnPositions[idx][0], spawnPositions[idx][1])
			rm.nextSpawn++
		}

		rm.players[p.ID] = p
		rm.order = append(rm.order, p.ID)
		Log.Infof("room %s: player %s (%s) joined", rm.id, p.ID, p.Name)
		return true
	})
}

// HasPlayer reports whether id currently occupies the room.
func (r *Room) HasPlayer(id string) bool {
	return callRoom(r, func(rm *Room) bool {
		_, ok := rm.players[id]
		return ok
	})
}

// RemovePlayer evicts id from the room. If the room becomes empty, it
// transitions to FINISHED (no scoring condition in the core).
func (r *Room) RemovePlayer(id string) {
	r.submit(func(rm *Room) {
		if _, ok := rm.players[id]; !ok {
			return
		}
		delete(rm.players, id)
		rm.removeFromOrder(id)
		Log.Infof("room %s: player %s left", rm.id, id)
		if len(rm.players) == 0 {
			rm.state = RoomFinished
			Log.Infof("room %s is now empty, marked finished", rm.id)
		}
	})
}

func (r *Room) removeFromOrder(id string) {
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// SetReady updates a player's ready flag, broadcasts the change, and
// starts the game if this transition satisfies the auto-start guard. Per
// the reference behavior, the guard is evaluated only here — a room that
// reaches "≥2 players, all ready" because someone *left* does not
// auto-start.
func (r *Room) SetReady(id string, ready bool) {
	r.submit(func(rm *Room) {
		p, ok := rm.players[id]
		if !ok {
			return
		}
		p.Ready = ready
		rm.broadcastLocked(map[string]any{
			"type":      "player_ready_state",
			"player_id": id,
			"ready":     ready,
		})
		if rm.state == RoomWaiting && rm.allReady() {
			rm.startGame()
		}
	})
}

func (r *Room) allReady() bool {
	if len(r.players) < 2 {
		return false
	}
	for _, p := range r.players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// startGame performs the WAITING → PLAYING transition: reset tick/spawn
// counters, spawn every current player, and broadcast game_start.
func (r *Room) startGame() {
	r.state = RoomPlaying
	r.tick = 0
	r.nextSpawn = 0

	type spawnPoint struct {
		PlayerID string  `json:"player_id"`
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
	}
	spawnPoints := make([]spawnPoint, 0, len(r.order))
	for _, id := range r.order {
		p := r.players[id]
		idx := r.nextSpawn % 4
		p.Spawn(spawnPositions[idx][0], spawnPositions[idx][1])
		r.nextSpawn++
		spawnPoints = append(spawnPoints, spawnPoint{PlayerID: p.ID, X: p.X, Y: p.Y})
	}

	r.broadcastLocked(map[string]any{
		"type":  "game_start",
		"round": 1,
		"map_data": map[string]any{
			"width":    MapWidth,
			"height":   MapHeight,
			"ground_y": GroundY,
		},
		"spawn_points": spawnPoints,
	})
	Log.Infof("room %s: game started with %d players", r.id, len(r.players))
}

// HandleChat broadcasts a chat message from sender. The codec has already
// rejected empty text and truncated to 200 characters before this is
// called.
func (r *Room) HandleChat(senderID, text string) {
	r.submit(func(rm *Room) {
		p, ok := rm.players[senderID]
		if !ok {
			return
		}
		rm.broadcastLocked(map[string]any{
			"type":        "chat_message",
			"player_id":   senderID,
			"player_name": p.Name,
			"message":     text,
		})
	})
}

// QueueInput overwrites a player's pending action buffer for the next
// tick.
func (r *Room) QueueInput(id string, tick int, actions []string) {
	r.submit(func(rm *Room) {
		p, ok := rm.players[id]
		if !ok {
			return
		}
		if p.QueueInput(tick, actions) {
			rm.metrics.IncActionsTruncated()
		}
		rm.metrics.IncInputsAccepted()
	})
}

// Tick is a no-op unless the room is PLAYING. Otherwise it advances the
// tick counter, steps every player's simulation, and broadcasts the
// resulting game_state.
func (r *Room) Tick(dt float64) {
	r.submit(func(rm *Room) {
		if rm.state != RoomPlaying {
			return
		}
		rm.tick++
		for _, id := range rm.order {
			rm.players[id].Step(dt)
		}
		rm.broadcastLocked(rm.gameStateLocked())
		rm.metrics.AddTick()
	})
}

// IsPlaying reports whether the room is currently simulating ticks. It
// round-trips a command through the room's loop; the shared ticker does not
// call it (Tick itself is a no-op for rooms not PLAYING).
func (r *Room) IsPlaying() bool {
	return callRoom(r, func(rm *Room) bool { return rm.state == RoomPlaying })
}

// Snapshot returns a point-in-time view used by /info and tests.
type RoomSnapshot struct {
	ID         string
	State      RoomState
	PlayerCnt  int
	Tick       int
	MaxPlayers int
}

func (r *Room) Snapshot() RoomSnapshot {
	return callRoom(r, func(rm *Room) RoomSnapshot {
		return RoomSnapshot{
			ID:         rm.id,
			State:      rm.state,
			PlayerCnt:  len(rm.players),
			Tick:       rm.tick,
			MaxPlayers: rm.maxPlayers,
		}
	})
}

// IsEmpty reports whether the room currently has zero players.
func (r *Room) IsEmpty() bool {
	return callRoom(r, func(rm *Room) bool { return len(rm.players) == 0 })
}

// IsFinished reports whether the room has reached the terminal state.
func (r *Room) IsFinished() bool {
	return callRoom(r, func(rm *Room) bool { return rm.state == RoomFinished })
}

// Metrics returns the room's atomic counters for observability endpoints.
func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// ── Broadcasting ─────────────────────────────────────────────────────

// Broadcast sends msg to every current member.
func (r *Room) Broadcast(msg any) {
	r.submit(func(rm *Room) { rm.broadcastLocked(msg) })
}

// BroadcastExcept sends msg to every member but excludeID.
func (r *Room) BroadcastExcept(excludeID string, msg any) {
	r.submit(func(rm *Room) {
		b, err := json.Marshal(msg)
		if err != nil || rm.broadcastFn == nil {
			return
		}
		for _, id := range rm.order {
			if id != excludeID {
				rm.broadcastFn(id, b)
				rm.metrics.IncBroadcastSent()
			}
		}
	})
}

// SendTo sends msg to exactly one player.
func (r *Room) SendTo(playerID string, msg any) {
	r.submit(func(rm *Room) {
		b, err := json.Marshal(msg)
		if err != nil || rm.broadcastFn == nil {
			return
		}
		rm.broadcastFn(playerID, b)
		rm.metrics.IncBroadcastSent()
	})
}

// broadcastLocked is the loop-internal helper; callers must already be
// running on the command loop goroutine.
func (r *Room) broadcastLocked(msg any) {
	b, err := json.Marshal(msg)
	if err != nil || r.broadcastFn == nil {
		return
	}
	for _, id := range r.order {
		r.broadcastFn(id, b)
		r.metrics.IncBroadcastSent()
	}
}

// ── Snapshots ────────────────────────────────────────────────────────

// LobbyState builds (but does not send) the room's lobby_state frame.
func (r *Room) LobbyState() map[string]any {
	return callRoom(r, func(rm *Room) map[string]any {
		return rm.lobbyStateLocked()
	})
}

func (r *Room) lobbyStateLocked() map[string]any {
	players := make([]lobbyPlayerView, 0, len(r.order))
	for _, id := range r.order {
		players = append(players, r.players[id].lobbyView())
	}
	return map[string]any{
		"type":        "lobby_state",
		"room_id":     r.id,
		"state":       r.state.String(),
		"max_players": r.maxPlayers,
		"players":     players,
	}
}

// BroadcastLobbyState sends the current lobby snapshot to everyone.
func (r *Room) BroadcastLobbyState() {
	r.submit(func(rm *Room) { rm.broadcastLocked(rm.lobbyStateLocked()) })
}

func (r *Room) gameStateLocked() map[string]any {
	players := make([]gamePlayerView, 0, len(r.order))
	for _, id := range r.order {
		players = append(players, r.players[id].gameView())
	}
	return map[string]any{
		"type":      "game_state",
		"tick":      r.tick,
		"time_left": 0.0,
		"players":   players,
		"enemies":   []any{},
		"items":     []any{},
	}
}
