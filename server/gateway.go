package server

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxInboundFrameBytes = 16 * 1024
	maxBackpressureBytes = 64 * 1024
	idleTimeout          = 120 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The reference deployment sits behind a reverse proxy that
		// handles origin restriction; the game server itself accepts any
		// origin the same way the C++ reference (uWS, no CORS layer) does.
		return true
	},
}

// clientConn is the Gateway's per-connection bookkeeping: the socket, its
// outbound queue, and the admitted identity. playerID is cleared ("") to
// tombstone the connection so a concurrent close is a no-op — see
// Gateway.resolveReconnect.
type clientConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	metrics *RoomMetrics

	mu         sync.Mutex
	playerID   string
	playerName string
	roomID     string

	pendingBytes int64
	closed       atomic.Bool
}

func newClientConn(ws *websocket.Conn, playerID, playerName, roomID string, metrics *RoomMetrics) *clientConn {
	return &clientConn{
		ws:         ws,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		metrics:    metrics,
		playerID:   playerID,
		playerName: playerName,
		roomID:     roomID,
	}
}

// tombstone clears the stored player id so a racing close handler becomes
// a no-op. Returns the identity that was cleared (empty if it was already
// tombstoned).
func (c *clientConn) tombstone() (playerID, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	playerID, roomID = c.playerID, c.roomID
	c.playerID = ""
	return playerID, roomID
}

func (c *clientConn) identity() (playerID, playerName, roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID, c.playerName, c.roomID
}

// enqueue queues payload for delivery. On backpressure overflow — more
// than 64 KiB of unsent frames, or a full channel — the connection is
// dropped rather than allowed to stall the room's broadcast fan-out.
func (c *clientConn) enqueue(payload []byte) {
	if c.closed.Load() {
		return
	}
	if atomic.AddInt64(&c.pendingBytes, int64(len(payload))) > maxBackpressureBytes {
		atomic.AddInt64(&c.pendingBytes, -int64(len(payload)))
		Log.Warnf("dropping connection for backpressure overflow")
		c.incBackpressureDrop()
		c.forceClose()
		return
	}
	select {
	case c.send <- payload:
	default:
		atomic.AddInt64(&c.pendingBytes, -int64(len(payload)))
		c.incBackpressureDrop()
		c.forceClose()
	}
}

func (c *clientConn) incBackpressureDrop() {
	if c.metrics != nil {
		c.metrics.IncBackpressureDrop()
	}
}

// forceClose closes the socket and unblocks writePump via done. It never
// closes send itself — enqueue can race a close from another goroutine,
// and sending on a closed channel would panic.
func (c *clientConn) forceClose() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
		_ = c.ws.Close()
	}
}

func (c *clientConn) writePump() {
	defer c.forceClose()
	for {
		select {
		case payload := <-c.send:
			atomic.AddInt64(&c.pendingBytes, -int64(len(payload)))
			c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// Gateway is the Connection Gateway: it owns the HTTP surface, drives
// admission through the Registry, and holds the weak player_id → handle
// map used only to dispatch outbound frames.
type Gateway struct {
	cfg       Config
	registry  *Registry
	verifyKey []byte // nil means dev mode

	handlesMu sync.Mutex
	handles   map[string]*clientConn
}

// NewGateway wires a Gateway over registry, using verifyKey for token
// admission (nil puts every connection in dev mode).
func NewGateway(cfg Config, registry *Registry, verifyKey []byte) *Gateway {
	return &Gateway{
		cfg:       cfg,
		registry:  registry,
		verifyKey: verifyKey,
		handles:   make(map[string]*clientConn),
	}
}

func (g *Gateway) setHandle(playerID string, c *clientConn) {
	g.handlesMu.Lock()
	g.handles[playerID] = c
	g.handlesMu.Unlock()
}

func (g *Gateway) takeHandle(playerID string) *clientConn {
	g.handlesMu.Lock()
	defer g.handlesMu.Unlock()
	c, ok := g.handles[playerID]
	if !ok {
		return nil
	}
	delete(g.handles, playerID)
	return c
}

func (g *Gateway) removeHandle(playerID string) {
	g.handlesMu.Lock()
	delete(g.handles, playerID)
	g.handlesMu.Unlock()
}

// dispatch is bound as every Room's BroadcastFunc. It looks the target
// player up in the weak handle map and enqueues the payload; a missing
// handle (already closed) is silently dropped.
func (g *Gateway) dispatch(playerID string, payload []byte) {
	g.handlesMu.Lock()
	c, ok := g.handles[playerID]
	g.handlesMu.Unlock()
	if ok {
		c.enqueue(payload)
	}
}

// RegisterRoutes mounts the Gateway's HTTP surface onto mux.
func (g *Gateway) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /info", g.handleInfo)
	mux.HandleFunc("GET /ws/{roomCode}", g.handleUpgrade)
	mux.HandleFunc("GET /admin/rooms/{roomCode}/metrics", g.handleRoomMetrics)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (g *Gateway) handleInfo(w http.ResponseWriter, r *http.Request) {
	stats := g.registry.Stats()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"rooms_active":   stats.RoomsActive,
		"rooms_playing":  stats.RoomsPlaying,
		"players_online": stats.PlayersOnline,
		"tick":           stats.Tick,
	})
}

// handleRoomMetrics is a debug surface exposing one room's atomic
// counters, in the spirit of the reference arena server's /metrics
// endpoint. It is additive to the core protocol and never participates in
// admission or gameplay.
func (g *Gateway) handleRoomMetrics(w http.ResponseWriter, r *http.Request) {
	roomCode := r.PathValue("roomCode")
	room, ok := g.registry.Get(roomCode)
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"room":    roomCode,
		"tick":    room.Snapshot().Tick,
		"metrics": room.Metrics().Snapshot(),
	})
}

// handleUpgrade implements the admission algorithm of §4.1: token
// verification (or dev mode), capacity gating, reconnect resolution, and
// finally the HTTP → WebSocket upgrade.
func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	roomCode := r.PathValue("roomCode")
	if roomCode == "" {
		http.Error(w, "Missing room code in path", http.StatusBadRequest)
		return
	}

	playerID, playerName, err := g.resolveIdentity(r)
	if err != nil {
		http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	room, ok := g.registry.GetOrCreate(roomCode)
	if !ok {
		http.Error(w, "Server at max room capacity", http.StatusServiceUnavailable)
		return
	}

	reconnecting := room.HasPlayer(playerID)
	g.resolveReconnect(room, playerID)
	if reconnecting && room.IsFinished() {
		// Displacing the room's only occupant emptied it, which finishes
		// it; sweep it away and admit the reconnecting player into a fresh
		// room under the same id.
		g.registry.Sweep()
		if room, ok = g.registry.GetOrCreate(roomCode); !ok {
			http.Error(w, "Server at max room capacity", http.StatusServiceUnavailable)
			return
		}
	}

	snap := room.Snapshot()
	if snap.PlayerCnt >= snap.MaxPlayers {
		http.Error(w, "Room is full", http.StatusForbidden)
		return
	}
	if snap.State == RoomFinished {
		http.Error(w, "Room is finished", http.StatusForbidden)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Log.Warnf("ws upgrade failed: %v", err)
		return
	}

	conn := newClientConn(ws, playerID, playerName, roomCode, room.Metrics())
	ws.SetReadLimit(maxInboundFrameBytes)
	ws.SetReadDeadline(time.Now().Add(idleTimeout))

	go conn.writePump()
	go g.serveConnection(conn, room)
}

// resolveIdentity verifies the token (if configured and present) or
// generates a dev-mode identity.
func (g *Gateway) resolveIdentity(r *http.Request) (playerID, playerName string, err error) {
	token := r.URL.Query().Get("token")
	if len(g.verifyKey) > 0 && token != "" {
		claims, verr := VerifyToken(token, g.verifyKey)
		if verr != nil {
			return "", "", verr
		}
		return claims.Sub, claims.Username, nil
	}
	return randomPlayerID(8), "Player", nil
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomPlayerID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}

// resolveReconnect implements §4.1 step 4: if the room already holds this
// identity, the prior socket is tombstoned and force-closed and the prior
// Player removed, before the new join proceeds.
func (g *Gateway) resolveReconnect(room *Room, playerID string) {
	if !room.HasPlayer(playerID) {
		return
	}
	if prev := g.takeHandle(playerID); prev != nil {
		prev.tombstone()
		prev.forceClose()
		Log.Infof("reconnect: displaced prior socket for player %s in room %s", playerID, room.ID())
	}
	room.RemovePlayer(playerID)
}

// serveConnection runs the post-upgrade "open" sequence and then the read
// pump for the lifetime of the connection.
func (g *Gateway) serveConnection(conn *clientConn, room *Room) {
	playerID, playerName, roomID := conn.identity()

	g.setHandle(playerID, conn)
	room.SetBroadcastFunc(g.dispatch)

	player := NewPlayer(playerID, playerName)
	if !room.AddPlayer(player) {
		conn.enqueue(encodeFrame(ErrorFrame(403, "Could not join room")))
		conn.forceClose()
		return
	}

	room.SendTo(playerID, connectedFrame(playerID, 0))
	room.BroadcastExcept(playerID, playerJoinedFrame(playerID, playerName))
	room.BroadcastLobbyState()

	g.readPump(conn, roomID)
}

func encodeFrame(msg any) []byte {
	b, _ := json.Marshal(msg)
	return b
}

// readPump reads inbound frames until the connection errors or idles out,
// dispatching each to the bound room. On return it performs the Gateway's
// close sequence.
func (g *Gateway) readPump(conn *clientConn, roomID string) {
	defer g.onClose(conn)

	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(idleTimeout))

		playerID, _, _ := conn.identity()
		if playerID == "" {
			// Tombstoned mid-read by a reconnect; stop without touching
			// room state (the reconnecting handler already did).
			return
		}

		typ, frame, perr := decodeInbound(payload)
		if perr != nil {
			conn.enqueue(encodeFrame(ErrorFrame(400, perr.Error())))
			continue
		}

		room, ok := g.registry.Get(roomID)
		if !ok {
			conn.enqueue(encodeFrame(ErrorFrame(404, "Room not found")))
			continue
		}
		dispatchParsed(room, playerID, typ, frame)
	}
}

// onClose implements §4.1's close sequence: tombstoned connections are a
// no-op; otherwise remove the handle and player, broadcast player_left,
// refresh the lobby snapshot if the room survives, and sweep the
// registry.
func (g *Gateway) onClose(conn *clientConn) {
	playerID, roomID := conn.tombstone()
	if playerID == "" {
		return
	}

	g.removeHandle(playerID)

	if room, ok := g.registry.Get(roomID); ok {
		room.RemovePlayer(playerID)
		room.Broadcast(playerLeftFrame(playerID))
		if !room.IsEmpty() {
			room.BroadcastLobbyState()
		}
	}

	g.registry.Sweep()
}
