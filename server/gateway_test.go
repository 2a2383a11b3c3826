package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startTestGateway(t *testing.T, verifyKey []byte) (*httptest.Server, *Registry, *Ticker) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MaxPlayersPerRoom = 4
	registry := NewRegistry(cfg.MaxRooms, cfg.MaxPlayersPerRoom)
	gw := NewGateway(cfg, registry, verifyKey)

	mux := http.NewServeMux()
	gw.RegisterRoutes(mux)
	srv := httptest.NewServer(mux)

	tick := NewTicker(registry, 50) // 20ms ticks, fast enough for tests
	go tick.Run()

	t.Cleanup(func() {
		tick.Stop()
		srv.Close()
	})
	return srv, registry, tick
}

func wsURL(srv *httptest.Server, roomCode, token string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + roomCode
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func dialRoom(t *testing.T, srv *httptest.Server, roomCode, token string) (*websocket.Conn, *http.Response) {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, roomCode, token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn, resp
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		t.Fatalf("frame not JSON: %v (%s)", err, payload)
	}
	return m
}

func readUntilType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame failed while waiting for %q: %v", want, err)
		}
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			continue
		}
		if m["type"] == want {
			return m
		}
	}
	t.Fatalf("timed out waiting for frame type %q", want)
	return nil
}

// Scenario 1: two-player start.
func TestGatewayTwoPlayerStart(t *testing.T) {
	srv, _, _ := startTestGateway(t, nil)

	connA, _ := dialRoom(t, srv, "r1", "")
	defer connA.Close()
	readUntilType(t, connA, "connected")

	connB, _ := dialRoom(t, srv, "r1", "")
	defer connB.Close()
	readUntilType(t, connB, "connected")

	mustWriteJSON(t, connA, map[string]any{"type": "player_ready", "ready": true})
	mustWriteJSON(t, connB, map[string]any{"type": "player_ready", "ready": true})

	readUntilType(t, connA, "game_start")
	readUntilType(t, connB, "game_start")

	state := readUntilType(t, connA, "game_state")
	if _, ok := state["tick"]; !ok {
		t.Fatalf("expected tick field in game_state")
	}
}

// Scenario 2 (integration half; exact physics covered in player_test.go).
func TestGatewayJumpInputDrivesSimulation(t *testing.T) {
	srv, _, _ := startTestGateway(t, nil)

	connA, _ := dialRoom(t, srv, "r2", "")
	defer connA.Close()
	readUntilType(t, connA, "connected")
	connB, _ := dialRoom(t, srv, "r2", "")
	defer connB.Close()
	readUntilType(t, connB, "connected")

	mustWriteJSON(t, connA, map[string]any{"type": "player_ready", "ready": true})
	mustWriteJSON(t, connB, map[string]any{"type": "player_ready", "ready": true})
	readUntilType(t, connA, "game_start")

	mustWriteJSON(t, connA, map[string]any{"type": "player_input", "tick": 1, "actions": []string{"jump"}})

	sawJumping := false
	for i := 0; i < 20; i++ {
		state := readUntilType(t, connA, "game_state")
		players, _ := state["players"].([]any)
		for _, pAny := range players {
			p, _ := pAny.(map[string]any)
			if p["state"] == "jumping" {
				sawJumping = true
			}
		}
		if sawJumping {
			break
		}
	}
	if !sawJumping {
		t.Fatalf("expected at least one game_state frame to show a jumping player")
	}
}

// Scenario 3: reconnect displaces the old socket.
func TestGatewayReconnectDisplacesOldSocket(t *testing.T) {
	key := []byte("sharedsecret")
	srv, registry, _ := startTestGateway(t, key)

	token := signToken(t, key, map[string]any{"sub": "u1", "username": "Dup"})

	first, _ := dialRoom(t, srv, "r3", token)
	defer first.Close()
	readUntilType(t, first, "connected")
	readUntilType(t, first, "lobby_state")

	second, _ := dialRoom(t, srv, "r3", token)
	defer second.Close()
	readUntilType(t, second, "connected")

	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected first socket to be closed by the reconnect")
	}

	room, ok := registry.Get("r3")
	if !ok {
		t.Fatalf("expected room r3 to exist")
	}
	if snap := room.Snapshot(); snap.PlayerCnt != 1 {
		t.Fatalf("expected exactly one player after displacement, got %d", snap.PlayerCnt)
	}
}

// Scenario 4: empty room eviction.
func TestGatewayEmptyRoomEviction(t *testing.T) {
	srv, registry, _ := startTestGateway(t, nil)

	connA, _ := dialRoom(t, srv, "r4", "")
	readUntilType(t, connA, "connected")
	connB, _ := dialRoom(t, srv, "r4", "")
	readUntilType(t, connB, "connected")

	connA.Close()
	connB.Close()

	waitFor(t, func() bool {
		_, ok := registry.Get("r4")
		return !ok
	})

	resp, err := http.Get(srv.URL + "/info")
	if err != nil {
		t.Fatalf("GET /info: %v", err)
	}
	defer resp.Body.Close()
	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("decode /info: %v", err)
	}
	if int(info["rooms_active"].(float64)) != 0 {
		t.Fatalf("expected rooms_active=0 after eviction, got %v", info["rooms_active"])
	}
}

// Scenario 5: invalid JSON does not kill the connection.
func TestGatewayInvalidJSONKeepsConnectionAlive(t *testing.T) {
	srv, _, _ := startTestGateway(t, nil)

	conn, _ := dialRoom(t, srv, "r5", "")
	defer conn.Close()
	readUntilType(t, conn, "connected")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := readUntilType(t, conn, "error")
	if errFrame["message"] != "Invalid JSON" {
		t.Fatalf("unexpected error message: %v", errFrame["message"])
	}

	mustWriteJSON(t, conn, map[string]any{"type": "ping"})
	readUntilType(t, conn, "pong")
}

// Scenario 6: unknown message type.
func TestGatewayUnknownMessageType(t *testing.T) {
	srv, _, _ := startTestGateway(t, nil)

	conn, _ := dialRoom(t, srv, "r6", "")
	defer conn.Close()
	readUntilType(t, conn, "connected")

	mustWriteJSON(t, conn, map[string]any{"type": "teleport"})
	errFrame := readUntilType(t, conn, "error")
	if errFrame["message"] != "Unknown message type: teleport" {
		t.Fatalf("unexpected error message: %v", errFrame["message"])
	}
}

// Scenario 7: a malformed frame is rejected before the room is looked up.
// If a connection's room vanishes out from under it (evicted by a concurrent
// sweep) and the client also sends invalid JSON, the client must still see
// 400 "Invalid JSON", not 404 "Room not found" — proving parsing happens
// before the room lookup.
func TestGatewayParseErrorPrecedesRoomLookup(t *testing.T) {
	srv, registry, _ := startTestGateway(t, nil)

	conn, _ := dialRoom(t, srv, "r7", "")
	defer conn.Close()
	readUntilType(t, conn, "connected")

	registry.mu.Lock()
	delete(registry.rooms, "r7")
	registry.mu.Unlock()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	errFrame := readUntilType(t, conn, "error")
	if errFrame["message"] != "Invalid JSON" {
		t.Fatalf("expected 'Invalid JSON' despite missing room, got: %v", errFrame["message"])
	}
}

func mustWriteJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}
