package server

import (
	"encoding/json"
	"errors"
)

const maxChatLen = 200

// inboundFrame is the superset of fields any recognized inbound message
// type might carry. Unrecognized or absent fields simply stay at their
// zero value.
type inboundFrame struct {
	Type    string          `json:"type"`
	Ready   bool            `json:"ready"`
	Message string          `json:"message"`
	Tick    int             `json:"tick"`
	Actions json.RawMessage `json:"actions"`
}

// ErrorFrame builds the standard {"type":"error",...} outbound shape.
func ErrorFrame(code int, message string) map[string]any {
	return map[string]any{"type": "error", "code": code, "message": message}
}

func connectedFrame(playerID string, serverTick int) map[string]any {
	return map[string]any{"type": "connected", "player_id": playerID, "server_tick": serverTick}
}

func playerJoinedFrame(playerID, playerName string) map[string]any {
	return map[string]any{"type": "player_joined", "player_id": playerID, "player_name": playerName}
}

func playerLeftFrame(playerID string) map[string]any {
	return map[string]any{"type": "player_left", "player_id": playerID}
}

// extractActions pulls the string entries out of a JSON array, silently
// dropping anything that isn't a JSON string and capping at
// maxActionsSize. A missing or non-array field decodes as an empty slice.
func extractActions(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil
	}
	actions := make([]string, 0, len(elems))
	for _, e := range elems {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			actions = append(actions, s)
			if len(actions) >= maxActionsSize {
				break
			}
		}
	}
	return actions
}

// decodeInbound parses raw and extracts its message type. This validation
// is independent of whether a room exists to receive the message — a
// caller can run it before ever looking up a room.
func decodeInbound(raw []byte) (string, inboundFrame, error) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", inboundFrame{}, errors.New("Invalid JSON")
	}

	typ, ok := generic["type"].(string)
	if !ok || typ == "" {
		return "", inboundFrame{}, errors.New("Missing or invalid 'type' field")
	}

	var frame inboundFrame
	_ = json.Unmarshal(raw, &frame) // fields already validated loosely above
	return typ, frame, nil
}

// DispatchMessage parses raw as a single inbound frame and applies it to
// room on behalf of playerID, sending any reply frames directly through
// the room. It never panics on malformed input — every failure path
// degrades to an error frame to the sender.
func DispatchMessage(room *Room, playerID string, raw []byte) {
	typ, frame, err := decodeInbound(raw)
	if err != nil {
		room.SendTo(playerID, ErrorFrame(400, err.Error()))
		return
	}
	dispatchParsed(room, playerID, typ, frame)
}

// dispatchParsed applies an already-decoded frame. Split out of
// DispatchMessage so a caller that must validate a frame before a room is
// known to exist (the Gateway's read pump) doesn't parse the payload twice.
func dispatchParsed(room *Room, playerID, typ string, frame inboundFrame) {
	switch typ {
	case "ping":
		room.SendTo(playerID, map[string]any{"type": "pong"})

	case "player_ready":
		room.SetReady(playerID, frame.Ready)

	case "chat_message":
		msg := frame.Message
		if msg == "" {
			room.SendTo(playerID, ErrorFrame(400, "Empty chat message"))
			return
		}
		if runes := []rune(msg); len(runes) > maxChatLen {
			msg = string(runes[:maxChatLen])
			room.Metrics().IncChatTruncated()
		}
		room.HandleChat(playerID, msg)

	case "player_input":
		actions := extractActions(frame.Actions)
		room.QueueInput(playerID, frame.Tick, actions)

	case "player_action", "buy_item":
		// Reserved for future phases; accepted but ignored in the core.

	default:
		room.SendTo(playerID, ErrorFrame(400, "Unknown message type: "+typ))
	}
}
