package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Command names on the wire.
const (
	CmdJoinLobby  = "joinLobby"
	CmdLeaveLobby = "leaveLobby"
	CmdJoinGame   = "joinGame"
	CmdLeaveGame  = "leaveGame"
	CmdSend       = "send"
	CmdGetPeers   = "getPeers"
)

// ErrUnknownCommand is returned by DecodeCommand for an unrecognized cmd.
var ErrUnknownCommand = errors.New("unknown command")

// Command is a request to the bridge. The set of implementations is closed.
type Command interface {
	// Name returns the wire value of the "cmd" member.
	Name() string
	fill(*wireCommand)
}

// JoinLobby joins the global lobby room.
type JoinLobby struct{}

// LeaveLobby leaves the lobby room.
type LeaveLobby struct{}

// JoinGame joins the room of a specific game.
type JoinGame struct {
	GameID string
}

// LeaveGame leaves the current game room.
type LeaveGame struct{}

// Send broadcasts an action to every peer in the current room, or to PeerID
// alone when it is set.
type Send struct {
	Action  string
	Payload json.RawMessage
	PeerID  string
}

// GetPeers lists the peers in the current room.
type GetPeers struct{}

func (JoinLobby) Name() string  { return CmdJoinLobby }
func (LeaveLobby) Name() string { return CmdLeaveLobby }
func (JoinGame) Name() string   { return CmdJoinGame }
func (LeaveGame) Name() string  { return CmdLeaveGame }
func (Send) Name() string       { return CmdSend }
func (GetPeers) Name() string   { return CmdGetPeers }

func (JoinLobby) fill(*wireCommand)  {}
func (LeaveLobby) fill(*wireCommand) {}
func (LeaveGame) fill(*wireCommand)  {}
func (GetPeers) fill(*wireCommand)   {}

func (c JoinGame) fill(w *wireCommand) { w.GameID = c.GameID }

func (c Send) fill(w *wireCommand) {
	w.Action = c.Action
	w.Payload = c.Payload
	w.PeerID = c.PeerID
}

// NewSend builds a Send command, marshalling payload to JSON.
func NewSend(action string, payload any, peerID string) (Send, error) {
	var raw json.RawMessage
	switch v := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Send{}, fmt.Errorf("marshal %s payload: %w", action, err)
		}
		raw = data
	}
	return Send{Action: action, Payload: raw, PeerID: peerID}, nil
}

// wireCommand is the flat JSON shape shared by every command.
type wireCommand struct {
	Cmd     string          `json:"cmd"`
	GameID  string          `json:"gameId,omitempty"`
	Action  string          `json:"action,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	PeerID  string          `json:"peerId,omitempty"`
	ID      string          `json:"id,omitempty"`
}

// Encode renders cmd with request identifier id as a single JSON line
// without the trailing newline.
func Encode(cmd Command, id string) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("nil command")
	}
	w := wireCommand{Cmd: cmd.Name(), ID: id}
	cmd.fill(&w)
	return json.Marshal(w)
}

// DecodeCommand parses a command line as the bridge would, returning the
// command and its request identifier. Missing fields are left empty rather
// than rejected; that is the bridge's decision.
func DecodeCommand(line []byte) (Command, string, error) {
	var w wireCommand
	if err := json.Unmarshal(line, &w); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch w.Cmd {
	case CmdJoinLobby:
		return JoinLobby{}, w.ID, nil
	case CmdLeaveLobby:
		return LeaveLobby{}, w.ID, nil
	case CmdJoinGame:
		return JoinGame{GameID: w.GameID}, w.ID, nil
	case CmdLeaveGame:
		return LeaveGame{}, w.ID, nil
	case CmdSend:
		return Send{Action: w.Action, Payload: w.Payload, PeerID: w.PeerID}, w.ID, nil
	case CmdGetPeers:
		return GetPeers{}, w.ID, nil
	default:
		return nil, w.ID, fmt.Errorf("%w: %s", ErrUnknownCommand, w.Cmd)
	}
}
