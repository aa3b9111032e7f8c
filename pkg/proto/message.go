package proto

import (
	"encoding/json"
	"fmt"
)

// EventKind is the value of an event's "event" member.
type EventKind string

// Events emitted by the bridge. Room actions are relayed from peers; the
// last two report room membership changes.
const (
	EventHeartbeat EventKind = "heartbeat"
	EventChallenge EventKind = "challenge"
	EventChallResp EventKind = "challResp"
	EventMove      EventKind = "move"
	EventChat      EventKind = "chat"
	EventGameEvent EventKind = "gameEvent"
	EventSync      EventKind = "sync"
	EventHistory   EventKind = "history"
	EventHistSync  EventKind = "histSync"
	EventRole      EventKind = "role"
	EventPeerJoin  EventKind = "peerJoin"
	EventPeerLeave EventKind = "peerLeave"
)

// RoomActions lists the actions the bridge relays from peers as events.
var RoomActions = []EventKind{
	EventHeartbeat, EventChallenge, EventChallResp, EventMove, EventChat,
	EventGameEvent, EventSync, EventHistory, EventHistSync, EventRole,
}

// Known reports whether k is one of the kinds the bridge documents.
// Unknown kinds are still delivered.
func (k EventKind) Known() bool {
	switch k {
	case EventHeartbeat, EventChallenge, EventChallResp, EventMove, EventChat,
		EventGameEvent, EventSync, EventHistory, EventHistSync, EventRole,
		EventPeerJoin, EventPeerLeave:
		return true
	}
	return false
}

// Response answers exactly one command.
type Response struct {
	ID    string   `json:"id,omitempty"`
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Peers []string `json:"peers,omitempty"`

	// Raw holds the complete response object.
	Raw json.RawMessage `json:"-"`
}

// Decode unmarshals the full response object into v, for results carrying
// fields beyond ok, error and peers.
func (r Response) Decode(v any) error {
	if len(r.Raw) == 0 {
		return fmt.Errorf("response %s has no body", r.ID)
	}
	return json.Unmarshal(r.Raw, v)
}

// Event is an unsolicited notification from the bridge.
type Event struct {
	Kind    EventKind       `json:"event"`
	PeerID  string          `json:"peerId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HasPayload reports whether the event carries a non-null payload.
func (e Event) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if !e.HasPayload() {
		return fmt.Errorf("%s event has no payload", e.Kind)
	}
	return json.Unmarshal(e.Payload, v)
}
