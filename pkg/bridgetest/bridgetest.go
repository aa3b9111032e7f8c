// Package bridgetest provides an in-memory stand-in for the FediChess Node
// bridge. It speaks the same line protocol, answers every command the way
// the real bridge does, and simulates a room full of peers, so clients can
// be exercised without Node, trackers or WebRTC.
package bridgetest

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rexliu/fedichess/pkg/proto"
)

// Options shapes the simulated lobby.
type Options struct {
	// LobbyPeers are present in the lobby room.
	LobbyPeers []string `json:"lobbyPeers,omitempty"`
	// GamePeers are present in every game room.
	GamePeers []string `json:"gamePeers,omitempty"`
	// Silent lists commands that are read but never answered.
	Silent []string `json:"silent,omitempty"`
	// Noise interleaves non-JSON diagnostic output with every reply.
	Noise bool `json:"noise,omitempty"`
	// AcceptChallenges makes the challenged peer answer with a challResp
	// event.
	AcceptChallenges bool `json:"acceptChallenges,omitempty"`
	// HeartbeatInterval makes every lobby peer broadcast a heartbeat at
	// this interval while the lobby is joined.
	HeartbeatInterval time.Duration `json:"heartbeatInterval,omitempty"`
	// ReplyDelay postpones every answer.
	ReplyDelay time.Duration `json:"replyDelay,omitempty"`
}

// Bridge is one simulated bridge session.
type Bridge struct {
	opts   Options
	silent map[string]bool

	wmu sync.Mutex
	w   *bufio.Writer

	mu      sync.Mutex
	lobby   bool
	game    string
	current string
	stopHB  chan struct{}
}

// New returns a bridge writing to w.
func New(w io.Writer, opts Options) *Bridge {
	b := &Bridge{opts: opts, w: bufio.NewWriter(w), silent: make(map[string]bool)}
	for _, cmd := range opts.Silent {
		b.silent[cmd] = true
	}
	return b
}

// Serve runs a bridge session over r and w until r reaches end of stream.
func Serve(r io.Reader, w io.Writer, opts Options) error {
	return New(w, opts).Serve(r)
}

// Serve reads commands from r until end of stream.
func (b *Bridge) Serve(r io.Reader) error {
	defer b.stopHeartbeats()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			if werr := b.handleLine([]byte(trimmed)); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Emit pushes an event as if a peer had sent it.
func (b *Bridge) Emit(kind proto.EventKind, peerID string, payload any) error {
	obj := map[string]any{"event": string(kind), "payload": payload}
	if peerID != "" {
		obj["peerId"] = peerID
	} else {
		obj["peerId"] = nil
	}
	return b.out(obj)
}

func (b *Bridge) handleLine(line []byte) error {
	cmd, id, err := proto.DecodeCommand(line)
	if errors.Is(err, proto.ErrMalformed) {
		return b.out(map[string]any{"ok": false, "error": "Invalid JSON"})
	}
	name := ""
	if cmd != nil {
		name = cmd.Name()
	}
	if b.silent[name] {
		return nil
	}
	if b.opts.ReplyDelay > 0 {
		time.Sleep(b.opts.ReplyDelay)
	}
	if b.opts.Noise {
		if err := b.raw(fmt.Sprintf("[bridge] handling %s", name)); err != nil {
			return err
		}
	}

	reply := func(obj map[string]any) error {
		if id != "" {
			obj["id"] = id
		}
		return b.out(obj)
	}
	if err != nil {
		var w struct {
			Cmd string `json:"cmd"`
		}
		_ = json.Unmarshal(line, &w)
		return reply(map[string]any{"ok": false, "error": "Unknown command: " + w.Cmd})
	}

	switch c := cmd.(type) {
	case proto.JoinLobby:
		b.mu.Lock()
		b.lobby = true
		b.current = "lobby"
		b.mu.Unlock()
		if err := reply(map[string]any{"ok": true}); err != nil {
			return err
		}
		b.startHeartbeats()
		return b.announce(b.opts.LobbyPeers)
	case proto.LeaveLobby:
		b.mu.Lock()
		if b.lobby && b.current == "lobby" {
			b.current = ""
		}
		b.lobby = false
		b.mu.Unlock()
		b.stopHeartbeats()
		return reply(map[string]any{"ok": true})
	case proto.JoinGame:
		if c.GameID == "" {
			return reply(map[string]any{"ok": false, "error": "joinGame requires gameId"})
		}
		b.mu.Lock()
		b.game = c.GameID
		b.current = "game:" + c.GameID
		b.mu.Unlock()
		if err := reply(map[string]any{"ok": true}); err != nil {
			return err
		}
		return b.announce(b.opts.GamePeers)
	case proto.LeaveGame:
		b.mu.Lock()
		if b.game != "" && b.current == "game:"+b.game {
			b.current = ""
		}
		b.game = ""
		b.mu.Unlock()
		return reply(map[string]any{"ok": true})
	case proto.Send:
		if c.Action == "" {
			return reply(map[string]any{"ok": false, "error": "send requires action"})
		}
		if b.room() == "" {
			return reply(map[string]any{"ok": false, "error": "No room joined (joinLobby or joinGame first)"})
		}
		if err := reply(map[string]any{"ok": true}); err != nil {
			return err
		}
		return b.react(c)
	case proto.GetPeers:
		return reply(map[string]any{"ok": true, "peers": b.peers()})
	default:
		return reply(map[string]any{"ok": false, "error": "Unknown command: " + name})
	}
}

// react simulates what peers do after receiving an action.
func (b *Bridge) react(send proto.Send) error {
	if send.Action != string(proto.EventChallenge) || !b.opts.AcceptChallenges {
		return nil
	}
	var challenge struct {
		GameID string `json:"gameId"`
	}
	_ = json.Unmarshal(send.Payload, &challenge)
	responder := send.PeerID
	if responder == "" {
		peers := b.peers()
		if len(peers) == 0 {
			return nil
		}
		responder = peers[0]
	}
	return b.Emit(proto.EventChallResp, responder, map[string]any{
		"type":        "challResp",
		"gameId":      challenge.GameID,
		"accepted":    true,
		"responderId": responder,
		"timestamp":   time.Now().UnixMilli(),
	})
}

func (b *Bridge) announce(peers []string) error {
	for _, peer := range peers {
		if err := b.Emit(proto.EventPeerJoin, peer, nil); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) room() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Bridge) peers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.current == "lobby":
		return append([]string{}, b.opts.LobbyPeers...)
	case strings.HasPrefix(b.current, "game:"):
		return append([]string{}, b.opts.GamePeers...)
	default:
		return []string{}
	}
}

func (b *Bridge) startHeartbeats() {
	if b.opts.HeartbeatInterval <= 0 || len(b.opts.LobbyPeers) == 0 {
		return
	}
	b.mu.Lock()
	if b.stopHB != nil {
		b.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	b.stopHB = stop
	b.mu.Unlock()

	go func() {
		ticker := time.NewTicker(b.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			for _, peer := range b.opts.LobbyPeers {
				hb := map[string]any{
					"id":        peer,
					"name":      peer,
					"elo":       1200,
					"ready":     true,
					"timestamp": time.Now().UnixMilli(),
				}
				if err := b.Emit(proto.EventHeartbeat, peer, hb); err != nil {
					return
				}
			}
		}
	}()
}

func (b *Bridge) stopHeartbeats() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopHB != nil {
		close(b.stopHB)
		b.stopHB = nil
	}
}

func (b *Bridge) out(obj map[string]any) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return b.raw(string(data))
}

func (b *Bridge) raw(line string) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return b.w.Flush()
}
