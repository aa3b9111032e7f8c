package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rexliu/fedichess/pkg/bridge"
	"github.com/rexliu/fedichess/pkg/bridgetest"
	"github.com/rexliu/fedichess/pkg/client"
	"github.com/rexliu/fedichess/pkg/config"
	"github.com/rexliu/fedichess/pkg/ipc"
	"github.com/rexliu/fedichess/pkg/journal"
	"github.com/rexliu/fedichess/pkg/logging"
	"github.com/rexliu/fedichess/pkg/proto"
)

func TestMain(m *testing.M) {
	bridgetest.RunIfHelper()
	os.Exit(m.Run())
}

// startDaemon wires a daemon to a fake bridge and serves it on a socket.
func startDaemon(t *testing.T, opts bridgetest.Options, timeout time.Duration) (*daemon, string) {
	t.Helper()
	// Unix socket paths are length-limited; keep the directory short.
	dir, err := os.MkdirTemp("", "fcd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	logger := logging.NewWriter(io.Discard, "test")
	d := &daemon{
		hub:         newEventHub(logger),
		logger:      logger,
		profileDir:  dir,
		player:      config.PlayerConfig{ID: "local", Name: "tester", Elo: 1500},
		started:     time.Now(),
		lobbyJoined: make(chan struct{}, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	store, err := journal.Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	d.store = store

	path, args, env, err := bridgetest.HelperCommand(bridgetest.HelperOptions{Options: opts})
	require.NoError(t, err)
	d.client = client.New(client.Options{
		Launch:         bridge.LaunchConfig{Path: path, Args: args, Env: env},
		RequestTimeout: timeout,
	}, logger)
	require.NoError(t, d.client.Start(ctx))

	socket := filepath.Join(dir, "d.sock")
	srv := ipc.NewServer(logger)
	d.registerHandlers(srv)
	require.NoError(t, srv.Start(ctx, socket))

	pumped := make(chan error, 1)
	go func() { pumped <- d.pumpEvents(ctx) }()

	t.Cleanup(func() {
		cancel()
		srv.Stop()
		d.hub.close()
		d.client.Stop()
		<-pumped
		store.Close()
	})
	return d, socket
}

func call(t *testing.T, socket, method string, params any, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := ipc.Dial(ctx, socket)
	require.NoError(t, err)
	defer c.Close()
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if out != nil {
		require.NoError(t, json.Unmarshal(resp.Result, out))
	}
	return nil
}

func TestDaemonLobbyFlow(t *testing.T) {
	d, socket := startDaemon(t, bridgetest.Options{
		LobbyPeers:       []string{"peer-a", "peer-b"},
		AcceptChallenges: true,
	}, 5*time.Second)

	frames := make(chan json.RawMessage, 32)
	subCtx, stopSub := context.WithCancel(context.Background())
	defer stopSub()
	sub, err := ipc.Dial(subCtx, socket)
	require.NoError(t, err)
	defer sub.Close()
	go sub.Subscribe(subCtx, "subscribe_events", nil, func(frame json.RawMessage) error {
		frames <- frame
		return nil
	})
	require.Eventually(t, func() bool { return d.hub.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	// Sending before any room is joined is rejected by the bridge.
	err = call(t, socket, "send", map[string]any{"action": "chat", "payload": map[string]string{"text": "hi"}}, nil)
	var rpcErr *ipc.Error
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeRejected, rpcErr.Code)

	require.NoError(t, call(t, socket, "join_lobby", nil, nil))
	assert.Equal(t, roomLobby, d.currentRoom())

	var peers struct {
		Peers []string `json:"peers"`
		Room  string   `json:"room"`
	}
	require.NoError(t, call(t, socket, "get_peers", nil, &peers))
	assert.Equal(t, []string{"peer-a", "peer-b"}, peers.Peers)
	assert.Equal(t, roomLobby, peers.Room)

	var challenged struct {
		Challenge struct {
			GameID        string `json:"gameId"`
			ChallengerID  string `json:"challengerId"`
			ChallengerElo int    `json:"challengerElo"`
		} `json:"challenge"`
	}
	require.NoError(t, call(t, socket, "challenge", map[string]string{"peerId": "peer-b"}, &challenged))
	assert.Equal(t, "local", challenged.Challenge.ChallengerID)
	assert.Equal(t, 1500, challenged.Challenge.ChallengerElo)
	require.NotEmpty(t, challenged.Challenge.GameID)

	var kinds []string
	deadline := time.After(5 * time.Second)
	for len(kinds) < 3 {
		select {
		case frame := <-frames:
			var ev struct {
				Kind    string `json:"event"`
				PeerID  string `json:"peerId"`
				Payload struct {
					GameID string `json:"gameId"`
				} `json:"payload"`
			}
			require.NoError(t, json.Unmarshal(frame, &ev))
			kinds = append(kinds, ev.Kind)
			if ev.Kind == "challResp" {
				assert.Equal(t, "peer-b", ev.PeerID)
				assert.Equal(t, challenged.Challenge.GameID, ev.Payload.GameID)
			}
		case <-deadline:
			t.Fatalf("events so far: %v", kinds)
		}
	}
	assert.Equal(t, []string{"peerJoin", "peerJoin", "challResp"}, kinds)

	// The subscriber saw the event, but the journal write may still be in
	// flight.
	require.Eventually(t, func() bool {
		entries, err := d.store.Recent(context.Background(), journal.Query{Kind: "challResp"})
		return err == nil && len(entries) == 1
	}, 5*time.Second, 20*time.Millisecond)

	var history struct {
		Entries []journal.Entry `json:"entries"`
	}
	require.NoError(t, call(t, socket, "history", map[string]any{"kind": "challResp"}, &history))
	require.Len(t, history.Entries, 1)
	assert.Equal(t, journal.Inbound, history.Entries[0].Direction)

	require.NoError(t, call(t, socket, "history", map[string]any{"kind": "challenge"}, &history))
	require.Len(t, history.Entries, 1)
	assert.Equal(t, journal.Outbound, history.Entries[0].Direction)
	assert.Equal(t, "peer-b", history.Entries[0].PeerID)

	require.NoError(t, call(t, socket, "leave_lobby", nil, nil))
	assert.Empty(t, d.currentRoom())

	var status daemonStatus
	require.NoError(t, call(t, socket, "status", nil, &status))
	assert.True(t, status.Running)
	assert.Equal(t, "local", status.PlayerID)
	assert.Equal(t, 1, status.Events.Subscribers)
	assert.EqualValues(t, 3, status.Events.Delivered)
}

func TestDaemonInvalidRequests(t *testing.T) {
	_, socket := startDaemon(t, bridgetest.Options{}, 5*time.Second)

	var rpcErr *ipc.Error
	err := call(t, socket, "challenge", map[string]string{}, nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeInvalidRequest, rpcErr.Code)

	err = call(t, socket, "challenge", map[string]string{"peerId": "p", "color": "green"}, nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeInvalidRequest, rpcErr.Code)

	err = call(t, socket, "send", map[string]any{"action": ""}, nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeInvalidRequest, rpcErr.Code)

	err = call(t, socket, "history", "not an object", nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeInvalidRequest, rpcErr.Code)

	err = call(t, socket, "join_game", map[string]string{"gameId": ""}, nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeRejected, rpcErr.Code)
}

func TestDaemonNoResponse(t *testing.T) {
	d, socket := startDaemon(t, bridgetest.Options{Silent: []string{"joinLobby"}}, 200*time.Millisecond)

	var rpcErr *ipc.Error
	err := call(t, socket, "join_lobby", nil, nil)
	require.True(t, errors.As(err, &rpcErr), "got %v", err)
	assert.Equal(t, ipc.CodeNoResponse, rpcErr.Code)
	assert.Empty(t, d.currentRoom())

	// get_peers reports an empty room rather than failing.
	var peers struct {
		Peers []string `json:"peers"`
	}
	require.NoError(t, call(t, socket, "get_peers", nil, &peers))
	assert.Empty(t, peers.Peers)
}

func TestEventHubDropsForSlowSubscribers(t *testing.T) {
	hub := newEventHub(nil)
	slow := hub.register()
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.broadcast(proto.Event{Kind: proto.EventHeartbeat, PeerID: "p1"})
	}
	assert.Len(t, slow.send, subscriberBuffer)
	stats := hub.stats()
	assert.EqualValues(t, subscriberBuffer, stats.Delivered)
	assert.EqualValues(t, 10, stats.Dropped)

	hub.close()
	assert.Nil(t, hub.register())
	frame, open := <-slow.send
	assert.True(t, open)
	assert.JSONEq(t, `{"event":"heartbeat","peerId":"p1"}`, string(frame))
}
