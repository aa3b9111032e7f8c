package main

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rexliu/fedichess/pkg/client"
	"github.com/rexliu/fedichess/pkg/core"
	"github.com/rexliu/fedichess/pkg/ipc"
	"github.com/rexliu/fedichess/pkg/journal"
	"github.com/rexliu/fedichess/pkg/proto"
)

const roomLobby = "lobby"

func (d *daemon) registerHandlers(srv *ipc.Server) {
	srv.Register("ping", pingHandler(d.logger))
	srv.Register("status", d.handleStatus)
	srv.Register("join_lobby", d.handleJoinLobby)
	srv.Register("leave_lobby", d.handleLeaveLobby)
	srv.Register("join_game", d.handleJoinGame)
	srv.Register("leave_game", d.handleLeaveGame)
	srv.Register("send", d.handleSend)
	srv.Register("get_peers", d.handleGetPeers)
	srv.Register("heartbeat", d.handleHeartbeat)
	srv.Register("challenge", d.handleChallenge)
	srv.Register("history", d.handleHistory)
	srv.RegisterStream("subscribe_events", d.handleSubscribeEvents)
}

func pingHandler(logger interface{ Debugf(string, ...any) }) ipc.HandlerFunc {
	return func(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
		now := time.Now().UnixMilli()
		logger.Debugf("received ping at %d", now)
		return map[string]any{"now": now}, nil
	}
}

func (d *daemon) handleStatus(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.status(), nil
}

func (d *daemon) handleJoinLobby(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	res, err := d.client.JoinLobby(ctx)
	if rpcErr := resultError(res, err); rpcErr != nil {
		return nil, rpcErr
	}
	d.setRoom(roomLobby)
	select {
	case d.lobbyJoined <- struct{}{}:
	default:
	}
	return okResult(res), nil
}

func (d *daemon) handleLeaveLobby(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	res, err := d.client.LeaveLobby(ctx)
	if rpcErr := resultError(res, err); rpcErr != nil {
		return nil, rpcErr
	}
	d.clearRoom(roomLobby)
	return okResult(res), nil
}

func (d *daemon) handleJoinGame(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		GameID string `json:"gameId"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	res, err := d.client.JoinGame(ctx, req.GameID)
	if rpcErr := resultError(res, err); rpcErr != nil {
		return nil, rpcErr
	}
	d.setRoom("game:" + req.GameID)
	return okResult(res), nil
}

func (d *daemon) handleLeaveGame(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	res, err := d.client.LeaveGame(ctx)
	if rpcErr := resultError(res, err); rpcErr != nil {
		return nil, rpcErr
	}
	d.mu.Lock()
	if strings.HasPrefix(d.room, "game:") {
		d.room = ""
	}
	d.mu.Unlock()
	return okResult(res), nil
}

type sendParams struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
	PeerID  string          `json:"peerId"`
}

func (d *daemon) handleSend(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req sendParams
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.Action == "" {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "action required", nil)
	}
	return d.send(ctx, req.Action, req.Payload, req.PeerID)
}

func (d *daemon) send(ctx context.Context, action string, payload any, peerID string) (any, *ipc.Error) {
	cmd, err := proto.NewSend(action, payload, peerID)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
	}
	res, err := d.client.Send(ctx, cmd.Action, cmd.Payload, cmd.PeerID)
	if rpcErr := resultError(res, err); rpcErr != nil {
		return nil, rpcErr
	}
	if d.store != nil {
		if _, err := d.store.RecordSend(ctx, cmd); err != nil {
			d.logger.Warnf("journal %s send: %v", action, err)
		}
	}
	return okResult(res), nil
}

func (d *daemon) handleGetPeers(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	peers, err := d.client.GetPeers(ctx)
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeBridge, err.Error(), nil)
	}
	return map[string]any{"peers": peers, "room": d.currentRoom()}, nil
}

func (d *daemon) handleHeartbeat(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	hb := core.NewHeartbeat(d.localPlayer())
	if err := core.ValidateHeartbeat(hb); err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
	}
	return d.send(ctx, string(proto.EventHeartbeat), hb, "")
}

func (d *daemon) handleChallenge(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		PeerID string     `json:"peerId"`
		Color  core.Color `json:"color"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.PeerID == "" {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, "peerId required", nil)
	}
	if req.Color == "" {
		req.Color = core.ColorWhite
	}
	challenge := core.NewChallenge(d.localPlayer(), req.Color)
	if err := core.ValidateChallenge(challenge); err != nil {
		return nil, ipc.Errorf(ipc.CodeInvalidRequest, err.Error(), nil)
	}
	if _, rpcErr := d.send(ctx, string(proto.EventChallenge), challenge, req.PeerID); rpcErr != nil {
		return nil, rpcErr
	}
	return map[string]any{"ok": true, "challenge": challenge}, nil
}

func (d *daemon) handleHistory(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	if d.store == nil {
		return nil, ipc.Errorf(ipc.CodeStorage, "journal disabled", nil)
	}
	var req struct {
		Kind  string `json:"kind"`
		Since int64  `json:"since"`
		Limit int    `json:"limit"`
	}
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	entries, err := d.store.Recent(ctx, journal.Query{Kind: req.Kind, Since: req.Since, Limit: req.Limit})
	if err != nil {
		return nil, ipc.Errorf(ipc.CodeStorage, err.Error(), nil)
	}
	return map[string]any{"entries": entries}, nil
}

func (d *daemon) handleSubscribeEvents(ctx context.Context, params json.RawMessage) (<-chan []byte, *ipc.Error) {
	if d.hub == nil {
		return nil, ipc.Errorf(ipc.CodeInternal, "event hub unavailable", nil)
	}
	client := d.hub.register()
	if client == nil {
		return nil, ipc.Errorf(ipc.CodeInternal, "daemon shutting down", nil)
	}
	go func() {
		<-ctx.Done()
		d.hub.unregister(client)
	}()
	return client.send, nil
}

func (d *daemon) localPlayer() core.Player {
	return core.Player{ID: d.player.ID, Name: d.player.Name, Elo: d.player.Elo}
}

func (d *daemon) setRoom(room string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.room = room
}

func (d *daemon) clearRoom(room string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.room == room {
		d.room = ""
	}
}

func (d *daemon) currentRoom() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.room
}

func decodeParams(params json.RawMessage, v any) *ipc.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return ipc.Errorf(ipc.CodeInvalidRequest, "invalid params", nil)
	}
	return nil
}

// resultError maps a bridge outcome onto an IPC error, or nil on success.
func resultError(res client.Result, err error) *ipc.Error {
	switch {
	case err != nil:
		return ipc.Errorf(ipc.CodeBridge, err.Error(), nil)
	case res.Err != nil:
		return ipc.Errorf(ipc.CodeNoResponse, res.Err.Error(), map[string]any{"requestId": res.ID})
	case !res.OK:
		return ipc.Errorf(ipc.CodeRejected, res.Error, map[string]any{"requestId": res.ID})
	}
	return nil
}

func okResult(res client.Result) map[string]any {
	return map[string]any{"ok": true, "requestId": res.ID}
}
