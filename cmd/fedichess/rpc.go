package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/tidwall/jsonc"

	"github.com/rexliu/fedichess/pkg/config"
	"github.com/rexliu/fedichess/pkg/ipc"
	"github.com/rexliu/fedichess/pkg/journal"
)

type daemonFlags struct {
	profile *string
	socket  *string
	timeout *time.Duration
}

func newDaemonFlags(name string) (*pflag.FlagSet, daemonFlags) {
	fs, profile := newFlags(name)
	return fs, daemonFlags{
		profile: profile,
		socket:  fs.String("socket", "", "Override socket path"),
		timeout: fs.Duration("timeout", 30*time.Second, "How long to wait for the daemon"),
	}
}

func pingCommand(args []string) error {
	fs, df := newDaemonFlags("ping")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := rpcCall(df, "ping", nil)
	if err != nil {
		return err
	}
	var data struct {
		Now int64 `json:"now"`
	}
	if err := json.Unmarshal(resp.Result, &data); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	fmt.Printf("daemon responded: now=%d\n", data.Now)
	return nil
}

func statusCommand(args []string) error {
	fs, df := newDaemonFlags("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return printResult(rpcCall(df, "status", nil))
}

func lobbyCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: fedichess lobby <join|leave> [options]")
	}
	var method string
	switch args[0] {
	case "join":
		method = "join_lobby"
	case "leave":
		method = "leave_lobby"
	default:
		return fmt.Errorf("unknown lobby subcommand %q", args[0])
	}
	fs, df := newDaemonFlags("lobby " + args[0])
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if _, err := rpcCall(df, method, nil); err != nil {
		return err
	}
	fmt.Printf("%s ok\n", method)
	return nil
}

func gameCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: fedichess game <join|leave> [options]")
	}
	sub := args[0]
	fs, df := newDaemonFlags("game " + sub)
	gameID := fs.String("game", "", "Game ID (join only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	switch sub {
	case "join":
		if *gameID == "" {
			return fmt.Errorf("--game is required")
		}
		if _, err := rpcCall(df, "join_game", map[string]string{"gameId": *gameID}); err != nil {
			return err
		}
		fmt.Printf("joined game %s\n", *gameID)
	case "leave":
		if _, err := rpcCall(df, "leave_game", nil); err != nil {
			return err
		}
		fmt.Println("left game")
	default:
		return fmt.Errorf("unknown game subcommand %q", sub)
	}
	return nil
}

func sendCommand(args []string) error {
	fs, df := newDaemonFlags("send")
	action := fs.StringP("action", "a", "", "Action name (move, chat, heartbeat, ...)")
	inline := fs.String("payload", "", "Inline JSON payload")
	filePath := fs.String("payload-file", "", "Path to JSON payload, comments allowed (- for stdin)")
	peer := fs.String("peer", "", "Send to this peer only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" {
		return fmt.Errorf("--action is required")
	}
	payload, err := readPayload(*inline, *filePath)
	if err != nil {
		return err
	}
	params := map[string]any{"action": *action, "peerId": *peer}
	if payload != nil {
		params["payload"] = payload
	}
	if _, err := rpcCall(df, "send", params); err != nil {
		return err
	}
	fmt.Printf("sent %s\n", *action)
	return nil
}

// readPayload accepts JSON with comments and trailing commas, as written by
// hand in payload files.
func readPayload(inline, filePath string) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case filePath == "-":
		data, err = io.ReadAll(os.Stdin)
	case filePath != "":
		data, err = os.ReadFile(filePath)
	case inline != "":
		data = []byte(inline)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(jsonc.ToJSON(data))
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func peersCommand(args []string) error {
	fs, df := newDaemonFlags("peers")
	if err := fs.Parse(args); err != nil {
		return err
	}
	resp, err := rpcCall(df, "get_peers", nil)
	if err != nil {
		return err
	}
	var data struct {
		Peers []string `json:"peers"`
		Room  string   `json:"room"`
	}
	if err := json.Unmarshal(resp.Result, &data); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	room := data.Room
	if room == "" {
		room = "no room"
	}
	fmt.Printf("%d peer(s) in %s\n", len(data.Peers), room)
	for _, p := range data.Peers {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func heartbeatCommand(args []string) error {
	fs, df := newDaemonFlags("heartbeat")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, err := rpcCall(df, "heartbeat", nil); err != nil {
		return err
	}
	fmt.Println("heartbeat sent")
	return nil
}

func challengeCommand(args []string) error {
	fs, df := newDaemonFlags("challenge")
	peer := fs.String("peer", "", "Peer to challenge")
	color := fs.String("color", "w", "Color to play (w or b)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *peer == "" {
		return fmt.Errorf("--peer is required")
	}
	resp, err := rpcCall(df, "challenge", map[string]string{"peerId": *peer, "color": *color})
	if err != nil {
		return err
	}
	var data struct {
		Challenge struct {
			GameID string `json:"gameId"`
		} `json:"challenge"`
	}
	if err := json.Unmarshal(resp.Result, &data); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	fmt.Printf("challenged %s; game %s (watch for challResp)\n", *peer, data.Challenge.GameID)
	return nil
}

func historyCommand(args []string) error {
	fs, df := newDaemonFlags("history")
	kind := fs.String("kind", "", "Only show this event kind or action")
	since := fs.Duration("since", 0, "Only show entries newer than this (e.g. 10m)")
	limit := fs.Int("limit", 50, "Maximum entries (1-1000)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	params := map[string]any{"kind": *kind, "limit": *limit}
	if *since > 0 {
		params["since"] = time.Now().Add(-*since).UnixMilli()
	}
	resp, err := rpcCall(df, "history", params)
	if err != nil {
		return err
	}
	var data struct {
		Entries []journal.Entry `json:"entries"`
	}
	if err := json.Unmarshal(resp.Result, &data); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	for _, e := range data.Entries {
		ts := time.UnixMilli(e.CreatedAt).Format(time.DateTime)
		line := fmt.Sprintf("%s %-3s %-10s %s", ts, e.Direction, e.Kind, e.PeerID)
		if len(e.Payload) > 0 {
			line += " " + string(e.Payload)
		}
		fmt.Println(strings.TrimRight(line, " "))
	}
	return nil
}

func watchCommand(args []string) error {
	fs, df := newDaemonFlags("watch")
	kind := fs.String("kind", "", "Only show this event kind")
	if err := fs.Parse(args); err != nil {
		return err
	}
	socketPath, err := resolveSocketPath(*df.profile, *df.socket)
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return err
	}
	defer c.Close()
	fmt.Fprintln(os.Stderr, "Subscribed to bridge events (Ctrl+C to exit)")
	err = c.Subscribe(ctx, "subscribe_events", nil, func(frame json.RawMessage) error {
		if *kind != "" {
			var ev struct {
				Event string `json:"event"`
			}
			if json.Unmarshal(frame, &ev) == nil && ev.Event != *kind {
				return nil
			}
		}
		fmt.Println(string(frame))
		return nil
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func rpcCall(df daemonFlags, method string, params any) (*ipc.Response, error) {
	socketPath, err := resolveSocketPath(*df.profile, *df.socket)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *df.timeout)
	defer cancel()

	c, err := ipc.Dial(ctx, socketPath)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		var rpcErr *ipc.Error
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("daemon error: %w", rpcErr)
		}
		return nil, err
	}
	return resp, nil
}

func printResult(resp *ipc.Response, err error) error {
	if err != nil {
		return err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, resp.Result, "", "  "); err != nil {
		return err
	}
	fmt.Println(out.String())
	return nil
}

func resolveSocketPath(profile, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	cfg, err := config.LoadProfile(profile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config not found in %s (run 'fedichess init --profile %s')", profile, profile)
		}
		return "", fmt.Errorf("load config: %w", err)
	}
	return config.ResolvePath(profile, cfg.IPC.SocketPath), nil
}
