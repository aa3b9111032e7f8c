package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rexliu/fedichess/pkg/client"
	"github.com/rexliu/fedichess/pkg/config"
	"github.com/rexliu/fedichess/pkg/core"
	"github.com/rexliu/fedichess/pkg/logging"
	"github.com/rexliu/fedichess/pkg/proto"
)

// demoCommand drives a bridge directly: join the lobby, announce, look for
// peers and challenge the first one found.
func demoCommand(args []string) error {
	fs, profile := newFlags("demo")
	bridgePath := fs.String("bridge", "", "Bridge entry point (default from profile or "+config.EnvBridgePath+")")
	waitFor := fs.Duration("wait", 20*time.Second, "How long to wait for a challenge response")
	verbose := fs.BoolP("verbose", "v", false, "Log bridge diagnostics")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadProfile(*profile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		cfg = config.DefaultProfile("demo")
		cfg.Player.ID = core.NewID()
		if v := os.Getenv(config.EnvBridgePath); v != "" {
			cfg.Bridge.Path = v
		}
	case err != nil:
		return err
	}
	if *bridgePath != "" {
		cfg.Bridge.Path = *bridgePath
	}
	if cfg.Player.ID == "" {
		cfg.Player.ID = core.NewID()
	}

	logger := logging.New("demo")
	defer logger.Close()
	if *verbose {
		logger.SetLevel(logging.LevelDebug)
	} else {
		logger.SetLevel(logging.LevelWarn)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := client.New(client.OptionsFromConfig(*profile, cfg), logger)
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	defer c.Stop()
	fmt.Printf("bridge started (pid %d)\n", c.PID())

	res, err := c.JoinLobby(ctx)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("joinLobby: %s", res.Error)
	}
	fmt.Println("joined lobby")
	defer func() {
		if _, err := c.LeaveLobby(context.Background()); err != nil {
			logger.Warnf("leave lobby: %v", err)
		}
	}()

	me := core.Player{ID: cfg.Player.ID, Name: cfg.Player.Name, Elo: cfg.Player.Elo}
	if res, err := c.SendHeartbeat(ctx, core.NewHeartbeat(me)); err != nil || !res.OK {
		fmt.Printf("heartbeat not sent: %v %s\n", err, res.Error)
	}

	for range 3 {
		ev, ok := c.PollEvent(2 * time.Second)
		if !ok {
			break
		}
		printEvent(ev)
	}

	peers, err := c.GetPeers(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d peer(s) in lobby\n", len(peers))
	if len(peers) == 0 {
		fmt.Println("no one to challenge")
		return nil
	}

	target := peers[0]
	challenge := core.NewChallenge(me, core.ColorWhite)
	res, err = c.SendChallenge(ctx, target, challenge)
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("challenge: %s", res.Error)
	}
	fmt.Printf("challenged %s for game %s\n", target, challenge.GameID)

	deadline := time.Now().Add(*waitFor)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		ev, ok := c.PollEvent(2 * time.Second)
		if !ok {
			continue
		}
		printEvent(ev)
		if ev.Kind != proto.EventChallResp {
			continue
		}
		var resp core.ChallengeResponse
		if err := ev.Decode(&resp); err != nil || resp.GameID != challenge.GameID {
			continue
		}
		if resp.Accepted {
			fmt.Printf("%s accepted; game room %s\n", ev.PeerID, resp.GameID)
		} else {
			fmt.Printf("%s declined\n", ev.PeerID)
		}
		return nil
	}
	fmt.Println("no challenge response")
	return nil
}

func printEvent(ev proto.Event) {
	if ev.HasPayload() {
		fmt.Printf("event %s from %s: %s\n", ev.Kind, ev.PeerID, ev.Payload)
		return
	}
	fmt.Printf("event %s %s\n", ev.Kind, ev.PeerID)
}
