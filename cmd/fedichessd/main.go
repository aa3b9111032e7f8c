package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/rexliu/fedichess/pkg/client"
	"github.com/rexliu/fedichess/pkg/config"
	"github.com/rexliu/fedichess/pkg/core"
	"github.com/rexliu/fedichess/pkg/ipc"
	"github.com/rexliu/fedichess/pkg/journal"
	"github.com/rexliu/fedichess/pkg/logging"
	"github.com/rexliu/fedichess/pkg/proto"
)

func main() {
	flags := pflag.NewFlagSet("fedichessd", pflag.ContinueOnError)
	profile := flags.StringP("profile", "p", "./_dev_profile", "Path to profile directory")
	socket := flags.String("socket", "", "Override IPC socket path (optional)")
	bridgePath := flags.String("bridge", "", "Override bridge entry point (optional)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		exitf("%v", err)
	}

	logger := logging.New("fedichessd")
	logger.Printf("starting daemon with profile %s", *profile)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *profile, *socket, *bridgePath, logger); err != nil {
		logger.Warnf("fatal error: %v", err)
		logger.Close()
		exitf("%v", err)
	}
	logger.Close()
}

func exitf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", v...)
	os.Exit(1)
}

type daemon struct {
	client     *client.Client
	store      *journal.Store
	hub        *eventHub
	logger     *logging.Logger
	profileDir string
	player     config.PlayerConfig
	started    time.Time

	mu   sync.Mutex
	room string
	// lobbyJoined wakes the heartbeat loop.
	lobbyJoined chan struct{}
}

func run(ctx context.Context, profileDir, socketOverride, bridgeOverride string, logger *logging.Logger) error {
	cfg, err := config.LoadProfile(profileDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config not found in %s (run 'fedichess init --profile %s')", profileDir, profileDir)
		}
		return fmt.Errorf("load config: %w", err)
	}
	logCfg := cfg.Logging
	logCfg.FilePath = config.ResolvePath(profileDir, logCfg.FilePath)
	if err := logger.Configure(logCfg); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	if bridgeOverride != "" {
		cfg.Bridge.Path = bridgeOverride
	}
	if cfg.Player.ID == "" {
		cfg.Player.ID = core.NewID()
		logger.Printf("no player id configured; using %s for this session", cfg.Player.ID)
	}

	d := &daemon{
		hub:         newEventHub(logger),
		logger:      logger,
		profileDir:  profileDir,
		player:      cfg.Player,
		started:     time.Now(),
		lobbyJoined: make(chan struct{}, 1),
	}

	if cfg.Journal.Enabled {
		store, err := journal.Open(config.ResolvePath(profileDir, cfg.Journal.DBPath))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		d.store = store
	}

	d.client = client.New(client.OptionsFromConfig(profileDir, cfg), logger)
	if err := d.client.Start(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	defer func() {
		if err := d.client.Stop(); err != nil {
			logger.Warnf("stop bridge: %v", err)
		}
	}()

	socketPath := socketOverride
	if socketPath == "" {
		socketPath = config.ResolvePath(profileDir, cfg.IPC.SocketPath)
	}
	if err := cleanupSocket(socketPath); err != nil {
		return err
	}

	srv := ipc.NewServer(logger)
	d.registerHandlers(srv)

	g, gctx := errgroup.WithContext(ctx)
	if err := srv.Start(gctx, socketPath); err != nil {
		return fmt.Errorf("start ipc: %w", err)
	}
	defer func() {
		srv.Stop()
		cleanupSocket(socketPath)
	}()

	g.Go(func() error { return d.pumpEvents(gctx) })
	if cfg.Player.AutoHeartbeat {
		g.Go(func() error { return d.heartbeatLoop(gctx, cfg.Player.HeartbeatInterval.Duration) })
	}
	g.Go(func() error {
		<-gctx.Done()
		d.hub.close()
		if err := writeStatus(profileDir, d.status()); err != nil {
			logger.Warnf("status write failed: %v", err)
		}
		return nil
	})

	logger.Printf("daemon ready; socket at %s; bridge pid %d", socketPath, d.client.PID())
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Println("shutting down")
	return nil
}

// pumpEvents moves bridge events into the journal and out to subscribers.
// It fails when the bridge goes away, which stops the daemon.
func (d *daemon) pumpEvents(ctx context.Context) error {
	for ev := range d.client.Events(ctx) {
		d.record(ctx, ev)
		d.hub.broadcast(ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return errors.New("bridge exited")
}

func (d *daemon) record(ctx context.Context, ev proto.Event) {
	if d.store == nil {
		return
	}
	if _, err := d.store.RecordEvent(ctx, ev); err != nil {
		d.logger.Warnf("journal %s event: %v", ev.Kind, err)
	}
}

// heartbeatLoop announces the local player while the lobby is joined.
func (d *daemon) heartbeatLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.lobbyJoined:
		case <-ticker.C:
		}
		if d.currentRoom() != roomLobby {
			continue
		}
		hb := core.NewHeartbeat(core.Player{ID: d.player.ID, Name: d.player.Name, Elo: d.player.Elo})
		res, err := d.client.SendHeartbeat(ctx, hb)
		switch {
		case err != nil:
			d.logger.Warnf("heartbeat: %v", err)
		case !res.OK:
			d.logger.Debugf("heartbeat rejected: %s", res.Error)
		}
	}
}

func cleanupSocket(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return os.MkdirAll(filepath.Dir(path), 0o700)
}
