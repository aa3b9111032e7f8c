package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/rexliu/fedichess/pkg/config"
	"github.com/rexliu/fedichess/pkg/core"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const defaultProfile = "./_dev_profile"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	commands := map[string]func([]string) error{
		"init":      initCommand,
		"diag":      diagCommand,
		"ping":      pingCommand,
		"status":    statusCommand,
		"lobby":     lobbyCommand,
		"game":      gameCommand,
		"send":      sendCommand,
		"peers":     peersCommand,
		"watch":     watchCommand,
		"heartbeat": heartbeatCommand,
		"challenge": challengeCommand,
		"history":   historyCommand,
		"demo":      demoCommand,
	}
	name := os.Args[1]
	switch name {
	case "version", "--version":
		fmt.Printf("fedichess %s\n", version)
		return
	case "help", "-h", "--help":
		usage()
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", name)
		usage()
		os.Exit(1)
	}
	if err := cmd(os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		exitf("%s: %v", name, err)
	}
}

func exitf(format string, v ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", v...)
	os.Exit(1)
}

func usage() {
	fmt.Println("Usage: fedichess <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init                Initialize a local profile (writes config.toml)")
	fmt.Println("  diag                Print profile configuration paths and last daemon status")
	fmt.Println("  ping                Call the daemon ping endpoint via IPC")
	fmt.Println("  status              Show the daemon's bridge and room state")
	fmt.Println("  lobby join|leave    Join or leave the lobby room")
	fmt.Println("  game join|leave     Join or leave a game room (--game)")
	fmt.Println("  send                Broadcast an action (--action, --payload or --payload-file)")
	fmt.Println("  peers               List peers in the current room")
	fmt.Println("  watch               Stream bridge events from the daemon")
	fmt.Println("  heartbeat           Announce the local player in the lobby")
	fmt.Println("  challenge           Challenge a peer (--peer, --color)")
	fmt.Println("  history             Show journaled events")
	fmt.Println("  demo                Run the lobby-and-challenge flow against a bridge, without the daemon")
	fmt.Println("  version             Print CLI version")
}

func newFlags(name string) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	profile := fs.StringP("profile", "p", defaultProfile, "Profile directory")
	return fs, profile
}

func initCommand(args []string) error {
	fs, profile := newFlags("init")
	name := fs.String("name", "dev", "Profile and player name")
	bridgePath := fs.String("bridge", "", "Bridge entry point (default bridge/dist/index.js in the profile)")
	elo := fs.Int("elo", 1200, "Player rating announced in the lobby")
	force := fs.Bool("force", false, "Overwrite existing config if present")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := os.MkdirAll(*profile, 0o700); err != nil {
		return err
	}
	configPath := filepath.Join(*profile, config.FileName)
	if _, err := os.Stat(configPath); err == nil && !*force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}
	cfg := config.DefaultProfile(*name)
	cfg.Player.ID = core.NewID()
	cfg.Player.Elo = *elo
	if *bridgePath != "" {
		cfg.Bridge.Path = *bridgePath
	}
	if err := config.Save(configPath, cfg); err != nil {
		return err
	}
	fmt.Printf("initialized profile %s at %s (player %s)\n", cfg.ProfileName, *profile, cfg.Player.ID)
	return nil
}

func diagCommand(args []string) error {
	fs, profile := newFlags("diag")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.LoadProfile(*profile)
	if err != nil {
		return err
	}
	fmt.Printf("Profile: %s\n", cfg.ProfileName)
	fmt.Printf("Config: %s\n", filepath.Join(*profile, config.FileName))
	fmt.Printf("Bridge: %s (node=%s)\n", config.ResolvePath(*profile, cfg.Bridge.Path), cfg.Bridge.Node)
	if cfg.Bridge.WorkDir != "" {
		fmt.Printf("Bridge WorkDir: %s\n", config.ResolvePath(*profile, cfg.Bridge.WorkDir))
	}
	fmt.Printf("Timeouts: request=%s stopGrace=%s staleAfter=%s\n", cfg.Timeouts.Request, cfg.Timeouts.StopGrace, cfg.Timeouts.StaleAfter)
	fmt.Printf("Socket: %s\n", config.ResolvePath(*profile, cfg.IPC.SocketPath))
	fmt.Printf("Journal: %s (enabled=%t)\n", config.ResolvePath(*profile, cfg.Journal.DBPath), cfg.Journal.Enabled)
	if cfg.Logging.FilePath != "" {
		fmt.Printf("Log File: %s\n", config.ResolvePath(*profile, cfg.Logging.FilePath))
	}
	fmt.Printf("Log Level: %s\n", cfg.Logging.Level)
	fmt.Printf("Player: %s %q elo=%d\n", cfg.Player.ID, cfg.Player.Name, cfg.Player.Elo)

	data, err := os.ReadFile(filepath.Join(*profile, "status.json"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("Last daemon status: none")
	case err != nil:
		return err
	default:
		var status map[string]any
		if err := json.Unmarshal(data, &status); err != nil {
			return fmt.Errorf("decode status.json: %w", err)
		}
		fmt.Printf("Last daemon status: room=%v uptime=%v\n", status["room"], status["uptime"])
	}
	return nil
}
