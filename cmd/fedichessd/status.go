package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rexliu/fedichess/pkg/bridge"
)

// StatusFile is written to the profile directory when the daemon stops so
// `fedichess diag` can report on the last session.
const StatusFile = "status.json"

type daemonStatus struct {
	Profile     string       `json:"profile"`
	PlayerID    string       `json:"playerId"`
	BridgePID   int          `json:"bridgePid"`
	Running     bool         `json:"running"`
	Room        string       `json:"room,omitempty"`
	Uptime      string       `json:"uptime"`
	Pending     int          `json:"pendingRequests"`
	Events      hubStats     `json:"events"`
	Stats       bridge.Stats `json:"stats"`
	UpdatedAt   int64        `json:"updatedAt"`
}

func (d *daemon) status() daemonStatus {
	return daemonStatus{
		Profile:     d.profileDir,
		PlayerID:    d.player.ID,
		BridgePID:   d.client.PID(),
		Running:     d.client.Running(),
		Room:        d.currentRoom(),
		Uptime:      time.Since(d.started).Round(time.Second).String(),
		Pending:     d.client.PendingRequests(),
		Events:      d.hub.stats(),
		Stats:       d.client.Stats(),
		UpdatedAt:   time.Now().UnixMilli(),
	}
}

func writeStatus(profileDir string, status daemonStatus) error {
	path := filepath.Join(profileDir, StatusFile)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
