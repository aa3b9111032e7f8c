package core

import (
	"strings"
	"testing"
)

func TestValidateHeartbeat(t *testing.T) {
	player := Player{ID: "sdk-go", Name: "GoSDK", Elo: 1200}

	t.Run("valid", func(t *testing.T) {
		if err := ValidateHeartbeat(NewHeartbeat(player)); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		hb := NewHeartbeat(Player{Name: "x", Elo: 1200})
		if err := ValidateHeartbeat(hb); err != ErrMissingPlayerID {
			t.Fatalf("expected ErrMissingPlayerID, got %v", err)
		}
	})

	t.Run("missing name", func(t *testing.T) {
		hb := NewHeartbeat(Player{ID: "x", Elo: 1200})
		if err := ValidateHeartbeat(hb); err != ErrMissingName {
			t.Fatalf("expected ErrMissingName, got %v", err)
		}
	})

	t.Run("elo out of range", func(t *testing.T) {
		hb := NewHeartbeat(Player{ID: "x", Name: "y", Elo: 9000})
		if err := ValidateHeartbeat(hb); err != ErrInvalidElo {
			t.Fatalf("expected ErrInvalidElo, got %v", err)
		}
	})

	t.Run("zero timestamp", func(t *testing.T) {
		hb := NewHeartbeat(player)
		hb.Timestamp = 0
		if err := ValidateHeartbeat(hb); err != ErrInvalidTimestamp {
			t.Fatalf("expected ErrInvalidTimestamp, got %v", err)
		}
	})
}

func TestValidateChallenge(t *testing.T) {
	player := Player{ID: "sdk-go", Name: "GoSDK", Elo: 1200}

	t.Run("valid", func(t *testing.T) {
		c := NewChallenge(player, ColorWhite)
		if err := ValidateChallenge(c); err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
		if c.Type != "challenge" {
			t.Fatalf("expected type challenge, got %q", c.Type)
		}
	})

	t.Run("bad color", func(t *testing.T) {
		c := NewChallenge(player, Color("red"))
		if err := ValidateChallenge(c); err != ErrInvalidColor {
			t.Fatalf("expected ErrInvalidColor, got %v", err)
		}
	})

	t.Run("missing game", func(t *testing.T) {
		c := NewChallenge(player, ColorBlack)
		c.GameID = ""
		if err := ValidateChallenge(c); err != ErrMissingGameID {
			t.Fatalf("expected ErrMissingGameID, got %v", err)
		}
	})
}

func TestIDs(t *testing.T) {
	seen := make(map[string]struct{})
	prev := ""
	for i := 0; i < 1000; i++ {
		id := NewRequestID()
		if !strings.HasPrefix(id, "req-") {
			t.Fatalf("unexpected request id %q", id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		if id <= prev {
			t.Fatalf("ids not monotonic: %q after %q", id, prev)
		}
		seen[id] = struct{}{}
		prev = id
	}
	if a, b := NewGameID(), NewGameID(); a == b || len(a) != 36 {
		t.Fatalf("unexpected game ids %q %q", a, b)
	}
}
