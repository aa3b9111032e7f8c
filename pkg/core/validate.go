package core

import "errors"

var (
	// ErrMissingPlayerID indicates a payload without a sender identity.
	ErrMissingPlayerID = errors.New("missing player id")
	// ErrMissingName indicates a payload without a display name.
	ErrMissingName = errors.New("missing player name")
	// ErrInvalidElo indicates a rating outside the range the lobby accepts.
	ErrInvalidElo = errors.New("invalid elo")
	// ErrMissingGameID indicates a challenge without a game room.
	ErrMissingGameID = errors.New("missing game id")
	// ErrInvalidColor indicates a color other than "w" or "b".
	ErrInvalidColor = errors.New("invalid color")
	// ErrInvalidTimestamp indicates a zero or negative timestamp.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

const (
	minElo = 100
	maxElo = 3500
)

// ValidateHeartbeat checks a heartbeat built locally before it is broadcast.
func ValidateHeartbeat(hb Heartbeat) error {
	if hb.ID == "" {
		return ErrMissingPlayerID
	}
	if hb.Name == "" {
		return ErrMissingName
	}
	if err := validateElo(hb.Elo); err != nil {
		return err
	}
	if hb.Timestamp <= 0 {
		return ErrInvalidTimestamp
	}
	return nil
}

// ValidateChallenge checks a challenge built locally before it is sent.
func ValidateChallenge(c Challenge) error {
	if c.GameID == "" {
		return ErrMissingGameID
	}
	if c.ChallengerID == "" {
		return ErrMissingPlayerID
	}
	if c.ChallengerName == "" {
		return ErrMissingName
	}
	if err := validateElo(c.ChallengerElo); err != nil {
		return err
	}
	switch c.Color {
	case ColorWhite, ColorBlack:
	default:
		return ErrInvalidColor
	}
	if c.Timestamp <= 0 {
		return ErrInvalidTimestamp
	}
	return nil
}

func validateElo(elo int) error {
	if elo < minElo || elo > maxElo {
		return ErrInvalidElo
	}
	return nil
}
