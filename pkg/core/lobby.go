package core

// Color is the side a challenger wants to play.
type Color string

const (
	ColorWhite Color = "w"
	ColorBlack Color = "b"
)

// Heartbeat announces a player in the lobby. Peers drop players whose
// heartbeats stop arriving.
type Heartbeat struct {
	ID        string `json:"id"`
	Elo       int    `json:"elo"`
	Name      string `json:"name"`
	Ready     bool   `json:"ready"`
	Timestamp int64  `json:"timestamp"`
}

// Challenge invites a single peer to a game in room GameID.
type Challenge struct {
	Type           string `json:"type"`
	GameID         string `json:"gameId"`
	ChallengerID   string `json:"challengerId"`
	ChallengerName string `json:"challengerName"`
	ChallengerElo  int    `json:"challengerElo"`
	Color          Color  `json:"color"`
	Timestamp      int64  `json:"timestamp"`
}

// ChallengeResponse is the payload of a challResp event.
type ChallengeResponse struct {
	Type         string `json:"type"`
	GameID       string `json:"gameId"`
	Accepted     bool   `json:"accepted"`
	ResponderID  string `json:"responderId,omitempty"`
	ResponderElo int    `json:"responderElo,omitempty"`
	Timestamp    int64  `json:"timestamp,omitempty"`
}

// Player identifies the local player in outbound lobby payloads.
type Player struct {
	ID   string
	Name string
	Elo  int
}

// NewHeartbeat builds a ready heartbeat for p stamped with the current time.
func NewHeartbeat(p Player) Heartbeat {
	return Heartbeat{
		ID:        p.ID,
		Elo:       p.Elo,
		Name:      p.Name,
		Ready:     true,
		Timestamp: NowMillis(),
	}
}

// NewChallenge builds a challenge from p for a fresh game room.
func NewChallenge(p Player, color Color) Challenge {
	return Challenge{
		Type:           "challenge",
		GameID:         NewGameID(),
		ChallengerID:   p.ID,
		ChallengerName: p.Name,
		ChallengerElo:  p.Elo,
		Color:          color,
		Timestamp:      NowMillis(),
	}
}
