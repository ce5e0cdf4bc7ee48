package protocol

import (
	"github.com/clocktown/townsync/internal/occupancy"
	"github.com/clocktown/townsync/internal/timer"
	"github.com/clocktown/townsync/internal/types"
)

// Message types on the realtime socket.
const (
	// client -> server
	MsgJoin  = "Join"
	MsgLeave = "Leave"

	// server -> client
	MsgSessionSnapshot  = "SessionSnapshot"
	MsgOccupancyUpdated = "OccupancyUpdated"
	MsgTimerUpdated     = "TimerUpdated"
	MsgTimeChanged      = "TimeChanged"
	MsgError            = "Error"
)

type ClientMessage struct {
	Type       string `json:"type"`
	GameID     string `json:"game_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	PrevGameID string `json:"prev_game_id,omitempty"`
}

// SessionSnapshot hydrates a freshly joined client: the game clock, the
// viewer-redacted occupancy, the current timer and a session credential.
// Generated per join, never stored.
type SessionSnapshot struct {
	GameTime   types.GameTime     `json:"game_time"`
	Occupancy  occupancy.Snapshot `json:"occupancy"`
	Timer      timer.State        `json:"timer"`
	Credential string             `json:"credential"`
}

type ServerMessage struct {
	Type      string              `json:"type"`
	GameID    string              `json:"game_id,omitempty"`
	Snapshot  *SessionSnapshot    `json:"snapshot,omitempty"`
	Occupancy *occupancy.Snapshot `json:"occupancy,omitempty"`
	Timer     *timer.State        `json:"timer,omitempty"`
	GameTime  *types.GameTime     `json:"game_time,omitempty"`
	Error     string              `json:"error,omitempty"`
}
