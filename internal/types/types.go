package types

// Snowflake identifiers are numeric on the platform side but travel as
// strings so 64-bit values survive JSON round trips.

type GuildID string

type GameID string

type UserID string

type ChannelID string

type Phase string

const (
	PhaseDay   Phase = "day"
	PhaseNight Phase = "night"
)

// GameTime is the in-game clock: which day the town is on and whether it is
// currently day or night.
type GameTime struct {
	Day   int   `json:"day"`
	Phase Phase `json:"phase"`
}
