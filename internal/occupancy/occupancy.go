package occupancy

import (
	"strings"

	"github.com/clocktown/townsync/internal/types"
)

// VoiceState mirrors the platform's mute/deafen flags. Display-only; server
// flags imply an audible mute regardless of the self flags.
type VoiceState struct {
	SelfMuted      bool `json:"is_self_muted"`
	ServerMuted    bool `json:"is_server_muted"`
	SelfDeafened   bool `json:"is_self_deafened"`
	ServerDeafened bool `json:"is_server_deafened"`
}

type TownUser struct {
	ID          types.UserID `json:"id"`
	DisplayName string       `json:"name"`
	AvatarURL   string       `json:"avatar_url"`
	Present     bool         `json:"is_present"`
	Voice       VoiceState   `json:"voice_state"`
}

type Channel struct {
	ID   types.ChannelID `json:"id"`
	Name string          `json:"name"`
}

type ChannelOccupants struct {
	Channel   Channel    `json:"channel"`
	Occupants []TownUser `json:"occupants"`
}

type Category struct {
	ID       types.ChannelID    `json:"id"`
	Name     string             `json:"name"`
	Channels []ChannelOccupants `json:"channels"`
}

// Snapshot is the full voice layout of one guild. A user appears in at most
// one channel across the whole snapshot. Snapshots are treated as immutable:
// every mutation builds a fresh one.
type Snapshot struct {
	Categories []Category `json:"categories"`
}

// ChannelOf returns the id of the channel currently holding userID.
func (s Snapshot) ChannelOf(userID types.UserID) (types.ChannelID, bool) {
	for _, cat := range s.Categories {
		for _, ch := range cat.Channels {
			for _, u := range ch.Occupants {
				if u.ID == userID {
					return ch.Channel.ID, true
				}
			}
		}
	}
	return "", false
}

func (s Snapshot) hasChannel(id types.ChannelID) bool {
	for _, cat := range s.Categories {
		for _, ch := range cat.Channels {
			if ch.Channel.ID == id {
				return true
			}
		}
	}
	return false
}

// OccupantCount returns the total number of users across all channels.
func (s Snapshot) OccupantCount() int {
	n := 0
	for _, cat := range s.Categories {
		for _, ch := range cat.Channels {
			n += len(ch.Occupants)
		}
	}
	return n
}

// MoveUser rebuilds the snapshot with user removed from whichever channel
// holds them and appended to target when target is non-nil and exists. A
// target that is missing from the snapshot degrades to a pure removal; a
// missing user degrades to an insert. The second return reports whether
// anything actually changed: when the user is already in target (or the move
// is structurally a no-op) the input snapshot is returned as-is so callers
// can skip broadcasting.
func MoveUser(s Snapshot, user TownUser, target *types.ChannelID) (Snapshot, bool) {
	cur, inChannel := s.ChannelOf(user.ID)

	dest := target
	if dest != nil && !s.hasChannel(*dest) {
		dest = nil
	}
	if dest == nil && !inChannel {
		return s, false
	}
	if dest != nil && inChannel && cur == *dest {
		return s, false
	}

	out := Snapshot{Categories: make([]Category, 0, len(s.Categories))}
	for _, cat := range s.Categories {
		channels := make([]ChannelOccupants, 0, len(cat.Channels))
		for _, ch := range cat.Channels {
			occupants := make([]TownUser, 0, len(ch.Occupants)+1)
			for _, u := range ch.Occupants {
				if u.ID != user.ID {
					occupants = append(occupants, u)
				}
			}
			if dest != nil && ch.Channel.ID == *dest {
				occupants = append(occupants, user)
			}
			channels = append(channels, ChannelOccupants{Channel: ch.Channel, Occupants: occupants})
		}
		out.Categories = append(out.Categories, Category{ID: cat.ID, Name: cat.Name, Channels: channels})
	}
	return out, true
}

// Redact produces the viewer-specific form of the snapshot. Every category
// whose name matches isNight keeps only the single channel containing the
// viewer; when the viewer is in none of its channels the category is dropped
// from the output entirely. Other categories pass through unchanged. This is
// what keeps one player's cottage assignment invisible to another.
func Redact(s Snapshot, viewer types.UserID, isNight func(name string) bool) Snapshot {
	out := Snapshot{Categories: make([]Category, 0, len(s.Categories))}
	for _, cat := range s.Categories {
		if !isNight(cat.Name) {
			out.Categories = append(out.Categories, cat)
			continue
		}
		for _, ch := range cat.Channels {
			if !containsUser(ch, viewer) {
				continue
			}
			out.Categories = append(out.Categories, Category{
				ID:       cat.ID,
				Name:     cat.Name,
				Channels: []ChannelOccupants{ch},
			})
			break
		}
	}
	return out
}

func containsUser(ch ChannelOccupants, id types.UserID) bool {
	for _, u := range ch.Occupants {
		if u.ID == id {
			return true
		}
	}
	return false
}

// NameMatcher builds a case-insensitive category-name predicate for Redact.
func NameMatcher(name string) func(string) bool {
	return func(candidate string) bool {
		return strings.EqualFold(candidate, name)
	}
}
