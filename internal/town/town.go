package town

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/credentials"
	"github.com/clocktown/townsync/internal/occupancy"
	"github.com/clocktown/townsync/internal/protocol"
	"github.com/clocktown/townsync/internal/store"
	"github.com/clocktown/townsync/internal/timer"
	"github.com/clocktown/townsync/internal/types"
)

var (
	ErrGameNotFound  = errors.New("game not found")
	ErrGameExists    = errors.New("game already exists")
	ErrGuildNotFound = errors.New("guild not found")
)

// Game binds a game to the guild whose voice channels model its town. The
// storyteller sees unredacted occupancy; everyone else gets the night
// category reduced to their own cottage.
type Game struct {
	ID          types.GameID   `json:"id"`
	GuildID     types.GuildID  `json:"guild_id"`
	Storyteller types.UserID   `json:"storyteller_id"`
	Time        types.GameTime `json:"time"`
}

// Fanout is the broadcast side of the hub as the service sees it.
type Fanout interface {
	OccupancyUpdated(gameID types.GameID, redact func(types.UserID) protocol.ServerMessage)
	TimeChanged(gameID types.GameID, gt types.GameTime)
	DropGame(gameID types.GameID)
}

// Service is the server-side core: guild occupancy and the game registry
// live in keyed stores, timers in their coordinator. Occupancy is
// guild-scoped shared state; every game bound to the guild derives its
// redacted views from the same snapshot.
type Service struct {
	log     *zap.Logger
	fanout  Fanout
	timers  *timer.Coordinator
	creds   *credentials.Issuer
	games   *store.Store[types.GameID, Game]
	guilds  *store.Store[types.GuildID, occupancy.Snapshot]
	isNight func(string) bool
}

func NewService(log *zap.Logger, fanout Fanout, timers *timer.Coordinator, creds *credentials.Issuer, nightCategory string) *Service {
	return &Service{
		log:     log,
		fanout:  fanout,
		timers:  timers,
		creds:   creds,
		games:   store.New[types.GameID, Game](),
		guilds:  store.New[types.GuildID, occupancy.Snapshot](),
		isNight: occupancy.NameMatcher(nightCategory),
	}
}

func (s *Service) CreateGame(gameID types.GameID, guildID types.GuildID, storyteller types.UserID) (Game, error) {
	g := Game{
		ID:          gameID,
		GuildID:     guildID,
		Storyteller: storyteller,
		Time:        types.GameTime{Day: 1, Phase: types.PhaseDay},
	}
	if !s.games.Set(gameID, g, false) {
		return Game{}, ErrGameExists
	}
	// first game activity creates the guild's occupancy entry
	s.guilds.Set(guildID, occupancy.Snapshot{}, false)
	s.log.Info("game created",
		zap.String("game_id", string(gameID)),
		zap.String("guild_id", string(guildID)))
	return g, nil
}

func (s *Service) Game(gameID types.GameID) (Game, bool) {
	return s.games.Get(gameID)
}

// RemoveGame tears the game down: timer entry, hub group, registry entry.
func (s *Service) RemoveGame(gameID types.GameID) error {
	if !s.games.Remove(gameID) {
		return ErrGameNotFound
	}
	s.timers.Remove(gameID)
	s.fanout.DropGame(gameID)
	s.log.Info("game removed", zap.String("game_id", string(gameID)))
	return nil
}

// RemoveGuild drops the guild's occupancy and every game bound to it.
func (s *Service) RemoveGuild(guildID types.GuildID) {
	for _, g := range s.games.List(func(g Game) bool { return g.GuildID == guildID }) {
		if err := s.RemoveGame(g.ID); err != nil && !errors.Is(err, ErrGameNotFound) {
			s.log.Warn("remove game during guild teardown", zap.Error(err))
		}
	}
	s.guilds.Remove(guildID)
}

// SetLayout replaces the guild's full channel layout (categories, channels,
// occupants) and broadcasts the result. Used when the voice platform's
// channel structure is (re)synced.
func (s *Service) SetLayout(guildID types.GuildID, snap occupancy.Snapshot) {
	s.guilds.Set(guildID, snap, true)
	s.broadcastOccupancy(guildID, snap)
}

// HandleVoiceEvent applies a raw membership event: user moved to after, or
// left voice entirely when after is nil. The move flows through TryUpdate so
// concurrent events for the same guild can neither lose an update nor write
// back a stale snapshot. A structural no-op produces no broadcast.
func (s *Service) HandleVoiceEvent(guildID types.GuildID, user occupancy.TownUser, after *types.ChannelID) {
	s.guilds.Set(guildID, occupancy.Snapshot{}, false)

	var next occupancy.Snapshot
	changed := false
	s.guilds.TryUpdate(guildID, func(cur occupancy.Snapshot) occupancy.Snapshot {
		out, moved := occupancy.MoveUser(cur, user, after)
		next, changed = out, moved
		return out
	})
	if !changed {
		return
	}
	s.broadcastOccupancy(guildID, next)
}

// Occupancy returns viewer's redacted view of the guild snapshot.
func (s *Service) Occupancy(guildID types.GuildID, viewer types.UserID) (occupancy.Snapshot, error) {
	snap, ok := s.guilds.Get(guildID)
	if !ok {
		return occupancy.Snapshot{}, ErrGuildNotFound
	}
	game, _ := s.games.Find(func(g Game) bool { return g.GuildID == guildID })
	return s.redactFor(game, snap, viewer), nil
}

// Join produces the hydration snapshot for a (re)connecting client: game
// clock, redacted occupancy, timer with fresh server time, and a newly
// issued session credential. Snapshots are generated per call and never
// stored.
func (s *Service) Join(gameID types.GameID, userID types.UserID) (*protocol.SessionSnapshot, error) {
	game, ok := s.games.Get(gameID)
	if !ok {
		return nil, ErrGameNotFound
	}
	snap, _ := s.guilds.Get(game.GuildID) // absent guild degrades to empty

	cred, err := s.creds.Issue(userID)
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	return &protocol.SessionSnapshot{
		GameTime:   game.Time,
		Occupancy:  s.redactFor(game, snap, userID),
		Timer:      s.timers.Get(gameID),
		Credential: cred,
	}, nil
}

// SetTime advances the game clock and broadcasts it.
func (s *Service) SetTime(gameID types.GameID, gt types.GameTime) error {
	ok := s.games.TryUpdate(gameID, func(g Game) Game {
		g.Time = gt
		return g
	})
	if !ok {
		return ErrGameNotFound
	}
	s.fanout.TimeChanged(gameID, gt)
	return nil
}

// StartTimer arms the game's timer. A concurrent RemoveGame can interleave
// between the existence check and the arm, resurrecting a timer entry for a
// dead game; the re-check afterwards guarantees one side observes the other
// and tears the entry down again.
func (s *Service) StartTimer(gameID types.GameID, duration time.Duration, label string) (timer.State, error) {
	if _, ok := s.games.Get(gameID); !ok {
		return timer.State{}, ErrGameNotFound
	}
	st := s.timers.StartOrEdit(gameID, duration, label)
	if _, ok := s.games.Get(gameID); !ok {
		s.timers.Remove(gameID)
		return timer.State{}, ErrGameNotFound
	}
	return st, nil
}

// CancelTimer stores a Cancelled entry, with the same removal re-check as
// StartTimer since Cancel also writes state for the game.
func (s *Service) CancelTimer(gameID types.GameID) (timer.State, error) {
	if _, ok := s.games.Get(gameID); !ok {
		return timer.State{}, ErrGameNotFound
	}
	st := s.timers.Cancel(gameID)
	if _, ok := s.games.Get(gameID); !ok {
		s.timers.Remove(gameID)
		return timer.State{}, ErrGameNotFound
	}
	return st, nil
}

func (s *Service) GetTimer(gameID types.GameID) (timer.State, error) {
	if _, ok := s.games.Get(gameID); !ok {
		return timer.State{}, ErrGameNotFound
	}
	return s.timers.Get(gameID), nil
}

func (s *Service) redactFor(game Game, snap occupancy.Snapshot, viewer types.UserID) occupancy.Snapshot {
	if game.Storyteller != "" && viewer == game.Storyteller {
		return snap
	}
	return occupancy.Redact(snap, viewer, s.isNight)
}

func (s *Service) broadcastOccupancy(guildID types.GuildID, snap occupancy.Snapshot) {
	for _, g := range s.games.List(func(g Game) bool { return g.GuildID == guildID }) {
		game := g
		s.fanout.OccupancyUpdated(game.ID, func(viewer types.UserID) protocol.ServerMessage {
			view := s.redactFor(game, snap, viewer)
			return protocol.ServerMessage{
				Type:      protocol.MsgOccupancyUpdated,
				GameID:    string(game.ID),
				Occupancy: &view,
			}
		})
	}
}
