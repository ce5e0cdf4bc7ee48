package timer

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/store"
	"github.com/clocktown/townsync/internal/types"
)

type Status string

const (
	StatusNone      Status = "None"
	StatusRunning   Status = "Running"
	StatusCancelled Status = "Cancelled"
	StatusFinished  Status = "Finished"
)

// State is one game's countdown. End doubles as the generation id: two
// Running states with different End values are different generations, and a
// completion only counts if the End it armed with is still the stored one.
type State struct {
	GameID    types.GameID `json:"game_id"`
	Status    Status       `json:"status"`
	ServerNow time.Time    `json:"server_now_utc"`
	End       *time.Time   `json:"end_utc,omitempty"`
	Label     string       `json:"label,omitempty"`
}

// Broadcaster fans a timer state out to every client subscribed to the game.
type Broadcaster interface {
	TimerUpdated(gameID types.GameID, state State)
}

type pending struct {
	timer *time.Timer
	end   time.Time
}

// Coordinator owns every game's timer entry. StartOrEdit and Cancel are
// serialized per coordinator; completions race freely and are made harmless
// by the generation check at wake time. Stopping the pending *time.Timer is
// best effort only, correctness never depends on it.
type Coordinator struct {
	log    *zap.Logger
	fanout Broadcaster
	states *store.Store[types.GameID, State]
	now    func() time.Time

	mu      sync.Mutex
	pending map[types.GameID]pending
}

func NewCoordinator(log *zap.Logger, fanout Broadcaster) *Coordinator {
	return &Coordinator{
		log:     log,
		fanout:  fanout,
		states:  store.New[types.GameID, State](),
		now:     time.Now,
		pending: make(map[types.GameID]pending),
	}
}

// StartOrEdit arms (or re-arms) the game's countdown. An existing pending
// completion belongs to a dead generation and is stopped on a best-effort
// basis; if it already fired, the wake-time check discards it.
func (c *Coordinator) StartOrEdit(gameID types.GameID, duration time.Duration, label string) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopPendingLocked(gameID)

	now := c.now().UTC()
	end := now.Add(duration)
	st := State{GameID: gameID, Status: StatusRunning, ServerNow: now, End: &end, Label: label}
	c.states.Set(gameID, st, true)

	delay := max(time.Duration(0), end.Sub(now))
	c.pending[gameID] = pending{
		timer: time.AfterFunc(delay, func() { c.complete(gameID, end) }),
		end:   end,
	}

	c.log.Debug("timer armed",
		zap.String("game_id", string(gameID)),
		zap.Time("end", end),
		zap.String("label", label))

	// broadcast under mu so clients observe state transitions in order
	c.fanout.TimerUpdated(gameID, st)
	return st
}

// Cancel stops any pending completion and stores a Cancelled entry. Safe to
// call when no timer is running.
func (c *Coordinator) Cancel(gameID types.GameID) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopPendingLocked(gameID)

	st := State{GameID: gameID, Status: StatusCancelled, ServerNow: c.now().UTC()}
	c.states.Set(gameID, st, true)
	c.fanout.TimerUpdated(gameID, st)
	return st
}

// Get returns the stored entry with ServerNow refreshed so clients can
// correct for clock skew, or a synthesized None entry. Never mutates stored
// state.
func (c *Coordinator) Get(gameID types.GameID) State {
	if st, ok := c.states.Get(gameID); ok {
		st.ServerNow = c.now().UTC()
		return st
	}
	return State{GameID: gameID, Status: StatusNone, ServerNow: c.now().UTC()}
}

// Remove tears the game's timer down without a broadcast (game teardown).
func (c *Coordinator) Remove(gameID types.GameID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopPendingLocked(gameID)
	c.states.Remove(gameID)
}

// complete is the deferred completion callback for the generation identified
// by end. Cancellation is inherently racy, so the stored entry is re-read
// and the observed End compared against the stored one; any mismatch means
// another StartOrEdit or Cancel superseded this generation.
func (c *Coordinator) complete(gameID types.GameID, end time.Time) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("timer completion panicked",
				zap.String("game_id", string(gameID)),
				zap.Any("panic", r))
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	finished := false
	var out State
	c.states.TryUpdate(gameID, func(cur State) State {
		if cur.Status != StatusRunning || cur.End == nil || !cur.End.Equal(end) {
			return cur
		}
		cur.Status = StatusFinished
		cur.ServerNow = c.now().UTC()
		finished = true
		out = cur
		return cur
	})
	if !finished {
		c.log.Debug("stale timer completion dropped", zap.String("game_id", string(gameID)))
		return
	}

	if p, ok := c.pending[gameID]; ok && p.end.Equal(end) {
		delete(c.pending, gameID)
	}
	c.fanout.TimerUpdated(gameID, out)
}

func (c *Coordinator) stopPendingLocked(gameID types.GameID) {
	p, ok := c.pending[gameID]
	if !ok {
		return
	}
	if !p.timer.Stop() {
		// already fired or already stopped; the wake-time generation check
		// keeps this harmless
		c.log.Debug("pending completion not stopped", zap.String("game_id", string(gameID)))
	}
	delete(c.pending, gameID)
}
