package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/credentials"
	"github.com/clocktown/townsync/internal/occupancy"
	"github.com/clocktown/townsync/internal/protocol"
	"github.com/clocktown/townsync/internal/timer"
	"github.com/clocktown/townsync/internal/types"
)

type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateReconnecting
)

// Transport is the realtime connection a Coordinator drives. One transport
// serves one socket; credential rotation replaces the whole transport.
type Transport interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	State() ConnState
	JoinGame(ctx context.Context, gameID types.GameID, userID types.UserID, prev types.GameID) (*protocol.SessionSnapshot, error)
	LeaveGame(ctx context.Context, gameID types.GameID, userID types.UserID) error
	OnReconnected(fn func())
	OnEvent(fn func(protocol.ServerMessage))
}

// Factory builds a fresh transport. Called once on first join and again on
// every credential rotation.
type Factory func() (Transport, error)

// View is the client-side cache of everything a connected game screen
// renders. It is what gets rolled back when a join fails.
type View struct {
	Occupancy occupancy.Snapshot
	Timer     timer.State
	Time      types.GameTime
}

const rejoinTimeout = 10 * time.Second

// Coordinator serializes all join/leave traffic for one client over one
// shared connection. Exactly one game is "joined" at a time; game switches,
// reconnects and credential rotation all funnel through the same single-slot
// gate so none of them interleave.
type Coordinator struct {
	log          *zap.Logger
	gate         *Gate
	newTransport Factory

	mu         sync.Mutex
	conn       Transport
	joined     types.GameID
	userID     types.UserID
	everJoined bool
	appliedKey string
	rotated    map[string]bool
	view       View
	last       *protocol.SessionSnapshot
	subs       map[int]func(View)
	nextSub    int
}

func NewCoordinator(log *zap.Logger, factory Factory) *Coordinator {
	return &Coordinator{
		log:          log,
		gate:         NewGate(),
		newTransport: factory,
		rotated:      make(map[string]bool),
		subs:         make(map[int]func(View)),
	}
}

// Join makes gameID the client's joined game, leaving whichever game was
// joined before as part of the same RPC. A caller that arrives while another
// join is in flight waits on the gate and then re-checks whether its intent
// is still necessary.
func (c *Coordinator) Join(ctx context.Context, gameID types.GameID, userID types.UserID) (*protocol.SessionSnapshot, error) {
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()
	return c.join(ctx, gameID, userID, false)
}

// Rejoin re-enters the last-active game with initial-mount semantics, so the
// idempotent skip cannot suppress the rejoin a reconnected socket needs.
func (c *Coordinator) Rejoin(ctx context.Context) error {
	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}
	defer c.gate.Release()

	c.mu.Lock()
	joined, userID := c.joined, c.userID
	c.mu.Unlock()
	if joined == "" {
		return nil
	}
	_, err := c.join(ctx, joined, userID, true)
	return err
}

// Leave drops the joined game without entering another.
func (c *Coordinator) Leave(ctx context.Context) error {
	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}
	defer c.gate.Release()

	c.mu.Lock()
	conn, joined, userID := c.conn, c.joined, c.userID
	c.mu.Unlock()
	if joined == "" || conn == nil {
		return nil
	}
	if err := conn.LeaveGame(ctx, joined, userID); err != nil {
		return fmt.Errorf("leave game %s: %w", joined, err)
	}
	c.mu.Lock()
	c.joined = ""
	c.mu.Unlock()
	return nil
}

// Close disposes the session: stops the transport and forgets all state.
func (c *Coordinator) Close(ctx context.Context) error {
	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}
	defer c.gate.Release()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.joined = ""
	c.everJoined = false
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Stop(ctx)
}

func (c *Coordinator) Joined() types.GameID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined
}

func (c *Coordinator) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Subscribe registers a listener for view changes. The returned func removes
// it again; the subscriber list lives on the session, not in package state.
func (c *Coordinator) Subscribe(fn func(View)) (cancel func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// join runs with the gate held.
func (c *Coordinator) join(ctx context.Context, gameID types.GameID, userID types.UserID, forced bool) (*protocol.SessionSnapshot, error) {
	c.mu.Lock()
	conn := c.conn
	connected := conn != nil && conn.State() == StateConnected
	skip := !forced && c.everJoined && c.joined == gameID && connected
	prev := c.joined
	saved := c.view
	last := c.last
	c.mu.Unlock()

	if skip {
		return last, nil
	}

	if conn == nil || conn.State() == StateDisconnected {
		dialed, err := c.dial(ctx)
		if err != nil {
			return nil, err
		}
		conn = dialed
	}

	snap, err := conn.JoinGame(ctx, gameID, userID, prev)
	if err != nil {
		// restore the cached view and drop the joined marker so the
		// connection is not left half-joined
		c.mu.Lock()
		c.view = saved
		c.joined = ""
		c.mu.Unlock()
		c.notify()
		return nil, fmt.Errorf("join game %s: %w", gameID, err)
	}

	c.mu.Lock()
	c.joined = gameID
	c.userID = userID
	c.everJoined = true
	if snap != nil {
		c.last = snap
		c.view = View{Occupancy: snap.Occupancy, Timer: snap.Timer, Time: snap.GameTime}
	}
	c.mu.Unlock()
	c.notify()

	if snap != nil {
		c.maybeRotate(ctx, snap.Credential)
	}
	return snap, nil
}

func (c *Coordinator) dial(ctx context.Context) (Transport, error) {
	conn, err := c.newTransport()
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	conn.OnReconnected(c.handleReconnected)
	conn.OnEvent(c.handleEvent)
	if err := conn.Start(ctx); err != nil {
		return nil, fmt.Errorf("start transport: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	return conn, nil
}

// maybeRotate replaces the connection when the received credential differs
// from the applied one in anything other than expiry bookkeeping. Each
// distinct credential identity triggers at most one replace, which is what
// keeps an unstable comparison from ever looping.
func (c *Coordinator) maybeRotate(ctx context.Context, credential string) {
	key, err := credentials.RotationKey(credential)
	if err != nil {
		c.log.Warn("unparseable session credential", zap.Error(err))
		return
	}

	c.mu.Lock()
	if c.appliedKey == "" {
		c.appliedKey = key
		c.mu.Unlock()
		return
	}
	if key == c.appliedKey || c.rotated[key] {
		c.mu.Unlock()
		return
	}
	c.rotated[key] = true
	c.mu.Unlock()

	c.log.Info("session credential rotated, replacing connection")
	if err := c.replaceConnection(ctx, key); err != nil {
		c.log.Warn("connection replace after rotation failed", zap.Error(err))
	}
}

func (c *Coordinator) replaceConnection(ctx context.Context, key string) error {
	c.mu.Lock()
	old := c.conn
	c.conn = nil
	joined, userID := c.joined, c.userID
	c.mu.Unlock()

	var errs error
	if old != nil {
		if err := old.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop stale connection: %w", err))
		}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return multierr.Append(errs, err)
	}

	c.mu.Lock()
	c.appliedKey = key
	c.mu.Unlock()

	if joined == "" {
		return errs
	}
	snap, err := conn.JoinGame(ctx, joined, userID, joined)
	if err != nil {
		// the replacement connection holds no membership; drop the joined
		// marker like the ordinary join failure path so a retry is not
		// suppressed by the idempotent skip
		c.mu.Lock()
		c.joined = ""
		c.mu.Unlock()
		c.notify()
		return multierr.Append(errs, fmt.Errorf("rejoin after rotation: %w", err))
	}
	c.mu.Lock()
	if snap != nil {
		c.last = snap
		c.view = View{Occupancy: snap.Occupancy, Timer: snap.Timer, Time: snap.GameTime}
		if k, err := credentials.RotationKey(snap.Credential); err == nil {
			c.appliedKey = k
			c.rotated[k] = true
		}
	}
	c.mu.Unlock()
	c.notify()
	return errs
}

func (c *Coordinator) handleReconnected() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), rejoinTimeout)
		defer cancel()
		if err := c.Rejoin(ctx); err != nil {
			c.log.Warn("rejoin after reconnect failed", zap.Error(err))
		}
	}()
}

func (c *Coordinator) handleEvent(msg protocol.ServerMessage) {
	c.mu.Lock()
	switch msg.Type {
	case protocol.MsgOccupancyUpdated:
		if msg.Occupancy != nil {
			c.view.Occupancy = *msg.Occupancy
		}
	case protocol.MsgTimerUpdated:
		if msg.Timer != nil {
			c.view.Timer = *msg.Timer
		}
	case protocol.MsgTimeChanged:
		if msg.GameTime != nil {
			c.view.Time = *msg.GameTime
		}
	default:
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	view := c.view
	fns := make([]func(View), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(view)
	}
}
