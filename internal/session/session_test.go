package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/credentials"
	"github.com/clocktown/townsync/internal/occupancy"
	"github.com/clocktown/townsync/internal/protocol"
	"github.com/clocktown/townsync/internal/timer"
	"github.com/clocktown/townsync/internal/types"
)

type joinCall struct {
	game types.GameID
	user types.UserID
	prev types.GameID
}

// fakeServer is the shared server-side state every fake transport talks to:
// one membership set per coordinator, like the real hub.
type fakeServer struct {
	mu          sync.Mutex
	issuer      *credentials.Issuer
	members     map[types.GameID]bool
	joins       []joinCall
	joinErr     error
	nextConnErr error // baked into transports created after it is set
	delay       time.Duration
	inFlight    int
	overlap     bool
	transports  []*fakeTransport
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		issuer:  credentials.NewIssuer([]byte("test-secret"), time.Hour, 1),
		members: make(map[types.GameID]bool),
	}
}

func (s *fakeServer) factory() (Transport, error) {
	s.mu.Lock()
	t := &fakeTransport{server: s, joinErr: s.nextConnErr}
	s.transports = append(s.transports, t)
	s.mu.Unlock()
	return t, nil
}

func (s *fakeServer) join(game types.GameID, user types.UserID, prev types.GameID) (*protocol.SessionSnapshot, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > 1 {
		s.overlap = true
	}
	delay := s.delay
	s.mu.Unlock()

	time.Sleep(delay)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight--
	s.joins = append(s.joins, joinCall{game: game, user: user, prev: prev})
	if s.joinErr != nil {
		return nil, s.joinErr
	}
	if prev != "" {
		delete(s.members, prev)
	}
	s.members[game] = true

	cred, err := s.issuer.Issue(user)
	if err != nil {
		return nil, err
	}
	return &protocol.SessionSnapshot{
		GameTime: types.GameTime{Day: 1, Phase: types.PhaseDay},
		Occupancy: occupancy.Snapshot{Categories: []occupancy.Category{
			{ID: "cat", Name: "Town", Channels: []occupancy.ChannelOccupants{
				{Channel: occupancy.Channel{ID: "square", Name: "Town Square"}},
			}},
		}},
		Timer:      timer.State{GameID: game, Status: timer.StatusNone, ServerNow: time.Now().UTC()},
		Credential: cred,
	}, nil
}

func (s *fakeServer) joinCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.joins)
}

func (s *fakeServer) memberGames() []types.GameID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.GameID, 0, len(s.members))
	for g := range s.members {
		out = append(out, g)
	}
	return out
}

type fakeTransport struct {
	server *fakeServer

	mu            sync.Mutex
	state         ConnState
	startCount    int
	stopCount     int
	joinErr       error
	onReconnected func()
	onEvent       func(protocol.ServerMessage)
}

func (t *fakeTransport) Start(context.Context) error {
	t.mu.Lock()
	t.state = StateConnected
	t.startCount++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Stop(context.Context) error {
	t.mu.Lock()
	t.state = StateDisconnected
	t.stopCount++
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) JoinGame(_ context.Context, game types.GameID, user types.UserID, prev types.GameID) (*protocol.SessionSnapshot, error) {
	if t.State() != StateConnected {
		return nil, ErrNotConnected
	}
	t.mu.Lock()
	joinErr := t.joinErr
	t.mu.Unlock()
	if joinErr != nil {
		return nil, joinErr
	}
	return t.server.join(game, user, prev)
}

func (t *fakeTransport) setJoinErr(err error) {
	t.mu.Lock()
	t.joinErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) LeaveGame(_ context.Context, game types.GameID, _ types.UserID) error {
	t.server.mu.Lock()
	delete(t.server.members, game)
	t.server.mu.Unlock()
	return nil
}

func (t *fakeTransport) OnReconnected(fn func()) {
	t.mu.Lock()
	t.onReconnected = fn
	t.mu.Unlock()
}

func (t *fakeTransport) OnEvent(fn func(protocol.ServerMessage)) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

// simulate the socket dropping and coming back
func (t *fakeTransport) reconnectNow() {
	t.mu.Lock()
	fn := t.onReconnected
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (t *fakeTransport) stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCount
}

func TestJoin_IdempotentSkip(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	first, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, 1, srv.joinCount())

	again, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	require.Equal(t, first, again, "skip must return the cached snapshot")
	require.Equal(t, 1, srv.joinCount(), "already-joined game must not cause an RPC")
}

func TestJoin_ConcurrentCallsSerialize(t *testing.T) {
	srv := newFakeServer()
	srv.delay = 20 * time.Millisecond
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, game := range []types.GameID{"gameA", "gameB"} {
		game := game
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Join(ctx, game, "u1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	srv.mu.Lock()
	overlap := srv.overlap
	srv.mu.Unlock()
	require.False(t, overlap, "join RPCs must never be in flight concurrently")

	games := srv.memberGames()
	require.Len(t, games, 1, "exactly one game may hold membership, no residue in the abandoned one")
	require.Equal(t, games[0], c.Joined())
}

func TestJoin_SwitchLeavesPreviousGame(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	_, err = c.Join(ctx, "gameB", "u1")
	require.NoError(t, err)

	require.Equal(t, []types.GameID{"gameB"}, srv.memberGames())

	srv.mu.Lock()
	last := srv.joins[len(srv.joins)-1]
	srv.mu.Unlock()
	require.Equal(t, types.GameID("gameA"), last.prev, "switch must carry the previous game")
}

func TestJoin_FailureRollsBack(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	before := c.View()

	srv.mu.Lock()
	srv.joinErr = errors.New("rpc timeout")
	srv.mu.Unlock()

	_, err = c.Join(ctx, "gameB", "u1")
	require.Error(t, err)
	require.Equal(t, types.GameID(""), c.Joined(), "failed join must clear the joined marker")
	require.Equal(t, before, c.View(), "failed join must restore the cached view")

	// the next attempt is not suppressed by the skip rule
	srv.mu.Lock()
	srv.joinErr = nil
	srv.mu.Unlock()
	_, err = c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	require.Equal(t, types.GameID("gameA"), c.Joined())
}

func TestReconnect_TriggersForcedRejoin(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	require.Equal(t, 1, srv.joinCount())

	srv.mu.Lock()
	conn := srv.transports[0]
	srv.mu.Unlock()
	conn.reconnectNow()

	require.Eventually(t, func() bool {
		return srv.joinCount() == 2
	}, time.Second, 5*time.Millisecond, "reconnect must rejoin despite the idempotent skip")
	require.Equal(t, types.GameID("gameA"), c.Joined())
}

func TestCredentialRotation_ReplacesConnectionOnce(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)

	// server rotates every session credential
	srv.mu.Lock()
	srv.issuer = credentials.NewIssuer([]byte("test-secret"), time.Hour, 2)
	srv.mu.Unlock()

	_, err = c.Join(ctx, "gameB", "u1")
	require.NoError(t, err)

	srv.mu.Lock()
	transports := len(srv.transports)
	first := srv.transports[0]
	srv.mu.Unlock()
	require.Equal(t, 2, transports, "rotation must replace the connection")
	require.Equal(t, 1, first.stops(), "stale connection must be stopped")
	require.Equal(t, types.GameID("gameB"), c.Joined(), "rejoin must restore the joined game")

	// same rotated credential again: no second replace
	_, err = c.Join(ctx, "gameC", "u1")
	require.NoError(t, err)
	srv.mu.Lock()
	transports = len(srv.transports)
	srv.mu.Unlock()
	require.Equal(t, 2, transports, "a credential identity rotates at most once")
}

func TestCredentialRotation_RejoinFailureClearsJoined(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)

	// the server rotates every credential, and the replacement connection's
	// rejoin fails
	srv.mu.Lock()
	srv.issuer = credentials.NewIssuer([]byte("test-secret"), time.Hour, 2)
	srv.nextConnErr = errors.New("rpc timeout")
	srv.mu.Unlock()

	snap, err := c.Join(ctx, "gameB", "u1")
	require.NoError(t, err, "rotation is best-effort, the join itself succeeded")
	require.NotNil(t, snap)

	srv.mu.Lock()
	require.Len(t, srv.transports, 2, "rotation must have replaced the connection")
	second := srv.transports[1]
	srv.mu.Unlock()

	require.Equal(t, types.GameID(""), c.Joined(),
		"failed rejoin must not claim membership over a connection that never joined")

	// once the transport recovers, a retry must not be suppressed by the
	// idempotent skip
	second.setJoinErr(nil)
	before := srv.joinCount()
	_, err = c.Join(ctx, "gameB", "u1")
	require.NoError(t, err)
	require.Equal(t, before+1, srv.joinCount(), "retry must issue a fresh RPC")
	require.Equal(t, types.GameID("gameB"), c.Joined())

	srv.mu.Lock()
	transports := len(srv.transports)
	srv.mu.Unlock()
	require.Equal(t, 2, transports, "the retry reuses the replacement connection")
}

func TestEvents_UpdateViewAndNotifySubscribers(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)

	views := make(chan View, 4)
	cancel := c.Subscribe(func(v View) { views <- v })
	defer cancel()

	end := time.Now().UTC().Add(time.Minute)
	srv.mu.Lock()
	conn := srv.transports[0]
	srv.mu.Unlock()
	conn.mu.Lock()
	onEvent := conn.onEvent
	conn.mu.Unlock()

	onEvent(protocol.ServerMessage{
		Type:  protocol.MsgTimerUpdated,
		Timer: &timer.State{GameID: "gameA", Status: timer.StatusRunning, End: &end},
	})

	select {
	case v := <-views:
		require.Equal(t, timer.StatusRunning, v.Timer.Status)
	case <-time.After(time.Second):
		t.Fatalf("subscriber was not notified")
	}
	require.Equal(t, timer.StatusRunning, c.View().Timer.Status)
}

func TestLeave_DropsMembership(t *testing.T) {
	srv := newFakeServer()
	c := NewCoordinator(zap.NewNop(), srv.factory)
	ctx := context.Background()

	_, err := c.Join(ctx, "gameA", "u1")
	require.NoError(t, err)
	require.NoError(t, c.Leave(ctx))

	require.Empty(t, srv.memberGames())
	require.Equal(t, types.GameID(""), c.Joined())
}
