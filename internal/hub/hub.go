package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/protocol"
	"github.com/clocktown/townsync/internal/timer"
	"github.com/clocktown/townsync/internal/types"
)

type Msg interface{ isHubMsg() }

// Subscribe moves a client into a game's group, leaving whatever group the
// client is currently in as part of the same message. One actor message is
// what makes the join/leave switch atomic server-side.
//
// The hub takes ownership of Outbox and is the only party that closes it;
// a caller must hand over a fresh, never-closed channel on every Subscribe.
// Hello, when set, runs inside the actor after the membership switch and its
// result is delivered before any subsequent broadcast, so a mutation that
// commits around the switch lands either in the hello or in a later
// broadcast, never in neither. ok=false aborts the subscription: the message
// still goes out, then the client is removed and its outbox closed.
type Subscribe struct {
	ClientID string
	UserID   types.UserID
	GameID   types.GameID
	Outbox   chan protocol.ServerMessage
	Hello    func() (msg protocol.ServerMessage, ok bool)
}

// Unsubscribe removes the client from its group and closes its outbox.
type Unsubscribe struct {
	ClientID string
}

// Broadcast fans Msg out to a game's group. When PerViewer is set it is
// called once per subscriber to build a viewer-specific payload (redacted
// occupancy); otherwise Msg goes out verbatim.
type Broadcast struct {
	GameID    types.GameID
	Msg       protocol.ServerMessage
	PerViewer func(types.UserID) protocol.ServerMessage
}

type DropGame struct{ GameID types.GameID }

type Members struct {
	GameID types.GameID
	Reply  chan []string
}

type Shutdown struct{}

func (Subscribe) isHubMsg()   {}
func (Unsubscribe) isHubMsg() {}
func (Broadcast) isHubMsg()   {}
func (DropGame) isHubMsg()    {}
func (Members) isHubMsg()     {}
func (Shutdown) isHubMsg()    {}

type subscriber struct {
	userID types.UserID
	outbox chan protocol.ServerMessage
}

// Hub owns per-game subscriber groups. A single goroutine consumes the inbox
// so membership and broadcast ordering never race.
type Hub struct {
	log      *zap.Logger
	inbox    chan Msg
	groups   map[types.GameID]map[string]subscriber
	byClient map[string]types.GameID
	ctx      context.Context
	cancel   context.CancelFunc
}

func New(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		log:      log,
		inbox:    make(chan Msg, 64),
		groups:   make(map[types.GameID]map[string]subscriber),
		byClient: make(map[string]types.GameID),
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// TimerUpdated implements timer.Broadcaster.
func (h *Hub) TimerUpdated(gameID types.GameID, st timer.State) {
	h.inbox <- Broadcast{GameID: gameID, Msg: protocol.ServerMessage{
		Type:   protocol.MsgTimerUpdated,
		GameID: string(gameID),
		Timer:  &st,
	}}
}

func (h *Hub) TimeChanged(gameID types.GameID, gt types.GameTime) {
	h.inbox <- Broadcast{GameID: gameID, Msg: protocol.ServerMessage{
		Type:     protocol.MsgTimeChanged,
		GameID:   string(gameID),
		GameTime: &gt,
	}}
}

// OccupancyUpdated broadcasts per viewer; redact builds each subscriber's
// view of the new snapshot.
func (h *Hub) OccupancyUpdated(gameID types.GameID, redact func(types.UserID) protocol.ServerMessage) {
	h.inbox <- Broadcast{GameID: gameID, PerViewer: redact}
}

// DropGame disbands a game's group, closing every member's outbox.
func (h *Hub) DropGame(gameID types.GameID) {
	h.inbox <- DropGame{GameID: gameID}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Subscribe:
				h.leave(msg.ClientID)
				group := h.groups[msg.GameID]
				if group == nil {
					group = make(map[string]subscriber)
					h.groups[msg.GameID] = group
				}
				group[msg.ClientID] = subscriber{userID: msg.UserID, outbox: msg.Outbox}
				h.byClient[msg.ClientID] = msg.GameID
				if msg.Hello != nil {
					hello, ok := msg.Hello()
					h.send(msg.GameID, msg.ClientID, hello)
					if !ok {
						h.leave(msg.ClientID)
					}
				}

			case Unsubscribe:
				h.leave(msg.ClientID)

			case Broadcast:
				h.broadcast(msg)

			case DropGame:
				for clientID, sub := range h.groups[msg.GameID] {
					close(sub.outbox)
					delete(h.byClient, clientID)
				}
				delete(h.groups, msg.GameID)

			case Members:
				ids := make([]string, 0, len(h.groups[msg.GameID]))
				for clientID := range h.groups[msg.GameID] {
					ids = append(ids, clientID)
				}
				msg.Reply <- ids

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

// leave removes the client from its current group and closes the outbox it
// registered with. Each outbox belongs to exactly one subscription, so this
// is the single close for that channel; the registering side watches for the
// close to learn it was removed.
func (h *Hub) leave(clientID string) {
	gameID, ok := h.byClient[clientID]
	if !ok {
		return
	}
	if sub, ok := h.groups[gameID][clientID]; ok {
		close(sub.outbox)
	}
	delete(h.groups[gameID], clientID)
	if len(h.groups[gameID]) == 0 {
		delete(h.groups, gameID)
	}
	delete(h.byClient, clientID)
}

func (h *Hub) broadcast(b Broadcast) {
	for clientID, sub := range h.groups[b.GameID] {
		msg := b.Msg
		if b.PerViewer != nil {
			msg = b.PerViewer(sub.userID)
		}
		h.send(b.GameID, clientID, msg)
	}
}

func (h *Hub) send(gameID types.GameID, clientID string, msg protocol.ServerMessage) {
	sub, ok := h.groups[gameID][clientID]
	if !ok {
		return
	}
	select {
	case sub.outbox <- msg:
		// ok
	default:
		// client is slow/full - drop them
		h.log.Warn("dropping slow client", zap.String("client_id", clientID))
		close(sub.outbox)
		delete(h.groups[gameID], clientID)
		delete(h.byClient, clientID)
	}
}

func (h *Hub) shutdown() {
	for _, group := range h.groups {
		for clientID, sub := range group {
			close(sub.outbox)
			delete(h.byClient, clientID)
		}
	}
	clear(h.groups)
	h.cancel()
}
