package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/hub"
	"github.com/clocktown/townsync/internal/protocol"
	"github.com/clocktown/townsync/internal/town"
	"github.com/clocktown/townsync/internal/types"
)

const writeTimeout = 3 * time.Second

// Handler serves the realtime socket. Each Join registers a fresh outbox with
// the hub, which owns closing it; the hydration snapshot is built inside the
// hub's actor after the membership switch, so the snapshot and every later
// broadcast share one ordered outbox with no gap between them. When the hub
// closes the active outbox on its own (slow consumer, game teardown,
// shutdown) the connection is torn down with it.
func Handler(log *zap.Logger, s *town.Service, h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		defer func() { h.Inbox() <- hub.Unsubscribe{ClientID: clientID} }()

		// one writer at a time: the outbox goroutines and the reader's error
		// replies share the write side
		var wmu sync.Mutex
		write := func(msg protocol.ServerMessage) {
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Error("marshal server message", zap.Error(err))
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			wmu.Lock()
			defer wmu.Unlock()
			_ = conn.Write(ctx, websocket.MessageText, payload)
		}

		// active is the outbox of the current subscription. A Join replaces
		// it before re-subscribing and a local Leave clears it, so a drained
		// writer can tell a hub-initiated drop from an ordinary switch.
		var omu sync.Mutex
		var active chan protocol.ServerMessage

		startWriter := func(out chan protocol.ServerMessage) {
			go func() {
				for msg := range out {
					write(msg)
				}
				omu.Lock()
				dropped := active == out
				omu.Unlock()
				if dropped {
					conn.Close(websocket.StatusPolicyViolation, "dropped")
				}
			}()
		}

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				return
			}

			var cm protocol.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				write(protocol.ServerMessage{Type: protocol.MsgError, Error: "bad json"})
				continue
			}

			switch cm.Type {
			case protocol.MsgJoin:
				gameID := types.GameID(cm.GameID)
				userID := types.UserID(cm.UserID)
				if _, ok := s.Game(gameID); !ok {
					log.Debug("join rejected", zap.String("game_id", cm.GameID))
					write(protocol.ServerMessage{Type: protocol.MsgError, GameID: cm.GameID, Error: town.ErrGameNotFound.Error()})
					continue
				}

				out := make(chan protocol.ServerMessage, 8)
				omu.Lock()
				active = out
				omu.Unlock()
				startWriter(out)

				h.Inbox() <- hub.Subscribe{
					ClientID: clientID,
					UserID:   userID,
					GameID:   gameID,
					Outbox:   out,
					Hello: func() (protocol.ServerMessage, bool) {
						snap, err := s.Join(gameID, userID)
						if err != nil {
							return protocol.ServerMessage{Type: protocol.MsgError, GameID: cm.GameID, Error: err.Error()}, false
						}
						return protocol.ServerMessage{Type: protocol.MsgSessionSnapshot, GameID: cm.GameID, Snapshot: snap}, true
					},
				}

			case protocol.MsgLeave:
				omu.Lock()
				active = nil
				omu.Unlock()
				h.Inbox() <- hub.Unsubscribe{ClientID: clientID}

			default:
				write(protocol.ServerMessage{Type: protocol.MsgError, Error: "unknown type"})
			}
		}
	}
}
