package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/clocktown/townsync/internal/protocol"
	"github.com/clocktown/townsync/internal/types"
)

var ErrNotConnected = errors.New("transport not connected")

const (
	redialInitial = 250 * time.Millisecond
	redialMax     = 5 * time.Second
	writeTimeout  = 3 * time.Second
)

// WSTransport is the websocket Transport implementation. It speaks the same
// wire protocol as the server's /ws handler: Join is a request/reply pair on
// the socket, everything else arriving is a broadcast event.
type WSTransport struct {
	log *zap.Logger
	url string

	mu            sync.Mutex
	conn          *websocket.Conn
	state         ConnState
	stopped       bool
	reply         chan protocol.ServerMessage
	onReconnected func()
	onEvent       func(protocol.ServerMessage)
}

func NewWSTransport(log *zap.Logger, url string) *WSTransport {
	return &WSTransport{log: log, url: url}
}

func (t *WSTransport) OnReconnected(fn func()) {
	t.mu.Lock()
	t.onReconnected = fn
	t.mu.Unlock()
}

func (t *WSTransport) OnEvent(fn func(protocol.ServerMessage)) {
	t.mu.Lock()
	t.onEvent = fn
	t.mu.Unlock()
}

func (t *WSTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *WSTransport) Start(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.url, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.stopped = false
	t.mu.Unlock()
	go t.readLoop(conn)
	return nil
}

func (t *WSTransport) Stop(ctx context.Context) error {
	t.mu.Lock()
	t.stopped = true
	t.state = StateDisconnected
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}

func (t *WSTransport) JoinGame(ctx context.Context, gameID types.GameID, userID types.UserID, prev types.GameID) (*protocol.SessionSnapshot, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil || t.state != StateConnected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	reply := make(chan protocol.ServerMessage, 1)
	t.reply = reply
	t.mu.Unlock()

	req := protocol.ClientMessage{
		Type:       protocol.MsgJoin,
		GameID:     string(gameID),
		UserID:     string(userID),
		PrevGameID: string(prev),
	}
	if err := t.write(ctx, conn, req); err != nil {
		t.clearReply(reply)
		return nil, fmt.Errorf("send join: %w", err)
	}

	select {
	case msg := <-reply:
		if msg.Type == protocol.MsgError {
			return nil, fmt.Errorf("join rejected: %s", msg.Error)
		}
		return msg.Snapshot, nil
	case <-ctx.Done():
		t.clearReply(reply)
		return nil, ctx.Err()
	}
}

func (t *WSTransport) LeaveGame(ctx context.Context, gameID types.GameID, userID types.UserID) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return t.write(ctx, conn, protocol.ClientMessage{
		Type:   protocol.MsgLeave,
		GameID: string(gameID),
		UserID: string(userID),
	})
}

func (t *WSTransport) write(ctx context.Context, conn *websocket.Conn, msg protocol.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}

func (t *WSTransport) clearReply(reply chan protocol.ServerMessage) {
	t.mu.Lock()
	if t.reply == reply {
		t.reply = nil
	}
	t.mu.Unlock()
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			t.handleDisconnect()
			return
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.log.Warn("bad frame from server", zap.Error(err))
			continue
		}

		t.mu.Lock()
		reply := t.reply
		onEvent := t.onEvent
		if reply != nil && (msg.Type == protocol.MsgSessionSnapshot || msg.Type == protocol.MsgError) {
			t.reply = nil
			t.mu.Unlock()
			reply <- msg
			continue
		}
		t.mu.Unlock()

		if onEvent != nil {
			onEvent(msg)
		}
	}
}

// handleDisconnect moves the transport into Reconnecting and redials with
// backoff until Stop is called or the socket comes back.
func (t *WSTransport) handleDisconnect() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.state = StateReconnecting
	t.conn = nil
	t.mu.Unlock()

	delay := redialInitial
	for {
		time.Sleep(delay)

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), redialMax)
		conn, _, err := websocket.Dial(ctx, t.url, nil)
		cancel()
		if err != nil {
			t.log.Debug("redial failed", zap.Error(err), zap.Duration("next_in", delay))
			delay = min(delay*2, redialMax)
			continue
		}

		t.mu.Lock()
		if t.stopped {
			t.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		}
		t.conn = conn
		t.state = StateConnected
		onReconnected := t.onReconnected
		t.mu.Unlock()

		go t.readLoop(conn)
		if onReconnected != nil {
			onReconnected()
		}
		return
	}
}
