package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/duet/internal/protocol"
	"github.com/matheus3301/duet/internal/reconcile"
	"go.uber.org/zap"
)

// Chat is a live conversation with one peer. Outgoing messages appear in
// State immediately as pending and are reconciled as acknowledgments and
// rejections arrive.
type Chat struct {
	ws     *websocket.Conn
	me     string
	peer   string
	state  *reconcile.State
	logger *zap.Logger

	mu     sync.Mutex
	online map[string]bool

	notices chan string
}

// Dial connects to the gateway at wsURL and joins as me.
func Dial(ctx context.Context, wsURL string, me protocol.Identity, peerID string, logger *zap.Logger) (*Chat, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	ws.SetReadLimit(32 << 20)

	c := &Chat{
		ws:      ws,
		me:      me.ID,
		peer:    peerID,
		state:   reconcile.New(),
		logger:  logger,
		online:  make(map[string]bool),
		notices: make(chan string, 64),
	}
	if err := c.write(ctx, protocol.EventJoin, me); err != nil {
		_ = ws.CloseNow()
		return nil, err
	}
	return c, nil
}

// State returns the reconciled message list.
func (c *Chat) State() *reconcile.State {
	return c.state
}

// Notices carries human-readable rejections and presence changes. Notices
// are dropped when nobody reads them.
func (c *Chat) Notices() <-chan string {
	return c.notices
}

// PeerOnline reports the last presence seen for the peer.
func (c *Chat) PeerOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online[c.peer]
}

// JoinThread subscribes this connection to a thread channel.
func (c *Chat) JoinThread(ctx context.Context, threadID string) error {
	return c.write(ctx, protocol.EventJoinThread, protocol.JoinThread{ThreadID: threadID})
}

// Send shows content as pending and submits it. The returned correlation id
// identifies the placeholder in State.
func (c *Chat) Send(ctx context.Context, content string, att *protocol.Attachment) (string, error) {
	id := c.state.Submit(c.me, content, att)
	err := c.write(ctx, protocol.EventSendMessage, protocol.SendMessage{
		SenderID:      c.me,
		ReceiverID:    c.peer,
		Content:       content,
		Attachment:    att,
		CorrelationID: id,
	})
	if err != nil {
		c.state.Fail(id, err.Error())
		return id, err
	}
	return id, nil
}

// Run reads frames until ctx is done or the connection closes. When the
// connection is lost, placeholders still waiting for the server are
// failed, since no acknowledgment or rejection can arrive for them.
func (c *Chat) Run(ctx context.Context) error {
	for {
		var env protocol.Envelope
		if err := wsjson.Read(ctx, c.ws, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				return nil
			}
			if failed := c.state.FailPending("connection lost"); len(failed) > 0 {
				c.notify(fmt.Sprintf("connection lost, %d unsent message(s) failed", len(failed)))
			}
			return err
		}
		if err := c.handle(env); err != nil {
			c.logger.Warn("bad frame from server", zap.String("event", env.Event), zap.Error(err))
		}
	}
}

// Close ends the connection.
func (c *Chat) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "bye")
}

func (c *Chat) handle(env protocol.Envelope) error {
	switch env.Event {
	case protocol.EventMessageAcknowledged:
		var msg protocol.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if msg.ReceiverID == c.peer {
			c.state.Confirm(msg.CorrelationID, msg)
		}
	case protocol.EventMessageDelivered:
		var msg protocol.Message
		if err := env.Decode(&msg); err != nil {
			return err
		}
		if c.inConversation(msg) {
			c.state.ReceiveForeign(msg)
		}
	case protocol.EventMessageRejected:
		var rej protocol.Rejected
		if err := env.Decode(&rej); err != nil {
			return err
		}
		if rej.CorrelationID != "" {
			c.state.Fail(rej.CorrelationID, rej.Reason)
		}
		c.notify(fmt.Sprintf("message rejected (%s): %s", rej.Reason, rej.Message))
	case protocol.EventPresenceChanged:
		var p protocol.PresenceChanged
		if err := env.Decode(&p); err != nil {
			return err
		}
		c.mu.Lock()
		c.online[p.UserID] = p.Online
		c.mu.Unlock()
		if p.UserID == c.peer {
			c.notify(fmt.Sprintf("%s is %s", p.UserID, onlineWord(p.Online)))
		}
	default:
		raw, _ := json.Marshal(env)
		c.logger.Debug("ignoring event", zap.ByteString("frame", raw))
	}
	return nil
}

func (c *Chat) inConversation(msg protocol.Message) bool {
	return (msg.SenderID == c.peer && msg.ReceiverID == c.me) ||
		(msg.SenderID == c.me && msg.ReceiverID == c.peer)
}

func (c *Chat) notify(s string) {
	select {
	case c.notices <- s:
	default:
	}
}

func (c *Chat) write(ctx context.Context, event string, payload any) error {
	env, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, c.ws, env)
}

func onlineWord(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
