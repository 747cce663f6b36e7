package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/matheus3301/duet/internal/attachment"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/dispatch"
	"github.com/matheus3301/duet/internal/metrics"
	"github.com/matheus3301/duet/internal/presence"
	"github.com/matheus3301/duet/internal/protocol"
	"github.com/matheus3301/duet/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	ErrRateLimited = errors.New("too many messages, slow down")
	ErrMalformed   = errors.New("malformed frame")
)

// Sender is the delivery side of the gateway. *dispatch.Dispatcher implements it.
type Sender interface {
	Send(ctx context.Context, origin int, req protocol.SendMessage) (*protocol.Message, error)
	Reject(ctx context.Context, origin int, correlationID string, err error)
}

// UserStore persists the profile claimed on join. *store.DB implements it.
type UserStore interface {
	UpsertUser(ctx context.Context, u *store.User) error
}

// Options tunes per-connection limits.
type Options struct {
	// MaxFrameBytes is raised to at least FrameLimit(MaxAttachmentBytes).
	MaxFrameBytes      int64
	MaxAttachmentBytes int64
	SendRate           float64 // sends per second
	SendBurst          int
	OutboundBuffer     int
	WriteTimeout       time.Duration
	OriginPatterns     []string
}

// frameOverhead covers the envelope and text fields around an attachment.
const frameOverhead = 64 << 10

// FrameLimit returns the read limit that lets an attachment of up to twice
// maxAttachment bytes reach admission and be rejected there, rather than
// closing the connection.
func FrameLimit(maxAttachment int64) int64 {
	return 2*int64(base64.StdEncoding.EncodedLen(int(maxAttachment))) + frameOverhead
}

func (o Options) withDefaults() Options {
	if o.MaxAttachmentBytes <= 0 {
		o.MaxAttachmentBytes = attachment.DefaultMaxBytes
	}
	o.MaxFrameBytes = max(o.MaxFrameBytes, FrameLimit(o.MaxAttachmentBytes))
	if o.SendRate <= 0 {
		o.SendRate = 20
	}
	if o.SendBurst <= 0 {
		o.SendBurst = 40
	}
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// Gateway runs the connection lifecycle for every websocket client.
type Gateway struct {
	opts     Options
	users    UserStore
	presence *presence.Registry
	bus      *bus.Bus
	sender   Sender
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[int]*websocket.Conn
	wg    sync.WaitGroup
}

// New creates a gateway. m and logger may be nil.
func New(opts Options, users UserStore, reg *presence.Registry, b *bus.Bus, sender Sender, m *metrics.Metrics, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		opts:     opts.withDefaults(),
		users:    users,
		presence: reg,
		bus:      b,
		sender:   sender,
		metrics:  m,
		logger:   logger,
		conns:    make(map[int]*websocket.Conn),
	}
}

// conn is the per-connection task state.
type conn struct {
	id      int
	ws      *websocket.Conn
	sub     *bus.Subscription
	state   *Machine
	limiter *rate.Limiter
	userID  string
	log     *zap.Logger
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.opts.OriginPatterns,
		InsecureSkipVerify: slices.Contains(g.opts.OriginPatterns, "*"),
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	_ = g.ServeConn(r.Context(), ws)
}

// ServeConn runs the read and write loops for ws. It returns when the
// client disconnects or ctx is done, after presence has been released.
// A frame larger than MaxFrameBytes closes the connection with
// StatusMessageTooBig (1009); smaller oversize attachments are rejected
// with attachment_too_large and the connection stays open.
func (g *Gateway) ServeConn(ctx context.Context, ws *websocket.Conn) error {
	ws.SetReadLimit(g.opts.MaxFrameBytes)
	sub := g.bus.Subscribe(g.opts.OutboundBuffer)
	c := &conn{
		id:      sub.ID,
		ws:      ws,
		sub:     sub,
		state:   NewMachine(),
		limiter: rate.NewLimiter(rate.Limit(g.opts.SendRate), g.opts.SendBurst),
		log:     g.logger.With(zap.Int("conn", sub.ID)),
	}

	g.wg.Add(1)
	defer g.wg.Done()
	g.track(c)
	g.metrics.ConnOpened()
	c.log.Debug("connection opened")

	ctx, cancel := context.WithCancel(ctx)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := g.writeLoop(ctx, c); err != nil && ctx.Err() == nil {
			c.log.Debug("write loop ended", zap.Error(err))
		}
		cancel()
	}()

	err := g.readLoop(ctx, c)
	cancel()
	<-writerDone
	g.disconnect(c)
	_ = ws.Close(websocket.StatusNormalClosure, "")

	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return nil
	}
	return err
}

func (g *Gateway) readLoop(ctx context.Context, c *conn) error {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			g.sender.Reject(ctx, c.id, "", malformed(err))
			continue
		}
		g.handle(ctx, c, env)
	}
}

func (g *Gateway) writeLoop(ctx context.Context, c *conn) error {
	for {
		select {
		case evt := <-c.sub.C():
			env, err := protocol.Encode(evt.Kind, evt.Payload)
			if err != nil {
				c.log.Error("encode outbound event", zap.String("event", evt.Kind), zap.Error(err))
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, g.opts.WriteTimeout)
			err = wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				return err
			}
		case <-c.sub.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *Gateway) handle(ctx context.Context, c *conn, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoin:
		var id protocol.Identity
		if err := env.Decode(&id); err != nil || id.ID == "" {
			g.sender.Reject(ctx, c.id, "", malformed(err))
			return
		}
		g.join(ctx, c, id)

	case protocol.EventJoinThread:
		var req protocol.JoinThread
		if err := env.Decode(&req); err != nil || req.ThreadID == "" {
			g.sender.Reject(ctx, c.id, "", malformed(err))
			return
		}
		if c.state.Current() != Bound {
			// Clients may send join_thread before join lands.
			c.log.Debug("join_thread before join ignored", zap.String("thread", req.ThreadID))
			return
		}
		g.bus.Join(c.id, protocol.ThreadChannel(req.ThreadID))

	case protocol.EventSendMessage:
		var req protocol.SendMessage
		if err := env.Decode(&req); err != nil {
			g.sender.Reject(ctx, c.id, req.CorrelationID, malformed(err))
			return
		}
		if !c.limiter.Allow() {
			g.sender.Reject(ctx, c.id, req.CorrelationID, &dispatch.Error{Reason: protocol.ReasonRateLimited, Err: ErrRateLimited})
			return
		}
		if c.userID != "" && req.SenderID != c.userID {
			c.log.Debug("send on behalf of another identity", zap.String("bound", c.userID), zap.String("sender", req.SenderID))
		}
		// Errors are reported to the client by the sender.
		_, _ = g.sender.Send(ctx, c.id, req)

	default:
		c.log.Warn("unknown event ignored", zap.String("event", env.Event))
	}
}

func (g *Gateway) join(ctx context.Context, c *conn, id protocol.Identity) {
	if c.state.Current() != Unbound {
		c.log.Warn("duplicate join ignored", zap.String("user", id.ID), zap.String("bound", c.userID))
		return
	}
	if err := g.users.UpsertUser(ctx, &store.User{
		ID: id.ID, Name: id.Name, Email: id.Email, Picture: id.Picture, Nickname: id.Nickname,
	}); err != nil {
		c.log.Error("join: upsert user", zap.String("user", id.ID), zap.Error(err))
		return
	}
	evt, err := g.presence.Bind(ctx, c.id, id)
	if err != nil {
		c.log.Error("join: bind presence", zap.String("user", id.ID), zap.Error(err))
		return
	}
	if err := c.state.Transition(Bound); err != nil {
		c.log.Error("join: state", zap.Error(err))
		return
	}
	c.userID = id.ID
	g.bus.Join(c.id, protocol.UserChannel(id.ID))
	g.metrics.Bound()
	c.log.Info("user joined", zap.String("user", id.ID))
	g.broadcastPresence(c.id, evt)
}

// disconnect releases everything the connection holds. An in-flight send
// has already finished because frames are handled on the read goroutine.
func (g *Gateway) disconnect(c *conn) {
	wasBound := c.state.Current() == Bound
	if err := c.state.Transition(Closed); err != nil {
		c.log.Warn("close", zap.Error(err))
	}
	g.bus.Unsubscribe(c.id)
	g.untrack(c)
	g.metrics.ConnClosed()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	evt, ok, err := g.presence.Unbind(ctx, c.id)
	if err != nil {
		c.log.Error("unbind presence", zap.Error(err))
	}
	if wasBound {
		g.metrics.Unbound()
	}
	if ok {
		c.log.Info("user left", zap.String("user", evt.UserID))
		g.broadcastPresence(c.id, evt)
	}
}

// broadcastPresence tells every other live connection about evt. Lost
// broadcasts are not retried.
func (g *Gateway) broadcastPresence(origin int, evt presence.Event) {
	_, dropped := g.bus.Broadcast(bus.Event{
		Kind:      protocol.EventPresenceChanged,
		Timestamp: time.Now(),
		Payload:   evt.Payload(),
	}, origin)
	g.metrics.Dropped(protocol.EventPresenceChanged, dropped)
}

func (g *Gateway) track(c *conn) {
	g.mu.Lock()
	g.conns[c.id] = c.ws
	g.mu.Unlock()
}

func (g *Gateway) untrack(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()
}

// Len returns the number of open connections.
func (g *Gateway) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close tells every client the server is going away and waits for their
// tasks to release presence, or for ctx to end.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	for _, ws := range g.conns {
		go func() { _ = ws.Close(websocket.StatusGoingAway, "server shutting down") }()
	}
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// malformed wraps a decode failure as a malformed rejection.
func malformed(cause error) error {
	err := ErrMalformed
	if cause != nil {
		err = errors.Join(ErrMalformed, cause)
	}
	return &dispatch.Error{Reason: protocol.ReasonMalformed, Err: err}
}
