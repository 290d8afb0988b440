// Package bridge relays one device to any number of websocket clients:
// a private snapshot on connect, live broadcasts afterwards, and commands
// from clients forwarded to the device agent or keyboard driver.
package bridge

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"devbridge/internal/event"
	"devbridge/internal/keyboard"
	"devbridge/internal/session"
	"devbridge/internal/wire"
)

const (
	DefaultCallTimeout = 10 * time.Second
	DefaultQueueSize   = 256

	// a snapshot is at most three frames and must fit the queue
	snapshotFrames = 3
	minQueueSize   = snapshotFrames + 1
)

type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Video describes the device's video stream.
type Video interface {
	Format() string
	URL(host string) string
}

// Agent is the device-side endpoint the bridge forwards to.
type Agent interface {
	AgentVersion(ctx context.Context) (string, error)
	ConsoleDump(ctx context.Context) (string, error)
	ConsoleSend(ctx context.Context, input string, raw bool, session string) error
	TargetToggle(ctx context.Context, session string) (string, error)
	// Video returns nil when the device has no video.
	Video() Video
	// Keyboard returns nil when the device has no keyboard driver.
	Keyboard() keyboard.Driver
}

// Peer describes the client side of a connection.
type Peer struct {
	// Host is the Host header of the client's request.
	Host  string
	Scope *session.Scope
}

type Option func(*Bridge)

func WithSessions(r *session.Registry) Option {
	return func(b *Bridge) {
		if r != nil {
			b.sessions = r
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(b *Bridge) { b.SetLogger(logger) }
}

func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.callTimeout = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(b *Bridge) {
		if n < minQueueSize {
			n = minQueueSize
		}
		b.queueSize = n
	}
}

func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(b *Bridge) {
		if fn != nil {
			b.upgrader.CheckOrigin = fn
		}
	}
}

type Bridge struct {
	agent    Agent
	driver   keyboard.Driver
	sessions *session.Registry

	callTimeout time.Duration
	queueSize   int

	// mu serializes broadcasts so every client sees the same order
	mu       sync.Mutex
	clients  map[*client]struct{}
	clientID uint64

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

type client struct {
	id      uint64
	session string
	conn    WSConn
	send    chan []byte
	done    chan struct{}
	close   sync.Once

	// pending holds back broadcasts until the snapshot is queued; they
	// collect in backlog. Both are guarded by Bridge.mu.
	pending bool
	backlog [][]byte
}

func (c *client) shutdown() {
	c.close.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// New binds agent and driver for the bridge's lifetime. Either may be nil.
// Without a driver the agent's keyboard is used.
func New(agent Agent, driver keyboard.Driver, opts ...Option) *Bridge {
	if driver == nil && agent != nil {
		driver = agent.Keyboard()
	}
	b := &Bridge{
		agent:       agent,
		driver:      driver,
		sessions:    session.NewRegistry(session.NewTokenManager(session.NewID())),
		callTimeout: DefaultCallTimeout,
		queueSize:   DefaultQueueSize,
		clients:     make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bridge) SetLogger(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b.logger = logger
}

func (b *Bridge) Sessions() *session.Registry { return b.sessions }

// Clients returns the number of connections that received their snapshot.
func (b *Bridge) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.clients {
		if !c.pending {
			n++
		}
	}
	return n
}

// ServeWS upgrades the request and runs the connection until it ends. The
// upgrade response carries the session cookie.
func (b *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	scope := &session.Scope{}
	id := b.sessions.Ensure(scope)
	header := http.Header{}
	if c, err := b.sessions.Cookie(id); err != nil {
		b.logger.Warn("session cookie", zap.Error(err))
	} else {
		header.Add("Set-Cookie", c.String())
	}
	conn, err := b.upgrader.Upgrade(w, r, header)
	if err != nil {
		b.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	b.ServeConn(conn, Peer{Host: r.Host, Scope: scope})
}

func (b *Bridge) ServeConn(conn WSConn, peer Peer) {
	scope := peer.Scope
	if scope == nil {
		scope = &session.Scope{}
	}
	c := &client{
		id:      atomic.AddUint64(&b.clientID, 1),
		session: b.sessions.Ensure(scope),
		conn:    conn,
		send:    make(chan []byte, b.queueSize),
		done:    make(chan struct{}),
		pending: true,
	}
	log := b.logger.With(zap.Uint64("client", c.id), zap.String("session", c.session))

	b.mu.Lock()
	b.clients[c] = struct{}{}
	b.mu.Unlock()

	snapshot := b.snapshot(hostname(peer.Host))
	if !b.release(c, snapshot) {
		c.shutdown()
		log.Info("client dropped before its snapshot was queued")
		return
	}
	log.Info("client connected", zap.String("host", peer.Host))

	go b.writePump(c)
	defer func() {
		b.remove(c)
		c.shutdown()
		log.Info("client disconnected")
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			log.Debug("bad frame", zap.Error(err))
			continue
		}
		switch f.Event {
		case wire.ConsoleInput:
			var in wire.InputPayload
			if err := f.Payload(&in); err != nil {
				log.Debug("bad console input", zap.Error(err))
				continue
			}
			b.consoleInput(log, c.session, in.Input)
		}
	}
}

func (b *Bridge) snapshot(host string) [][]byte {
	if b.agent == nil {
		return nil
	}
	var out [][]byte
	add := func(name string, payload any) {
		msg, err := wire.Encode(name, payload)
		if err != nil {
			b.logger.Warn("encode snapshot", zap.String("event", name), zap.Error(err))
			return
		}
		out = append(out, msg)
	}

	ctx, cancel := b.callContext()
	version, err := b.agent.AgentVersion(ctx)
	cancel()
	if err != nil {
		b.logger.Warn("agent version", zap.Error(err))
	} else {
		add(wire.Version, wire.VersionPayload{Version: version})
	}

	ctx, cancel = b.callContext()
	dump, err := b.agent.ConsoleDump(ctx)
	cancel()
	if err != nil {
		b.logger.Warn("console dump", zap.Error(err))
	} else {
		add(wire.ConsoleOutput, wire.OutputPayload{Output: dump})
	}

	if v := b.agent.Video(); v != nil {
		add(wire.VideoInfo, wire.VideoPayload{Format: v.Format(), URL: v.URL(host)})
	}
	return out
}

func (b *Bridge) consoleInput(log *zap.Logger, sessionID, input string) {
	if b.agent == nil {
		return
	}
	ctx, cancel := b.callContext()
	defer cancel()
	if err := b.agent.ConsoleSend(ctx, input, false, sessionID); err != nil {
		log.Warn("console send", zap.Error(err))
	}
}

func (b *Bridge) writePump(c *client) {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// release queues the snapshot followed by the broadcasts held back while it
// was taken, and makes c live. It reports false when c was dropped.
func (b *Bridge) release(c *client, snapshot [][]byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; !ok {
		return false
	}
	for _, msg := range append(snapshot, c.backlog...) {
		select {
		case c.send <- msg:
		default:
			delete(b.clients, c)
			return false
		}
	}
	c.pending = false
	c.backlog = nil
	return true
}

func (b *Bridge) remove(c *client) {
	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
}

// broadcast queues msg for every live client. A client that cannot keep up
// is disconnected; it gets a fresh snapshot when it reconnects.
func (b *Bridge) broadcast(msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		if c.pending {
			if len(c.backlog) < b.queueSize-snapshotFrames {
				c.backlog = append(c.backlog, msg)
				continue
			}
			delete(b.clients, c)
			c.shutdown()
			b.logger.Warn("dropping client during snapshot", zap.Uint64("client", c.id), zap.String("session", c.session))
			continue
		}
		select {
		case c.send <- msg:
		default:
			delete(b.clients, c)
			c.shutdown()
			b.logger.Warn("dropping slow client", zap.Uint64("client", c.id), zap.String("session", c.session))
		}
	}
}

// Notify relays a device event to every client connected at call time.
func (b *Bridge) Notify(kind event.Kind, payload any) {
	var name string
	switch kind {
	case event.Power:
		name = wire.PowerEvent
	case event.Session:
		name = wire.SessionEvent
	case event.Storage:
		name = wire.StorageEvent
	default:
		return
	}
	msg, err := wire.Encode(name, wire.EventPayload{Event: payload})
	if err != nil {
		b.logger.Warn("encode event", zap.Stringer("kind", kind), zap.Error(err))
		return
	}
	b.broadcast(msg)
}

// Write relays console data to every client. Other topics are not
// forwarded.
func (b *Bridge) Write(topic event.Topic, data string) {
	if topic != event.Console {
		return
	}
	msg, err := wire.Encode(wire.ConsoleOutput, wire.OutputPayload{Output: data})
	if err != nil {
		b.logger.Warn("encode console output", zap.Error(err))
		return
	}
	b.broadcast(msg)
}

// KeyboardInput routes a client token to the keyboard driver. It does
// nothing without an agent or a driver.
func (b *Bridge) KeyboardInput(ctx context.Context, token string) {
	if b.agent == nil || b.driver == nil || ctx.Err() != nil {
		return
	}
	handled, ok := keyboard.Dispatch(b.driver, token)
	switch {
	case !handled:
		b.logger.Debug("ignoring keyboard token", zap.String("token", token))
	case !ok:
		b.logger.Warn("keyboard input failed", zap.String("token", token))
	}
}

// PowerToggle asks the agent to flip target power on behalf of sessionID
// and returns the agent's result, or "" when there is none.
func (b *Bridge) PowerToggle(ctx context.Context, sessionID string) string {
	if b.agent == nil {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	result, err := b.agent.TargetToggle(ctx, sessionID)
	if err != nil {
		b.logger.Warn("power toggle", zap.String("session", sessionID), zap.Error(err))
		return ""
	}
	return result
}

// Close disconnects every client.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.clients {
		delete(b.clients, c)
		c.shutdown()
	}
}

func (b *Bridge) callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), b.callTimeout)
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
}
