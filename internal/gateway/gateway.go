package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/errors"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/gofiber/websocket/v2"
	"github.com/oklog/ulid/v2"
)

// DefaultSendQueue is the number of frames buffered per connection.
const DefaultSendQueue = 256

// Conn is the part of a websocket connection the gateway uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Target is a live session a connection can be attached to.
type Target interface {
	ID() string
	Attach(c bridge.Consumer) (bridge.Consumer, error)
	Detach(c bridge.Consumer) bool
	Write(p []byte) error
	Resize(rows, cols uint16) error
}

// Directory finds live sessions.
type Directory interface {
	Lookup(id string) (Target, bool)
	Infos() []bridge.Info
}

// FromBridge exposes a Bridge as a Directory.
func FromBridge(b *bridge.Bridge) Directory {
	return bridgeDirectory{b}
}

type bridgeDirectory struct{ b *bridge.Bridge }

func (d bridgeDirectory) Lookup(id string) (Target, bool) {
	s, ok := d.b.Get(id)
	if !ok {
		return nil, false
	}
	return s, true
}

func (d bridgeDirectory) Infos() []bridge.Info {
	live := d.b.List()
	out := make([]bridge.Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	return out
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithSendQueue sets the per-connection frame buffer. A consumer that falls
// further behind is detached.
func WithSendQueue(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// Gateway relays sessions to remote connections.
type Gateway struct {
	dir       Directory
	queueSize int
	logger    *logging.Logger
	active    atomic.Int64
}

// New creates a Gateway over dir.
func New(dir Directory, opts ...Option) *Gateway {
	g := &Gateway{
		dir:       dir,
		queueSize: DefaultSendQueue,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.WithComponent("gateway")
	return g
}

// Directory returns the sessions the gateway serves.
func (g *Gateway) Directory() Directory { return g.dir }

// Active returns the number of connections being served.
func (g *Gateway) Active() int { return int(g.active.Load()) }

// Serve attaches conn to the session and relays frames until the session
// exits, the connection closes, another consumer takes over or ctx ends.
// Closing the connection only detaches; the process keeps running. Serve
// closes conn before returning.
func (g *Gateway) Serve(ctx context.Context, conn Conn, sessionID string) error {
	target, ok := g.dir.Lookup(sessionID)
	if !ok {
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame("session not found"))
		_ = conn.Close()
		return errors.NewNotFoundError("session", sessionID).WithCause(errors.ErrSessionNotFound)
	}

	r := newRemote("remote:"+ulid.Make().String(), g.queueSize)
	r.target = target
	log := g.logger.WithSession(sessionID).With("consumer", r.name)

	if _, err := target.Attach(r); err != nil {
		_ = conn.WriteMessage(websocket.TextMessage, errorFrame(err.Error()))
		_ = conn.Close()
		return err
	}
	g.active.Add(1)
	defer g.active.Add(-1)
	log.Info("remote consumer connected")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		r.writeLoop(conn, log)
	}()

	stop := context.AfterFunc(ctx, func() {
		r.setReason("server shutting down")
		target.Detach(r)
	})
	defer stop()

	g.readLoop(conn, target, r, log)

	// The client went away or the writer closed the connection.
	r.setReason("connection closed")
	target.Detach(r)
	<-writerDone
	log.Info("remote consumer disconnected", "reason", r.reason())
	return nil
}

func (g *Gateway) readLoop(conn Conn, target Target, r *remote, log *logging.Logger) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			r.send(errorFrame("binary frames are not supported"))
			continue
		}
		in, err := parseInbound(data)
		if err != nil {
			log.Debug("rejected frame", "error", err)
			r.send(errorFrame(err.Error()))
			continue
		}

		switch in.kind {
		case TypeInput:
			err = target.Write([]byte(in.input))
		case TypeResize:
			err = target.Resize(in.resize.Rows, in.resize.Cols)
		case TypePing:
			r.send(pongFrame())
		}
		if err != nil {
			r.send(errorFrame(err.Error()))
		}
	}
}

// remote is the bridge consumer behind one connection. Frames are queued
// without blocking; the connection is written by writeLoop alone.
type remote struct {
	name   string
	target Target
	queue  chan []byte
	exit   chan bridge.Exit

	detachOnce sync.Once
	detached   chan struct{}
	overflowed atomic.Bool

	mu    sync.Mutex
	carry utf8Carry
	why   string
}

func newRemote(name string, queueSize int) *remote {
	return &remote{
		name:     name,
		queue:    make(chan []byte, queueSize),
		exit:     make(chan bridge.Exit, 1),
		detached: make(chan struct{}),
	}
}

func (r *remote) Name() string { return r.name }

func (r *remote) Output(p []byte) {
	r.mu.Lock()
	chunk := r.carry.split(p)
	r.mu.Unlock()
	if len(chunk) > 0 {
		r.send(outputFrame(chunk))
	}
}

func (r *remote) Exited(e bridge.Exit) {
	r.mu.Lock()
	rest := r.carry.flush()
	r.mu.Unlock()
	if len(rest) > 0 {
		r.send(outputFrame(rest))
	}
	select {
	case r.exit <- e:
	default:
	}
}

func (r *remote) Detached() {
	r.detachOnce.Do(func() { close(r.detached) })
}

// send queues a frame. A full queue means the client cannot keep up; the
// consumer is detached from a new goroutine since send may run with the
// session locked.
func (r *remote) send(frame []byte) {
	select {
	case r.queue <- frame:
	default:
		if r.overflowed.CompareAndSwap(false, true) {
			r.setReason("consumer too slow")
			go r.target.Detach(r)
		}
	}
}

func (r *remote) setReason(why string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.why == "" {
		r.why = why
	}
}

func (r *remote) reason() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.why == "" {
		return "replaced by another consumer"
	}
	return r.why
}

func (r *remote) writeLoop(conn Conn, log *logging.Logger) {
	defer func() { _ = conn.Close() }()
	for {
		select {
		case frame := <-r.queue:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.Debug("write failed", "error", err)
				r.target.Detach(r)
				return
			}
		case e := <-r.exit:
			// Exited follows every Output, so the queue holds the tail.
			r.setReason("session exited")
			r.drain(conn)
			_ = conn.WriteMessage(websocket.TextMessage, exitFrame(e))
			return
		case <-r.detached:
			why := r.reason()
			r.setReason(why)
			_ = conn.WriteMessage(websocket.TextMessage, errorFrame(why))
			return
		}
	}
}

func (r *remote) drain(conn Conn) {
	for {
		select {
		case frame := <-r.queue:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
