package uws

import (
	"net/http"
	"net/url"
	"sync"
)

type ReadyState uint8

const (
	StateClosed ReadyState = iota
	StateOpen
	StateConnecting
)

func (s ReadyState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateConnecting:
		return "CONNECTING"
	default:
		return "CLOSED"
	}
}

type scheduler interface {
	NextTick(fn func())
}

// UpgradeContext is what a server connection remembers of the HTTP request
// that created it.
type UpgradeContext struct {
	URL    *url.URL
	Header http.Header
	Peer   Address
	Secure bool
}

// Conn is one websocket, accepted by a Server or dialed through a ClientConn.
//
// The engine reference doubles as the open flag: it is set while the socket is
// usable and dropped either by Close or by the engine's disconnect report.
type Conn struct {
	logger Logger
	role   Role
	sched  scheduler

	mu      sync.RWMutex
	handle  Handle
	engine  Engine
	upgrade *UpgradeContext
	group   *connGroup
	client  *ClientConn

	onMessage slot[func(*Conn, Message)]
	onClose   slot[func(*Conn, int, string)]
	onPing    slot[func(*Conn, []byte)]
	onPong    slot[func(*Conn, []byte)]
}

func newConn(logger Logger, role Role, sched scheduler) *Conn {
	return &Conn{
		logger:    loggerOrNop(logger).WithField("role", role),
		role:      role,
		sched:     sched,
		onMessage: slot[func(*Conn, Message)]{kind: EventMessage},
		onClose:   slot[func(*Conn, int, string)]{kind: EventClose},
		onPing:    slot[func(*Conn, []byte)]{kind: EventPing},
		onPong:    slot[func(*Conn, []byte)]{kind: EventPong},
	}
}

func (c *Conn) OnMessage(fn func(*Conn, Message)) error {
	return c.onMessage.set(fn)
}

func (c *Conn) OnClose(fn func(c *Conn, code int, reason string)) error {
	return c.onClose.set(fn)
}

func (c *Conn) OnPing(fn func(c *Conn, payload []byte)) error {
	return c.onPing.set(fn)
}

func (c *Conn) OnPong(fn func(c *Conn, payload []byte)) error {
	return c.onPong.set(fn)
}

// OnceMessage binds a handler that is unbound after its first call. It takes
// the same slot as OnMessage.
func (c *Conn) OnceMessage(fn func(*Conn, Message)) error {
	return c.onMessage.setOnce(fn)
}

func (c *Conn) OnceClose(fn func(c *Conn, code int, reason string)) error {
	return c.onClose.setOnce(fn)
}

func (c *Conn) OncePing(fn func(c *Conn, payload []byte)) error {
	return c.onPing.setOnce(fn)
}

func (c *Conn) OncePong(fn func(c *Conn, payload []byte)) error {
	return c.onPong.setOnce(fn)
}

// Unbind empties the slot of the given event so a new handler can be bound.
func (c *Conn) Unbind(kind EventKind) error {
	switch kind {
	case EventMessage:
		c.onMessage.clear()
	case EventClose:
		c.onClose.clear()
	case EventPing:
		c.onPing.clear()
	case EventPong:
		c.onPong.clear()
	default:
		return ErrUnsupportedEvent
	}
	return nil
}

func (c *Conn) Role() Role {
	return c.role
}

func (c *Conn) ReadyState() ReadyState {
	if _, _, ok := c.live(); ok {
		return StateOpen
	}
	return StateClosed
}

// Send queues m on the socket. Text messages go out as text frames, anything
// else as binary. onComplete, if given, always runs on a later tick: with
// ErrNotOpened when the connection is closed, otherwise once the engine has
// written the frame.
func (c *Conn) Send(m Message, onComplete func(error)) {
	h, e, ok := c.live()
	if !ok {
		if onComplete != nil {
			c.sched.NextTick(func() { onComplete(ErrNotOpened) })
		}
		return
	}

	var done func(error)
	if onComplete != nil {
		done = func(err error) {
			e.NextTick(func() { onComplete(err) })
		}
	}
	e.Send(h, m.Data(), dataOpcode(m), done)
}

func (c *Conn) SendText(text string, onComplete func(error)) {
	c.Send(NewTextMessage(text), onComplete)
}

func (c *Conn) SendBinary(data []byte, onComplete func(error)) {
	c.Send(NewBinaryMessage(data), onComplete)
}

func (c *Conn) Ping(payload []byte) {
	h, e, ok := c.live()
	if !ok {
		return
	}
	e.Send(h, payload, PingMessage, nil)
}

func (c *Conn) SendPrepared(pm *PreparedMessage) {
	h, e, ok := c.live()
	if !ok {
		return
	}
	e.SendPrepared(h, pm)
}

// Close starts the closing handshake. The connection reads as closed as soon
// as Close returns; the engine is told on the next tick so a Close issued from
// inside a handler never re-enters the dispatch that called it. The close
// event arrives later, once the engine reports the disconnect.
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	if c.engine == nil {
		c.mu.Unlock()
		return
	}
	h, e := c.handle, c.engine
	c.handle, c.engine = 0, nil
	c.mu.Unlock()

	c.logger.Debugf("closing socket %d with code %d", h, code)
	e.NextTick(func() {
		e.Close(h, code, reason)
	})
}

// PeerAddress is asked from the engine on every call.
func (c *Conn) PeerAddress() Address {
	h, e, ok := c.live()
	if !ok {
		return Address{}
	}
	return e.Address(h)
}

// UpgradeContext returns a copy of the upgrade request snapshot. The second
// value is false for connections that were not accepted through an upgrade.
func (c *Conn) UpgradeContext() (UpgradeContext, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.upgrade == nil {
		return UpgradeContext{}, false
	}
	uc := *c.upgrade
	uc.Header = c.upgrade.Header.Clone()
	if c.upgrade.URL != nil {
		u := *c.upgrade.URL
		uc.URL = &u
	}
	return uc, true
}

func (c *Conn) live() (Handle, Engine, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handle, c.engine, c.engine != nil
}

func (c *Conn) attach(h Handle, e Engine) {
	c.mu.Lock()
	c.handle, c.engine = h, e
	c.mu.Unlock()
}

func (c *Conn) detach() {
	c.mu.Lock()
	c.handle, c.engine = 0, nil
	c.mu.Unlock()
}

func (c *Conn) setUpgradeContext(uc *UpgradeContext) {
	c.mu.Lock()
	c.upgrade = uc
	c.mu.Unlock()
}

func (c *Conn) setGroup(g *connGroup) {
	c.mu.Lock()
	c.group = g
	c.mu.Unlock()
}

func (c *Conn) takeGroup() *connGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group
	c.group = nil
	return g
}

func (c *Conn) emitMessage(m Message) {
	if fn, ok := c.onMessage.load(); ok {
		fn(c, m)
	}
}

func (c *Conn) emitClose(code int, reason string) {
	if fn, ok := c.onClose.load(); ok {
		fn(c, code, reason)
	}
}

func (c *Conn) emitPing(payload []byte) {
	if fn, ok := c.onPing.load(); ok {
		fn(c, payload)
	}
}

func (c *Conn) emitPong(payload []byte) {
	if fn, ok := c.onPong.load(); ok {
		fn(c, payload)
	}
}
