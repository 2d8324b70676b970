package uws

import (
	"sync"
)

type (
	// pendingUpgrade survives the gap between the socket handoff and the
	// engine reporting the upgraded socket.
	pendingUpgrade struct {
		context *UpgradeContext
		accept  func(*Conn)
		group   *connGroup
	}

	// Router resolves one role's engine notifications to the Conn owning the
	// socket. A Conn is registered when its socket opens and deregistered only
	// after its close handler has returned.
	Router struct {
		engine Engine
		role   Role
		logger Logger

		mu      sync.Mutex
		conns   map[Handle]*Conn
		pending map[Ticket]*pendingUpgrade
	}

	routerKey struct {
		engine Engine
		role   Role
	}
)

var (
	routersMu sync.Mutex
	routers   = make(map[routerKey]*Router)
)

// routerFor returns the router of the given engine and role, subscribing it
// on first use.
func routerFor(e Engine, role Role, logger Logger) (*Router, error) {
	routersMu.Lock()
	defer routersMu.Unlock()

	key := routerKey{engine: e, role: role}
	if r, ok := routers[key]; ok {
		return r, nil
	}

	r := newRouter(e, role, logger)
	if err := e.Subscribe(role, r.notifications()); err != nil {
		return nil, err
	}
	routers[key] = r
	return r, nil
}

// forgetRouters drops the routers of an engine that has been shut down.
func forgetRouters(e Engine) {
	routersMu.Lock()
	defer routersMu.Unlock()

	for role := Role(0); role < roleCount; role++ {
		delete(routers, routerKey{engine: e, role: role})
	}
}

func newRouter(e Engine, role Role, logger Logger) *Router {
	return &Router{
		engine:  e,
		role:    role,
		logger:  loggerOrNop(logger).WithField("router", role),
		conns:   make(map[Handle]*Conn),
		pending: make(map[Ticket]*pendingUpgrade),
	}
}

func (r *Router) notifications() Notifications {
	return Notifications{
		Connection:    r.onConnection,
		Message:       r.onMessage,
		Disconnection: r.onDisconnection,
		Ping:          r.onPing,
		Pong:          r.onPong,
		Error:         r.onError,
	}
}

// expect parks an accepted upgrade until the engine reports its socket.
func (r *Router) expect(t Ticket, p *pendingUpgrade) {
	r.mu.Lock()
	r.pending[t] = p
	r.mu.Unlock()
}

func (r *Router) takePending(t Ticket) *pendingUpgrade {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.pending[t]
	delete(r.pending, t)
	return p
}

func (r *Router) lookup(h Handle) *Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[h]
}

func (r *Router) register(h Handle, c *Conn) {
	r.mu.Lock()
	r.conns[h] = c
	r.mu.Unlock()
}

func (r *Router) deregister(h Handle) {
	r.mu.Lock()
	delete(r.conns, h)
	r.mu.Unlock()
}

// Len reports how many connections are registered.
func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Router) onConnection(h Handle, userData any) {
	switch r.role {
	case RoleServer:
		r.acceptServer(h, userData)
	case RoleClient:
		r.openClient(h, userData)
	}
}

func (r *Router) acceptServer(h Handle, userData any) {
	ticket, _ := userData.(Ticket)
	p := r.takePending(ticket)
	if p == nil {
		r.logger.Warnf("socket %d upgraded without a pending request (ticket %d), closing", h, ticket)
		r.engine.Close(h, CloseInternalError, "")
		return
	}

	conn := newConn(r.logger, RoleServer, r.engine)
	conn.attach(h, r.engine)

	uc := *p.context
	uc.Peer = r.engine.Address(h)
	conn.setUpgradeContext(&uc)

	r.register(h, conn)
	if p.group != nil {
		p.group.add(h, conn)
	}

	r.logger.Debugf("accepted socket %d from %s", h, uc.Peer.Address)
	if p.accept != nil {
		p.accept(conn)
	}
}

func (r *Router) openClient(h Handle, userData any) {
	cc, ok := userData.(*ClientConn)
	if !ok {
		r.logger.Warnf("client socket %d carries no connection, closing", h)
		r.engine.Close(h, CloseInternalError, "")
		return
	}

	cc.attach(h, r.engine)
	r.register(h, cc.Conn)
	cc.emitOpen()
}

func (r *Router) onMessage(h Handle, m Message) {
	if c := r.lookup(h); c != nil {
		c.emitMessage(m)
	}
}

func (r *Router) onPing(h Handle, payload []byte) {
	if c := r.lookup(h); c != nil {
		c.emitPing(payload)
	}
}

func (r *Router) onPong(h Handle, payload []byte) {
	if c := r.lookup(h); c != nil {
		c.emitPong(payload)
	}
}

// onDisconnection tears a connection down in a fixed order: the Conn reads as
// closed before its close handler runs, and the engine may only reuse the
// socket slot once that handler has returned.
func (r *Router) onDisconnection(h Handle, code int, reason string, _ any) {
	c := r.lookup(h)
	if c == nil {
		r.engine.Release(h)
		return
	}

	c.detach()
	if c.client != nil {
		c.client.markClosed()
	}

	c.emitClose(code, reason)

	r.deregister(h)
	if g := c.takeGroup(); g != nil {
		g.remove(h)
	}
	r.engine.Release(h)
}

func (r *Router) onError(userData any, err error) {
	switch v := userData.(type) {
	case Ticket:
		if r.takePending(v) != nil {
			r.logger.Warnf("upgrade for ticket %d failed: %s", v, err)
		}
	case *ClientConn:
		r.logger.Warnf("client connection to %s failed: %s", v.uri.String(), err)
		v.fail(err)
	default:
		r.logger.Errorf("engine error: %s", err)
	}
}
