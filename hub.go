package uws

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type HubOptions struct {
	Deflate          DeflateFlags
	MaxPayload       int64
	HandshakeTimeout time.Duration
	// CloseTimeout bounds the wait for the peer's close frame once ours is out.
	CloseTimeout time.Duration
	WriteTimeout time.Duration
	Backoff      backoffCalculator
	Logger       Logger
	Registerer   prometheus.Registerer
}

func (o HubOptions) withDefaults() HubOptions {
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Backoff == nil {
		o.Backoff = ExponentialBackoffSeconds
	}
	o.Logger = loggerOrNop(o.Logger)
	return o
}

// Hub is the Engine implementation of this package. Sockets are driven by
// fasthttp/websocket connections, each with a reader and a writer goroutine;
// every notification is funnelled onto one Loop.
type Hub struct {
	opts     HubOptions
	logger   Logger
	loop     *Loop
	metrics  *hubMetrics
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	handles atomic.Uint64
	tickets atomic.Uint64

	mu        sync.RWMutex
	sockets   map[Handle]*socket
	transfers map[Ticket]*transfer
	subs      [roleCount]*Notifications
	closed    bool

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

var _ Engine = (*Hub)(nil)

var (
	defaultHubOnce sync.Once
	defaultHub     *Hub
)

// DefaultHub is the process-wide engine used by client connections that do
// not name one.
func DefaultHub() *Hub {
	defaultHubOnce.Do(func() {
		defaultHub = NewHub(HubOptions{Deflate: PerMessageDeflate})
	})
	return defaultHub
}

func NewHub(opts HubOptions) *Hub {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		opts:      opts,
		logger:    opts.Logger.WithField("component", "hub"),
		loop:      NewLoop(opts.Logger),
		metrics:   newHubMetrics(opts.Registerer),
		ctx:       ctx,
		cancel:    cancel,
		sockets:   make(map[Handle]*socket),
		transfers: make(map[Ticket]*transfer),
		upgrader: websocket.Upgrader{
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: opts.Deflate.Enabled(),
			// Origin checks belong to the upgrade coordinator.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  opts.HandshakeTimeout,
			EnableCompression: opts.Deflate.Enabled(),
		},
	}
	h.loop.Start()
	return h
}

func (h *Hub) Subscribe(role Role, n Notifications) error {
	if role >= roleCount {
		return errors.Errorf("unknown role %d", role)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.subs[role] != nil {
		return errors.Wrapf(ErrAlreadySubscribed, "role %s", role)
	}
	h.subs[role] = &n
	return nil
}

// notify runs fn on the loop against the role's current subscription.
func (h *Hub) notify(role Role, fn func(n *Notifications)) {
	h.loop.Post(func() {
		h.mu.RLock()
		n := h.subs[role]
		h.mu.RUnlock()

		if n != nil {
			fn(n)
		}
	})
}

func (h *Hub) notifyError(role Role, userData any, err error) {
	h.notify(role, func(n *Notifications) {
		if n.Error != nil {
			n.Error(userData, err)
		}
	})
}

// track registers a goroutine with the hub unless it is shutting down.
func (h *Hub) track(n int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.wg.Add(n)
	return true
}

func (h *Hub) Connect(params OpenConnectionParams, userData any) {
	if !h.track(1) {
		h.notifyError(RoleClient, userData, ErrEngineClosed)
		return
	}
	go h.dial(params, userData)
}

func (h *Hub) dial(params OpenConnectionParams, userData any) {
	defer h.wg.Done()

	var (
		target = params.URL.String()
		ws     *websocket.Conn
		err    error
	)

	for attempt := 0; attempt <= params.Retries; attempt++ {
		if attempt > 0 {
			wait := h.opts.Backoff(attempt)
			h.logger.Infof("cannot connect to %s after %s, retrying in %s", target, err, wait)
			select {
			case <-h.ctx.Done():
				h.notifyError(RoleClient, userData, ErrEngineClosed)
				return
			case <-time.After(wait):
			}
		}

		var resp *http.Response
		ws, resp, err = h.dialer.DialContext(h.ctx, target, params.Header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			break
		}
	}

	if err != nil {
		h.logger.Errorf("connection err to %s: %s", target, err)
		h.metrics.handshakeFailed(RoleClient)
		h.notifyError(RoleClient, userData, wrapDialError(err, params.URL))
		return
	}

	h.logger.Debugf("success opening connection to %s", target)
	h.attach(RoleClient, ws, userData)
}

// attach turns an upgraded connection into a registered socket. The
// connection notification is queued before the reader starts, so it always
// precedes the socket's first message.
func (h *Hub) attach(role Role, ws *websocket.Conn, userData any) {
	s := newSocket(h, Handle(h.handles.Add(1)), role, ws, userData)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		h.notifyError(role, userData, ErrEngineClosed)
		return
	}
	h.sockets[s.handle] = s
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.connectionOpened(role)
	h.notify(role, func(n *Notifications) {
		if n.Connection != nil {
			n.Connection(s.handle, userData)
		}
	})

	go s.read()
	go s.write()
}

func (h *Hub) socket(hd Handle) *socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sockets[hd]
}

func (h *Hub) Send(hd Handle, payload []byte, op MessageType, onComplete func(error)) {
	s := h.socket(hd)
	if s == nil {
		if onComplete != nil {
			h.loop.Post(func() { onComplete(ErrNotOpened) })
		}
		return
	}
	s.enqueue(outbound{op: op, payload: payload, onComplete: onComplete})
}

func (h *Hub) Close(hd Handle, code int, reason string) {
	if s := h.socket(hd); s != nil {
		s.close(code, reason)
	}
}

func (h *Hub) Release(hd Handle) {
	h.mu.Lock()
	delete(h.sockets, hd)
	h.mu.Unlock()
}

func (h *Hub) PrepareMessage(payload []byte, op MessageType) (*PreparedMessage, error) {
	pm, err := websocket.NewPreparedMessage(int(op), payload)
	if err != nil {
		return nil, errors.Wrap(err, "cannot prepare message")
	}
	return newPreparedMessage(op, payload, pm), nil
}

func (h *Hub) FinalizeMessage(pm *PreparedMessage) {
	if pm != nil {
		pm.finalize()
	}
}

func (h *Hub) SendPrepared(hd Handle, pm *PreparedMessage) {
	native, ok := pm.load()
	if !ok {
		h.logger.Warnf("dropping send on socket %d: %s", hd, ErrMessageFinalized)
		return
	}
	s := h.socket(hd)
	if s == nil {
		return
	}
	s.enqueue(outbound{op: pm.Type, prepared: native.(*websocket.PreparedMessage)})
}

// Broadcast frames payload once and queues it on every listed socket.
func (h *Hub) Broadcast(handles []Handle, payload []byte, op MessageType) {
	if len(handles) == 0 {
		return
	}
	pm, err := websocket.NewPreparedMessage(int(op), payload)
	if err != nil {
		h.logger.Errorf("cannot prepare broadcast: %s", err)
		return
	}
	for _, hd := range handles {
		if s := h.socket(hd); s != nil {
			s.enqueue(outbound{op: op, prepared: pm})
		}
	}
}

// Transfer takes ownership of a connection the HTTP server has released.
// head holds bytes the HTTP server had already buffered from it.
func (h *Hub) Transfer(conn net.Conn, head []byte) (Ticket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrEngineClosed
	}
	t := Ticket(h.tickets.Add(1))
	h.transfers[t] = &transfer{conn: conn, head: head}
	return t, nil
}

// Upgrade completes the server handshake on a transferred connection. The
// outcome is reported through the server role's Connection or Error
// notification, with the ticket as user data.
func (h *Hub) Upgrade(ticket Ticket, key, extensions string) {
	h.mu.Lock()
	tr, ok := h.transfers[ticket]
	delete(h.transfers, ticket)
	h.mu.Unlock()

	if !ok {
		h.notifyError(RoleServer, ticket, ErrUnknownTicket)
		return
	}
	if !h.track(1) {
		_ = tr.conn.Close()
		h.notifyError(RoleServer, ticket, ErrEngineClosed)
		return
	}
	go h.handshake(ticket, tr, key, extensions)
}

func (h *Hub) Address(hd Handle) Address {
	s := h.socket(hd)
	if s == nil {
		return Address{}
	}
	return addressOf(s.ws.RemoteAddr())
}

func (h *Hub) NextTick(fn func()) {
	h.loop.NextTick(fn)
}

// Shutdown terminates every socket. Their disconnect notifications are still
// delivered before the loop stops.
func (h *Hub) Shutdown() {
	h.shutdownOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		sockets := make([]*socket, 0, len(h.sockets))
		for _, s := range h.sockets {
			sockets = append(sockets, s)
		}
		for t, tr := range h.transfers {
			_ = tr.conn.Close()
			delete(h.transfers, t)
		}
		h.mu.Unlock()

		h.logger.Infof("shutting down, terminating %d sockets", len(sockets))
		h.cancel()
		for _, s := range sockets {
			s.terminate()
		}
		h.wg.Wait()
		h.loop.Post(h.loop.Stop)
	})
}

// Done is closed once the hub's loop has stopped after Shutdown.
func (h *Hub) Done() <-chan struct{} {
	return h.loop.Done()
}

func addressOf(a net.Addr) Address {
	tcp, ok := a.(*net.TCPAddr)
	if !ok || tcp == nil {
		if a == nil {
			return Address{}
		}
		return Address{Address: a.String(), Family: a.Network()}
	}
	family := "IPv6"
	if tcp.IP.To4() != nil {
		family = "IPv4"
	}
	return Address{Port: tcp.Port, Address: tcp.IP.String(), Family: family}
}
