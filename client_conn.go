package uws

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type DialOptions struct {
	// Header is sent with the handshake request.
	Header http.Header
	// Retries is how many more times a failed dial is attempted.
	Retries int
	// Engine defaults to DefaultHub.
	Engine Engine
	Logger Logger
	// PingInterval enables keep-alive pings while the connection is open.
	PingInterval time.Duration
	// KeepAlivePayload builds the payload of every keep-alive ping.
	KeepAlivePayload KeepAlivePayloadFactory
}

// ClientConn is a Conn this process dials. It adds the connect sequence and
// the open and error events to the shared connection mechanics.
type ClientConn struct {
	*Conn

	uri       url.URL
	params    OpenConnectionParams
	engine    Engine
	router    *Router
	keepAlive *keepAlive

	onOpen  slot[func(*ClientConn)]
	onError slot[func(*ClientConn, error)]

	stateMu   sync.Mutex
	state     ReadyState
	requested bool
}

// NewClientConn validates uri and prepares a connection without dialing it,
// so that handlers can be bound before the engine can report anything.
func NewClientConn(uri string, opts DialOptions) (*ClientConn, error) {
	u, err := parseWebsocketURI(uri)
	if err != nil {
		return nil, err
	}

	engine := opts.Engine
	if engine == nil {
		engine = DefaultHub()
	}

	logger := loggerOrNop(opts.Logger).WithField("uri", u.String())
	router, err := routerFor(engine, RoleClient, logger)
	if err != nil {
		return nil, err
	}

	cc := &ClientConn{
		Conn:   newConn(logger, RoleClient, engine),
		uri:    *u,
		engine: engine,
		router: router,
		params: OpenConnectionParams{
			URL:     *u,
			Header:  opts.Header.Clone(),
			Retries: opts.Retries,
		},
		onOpen:  slot[func(*ClientConn)]{kind: EventOpen},
		onError: slot[func(*ClientConn, error)]{kind: EventError},
		state:   StateConnecting,
	}
	cc.Conn.client = cc
	cc.keepAlive = newKeepAlive(logger, opts.PingInterval, func() []*Conn {
		return []*Conn{cc.Conn}
	}, opts.KeepAlivePayload)
	return cc, nil
}

// Dial creates a ClientConn and immediately asks the engine to connect it.
func Dial(uri string, opts DialOptions) (*ClientConn, error) {
	cc, err := NewClientConn(uri, opts)
	if err != nil {
		return nil, err
	}
	if err := cc.Connect(); err != nil {
		return nil, err
	}
	return cc, nil
}

// Connect requests the outbound socket. Only the first call does anything.
func (cc *ClientConn) Connect() error {
	cc.stateMu.Lock()
	if cc.requested {
		cc.stateMu.Unlock()
		return ErrAlreadyConnecting
	}
	cc.requested = true
	cc.stateMu.Unlock()

	cc.logger.Debugf("connecting to %s", cc.uri.String())
	cc.engine.Connect(cc.params, cc)
	return nil
}

func (cc *ClientConn) OnOpen(fn func(*ClientConn)) error {
	return cc.onOpen.set(fn)
}

func (cc *ClientConn) OnceOpen(fn func(*ClientConn)) error {
	return cc.onOpen.setOnce(fn)
}

// OnError is raised once when the connection could not be established.
func (cc *ClientConn) OnError(fn func(*ClientConn, error)) error {
	return cc.onError.set(fn)
}

func (cc *ClientConn) Unbind(kind EventKind) error {
	switch kind {
	case EventOpen:
		cc.onOpen.clear()
		return nil
	case EventError:
		cc.onError.clear()
		return nil
	default:
		return cc.Conn.Unbind(kind)
	}
}

// State also distinguishes a connection still being established.
func (cc *ClientConn) State() ReadyState {
	cc.stateMu.Lock()
	defer cc.stateMu.Unlock()

	if cc.state == StateOpen && cc.Conn.ReadyState() != StateOpen {
		return StateClosed
	}
	return cc.state
}

// PrepareMessage frames payload once on the connection's engine, for use with
// SendPrepared here or on any other connection of the same engine.
func (cc *ClientConn) PrepareMessage(payload []byte, binary bool) (*PreparedMessage, error) {
	return cc.engine.PrepareMessage(payload, opcodeFor(binary))
}

func (cc *ClientConn) FinalizeMessage(pm *PreparedMessage) {
	cc.engine.FinalizeMessage(pm)
}

func (cc *ClientConn) URL() url.URL {
	return cc.uri
}

func (cc *ClientConn) attach(h Handle, e Engine) {
	cc.stateMu.Lock()
	cc.state = StateOpen
	cc.stateMu.Unlock()

	cc.Conn.attach(h, e)
}

func (cc *ClientConn) emitOpen() {
	cc.keepAlive.start()
	if fn, ok := cc.onOpen.load(); ok {
		fn(cc)
	}
}

func (cc *ClientConn) markClosed() {
	cc.keepAlive.stop()

	cc.stateMu.Lock()
	cc.state = StateClosed
	cc.stateMu.Unlock()
}

func (cc *ClientConn) fail(err error) {
	cc.markClosed()
	if fn, ok := cc.onError.load(); ok {
		fn(cc, err)
	}
}

func parseWebsocketURI(uri string) (*url.URL, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidURI, err.Error())
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Wrapf(ErrInvalidURI, "unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Wrap(ErrInvalidURI, "missing host")
	}
	return u, nil
}
