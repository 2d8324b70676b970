package uws

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type (
	// DeflateOptions is the user-facing permessage-deflate setting. The zero
	// value enables compression.
	DeflateOptions struct {
		Disabled                bool
		ServerNoContextTakeover bool
		ClientNoContextTakeover bool
	}

	ServerOptions struct {
		// Port and Host make the server listen on its own. Port 0 means the
		// caller serves the HTTP listener.
		Port int
		Host string
		// Listener is an HTTP listener owned by the caller; one is created
		// when nil.
		Listener *HTTPListener
		// NoServer skips the HTTP listener entirely. Upgrades are then fed in
		// through HandleUpgrade.
		NoServer bool
		// Path restricts upgrades to one exact path.
		Path              string
		VerifyClient      VerifyClientFunc
		VerifyClientAsync VerifyClientAsyncFunc
		PerMessageDeflate DeflateOptions
		// NoDelay defaults to true.
		NoDelay      *bool
		MaxPayload   int64
		PingInterval time.Duration
		// KeepAlivePayload builds the payload of every keep-alive ping.
		KeepAlivePayload KeepAlivePayloadFactory
		// Engine is shared with the caller when set; the server creates and
		// owns a Hub otherwise. MaxPayload and PerMessageDeflate only
		// configure an owned Hub: a shared engine keeps its own settings.
		Engine     Engine
		Logger     Logger
		Registerer prometheus.Registerer
	}

	serverEvent uint8

	// Server accepts websocket connections on an HTTP listener and routes
	// them to application handlers.
	Server struct {
		logger       Logger
		engine       Engine
		ownsEngine   bool
		router       *Router
		listener     *HTTPListener
		ownsListener bool
		coordinator  *upgradeCoordinator
		conns        *connGroup
		emitter      *EventEmitterCallback[serverEvent, *Conn]
		keepAlive    *keepAlive
		metrics      *serverMetrics
		deflate      DeflateFlags

		closeOnce sync.Once
		closeErr  error
	}
)

const (
	serverEventConnection serverEvent = iota
)

// Flags translates the options into the engine bitmask.
func (d DeflateOptions) Flags() DeflateFlags {
	if d.Disabled {
		return 0
	}
	flags := PerMessageDeflate
	if d.ServerNoContextTakeover {
		flags |= ServerNoContextTakeover
	}
	if d.ClientNoContextTakeover {
		flags |= ClientNoContextTakeover
	}
	return flags
}

func NewServer(opts ServerOptions) (*Server, error) {
	logger := loggerOrNop(opts.Logger).WithField("component", "server")
	deflate := opts.PerMessageDeflate.Flags()

	noDelay := true
	if opts.NoDelay != nil {
		noDelay = *opts.NoDelay
	}

	path := opts.Path
	if path != "" && path[0] != '/' {
		path = "/" + path
	}

	engine, ownsEngine := opts.Engine, false
	if hub, ok := engine.(*Hub); ok {
		deflate = hub.opts.Deflate
	}
	if engine == nil {
		engine = NewHub(HubOptions{
			Deflate:    deflate,
			MaxPayload: opts.MaxPayload,
			Logger:     opts.Logger,
			Registerer: opts.Registerer,
		})
		ownsEngine = true
	}

	router, err := routerFor(engine, RoleServer, opts.Logger)
	if err != nil {
		if ownsEngine {
			engine.Shutdown()
		}
		return nil, err
	}

	s := &Server{
		logger:     logger,
		engine:     engine,
		ownsEngine: ownsEngine,
		router:     router,
		conns:      newConnGroup(),
		emitter:    NewEventEmitter[serverEvent, *Conn](),
		metrics:    newServerMetrics(opts.Registerer),
		deflate:    deflate,
	}
	s.coordinator = &upgradeCoordinator{
		path:        path,
		verify:      opts.VerifyClient,
		verifyAsync: opts.VerifyClientAsync,
		noDelay:     noDelay,
		engine:      engine,
		router:      router,
		group:       s.conns,
		accept:      s.emitConnection,
		logger:      logger.WithField("component", "upgrade"),
		metrics:     s.metrics,
	}
	s.keepAlive = newKeepAlive(logger, opts.PingInterval, s.conns.snapshot, opts.KeepAlivePayload)

	if !opts.NoServer {
		if opts.Listener != nil {
			s.listener = opts.Listener
		} else {
			s.listener = NewHTTPListener(nil, opts.Logger)
			s.ownsListener = true
		}
		s.listener.AddUpgradeListener(s.coordinator)

		if opts.Port != 0 {
			addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
			if err := s.listener.Listen(addr); err != nil {
				_ = s.Close()
				return nil, err
			}
		}
	}

	s.keepAlive.start()
	return s, nil
}

// OnConnection registers a listener for accepted connections. It runs on the
// engine's dispatch goroutine, before any event of the new connection.
func (s *Server) OnConnection(fn func(*Conn)) {
	s.emitter.On(serverEventConnection, fn)
}

// HandleUpgrade upgrades a request the caller routed here itself, typically
// with NoServer set. accept defaults to the OnConnection listeners.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request, accept func(*Conn)) {
	if accept == nil {
		accept = s.emitConnection
	}
	s.coordinator.handleUpgrade(w, r, accept)
}

// Handler exposes the upgrade path as a plain http.Handler, for muxes that
// route by path themselves.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.coordinator.HandleUpgrade(w, r, true)
	})
}

func (s *Server) emitConnection(c *Conn) {
	s.metrics.accepted.Inc()
	s.emitter.Emit(serverEventConnection, c)
}

// Broadcast sends m once to every connection of this server that is still
// open. Ordering against concurrent per-connection sends is not guaranteed.
func (s *Server) Broadcast(m Message) {
	s.metrics.broadcasts.Inc()
	s.engine.Broadcast(s.conns.openHandles(), m.Data(), dataOpcode(m))
}

func (s *Server) PrepareMessage(payload []byte, binary bool) (*PreparedMessage, error) {
	return s.engine.PrepareMessage(payload, opcodeFor(binary))
}

func (s *Server) FinalizeMessage(pm *PreparedMessage) {
	s.engine.FinalizeMessage(pm)
}

// Clients is the number of connections accepted and not yet disconnected.
func (s *Server) Clients() int {
	return s.conns.len()
}

// Deflate is the compression setting in effect: the options for an owned Hub,
// the shared Hub's own flags otherwise.
func (s *Server) Deflate() DeflateFlags {
	return s.deflate
}

// Addr is the listening address, nil when the server does not listen itself.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close detaches the server from its HTTP listener and shuts the engine down
// if the server owns it. With a shared engine only this server's connections
// are closed.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.coordinator.closed.Store(true)
		s.keepAlive.stop()

		if s.listener != nil {
			s.listener.RemoveUpgradeListener(s.coordinator)
			if s.ownsListener {
				s.closeErr = s.listener.Close()
			}
		}

		if s.ownsEngine {
			s.engine.Shutdown()
			forgetRouters(s.engine)
		} else {
			for _, c := range s.conns.snapshot() {
				c.Close(CloseGoingAway, "server closing")
			}
		}
		s.emitter.Close()
		s.logger.Infoln("server closed")
	})
	return s.closeErr
}
