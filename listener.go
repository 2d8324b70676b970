package uws

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

// UpgradeListener is one link of an HTTPListener's upgrade chain.
type UpgradeListener interface {
	// HandleUpgrade reports whether it took responsibility for the request.
	// Returning false passes the request on to the next listener; last is
	// true for the final listener of the chain.
	HandleUpgrade(w http.ResponseWriter, r *http.Request, last bool) bool
}

// HTTPListener lets websocket endpoints share one HTTP server with regular
// traffic: upgrade requests walk the chain of upgrade listeners in the order
// they were added, everything else goes to the fallback handler.
type HTTPListener struct {
	logger   Logger
	fallback http.Handler

	mu        sync.RWMutex
	upgraders []UpgradeListener

	serverMu sync.Mutex
	server   *http.Server
	ln       net.Listener
}

// NewHTTPListener uses fallback for plain HTTP requests. A nil fallback
// answers them with an empty 200.
func NewHTTPListener(fallback http.Handler, logger Logger) *HTTPListener {
	if fallback == nil {
		fallback = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	return &HTTPListener{
		logger:   loggerOrNop(logger).WithField("component", "http_listener"),
		fallback: fallback,
	}
}

func (l *HTTPListener) AddUpgradeListener(u UpgradeListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upgraders = append(l.upgraders, u)
}

func (l *HTTPListener) RemoveUpgradeListener(u UpgradeListener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, existing := range l.upgraders {
		if existing == u {
			l.upgraders = append(l.upgraders[:i:i], l.upgraders[i+1:]...)
			return
		}
	}
}

func (l *HTTPListener) chain() []UpgradeListener {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]UpgradeListener(nil), l.upgraders...)
}

func (l *HTTPListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		chain := l.chain()
		for i, u := range chain {
			if u.HandleUpgrade(w, r, i == len(chain)-1) {
				return
			}
		}
	}
	l.fallback.ServeHTTP(w, r)
}

// Listen binds addr and serves on it in the background.
func (l *HTTPListener) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", addr)
	}

	l.serverMu.Lock()
	defer l.serverMu.Unlock()

	if l.server != nil {
		_ = ln.Close()
		return errors.Errorf("already listening on %s", l.ln.Addr())
	}
	l.ln = ln
	l.server = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := l.server
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Errorf("http server stopped: %s", err)
		}
	}()

	l.logger.Infof("listening on %s", ln.Addr())
	return nil
}

// Addr is nil until Listen succeeded.
func (l *HTTPListener) Addr() net.Addr {
	l.serverMu.Lock()
	defer l.serverMu.Unlock()

	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops the HTTP server. Connections already handed to an engine are
// not affected.
func (l *HTTPListener) Close() error {
	l.serverMu.Lock()
	defer l.serverMu.Unlock()

	if l.server == nil {
		return nil
	}
	err := l.server.Close()
	l.server, l.ln = nil, nil
	return err
}
