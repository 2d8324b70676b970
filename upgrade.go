package uws

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/pkg/errors"
)

type (
	// ClientInfo is what a verification hook gets to decide on an upgrade.
	ClientInfo struct {
		Origin  string
		Secure  bool
		Request *http.Request
	}

	VerifyClientFunc func(info ClientInfo) bool

	// VerifyClientAsyncFunc must call done exactly once. A rejection is sent
	// to the peer as "HTTP/1.1 <code> <reason>".
	VerifyClientAsyncFunc func(info ClientInfo, done func(accept bool, code int, reason string))

	// upgradeCoordinator takes an upgrade request from the HTTP server to an
	// open engine socket: path filter, verification, key check, handoff and,
	// one tick later, the engine-side handshake.
	upgradeCoordinator struct {
		path        string
		verify      VerifyClientFunc
		verifyAsync VerifyClientAsyncFunc
		noDelay     bool

		// closed makes upgrades that complete after the server closed end
		// with a going-away close instead of an accept.
		closed atomic.Bool

		engine  Engine
		router  *Router
		group   *connGroup
		accept  func(*Conn)
		logger  Logger
		metrics *serverMetrics
	}

	verdict struct {
		accept bool
		code   int
		reason string
	}
)

func (u *upgradeCoordinator) HandleUpgrade(w http.ResponseWriter, r *http.Request, last bool) bool {
	if u.path != "" && r.URL.Path != u.path {
		if !last {
			return false
		}
		u.metrics.rejected("path")
		abortConnection(w, http.StatusBadRequest, "URL not supported")
		return true
	}

	if u.verified(w, r) {
		u.handleUpgrade(w, r, u.accept)
	}
	return true
}

// verified runs the verification hook, answering the peer itself on rejection.
func (u *upgradeCoordinator) verified(w http.ResponseWriter, r *http.Request) bool {
	info := ClientInfo{
		Origin:  r.Header.Get("Origin"),
		Secure:  r.TLS != nil,
		Request: r,
	}

	switch {
	case u.verifyAsync != nil:
		ch := make(chan verdict, 1)
		u.verifyAsync(info, func(accept bool, code int, reason string) {
			select {
			case ch <- verdict{accept: accept, code: code, reason: reason}:
			default:
			}
		})

		select {
		case v := <-ch:
			if !v.accept {
				if v.code == 0 {
					v.code = http.StatusUnauthorized
				}
				if v.reason == "" {
					v.reason = http.StatusText(v.code)
				}
				u.metrics.rejected("verify")
				abortConnection(w, v.code, v.reason)
				return false
			}
		case <-r.Context().Done():
			u.logger.Debugf("peer %s went away during verification", r.RemoteAddr)
			return false
		}
	case u.verify != nil:
		if !u.verify(info) {
			u.metrics.rejected("verify")
			abortConnection(w, http.StatusBadRequest, "Client verification failed")
			return false
		}
	}
	return true
}

// handleUpgrade hands the connection over to the engine. A handshake key of
// the wrong size gets the socket destroyed without an answer.
func (u *upgradeCoordinator) handleUpgrade(w http.ResponseWriter, r *http.Request, accept func(*Conn)) {
	key := r.Header.Get("Sec-WebSocket-Key")

	// Once Hijack returns, the HTTP server no longer reads from or writes to
	// the connection; it is safe to give it to the engine from here on.
	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		u.logger.Errorf("cannot take over connection from %s: %s", r.RemoteAddr, errors.Wrap(ErrHijackNotSupported, err.Error()))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(key) != handshakeKeyLength {
		u.metrics.rejected("key")
		u.logger.Debugf("destroying %s: handshake key of %d bytes", r.RemoteAddr, len(key))
		_ = conn.Close()
		return
	}

	setNoDelay(conn, u.noDelay)

	ticket, err := u.engine.Transfer(conn, buffered(brw))
	if err != nil {
		u.logger.Errorf("cannot transfer connection from %s: %s", r.RemoteAddr, err)
		_ = conn.Close()
		return
	}

	pending := &pendingUpgrade{
		context: &UpgradeContext{
			URL:    cloneURL(r.URL),
			Header: r.Header.Clone(),
			Secure: r.TLS != nil,
		},
		accept: u.guard(accept),
		group:  u.group,
	}
	extensions := r.Header.Get("Sec-WebSocket-Extensions")

	u.engine.NextTick(func() {
		u.router.expect(ticket, pending)
		u.engine.Upgrade(ticket, key, extensions)
	})
}

func (u *upgradeCoordinator) guard(accept func(*Conn)) func(*Conn) {
	return func(c *Conn) {
		if u.closed.Load() {
			u.logger.Debugln("upgrade completed after close, sending going away")
			c.Close(CloseGoingAway, "server closing")
			return
		}
		if accept != nil {
			accept(c)
		}
	}
}

// abortConnection answers with a bare status line and hangs up.
func abortConnection(w http.ResponseWriter, code int, reason string) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, reason, code)
		return
	}
	defer conn.Close()

	_, _ = fmt.Fprintf(conn, "HTTP/1.1 %d %s\r\n\r\n", code, reason)
}

func buffered(brw *bufio.ReadWriter) []byte {
	if brw == nil || brw.Reader.Buffered() == 0 {
		return nil
	}
	peeked, err := brw.Reader.Peek(brw.Reader.Buffered())
	if err != nil {
		return nil
	}
	return append([]byte(nil), peeked...)
}

func setNoDelay(conn net.Conn, noDelay bool) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(noDelay)
	}
}

func cloneURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}
