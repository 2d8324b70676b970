package uws

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

type transfer struct {
	conn net.Conn
	head []byte
}

// handshake answers the upgrade request over a transferred connection. The
// upgrader expects an HTTP exchange it can hijack, so the request is rebuilt
// from the forwarded headers and the connection is wrapped as its own
// response writer.
func (h *Hub) handshake(t Ticket, tr *transfer, key, extensions string) {
	defer h.wg.Done()

	conn := tr.conn
	if len(tr.head) > 0 {
		conn = &headConn{Conn: conn, head: bytes.NewReader(tr.head)}
	}

	ws, err := h.upgrader.Upgrade(&handoffResponse{conn: conn, header: make(http.Header)}, handoffRequest(key, extensions), nil)
	if err != nil {
		_ = conn.Close()
		h.logger.Warnf("handshake for ticket %d failed: %s", t, err)
		h.metrics.handshakeFailed(RoleServer)
		h.notifyError(RoleServer, t, errors.Wrap(err, "handshake"))
		return
	}

	h.attach(RoleServer, ws, t)
}

func handoffRequest(key, extensions string) *http.Request {
	header := make(http.Header)
	header.Set("Connection", "Upgrade")
	header.Set("Upgrade", "websocket")
	header.Set("Sec-WebSocket-Version", "13")
	header.Set("Sec-WebSocket-Key", key)
	if extensions != "" {
		header.Set("Sec-WebSocket-Extensions", extensions)
	}

	return &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Path: "/"},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       "localhost",
	}
}

// headConn replays bytes read ahead by the HTTP server before the socket.
type headConn struct {
	net.Conn
	head *bytes.Reader
}

func (c *headConn) Read(p []byte) (int, error) {
	if c.head.Len() > 0 {
		return c.head.Read(p)
	}
	return c.Conn.Read(p)
}

// handoffResponse is the http.ResponseWriter side of a transferred
// connection. Error responses are reduced to a bare status line.
type handoffResponse struct {
	conn        net.Conn
	header      http.Header
	wroteHeader bool
}

func (w *handoffResponse) Header() http.Header {
	return w.header
}

func (w *handoffResponse) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	_, _ = fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n\r\n", code, http.StatusText(code))
}

func (w *handoffResponse) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return len(p), nil
}

func (w *handoffResponse) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.conn, bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn)), nil
}
