package uws

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/eapache/queue"
	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
)

const maxCloseReason = 123

type (
	outbound struct {
		op         MessageType
		payload    []byte
		prepared   *websocket.PreparedMessage
		code       int
		reason     string
		onComplete func(error)
	}

	// socket is one registered connection of a Hub.
	socket struct {
		hub      *Hub
		handle   Handle
		role     Role
		ws       *websocket.Conn
		userData any
		logger   Logger

		outMu   sync.Mutex
		out     *queue.Queue
		closing bool
		signal  chan struct{}

		done     chan struct{}
		downOnce sync.Once
	}
)

func newSocket(h *Hub, hd Handle, role Role, ws *websocket.Conn, userData any) *socket {
	s := &socket{
		hub:      h,
		handle:   hd,
		role:     role,
		ws:       ws,
		userData: userData,
		logger:   h.logger.WithField("socket", hd).WithField("role", role),
		out:      queue.New(),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	ws.SetReadLimit(h.opts.MaxPayload)
	ws.EnableWriteCompression(h.opts.Deflate.Enabled())

	// Control frames are answered here and reported to the subscriber as well.
	ws.SetPingHandler(func(appData string) error {
		s.logger.Debugln("<= [PING]")
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(h.opts.WriteTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debugf("cannot answer ping: %s", err)
		}
		h.metrics.messageReceived(role, PingMessage)
		h.notify(role, func(n *Notifications) {
			if n.Ping != nil {
				n.Ping(hd, []byte(appData))
			}
		})
		return nil
	})

	ws.SetPongHandler(func(appData string) error {
		s.logger.Debugln("<= [PONG]")
		h.metrics.messageReceived(role, PongMessage)
		h.notify(role, func(n *Notifications) {
			if n.Pong != nil {
				n.Pong(hd, []byte(appData))
			}
		})
		return nil
	})

	return s
}

// enqueue hands o to the writer goroutine. Frames queued after a close are
// refused.
func (s *socket) enqueue(o outbound) bool {
	s.outMu.Lock()
	if s.closing || s.isDown() {
		s.outMu.Unlock()
		if o.onComplete != nil {
			s.hub.loop.Post(func() { o.onComplete(ErrNotOpened) })
		}
		return false
	}
	s.out.Add(o)
	s.outMu.Unlock()

	s.wake()
	return true
}

// close queues a close frame behind everything already queued.
func (s *socket) close(code int, reason string) {
	if code == 0 {
		code = CloseNormal
	}
	reason = truncateReason(reason, maxCloseReason)

	s.outMu.Lock()
	if s.closing {
		s.outMu.Unlock()
		return
	}
	s.closing = true
	s.out.Add(outbound{op: CloseMessage, code: code, reason: reason})
	s.outMu.Unlock()

	s.wake()
}

// terminate drops the connection without a closing handshake.
func (s *socket) terminate() {
	_ = s.ws.UnderlyingConn().Close()
}

func (s *socket) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *socket) pop() (outbound, bool) {
	s.outMu.Lock()
	defer s.outMu.Unlock()

	if s.out.Length() == 0 {
		return outbound{}, false
	}
	return s.out.Remove().(outbound), true
}

func (s *socket) isDown() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *socket) read() {
	defer s.hub.wg.Done()

	for {
		messageType, data, err := s.ws.ReadMessage()
		if err != nil {
			code, reason := closeStatus(err)
			s.logger.Debugf("read loop ended with %d: %s", code, err)
			s.down(code, reason)
			return
		}

		op := MessageType(messageType)
		s.hub.metrics.messageReceived(s.role, op)
		s.hub.notify(s.role, func(n *Notifications) {
			if n.Message != nil {
				n.Message(s.handle, NewMessage(op, data))
			}
		})
	}
}

func (s *socket) write() {
	defer s.hub.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for o, ok := s.pop(); ok; o, ok = s.pop() {
			if s.isDown() {
				return
			}
			s.flush(o)
		}
	}
}

func (s *socket) flush(o outbound) {
	deadline := time.Now().Add(s.hub.opts.WriteTimeout)

	var err error
	switch {
	case o.prepared != nil:
		_ = s.ws.SetWriteDeadline(deadline)
		err = s.ws.WritePreparedMessage(o.prepared)
	case o.op == CloseMessage:
		s.logger.Debugf("=> [CLOSE] %d", o.code)
		err = s.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(o.code, o.reason), deadline)
		if err == nil {
			// wait for the peer's close frame, but not forever
			_ = s.ws.SetReadDeadline(time.Now().Add(s.hub.opts.CloseTimeout))
		} else {
			s.terminate()
		}
	case o.op == PingMessage || o.op == PongMessage:
		err = s.ws.WriteControl(int(o.op), o.payload, deadline)
	default:
		_ = s.ws.SetWriteDeadline(deadline)
		err = s.ws.WriteMessage(int(o.op), o.payload)
	}

	if err != nil {
		s.logger.Debugf("cannot write %s frame: %s", o.op, err)
		err = errors.Wrap(ErrNotOpened, err.Error())
	} else {
		s.hub.metrics.messageSent(s.role, o.op)
	}

	if o.onComplete != nil {
		s.hub.loop.Post(func() { o.onComplete(err) })
	}
}

// down reports the disconnect exactly once.
func (s *socket) down(code int, reason string) {
	s.downOnce.Do(func() {
		close(s.done)
		_ = s.ws.Close()

		s.hub.metrics.connectionClosed(s.role)
		s.hub.notify(s.role, func(n *Notifications) {
			if n.Disconnection != nil {
				n.Disconnection(s.handle, code, reason, s.userData)
			}
		})
	})
}

// truncateReason cuts reason to at most n bytes without splitting a rune.
func truncateReason(reason string, n int) string {
	if len(reason) <= n {
		return reason
	}
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

func closeStatus(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return CloseAbnormal, ""
}
