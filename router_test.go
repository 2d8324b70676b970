package uws

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, e *fakeEngine) *ClientConn {
	t.Helper()
	cc, err := NewClientConn("ws://example.com/feed?x=1", DialOptions{Engine: e})
	require.NoError(t, err)
	t.Cleanup(func() { forgetRouters(e) })
	return cc
}

func TestRouterFor_SubscribesOncePerRole(t *testing.T) {
	e := newFakeEngine()
	t.Cleanup(func() { forgetRouters(e) })

	server, err := routerFor(e, RoleServer, nil)
	require.NoError(t, err)
	again, err := routerFor(e, RoleServer, nil)
	require.NoError(t, err)
	client, err := routerFor(e, RoleClient, nil)
	require.NoError(t, err)

	assert.Same(t, server, again)
	assert.NotSame(t, server, client)
	assert.NotNil(t, e.notifications(RoleServer))
	assert.NotNil(t, e.notifications(RoleClient))
}

func TestClientConn_InvalidURI(t *testing.T) {
	for _, uri := range []string{"http://example.com", "ws://", "://bad"} {
		_, err := NewClientConn(uri, DialOptions{Engine: newFakeEngine()})
		assert.ErrorIs(t, err, ErrInvalidURI, uri)
	}
}

func TestClientConn_ConnectOnlyOnce(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)
	assert.Equal(t, StateConnecting, cc.State())

	require.NoError(t, cc.Connect())
	assert.ErrorIs(t, cc.Connect(), ErrAlreadyConnecting)

	connects := e.connectCalls()
	require.Len(t, connects, 1)
	assert.Equal(t, "ws://example.com/feed?x=1", connects[0].URL.String())
}

func TestClientConn_Lifecycle(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)

	var events []string
	require.NoError(t, cc.OnOpen(func(*ClientConn) { events = append(events, "open") }))
	require.NoError(t, cc.OnMessage(func(_ *Conn, m Message) { events = append(events, "message:"+string(m.Data())) }))
	require.NoError(t, cc.OnClose(func(c *Conn, code int, reason string) {
		events = append(events, "close")

		// the connection reads as closed, but still owns its socket slot
		assert.Equal(t, StateClosed, c.ReadyState())
		assert.Equal(t, 1, cc.router.Len())
		assert.Empty(t, e.releasedHandles())
		assert.Equal(t, CloseNormal, code)
		assert.Equal(t, "done", reason)
	}))
	require.NoError(t, cc.Connect())

	e.open(RoleClient, 11, cc)
	assert.Equal(t, StateOpen, cc.State())

	e.message(RoleClient, 11, NewTextMessage("hi"))
	e.disconnect(RoleClient, 11, CloseNormal, "done")

	assert.Equal(t, []string{"open", "message:hi", "close"}, events)
	assert.Equal(t, StateClosed, cc.State())
	assert.Zero(t, cc.router.Len())
	assert.Equal(t, []Handle{11}, e.releasedHandles())
}

func TestClientConn_MessagesAfterLocalCloseStillArrive(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)

	var got []string
	require.NoError(t, cc.OnMessage(func(_ *Conn, m Message) { got = append(got, string(m.Data())) }))
	require.NoError(t, cc.Connect())
	e.open(RoleClient, 1, cc)

	cc.Close(CloseNormal, "")
	e.message(RoleClient, 1, NewTextMessage("late"))

	assert.Equal(t, []string{"late"}, got)
}

func TestClientConn_FailedConnect(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)

	var (
		opened bool
		closed bool
		got    error
	)
	require.NoError(t, cc.OnOpen(func(*ClientConn) { opened = true }))
	require.NoError(t, cc.OnClose(func(*Conn, int, string) { closed = true }))
	require.NoError(t, cc.OnError(func(_ *ClientConn, err error) { got = err }))
	require.NoError(t, cc.Connect())

	cause := errors.New("connection refused")
	e.fail(RoleClient, cc, cause)

	assert.False(t, opened)
	assert.False(t, closed)
	assert.ErrorIs(t, got, cause)
	assert.Equal(t, StateClosed, cc.State())
}

func TestClientConn_UnbindOpen(t *testing.T) {
	cc := newTestClient(t, newFakeEngine())

	require.NoError(t, cc.OnOpen(func(*ClientConn) {}))
	assert.ErrorIs(t, cc.OnOpen(func(*ClientConn) {}), ErrDuplicateListener)
	require.NoError(t, cc.Unbind(EventOpen))
	assert.NoError(t, cc.OnOpen(func(*ClientConn) {}))
	assert.NoError(t, cc.Unbind(EventClose))
}

func TestRouter_PingPongDispatch(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)

	var pings, pongs []string
	require.NoError(t, cc.OnPing(func(_ *Conn, p []byte) { pings = append(pings, string(p)) }))
	require.NoError(t, cc.OnPong(func(_ *Conn, p []byte) { pongs = append(pongs, string(p)) }))
	require.NoError(t, cc.Connect())
	e.open(RoleClient, 3, cc)

	n := e.notifications(RoleClient)
	n.Ping(3, []byte("a"))
	n.Pong(3, []byte("b"))
	n.Ping(99, []byte("unknown socket"))

	assert.Equal(t, []string{"a"}, pings)
	assert.Equal(t, []string{"b"}, pongs)
}

func TestRouter_ServerSocketWithoutPendingUpgrade(t *testing.T) {
	e := newFakeEngine()
	t.Cleanup(func() { forgetRouters(e) })
	r, err := routerFor(e, RoleServer, nil)
	require.NoError(t, err)

	e.open(RoleServer, 5, Ticket(99))

	assert.Equal(t, []closeCall{{handle: 5, code: CloseInternalError}}, e.closeCalls())
	assert.Zero(t, r.Len())
}

func TestRouter_AcceptsPendingUpgrade(t *testing.T) {
	e := newFakeEngine()
	t.Cleanup(func() { forgetRouters(e) })
	r, err := routerFor(e, RoleServer, nil)
	require.NoError(t, err)

	e.addresses[8] = Address{Port: 5555, Address: "10.0.0.1", Family: "IPv4"}
	group := newConnGroup()
	var accepted *Conn
	r.expect(Ticket(1), &pendingUpgrade{
		context: &UpgradeContext{},
		accept:  func(c *Conn) { accepted = c },
		group:   group,
	})

	e.open(RoleServer, 8, Ticket(1))

	require.NotNil(t, accepted)
	assert.Equal(t, RoleServer, accepted.Role())
	assert.Equal(t, 1, group.len())
	uc, ok := accepted.UpgradeContext()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", uc.Peer.Address)

	// a ticket is redeemed once
	e.open(RoleServer, 9, Ticket(1))
	assert.Equal(t, 1, r.Len())

	e.disconnect(RoleServer, 8, CloseAbnormal, "")
	assert.Zero(t, group.len())
	assert.Zero(t, r.Len())
}

func TestRouter_FailedUpgradeDropsPending(t *testing.T) {
	e := newFakeEngine()
	t.Cleanup(func() { forgetRouters(e) })
	r, err := routerFor(e, RoleServer, nil)
	require.NoError(t, err)

	r.expect(Ticket(4), &pendingUpgrade{context: &UpgradeContext{}})
	e.fail(RoleServer, Ticket(4), errors.New("bad handshake"))

	assert.Nil(t, r.takePending(Ticket(4)))
}

func TestRouter_DisconnectOfUnknownSocketIsReleased(t *testing.T) {
	e := newFakeEngine()
	t.Cleanup(func() { forgetRouters(e) })
	_, err := routerFor(e, RoleServer, nil)
	require.NoError(t, err)

	e.disconnect(RoleServer, 42, CloseAbnormal, "")
	assert.Equal(t, []Handle{42}, e.releasedHandles())
}

func TestClientConn_PreparedMessage(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)
	require.NoError(t, cc.Connect())
	e.open(RoleClient, 2, cc)

	pm, err := cc.PrepareMessage([]byte("framed"), true)
	require.NoError(t, err)
	cc.SendPrepared(pm)
	cc.FinalizeMessage(pm)
	cc.SendPrepared(pm)

	frames := e.sentFrames()
	require.Len(t, frames, 1)
	assert.Equal(t, sentFrame{handle: 2, payload: []byte("framed"), op: BinaryMessage}, frames[0])
}

func TestRouter_NothingIsDeliveredAfterClose(t *testing.T) {
	e := newFakeEngine()
	cc := newTestClient(t, e)

	var events []string
	require.NoError(t, cc.OnMessage(func(*Conn, Message) { events = append(events, "message") }))
	require.NoError(t, cc.OnPing(func(*Conn, []byte) { events = append(events, "ping") }))
	require.NoError(t, cc.OnPong(func(*Conn, []byte) { events = append(events, "pong") }))
	require.NoError(t, cc.OnClose(func(*Conn, int, string) { events = append(events, "close") }))
	require.NoError(t, cc.Connect())
	e.open(RoleClient, 6, cc)

	e.disconnect(RoleClient, 6, CloseAbnormal, "")

	n := e.notifications(RoleClient)
	e.message(RoleClient, 6, NewTextMessage("late"))
	n.Ping(6, []byte("late"))
	n.Pong(6, []byte("late"))

	assert.Equal(t, []string{"close"}, events)
}
