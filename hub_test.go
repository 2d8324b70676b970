package uws

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/fasthttp/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressOf(t *testing.T) {
	assert.Equal(t,
		Address{Port: 80, Address: "10.1.2.3", Family: "IPv4"},
		addressOf(&net.TCPAddr{IP: net.ParseIP("10.1.2.3"), Port: 80}),
	)
	assert.Equal(t,
		Address{Port: 443, Address: "::1", Family: "IPv6"},
		addressOf(&net.TCPAddr{IP: net.ParseIP("::1"), Port: 443}),
	)
	assert.Equal(t, Address{}, addressOf(nil))
}

func TestCloseStatus(t *testing.T) {
	code, reason := closeStatus(&websocket.CloseError{Code: 4001, Text: "custom"})
	assert.Equal(t, 4001, code)
	assert.Equal(t, "custom", reason)

	code, reason = closeStatus(errors.Wrap(io.ErrUnexpectedEOF, "read"))
	assert.Equal(t, CloseAbnormal, code)
	assert.Empty(t, reason)
}

func TestHandoffResponse_WritesBareStatusLine(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	w := &handoffResponse{conn: server, header: make(http.Header)}
	go func() {
		w.Header().Set("X-Ignored", "1")
		_, _ = w.Write([]byte("body is dropped"))
		w.WriteHeader(500)
		_ = server.Close()
	}()

	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", line)
}

func TestHeadConn_ReplaysBufferedBytes(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	c := &headConn{Conn: client, head: bytes.NewReader([]byte("ahead"))}

	go func() {
		_, _ = server.Write([]byte("-then"))
		_ = server.Close()
	}()

	buf := make([]byte, 5)
	n, err := c.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ahead", string(buf[:n]))

	rest, _ := io.ReadAll(c)
	assert.Equal(t, "-then", string(rest))
}

func TestHub_SubscribeTwice(t *testing.T) {
	hub := NewHub(HubOptions{})
	t.Cleanup(hub.Shutdown)

	require.NoError(t, hub.Subscribe(RoleServer, Notifications{}))
	assert.ErrorIs(t, hub.Subscribe(RoleServer, Notifications{}), ErrAlreadySubscribed)
	assert.Error(t, hub.Subscribe(roleCount, Notifications{}))
}

func TestHub_OperationsOnUnknownSocket(t *testing.T) {
	hub := NewHub(HubOptions{})
	t.Cleanup(hub.Shutdown)

	done := make(chan error, 1)
	hub.Send(Handle(77), []byte("x"), TextMessage, func(err error) { done <- err })
	assert.ErrorIs(t, <-done, ErrNotOpened)

	assert.Equal(t, Address{}, hub.Address(Handle(77)))
	assert.NotPanics(t, func() {
		hub.Close(Handle(77), CloseNormal, "")
		hub.Release(Handle(77))
	})
}

func TestHub_UpgradeUnknownTicket(t *testing.T) {
	hub := NewHub(HubOptions{})
	t.Cleanup(hub.Shutdown)

	failed := make(chan any, 1)
	require.NoError(t, hub.Subscribe(RoleServer, Notifications{
		Error: func(userData any, err error) {
			assert.ErrorIs(t, err, ErrUnknownTicket)
			failed <- userData
		},
	}))

	hub.Upgrade(Ticket(123), "key", "")
	assert.Equal(t, Ticket(123), <-failed)
}

func TestHub_ShutdownRefusesNewWork(t *testing.T) {
	hub := NewHub(HubOptions{})
	hub.Shutdown()
	<-hub.Done()

	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	_, err := hub.Transfer(server, nil)
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestHub_PrepareAndFinalize(t *testing.T) {
	hub := NewHub(HubOptions{})
	t.Cleanup(hub.Shutdown)

	pm, err := hub.PrepareMessage([]byte("payload"), BinaryMessage)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), pm.Payload())
	assert.False(t, pm.Finalized())

	hub.FinalizeMessage(pm)
	assert.True(t, pm.Finalized())
	_, ok := pm.load()
	assert.False(t, ok)
}

func TestTruncateReason(t *testing.T) {
	tests := []struct {
		reason   string
		n        int
		expected string
	}{
		{reason: "short", n: 123, expected: "short"},
		{reason: "abcdef", n: 3, expected: "abc"},
		{reason: "aé", n: 2, expected: "a"},
		{reason: "a€b", n: 3, expected: "a"},
		{reason: "a€b", n: 4, expected: "a€"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, truncateReason(tt.reason, tt.n), "%q cut at %d", tt.reason, tt.n)
	}
}
