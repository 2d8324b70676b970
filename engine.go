package uws

import (
	"net"
	"net/http"
	"net/url"
	"sync"
)

type (
	// Role splits the engine's notification set in two halves: sockets accepted
	// through an upgrade and sockets dialed by this process.
	Role uint8

	// Handle identifies one socket inside an engine. Engines never reuse a
	// handle while it is still registered.
	Handle uint64

	// Ticket is returned by Engine.Transfer and redeemed by Engine.Upgrade.
	Ticket uint64

	// DeflateFlags is the engine-level permessage-deflate bitmask.
	DeflateFlags uint8

	// Address is the peer address of a socket. The zero value is returned for
	// sockets that are no longer open.
	Address struct {
		Port    int
		Address string
		Family  string
	}

	OpenConnectionParams struct {
		URL    url.URL
		Header http.Header
		// Retries is the number of extra dial attempts after a failure.
		Retries int
	}

	// Notifications is one role's subscription to an engine. Every callback
	// runs on the engine's dispatch goroutine.
	Notifications struct {
		// Connection reports a new open socket. userData is the Ticket for
		// server sockets and the value given to Connect for client sockets.
		Connection func(h Handle, userData any)
		Message    func(h Handle, m Message)
		// Disconnection is raised exactly once per socket. The handle stays
		// reserved until Release is called.
		Disconnection func(h Handle, code int, reason string, userData any)
		Ping          func(h Handle, payload []byte)
		Pong          func(h Handle, payload []byte)
		// Error reports a socket that never reached the open state.
		Error func(userData any, err error)
	}

	// Engine is the socket engine a Conn talks to: it owns the sockets, frames
	// messages and reports what happens on them.
	Engine interface {
		Subscribe(role Role, n Notifications) error
		Connect(params OpenConnectionParams, userData any)
		Send(h Handle, payload []byte, op MessageType, onComplete func(error))
		Close(h Handle, code int, reason string)
		Release(h Handle)
		PrepareMessage(payload []byte, op MessageType) (*PreparedMessage, error)
		FinalizeMessage(pm *PreparedMessage)
		SendPrepared(h Handle, pm *PreparedMessage)
		Broadcast(handles []Handle, payload []byte, op MessageType)
		Transfer(conn net.Conn, head []byte) (Ticket, error)
		Upgrade(ticket Ticket, key, extensions string)
		Address(h Handle) Address
		NextTick(fn func())
		Shutdown()
	}
)

const (
	RoleServer Role = iota
	RoleClient
	roleCount
)

const (
	PerMessageDeflate       DeflateFlags = 1
	ServerNoContextTakeover DeflateFlags = 2
	ClientNoContextTakeover DeflateFlags = 4
)

const (
	DefaultMaxPayload int64 = 1 << 20

	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseNoStatus      = 1005
	CloseAbnormal      = 1006
	CloseInternalError = 1011
	handshakeKeyLength = 24
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

func (f DeflateFlags) Enabled() bool {
	return f&PerMessageDeflate != 0
}

// PreparedMessage is a frame encoded once and sent to many sockets.
type PreparedMessage struct {
	Type MessageType

	mu        sync.RWMutex
	payload   []byte
	native    any
	finalized bool
}

func newPreparedMessage(op MessageType, payload []byte, native any) *PreparedMessage {
	return &PreparedMessage{Type: op, payload: payload, native: native}
}

// Payload returns the unframed payload, nil once finalized.
func (pm *PreparedMessage) Payload() []byte {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.payload
}

func (pm *PreparedMessage) Finalized() bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.finalized
}

func (pm *PreparedMessage) load() (any, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.native, !pm.finalized
}

func (pm *PreparedMessage) finalize() {
	pm.mu.Lock()
	pm.finalized = true
	pm.payload = nil
	pm.native = nil
	pm.mu.Unlock()
}
