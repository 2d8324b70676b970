package uws

import (
	"net"
	"sync"

	"github.com/stretchr/testify/mock"
)

type (
	sentFrame struct {
		handle  Handle
		payload []byte
		op      MessageType
	}

	closeCall struct {
		handle Handle
		code   int
		reason string
	}

	upgradeCall struct {
		ticket     Ticket
		key        string
		extensions string
	}

	broadcastCall struct {
		handles []Handle
		payload []byte
		op      MessageType
	}

	// fakeEngine records every call and only runs deferred callbacks when the
	// test ticks it. Helpers on it play the engine side of the notifications.
	fakeEngine struct {
		mu         sync.Mutex
		subs       [roleCount]*Notifications
		ticks      []func()
		sent       []sentFrame
		closes     []closeCall
		released   []Handle
		broadcasts []broadcastCall
		upgrades   []upgradeCall
		connects   []OpenConnectionParams
		transfers  map[Ticket]net.Conn
		lastTicket Ticket
		addresses  map[Handle]Address
		shutdown   bool
	}

	mockScheduler struct {
		mock.Mock
	}
)

var _ Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		transfers: make(map[Ticket]net.Conn),
		addresses: make(map[Handle]Address),
	}
}

func (f *fakeEngine) Subscribe(role Role, n Notifications) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[role] != nil {
		return ErrAlreadySubscribed
	}
	f.subs[role] = &n
	return nil
}

func (f *fakeEngine) Connect(params OpenConnectionParams, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, params)
}

func (f *fakeEngine) Send(h Handle, payload []byte, op MessageType, onComplete func(error)) {
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{handle: h, payload: payload, op: op})
	if onComplete != nil {
		f.ticks = append(f.ticks, func() { onComplete(nil) })
	}
	f.mu.Unlock()
}

func (f *fakeEngine) Close(h Handle, code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes = append(f.closes, closeCall{handle: h, code: code, reason: reason})
}

func (f *fakeEngine) Release(h Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, h)
}

func (f *fakeEngine) PrepareMessage(payload []byte, op MessageType) (*PreparedMessage, error) {
	return newPreparedMessage(op, payload, payload), nil
}

func (f *fakeEngine) FinalizeMessage(pm *PreparedMessage) {
	pm.finalize()
}

func (f *fakeEngine) SendPrepared(h Handle, pm *PreparedMessage) {
	if _, ok := pm.load(); !ok {
		return
	}
	f.Send(h, pm.Payload(), pm.Type, nil)
}

func (f *fakeEngine) Broadcast(handles []Handle, payload []byte, op MessageType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, broadcastCall{handles: handles, payload: payload, op: op})
}

func (f *fakeEngine) Transfer(conn net.Conn, _ []byte) (Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shutdown {
		return 0, ErrEngineClosed
	}
	f.lastTicket++
	f.transfers[f.lastTicket] = conn
	return f.lastTicket, nil
}

func (f *fakeEngine) Upgrade(ticket Ticket, key, extensions string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upgrades = append(f.upgrades, upgradeCall{ticket: ticket, key: key, extensions: extensions})
}

func (f *fakeEngine) Address(h Handle) Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addresses[h]
}

func (f *fakeEngine) NextTick(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, fn)
}

func (f *fakeEngine) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	for t, conn := range f.transfers {
		_ = conn.Close()
		delete(f.transfers, t)
	}
}

// tick runs deferred callbacks until none is left, including those queued
// while ticking.
func (f *fakeEngine) tick() {
	for {
		f.mu.Lock()
		if len(f.ticks) == 0 {
			f.mu.Unlock()
			return
		}
		fn := f.ticks[0]
		f.ticks = f.ticks[1:]
		f.mu.Unlock()

		fn()
	}
}

func (f *fakeEngine) pendingTicks() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks)
}

func (f *fakeEngine) notifications(role Role) *Notifications {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[role]
}

func (f *fakeEngine) open(role Role, h Handle, userData any) {
	f.notifications(role).Connection(h, userData)
}

func (f *fakeEngine) message(role Role, h Handle, m Message) {
	f.notifications(role).Message(h, m)
}

func (f *fakeEngine) disconnect(role Role, h Handle, code int, reason string) {
	f.notifications(role).Disconnection(h, code, reason, nil)
}

func (f *fakeEngine) fail(role Role, userData any, err error) {
	f.notifications(role).Error(userData, err)
}

func (f *fakeEngine) sentFrames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

func (f *fakeEngine) closeCalls() []closeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]closeCall(nil), f.closes...)
}

func (f *fakeEngine) releasedHandles() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Handle(nil), f.released...)
}

func (f *fakeEngine) upgradeCalls() []upgradeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upgradeCall(nil), f.upgrades...)
}

func (f *fakeEngine) broadcastCalls() []broadcastCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]broadcastCall(nil), f.broadcasts...)
}

func (f *fakeEngine) connectCalls() []OpenConnectionParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OpenConnectionParams(nil), f.connects...)
}

func (m *mockScheduler) NextTick(fn func()) {
	m.Called(fn)
}
