package uws

import (
	"sync"

	"github.com/pkg/errors"
)

// EventKind is the closed set of events a connection can report.
type EventKind uint8

const (
	EventMessage EventKind = iota
	EventClose
	EventPing
	EventPong
	EventOpen
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventOpen:
		return "open"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// slot holds at most one handler. Unlike EventEmitterCallback it refuses a
// second subscriber instead of appending it. A one-shot handler occupies the
// slot until it has fired once.
type slot[F any] struct {
	kind  EventKind
	lock  sync.Mutex
	fn    F
	bound bool
	once  bool
}

func (s *slot[F]) set(fn F) error {
	return s.bind(fn, false)
}

func (s *slot[F]) setOnce(fn F) error {
	return s.bind(fn, true)
}

func (s *slot[F]) bind(fn F, once bool) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.bound {
		return errors.Wrapf(ErrDuplicateListener, "event %q", s.kind)
	}
	s.fn = fn
	s.bound = true
	s.once = once
	return nil
}

func (s *slot[F]) clear() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.reset()
}

func (s *slot[F]) reset() {
	var zero F
	s.fn = zero
	s.bound = false
	s.once = false
}

// load returns the handler to fire, emptying the slot if it was bound once.
func (s *slot[F]) load() (F, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	fn, bound := s.fn, s.bound
	if bound && s.once {
		s.reset()
	}
	return fn, bound
}
