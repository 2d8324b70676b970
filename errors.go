package uws

import (
	"fmt"
	"net/url"

	"github.com/pkg/errors"
)

var (
	ErrNotOpened          = errors.New("not opened")
	ErrDuplicateListener  = errors.New("registering more than one listener to a websocket is not supported")
	ErrUnsupportedEvent   = errors.New("event is not supported by this connection")
	ErrAlreadySubscribed  = errors.New("role already has a subscriber")
	ErrAlreadyConnecting  = errors.New("connect already requested")
	ErrCannotConnect      = errors.New("connection cannot be established")
	ErrInvalidURI         = errors.New("invalid websocket uri")
	ErrUnknownTicket      = errors.New("unknown upgrade ticket")
	ErrEngineClosed       = errors.New("engine has been shut down")
	ErrMessageFinalized   = errors.New("prepared message has been finalized")
	ErrHijackNotSupported = errors.New("response writer does not support hijacking")
)

// DialError reports an outbound connection that could not be established.
type DialError struct {
	err error
	url url.URL
}

func (e DialError) Error() string {
	return fmt.Sprintf("cannot dial %s: %s", e.url.String(), e.err)
}

func (e DialError) Unwrap() error { return e.err }

func wrapDialError(err error, u url.URL) error {
	if err == nil {
		return nil
	}
	return &DialError{
		err: errors.Wrap(ErrCannotConnect, err.Error()),
		url: u,
	}
}
