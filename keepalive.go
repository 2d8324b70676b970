package uws

import (
	"sync"
	"time"
)

type KeepAlivePayloadFactory func() []byte

// keepAlive pings a set of connections at a fixed interval until stopped.
type keepAlive struct {
	interval time.Duration
	targets  func() []*Conn
	payload  KeepAlivePayloadFactory
	logger   Logger

	startOnce sync.Once
	stopOnce  sync.Once
	closeC    chan struct{}
}

func newKeepAlive(
	logger Logger,
	interval time.Duration,
	targets func() []*Conn,
	payload KeepAlivePayloadFactory,
) *keepAlive {
	if payload == nil {
		payload = func() []byte { return nil }
	}
	return &keepAlive{
		interval: interval,
		targets:  targets,
		payload:  payload,
		logger:   loggerOrNop(logger).WithField("component", "keepalive"),
		closeC:   make(chan struct{}),
	}
}

// start only has an effect the first time and when the interval is positive.
func (k *keepAlive) start() {
	if k == nil || k.interval <= 0 {
		return
	}
	k.startOnce.Do(func() {
		go k.run()
	})
}

func (k *keepAlive) stop() {
	if k == nil {
		return
	}
	k.stopOnce.Do(func() {
		close(k.closeC)
	})
}

func (k *keepAlive) run() {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-k.closeC:
			return
		case <-ticker.C:
			targets := k.targets()
			k.logger.Debugf("=> [PING] %d connections", len(targets))
			for _, c := range targets {
				c.Ping(k.payload())
			}
		}
	}
}
