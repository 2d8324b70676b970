package uws

import "sync"

// connGroup is the set of connections accepted by one Server.
type connGroup struct {
	mu    sync.RWMutex
	conns map[Handle]*Conn
}

func newConnGroup() *connGroup {
	return &connGroup{conns: make(map[Handle]*Conn)}
}

func (g *connGroup) add(h Handle, c *Conn) {
	g.mu.Lock()
	g.conns[h] = c
	g.mu.Unlock()
	c.setGroup(g)
}

func (g *connGroup) remove(h Handle) {
	g.mu.Lock()
	delete(g.conns, h)
	g.mu.Unlock()
}

// openHandles lists the sockets of connections that have not been closed,
// either locally or by the peer.
func (g *connGroup) openHandles() []Handle {
	g.mu.RLock()
	defer g.mu.RUnlock()

	handles := make([]Handle, 0, len(g.conns))
	for _, c := range g.conns {
		if h, _, ok := c.live(); ok {
			handles = append(handles, h)
		}
	}
	return handles
}

func (g *connGroup) snapshot() []*Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()

	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	return conns
}

func (g *connGroup) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}
