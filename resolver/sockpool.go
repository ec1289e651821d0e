package resolver

import (
	"net"
	"sync"
	"time"
)

// SocketPool keeps a bounded set of unconnected UDP sockets that workers
// lease for one query/response round. Leasing spreads queries over source
// ports without paying a socket setup per query.
const (
	defaultPoolSize = 48
	socketIdleLimit = 60 * time.Second
)

type pooledSocket struct {
	conn     net.PacketConn
	idleFrom time.Time
}

type SocketPool struct {
	mu   sync.Mutex
	idle []pooledSocket
	max  int
}

func NewSocketPool() *SocketPool {
	return &SocketPool{max: defaultPoolSize}
}

// Acquire leases a socket, reusing an idle one when available. Idle sockets
// past the expiry are closed on the way.
func (p *SocketPool) Acquire() (net.PacketConn, error) {
	now := time.Now()
	p.mu.Lock()
	for len(p.idle) > 0 {
		s := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if now.Sub(s.idleFrom) < socketIdleLimit {
			p.mu.Unlock()
			return s.conn, nil
		}
		_ = s.conn.Close()
	}
	p.mu.Unlock()
	return net.ListenPacket("udp", ":0")
}

// Release returns a leased socket. Sockets over the pool bound are closed
// rather than kept.
func (p *SocketPool) Release(conn net.PacketConn) {
	if conn == nil {
		return
	}
	// Clear any deadline left over from the lease.
	_ = conn.SetDeadline(time.Time{})
	p.mu.Lock()
	if len(p.idle) < p.max {
		p.idle = append(p.idle, pooledSocket{conn: conn, idleFrom: time.Now()})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	_ = conn.Close()
}

// Discard closes a socket whose lease ended badly (timeout, stray data).
func (p *SocketPool) Discard(conn net.PacketConn) {
	if conn != nil {
		_ = conn.Close()
	}
}

// Close shuts every idle socket down.
func (p *SocketPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.idle {
		_ = s.conn.Close()
	}
	p.idle = nil
}

// Idle reports the number of pooled sockets.
func (p *SocketPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}
