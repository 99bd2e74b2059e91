package signaling

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsPeer is a Peer backed by a gorilla websocket. Outbound frames go through
// a bounded queue drained by writeLoop; Send never blocks.
type wsPeer struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}

	// last inbound message or pong, unix nanos
	lastSeen atomic.Int64
}

func newWSPeer(id string, conn *websocket.Conn, queue int) *wsPeer {
	p := &wsPeer{
		id:   id,
		conn: conn,
		send: make(chan []byte, queue),
		done: make(chan struct{}),
	}
	p.touch()
	return p
}

func (p *wsPeer) ID() string { return p.id }

func (p *wsPeer) Send(msg []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPeerClosed
	}
	select {
	case p.send <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

func (p *wsPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.closed {
		p.closed = true
		close(p.done)
	}
}

func (p *wsPeer) touch() {
	p.lastSeen.Store(time.Now().UnixNano())
}

func (p *wsPeer) idleFor() time.Duration {
	return time.Since(time.Unix(0, p.lastSeen.Load()))
}

// closeWith sends a close frame with code and reason. Safe to call
// concurrently with writeLoop.
func (p *wsPeer) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	p.Close()
}

// writeLoop drains the send queue, pings the remote end, and enforces the
// idle timeout: a peer that neither sends nor answers pings for idleTimeout
// is closed. It owns the network connection and closes it on exit.
func (p *wsPeer) writeLoop(idleTimeout time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	if idleTimeout > 0 && idleTimeout/2 < pingPeriod {
		ticker.Reset(idleTimeout / 2)
	}
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()

	for {
		select {
		case <-p.done:
			return
		case msg := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				p.Close()
				return
			}
		case <-ticker.C:
			if idleTimeout > 0 && p.idleFor() > idleTimeout {
				p.closeWith(websocket.CloseGoingAway, "idle timeout")
				return
			}
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				p.Close()
				return
			}
		}
	}
}
