package tcp

import (
	"bufio"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/transport"
)

// peer is the connection to one remote rank. Frames are queued without
// blocking and written by a dedicated goroutine, so a reader answering a
// request never stalls on a full socket.
type peer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	log  *zap.Logger

	mu     sync.Mutex
	queue  []*frame
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newPeer(rank int, conn net.Conn, r *bufio.Reader, log *zap.Logger) *peer {
	return &peer{
		rank: rank,
		conn: conn,
		r:    r,
		log:  log.With(zap.Int("peer", rank)),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// send queues f for delivery.
func (p *peer) send(f *frame) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return transport.ErrConn.WithOp("send")
	}
	p.queue = append(p.queue, f)
	p.mu.Unlock()
	p.signal()
	return nil
}

func (p *peer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// writeLoop drains the queue until the peer is closed and empty.
func (p *peer) writeLoop() {
	defer close(p.done)
	w := bufio.NewWriter(p.conn)
	for range p.wake {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed := p.closed
		p.mu.Unlock()

		for _, f := range batch {
			if err := writeFrame(w, f); err != nil {
				p.fail(err)
				return
			}
		}
		if len(batch) > 0 {
			if err := w.Flush(); err != nil {
				p.fail(err)
				return
			}
		}
		if closed {
			p.mu.Lock()
			empty := len(p.queue) == 0
			p.mu.Unlock()
			if empty {
				return
			}
			p.signal()
		}
	}
}

// fail drops queued frames and closes the connection so both ends observe
// the loss and fail the requests that depend on it.
func (p *peer) fail(err error) {
	p.log.Debug("peer link failed", zap.Error(err))
	p.mu.Lock()
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	p.signal()
	_ = p.conn.Close()
}

// close stops accepting frames, waits for queued ones to be written and
// closes the connection.
func (p *peer) close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.signal()
	<-p.done
	return p.conn.Close()
}
