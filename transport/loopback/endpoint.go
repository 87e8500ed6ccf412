package loopback

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/internal/collective"
	"github.com/rocketbitz/rma-go/transport"
)

// Endpoint is one rank's view of the fabric.
type Endpoint struct {
	fabric *Fabric
	rank   int
	reg    *transport.Registry
	log    *zap.Logger

	collSeq atomic.Uint64
	winSeq  atomic.Uint64
	closed  atomic.Bool

	mu      sync.Mutex
	pending []*pendingOp
}

var _ transport.Device = (*Endpoint)(nil)

// pendingOp is a one-sided operation waiting for the origin to make progress.
type pendingOp struct {
	tok    *transport.Token
	win    *Window
	target int
	delay  int
	run    func() (int, transport.Errno)
}

func newEndpoint(f *Fabric, rank int) *Endpoint {
	return &Endpoint{
		fabric: f,
		rank:   rank,
		reg:    transport.NewRegistry(),
		log:    f.opts.logger.With(zap.Int("rank", rank)),
	}
}

// Rank returns this endpoint's rank.
func (e *Endpoint) Rank() int { return e.rank }

// Size returns the number of ranks in the fabric.
func (e *Endpoint) Size() int { return e.fabric.size }

// CreateWindow creates a dynamic window on every rank. It blocks until all
// ranks have joined.
func (e *Endpoint) CreateWindow() (transport.Window, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	id := e.winSeq.Add(1)
	w := newWindow(e, id)
	w.group = e.fabric.joinWindow(id, w)
	if err := e.sync("create_window"); err != nil {
		e.fabric.leaveWindow(id, e.rank)
		return nil, err
	}
	e.log.Debug("window created", zap.Uint64("window", id))
	return w, nil
}

// IBarrier starts a barrier across every rank.
func (e *Endpoint) IBarrier() (*transport.Token, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	tok := e.reg.Issue("barrier", -1)
	e.fabric.contribute(e.collSeq.Add(1), e.rank, collective.Contribution{Kind: collective.Barrier}, nil, tok)
	return tok, nil
}

// IAllgather gathers every rank's send into recv in rank order.
func (e *Endpoint) IAllgather(send, recv []byte) (*transport.Token, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	if len(recv) != len(send)*e.fabric.size {
		return nil, transport.ErrCount.WithOp("allgather")
	}
	tok := e.reg.Issue("allgather", -1)
	e.fabric.contribute(e.collSeq.Add(1), e.rank, collective.Contribution{Kind: collective.Allgather, Data: send}, recv, tok)
	return tok, nil
}

// IAllreduce combines every rank's send element-wise with op into recv.
func (e *Endpoint) IAllreduce(send, recv []byte, dt transport.Datatype, op transport.Op) (*transport.Token, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	if code := transport.CheckReduction(dt, op); code != transport.Success {
		return nil, code.WithOp("allreduce")
	}
	if len(send) != len(recv) || len(send)%dt.Size() != 0 {
		return nil, transport.ErrCount.WithOp("allreduce")
	}
	tok := e.reg.Issue("allreduce", -1)
	c := collective.Contribution{Kind: collective.Allreduce, Datatype: dt, Op: op, Data: send}
	e.fabric.contribute(e.collSeq.Add(1), e.rank, c, recv, tok)
	return tok, nil
}

// Test makes progress on queued one-sided operations, then polls tok.
func (e *Endpoint) Test(tok *transport.Token, st *transport.Status) (bool, error) {
	e.progress(nil, -1, false)
	return e.reg.Test(tok, st)
}

// Close reports tokens that were issued but never waited.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return transport.ErrClosed
	}
	e.progress(nil, -1, true)
	if err := e.reg.CheckLeaks(); err != nil {
		e.log.Debug("endpoint closed with pending tokens", zap.Error(err))
		return err
	}
	e.log.Debug("endpoint closed")
	return nil
}

// sync runs an internal barrier and blocks until it completes.
func (e *Endpoint) sync(op string) error {
	tok := e.reg.Issue(op, -1)
	e.fabric.contribute(e.collSeq.Add(1), e.rank, collective.Contribution{Kind: collective.Sync}, nil, tok)
	<-tok.Done()
	_, err := e.reg.Test(tok, nil)
	return err
}

func (e *Endpoint) enqueue(op *pendingOp) {
	op.delay = e.fabric.opts.delay
	e.mu.Lock()
	e.pending = append(e.pending, op)
	e.mu.Unlock()
}

// progress runs queued operations whose delay has elapsed. With win set, only
// operations on that window (and target, unless negative) are considered;
// force ignores the remaining delay.
func (e *Endpoint) progress(win *Window, target int, force bool) {
	e.mu.Lock()
	var ready []*pendingOp
	kept := e.pending[:0]
	for _, op := range e.pending {
		match := win == nil || (op.win == win && (target < 0 || op.target == target))
		if !match {
			kept = append(kept, op)
			continue
		}
		if op.delay > 0 && !force {
			op.delay--
			kept = append(kept, op)
			continue
		}
		ready = append(ready, op)
	}
	for i := len(kept); i < len(e.pending); i++ {
		e.pending[i] = nil
	}
	e.pending = kept
	e.mu.Unlock()

	for _, op := range ready {
		count, code := op.run()
		if code != transport.Success {
			op.tok.Fail(code)
			continue
		}
		op.tok.Complete(count)
	}
}
