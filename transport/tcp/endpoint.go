// Package tcp implements the transport contract across processes over a full
// mesh of TCP connections. Targets apply one-sided operations to their own
// attached regions and acknowledge them; collectives exchange every rank's
// contribution and reduce locally in rank order.
package tcp

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/internal/collective"
	"github.com/rocketbitz/rma-go/transport"
)

// Endpoint is one rank's connection to the mesh.
type Endpoint struct {
	cfg   Config
	rank  int
	size  int
	reg   *transport.Registry
	log   *zap.Logger
	peers []*peer

	reqSeq  atomic.Uint64
	collSeq atomic.Uint64
	winSeq  atomic.Uint64
	closed  atomic.Bool
	wg      sync.WaitGroup

	mu       sync.Mutex
	windows  map[uint64]*Window
	inflight map[uint64]*pendingRequest
	rounds   map[uint64]*round
	lost     []bool
}

var _ transport.Device = (*Endpoint)(nil)

// pendingRequest is a one-sided operation awaiting its acknowledgement.
type pendingRequest struct {
	tok    *transport.Token
	window uint64
	target int
	finish func(ack *frame) (int, transport.Errno)
}

type participant struct {
	self collective.Contribution
	recv []byte
	tok  *transport.Token
}

type round struct {
	r     *collective.Round
	local *participant
}

func newEndpoint(cfg Config, log *zap.Logger) *Endpoint {
	size := len(cfg.Peers)
	return &Endpoint{
		cfg:      cfg,
		rank:     cfg.Rank,
		size:     size,
		reg:      transport.NewRegistry(),
		log:      log,
		peers:    make([]*peer, size),
		windows:  make(map[uint64]*Window),
		inflight: make(map[uint64]*pendingRequest),
		rounds:   make(map[uint64]*round),
		lost:     make([]bool, size),
	}
}

func (e *Endpoint) start() {
	for _, p := range e.peers {
		if p == nil {
			continue
		}
		e.wg.Add(2)
		go func(p *peer) {
			defer e.wg.Done()
			p.writeLoop()
		}(p)
		go func(p *peer) {
			defer e.wg.Done()
			e.readLoop(p)
		}(p)
	}
}

// Rank returns this endpoint's rank.
func (e *Endpoint) Rank() int { return e.rank }

// Size returns the number of ranks in the mesh.
func (e *Endpoint) Size() int { return e.size }

// CreateWindow creates a dynamic window on every rank. It blocks until all
// ranks have registered theirs.
func (e *Endpoint) CreateWindow() (transport.Window, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	w := newWindow(e, e.winSeq.Add(1))
	e.mu.Lock()
	e.windows[w.id] = w
	e.mu.Unlock()
	if err := e.sync("create_window"); err != nil {
		e.dropWindow(w.id)
		return nil, err
	}
	e.log.Debug("window created", zap.Uint64("window", w.id))
	return w, nil
}

// IBarrier starts a barrier across every rank.
func (e *Endpoint) IBarrier() (*transport.Token, error) {
	return e.startCollective("barrier", collective.Contribution{Kind: collective.Barrier}, nil)
}

// IAllgather gathers every rank's send into recv in rank order.
func (e *Endpoint) IAllgather(send, recv []byte) (*transport.Token, error) {
	if len(send) > maxPayload || len(recv) != len(send)*e.size {
		return nil, transport.ErrCount.WithOp("allgather")
	}
	return e.startCollective("allgather", collective.Contribution{Kind: collective.Allgather, Data: send}, recv)
}

// IAllreduce combines every rank's send element-wise with op into recv.
func (e *Endpoint) IAllreduce(send, recv []byte, dt transport.Datatype, op transport.Op) (*transport.Token, error) {
	if code := transport.CheckReduction(dt, op); code != transport.Success {
		return nil, code.WithOp("allreduce")
	}
	if len(send) > maxPayload || len(send) != len(recv) || len(send)%dt.Size() != 0 {
		return nil, transport.ErrCount.WithOp("allreduce")
	}
	c := collective.Contribution{Kind: collective.Allreduce, Datatype: dt, Op: op, Data: send}
	return e.startCollective("allreduce", c, recv)
}

// Test reports whether tok has resolved and consumes it if so.
func (e *Endpoint) Test(tok *transport.Token, st *transport.Status) (bool, error) {
	return e.reg.Test(tok, st)
}

// Close reports tokens that were never waited, then drains and closes every
// peer connection.
func (e *Endpoint) Close() error {
	if e.closed.Swap(true) {
		return transport.ErrClosed
	}
	err := e.reg.CheckLeaks()
	for _, p := range e.peers {
		if p == nil {
			continue
		}
		if cerr := p.close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}
	e.wg.Wait()
	e.reg.FailOutstanding(transport.ErrShutdown)
	e.log.Debug("endpoint closed", zap.Error(err))
	return err
}

func (e *Endpoint) startCollective(op string, c collective.Contribution, recv []byte) (*transport.Token, error) {
	if e.closed.Load() {
		return nil, transport.ErrClosed
	}
	c.Data = bytes.Clone(c.Data)
	seq := e.collSeq.Add(1)
	tok := e.reg.Issue(op, -1)
	f := &frame{
		kind:     kindColl,
		seq:      seq,
		rank:     e.rank,
		coll:     uint8(c.Kind),
		datatype: c.Datatype,
		op:       c.Op,
		data:     c.Data,
	}
	for rank, p := range e.peers {
		if p == nil {
			continue
		}
		if err := p.send(f); err != nil {
			e.log.Debug("collective contribution not sent", zap.Int("peer", rank), zap.Error(err))
		}
	}
	e.contribute(seq, e.rank, c, &participant{self: c, recv: recv, tok: tok})
	return tok, nil
}

// contribute records rank's contribution to collective seq. The round
// resolves once every rank, including this one, has contributed.
func (e *Endpoint) contribute(seq uint64, rank int, c collective.Contribution, local *participant) {
	e.mu.Lock()
	rd, ok := e.rounds[seq]
	if !ok {
		rd = &round{r: collective.NewRound(seq, e.size)}
		e.rounds[seq] = rd
	}
	if local != nil {
		rd.local = local
	}
	rd.r.Add(rank, c)
	if rd.local == nil {
		e.mu.Unlock()
		return
	}
	if !rd.r.Complete() {
		failed := e.missingLost(rd.r)
		if failed {
			delete(e.rounds, seq)
		}
		e.mu.Unlock()
		if failed {
			rd.local.tok.Fail(transport.ErrProcFailed)
		}
		return
	}
	delete(e.rounds, seq)
	e.mu.Unlock()

	p := rd.local
	if code := rd.r.Result(p.self, p.recv); code != transport.Success {
		p.tok.Fail(code)
		return
	}
	p.tok.Complete(len(p.recv))
}

// missingLost reports whether r waits on a rank whose connection is gone.
// Callers hold e.mu.
func (e *Endpoint) missingLost(r *collective.Round) bool {
	for rank, lost := range e.lost {
		if lost && !r.Has(rank) {
			return true
		}
	}
	return false
}

// sync runs an internal barrier and blocks until it completes.
func (e *Endpoint) sync(op string) error {
	tok, err := e.startCollective(op, collective.Contribution{Kind: collective.Sync}, nil)
	if err != nil {
		return err
	}
	<-tok.Done()
	_, err = e.reg.Test(tok, nil)
	return err
}

func (e *Endpoint) window(id uint64) *Window {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.windows[id]
}

func (e *Endpoint) dropWindow(id uint64) {
	e.mu.Lock()
	delete(e.windows, id)
	e.mu.Unlock()
}

// submit sends a request frame to target and tracks it until acknowledged.
func (e *Endpoint) submit(tok *transport.Token, target int, f *frame, finish func(*frame) (int, transport.Errno)) {
	f.id = e.reqSeq.Add(1)
	e.mu.Lock()
	if e.lost[target] {
		e.mu.Unlock()
		tok.Fail(transport.ErrProcFailed)
		return
	}
	e.inflight[f.id] = &pendingRequest{tok: tok, window: f.window, target: target, finish: finish}
	e.mu.Unlock()

	if err := e.peers[target].send(f); err != nil {
		e.mu.Lock()
		delete(e.inflight, f.id)
		e.mu.Unlock()
		tok.Fail(transport.CodeOf(err))
	}
}

// outstanding returns the tokens of unacknowledged requests on window to
// target, or to every rank when target is negative.
func (e *Endpoint) outstanding(window uint64, target int) []*transport.Token {
	e.mu.Lock()
	defer e.mu.Unlock()
	var toks []*transport.Token
	for _, req := range e.inflight {
		if req.window == window && (target < 0 || req.target == target) {
			toks = append(toks, req.tok)
		}
	}
	return toks
}

func (e *Endpoint) readLoop(p *peer) {
	for {
		f, err := readFrame(p.r)
		if err != nil {
			p.fail(err)
			e.peerLost(p.rank, err)
			return
		}
		e.dispatch(p, f)
	}
}

func (e *Endpoint) dispatch(p *peer, f *frame) {
	switch f.kind {
	case kindAck:
		e.mu.Lock()
		req, ok := e.inflight[f.id]
		delete(e.inflight, f.id)
		e.mu.Unlock()
		if !ok {
			p.log.Warn("ack for unknown request", zap.Uint64("id", f.id))
			return
		}
		if f.errno != transport.Success {
			req.tok.Fail(f.errno)
			return
		}
		count, code := req.finish(f)
		if code != transport.Success {
			req.tok.Fail(code)
			return
		}
		req.tok.Complete(count)
	case kindPut, kindGet, kindCAS, kindFAO:
		ack := &frame{kind: kindAck, id: f.id}
		if w := e.window(f.window); w != nil {
			ack.data, ack.length, ack.errno = w.serve(f)
		} else {
			ack.errno = transport.ErrWin
		}
		if err := p.send(ack); err != nil {
			p.log.Debug("ack not sent", zap.Uint64("id", f.id), zap.Error(err))
		}
	case kindColl:
		c := collective.Contribution{
			Kind:     collective.Kind(f.coll),
			Datatype: f.datatype,
			Op:       f.op,
			Data:     f.data,
		}
		e.contribute(f.seq, p.rank, c, nil)
	default:
		p.log.Warn("unexpected frame", zap.Stringer("kind", f.kind))
	}
}

// peerLost fails every request and collective that depends on rank.
func (e *Endpoint) peerLost(rank int, err error) {
	closing := e.closed.Load()
	if closing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		e.log.Debug("peer disconnected", zap.Int("peer", rank), zap.Error(err))
	} else {
		e.log.Warn("peer connection failed", zap.Int("peer", rank), zap.Error(err))
	}

	e.mu.Lock()
	e.lost[rank] = true
	var failed []*transport.Token
	for id, req := range e.inflight {
		if req.target == rank {
			failed = append(failed, req.tok)
			delete(e.inflight, id)
		}
	}
	for seq, rd := range e.rounds {
		if rd.local != nil && !rd.r.Has(rank) {
			failed = append(failed, rd.local.tok)
			delete(e.rounds, seq)
		}
	}
	e.mu.Unlock()

	for _, tok := range failed {
		tok.Fail(transport.ErrProcFailed)
	}
}
