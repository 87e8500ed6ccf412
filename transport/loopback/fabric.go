// Package loopback implements the transport contract for ranks that share one
// process. Each rank is a goroutine holding its own Endpoint; one-sided
// operations are queued on the origin and applied to the target's memory when
// the origin polls for progress.
package loopback

import (
	"bytes"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/internal/collective"
	"github.com/rocketbitz/rma-go/transport"
)

// Option configures a Fabric.
type Option func(*options)

type options struct {
	delay       int
	attachLimit int
	logger      *zap.Logger
}

// WithCompletionDelay defers every one-sided operation by n progress passes,
// so waits observe pending polls.
func WithCompletionDelay(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.delay = n
		}
	}
}

// WithAttachLimit refuses registrations once a window holds n regions.
func WithAttachLimit(n int) Option {
	return func(o *options) {
		o.attachLimit = n
	}
}

// WithLogger routes transport debug logs to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Fabric connects size in-process endpoints.
type Fabric struct {
	size      int
	opts      options
	endpoints []*Endpoint

	mu      sync.Mutex
	rounds  map[uint64]*pendingRound
	windows map[uint64]*windowGroup
}

type participant struct {
	self collective.Contribution
	recv []byte
	tok  *transport.Token
}

type pendingRound struct {
	round *collective.Round
	parts []participant
}

type windowGroup struct {
	windows []*Window
}

// New creates a fabric of size ranks.
func New(size int, opts ...Option) (*Fabric, error) {
	if size < 1 {
		return nil, fmt.Errorf("loopback: invalid size %d: %w", size, transport.ErrArg)
	}
	o := options{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	f := &Fabric{
		size:    size,
		opts:    o,
		rounds:  make(map[uint64]*pendingRound),
		windows: make(map[uint64]*windowGroup),
	}
	f.endpoints = make([]*Endpoint, size)
	for rank := range f.endpoints {
		f.endpoints[rank] = newEndpoint(f, rank)
	}
	return f, nil
}

// Size returns the number of ranks.
func (f *Fabric) Size() int {
	return f.size
}

// Endpoint returns the endpoint of rank. It panics for ranks outside the
// fabric.
func (f *Fabric) Endpoint(rank int) *Endpoint {
	if rank < 0 || rank >= f.size {
		panic(fmt.Sprintf("loopback: rank %d outside fabric of size %d", rank, f.size))
	}
	return f.endpoints[rank]
}

// Spawn runs fn once per rank on its own goroutine and combines the errors.
func (f *Fabric) Spawn(fn func(dev transport.Device) error) error {
	errs := make([]error, f.size)
	var wg sync.WaitGroup
	for rank, ep := range f.endpoints {
		wg.Add(1)
		go func(rank int, ep *Endpoint) {
			defer wg.Done()
			if err := fn(ep); err != nil {
				errs[rank] = fmt.Errorf("rank %d: %w", rank, err)
			}
		}(rank, ep)
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// contribute adds rank's input to collective seq. The last contribution
// resolves every participant's token.
func (f *Fabric) contribute(seq uint64, rank int, c collective.Contribution, recv []byte, tok *transport.Token) {
	c.Data = bytes.Clone(c.Data)

	f.mu.Lock()
	pr, ok := f.rounds[seq]
	if !ok {
		pr = &pendingRound{round: collective.NewRound(seq, f.size)}
		f.rounds[seq] = pr
	}
	pr.parts = append(pr.parts, participant{self: c, recv: recv, tok: tok})
	if !pr.round.Add(rank, c) {
		f.mu.Unlock()
		return
	}
	delete(f.rounds, seq)
	f.mu.Unlock()

	for _, p := range pr.parts {
		if code := pr.round.Result(p.self, p.recv); code != transport.Success {
			p.tok.Fail(code)
			continue
		}
		p.tok.Complete(len(p.recv))
	}
}

func (f *Fabric) joinWindow(id uint64, w *Window) *windowGroup {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.windows[id]
	if !ok {
		g = &windowGroup{windows: make([]*Window, f.size)}
		f.windows[id] = g
	}
	g.windows[w.ep.rank] = w
	return g
}

func (f *Fabric) leaveWindow(id uint64, rank int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.windows[id]
	if !ok {
		return
	}
	g.windows[rank] = nil
	for _, w := range g.windows {
		if w != nil {
			return
		}
	}
	delete(f.windows, id)
}

func (f *Fabric) target(g *windowGroup, rank int) *Window {
	f.mu.Lock()
	defer f.mu.Unlock()
	return g.windows[rank]
}
