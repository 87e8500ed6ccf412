package transport

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

const (
	tokenPending int32 = iota
	tokenResolved
	tokenConsumed
)

// Token is the completion handle of a non-blocking operation. A token is
// resolved exactly once by its transport and consumed exactly once by a
// successful Test; it cannot be reused afterwards.
type Token struct {
	id     uint64
	op     string
	issuer *Registry
	state  atomic.Int32
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	onComplete []func(*Status)
}

// ID returns the token's issue sequence number, unique per endpoint.
func (t *Token) ID() uint64 {
	if t == nil {
		return 0
	}
	return t.id
}

// Op names the operation the token tracks.
func (t *Token) Op() string {
	if t == nil {
		return ""
	}
	return t.op
}

// Done exposes a channel that closes when the token resolves. Transports use
// it for internal blocking; callers go through Test.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Resolved reports whether the operation has finished, successfully or not.
func (t *Token) Resolved() bool {
	return t.state.Load() != tokenPending
}

// OnComplete registers fn to run when the token resolves, before the
// resolution becomes visible to Test. Transports use it for copy-back of
// fetched data.
func (t *Token) OnComplete(fn func(*Status)) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	t.onComplete = append(t.onComplete, fn)
	t.mu.Unlock()
}

// Complete resolves the token successfully with count bytes moved.
func (t *Token) Complete(count int) bool {
	return t.resolve(count, Success)
}

// Fail resolves the token with a failure code.
func (t *Token) Fail(code Errno) bool {
	if code == Success {
		code = ErrUnknown
	}
	return t.resolve(0, code)
}

func (t *Token) resolve(count int, code Errno) bool {
	t.mu.Lock()
	if t.state.Load() != tokenPending {
		t.mu.Unlock()
		return false
	}
	t.status.Count = count
	t.status.Code = code
	callbacks := t.onComplete
	t.onComplete = nil
	for _, fn := range callbacks {
		fn(&t.status)
	}
	t.state.Store(tokenResolved)
	t.mu.Unlock()
	close(t.done)
	return true
}

// Registry issues tokens for one endpoint and tracks those not yet consumed.
type Registry struct {
	seq    atomic.Uint64
	tokens sync.Map // uint64 -> *Token
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Issue creates a pending token for op targeting rank target (-1 for
// collectives).
func (r *Registry) Issue(op string, target int) *Token {
	tok := &Token{
		id:     r.seq.Add(1),
		op:     op,
		issuer: r,
		done:   make(chan struct{}),
	}
	tok.status.Source = target
	r.tokens.Store(tok.id, tok)
	return tok
}

// Test polls tok. It reports false while the operation is in flight. Once
// resolved, the token is consumed: Test returns true together with the
// operation's error, and any later Test returns ErrTokenConsumed.
func (r *Registry) Test(tok *Token, st *Status) (bool, error) {
	if tok == nil {
		return false, ErrRequest.WithOp("test")
	}
	if tok.issuer != r {
		return false, ErrTokenForeign
	}
	switch tok.state.Load() {
	case tokenPending:
		return false, nil
	case tokenConsumed:
		return true, ErrTokenConsumed
	}
	if !tok.state.CompareAndSwap(tokenResolved, tokenConsumed) {
		return true, ErrTokenConsumed
	}
	r.tokens.Delete(tok.id)
	tok.mu.Lock()
	status := tok.status
	tok.mu.Unlock()
	if st != nil {
		*st = status
	}
	return true, status.Code.WithOp(tok.op)
}

// Outstanding returns the tokens that were issued but never consumed, in
// issue order.
func (r *Registry) Outstanding() []*Token {
	var out []*Token
	r.tokens.Range(func(_, value any) bool {
		out = append(out, value.(*Token))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// FailOutstanding resolves every pending token with code. Endpoints call it
// when a peer connection is lost.
func (r *Registry) FailOutstanding(code Errno) {
	r.tokens.Range(func(_, value any) bool {
		value.(*Token).Fail(code)
		return true
	})
}

// CheckLeaks reports tokens that were never waited on.
func (r *Registry) CheckLeaks() error {
	pending := r.Outstanding()
	if len(pending) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %d token(s) never waited, first %q (id %d)", ErrPending.WithOp("close"), len(pending), pending[0].op, pending[0].id)
}
