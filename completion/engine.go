// Package completion turns the transport's poll primitive into a cooperative
// wait: a waiting task polls its token and yields to the scheduler between
// polls, so no thread is held while an operation is in flight.
package completion

import (
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/rma-go/sched"
	"github.com/rocketbitz/rma-go/telemetry"
	"github.com/rocketbitz/rma-go/transport"
)

// Tester polls a completion token. transport.Device satisfies it.
type Tester interface {
	Test(tok *transport.Token, st *transport.Status) (bool, error)
}

// Engine drives completion tokens to resolution.
type Engine struct {
	tester Tester
	sched  sched.Scheduler
	rec    *telemetry.Recorder
}

// NewEngine returns an engine polling through tester and yielding to s. A nil
// scheduler selects sched.Default; rec may be nil.
func NewEngine(tester Tester, s sched.Scheduler, rec *telemetry.Recorder) *Engine {
	if s == nil {
		s = sched.Default()
	}
	return &Engine{tester: tester, sched: s, rec: rec}
}

// Scheduler returns the scheduler the engine yields to.
func (e *Engine) Scheduler() sched.Scheduler {
	return e.sched
}

// Test polls tok once. A true result consumes the token.
func (e *Engine) Test(tok *transport.Token, st *transport.Status) (bool, error) {
	return e.tester.Test(tok, st)
}

// Wait polls tok until it resolves and returns the operation's error.
func (e *Engine) Wait(tok *transport.Token) error {
	return e.WaitStatus(tok, nil)
}

// WaitStatus is Wait with completion metadata written to st.
func (e *Engine) WaitStatus(tok *transport.Token, st *transport.Status) error {
	polls := 0
	for {
		polls++
		done, err := e.tester.Test(tok, st)
		if done || err != nil {
			e.rec.Completed(tok.Op(), polls, err)
			return err
		}
		e.sched.Yield()
	}
}

// WaitAll waits every token, including those after a failure, and combines
// their errors.
func (e *Engine) WaitAll(toks ...*transport.Token) error {
	var err error
	for _, tok := range toks {
		err = multierr.Append(err, e.Wait(tok))
	}
	return err
}

// Request is the handle of a non-blocking operation. It must be waited
// exactly once.
type Request struct {
	eng    *Engine
	tok    *transport.Token
	waited atomic.Bool
}

// NewRequest binds tok to eng.
func NewRequest(eng *Engine, tok *transport.Token) *Request {
	return &Request{eng: eng, tok: tok}
}

// Token returns the underlying completion token.
func (r *Request) Token() *transport.Token {
	return r.tok
}

// Wait blocks cooperatively until the operation completes. A second call
// returns transport.ErrTokenConsumed.
func (r *Request) Wait() error {
	if !r.waited.CompareAndSwap(false, true) {
		return transport.ErrTokenConsumed
	}
	return r.eng.Wait(r.tok)
}

// Test polls the operation once without yielding. Once it reports true the
// request counts as waited.
func (r *Request) Test() (bool, error) {
	if r.waited.Load() {
		return true, transport.ErrTokenConsumed
	}
	done, err := r.eng.Test(r.tok, nil)
	if done {
		r.waited.Store(true)
	}
	return done, err
}

// WaitAll waits every request and combines their errors.
func WaitAll(reqs ...*Request) error {
	var err error
	for _, req := range reqs {
		err = multierr.Append(err, req.Wait())
	}
	return err
}
