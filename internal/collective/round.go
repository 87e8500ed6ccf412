// Package collective holds the bookkeeping shared by transports that build
// collectives from per-rank contributions: every rank's contribution for a
// sequence number is gathered, then each rank derives its own result.
package collective

import (
	"bytes"
	"fmt"

	"github.com/rocketbitz/rma-go/transport"
)

// Kind identifies the collective a contribution belongs to.
type Kind uint8

const (
	Barrier Kind = iota + 1
	Allgather
	Allreduce
	// Sync is the internal barrier used by window creation and teardown.
	Sync
)

func (k Kind) String() string {
	switch k {
	case Barrier:
		return "barrier"
	case Allgather:
		return "allgather"
	case Allreduce:
		return "allreduce"
	case Sync:
		return "sync"
	default:
		return fmt.Sprintf("collective(%d)", uint8(k))
	}
}

// Contribution is one rank's input to a collective.
type Contribution struct {
	Kind     Kind
	Datatype transport.Datatype
	Op       transport.Op
	Data     []byte
}

func (c *Contribution) matches(o *Contribution) bool {
	if c.Kind != o.Kind || len(c.Data) != len(o.Data) {
		return false
	}
	if c.Kind == Allreduce && (c.Datatype != o.Datatype || c.Op != o.Op) {
		return false
	}
	return true
}

// Round gathers the contributions of one collective sequence number.
type Round struct {
	Seq   uint64
	parts []*Contribution
	have  int
	bad   bool
}

// NewRound prepares a round for size ranks.
func NewRound(seq uint64, size int) *Round {
	return &Round{Seq: seq, parts: make([]*Contribution, size)}
}

// Add records rank's contribution. It reports whether every rank has now
// contributed. A duplicate contribution poisons the round.
func (r *Round) Add(rank int, c Contribution) bool {
	if rank < 0 || rank >= len(r.parts) {
		r.bad = true
		return r.Complete()
	}
	if r.parts[rank] != nil {
		r.bad = true
		return r.Complete()
	}
	r.parts[rank] = &c
	r.have++
	return r.Complete()
}

// Complete reports whether every rank has contributed.
func (r *Round) Complete() bool {
	return r.have == len(r.parts)
}

// Result computes the outcome for a rank whose own contribution is self and
// writes it to recv. Contributions that disagree with self in kind, size,
// datatype or operator fail the collective with ErrCollective.
func (r *Round) Result(self Contribution, recv []byte) transport.Errno {
	if r.bad || !r.Complete() {
		return transport.ErrCollective
	}
	for _, part := range r.parts {
		if !part.matches(&self) {
			return transport.ErrCollective
		}
	}
	switch self.Kind {
	case Barrier, Sync:
		return transport.Success
	case Allgather:
		n := len(self.Data)
		if len(recv) != n*len(r.parts) {
			return transport.ErrCount
		}
		for rank, part := range r.parts {
			copy(recv[rank*n:(rank+1)*n], part.Data)
		}
		return transport.Success
	case Allreduce:
		if len(recv) != len(self.Data) {
			return transport.ErrCount
		}
		acc := bytes.Clone(r.parts[0].Data)
		for _, part := range r.parts[1:] {
			if code := transport.Reduce(self.Datatype, self.Op, acc, part.Data); code != transport.Success {
				return code
			}
		}
		copy(recv, acc)
		return transport.Success
	}
	return transport.ErrArg
}

// Has reports whether rank has contributed.
func (r *Round) Has(rank int) bool {
	return rank >= 0 && rank < len(r.parts) && r.parts[rank] != nil
}
