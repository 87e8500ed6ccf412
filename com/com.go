// Package com owns a communication context: one transport endpoint together
// with the completion engine, RMA device, collective device and telemetry
// built on it. Applications open one Com per process and pass it to
// everything that needs the group.
package com

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/rocketbitz/rma-go/coll"
	"github.com/rocketbitz/rma-go/completion"
	"github.com/rocketbitz/rma-go/rma"
	"github.com/rocketbitz/rma-go/sched"
	"github.com/rocketbitz/rma-go/telemetry"
	"github.com/rocketbitz/rma-go/transport"
)

// ErrClosed indicates the context has already been closed.
var ErrClosed = errors.New("rma com: closed")

// Config controls Open.
type Config struct {
	Name             string
	Scheduler        sched.Scheduler
	Logger           telemetry.Logger
	StructuredLogger telemetry.StructuredLogger
	Tracer           telemetry.Tracer
	Metrics          telemetry.MetricHook
}

// Com is a communication context. Rank and Size are fixed for its lifetime.
type Com struct {
	cfg    Config
	tr     transport.Device
	rec    *telemetry.Recorder
	eng    *completion.Engine
	rma    *rma.Device
	coll   *coll.Device
	closed atomic.Bool
}

// Open builds a context on tr. It is collective. Once Open succeeds the
// context owns tr and closes it in Close.
func Open(tr transport.Device, cfg Config) (*Com, error) {
	if tr == nil {
		return nil, fmt.Errorf("rma com: nil transport: %w", transport.ErrArg)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = sched.Default()
	}
	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(telemetry.StructuredLogger); ok {
			structured = logger
		}
	}

	rec := telemetry.NewRecorder(telemetry.Options{
		Name:             cfg.Name,
		Rank:             tr.Rank(),
		Size:             tr.Size(),
		Logger:           cfg.Logger,
		StructuredLogger: structured,
		Tracer:           cfg.Tracer,
		Metrics:          cfg.Metrics,
	})
	eng := completion.NewEngine(tr, cfg.Scheduler, rec)
	dev, err := rma.NewDevice(tr, eng, rec)
	if err != nil {
		return nil, fmt.Errorf("rma com: open rma device: %w", err)
	}

	c := &Com{
		cfg:  cfg,
		tr:   tr,
		rec:  rec,
		eng:  eng,
		rma:  dev,
		coll: coll.NewDevice(tr, eng, rec),
	}
	rec.Opened(telemetry.KV("size", tr.Size()))
	return c, nil
}

// Rank returns this process's rank.
func (c *Com) Rank() int { return c.tr.Rank() }

// Size returns the number of ranks in the group.
func (c *Com) Size() int { return c.tr.Size() }

// RMA returns the one-sided device.
func (c *Com) RMA() *rma.Device { return c.rma }

// Coll returns the collective device.
func (c *Com) Coll() *coll.Device { return c.coll }

// Scheduler returns the scheduler waits yield to.
func (c *Com) Scheduler() sched.Scheduler { return c.cfg.Scheduler }

// Engine returns the completion engine.
func (c *Com) Engine() *completion.Engine { return c.eng }

// Barrier blocks until every rank has entered it.
func (c *Com) Barrier() error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	return c.coll.Barrier()
}

// Stats returns a snapshot of the context's counters.
func (c *Com) Stats() telemetry.Stats {
	if c == nil {
		return telemetry.Stats{}
	}
	return c.rec.Stats()
}

// Close frees the RMA device and then the transport. It is collective. Later
// calls return nil.
func (c *Com) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.rma.Close()
	err = multierr.Append(err, c.tr.Close())
	c.rec.Closed(err)
	return err
}

func (c *Com) ensureOpen() error {
	if c == nil || c.closed.Load() {
		return ErrClosed
	}
	return nil
}
