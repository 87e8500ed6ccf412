// Package launch starts the ranks of an example program from environment
// variables, either all inside this process over the loopback transport or as
// one rank of a TCP mesh.
package launch

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/com"
	"github.com/rocketbitz/rma-go/transport"
	"github.com/rocketbitz/rma-go/transport/loopback"
	"github.com/rocketbitz/rma-go/transport/tcp"
)

const (
	EnvTransport = "RMA_TRANSPORT"
	EnvSize      = "RMA_SIZE"
	EnvRank      = "RMA_RANK"
	EnvPeers     = "RMA_PEERS"
	EnvJob       = "RMA_JOB"
)

const (
	TransportLoopback = "loopback"
	TransportTCP      = "tcp"
)

// DefaultSize is the number of in-process ranks when RMA_SIZE is unset.
const DefaultSize = 4

// Options selects the transport and this process's place in the group.
type Options struct {
	Transport string
	// Size is the loopback group size.
	Size int
	// Rank and Peers place a TCP rank in its mesh.
	Rank  int
	Peers []string
	JobID uuid.UUID

	Name   string
	Logger *zap.Logger
}

// FromEnv reads Options from the RMA_* environment variables.
func FromEnv() (Options, error) {
	opts := Options{Transport: os.Getenv(EnvTransport), Size: DefaultSize}
	if opts.Transport == "" {
		opts.Transport = TransportLoopback
	}
	if v := os.Getenv(EnvSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Options{}, fmt.Errorf("launch: invalid %s %q", EnvSize, v)
		}
		opts.Size = n
	}
	if v := os.Getenv(EnvRank); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Options{}, fmt.Errorf("launch: invalid %s %q: %w", EnvRank, v, err)
		}
		opts.Rank = n
	}
	opts.Peers = tcp.ParsePeers(os.Getenv(EnvPeers))
	if v := os.Getenv(EnvJob); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Options{}, fmt.Errorf("launch: invalid %s %q: %w", EnvJob, v, err)
		}
		opts.JobID = id
	}
	switch opts.Transport {
	case TransportLoopback:
	case TransportTCP:
		if len(opts.Peers) == 0 {
			return Options{}, fmt.Errorf("launch: %s=tcp requires %s", EnvTransport, EnvPeers)
		}
	default:
		return Options{}, fmt.Errorf("launch: unknown %s %q", EnvTransport, opts.Transport)
	}
	return opts, nil
}

// Run opens a context for every rank this process hosts and calls fn on each.
// The context is closed after fn returns.
func Run(ctx context.Context, opts Options, fn func(c *com.Com) error) error {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	switch opts.Transport {
	case TransportTCP:
		ep, err := tcp.Open(ctx, tcp.Config{
			Rank:   opts.Rank,
			Peers:  opts.Peers,
			JobID:  opts.JobID,
			Logger: logger.Named("tcp"),
		})
		if err != nil {
			return err
		}
		return runRank(ep, opts.Name, logger, fn)
	case TransportLoopback, "":
		f, err := loopback.New(opts.Size, loopback.WithLogger(logger.Named("loopback")))
		if err != nil {
			return err
		}
		return f.Spawn(func(tr transport.Device) error {
			return runRank(tr, opts.Name, logger, fn)
		})
	default:
		return fmt.Errorf("launch: unknown transport %q", opts.Transport)
	}
}

func runRank(tr transport.Device, name string, logger *zap.Logger, fn func(c *com.Com) error) error {
	c, err := com.Open(tr, com.Config{
		Name:   name,
		Logger: logger.Sugar(),
	})
	if err != nil {
		_ = tr.Close()
		return err
	}
	if err := fn(c); err != nil {
		_ = c.Close()
		return err
	}
	return c.Close()
}
