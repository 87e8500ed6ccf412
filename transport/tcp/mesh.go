package tcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/transport"
)

const dialRetryInterval = 50 * time.Millisecond

type link struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	err  error
	// skip counts accepts abandoned after err.
	skip int
}

// Open joins the mesh described by cfg and returns this rank's endpoint once
// every peer is connected. Lower ranks accept connections from higher ranks.
func Open(ctx context.Context, cfg Config) (*Endpoint, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	size := len(cfg.Peers)
	log := cfg.Logger.With(zap.Int("rank", cfg.Rank), zap.String("job", cfg.JobID.String()))

	ln := cfg.Listener
	if ln == nil && cfg.Rank < size-1 {
		var err error
		if ln, err = net.Listen("tcp", cfg.Peers[cfg.Rank]); err != nil {
			return nil, fmt.Errorf("tcp: listen %s: %w", cfg.Peers[cfg.Rank], err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	links := make(chan link, size)
	expectAccepts := size - 1 - cfg.Rank
	acceptDone := make(chan struct{})
	if ln != nil {
		go func() {
			defer close(acceptDone)
			for i := 0; i < expectAccepts; i++ {
				conn, err := ln.Accept()
				if err != nil {
					links <- link{rank: -1, err: err, skip: expectAccepts - i - 1}
					return
				}
				rank, r, err := handshake(conn, &cfg, size, -1)
				if err != nil {
					_ = conn.Close()
					links <- link{rank: -1, err: err, skip: expectAccepts - i - 1}
					return
				}
				links <- link{rank: rank, conn: conn, r: r}
			}
		}()
		go func() {
			select {
			case <-ctx.Done():
				_ = ln.Close()
			case <-acceptDone:
			}
		}()
	} else {
		close(acceptDone)
	}

	for target := 0; target < cfg.Rank; target++ {
		go func(target int) {
			conn, err := dialRetry(ctx, cfg.Peers[target])
			if err != nil {
				links <- link{rank: target, err: err}
				return
			}
			_, r, err := handshake(conn, &cfg, size, target)
			if err != nil {
				_ = conn.Close()
				links <- link{rank: target, err: err}
				return
			}
			links <- link{rank: target, conn: conn, r: r}
		}(target)
	}

	conns := make([]link, size)
	var errs error
	for got := 0; got < size-1; got++ {
		l := <-links
		if l.err != nil {
			errs = multierr.Append(errs, l.err)
			cancel()
			got += l.skip
			continue
		}
		if conns[l.rank].conn != nil {
			_ = l.conn.Close()
			errs = multierr.Append(errs, fmt.Errorf("tcp: duplicate connection from rank %d: %w", l.rank, transport.ErrProto))
			continue
		}
		conns[l.rank] = l
	}
	if ln != nil {
		<-acceptDone
		_ = ln.Close()
	}
	if errs != nil {
		for _, l := range conns {
			if l.conn != nil {
				_ = l.conn.Close()
			}
		}
		return nil, fmt.Errorf("tcp: establish mesh: %w", errs)
	}

	e := newEndpoint(cfg, log)
	for rank, l := range conns {
		if l.conn == nil {
			continue
		}
		e.peers[rank] = newPeer(rank, l.conn, l.r, log)
	}
	e.start()
	log.Debug("mesh established", zap.Int("size", size))
	return e, nil
}

func dialRetry(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("tcp: dial %s: %w", addr, errors.Join(ctx.Err(), err))
		case <-time.After(dialRetryInterval):
		}
	}
}

// handshake exchanges hello frames. The dialing side passes the rank it
// expects to reach; the accepting side passes -1 and learns the rank.
func handshake(conn net.Conn, cfg *Config, size, expect int) (int, *bufio.Reader, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.DialTimeout))
	defer conn.SetDeadline(time.Time{})

	job := cfg.JobID[:]
	hello := &frame{kind: kindHello, rank: cfg.Rank, length: uint64(size), job: job}
	r := bufio.NewReader(conn)

	if expect >= 0 {
		if err := writeFrame(conn, hello); err != nil {
			return -1, nil, err
		}
	}
	f, err := readFrame(r)
	if err != nil {
		return -1, nil, err
	}
	if f.kind != kindHello {
		return -1, nil, fmt.Errorf("tcp: expected hello, got %s: %w", f.kind, transport.ErrProto)
	}
	if !bytes.Equal(f.job, job) {
		return -1, nil, fmt.Errorf("tcp: peer rank %d belongs to another job: %w", f.rank, transport.ErrProto)
	}
	if f.length != uint64(size) {
		return -1, nil, fmt.Errorf("tcp: peer rank %d reports size %d, want %d: %w", f.rank, f.length, size, transport.ErrProto)
	}
	if expect >= 0 {
		if f.rank != expect {
			return -1, nil, fmt.Errorf("tcp: dialed rank %d, reached %d: %w", expect, f.rank, transport.ErrRank)
		}
		return f.rank, r, nil
	}
	if f.rank <= cfg.Rank || f.rank >= size {
		return -1, nil, fmt.Errorf("tcp: unexpected connection from rank %d: %w", f.rank, transport.ErrRank)
	}
	if err := writeFrame(conn, hello); err != nil {
		return -1, nil, err
	}
	return f.rank, r, nil
}
