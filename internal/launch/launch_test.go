package launch

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/rocketbitz/rma-go/com"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv(EnvTransport, "")
	t.Setenv(EnvSize, "")
	t.Setenv(EnvRank, "")
	t.Setenv(EnvPeers, "")
	t.Setenv(EnvJob, "")
	opts, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if opts.Transport != TransportLoopback || opts.Size != DefaultSize {
		t.Fatalf("defaults = %+v", opts)
	}
}

func TestFromEnvTCP(t *testing.T) {
	job := uuid.New()
	t.Setenv(EnvTransport, TransportTCP)
	t.Setenv(EnvRank, "1")
	t.Setenv(EnvPeers, "127.0.0.1:7000, 127.0.0.1:7001")
	t.Setenv(EnvJob, job.String())
	opts, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if opts.Rank != 1 || len(opts.Peers) != 2 || opts.Peers[1] != "127.0.0.1:7001" || opts.JobID != job {
		t.Fatalf("tcp options = %+v", opts)
	}
}

func TestFromEnvRejects(t *testing.T) {
	cases := map[string][2]string{
		"bad transport": {EnvTransport, "carrier-pigeon"},
		"bad size":      {EnvSize, "0"},
		"bad rank":      {EnvRank, "one"},
		"bad job":       {EnvJob, "not-a-uuid"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(EnvTransport, "")
			t.Setenv(EnvSize, "")
			t.Setenv(EnvRank, "")
			t.Setenv(EnvJob, "")
			t.Setenv(kv[0], kv[1])
			if _, err := FromEnv(); err == nil {
				t.Fatalf("%s=%q accepted", kv[0], kv[1])
			}
		})
	}

	t.Setenv(EnvTransport, TransportTCP)
	t.Setenv(EnvPeers, "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("tcp without peers accepted")
	}
}

func TestRunLoopback(t *testing.T) {
	var ranks atomic.Int32
	err := Run(context.Background(), Options{Transport: TransportLoopback, Size: 3, Logger: zaptest.NewLogger(t)}, func(c *com.Com) error {
		ranks.Add(1)
		return c.Barrier()
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ranks.Load() != 3 {
		t.Fatalf("ran %d ranks, want 3", ranks.Load())
	}
}
