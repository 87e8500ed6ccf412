package tcp

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rocketbitz/rma-go/transport"
)

// DefaultDialTimeout bounds mesh establishment when Config.DialTimeout is
// unset.
const DefaultDialTimeout = 30 * time.Second

// Config controls Open.
type Config struct {
	// Rank is this process's index into Peers.
	Rank int
	// Peers lists the host:port every rank listens on, in rank order.
	Peers []string
	// JobID must match across ranks. The zero value derives an id from
	// Peers, so ranks launched with the same peer list agree.
	JobID uuid.UUID
	// DialTimeout bounds mesh establishment.
	DialTimeout time.Duration
	// Listener, when set, is used instead of listening on Peers[Rank].
	Listener net.Listener
	// AttachLimit refuses registrations once a window holds that many
	// regions. Zero means unlimited.
	AttachLimit int
	Logger      *zap.Logger
}

func (c *Config) applyDefaults() error {
	if len(c.Peers) == 0 {
		return fmt.Errorf("tcp: no peers configured: %w", transport.ErrArg)
	}
	if c.Rank < 0 || c.Rank >= len(c.Peers) {
		return fmt.Errorf("tcp: rank %d outside %d peers: %w", c.Rank, len(c.Peers), transport.ErrRank)
	}
	if c.JobID == uuid.Nil {
		c.JobID = uuid.NewSHA1(uuid.NameSpaceURL, []byte("rma://"+strings.Join(c.Peers, ",")))
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// ParsePeers splits a comma separated peer list.
func ParsePeers(list string) []string {
	var peers []string
	for _, p := range strings.Split(list, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
