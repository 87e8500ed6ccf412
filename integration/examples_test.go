//go:build integration

package integration

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ExampleSuite struct {
	suite.Suite
	repoRoot string
}

func (s *ExampleSuite) SetupSuite() {
	if os.Getenv("RMA_TEST_EXAMPLES") == "" {
		s.T().Skip("set RMA_TEST_EXAMPLES=1 to run example integration tests")
	}
	root, err := detectRepoRoot()
	require.NoError(s.T(), err, "locate repository root")
	s.repoRoot = root
}

func (s *ExampleSuite) TestRingWriteLoopback() {
	output := s.runExample("examples/ring_write", []string{"RMA_TRANSPORT=loopback", "RMA_SIZE=4"})
	for _, line := range []string{"rank 0 read 400", "rank 1 read 100", "rank 2 read 200", "rank 3 read 300"} {
		s.Contains(output, line)
	}
}

func (s *ExampleSuite) TestCASCounterLoopback() {
	output := s.runExample("examples/cas_counter", []string{"RMA_TRANSPORT=loopback", "RMA_SIZE=3", "RMA_ROUNDS=4"})
	s.Contains(output, "cas_counter completed")
	s.Equal(4, strings.Count(output, " won by rank "))
}

func (s *ExampleSuite) TestRingWriteTCP() {
	peers := make([]string, 3)
	for i := range peers {
		peers[i] = "127.0.0.1:" + strconv.Itoa(pickPort(s.T()))
	}
	binary := filepath.Join(s.T().TempDir(), "ring_write")
	build := exec.Command("go", "build", "-o", binary, "./examples/ring_write")
	build.Dir = s.repoRoot
	out, err := build.CombinedOutput()
	require.NoErrorf(s.T(), err, "build ring_write:\n%s", string(out))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	outputs := make([][]byte, len(peers))
	errs := make([]error, len(peers))
	var wg sync.WaitGroup
	for rank := range peers {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			cmd := exec.CommandContext(ctx, binary)
			cmd.Env = append(os.Environ(),
				"RMA_TRANSPORT=tcp",
				"RMA_RANK="+strconv.Itoa(rank),
				"RMA_PEERS="+strings.Join(peers, ","),
			)
			outputs[rank], errs[rank] = cmd.CombinedOutput()
		}(rank)
	}
	wg.Wait()
	for rank := range peers {
		require.NoErrorf(s.T(), errs[rank], "rank %d:\n%s", rank, string(outputs[rank]))
	}
	s.Contains(string(outputs[0]), "rank 0 read 300")
	s.Contains(string(outputs[1]), "rank 1 read 100")
	s.Contains(string(outputs[2]), "rank 2 read 200")
}

func (s *ExampleSuite) runExample(relPath string, extraEnv []string) string {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./"+relPath)
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.Dir = s.repoRoot

	output, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		s.FailNowf("example timeout", "example %s timed out:\n%s", relPath, string(output))
	}
	require.NoErrorf(s.T(), err, "example %s failed:\n%s", relPath, string(output))
	return string(output)
}

func detectRepoRoot() (string, error) {
	root, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(root, "go.mod")); err == nil {
			return root, nil
		}
		next := filepath.Dir(root)
		if next == root {
			return "", fmt.Errorf("could not locate repository root containing go.mod")
		}
		root = next
	}
}

func pickPort(t *testing.T) int {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "reserve port")
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestExamples(t *testing.T) {
	suite.Run(t, new(ExampleSuite))
}
