package gitannex

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// BatchSession keeps one long-lived `git annex ... --batch` subprocess open
// across many requests, avoiding per-file process startup. One session is
// owned by one Annexificator and closed on finalize.
type BatchSession struct {
	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	out   *bufio.Reader

	closed bool
}

// StartBatch launches `git annex <args> --batch` in the repository.
func (r *Repo) StartBatch(ctx context.Context, args ...string) (*BatchSession, error) {
	full := append([]string{"annex"}, args...)
	full = append(full, "--batch")

	cmd := exec.CommandContext(ctx, "git", full...)
	cmd.Dir = r.path

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("batch stdin: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("batch stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting git annex %s --batch: %w", strings.Join(args, " "), err)
	}

	log.Debug().Str("repo", r.path).Strs("args", args).Msg("started annex batch session")

	return &BatchSession{
		cmd:   cmd,
		stdin: stdin,
		out:   bufio.NewReader(stdout),
	}, nil
}

// Query writes one request line and reads the single response line the
// batch protocol frames it with.
func (s *BatchSession) Query(line string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("batch session is closed")
	}

	if _, err := io.WriteString(s.stdin, line+"\n"); err != nil {
		return "", fmt.Errorf("batch write: %w", err)
	}

	resp, err := s.out.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("batch read: %w", err)
	}

	return strings.TrimRight(resp, "\n"), nil
}

// Close flushes the session and waits for the subprocess to exit.
func (s *BatchSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.stdin.Close(); err != nil {
		return fmt.Errorf("closing batch stdin: %w", err)
	}

	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("batch session exit: %w", err)
	}

	return nil
}
