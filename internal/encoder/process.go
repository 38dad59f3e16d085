package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hls-ondemand/internal/platform/procgroup"
)

const (
	stderrTailLines = 20
	killTimeout     = 5 * time.Second
)

// process is a Handle backed by an os/exec command running in its own
// process group.
type process struct {
	cmd   *exec.Cmd
	log   *slog.Logger
	grace time.Duration

	done     chan struct{}
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error

	progress atomic.Int64

	mu     sync.Mutex
	err    error
	stderr *ring
}

func startProcess(binary string, args []string, grace time.Duration, log *slog.Logger) (*process, error) {
	cmd := exec.Command(binary, args...)
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}

	p := &process{
		cmd:    cmd,
		log:    log,
		grace:  grace,
		done:   make(chan struct{}),
		stderr: newRing(stderrTailLines),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		parseProgress(stdout, func(d time.Duration) { p.progress.Store(int64(d)) })
		_, _ = io.Copy(io.Discard, stdout)
	}()
	go func() {
		defer readers.Done()
		p.readStderr(stderr)
	}()

	go func() {
		// Wait closes the pipes, so it must only run once both readers hit EOF.
		readers.Wait()
		waitErr := cmd.Wait()
		p.finish(waitErr)
		close(p.done)
	}()

	return p, nil
}

func (p *process) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		p.mu.Lock()
		p.stderr.add(line)
		p.mu.Unlock()
		if strings.Contains(strings.ToLower(line), "error") {
			p.log.Warn("encoder stderr", slog.String("line", line))
		} else {
			p.log.Debug("encoder stderr", slog.String("line", line))
		}
	}
}

func (p *process) finish(waitErr error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.stopped.Load():
		p.err = ErrStopped
	case waitErr == nil:
		p.err = nil
	default:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.err = &ExitError{Code: code, Stderr: p.stderr.snapshot()}
	}
}

func (p *process) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		p.stopped.Store(true)
		forced, err := procgroup.Terminate(p.cmd, p.done, p.grace, killTimeout)
		if forced {
			p.log.Warn("encoder ignored SIGTERM, killed", slog.Int("pid", p.Pid()))
		}
		if err != nil {
			p.log.Error("encoder stop failed", slog.Int("pid", p.Pid()), slog.String("error", err.Error()))
			p.stopErr = err
		}
	})
	if p.stopErr != nil {
		return p.stopErr
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *process) Progress() time.Duration {
	return time.Duration(p.progress.Load())
}

// StderrTail returns the last lines the encoder wrote to stderr.
func (p *process) StderrTail() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.snapshot()
}
