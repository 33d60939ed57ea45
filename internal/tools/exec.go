package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyCommand = errors.New("tools: empty command")
	ErrNotStarted   = errors.New("tools: process not started")
)

// Probe runs short host commands and captures their output.
type Probe interface {
	Output(ctx context.Context, name string, args ...string) (string, int, error)
}

// ExecProbe runs probes with os/exec.
type ExecProbe struct{}

// Output returns trimmed stdout and the exit code. A missing binary reports
// exit code 127.
func (ExecProbe) Output(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	if err == nil {
		return out, 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, exitErr.ExitCode(), fmt.Errorf("tools: %s: %w stderr=%q", name, err, strings.TrimSpace(stderr.String()))
	}
	code := 1
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		code = 127
	}
	return out, code, err
}

// Process is a launched child the caller owns until Stop.
type Process interface {
	Pid() int
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err reports the exit error once Done is closed.
	Err() error
	// Stop asks the process to terminate and kills it after grace.
	Stop(grace time.Duration) error
}

// Launcher starts long-lived child processes.
type Launcher interface {
	Launch(name string, args ...string) (Process, error)
}

// ExecLauncher launches children with os/exec, sharing the manager's stdio.
type ExecLauncher struct {
	Env []string
}

func (l ExecLauncher) Launch(name string, args ...string) (Process, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrEmptyCommand
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tools: launch %s: %w", name, err)
	}
	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()
	log.Debug().Str("command", name).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("tools.ExecLauncher.Launch")
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu  sync.Mutex
	err error
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *execProcess) Stop(grace time.Duration) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}
	log.Warn().Int("pid", p.Pid()).Dur("grace", grace).Msg("tools.execProcess.Stop kill after grace")
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-p.done
	return nil
}
