package sidecar

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webpilot/webpilot/log"
)

// closeGrace bounds how long a quitting engine gets before it is
// killed outright.
const closeGrace = 3 * time.Second

// Process owns one spawned engine child and the Client speaking to it.
type Process struct {
	cmd    *exec.Cmd
	client *Client
	logger *log.Logger
	grace  time.Duration

	gracefullyClosing atomic.Bool

	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

// ProcessOption configures Start.
type ProcessOption func(*processConfig)

type processConfig struct {
	env        []string
	grace      time.Duration
	clientOpts []Option
}

// WithEnv appends environment variables for the engine child.
func WithEnv(env ...string) ProcessOption {
	return func(cfg *processConfig) { cfg.env = append(cfg.env, env...) }
}

// WithCloseGrace overrides how long Close waits for a voluntary exit.
func WithCloseGrace(d time.Duration) ProcessOption {
	return func(cfg *processConfig) { cfg.grace = d }
}

// WithClientOptions passes options through to the spawned Client.
func WithClientOptions(opts ...Option) ProcessOption {
	return func(cfg *processConfig) { cfg.clientOpts = append(cfg.clientOpts, opts...) }
}

// Start spawns the engine command, wires its stdio into a Client and
// watches for the process ending. The engine's stderr passes through
// to ours so its own log lines stay visible.
func Start(ctx context.Context, command []string, logger *log.Logger, opts ...ProcessOption) (*Process, error) {
	if logger == nil {
		logger = log.NewNullLogger()
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("cannot start engine: no command configured")
	}
	cfg := processConfig{grace: closeGrace}
	for _, opt := range opts {
		opt(&cfg)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if len(cfg.env) > 0 {
		cmd.Env = append(os.Environ(), cfg.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot open engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot open engine stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	// We must start the cmd before calling cmd.Wait, as otherwise the
	// two can run into a data race.
	err = cmd.Start()
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("file does not exist: %s", command[0])
	}
	if err != nil {
		return nil, fmt.Errorf("cannot start engine: %w", err)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%w", ctx.Err())
	}

	register(logger, cmd.Process.Pid)

	p := &Process{
		cmd:    cmd,
		logger: logger,
		grace:  cfg.grace,
		done:   make(chan struct{}),
	}
	p.client = NewClient(stdin, stdout, logger, cfg.clientOpts...)

	go func() {
		err := cmd.Wait()
		p.waitErr = err
		if err != nil && !p.gracefullyClosing.Load() {
			logger.Errorf("sidecar",
				"engine process with PID %d unexpectedly ended: %v",
				cmd.Process.Pid, err)
		}
		p.client.shutdown(fmt.Errorf("engine process exited"))
		close(p.done)
	}()

	logger.Debugf("Sidecar:Start", "engine started pid:%d command:%s", cmd.Process.Pid, command[0])
	return p, nil
}

// Client returns the JSON-RPC client bound to this process.
func (p *Process) Client() *Client {
	return p.client
}

// Pid returns the engine's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the engine process has ended.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the engine process ends and returns its exit
// error, if any.
func (p *Process) Wait() error {
	<-p.done
	return p.waitErr
}

// Close asks the engine to quit and kills it when it does not leave
// within the grace period.
func (p *Process) Close() {
	p.closeOnce.Do(func() {
		p.gracefullyClosing.Store(true)
		p.logger.Debugf("Sidecar:Close", "asking engine with PID %d to quit", p.Pid())
		if err := p.client.Notify("quit", nil); err != nil {
			p.logger.Debugf("Sidecar:Close", "cannot send quit: %v", err)
		}
		select {
		case <-p.done:
		case <-time.After(p.grace):
			p.logger.Warnf("Sidecar:Close", "engine with PID %d did not quit, killing it", p.Pid())
			if err := p.cmd.Process.Kill(); err != nil {
				p.logger.Errorf("Sidecar:Close", "cannot kill engine with PID %d: %v", p.Pid(), err)
			}
			<-p.done
		}
	})
}
