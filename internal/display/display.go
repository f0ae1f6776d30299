// Package display drives the local display power in response to presence.
//
// When someone is present the display is woken if its status probe reports
// it as off; when nobody is present its output is powered down. Commands
// run on a single worker goroutine so the event path never blocks on an
// external process.
package display

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nerrad567/gray-logic-loxone/internal/infrastructure/config"
)

// queueSize bounds pending presence changes. Overflowing changes are dropped.
const queueSize = 16

// CommandRunner executes an external command and returns its combined output.
// Satisfied by *process.Runner.
type CommandRunner interface {
	Output(ctx context.Context, argv []string) ([]byte, error)
}

// Logger is the logging surface used by the controller.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stats reports controller activity.
type Stats struct {
	Wakes    uint64
	PowerOff uint64
	Skipped  uint64
	Failures uint64
	Dropped  uint64
}

// Controller reacts to presence changes with display power commands.
type Controller struct {
	cfg    config.DisplayConfig
	runner CommandRunner
	logger Logger

	queue chan bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once

	wakes    atomic.Uint64
	powerOff atomic.Uint64
	skipped  atomic.Uint64
	failures atomic.Uint64
	dropped  atomic.Uint64
}

// NewController creates a display controller. Start must be called before
// presence changes are acted upon.
func NewController(cfg config.DisplayConfig, runner CommandRunner, logger Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		runner: runner,
		logger: logger,
		queue:  make(chan bool, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutine.
func (c *Controller) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

// Stop cancels any running command and waits for the worker to exit.
// Queued changes that have not started are discarded.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
	})
	c.wg.Wait()
}

// PresenceChanged queues a presence change. It never blocks.
func (c *Controller) PresenceChanged(present bool) {
	if c.ctx.Err() != nil {
		return
	}
	select {
	case c.queue <- present:
	default:
		c.dropped.Add(1)
		c.logWarn("display queue full, dropping presence change", "present", present)
	}
}

// Stats returns a snapshot of controller counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Wakes:    c.wakes.Load(),
		PowerOff: c.powerOff.Load(),
		Skipped:  c.skipped.Load(),
		Failures: c.failures.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Controller) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case present := <-c.queue:
			c.apply(present)
		}
	}
}

func (c *Controller) apply(present bool) {
	defer func() {
		if r := recover(); r != nil {
			c.failures.Add(1)
			c.logError("display command panic", fmt.Errorf("%v", r))
		}
	}()

	if present {
		c.wake()
		return
	}
	c.off()
}

// wake probes the display and runs the wake sequence if it reports off.
func (c *Controller) wake() {
	out, err := c.runner.Output(c.ctx, c.cfg.StatusCommand)
	if err != nil {
		c.failures.Add(1)
		c.logError("display status probe failed", err)
		return
	}

	if !bytes.Contains(out, []byte(c.cfg.OffStatus)) {
		c.skipped.Add(1)
		c.logDebug("display already on", "status", string(bytes.TrimSpace(out)))
		return
	}

	for _, argv := range c.cfg.WakeCommands {
		if _, err := c.runner.Output(c.ctx, argv); err != nil {
			c.failures.Add(1)
			c.logError("display wake command failed", err, "command", argv)
			return
		}
	}
	c.wakes.Add(1)
	c.logInfo("display woken for presence")
}

func (c *Controller) off() {
	if _, err := c.runner.Output(c.ctx, c.cfg.OffCommand); err != nil {
		c.failures.Add(1)
		c.logError("display power off failed", err)
		return
	}
	c.powerOff.Add(1)
	c.logInfo("display powered off, no presence")
}

func (c *Controller) logDebug(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Debug(msg, keysAndValues...)
	}
}

func (c *Controller) logInfo(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Info(msg, keysAndValues...)
	}
}

func (c *Controller) logWarn(msg string, keysAndValues ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, keysAndValues...)
	}
}

func (c *Controller) logError(msg string, err error, keysAndValues ...any) {
	if c.logger != nil {
		args := append([]any{"error", err}, keysAndValues...)
		c.logger.Error(msg, args...)
	}
}
