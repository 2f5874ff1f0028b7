// Package lifecycle runs worker agent processes inside pseudo-terminals:
// spawn, output capture, graceful stop with signal escalation, and optional
// auto-restart with health events published to the bus.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/overseer/overseer/internal/common/logger"
	"github.com/overseer/overseer/internal/events/bus"
)

// Health event names carried in agent.health bus events.
const (
	EventSpawn   = "spawn"
	EventCrash   = "crash"
	EventRestart = "restart"
	EventHealth  = "health"
	EventIdle    = "idle"
	EventBusy    = "busy"

	EventTaskStart    = "task_start"
	EventTaskComplete = "task_complete"
	EventTaskFail     = "task_fail"
)

const (
	defaultCols = 200
	defaultRows = 50

	// stopGracePeriod is how long SIGTERM gets before SIGKILL.
	stopGracePeriod = 2 * time.Second
	// restartDelay spaces automatic restarts after a crash.
	restartDelay = 1 * time.Second
	// maxAutoRestarts caps crash-restart loops.
	maxAutoRestarts = 5
)

// RunnerConfig describes the worker process to launch.
type RunnerConfig struct {
	AgentID     int64
	Command     string
	WorkDir     string
	Env         map[string]string
	AutoRestart bool
	Cols        int
	Rows        int
}

// Runner owns one worker process and its PTY.
type Runner struct {
	cfg RunnerConfig
	bus bus.EventBus
	log *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	pty      PTYHandle
	output   *ringBuffer
	running  bool
	stopping bool
	restarts int

	wg sync.WaitGroup
}

// NewRunner creates a runner; Start launches the process.
func NewRunner(cfg RunnerConfig, eventBus bus.EventBus, log *logger.Logger) *Runner {
	if cfg.Cols <= 0 {
		cfg.Cols = defaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = defaultRows
	}
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		cfg:    cfg,
		bus:    eventBus,
		log:    log.Component("agent-runner").ForAgent(cfg.AgentID),
		output: newRingBuffer(0),
	}
}

// Start launches the worker inside a PTY and begins streaming its output.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("agent %d already running", r.cfg.AgentID)
	}
	if err := r.startLocked(ctx); err != nil {
		return err
	}
	r.publishHealth(EventSpawn)
	return nil
}

func (r *Runner) startLocked(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-lc", r.cfg.Command)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range r.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	setProcAttr(cmd)

	handle, err := startPTYWithSize(cmd, r.cfg.Cols, r.cfg.Rows)
	if err != nil {
		return fmt.Errorf("failed to start worker pty: %w", err)
	}

	r.cmd = cmd
	r.pty = handle
	r.running = true
	r.log.Info("worker started", zap.Int("pid", cmd.Process.Pid))

	r.wg.Add(2)
	go r.streamOutput(handle)
	go r.waitForExit(cmd)
	return nil
}

// streamOutput copies PTY output into the bounded buffer until EOF.
func (r *Runner) streamOutput(handle PTYHandle) {
	defer r.wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			r.output.append(outputChunk{Data: string(buf[:n]), Timestamp: time.Now().UTC()})
		}
		if err != nil {
			// PTY read errors (including EIO on process exit) end the stream.
			if err != io.EOF {
				r.log.Debug("pty stream closed", zap.Error(err))
			}
			return
		}
	}
}

// waitForExit reaps the process and drives the crash/restart policy.
func (r *Runner) waitForExit(cmd *exec.Cmd) {
	defer r.wg.Done()
	err := cmd.Wait()

	r.mu.Lock()
	r.running = false
	wasStopping := r.stopping
	if r.pty != nil {
		_ = r.pty.Close()
		r.pty = nil
	}
	r.mu.Unlock()

	if wasStopping {
		r.log.Info("worker exited after stop request")
		return
	}

	r.log.Warn("worker exited unexpectedly", zap.Error(err))
	r.publishHealth(EventCrash)

	if !r.cfg.AutoRestart {
		return
	}
	r.mu.Lock()
	if r.restarts >= maxAutoRestarts {
		r.mu.Unlock()
		r.log.Error("worker restart limit reached", zap.Int("restarts", r.restarts))
		return
	}
	r.restarts++
	r.mu.Unlock()

	time.Sleep(restartDelay)

	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return
	}
	startErr := r.startLocked(context.Background())
	r.mu.Unlock()
	if startErr != nil {
		r.log.Error("worker restart failed", zap.Error(startErr))
		return
	}
	r.publishHealth(EventRestart)
}

// Stop terminates the worker: SIGTERM to the process group, escalating to
// SIGKILL after the grace period.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopping = true
	cmd := r.cmd
	running := r.running
	r.mu.Unlock()

	if !running || cmd == nil || cmd.Process == nil {
		return nil
	}

	pid := cmd.Process.Pid
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		r.log.Debug("sigterm failed, killing", zap.Error(err))
		_ = signalGroup(pid, syscall.SIGKILL)
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		r.log.Warn("worker ignored sigterm, escalating", zap.Int("pid", pid))
		_ = signalGroup(pid, syscall.SIGKILL)
		<-done
	case <-ctx.Done():
		_ = signalGroup(pid, syscall.SIGKILL)
		return ctx.Err()
	}
	r.log.Info("worker stopped")
	return nil
}

// Write sends input to the worker's terminal.
func (r *Runner) Write(data []byte) (int, error) {
	r.mu.Lock()
	handle := r.pty
	r.mu.Unlock()
	if handle == nil {
		return 0, fmt.Errorf("agent %d has no active pty", r.cfg.AgentID)
	}
	return handle.Write(data)
}

// Resize adjusts the worker's terminal dimensions.
func (r *Runner) Resize(cols, rows uint16) error {
	r.mu.Lock()
	handle := r.pty
	r.mu.Unlock()
	if handle == nil {
		return fmt.Errorf("agent %d has no active pty", r.cfg.AgentID)
	}
	return handle.Resize(cols, rows)
}

// Alive reports whether the worker process is running.
func (r *Runner) Alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// PID returns the worker's process id, or 0 when not running.
func (r *Runner) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil && r.cmd.Process != nil && r.running {
		return r.cmd.Process.Pid
	}
	return 0
}

// Restarts returns how many automatic restarts have occurred.
func (r *Runner) Restarts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Output returns the buffered terminal output.
func (r *Runner) Output() []outputChunk {
	return r.output.snapshot()
}

func (r *Runner) publishHealth(event string) {
	if r.bus == nil {
		return
	}
	evt := bus.NewEvent(bus.SubjectAgentHealth, "agent-runner", map[string]any{
		"agent_id": r.cfg.AgentID,
		"event":    event,
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.bus.Publish(ctx, bus.SubjectAgentHealth, evt); err != nil {
		r.log.Debug("failed to publish health event", zap.Error(err))
	}
}
