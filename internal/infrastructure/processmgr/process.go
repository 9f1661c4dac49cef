//go:build linux

// Package processmgr implements the Managed Process (spec.md §4.3): a
// runtime handle owning exactly one live OpenCode child process.
package processmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// State mirrors the Managed Process state machine (spec.md §4.3):
// Starting -(ready)-> Running -(stop requested)-> Stopping -> Stopped.
// Error is written by the Manager, never by Process itself.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// ErrSpawn wraps any failure to start the child.
var ErrSpawn = errors.New("spawn failed")

// Process owns exactly one child OpenCode process configured to listen on
// Port for ProjectPath. It is created only by the Instance Manager and is
// never shared across instance ids.
//
// Lifecycle mirrors the teacher's process.go: race-free pipe setup, a
// continuous pipe-drain supervisor with a grace window to distinguish
// orderly exit from a stall, and deterministic SIGTERM→grace→SIGKILL
// teardown against the whole process group. Readiness here is driven by
// polling the child's health endpoint (spec.md §6) rather than a stdout
// marker line, since OpenCode's own startup banner is not a readiness
// contract this orchestrator can depend on.
type Process struct {
	log    *zap.Logger
	logBuf *logBuffer

	id          string
	port        int
	projectPath string
	healthURL   string

	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	state atomic.Value // State

	ready     chan struct{}
	readyOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once

	started atomic.Bool
	pid     atomic.Int64

	mu sync.Mutex
}

// Spawn starts the child configured to listen on port for projectPath. On
// failure, no port is released — that remains the caller's duty (spec.md
// §4.3).
func Spawn(log *zap.Logger, id string, argv, env []string, port int, projectPath string, healthPath string, logBuf *logBuffer) (*Process, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty argv", ErrSpawn)
	}
	if logBuf == nil {
		logBuf = new(logBuffer)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	stdout, stderr, err := outPipes(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}

	p := &Process{
		log:         log.Named("process").With(zap.String("instance_id", id)),
		logBuf:      logBuf,
		id:          id,
		port:        port,
		projectPath: projectPath,
		healthURL:   fmt.Sprintf("http://127.0.0.1:%d%s", port, healthPath),
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.state.Store(StateStarting)

	if err := p.start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	return p, nil
}

func (p *Process) start() error {
	var startErr error
	p.startOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if err := p.cmd.Start(); err != nil {
			startErr = err
			return
		}

		pid := p.cmd.Process.Pid
		p.started.Store(true)
		p.pid.Store(int64(pid))
		p.log.Info("process started", zap.Int("pid", pid), zap.Int("port", p.port))
		go p.supervise()
	})
	return startErr
}

// WaitForReady polls the child's health endpoint at a short cadence until
// it succeeds, the child exits, or timeout elapses (spec.md §4.3).
func (p *Process) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const pollInterval = 200 * time.Millisecond

	client := &http.Client{Timeout: pollInterval}

	for {
		select {
		case <-p.done:
			return fmt.Errorf("process exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.probeHealth(client) {
			p.readyOnce.Do(func() { close(p.ready) })
			p.state.Store(StateRunning)
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for readiness on port %d", p.port)
		}

		select {
		case <-time.After(pollInterval):
		case <-p.done:
			return fmt.Errorf("process exited before becoming ready")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Process) probeHealth(client *http.Client) bool {
	resp, err := client.Get(p.healthURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// HealthStatus is the outcome of a single HealthCheck probe.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Unhealthy HealthStatus = "unhealthy"
	Unknown   HealthStatus = "unknown"
)

// HealthCheck performs a single probe (spec.md §4.3).
func (p *Process) HealthCheck(ctx context.Context) HealthStatus {
	select {
	case <-p.done:
		return Unhealthy
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return Unknown
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Unknown
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Healthy
	}
	return Unhealthy
}

// CheckForCrash reports, non-blocking, whether the OS-level child has
// terminated (spec.md §4.3).
func (p *Process) CheckForCrash() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop sends a terminate signal, waits up to gracefulTimeout, then forces
// termination; it returns only after the child is gone (spec.md §4.3).
func (p *Process) Stop(gracefulTimeout time.Duration) {
	p.state.Store(StateStopping)
	p.close(gracefulTimeout)
	<-p.done
	p.state.Store(StateStopped)
}

func (p *Process) supervise() {
	pipeDone := make(chan string, 2)

	go func() { p.drain(p.stdout, "stdout"); pipeDone <- "stdout" }()
	go func() { p.drain(p.stderr, "stderr"); pipeDone <- "stderr" }()

	first := <-pipeDone
	p.log.Debug("first pipe ended", zap.String("pipe", first))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	select {
	case second := <-pipeDone:
		p.log.Debug("second pipe ended", zap.String("pipe", second))
		go func() {
			select {
			case <-p.done:
				return
			case <-time.After(250 * time.Millisecond):
				p.close(3 * time.Second)
			}
		}()
	case <-ctx.Done():
		p.log.Warn("second pipe did not close in grace interval; issuing shutdown")
		p.close(3 * time.Second)
		second := <-pipeDone
		p.log.Debug("second pipe ended", zap.String("pipe", second))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.cmd.Wait(); err != nil {
		var eerr *exec.ExitError
		if errors.As(err, &eerr) {
			status := eerr.ProcessState.Sys().(syscall.WaitStatus)
			p.log.Info("process exited with error status",
				zap.Int("exit_code", status.ExitStatus()),
				zap.Bool("signaled", status.Signaled()))
		} else {
			p.log.Error("failed to wait for process", zap.Error(err))
		}
	} else {
		p.log.Info("process exited cleanly")
	}

	close(p.done)
}

func (p *Process) drain(r io.ReadCloser, name string) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		p.logBuf.Append(sc.Text())
	}
	if err := sc.Err(); err != nil {
		p.log.Error(name+" scanner failure", zap.Error(err))
	}
}

// close is the shared SIGTERM→grace→SIGKILL escalation used by both an
// explicit Stop() and the supervisor's own stall detection.
func (p *Process) close(grace time.Duration) {
	p.closeOnce.Do(func() {
		go func() {
			if !p.started.Load() {
				return
			}
			select {
			case <-p.done:
				return
			default:
			}

			pid := int(p.pid.Load())
			if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
				p.log.Warn("SIGTERM failed", zap.Error(err), zap.Int("pid", pid))
			}

			timer := time.NewTimer(grace)
			defer timer.Stop()

			select {
			case <-p.done:
				return
			case <-timer.C:
				p.log.Warn("grace timeout expired; sending SIGKILL", zap.Int("pid", pid))
				if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
					p.log.Error("SIGKILL failed", zap.Error(err), zap.Int("pid", pid))
				}
			}
		}()
	})
}

// Logs returns the last n captured stdout/stderr lines, newest first.
func (p *Process) Logs(n int) []string { return p.logBuf.Read(n) }

func (p *Process) ID() string          { return p.id }
func (p *Process) Port() int           { return p.port }
func (p *Process) ProjectPath() string { return p.projectPath }
func (p *Process) Pid() int            { return int(p.pid.Load()) }
func (p *Process) State() State        { return p.state.Load().(State) }
func (p *Process) Done() <-chan struct{} { return p.done }

// outPipes prepares stdout/stderr for exec.Cmd, closing any pipe opened
// before an error so no file descriptors leak.
func outPipes(cmd *exec.Cmd) (io.ReadCloser, io.ReadCloser, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}
	return stdout, stderr, nil
}
