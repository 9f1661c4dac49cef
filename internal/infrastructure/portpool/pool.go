// Package portpool gatekeeps allocation of ports from a fixed range for all
// managed-process spawns (spec.md §4.1).
package portpool

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrPoolExhausted is returned by Allocate when every port in range is
// either already allocated or reported busy by the OS.
var ErrPoolExhausted = errors.New("port pool exhausted")

// Pool serializes allocation/release of ports from [start, start+size)
// and probes OS liveness before handing out a candidate.
//
// All mutations happen under a single mutex, and — deliberately, per
// spec.md §4.1 — the OS probe runs inside the critical section so that
// "choose + claim" is race-free against concurrent callers.
type Pool struct {
	log   *zap.Logger
	start int
	size  int

	mu        sync.Mutex
	allocated map[int]struct{}
}

// New constructs a Pool over [start, start+size).
func New(log *zap.Logger, start, size int) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		log:       log.Named("port_pool"),
		start:     start,
		size:      size,
		allocated: make(map[int]struct{}),
	}
}

// Allocate returns the smallest port in range not already allocated and
// reported free by the OS. It atomically marks the port allocated before
// returning.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for port := p.start; port < p.start+p.size; port++ {
		if _, taken := p.allocated[port]; taken {
			continue
		}
		if !p.probeFree(port) {
			continue
		}
		p.allocated[port] = struct{}{}
		p.log.Debug("port allocated", zap.Int("port", port))
		return port, nil
	}

	return 0, ErrPoolExhausted
}

// Release idempotently removes port from the allocated set.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.allocated[port]; ok {
		delete(p.allocated, port)
		p.log.Debug("port released", zap.Int("port", port))
	}
}

// IsAvailable reports whether the OS currently shows no listener on port.
// It does not consult the allocation set.
func (p *Pool) IsAvailable(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeFree(port)
}

// probeFree performs the OS liveness probe. Caller must hold p.mu.
func (p *Pool) probeFree(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// CleanupOrphan attempts to terminate the process group bound to port when
// the OS reports it busy but this pool does not own it. Failure is logged
// and non-fatal — the caller should skip this candidate and try the next.
func (p *Pool) CleanupOrphan(port int) error {
	p.mu.Lock()
	_, owned := p.allocated[port]
	p.mu.Unlock()

	if owned {
		return fmt.Errorf("port %d is owned by this pool, not an orphan", port)
	}

	pid, err := pidListeningOn(port)
	if err != nil {
		return fmt.Errorf("locate orphan on port %d: %w", port, err)
	}
	if pid <= 0 {
		return fmt.Errorf("no process found listening on port %d", port)
	}

	// Best-effort group termination, mirroring the managed-process teardown
	// escalation (SIGTERM, then SIGKILL after a grace period).
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		p.log.Warn("orphan SIGTERM failed", zap.Int("port", port), zap.Int("pid", pid), zap.Error(err))
	}

	time.Sleep(250 * time.Millisecond)
	if p.probeFreeLocked(port) {
		return nil
	}

	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill orphan pid %d on port %d: %w", pid, port, err)
	}
	return nil
}

func (p *Pool) probeFreeLocked(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeFree(port)
}

// pidListeningOn scans /proc to find the pid holding a listening socket on
// port, the same introspection /proc/net/tcp + /proc/*/fd approach `lsof`
// uses. It returns 0 if no owner is found.
func pidListeningOn(port int) (int, error) {
	inode, err := listenInode(port)
	if err != nil {
		return 0, err
	}
	if inode == "" {
		return 0, nil
	}

	procDirs, err := os.ReadDir("/proc")
	if err != nil {
		return 0, fmt.Errorf("read /proc: %w", err)
	}

	needle := "socket:[" + inode + "]"
	for _, d := range procDirs {
		pid, err := strconv.Atoi(d.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", d.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			target, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if target == needle {
				return pid, nil
			}
		}
	}
	return 0, nil
}

// listenInode returns the socket inode bound to port in LISTEN state, read
// from /proc/net/tcp (and /proc/net/tcp6).
func listenInode(port int) (string, error) {
	hexPort := fmt.Sprintf("%04X", port)
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Scan() // header line
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) < 10 {
				continue
			}
			localAddr := fields[1]
			state := fields[3]
			parts := strings.Split(localAddr, ":")
			if len(parts) != 2 || parts[1] != hexPort {
				continue
			}
			const tcpListen = "0A"
			if state != tcpListen {
				continue
			}
			f.Close()
			return fields[9], nil
		}
		f.Close()
	}
	return "", nil
}

// AllocatedCount returns the number of currently allocated ports.
func (p *Pool) AllocatedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
