package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/bootcore/bootcore/pkg/bootstrap"
	"github.com/bootcore/bootcore/pkg/imds"
)

const (
	// SIGPWRBTN is the signal sent by the ACPI tiny power button kernel
	// driver; it is assumed the kernel is compiled to use it.
	SIGPWRBTN = syscall.Signal(0x26)

	// PF_KTHREAD is the kernel-thread flag bit, from include/linux/sched.h.
	PF_KTHREAD = 0x00200000

	// spotPollInterval is the cadence for polling IMDS for a spot
	// termination notice.
	spotPollInterval = 5 * time.Second
)

// State is a position in the supervisor's Starting/Running/Draining/Done
// state machine.
type State int

const (
	Starting State = iota
	Running
	Draining
	Done
)

func (s State) String() string {
	switch s {
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Done:
		return "Done"
	default:
		return "Unknown"
	}
}

// Supervisor owns the workload process and every auxiliary service,
// and drives the Starting→Running→Draining→Done state machine spec.md
// §4.I describes. Grounded on the teacher's Supervisor in
// pkg/initial/service/supervisor.go, extended with an explicit state
// field, a pid→service lookup for targeted reaping, and an optional
// spot-termination monitor.
type Supervisor struct {
	Main           Service
	Services       []Service
	ReadonlyRootFS bool
	GracePeriod    time.Duration
	RootDir        string

	mu    sync.Mutex
	state State
	pidSv map[int]Service
}

// Start forks every auxiliary service, then the workload, transitioning
// Starting→Running once all direct children have been forked. An error
// returned by an optional service's Start is logged and skipped; from any
// other service it is fatal. The concrete service type returned by
// NewService reports a fork failure asynchronously instead (it logs it and
// its Start returns nil), so such a service is left untracked and the boot
// continues. A workload fork failure is returned as an error.
func (s *Supervisor) Start() error {
	s.setState(Starting)
	s.pidSv = make(map[int]Service)

	for _, service := range s.Services {
		if err := service.Start(); err != nil {
			if service.Optional() {
				slog.Warn("Optional service failed to start", "service", service.Name(), "error", err)
				continue
			}
			return &bootstrap.SupervisorError{Step: "start service " + service.Name(), Err: err}
		}
		service.WaitStart()
		s.track(service)
	}

	if s.ReadonlyRootFS {
		if err := unix.Mount("", "/", "", syscall.MS_REMOUNT|syscall.MS_RDONLY, ""); err != nil {
			return &bootstrap.SupervisorError{Step: "remount root read-only", Err: err}
		}
	}

	if err := s.Main.Start(); err != nil {
		return &bootstrap.SupervisorError{Step: "start workload", Err: err}
	}
	s.Main.WaitStart()
	if s.Main.PID() == 0 {
		return &bootstrap.SupervisorError{Step: "start workload", Err: s.Main.WaitStop()}
	}
	s.track(s.Main)

	s.setState(Running)
	return nil
}

func (s *Supervisor) track(service Service) {
	pid := service.PID()
	if pid == 0 {
		return
	}
	s.mu.Lock()
	s.pidSv[pid] = service
	s.mu.Unlock()
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the supervisor's current position in the state machine.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WatchSpotTermination polls IMDS for a spot termination notice every
// 5 seconds and triggers a graceful shutdown when one appears. Grounded
// on original_source/src/spot.rs's monitor_loop, translated from a
// channel-signaled background thread to a goroutine that calls trigger
// directly; stops polling once ctx is cancelled.
func WatchSpotTermination(ctx context.Context, client *imds.Client, trigger func()) {
	ticker := time.NewTicker(spotPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			action, actionTime, scheduled, err := client.SpotTermination(ctx)
			if err != nil {
				slog.Warn("Failed to check spot termination status", "error", err)
				continue
			}
			if scheduled {
				slog.Info("Spot termination notice received", "action", action, "time", actionTime)
				trigger()
				return
			}
		}
	}
}

// Stop sends SIGTERM to every userspace process other than PID 1 (see
// pids).
func (s *Supervisor) Stop() {
	s.signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to every userspace process other than PID 1 (see
// pids).
func (s *Supervisor) Kill() {
	s.signal(syscall.SIGKILL)
}

func (s *Supervisor) signal(sig syscall.Signal) {
	// Mark services as shutting down first so their supervising
	// goroutines don't restart them once they see the signal land.
	for _, service := range s.Services {
		service.Stop()
	}
	s.Main.Stop()

	for _, pid := range s.pids() {
		if pid == 1 {
			continue
		}
		unix.Kill(pid, sig)
	}
}

// Wait reaps every descendant until none remain, or until the grace
// period elapses after shutdown begins, in which case the remaining
// processes are sent SIGKILL. The workload's exit, SIGPWRBTN, SIGTERM and
// SIGINT each start shutdown. It returns once the state machine reaches
// Done.
func (s *Supervisor) Wait() {
	poweroffC := make(chan os.Signal, 1)
	signal.Notify(poweroffC, SIGPWRBTN, syscall.SIGTERM, syscall.SIGINT)

	doneC := make(chan struct{}, 1)

	forever := time.Duration(1<<63 - 1)
	timeout := time.NewTimer(forever)

	var shutdownOnce sync.Once
	shutdownAll := func() {
		shutdownOnce.Do(func() {
			slog.Info("Shutting down all processes")
			s.setState(Draining)
			timeout.Reset(s.GracePeriod)
			s.Stop()
		})
	}

	go func() {
		err := s.Main.WaitStop()
		if err != nil && !errors.Is(err, syscall.ECHILD) {
			slog.Error("Workload exited", "error", err)
		} else {
			slog.Info("Workload exited")
		}
		shutdownAll()
	}()

	go func() {
		for {
			pid, err := syscall.Wait4(-1, nil, 0, nil)
			if err != nil {
				if errors.Is(err, syscall.ECHILD) {
					break
				}
				continue
			}
			s.reap(pid)
		}
		doneC <- struct{}{}
	}()

	stopped := false
	for !stopped {
		select {
		case <-poweroffC:
			slog.Info("Got shutdown signal")
			go shutdownAll()
		case <-doneC:
			slog.Info("All processes have exited")
			stopped = true
		case <-timeout.C:
			slog.Warn("Timeout waiting for graceful shutdown")
			s.Kill()
			stopped = true
		}
	}

	s.setState(Done)
}

// reap removes pid from the pid→service map and logs the event at debug
// level, naming the service when the pid was tracked. Unknown reaped pids (orphans reparented to PID 1) are silently
// discarded, per spec.md §4.I's orphan-reaping invariant.
func (s *Supervisor) reap(pid int) {
	s.mu.Lock()
	service, known := s.pidSv[pid]
	delete(s.pidSv, pid)
	s.mu.Unlock()

	if known {
		slog.Debug("Reaped tracked process", "pid", pid, "service", service.Name())
	} else {
		slog.Debug("Reaped orphan", "pid", pid)
	}
}

// Unmount unwinds every mount point in the supplied order. The boot
// orchestrator passes vmspec.Volumes.MountPoints, which is reverse-sorted
// by path so nested mounts come before their parents; that is not
// necessarily the reverse of the order the volumes were mounted in. A
// failure is logged but does not stop the remaining unmounts.
func Unmount(mountPoints []string) {
	for _, mp := range mountPoints {
		if err := unix.Unmount(mp, 0); err != nil {
			slog.Error("Unable to unmount", "path", mp, "error", &bootstrap.ShutdownError{Step: "unmount", Err: err})
		}
	}
}

// Reboot invokes the kernel reboot syscall. poweroff selects
// RB_POWER_OFF over RB_AUTOBOOT. It does not return on success.
func Reboot(poweroff bool) error {
	cmd := unix.LINUX_REBOOT_CMD_RESTART
	if poweroff {
		cmd = unix.LINUX_REBOOT_CMD_POWER_OFF
	}
	return unix.Reboot(cmd)
}

// pids returns the userspace pids currently known to /proc, filtering
// out kernel threads. If /proc cannot be read, it falls back to the pids
// of services known to the supervisor so a best-effort shutdown can
// still proceed.
func (s *Supervisor) pids() []int {
	procDir := "/proc"
	if s.RootDir != "" {
		procDir = filepath.Join(s.RootDir, "proc")
	}

	var pids []int
	entries, err := os.ReadDir(procDir)
	if err != nil {
		slog.Error("Unable to read directory", "directory", procDir, "error", err)
		return s.trackedPIDs()
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		statFile := filepath.Join(procDir, entry.Name(), "stat")
		kt, err := isKernelThread(statFile)
		if err != nil {
			slog.Error("Unable to filter kernel thread", "pid", pid, "error", err)
			return s.trackedPIDs()
		}
		if !kt {
			pids = append(pids, pid)
		}
	}
	return pids
}

func (s *Supervisor) trackedPIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pids := make([]int, 0, len(s.pidSv))
	for pid := range s.pidSv {
		pids = append(pids, pid)
	}
	return pids
}

func isKernelThread(statFile string) (bool, error) {
	const (
		flagsField  = 8
		nStatFields = 52
	)
	st, err := os.ReadFile(statFile)
	if err != nil {
		return false, fmt.Errorf("unable to read %s: %w", statFile, err)
	}
	fields := strings.Fields(string(st))
	if len(fields) != nStatFields {
		return false, fmt.Errorf("expected %d fields in %s, got %d", nStatFields, statFile, len(fields))
	}
	flags, err := strconv.Atoi(fields[flagsField])
	if err != nil {
		return false, fmt.Errorf("unable to parse %s: %w", statFile, err)
	}
	return flags&PF_KTHREAD != 0, nil
}
