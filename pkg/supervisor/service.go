// Package supervisor implements component I of the boot sequence: it
// forks the workload and any auxiliary services, proxies signals, reaps
// orphans, and drives ordered shutdown. Grounded on the teacher's
// pkg/initial/service package (service.go, supervisor.go), generalized
// from a fixed chrony/sshd pair to an arbitrary set of services
// discovered on disk, each carrying its own restart policy and optional
// flag, and given an explicit Starting/Running/Draining/Done state
// machine.
package supervisor

import (
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

// restartBackoff is the delay before restarting a failed on-failure
// service, matching the teacher's fixed 5s backoff in service.go.
const restartBackoff = 5 * time.Second

// Service is a supervised child process: either the workload (the Main
// field of a Supervisor) or a discovered auxiliary service.
type Service interface {
	Name() string
	Start() error
	WaitStart()
	WaitStop() error
	Stop()
	Optional() bool
	Restartable() bool
	PID() int
}

// svc is the concrete Service used for both the workload and auxiliary
// services; only the restart policy and optionality differ between the
// two uses.
type svc struct {
	name        string
	args        []string
	dir         string
	env         []string
	uid         uint32
	gid         uint32
	groups      []uint32
	optional    bool
	restartable bool
	shutdown    bool
	errC        chan error
	startC      chan struct{}
	cmd         *exec.Cmd
}

// NewService builds a supervised process definition. restartable marks
// services that are relaunched on non-shutdown exit. The flag is honoured
// for every service; the boot orchestrator creates the workload with it
// set to false, since the supervisor treats the workload's exit as a
// shutdown trigger.
func NewService(name string, args []string, dir string, env []string, uid, gid uint32, groups []uint32, optional, restartable bool) Service {
	return &svc{
		name:        name,
		args:        args,
		dir:         dir,
		env:         env,
		uid:         uid,
		gid:         gid,
		groups:      groups,
		optional:    optional,
		restartable: restartable,
		errC:        make(chan error, 1),
		startC:      make(chan struct{}, 1),
	}
}

func (s *svc) Name() string { return s.name }

func (s *svc) Start() error {
	go func() {
		firstTime := true
		for {
			s.setCmd()

			if firstTime {
				slog.Info("Starting process", "service", s.name, "args", s.args)
				firstTime = false
			}

			if err := s.cmd.Start(); err != nil {
				slog.Error("Failed to start process", "service", s.name, "error", err)
				s.errC <- err
				s.startC <- struct{}{}
				return
			}
			s.startC <- struct{}{}

			err := s.cmd.Wait()
			if s.shutdown {
				s.errC <- err
				return
			}
			if !s.restartable {
				s.errC <- err
				return
			}
			if err != nil {
				slog.Error("Service exited, will restart", "service", s.name, "error", err)
			} else {
				slog.Warn("Service exited, will restart", "service", s.name)
			}

			time.Sleep(restartBackoff)
		}
	}()

	return nil
}

func (s *svc) WaitStart() { <-s.startC }

func (s *svc) WaitStop() error { return <-s.errC }

func (s *svc) Stop() { s.shutdown = true }

func (s *svc) Optional() bool { return s.optional }

func (s *svc) Restartable() bool { return s.restartable }

func (s *svc) PID() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

func (s *svc) setCmd() {
	s.cmd = &exec.Cmd{
		Args:   s.args,
		Path:   s.args[0],
		Dir:    s.dir,
		Env:    s.env,
		Stdin:  os.Stdin,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		SysProcAttr: &syscall.SysProcAttr{
			Credential: &syscall.Credential{
				Uid:    s.uid,
				Gid:    s.gid,
				Groups: s.groups,
			},
		},
	}
}

// Discover reads the services directory and returns a Service for each
// entry not named in disabled, wiring stdio to stdout/stderr/stdin the
// way the teacher's services do. Unknown entries are not rejected here;
// spec.md treats the services directory as the sole source of truth for
// what a "service" is, unlike the teacher's fixed chrony/ssh switch.
func Discover(fs afero.Fs, dir string, disabled map[string]bool, build func(name string) (Service, error)) ([]Service, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, err
	}

	var services []Service
	for _, entry := range entries {
		name := entry.Name()
		if disabled[name] {
			slog.Info("Service disabled by user-data", "service", name)
			continue
		}
		service, err := build(name)
		if err != nil {
			slog.Error("Unable to build service", "service", name, "error", err)
			continue
		}
		services = append(services, service)
	}
	return services, nil
}
