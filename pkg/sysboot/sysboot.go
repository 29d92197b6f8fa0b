// Package sysboot performs the filesystem-bringup phase of spec.md §4.E:
// mounting required pseudo-filesystems, loading a fixed module list,
// applying a fixed sysctl list, and establishing the easyto-private
// directory tree. Adapted from the teacher's pkg/initial/initial.go
// (mounts/links) and sysctl.go (SetSysctls), generalized to take the
// sysctl list from the merged runtime spec and the module list from a
// file in the image (ReadModuleList) instead of being baked into the
// binary wholesale.
package sysboot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/afero"
	"golang.org/x/sys/unix"
)

type pseudoMount struct {
	source  string
	flags   uintptr
	fsType  string
	mode    os.FileMode
	options []string
	target  string
}

// Mounts performs every pseudo-filesystem mount the teacher's boot
// sequence establishes before any workload or service can run.
func Mounts() error {
	ms := []pseudoMount{
		{source: "devpts", flags: syscall.MS_NOATIME | syscall.MS_NOEXEC | syscall.MS_NOSUID,
			fsType: "devpts", mode: 0755,
			options: []string{"mode=0620", "gid=5", "ptmxmode=666"}, target: "/dev/pts"},
		{source: "mqueue", flags: syscall.MS_NODEV | syscall.MS_NOEXEC | syscall.MS_NOSUID,
			fsType: "mqueue", mode: 0755, target: "/dev/mqueue"},
		{source: "tmpfs", flags: syscall.MS_NODEV | syscall.MS_NOSUID,
			fsType: "tmpfs", mode: 0777 | fs.ModeSticky, target: "/dev/shm"},
		{source: "hugetlbfs", flags: syscall.MS_RELATIME,
			fsType: "hugetlbfs", mode: 0755, target: "/dev/hugepages"},
		{source: "proc", flags: syscall.MS_NODEV | syscall.MS_NOEXEC | syscall.MS_NOSUID | syscall.MS_RELATIME,
			fsType: "proc", mode: 0555, target: "/proc"},
		{source: "sys", flags: syscall.MS_NODEV | syscall.MS_NOEXEC | syscall.MS_NOSUID,
			fsType: "sysfs", mode: 0555, target: "/sys"},
		{source: "tmpfs", flags: syscall.MS_NODEV | syscall.MS_NOSUID,
			fsType: "tmpfs", mode: 0755, options: []string{"mode=0755"}, target: "/run"},
		{mode: 0777 | fs.ModeSticky, target: "/run/lock"},
		{source: "tmpfs", flags: syscall.MS_NODEV | syscall.MS_NOEXEC | syscall.MS_NOSUID,
			fsType: "tmpfs", options: []string{"mode=0755"}, target: "/sys/fs/cgroup"},
		{source: "nodev", fsType: "debugfs", mode: 0500, target: "/sys/kernel/debug"},
	}

	oldUmask := syscall.Umask(0)
	defer syscall.Umask(oldUmask)

	for _, m := range ms {
		slog.Debug("processing pseudo-mount", "target", m.target)
		if _, err := os.Stat(m.target); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("unexpected error checking status of %s: %w", m.target, err)
			}
			if err := os.MkdirAll(m.target, m.mode); err != nil {
				return fmt.Errorf("unable to create directory %s: %w", m.target, err)
			}
		}
		if m.fsType == "" {
			continue
		}
		if err := unix.Mount(m.source, m.target, m.fsType, m.flags, strings.Join(m.options, ",")); err != nil {
			return fmt.Errorf("unable to mount %s on %s: %w", m.source, m.target, err)
		}
	}
	return nil
}

type symlink struct {
	target string
	path   string
}

// Symlinks establishes the /dev/fd, /dev/stdin, /dev/stdout, /dev/stderr
// aliases the teacher's links() function creates.
func Symlinks() error {
	links := []symlink{
		{target: "/proc/self/fd", path: "/dev/fd"},
		{target: "/proc/self/fd/0", path: "/dev/stdin"},
		{target: "/proc/self/fd/1", path: "/dev/stdout"},
		{target: "/proc/self/fd/2", path: "/dev/stderr"},
	}
	for _, l := range links {
		if err := os.Symlink(l.target, l.path); err != nil && !os.IsExist(err) {
			return fmt.Errorf("unable to symlink %s to %s: %w", l.path, l.target, err)
		}
	}
	return nil
}

// ReadModuleList reads the fixed kernel module list from path, one module
// name per line; blank lines and lines starting with "#" are ignored.
func ReadModuleList(fs afero.Fs, path string) ([]string, error) {
	raw, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("unable to read module list %s: %w", path, err)
	}
	var names []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names, nil
}

// LoadModules loads each named kernel module file from dir using
// FinitModule, the fd-based module-loading syscall. Best-effort per
// spec.md §4.E: a module that can't be opened or loaded is logged at
// debug and skipped rather than failing the boot.
func LoadModules(dir string, names []string) {
	for _, name := range names {
		path := filepath.Join(dir, name+".ko")
		f, err := os.Open(path)
		if err != nil {
			slog.Debug("unable to open module", "module", name, "path", path, "error", err)
			continue
		}
		err = unix.FinitModule(int(f.Fd()), "", 0)
		closeErr := f.Close()
		if err != nil && !errors.Is(err, unix.EEXIST) {
			slog.Debug("unable to load module", "module", name, "error", err)
		}
		if closeErr != nil {
			slog.Debug("unable to close module file", "path", path, "error", closeErr)
		}
	}
}

// SetSysctls applies each key/value pair by writing to its /proc/sys path,
// fanning out concurrently as the teacher's SetSysctls does, since sysctl
// writes are independent and there are typically few of them.
func SetSysctls(sysctls map[string]string) error {
	var wg sync.WaitGroup
	errC := make(chan error, len(sysctls))
	for key, value := range sysctls {
		wg.Add(1)
		go func(key, value string) {
			defer wg.Done()
			errC <- sysctl(key, value)
		}(key, value)
	}
	wg.Wait()
	close(errC)

	var errs error
	for err := range errC {
		errs = errors.Join(errs, err)
	}
	return errs
}

func sysctl(key, value string) error {
	path := filepath.Join("/proc/sys", strings.ReplaceAll(key, ".", "/"))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write([]byte(value)); err != nil {
		return fmt.Errorf("unable to write sysctl %s with value %s: %w", key, value, err)
	}
	return nil
}

// EstablishPrivateTree creates the easyto-private run directory, the only
// part of the on-disk layout (spec.md §6) that boot itself must create
// rather than receive pre-populated from the image.
func EstablishPrivateTree(etRun string) error {
	if err := os.MkdirAll(etRun, 0755); err != nil {
		return fmt.Errorf("unable to create %s: %w", etRun, err)
	}
	return nil
}
