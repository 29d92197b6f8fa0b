// Package boot is the entry orchestrator, component J of spec.md §4.J. It
// sequences components A through I in the order spec.md §4 prescribes and
// maps every failure into the error taxonomy of spec.md §7. Grounded on
// the teacher's pkg/initial/initial.go Run function, restructured around
// the generalized packages (imds, cloudapi, netboot, sysboot, volumes,
// envresolve, initscript, supervisor) that replace its inlined logic.
package boot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/afero"

	"github.com/bootcore/bootcore/pkg/bootstrap"
	"github.com/bootcore/bootcore/pkg/cloudapi"
	"github.com/bootcore/bootcore/pkg/constants"
	"github.com/bootcore/bootcore/pkg/envresolve"
	"github.com/bootcore/bootcore/pkg/imds"
	"github.com/bootcore/bootcore/pkg/initscript"
	"github.com/bootcore/bootcore/pkg/login"
	"github.com/bootcore/bootcore/pkg/netboot"
	"github.com/bootcore/bootcore/pkg/supervisor"
	"github.com/bootcore/bootcore/pkg/sysboot"
	"github.com/bootcore/bootcore/pkg/vmspec"
	"github.com/bootcore/bootcore/pkg/volumes"
)

// dhcpTimeout bounds how long the network phase waits for a lease before
// giving up, per spec.md §4.D.
const dhcpTimeout = 30 * time.Second

// Run executes the full boot sequence and, in supervisor mode, blocks
// until shutdown is complete and the kernel reboot syscall has been
// issued. In replace-init mode it never returns on success, since the
// process image is replaced.
func Run(ctx context.Context) error {
	slog.Info("starting init")
	fs := afero.NewOsFs()

	os.Setenv("SSL_CERT_FILE", constants.FileCACerts)

	if err := sysboot.Mounts(); err != nil {
		return &bootstrap.StorageError{Step: "pseudo-mounts", Err: err}
	}
	if err := sysboot.Symlinks(); err != nil {
		return &bootstrap.StorageError{Step: "device symlinks", Err: err}
	}
	if err := sysboot.EstablishPrivateTree(constants.DirETRun); err != nil {
		return &bootstrap.StorageError{Step: "private tree", Err: err}
	}
	if names, err := sysboot.ReadModuleList(fs, constants.FileModules); err != nil {
		slog.Debug("unable to read module list", "error", err)
	} else {
		sysboot.LoadModules(constants.DirETModules, names)
	}

	growRootErrC := make(chan error, 1)
	go func() {
		growRootErrC <- sysboot.GrowRootVolume(constants.DirETSbin)
	}()

	cfg, err := vmspec.LoadImageConfig(fs, filepath.Join(constants.DirETRoot, constants.FileMetadata))
	if err != nil {
		return &bootstrap.ConfigError{Step: "load image config", Err: err}
	}
	spec := vmspec.FromImageConfig(cfg)

	db, err := login.Load(fs, constants.FileEtcPasswd, constants.FileEtcGroup)
	if err != nil {
		return &bootstrap.ConfigError{Step: "load passwd/group databases", Err: err}
	}
	if err := resolveImageIdentity(spec, cfg, db); err != nil {
		return &bootstrap.ConfigError{Step: "resolve image user", Err: err}
	}

	imageEnv := append(vmspec.NameValueSource{}, spec.Env...)

	imdsClient := imds.New()

	userDataRaw, err := imdsClient.UserData(ctx)
	if err != nil && !errors.Is(err, imds.ErrAbsent) {
		return &bootstrap.ConfigError{Step: "fetch user data", Err: err}
	}
	userSpec, err := vmspec.Parse(userDataRaw)
	if err != nil {
		return &bootstrap.ConfigError{Step: "parse user data", Err: err}
	}

	if err := spec.Merge(userSpec); err != nil {
		return &bootstrap.ConfigError{Step: "merge image config and user data", Err: err}
	}
	if err := spec.Validate(); err != nil {
		return &bootstrap.ConfigError{Step: "validate runtime spec", Err: err}
	}

	if spec.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	if err := sysboot.SetSysctls(toSysctlMap(spec.Sysctls)); err != nil {
		return &bootstrap.StorageError{Step: "apply sysctls", Err: err}
	}

	lease, err := bringUpNetwork(ctx, imdsClient, fs)
	if err != nil {
		return &bootstrap.NetworkError{Step: "network bringup", Err: err}
	}
	slog.Info("network bringup complete", "interface", lease.Interface, "address", lease.Address)

	region, err := imdsClient.Region(ctx)
	if err != nil {
		return &bootstrap.NetworkError{Step: "resolve region", Err: err}
	}
	conn, err := cloudapi.New(ctx, region)
	if err != nil {
		return &bootstrap.ConfigError{Step: "establish cloud connection", Err: err}
	}

	if err := <-growRootErrC; err != nil {
		slog.Warn("unable to grow root volume", "error", err)
	}

	instanceID, err := imdsClient.InstanceID(ctx)
	if err != nil {
		return &bootstrap.NetworkError{Step: "resolve instance id", Err: err}
	}
	availabilityZone, err := imdsClient.AvailabilityZone(ctx)
	if err != nil {
		return &bootstrap.NetworkError{Step: "resolve availability zone", Err: err}
	}

	volumeRealizer := volumes.New(fs, conn, constants.DirETSbin, instanceID, availabilityZone)
	if err := volumeRealizer.RealizeAll(ctx, spec.Volumes); err != nil {
		return &bootstrap.StorageError{Step: "realize volumes", Err: err}
	}

	resolvedEnv, err := envresolve.Build(ctx, conn, imageEnv, userSpec.Env, spec.EnvFrom)
	if err != nil {
		return &bootstrap.ConfigError{Step: "resolve environment", Err: err}
	}
	finalEnv := envresolve.Expand(resolvedEnv)

	if err := initscript.Run(filepath.Join(constants.DirETBin, "sh"), spec.InitScripts, finalEnv); err != nil {
		return &bootstrap.SupervisorError{Step: "run init scripts", Err: err}
	}

	command, err := fullCommand(spec, finalEnv)
	if err != nil {
		return &bootstrap.ConfigError{Step: "resolve workload command", Err: err}
	}

	if spec.ReplaceInit {
		return execWorkload(spec, command, finalEnv)
	}
	return superviseWorkload(ctx, fs, imdsClient, spec, command, finalEnv, db)
}

// resolveImageIdentity resolves the image config's User field against the
// passwd/group databases and sets the result on spec.Security. This is
// the only place symbolic names are resolved; user-data can only supply
// numeric ids (security.run-as-user-id and run-as-group-id), which the
// later merge applies over this result. A bare "root" or empty
// user means uid/gid 0 without touching the databases, per the teacher's
// getUserGroup shortcut.
func resolveImageIdentity(spec *vmspec.VMSpec, cfg *v1.ConfigFile, db *login.Database) error {
	userField := vmspec.ImageUser(cfg)
	userToken, groupToken := vmspec.SplitUserGroup(userField)
	if userToken == "" || userToken == "root" {
		return nil
	}

	uid, gid, err := db.ResolveUser(userToken)
	if err != nil {
		return err
	}
	if groupToken != "" && groupToken != "root" {
		gid, err = db.ResolveGroup(groupToken)
		if err != nil {
			return err
		}
	}
	spec.Security.RunAsUserID = &uid
	spec.Security.RunAsGroupID = &gid
	return nil
}

func toSysctlMap(nvs vmspec.NameValueSource) map[string]string {
	m := make(map[string]string, len(nvs))
	for _, nv := range nvs {
		m[nv.Name] = nv.Value
	}
	return m
}

// bringUpNetwork selects the primary link by its IMDS-reported MAC,
// negotiates a DHCP lease (or replays a persisted one if present, for
// test-mode reproducibility), applies it, and rewrites the resolver
// configuration.
func bringUpNetwork(ctx context.Context, imdsClient *imds.Client, fs afero.Fs) (*netboot.Lease, error) {
	ifaces, err := imdsClient.NetworkInterfaces(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to enumerate network interfaces: %w", err)
	}
	if len(ifaces) == 0 {
		return nil, fmt.Errorf("no network interfaces reported by metadata service")
	}

	linkName, err := netboot.SelectPrimary(ifaces[0].MAC)
	if err != nil {
		return nil, err
	}

	if lease, err := netboot.LoadPersistedLease(fs, constants.FileDHCPLease); err == nil {
		if err := netboot.Apply(linkName, lease); err != nil {
			return nil, err
		}
		return finishNetwork(fs, linkName, lease)
	}

	iface, err := net.InterfaceByName(linkName)
	if err != nil {
		return nil, fmt.Errorf("unable to look up interface %s: %w", linkName, err)
	}

	lease, err := netboot.Negotiate(linkName, iface.HardwareAddr, dhcpTimeout)
	if err != nil {
		return nil, err
	}
	lease.Interface = linkName

	if err := netboot.Apply(linkName, lease); err != nil {
		return nil, err
	}
	if err := netboot.PersistLease(fs, constants.FileDHCPLease, lease); err != nil {
		slog.Warn("unable to persist dhcp lease", "error", err)
	}
	return finishNetwork(fs, linkName, lease)
}

func finishNetwork(fs afero.Fs, linkName string, lease *netboot.Lease) (*netboot.Lease, error) {
	if err := netboot.WriteResolverConfig(fs, constants.FileEtcResolvConf, constants.FileEtcHosts, lease, linkName); err != nil {
		return nil, err
	}
	return lease, nil
}

// fullCommand resolves the merged command+args against PATH if the
// leading token is not an absolute path, matching the teacher's
// fullCommand/findExecutableInPath.
func fullCommand(spec *vmspec.VMSpec, env vmspec.NameValueSource) ([]string, error) {
	cmd := append([]string{}, spec.Command...)
	cmd = append(cmd, spec.Args...)
	if len(cmd) == 0 {
		cmd = []string{"/bin/sh"}
	}
	if filepath.IsAbs(cmd[0]) {
		return cmd, nil
	}
	pathEnv := "/usr/local/bin:/usr/local/sbin:/usr/bin:/usr/sbin:/bin:/sbin"
	if v, i := env.Find("PATH"); i >= 0 {
		pathEnv = v
	}
	resolved, err := findExecutableInPath(cmd[0], pathEnv)
	if err != nil {
		return nil, err
	}
	cmd[0] = resolved
	return cmd, nil
}

// findExecutableInPath searches each directory in pathEnv for an
// executable named executable, matching the teacher's
// findExecutableInPath.
func findExecutableInPath(executable, pathEnv string) (string, error) {
	for _, dir := range strings.Split(pathEnv, ":") {
		candidate := filepath.Join(dir, executable)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unable to find executable %q in PATH %q", executable, pathEnv)
}

// execWorkload implements spec.md §4.I's replace mode: the process image
// is replaced by the workload, which becomes PID 1.
func execWorkload(spec *vmspec.VMSpec, command []string, env vmspec.NameValueSource) error {
	if err := os.Chdir(spec.WorkingDir); err != nil {
		return &bootstrap.SupervisorError{Step: "chdir to working directory", Err: err}
	}
	gid := 0
	uid := 0
	if spec.Security.RunAsGroupID != nil {
		gid = *spec.Security.RunAsGroupID
	}
	if spec.Security.RunAsUserID != nil {
		uid = *spec.Security.RunAsUserID
	}
	if err := syscall.Setgid(gid); err != nil {
		return &bootstrap.SupervisorError{Step: "setgid", Err: err}
	}
	if err := syscall.Setuid(uid); err != nil {
		return &bootstrap.SupervisorError{Step: "setuid", Err: err}
	}
	return syscall.Exec(command[0], command, env.ToStrings())
}

// superviseWorkload implements spec.md §4.I's default mode: the workload
// and every discovered, non-disabled auxiliary service run as children of
// this process, which remains PID 1 and drives shutdown.
func superviseWorkload(ctx context.Context, fs afero.Fs, imdsClient *imds.Client, spec *vmspec.VMSpec, command []string, env vmspec.NameValueSource, db *login.Database) error {
	gid := uint32(0)
	uid := uint32(0)
	if spec.Security.RunAsGroupID != nil {
		gid = uint32(*spec.Security.RunAsGroupID)
	}
	if spec.Security.RunAsUserID != nil {
		uid = uint32(*spec.Security.RunAsUserID)
	}

	main := supervisor.NewService("workload", command, spec.WorkingDir, env.ToStrings(), uid, gid, nil, false, false)

	disabled := map[string]bool{}
	for _, name := range spec.DisableServices {
		disabled[name] = true
	}

	services, err := supervisor.Discover(fs, constants.DirETServices, disabled, func(name string) (supervisor.Service, error) {
		desc, err := supervisor.LoadDescriptor(fs, constants.DirETServices, name)
		if err != nil {
			return nil, err
		}
		if !desc.EnabledByDefault {
			return nil, fmt.Errorf("service %s is not enabled by default", name)
		}
		svcUID, svcGID := uid, gid
		if desc.User != "" {
			resolvedUID, resolvedGID, err := db.ResolveUser(desc.User)
			if err != nil {
				return nil, err
			}
			svcUID = uint32(resolvedUID)
			svcGID = uint32(resolvedGID)
		}
		if desc.Group != "" {
			resolvedGID, err := db.ResolveGroup(desc.Group)
			if err != nil {
				return nil, err
			}
			svcGID = uint32(resolvedGID)
		}
		return supervisor.NewService(name, append([]string{desc.Executable}, desc.Args...), "/", desc.Env, svcUID, svcGID, nil, desc.Optional, true), nil
	})
	if err != nil {
		return &bootstrap.SupervisorError{Step: "discover services", Err: err}
	}

	sup := &supervisor.Supervisor{
		Main:           main,
		Services:       services,
		ReadonlyRootFS: spec.Security.ReadonlyRootFS,
		GracePeriod:    time.Duration(spec.ShutdownGracePeriod) * time.Second,
	}
	if sup.GracePeriod <= 0 {
		sup.GracePeriod = 10 * time.Second
	}

	if err := sup.Start(); err != nil {
		return err
	}

	spotCtx, cancelSpot := context.WithCancel(ctx)
	defer cancelSpot()
	go supervisor.WatchSpotTermination(spotCtx, imdsClient, sup.Stop)

	sup.Wait()

	mountPoints := spec.Volumes.MountPoints()
	supervisor.Unmount(mountPoints)
	syscall.Sync()

	return supervisor.Reboot(true)
}
