// Package volumes realizes declared volumes onto the filesystem, per
// spec.md §4.F. Block volumes are grounded on the teacher's
// pkg/initial/initial/device.go (linkEBSDevices, deviceHasFS) and
// handleVolumeEBS; object/parameter/secrets volumes are grounded on
// handleVolumeS3/handleVolumeSSMParameter, extended to the secrets-store
// variant and to prefix-vs-single-object dispatch the teacher didn't need.
package volumes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mvisonneau/go-ebsnvme/pkg/ebsnvme"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/bootcore/bootcore/pkg/bootstrap"
	"github.com/bootcore/bootcore/pkg/cloudapi"
	"github.com/bootcore/bootcore/pkg/vmspec"
)

const attachPollDeadline = 30 * time.Second

// Realizer materializes every declared volume exactly once, in declaration
// order, per spec.md §4.F.
type Realizer struct {
	fs               afero.Fs
	conn             *cloudapi.Connection
	sbinDir          string
	instanceID       string
	availabilityZone string
}

func New(fs afero.Fs, conn *cloudapi.Connection, sbinDir, instanceID, availabilityZone string) *Realizer {
	return &Realizer{fs: fs, conn: conn, sbinDir: sbinDir, instanceID: instanceID, availabilityZone: availabilityZone}
}

// RealizeAll realizes every volume in vols, in order.
func (r *Realizer) RealizeAll(ctx context.Context, vols vmspec.Volumes) error {
	for i, vol := range vols {
		if err := r.realize(ctx, vol, i); err != nil {
			return err
		}
	}
	return nil
}

func (r *Realizer) realize(ctx context.Context, vol vmspec.Volume, index int) error {
	switch {
	case vol.EBS != nil:
		return r.realizeEBS(ctx, vol.EBS, index)
	case vol.S3 != nil:
		return r.realizeS3(ctx, vol.S3)
	case vol.SSMParameter != nil:
		return r.realizeSSMParameter(ctx, vol.SSMParameter)
	case vol.SecretsManager != nil:
		return r.realizeSecretsManager(ctx, vol.SecretsManager)
	default:
		return fmt.Errorf("volume at index %d has no variant set", index)
	}
}

// realizeEBS implements spec.md §4.F's five-step block-volume algorithm.
func (r *Realizer) realizeEBS(ctx context.Context, vol *vmspec.EBSVolumeSource, index int) error {
	if already, err := isMounted(r.fs, vol.MountPath); err != nil {
		return &bootstrap.StorageError{Step: "check existing mount", Resource: vol.MountPath, Err: err}
	} else if already {
		return nil
	}

	if len(vol.TagFilters) > 0 {
		if _, err := r.conn.EC2().EnsureAttached(ctx, vol.TagFilters, r.availabilityZone, r.instanceID, vol.Device, attachPollDeadline); err != nil {
			return &bootstrap.StorageError{Step: "ensure-attached", Resource: vol.Device, Err: err}
		}
	}

	device, err := resolveDevice(vol.Device)
	if err != nil {
		return &bootstrap.StorageError{Step: "resolve device", Resource: vol.Device, Err: err}
	}

	if vol.MakeFS {
		hasFS, err := deviceHasFS(filepath.Join(r.sbinDir, "blkid"), device)
		if err != nil {
			return &bootstrap.StorageError{Step: "probe filesystem", Resource: device, Err: err}
		}
		if !hasFS {
			mkfsPath := filepath.Join(r.sbinDir, "mkfs."+vol.FSType)
			if _, err := os.Stat(mkfsPath); os.IsNotExist(err) {
				return &bootstrap.StorageError{Step: "make filesystem", Resource: device,
					Err: fmt.Errorf("unsupported filesystem type %s for volume at index %d", vol.FSType, index)}
			}
			if err := exec.Command(mkfsPath, device).Run(); err != nil {
				return &bootstrap.StorageError{Step: "make filesystem", Resource: device, Err: err}
			}
		}
	}

	if err := os.MkdirAll(vol.MountPath, 0755); err != nil {
		return &bootstrap.StorageError{Step: "create mount point", Resource: vol.MountPath, Err: err}
	}

	options := strings.Join(vol.MountOptions, ",")
	if err := unix.Mount(device, vol.MountPath, vol.FSType, 0, options); err != nil {
		return &bootstrap.StorageError{Step: "mount", Resource: vol.MountPath, Err: err}
	}
	return nil
}

// resolveDevice matches the cloud-assigned device name against the
// block-device namespace, falling back to the NVMe vendor-identify page
// the way the teacher's linkEBSDevices does for Nitro instances.
func resolveDevice(requested string) (string, error) {
	if _, err := os.Stat(requested); err == nil {
		return requested, nil
	}

	dirs, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", fmt.Errorf("unable to read /sys/block: %w", err)
	}
	for _, dir := range dirs {
		devicePath := filepath.Join("/dev", dir.Name())
		info, err := ebsnvme.ScanDevice(devicePath)
		if err != nil {
			if strings.Contains(err.Error(), "AWS EBS") {
				continue
			}
			continue
		}
		hint := info.Name
		if !strings.HasPrefix(hint, "/") {
			hint = filepath.Join("/dev", hint)
		}
		if hint == requested {
			return devicePath, nil
		}
	}
	return "", fmt.Errorf("unable to resolve device %s on this instance", requested)
}

func deviceHasFS(blkidPath, devicePath string) (bool, error) {
	cmd := exec.Command(blkidPath, devicePath)
	err := cmd.Run()
	switch cmd.ProcessState.ExitCode() {
	case 0:
		return true, nil
	case 2:
		return false, nil
	default:
		return false, err
	}
}

func isMounted(fs afero.Fs, mountPoint string) (bool, error) {
	f, err := fs.Open("/proc/mounts")
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		n, err := f.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil {
			break
		}
	}
	for _, line := range strings.Split(string(buf), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == mountPoint {
			return true, nil
		}
	}
	return false, nil
}

func (r *Realizer) realizeS3(ctx context.Context, vol *vmspec.S3VolumeSource) error {
	isPrefix := strings.HasSuffix(vol.KeyPrefix, "/")
	var err error
	if isPrefix {
		err = r.conn.S3().GetPrefix(ctx, r.fs, vol.Bucket, vol.KeyPrefix, vol.MountPath)
	} else {
		var body []byte
		body, err = r.conn.S3().GetObject(ctx, vol.Bucket, vol.KeyPrefix)
		if err == nil {
			err = writeAtomic(r.fs, vol.MountPath, body, 0644)
		}
	}
	if err != nil {
		if vol.Optional && cloudErrIsNotFound(err) {
			return nil
		}
		return &bootstrap.StorageError{Step: "materialize s3 volume",
			Resource: "s3://" + vol.Bucket + "/" + vol.KeyPrefix, Err: err}
	}
	return nil
}

func (r *Realizer) realizeSSMParameter(ctx context.Context, vol *vmspec.SSMParameterVolumeSource) error {
	params, err := r.conn.SSM().GetParametersByPath(ctx, vol.Path)
	if err != nil {
		if vol.Optional && cloudErrIsNotFound(err) {
			return nil
		}
		return &bootstrap.StorageError{Step: "materialize ssm volume", Resource: vol.Path, Err: err}
	}
	for _, p := range params {
		dest := filepath.Join(vol.MountPath, p.Name)
		if err := writeAtomic(r.fs, dest, []byte(p.Value), 0400); err != nil {
			return &bootstrap.StorageError{Step: "write ssm parameter file", Resource: dest, Err: err}
		}
	}
	return nil
}

func (r *Realizer) realizeSecretsManager(ctx context.Context, vol *vmspec.SecretsManagerVolumeSource) error {
	payload, err := r.conn.Secrets().GetSecret(ctx, vol.Name)
	if err != nil {
		if vol.Optional && cloudErrIsNotFound(err) {
			return nil
		}
		return &bootstrap.StorageError{Step: "materialize secrets volume", Resource: vol.Name, Err: err}
	}

	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(payload, &asMap); err == nil {
		names := make([]string, 0, len(asMap))
		for name := range asMap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			dest := filepath.Join(vol.MountPath, name)
			var value string
			_ = json.Unmarshal(asMap[name], &value)
			if err := writeAtomic(r.fs, dest, []byte(value), 0400); err != nil {
				return &bootstrap.StorageError{Step: "write secret member file", Resource: dest, Err: err}
			}
		}
		return nil
	}

	last := vol.Name
	if idx := strings.LastIndex(vol.Name, "/"); idx >= 0 {
		last = vol.Name[idx+1:]
	}
	dest := filepath.Join(vol.MountPath, last)
	if err := writeAtomic(r.fs, dest, payload, 0400); err != nil {
		return &bootstrap.StorageError{Step: "write secret file", Resource: dest, Err: err}
	}
	return nil
}

func writeAtomic(fs afero.Fs, dest string, content []byte, mode os.FileMode) error {
	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp := dest + ".tmp"
	if err := afero.WriteFile(fs, tmp, content, mode); err != nil {
		return err
	}
	return fs.Rename(tmp, dest)
}

func cloudErrIsNotFound(err error) bool {
	var ce *cloudapi.CloudError
	return errors.As(cloudapi.Classify("", err), &ce) && ce.Kind == cloudapi.KindNotFound
}
