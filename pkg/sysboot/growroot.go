package sysboot

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"unsafe"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"golang.org/x/sys/unix"
)

// GrowRootVolume extends the root partition to fill the underlying disk
// and resizes its filesystem, so an image built for a small AMI snapshot
// grows to match whatever volume size the instance was launched with.
// Grounded on the teacher's device.go (resizeRootVolume, resizeRootPartition,
// rereadPartition, growFilesystem): this is unmodified teacher logic kept
// for the same purpose, filed under filesystem bringup per spec.md §4.E.
func GrowRootVolume(sbinDir string) error {
	rootDisk, rootPartition, err := findRootDevice(sbinDir)
	if err != nil {
		return fmt.Errorf("unable to find root device: %w", err)
	}
	if err := resizeRootPartition(rootDisk, rootPartition); err != nil {
		return err
	}
	return growFilesystem(sbinDir, rootPartition)
}

func findRootDevice(sbinDir string) (string, string, error) {
	blkidPath := filepath.Join(sbinDir, "blkid")

	cmd := exec.Command(blkidPath, "-t", "PARTLABEL=root", "-o", "device")
	out, err := cmd.Output()
	if err != nil {
		return "", "", fmt.Errorf("unable to find partition with root label: %w", err)
	}

	rootPartition := strings.TrimSpace(string(out))
	dir, rootPartitionFile := filepath.Split(rootPartition)
	if dir != "/dev/" {
		return "", "", fmt.Errorf("unexpected blkid output trying to find root partition: %s", rootPartition)
	}

	entries, err := os.ReadDir("/sys/block")
	if err != nil {
		return "", "", fmt.Errorf("unable to read /sys/block: %w", err)
	}
	for _, entry := range entries {
		statPath := filepath.Join("/sys/block", entry.Name(), rootPartitionFile)
		if _, err := os.Stat(statPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", "", fmt.Errorf("unable to stat %s: %w", rootPartitionFile, err)
		}
		return filepath.Join("/dev", entry.Name()), rootPartition, nil
	}
	return "", "", fmt.Errorf("unable to find root device")
}

func resizeRootPartition(rootDiskDevice, rootPartitionDevice string) error {
	d, err := diskfs.Open(rootDiskDevice, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return fmt.Errorf("unable to open device %s: %w", rootDiskDevice, err)
	}

	table, err := d.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("unable to get partition table for device %s: %w", rootDiskDevice, err)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return fmt.Errorf("device %s does not have a GPT partition table", rootDiskDevice)
	}

	const expectedPartitions = 2
	if len(gptTable.Partitions) != expectedPartitions {
		return fmt.Errorf("expected %d partitions, got %d", expectedPartitions, len(gptTable.Partitions))
	}

	rootPartition := gptTable.Partitions[len(gptTable.Partitions)-1]
	if rootPartition.Name != "root" {
		return fmt.Errorf("expected a partition named 'root', got '%s'", rootPartition.Name)
	}

	const gptHeaderSectors = 1
	const gptPartitionEntrySectors = 32
	const gptSectors = gptHeaderSectors + gptPartitionEntrySectors
	lastDataSector := d.Size/int64(d.LogicalBlocksize) - gptSectors - 1

	if int64(rootPartition.End) < lastDataSector {
		slog.Info("extending root partition", "last-partition-sector", rootPartition.End,
			"last-available-sector", lastDataSector)

		rootPartition.End = uint64(lastDataSector)
		rootPartition.Size = (rootPartition.End - rootPartition.Start + 1) * uint64(d.LogicalBlocksize)

		if err := gptTable.Repair(uint64(d.Size)); err != nil {
			return fmt.Errorf("unable to reset end of partition table: %w", err)
		}

		if err := d.Partition(gptTable); err != nil {
			if !strings.Contains(err.Error(), "device or resource busy") {
				return fmt.Errorf("unable to resize root partition: %w", err)
			}
		}

		if err := rereadPartition(d, rootPartition, rootPartitionDevice, expectedPartitions); err != nil {
			return fmt.Errorf("unable to re-read partition after resizing: %w", err)
		}

		slog.Info("root partition extended")
	}

	return nil
}

func rereadPartition(d *disk.Disk, partition *gpt.Partition, devicePath string, num int) error {
	const blkpgNameLen = 64

	var volname, devname [blkpgNameLen]uint8
	for i, b := range []byte(partition.Name) {
		volname[i] = uint8(b)
	}
	for i, b := range []byte(devicePath) {
		devname[i] = uint8(b)
	}

	bp := unix.BlkpgPartition{
		Start:   int64(partition.Start) * d.LogicalBlocksize,
		Length:  int64(partition.Size),
		Pno:     int32(num),
		Devname: devname,
		Volname: volname,
	}
	arg := unix.BlkpgIoctlArg{
		Op:      unix.BLKPG_RESIZE_PARTITION,
		Datalen: int32(unsafe.Sizeof(unix.BlkpgPartition{})),
		Data:    (*byte)(unsafe.Pointer(&bp)),
	}

	osFile, err := d.Backend.Sys()
	if err != nil {
		return fmt.Errorf("unable to get file descriptor for disk: %w", err)
	}

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(osFile.Fd()), uintptr(unix.BLKPG),
		uintptr(unsafe.Pointer(&arg)))
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

func growFilesystem(sbinDir, devicePath string) error {
	resize2fsPath := filepath.Join(sbinDir, "resize2fs")
	if err := exec.Command(resize2fsPath, devicePath).Run(); err != nil {
		return fmt.Errorf("unable to resize filesystem: %w", err)
	}
	return nil
}
