package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/bootcore/bootcore/pkg/boot"
)

func main() {
	err := boot.Run(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to boot: %s\n", err)
	}

	// Give console output time to catch up so the failure, if any, is
	// visible before the system goes down.
	time.Sleep(5 * time.Second)

	syscall.Reboot(syscall.LINUX_REBOOT_CMD_POWER_OFF)
}
