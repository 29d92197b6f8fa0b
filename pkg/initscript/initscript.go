// Package initscript runs user-declared shell snippets in declared order
// with a merged environment, per spec.md §4.H. The teacher has no
// standalone equivalent; this is grounded on the exec.Cmd construction
// pattern used throughout pkg/initial/service/service.go, simplified to
// run-to-completion (no restart loop, no supervised lifecycle) since init
// scripts are one-shot by definition.
package initscript

import (
	"bytes"
	"fmt"
	"os/exec"

	"github.com/bootcore/bootcore/pkg/vmspec"
)

// defaultShell is the interpreter used when Run is given no shell path, matching the
// teacher's asset layout convention of shipping a shell under the
// easyto-private bin directory.
const defaultShell = "/.easyto/bin/sh"

// Run executes each script in scripts, in order, under env. A non-zero
// exit from any script is fatal, per spec.md §4.H.
func Run(shellPath string, scripts []string, env vmspec.NameValueSource) error {
	if shellPath == "" {
		shellPath = defaultShell
	}
	for i, script := range scripts {
		cmd := exec.Command(shellPath, "-c", script)
		cmd.Env = env.ToStrings()
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("init script at index %d failed: %w (stderr: %s)", i, err, stderr.String())
		}
	}
	return nil
}
