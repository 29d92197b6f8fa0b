package initscript

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bootcore/bootcore/pkg/vmspec"
)

func Test_Run_ExecutesScriptsInOrder(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker")

	err := Run("/bin/sh", []string{
		"echo first >> " + marker,
		"echo second >> " + marker,
	}, vmspec.NameValueSource{{Name: "PATH", Value: os.Getenv("PATH")}})
	require.NoError(t, err)

	content, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(content))
}

func Test_Run_NonZeroExitIsFatal(t *testing.T) {
	err := Run("/bin/sh", []string{"exit 1"}, nil)
	assert.Error(t, err)
}
