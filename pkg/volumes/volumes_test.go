package volumes

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_IsMounted_MatchesSecondField(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/mounts",
		[]byte("devtmpfs /dev devtmpfs rw 0 0\n/dev/xvdf /data ext4 rw 0 0\n"), 0644))

	mounted, err := isMounted(fs, "/data")
	require.NoError(t, err)
	assert.True(t, mounted)

	mounted, err = isMounted(fs, "/other")
	require.NoError(t, err)
	assert.False(t, mounted)
}

func Test_WriteAtomic_WritesViaRename(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, writeAtomic(fs, "/data/secret/value", []byte("shh"), 0400))

	content, err := afero.ReadFile(fs, "/data/secret/value")
	require.NoError(t, err)
	assert.Equal(t, "shh", string(content))

	exists, _ := afero.Exists(fs, "/data/secret/value.tmp")
	assert.False(t, exists)
}
