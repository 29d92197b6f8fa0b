package sysboot

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SetSysctls_EmptyMapIsNoop(t *testing.T) {
	err := SetSysctls(map[string]string{})
	assert.NoError(t, err)
}

func Test_SetSysctls_AggregatesFailures(t *testing.T) {
	err := SetSysctls(map[string]string{
		"nonexistent.key.one": "1",
		"nonexistent.key.two": "1",
	})
	assert.Error(t, err)
}

func Test_ReadModuleList_SkipsBlankAndCommentLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/.easyto/etc/modules",
		[]byte("nvme\n# ena is built in on this kernel\n\nena\n"), 0644))

	names, err := ReadModuleList(fs, "/.easyto/etc/modules")
	require.NoError(t, err)
	assert.Equal(t, []string{"nvme", "ena"}, names)
}

func Test_ReadModuleList_MissingFileIsError(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := ReadModuleList(fs, "/.easyto/etc/modules")
	assert.Error(t, err)
}

func Test_LoadModules_MissingModuleIsNotFatal(t *testing.T) {
	assert.NotPanics(t, func() {
		LoadModules(t.TempDir(), []string{"nonexistent"})
	})
}
