package vmspec

import (
	"testing"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_LoadImageConfig_DecodesManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	raw := `{"config":{"Entrypoint":["/bin/server"],"Cmd":["--port=8080"],"Env":["PATH=/usr/bin"],"User":"1000:1000","WorkingDir":"/app"}}`
	require.NoError(t, afero.WriteFile(fs, "/metadata.json", []byte(raw), 0644))

	cfg, err := LoadImageConfig(fs, "/metadata.json")
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/server"}, cfg.Config.Entrypoint)
	assert.Equal(t, []string{"--port=8080"}, cfg.Config.Cmd)
	assert.Equal(t, "1000:1000", cfg.Config.User)
}

func Test_FromImageConfig_DefaultsWorkingDir(t *testing.T) {
	cfg := &v1.ConfigFile{}
	cfg.Config.Entrypoint = []string{"/test-entrypoint"}
	cfg.Config.Env = []string{"PATH=/usr/bin"}

	spec := FromImageConfig(cfg)
	assert.Equal(t, []string{"/test-entrypoint"}, spec.Command)
	assert.Equal(t, "/", spec.WorkingDir)
	assert.Equal(t, 10, spec.ShutdownGracePeriod)
	val, _ := spec.Env.Find("PATH")
	assert.Equal(t, "/usr/bin", val)
}

func Test_SplitUserGroup(t *testing.T) {
	user, group := SplitUserGroup("app:app")
	assert.Equal(t, "app", user)
	assert.Equal(t, "app", group)

	user, group = SplitUserGroup("1000")
	assert.Equal(t, "1000", user)
	assert.Equal(t, "", group)
}
