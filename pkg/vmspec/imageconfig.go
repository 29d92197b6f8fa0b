package vmspec

import (
	"encoding/json"
	"fmt"
	"strings"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/spf13/afero"
)

// LoadImageConfig decodes the image-config manifest at path, the
// container image's Cmd/Entrypoint/Env/User/WorkingDir declaration
// written by the image builder, per spec.md §6's on-disk layout. It is
// the same google/go-containerregistry v1.ConfigFile shape the teacher
// decodes in initial.go's readMetadata.
func LoadImageConfig(fs afero.Fs, path string) (*v1.ConfigFile, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer f.Close()

	cfg := &v1.ConfigFile{}
	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode image config: %w", err)
	}
	return cfg, nil
}

// FromImageConfig builds the seed VMSpec the user-data document is
// merged onto, per spec.md §3's merge invariants. User/group are left
// unset here; the boot orchestrator resolves the image's User field
// against the passwd/group databases before the user-data merge, and
// numeric ids from user-data's security section then override the
// result during the merge.
func FromImageConfig(cfg *v1.ConfigFile) *VMSpec {
	spec := &VMSpec{
		Command:             cfg.Config.Entrypoint,
		Args:                cfg.Config.Cmd,
		Env:                 envFromStrings(cfg.Config.Env),
		WorkingDir:          cfg.Config.WorkingDir,
		ShutdownGracePeriod: 10,
	}
	if spec.WorkingDir == "" {
		spec.WorkingDir = "/"
	}
	return spec
}

// ImageUser returns the raw "user[:group]" string from the image
// config, or "" if the image runs as root.
func ImageUser(cfg *v1.ConfigFile) string {
	return cfg.Config.User
}

// SplitUserGroup parses an ImageConfig User field or an equivalent
// "user[:group]" string into its user and group components, splitting at
// the first colon; group is "" when there is no colon.
func SplitUserGroup(spec string) (user, group string) {
	user, group, _ = strings.Cut(spec, ":")
	return user, group
}

func envFromStrings(vars []string) NameValueSource {
	if len(vars) == 0 {
		return nil
	}
	source := make(NameValueSource, len(vars))
	for i, v := range vars {
		name, value, _ := strings.Cut(v, "=")
		source[i] = NameValue{Name: name, Value: value}
	}
	return source
}
