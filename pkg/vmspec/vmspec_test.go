package vmspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Parse_RejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte("bogus-key: true\n"))
	assert.Error(t, err)
}

func Test_Parse_EmptyDocumentIsNotError(t *testing.T) {
	spec, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, &VMSpec{}, spec)
}

func Test_Merge_Precedence(t *testing.T) {
	image := &VMSpec{
		Env: NameValueSource{
			{Name: "PATH", Value: "/usr/bin"},
		},
	}
	userData := &VMSpec{
		Command: []string{"/app"},
		Env: NameValueSource{
			{Name: "DEBUG", Value: "1"},
		},
	}

	err := image.Merge(userData)
	require.NoError(t, err)

	assert.Equal(t, []string{"/app"}, image.Command)
	val, idx := image.Env.Find("PATH")
	assert.Equal(t, "/usr/bin", val)
	assert.GreaterOrEqual(t, idx, 0)
	val, idx = image.Env.Find("DEBUG")
	assert.Equal(t, "1", val)
	assert.GreaterOrEqual(t, idx, 0)
}

func Test_Merge_CommandOverridesArgsWholesale(t *testing.T) {
	image := &VMSpec{
		Command: []string{"/bin/entrypoint"},
		Args:    []string{"--flag"},
	}
	userData := &VMSpec{
		Command: []string{"/app"},
	}

	err := image.Merge(userData)
	require.NoError(t, err)

	assert.Equal(t, []string{"/app"}, image.Command)
	assert.Empty(t, image.Args)
}

func Test_NameValueSource_Merge_LaterWins(t *testing.T) {
	orig := NameValueSource{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}
	other := NameValueSource{{Name: "a", Value: "override"}, {Name: "c", Value: "3"}}

	spec := &VMSpec{Env: orig}
	err := spec.Merge(&VMSpec{Env: other})
	require.NoError(t, err)

	val, _ := spec.Env.Find("a")
	assert.Equal(t, "override", val)
	val, _ = spec.Env.Find("b")
	assert.Equal(t, "2", val)
	val, _ = spec.Env.Find("c")
	assert.Equal(t, "3", val)
}

func Test_Validate_RejectsInvalidEnvName(t *testing.T) {
	spec := &VMSpec{
		Command: []string{"/app"},
		Env:     NameValueSource{{Name: "1BAD", Value: "x"}},
	}
	err := spec.Validate()
	assert.Error(t, err)
}

func Test_Validate_RejectsMultipleVolumeVariants(t *testing.T) {
	vol := Volume{
		EBS: &EBSVolumeSource{MountPath: "/data"},
		S3:  &S3VolumeSource{MountPath: "/data"},
	}
	assert.Error(t, vol.Validate())
}

func Test_Validate_RejectsPseudoMountAlias(t *testing.T) {
	vol := Volume{EBS: &EBSVolumeSource{MountPath: "/proc"}}
	assert.Error(t, vol.Validate())
}

func Test_Validate_RejectsRelativeMountPath(t *testing.T) {
	vol := Volume{EBS: &EBSVolumeSource{MountPath: "data"}}
	assert.Error(t, vol.Validate())
}

func Test_Volumes_MountPoints_ReverseSorted(t *testing.T) {
	vols := Volumes{
		{EBS: &EBSVolumeSource{MountPath: "/mnt/a"}},
		{EBS: &EBSVolumeSource{MountPath: "/mnt/a/b"}},
	}
	points := vols.MountPoints()
	assert.Equal(t, []string{"/mnt/a/b", "/mnt/a"}, points)
}
