package imds

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_NetworkInterfaces_ParsesTrailingSlashList(t *testing.T) {
	ifaces := parseMACList([]byte("0a:1b:2c:3d:4e:5f/\n\n1a:2b:3c:4d:5e:6f/\n"))
	assert.Len(t, ifaces, 2)
	assert.Equal(t, "0a:1b:2c:3d:4e:5f", ifaces[0].MAC)
}

func Test_ErrAbsent_IsDistinctSentinel(t *testing.T) {
	assert.ErrorIs(t, ErrAbsent, ErrAbsent)
	assert.NotEqual(t, ErrAbsent.Error(), "")
}
