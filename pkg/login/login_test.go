package login

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T) *Database {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/passwd",
		[]byte("root:x:0:0:root:/root:/bin/sh\napp:x:1000:1000:app user:/home/app:/bin/sh\n"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/etc/group",
		[]byte("root:x:0:\napp:x:1000:app\n"), 0644))
	db, err := Load(fs, "/etc/passwd", "/etc/group")
	require.NoError(t, err)
	return db
}

func Test_ResolveUser_BySymbolicName(t *testing.T) {
	db := fixture(t)
	uid, gid, err := db.ResolveUser("app")
	require.NoError(t, err)
	assert.Equal(t, 1000, uid)
	assert.Equal(t, 1000, gid)
}

func Test_ResolveUser_ByNumericID(t *testing.T) {
	db := fixture(t)
	uid, gid, err := db.ResolveUser("1000")
	require.NoError(t, err)
	assert.Equal(t, 1000, uid)
	assert.Equal(t, 1000, gid)
}

func Test_ResolveUser_UnknownNameIsFatal(t *testing.T) {
	db := fixture(t)
	_, _, err := db.ResolveUser("nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func Test_ResolveGroup_BySymbolicName(t *testing.T) {
	db := fixture(t)
	gid, err := db.ResolveGroup("app")
	require.NoError(t, err)
	assert.Equal(t, 1000, gid)
}

func Test_ResolveGroup_UnknownNameIsFatal(t *testing.T) {
	db := fixture(t)
	_, err := db.ResolveGroup("nope")
	assert.ErrorIs(t, err, ErrUnknownGroup)
}
