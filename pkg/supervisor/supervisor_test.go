package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_IsKernelThread_DetectsFlag(t *testing.T) {
	dir := t.TempDir()
	statFile := filepath.Join(dir, "stat")

	fields := make([]string, 52)
	for i := range fields {
		fields[i] = "0"
	}
	fields[8] = "2097152" // PF_KTHREAD
	require.NoError(t, os.WriteFile(statFile, []byte(strings.Join(fields, " ")), 0644))

	kt, err := isKernelThread(statFile)
	require.NoError(t, err)
	assert.True(t, kt)
}

func Test_IsKernelThread_FalseForUserspace(t *testing.T) {
	dir := t.TempDir()
	statFile := filepath.Join(dir, "stat")

	fields := make([]string, 52)
	for i := range fields {
		fields[i] = "0"
	}
	require.NoError(t, os.WriteFile(statFile, []byte(strings.Join(fields, " ")), 0644))

	kt, err := isKernelThread(statFile)
	require.NoError(t, err)
	assert.False(t, kt)
}

func Test_IsKernelThread_RejectsMalformedStat(t *testing.T) {
	dir := t.TempDir()
	statFile := filepath.Join(dir, "stat")
	require.NoError(t, os.WriteFile(statFile, []byte("1 (sh) S"), 0644))

	_, err := isKernelThread(statFile)
	assert.Error(t, err)
}

func Test_State_String(t *testing.T) {
	assert.Equal(t, "Starting", Starting.String())
	assert.Equal(t, "Running", Running.String())
	assert.Equal(t, "Draining", Draining.String())
	assert.Equal(t, "Done", Done.String())
}

func Test_Supervisor_ReapDiscardsUnknownPID(t *testing.T) {
	s := &Supervisor{pidSv: map[int]Service{}}
	// Reaping a pid never tracked must not panic and must be a no-op.
	s.reap(999999)
	assert.Empty(t, s.pidSv)
}

func Test_Supervisor_TrackedPIDsReflectsMap(t *testing.T) {
	s := &Supervisor{pidSv: map[int]Service{42: nil}}
	pids := s.trackedPIDs()
	assert.Equal(t, []int{42}, pids)
}
