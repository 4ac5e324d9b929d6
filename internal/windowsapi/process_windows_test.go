//go:build windows

package windowsapi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetProcessSnapshotContainsCurrentProcess(t *testing.T) {
	procs, err := GetProcessSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, procs)

	pid := uint32(os.Getpid())
	info, ok := procs[pid]
	require.True(t, ok, "current PID %d not found in snapshot", pid)
	assert.Equal(t, pid, info.PID)
	assert.NotEmpty(t, info.ExeFile)
	assert.NotEmpty(t, info.ImagePath)
}

func TestFindProcessByNameCurrentProcess(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)

	pid, err := FindProcessByName(filepath.Base(exe))
	require.NoError(t, err)
	assert.NotZero(t, pid)

	_, err = FindProcessByName("no-such-process-8c1f.exe")
	assert.ErrorIs(t, err, ErrProcessNotFound)
}
