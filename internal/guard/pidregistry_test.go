package guard

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregister(t *testing.T) {
	dir := t.TempDir()
	r, err := NewPIDRegistry(dir)
	require.NoError(t, err)

	require.NoError(t, r.Register(9222, 9223))

	entries, err := r.readLocked()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, os.Getpid(), entries[0].PID)
	assert.Equal(t, 9222, entries[0].DebugPort)

	require.NoError(t, r.Unregister())
	entries, err = r.readLocked()
	require.NoError(t, err)
	assert.Len(t, entries, 0)
}

func TestRegisterRejectsDuplicatePortFromLiveProcess(t *testing.T) {
	dir := t.TempDir()
	r1, err := NewPIDRegistry(dir)
	require.NoError(t, err)
	require.NoError(t, r1.Register(9222, 9223))

	r2, err := NewPIDRegistry(dir)
	require.NoError(t, err)

	err = r2.Register(9222, 9224)
	assert.Error(t, err)
}

func TestRegisterSweepsStaleEntries(t *testing.T) {
	dir := t.TempDir()
	r, err := NewPIDRegistry(dir)
	require.NoError(t, err)

	require.NoError(t, r.writeLocked([]entry{{PID: 999999999, DebugPort: 9222}}))

	require.NoError(t, r.Register(9222, 9223))

	entries, err := r.readLocked()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, os.Getpid(), entries[0].PID)
}
