package lock

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_AcquireWritesPID(t *testing.T) {
	path := PathFor(filepath.Join(t.TempDir(), "pids"), "orchestrator")
	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())
	defer p.Release()

	assert.Equal(t, os.Getpid(), ReadPID(path))
	assert.True(t, Alive(ReadPID(path)))
}

func TestPIDFile_SecondAcquireFails(t *testing.T) {
	path := PathFor(t.TempDir(), "inbox_watcher")
	first := NewPIDFile(path)
	require.NoError(t, first.Acquire())
	defer first.Release()

	second := NewPIDFile(path)
	err := second.Acquire()
	require.ErrorIs(t, err, ErrHeld)
}

func TestPIDFile_ReleaseRemovesRecord(t *testing.T) {
	path := PathFor(t.TempDir(), "mail_watcher")
	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())
	require.NoError(t, p.Release())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Zero(t, ReadPID(path))

	// Release is idempotent and the record can be re-acquired.
	require.NoError(t, p.Release())
	require.NoError(t, p.Acquire())
	require.NoError(t, p.Release())
}

func TestWriteAndReadPID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pids", "x.pid")
	require.NoError(t, WritePID(path, 4242))
	assert.Equal(t, 4242, ReadPID(path))
}

func TestWritePID_KeepsTheLockedInode(t *testing.T) {
	path := PathFor(t.TempDir(), "orchestrator")
	require.NoError(t, WritePID(path, 4242))
	before, err := os.Stat(path)
	require.NoError(t, err)

	require.NoError(t, WritePID(path, 7))
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after))
	assert.Equal(t, 7, ReadPID(path))

	p := NewPIDFile(path)
	require.NoError(t, p.Acquire())
	defer p.Release()
	assert.Equal(t, os.Getpid(), ReadPID(path))
}

func TestWritePID_LeavesHeldRecordAlone(t *testing.T) {
	path := PathFor(t.TempDir(), "inbox_watcher")
	owner := NewPIDFile(path)
	require.NoError(t, owner.Acquire())
	defer owner.Release()

	// A launcher recording the pid after the component started must not replace the
	// record the component holds.
	require.NoError(t, WritePID(path, 4242))
	assert.Equal(t, os.Getpid(), ReadPID(path))

	second := NewPIDFile(path)
	require.ErrorIs(t, second.Acquire(), ErrHeld)
}

func TestReadPID_Garbage(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"empty.pid":    "",
		"text.pid":     "not-a-pid",
		"negative.pid": "-5",
	}
	for name, content := range tests {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
		assert.Zero(t, ReadPID(path), name)
	}
	assert.Zero(t, ReadPID(filepath.Join(dir, "missing.pid")))
}

func TestAlive(t *testing.T) {
	assert.True(t, Alive(os.Getpid()))
	assert.False(t, Alive(0))
	assert.False(t, Alive(-1))
}
