package kv

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDirGetSetRemove(t *testing.T) {
	d, err := OpenDir(filepath.Join(t.TempDir(), "state"), nil)
	require.NoError(t, err)

	_, ok, err := d.Get("tabsync:leader")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, d.Set("tabsync:leader", `{"ownerId":"a"}`))
	value, ok, err := d.Get("tabsync:leader")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"ownerId":"a"}`, value)

	require.NoError(t, d.Remove("tabsync:leader"))
	require.NoError(t, d.Remove("tabsync:leader"))
	_, ok, err = d.Get("tabsync:leader")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDirSetLeavesNoTempFiles(t *testing.T) {
	path := t.TempDir()
	d, err := OpenDir(path, nil)
	require.NoError(t, err)

	require.NoError(t, d.Set("a", "1"))
	require.NoError(t, d.Set("a", "2"))

	entries, err := os.ReadDir(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDirWatchReportsWritesFromOtherHandles(t *testing.T) {
	path := t.TempDir()
	reader, err := OpenDir(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reader.Close() })
	writer, err := OpenDir(path, nil)
	require.NoError(t, err)

	changes := make(chan Change, 16)
	reader.Watch(func(c Change) { changes <- c })

	require.NoError(t, writer.Set("tabsync:bus", "hello"))

	require.Eventually(t, func() bool {
		for {
			select {
			case c := <-changes:
				if c.Key == "tabsync:bus" && c.Value == "hello" {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
}
