//go:build linux

package swcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSmapsRollup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smaps_rollup")
	body := "55d0c0000000-7ffd00000000 ---p 00000000 00:00 0  [rollup]\n" +
		"Rss:                2048 kB\n" +
		"Anonymous:           512 kB\n" +
		"Bogus:               abc kB\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	got := readSmapsRollup(path)
	assert.Equal(t, map[string]uint64{"Rss": 2 << 20, "Anonymous": 512 << 10}, got)

	assert.Nil(t, readSmapsRollup(filepath.Join(t.TempDir(), "missing")))
}

func TestReadMemoryUsage(t *testing.T) {
	mem, ok := readMemoryUsage()
	require.True(t, ok)
	assert.NotZero(t, mem.RSS)
}
