package scanner

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func TestScanAndHashSingleBlock(t *testing.T) {
	dir := t.TempDir()
	data := []byte("hello strata")
	p := writeFile(t, dir, "hello.txt", data)

	sum, err := ScanAndHash(p, 1024)
	require.NoError(t, err)

	want := sha256.Sum256(data)
	require.Len(t, sum.Blocks, 1)
	assert.Equal(t, hex.EncodeToString(want[:]), sum.Blocks[0])
	assert.Equal(t, int64(len(data)), sum.Size)
	assert.False(t, sum.Executable)
}

func TestScanAndHashSplitsOnBlockBoundary(t *testing.T) {
	dir := t.TempDir()
	// 10 bytes at block size 4: blocks of 4, 4, 2.
	p := writeFile(t, dir, "blocks.bin", []byte("0123456789"))

	sum, err := ScanAndHash(p, 4)
	require.NoError(t, err)
	require.Len(t, sum.Blocks, 3)

	for i, part := range [][]byte{[]byte("0123"), []byte("4567"), []byte("89")} {
		want := sha256.Sum256(part)
		assert.Equal(t, hex.EncodeToString(want[:]), sum.Blocks[i], "block %d", i)
	}
}

func TestScanAndHashEmptyFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "empty", nil)

	sum, err := ScanAndHash(p, 4)
	require.NoError(t, err)
	assert.Empty(t, sum.Blocks)
	assert.Zero(t, sum.Size)
}

func TestScanAndHashExecutableBit(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "run.sh", []byte("#!/bin/sh\n"))
	require.NoError(t, os.Chmod(p, 0o755))

	sum, err := ScanAndHash(p, 1024)
	require.NoError(t, err)
	assert.True(t, sum.Executable)
}

func TestReadBlockAt(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "blocks.bin", []byte("0123456789"))

	data, err := ReadBlockAt(p, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("4567"), data)

	tail, err := ReadBlockAt(p, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("89"), tail)
}

func TestVersionDeterministic(t *testing.T) {
	blocks := []string{"aaaa", "bbbb"}
	v1 := Version("regular", blocks)
	v2 := Version("regular", []string{"aaaa", "bbbb"})
	assert.Equal(t, v1, v2)
	assert.Len(t, v1, 16)
}

func TestVersionSensitivity(t *testing.T) {
	blocks := []string{"aaaa", "bbbb"}

	// Order, content, and file type all change the version.
	assert.NotEqual(t, Version("regular", blocks), Version("regular", []string{"bbbb", "aaaa"}))
	assert.NotEqual(t, Version("regular", blocks), Version("regular", []string{"aaaa"}))
	assert.NotEqual(t, Version("regular", blocks), Version("executable", blocks))
	assert.NotEqual(t, Version("regular", nil), Version("deleted", nil))
}

func TestWalkSkipsStateDirAndTempFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "keep.txt", []byte("a"))
	writeFile(t, dir, "sub/nested.txt", []byte("b"))
	writeFile(t, dir, StateDirName+"/strata.db", []byte("db"))
	writeFile(t, dir, TempPrefix+"partial.abc123", []byte("tmp"))
	writeFile(t, dir, "sub/"+TempPrefix+"other.def456", []byte("tmp"))

	var paths []string
	require.NoError(t, Walk(dir, func(e Entry) error {
		paths = append(paths, e.Path)
		return nil
	}))
	assert.ElementsMatch(t, []string{"/keep.txt", "/sub/nested.txt"}, paths)
}

func TestLogicalAndDiskPathRoundTrip(t *testing.T) {
	root := t.TempDir()
	logical := LogicalPath(filepath.Join("sub", "file.txt"))
	assert.Equal(t, "/sub/file.txt", logical)
	assert.Equal(t, filepath.Join(root, "sub", "file.txt"), DiskPath(root, logical))
}
