package backend

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalDir(t *testing.T) *LocalDir {
	t.Helper()
	l, err := NewLocalDir(map[string]string{"root": t.TempDir()}, 4)
	require.NoError(t, err)
	return l
}

func TestNewLocalDirRequiresRoot(t *testing.T) {
	_, err := NewLocalDir(nil, 4)
	assert.Error(t, err)
}

func TestNewLocalDirRejectsForeignDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "unrelated.txt"), []byte("x"), 0o644))

	_, err := NewLocalDir(map[string]string{"root": root}, 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not empty")
}

func TestNewLocalDirReopensExistingRoot(t *testing.T) {
	root := t.TempDir()
	_, err := NewLocalDir(map[string]string{"root": root}, 4)
	require.NoError(t, err)

	// Second open of an initialized root succeeds.
	_, err = NewLocalDir(map[string]string{"root": root}, 4)
	assert.NoError(t, err)
}

func TestBlockRoundTrip(t *testing.T) {
	l := newTestLocalDir(t)
	ctx := context.Background()
	hash := "deadbeefcafe0123"

	has, err := l.HasBlock(ctx, hash)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, l.PutBlock(ctx, hash, strings.NewReader("data")))

	has, err = l.HasBlock(ctx, hash)
	require.NoError(t, err)
	assert.True(t, has)

	rc, err := l.GetBlock(ctx, hash)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "data", string(data))
}

func TestGetBlockNotFound(t *testing.T) {
	l := newTestLocalDir(t)
	_, err := l.GetBlock(context.Background(), "deadbeefcafe0123")
	assert.ErrorIs(t, err, ErrBlockNotFound)
}

func TestDeleteBlockIdempotent(t *testing.T) {
	l := newTestLocalDir(t)
	ctx := context.Background()
	hash := "deadbeefcafe0123"

	require.NoError(t, l.PutBlock(ctx, hash, strings.NewReader("data")))
	require.NoError(t, l.DeleteBlock(ctx, hash))
	require.NoError(t, l.DeleteBlock(ctx, hash))

	has, err := l.HasBlock(ctx, hash)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFileRecordRoundTrip(t *testing.T) {
	l := newTestLocalDir(t)
	ctx := context.Background()

	recs := []FileRecord{
		{Path: "/docs/guide.md", Version: "v1", Blocks: []string{"aaaa"}, Type: "regular", MTime: 10, Size: 4},
		{Path: "/docs/guide.md", Version: "v2", Blocks: []string{"bbbb"}, Type: "regular", MTime: 20, Size: 4},
		{Path: "/bin/tool", Version: "v1", Blocks: []string{"cccc"}, Type: "executable", MTime: 30, Size: 4},
	}
	require.NoError(t, l.PutFiles(ctx, recs))

	var got []FileRecord
	require.NoError(t, l.ListFiles(ctx, func(rec FileRecord) error {
		got = append(got, rec)
		return nil
	}))
	assert.ElementsMatch(t, recs, got)
}

func TestListFilesEmptyRoot(t *testing.T) {
	l := newTestLocalDir(t)
	require.NoError(t, l.ListFiles(context.Background(), func(FileRecord) error {
		t.Fatal("unexpected record")
		return nil
	}))
}

func TestDeleteFilesRemovesAllVersions(t *testing.T) {
	l := newTestLocalDir(t)
	ctx := context.Background()

	require.NoError(t, l.PutFiles(ctx, []FileRecord{
		{Path: "/docs/guide.md", Version: "v1", Type: "regular"},
		{Path: "/docs/guide.md", Version: "v2", Type: "regular"},
		{Path: "/docs/other.md", Version: "v1", Type: "regular"},
	}))
	require.NoError(t, l.DeleteFiles(ctx, "/docs/guide.md"))

	var paths []string
	require.NoError(t, l.ListFiles(ctx, func(rec FileRecord) error {
		paths = append(paths, rec.Path)
		return nil
	}))
	assert.Equal(t, []string{"/docs/other.md"}, paths)
}

func TestPutFilesOverwritesRecord(t *testing.T) {
	l := newTestLocalDir(t)
	ctx := context.Background()

	require.NoError(t, l.PutFiles(ctx, []FileRecord{
		{Path: "/f", Version: "v1", Type: "regular", MTime: 10},
	}))
	require.NoError(t, l.PutFiles(ctx, []FileRecord{
		{Path: "/f", Version: "v1", Type: "regular", MTime: 99},
	}))

	var got []FileRecord
	require.NoError(t, l.ListFiles(ctx, func(rec FileRecord) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 1)
	assert.EqualValues(t, 99, got[0].MTime)
}

func TestPing(t *testing.T) {
	l := newTestLocalDir(t)
	require.NoError(t, l.Ping(context.Background()))
}

func TestTransientError(t *testing.T) {
	err := Transientf("flaky thing: %d", 7)
	assert.True(t, IsTransient(err))
	assert.False(t, IsTransient(ErrBlockNotFound))
	assert.False(t, IsTransient(nil))
}
