package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCreateAndGetFile(t *testing.T) {
	st := openTestStore(t)

	f := File{
		Path:     "/docs/guide.md",
		Version:  "v1",
		Blocks:   []string{"aaa", "bbb"},
		Type:     TypeRegular,
		MTime:    100,
		Size:     2048,
		Backends: []int64{1},
		State:    FileLocal,
	}
	require.NoError(t, st.CreateFile(f))

	got, err := st.GetFile("/docs/guide.md", "v1")
	require.NoError(t, err)
	assert.Equal(t, f, got)

	// Creating the file registers its blocks and the reverse index.
	blk, err := st.GetBlock("aaa")
	require.NoError(t, err)
	assert.Empty(t, blk.Backends)

	refs, err := st.RefsForBlock("bbb")
	require.NoError(t, err)
	assert.Equal(t, []BlockRef{{Path: "/docs/guide.md", Version: "v1"}}, refs)
}

func TestGetFileNotFound(t *testing.T) {
	st := openTestStore(t)
	_, err := st.GetFile("/nope", "v1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimFileIsExclusive(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{
		Path: "/f", Version: "v1", Type: TypeRegular, State: FileDesired,
	}))

	ok, err := st.ClaimFile("/f", "v1", FileDesired, FileDownloading, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim from the same source state loses.
	ok, err = st.ClaimFile("/f", "v1", FileDesired, FileDownloading, 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepStaleFileClaims(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{
		Path: "/f", Version: "v1", Type: TypeRegular, State: FileDesired,
	}))
	ok, err := st.ClaimFile("/f", "v1", FileDesired, FileDownloading, 10)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.SweepStaleFileClaims(5)
	require.NoError(t, err)
	assert.Zero(t, n, "claim newer than cutoff must survive")

	n, err = st.SweepStaleFileClaims(20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := st.GetFile("/f", "v1")
	require.NoError(t, err)
	assert.Equal(t, FileDesired, got.State)
}

func TestLatestVersionPrefersNewestMTime(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "old", Type: TypeRegular, MTime: 10, State: FileRemote}))
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "new", Type: TypeRegular, MTime: 20, State: FileRemote}))

	latest, err := st.LatestVersion("/f")
	require.NoError(t, err)
	assert.Equal(t, "new", latest.Version)
}

func TestLatestVersionTieBreaksOnVersion(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "aaaa", Type: TypeRegular, MTime: 10, State: FileRemote}))
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "bbbb", Type: TypeRegular, MTime: 10, State: FileRemote}))

	// Equal mtimes resolve the same way on every machine.
	latest, err := st.LatestVersion("/f")
	require.NoError(t, err)
	assert.Equal(t, "bbbb", latest.Version)
}

func TestAddFileBackendIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "v1", Type: TypeRegular, State: FileLocal}))

	require.NoError(t, st.AddFileBackend("/f", "v1", 3))
	require.NoError(t, st.AddFileBackend("/f", "v1", 3))
	require.NoError(t, st.AddFileBackend("/f", "v1", 7))

	got, err := st.GetFile("/f", "v1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{3, 7}, got.Backends)
}

func TestUpsertTombstone(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.UpsertTombstone("/f", "tomb", 50))
	got, err := st.GetFile("/f", "tomb")
	require.NoError(t, err)
	assert.Equal(t, TypeDeleted, got.Type)
	assert.Equal(t, FileLocal, got.State)
	assert.EqualValues(t, 50, got.MTime)

	// Deleting again refreshes the mtime and clears propagation state, so
	// the tombstone wins over versions created in between.
	require.NoError(t, st.AddFileBackend("/f", "tomb", 1))
	require.NoError(t, st.UpsertTombstone("/f", "tomb", 90))
	got, err = st.GetFile("/f", "tomb")
	require.NoError(t, err)
	assert.EqualValues(t, 90, got.MTime)
	assert.Empty(t, got.Backends)
}

func TestDeleteFilesForPath(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "v1", Blocks: []string{"shared"}, Type: TypeRegular, State: FileLocal}))
	require.NoError(t, st.CreateFile(File{Path: "/g", Version: "v1", Blocks: []string{"shared"}, Type: TypeRegular, State: FileLocal}))

	require.NoError(t, st.DeleteFilesForPath("/f"))

	_, err := st.GetFile("/f", "v1")
	assert.ErrorIs(t, err, ErrNotFound)

	// The shared block keeps its ref from the surviving file.
	refs, err := st.RefsForBlock("shared")
	require.NoError(t, err)
	assert.Equal(t, []BlockRef{{Path: "/g", Version: "v1"}}, refs)
}

func TestLocalFileLifecycle(t *testing.T) {
	st := openTestStore(t)

	prev, err := st.MarkLocalFileNew("/f", 100)
	require.NoError(t, err)
	assert.Empty(t, prev)

	ok, err := st.ClaimLocalFile("/f", LocalNew, LocalHashing, 10)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, st.MatchLocalFile("/f", "v1", 100))
	lf, err := st.GetLocalFile("/f")
	require.NoError(t, err)
	assert.Equal(t, LocalMatched, lf.State)
	assert.Equal(t, "v1", lf.Version)

	// A change resets to NEW and reports the superseded version.
	prev, err = st.MarkLocalFileNew("/f", 200)
	require.NoError(t, err)
	assert.Equal(t, "v1", prev)
	lf, err = st.GetLocalFile("/f")
	require.NoError(t, err)
	assert.Equal(t, LocalNew, lf.State)
}

func TestReleaseLocalFileRequeues(t *testing.T) {
	st := openTestStore(t)
	_, err := st.MarkLocalFileNew("/f", 100)
	require.NoError(t, err)
	ok, err := st.ClaimLocalFile("/f", LocalNew, LocalHashing, 10)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, st.ReleaseLocalFile("/f"))
	lf, err := st.GetLocalFile("/f")
	require.NoError(t, err)
	assert.Equal(t, LocalNew, lf.State)
}

func TestSweepStaleLocalClaims(t *testing.T) {
	st := openTestStore(t)
	_, err := st.MarkLocalFileNew("/f", 100)
	require.NoError(t, err)
	ok, err := st.ClaimLocalFile("/f", LocalNew, LocalHashing, 10)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := st.SweepStaleLocalClaims(20)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	lf, err := st.GetLocalFile("/f")
	require.NoError(t, err)
	assert.Equal(t, LocalNew, lf.State)
}

func TestEnqueueTransferIdempotent(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.EnqueueTransfer("h1", 1, DirUpload))
	require.NoError(t, st.EnqueueTransfer("h1", 1, DirUpload))

	pending, err := st.TransfersInState(TransferPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestEnqueueTransferRevivesCompleted(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.EnqueueTransfer("h1", 1, DirUpload))

	tr, err := st.ClaimPendingTransfer(1, 10)
	require.NoError(t, err)
	require.NoError(t, st.CompleteTransfer(tr))

	require.NoError(t, st.EnqueueTransfer("h1", 1, DirUpload))
	pending, err := st.TransfersInState(TransferPending, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestClaimPendingTransferHonorsBackoff(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.EnqueueTransfer("h1", 1, DirDownload))

	tr, err := st.ClaimPendingTransfer(1, 10)
	require.NoError(t, err)

	attempts, err := st.ReleaseTransfer(tr, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	// Before the backoff deadline nothing is claimable.
	_, err = st.ClaimPendingTransfer(1, 50)
	assert.ErrorIs(t, err, ErrNotFound)

	tr, err = st.ClaimPendingTransfer(1, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Attempts)
}

func TestClaimPendingTransferScopedToBackend(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.EnqueueTransfer("h1", 1, DirUpload))

	_, err := st.ClaimPendingTransfer(2, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestActiveTransferExists(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.EnqueueTransfer("h1", 1, DirDownload))

	active, err := st.ActiveTransferExists("h1", DirDownload)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = st.ActiveTransferExists("h1", DirUpload)
	require.NoError(t, err)
	assert.False(t, active)

	tr, err := st.ClaimPendingTransfer(1, 10)
	require.NoError(t, err)
	require.NoError(t, st.CompleteTransfer(tr))

	active, err = st.ActiveTransferExists("h1", DirDownload)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestBlockBackendBookkeeping(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "v1", Blocks: []string{"h1"}, Type: TypeRegular, State: FileLocal}))

	require.NoError(t, st.AddBlockBackend("h1", 1))
	require.NoError(t, st.AddBlockBackend("h1", 1))
	require.NoError(t, st.AddBlockBackend("h1", 2))

	blk, err := st.GetBlock("h1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, blk.Backends)

	require.NoError(t, st.RemoveBlockBackend("h1", 1))
	blk, err = st.GetBlock("h1")
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, blk.Backends)
}

func TestEnsureBlockBackendCreatesRow(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.EnsureBlockBackend("h1", 4))
	blk, err := st.GetBlock("h1")
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, blk.Backends)
}

func TestOrphanedBlocks(t *testing.T) {
	st := openTestStore(t)
	require.NoError(t, st.CreateFile(File{Path: "/f", Version: "v1", Blocks: []string{"kept", "doomed"}, Type: TypeRegular, State: FileLocal}))
	require.NoError(t, st.CreateFile(File{Path: "/g", Version: "v1", Blocks: []string{"kept"}, Type: TypeRegular, State: FileLocal}))

	require.NoError(t, st.DeleteFilesForPath("/f"))

	orphans, err := st.OrphanedBlocks()
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "doomed", orphans[0].Hash)
}

func TestUpsertBackendPreservesState(t *testing.T) {
	st := openTestStore(t)

	id, err := st.UpsertBackend("nas", "sftp", map[string]string{"host": "nas.local"}, 10)
	require.NoError(t, err)

	row, err := st.GetBackend(id)
	require.NoError(t, err)
	assert.Equal(t, BackendOffline, row.State)

	require.NoError(t, st.SetBackendState(id, BackendOnline, ""))

	// Re-registering with new options keeps the live state.
	again, err := st.UpsertBackend("nas", "sftp", map[string]string{"host": "nas2.local"}, 20)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	row, err = st.GetBackend(id)
	require.NoError(t, err)
	assert.Equal(t, BackendOnline, row.State)
	assert.Equal(t, "nas2.local", row.Options["host"])
	assert.Equal(t, 20, row.Priority)
}

func TestBackendsOrderedByPriority(t *testing.T) {
	st := openTestStore(t)
	_, err := st.UpsertBackend("slow", "localdir", nil, 1)
	require.NoError(t, err)
	_, err = st.UpsertBackend("fast", "localdir", nil, 100)
	require.NoError(t, err)

	rows, err := st.Backends()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "fast", rows[0].Name)
}

func TestRequests(t *testing.T) {
	st := openTestStore(t)

	require.NoError(t, st.AddRequest("/docs", 10))
	require.NoError(t, st.AddRequest("/docs", 20)) // duplicate is a no-op

	reqs, err := st.Requests()
	require.NoError(t, err)
	assert.Equal(t, []string{"/docs"}, reqs)

	require.NoError(t, st.RemoveRequest("/docs"))
	reqs, err = st.Requests()
	require.NoError(t, err)
	assert.Empty(t, reqs)
}
