package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	for _, name := range []string{"full", "sparse", "sparse-down"} {
		m, err := ParseMode(name)
		require.NoError(t, err)
		assert.Equal(t, name, m.String())
	}

	_, err := ParseMode("partial")
	assert.Error(t, err)
}

func TestModeCapabilities(t *testing.T) {
	assert.True(t, Full.AllowsUpload())
	assert.True(t, Full.AllowsAutoDownload())
	assert.True(t, Full.PropagatesDelete())

	assert.True(t, Sparse.AllowsUpload())
	assert.False(t, Sparse.AllowsAutoDownload())
	assert.False(t, Sparse.PropagatesDelete())

	assert.False(t, SparseDown.AllowsUpload())
	assert.False(t, SparseDown.AllowsAutoDownload())
	assert.False(t, SparseDown.PropagatesDelete())
}

func TestResolveDefaultsToSparse(t *testing.T) {
	r := NewResolver(nil)
	assert.Equal(t, Sparse, r.Resolve("/anything/at/all"))
}

func TestResolveLongestPrefixWins(t *testing.T) {
	r := NewResolver(map[string]Mode{
		"/":               SparseDown,
		"/projects":       Sparse,
		"/projects/alpha": Full,
	})

	assert.Equal(t, Full, r.Resolve("/projects/alpha/main.go"))
	assert.Equal(t, Full, r.Resolve("/projects/alpha"))
	assert.Equal(t, Sparse, r.Resolve("/projects/beta/main.go"))
	assert.Equal(t, SparseDown, r.Resolve("/readme.md"))
}

func TestResolvePrefixIsPathSegmented(t *testing.T) {
	r := NewResolver(map[string]Mode{"/projects/alpha": Full})

	// A sibling sharing the string prefix is not covered.
	assert.Equal(t, Sparse, r.Resolve("/projects/alphabet/file"))
}

func TestResolveNormalizesUnrootedRules(t *testing.T) {
	r := NewResolver(map[string]Mode{"media/photos": Full})
	assert.Equal(t, Full, r.Resolve("/media/photos/cat.jpg"))
}

func TestCovers(t *testing.T) {
	assert.True(t, Covers("/docs", "/docs/guide.md"))
	assert.True(t, Covers("/docs/guide.md", "/docs/guide.md"))
	assert.True(t, Covers("/", "/anything"))
	assert.False(t, Covers("/docs", "/docs2/guide.md"))
	assert.False(t, Covers("/docs/guide.md", "/docs"))
}
