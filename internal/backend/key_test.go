package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBlockKeyFanout(t *testing.T) {
	hash := "deadbeefcafe0123"
	assert.Equal(t, "blocks/4194304/de/dead/deadbeefcafe0123", BlockKey(4194304, hash))
}

func TestFileRecordKeyEscapesPath(t *testing.T) {
	key := FileRecordKey("/docs/user guide.md", "abcd1234")
	assert.Equal(t, "files/%2Fdocs%2Fuser%20guide.md/abcd1234.json", key)
}

func TestFileRecordDir(t *testing.T) {
	assert.Equal(t, "files/%2Fdocs%2Fguide.md", FileRecordDir("/docs/guide.md"))
}
