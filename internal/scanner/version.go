package scanner

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// Version derives a file version from its content type and ordered block
// hashes. Identical bytes always produce identical versions, which is what
// makes block-level dedup and version matching work.
func Version(fileType string, blocks []string) string {
	h := blake3.New()
	h.Write([]byte(fileType))
	h.Write([]byte{0})
	for _, b := range blocks {
		h.Write([]byte(b))
		h.Write([]byte{0})
	}
	digest := h.Sum(nil)
	return hex.EncodeToString(digest[:16])
}
