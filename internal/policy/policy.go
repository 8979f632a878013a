package policy

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Mode is the per-path sync direction.
type Mode int

const (
	// Full syncs both ways: remote files are downloaded automatically,
	// local changes are uploaded, local deletions propagate as tombstones.
	Full Mode = iota
	// Sparse downloads only on explicit request; local changes still
	// upload, and local deletion just un-requests the path.
	Sparse
	// SparseDown downloads only on explicit request and never uploads
	// anything, deletions included.
	SparseDown
)

var modeNames = map[Mode]string{
	Full:       "full",
	Sparse:     "sparse",
	SparseDown: "sparse-down",
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode converts a config mode string.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown sync mode %q", s)
}

// AllowsUpload reports whether local content and changes may be uploaded.
func (m Mode) AllowsUpload() bool { return m != SparseDown }

// AllowsAutoDownload reports whether remote files are downloaded without an
// explicit request.
func (m Mode) AllowsAutoDownload() bool { return m == Full }

// PropagatesDelete reports whether a local deletion becomes a remote
// tombstone (as opposed to just releasing the local copy).
func (m Mode) PropagatesDelete() bool { return m == Full }

// Resolver maps logical paths to sync modes by longest-prefix match.
// Logical paths are slash-separated and rooted at "/".
type Resolver struct {
	rules []rule
	def   Mode
}

type rule struct {
	prefix string
	mode   Mode
}

// NewResolver builds a resolver from (prefix, mode) pairs. The default for
// unmatched paths is Sparse: a fresh checkout must never mass-download.
func NewResolver(rules map[string]Mode) *Resolver {
	r := &Resolver{def: Sparse}
	for prefix, mode := range rules {
		r.rules = append(r.rules, rule{prefix: cleanPath(prefix), mode: mode})
	}
	// Longest prefix first so the first match wins.
	sort.Slice(r.rules, func(i, j int) bool {
		return len(r.rules[i].prefix) > len(r.rules[j].prefix)
	})
	return r
}

// Resolve returns the mode governing p.
func (r *Resolver) Resolve(p string) Mode {
	p = cleanPath(p)
	for _, ru := range r.rules {
		if covers(ru.prefix, p) {
			return ru.mode
		}
	}
	return r.def
}

// covers reports whether prefix governs p: either equal, or p lives under
// the prefix directory.
func covers(prefix, p string) bool {
	if prefix == "/" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func cleanPath(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// Covers reports whether a request rooted at reqPath applies to p. Exposed
// for the desire loop's explicit-request matching.
func Covers(reqPath, p string) bool {
	return covers(cleanPath(reqPath), cleanPath(p))
}
