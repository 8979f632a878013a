// Package stats tracks sync progress with lock-free atomic counters.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector aggregates counters across every reconciliation loop.
type Collector struct {
	filesHashed       atomic.Int64
	filesMaterialized atomic.Int64
	filesPropagated   atomic.Int64
	filesIngested     atomic.Int64
	tombstones        atomic.Int64
	blocksUploaded    atomic.Int64
	blocksDownloaded  atomic.Int64
	bytesUploaded     atomic.Int64
	bytesDownloaded   atomic.Int64
	transferRetries   atomic.Int64
	startTime         time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddFilesHashed(n int64)       { c.filesHashed.Add(n) }
func (c *Collector) AddFilesMaterialized(n int64) { c.filesMaterialized.Add(n) }
func (c *Collector) AddFilesPropagated(n int64)   { c.filesPropagated.Add(n) }
func (c *Collector) AddFilesIngested(n int64)     { c.filesIngested.Add(n) }
func (c *Collector) AddTombstones(n int64)        { c.tombstones.Add(n) }
func (c *Collector) AddBlocksUploaded(n int64)    { c.blocksUploaded.Add(n) }
func (c *Collector) AddBlocksDownloaded(n int64)  { c.blocksDownloaded.Add(n) }
func (c *Collector) AddBytesUploaded(n int64)     { c.bytesUploaded.Add(n) }
func (c *Collector) AddBytesDownloaded(n int64)   { c.bytesDownloaded.Add(n) }
func (c *Collector) AddTransferRetries(n int64)   { c.transferRetries.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesHashed       int64
	FilesMaterialized int64
	FilesPropagated   int64
	FilesIngested     int64
	Tombstones        int64
	BlocksUploaded    int64
	BlocksDownloaded  int64
	BytesUploaded     int64
	BytesDownloaded   int64
	TransferRetries   int64
	Elapsed           time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesHashed:       c.filesHashed.Load(),
		FilesMaterialized: c.filesMaterialized.Load(),
		FilesPropagated:   c.filesPropagated.Load(),
		FilesIngested:     c.filesIngested.Load(),
		Tombstones:        c.tombstones.Load(),
		BlocksUploaded:    c.blocksUploaded.Load(),
		BlocksDownloaded:  c.blocksDownloaded.Load(),
		BytesUploaded:     c.bytesUploaded.Load(),
		BytesDownloaded:   c.bytesDownloaded.Load(),
		TransferRetries:   c.transferRetries.Load(),
		Elapsed:           time.Since(c.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"hashed=%d materialized=%d propagated=%d ingested=%d tombstones=%d up=%d/%s down=%d/%s retries=%d",
		s.FilesHashed, s.FilesMaterialized, s.FilesPropagated, s.FilesIngested,
		s.Tombstones,
		s.BlocksUploaded, FormatBytes(s.BytesUploaded),
		s.BlocksDownloaded, FormatBytes(s.BytesDownloaded),
		s.TransferRetries,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
