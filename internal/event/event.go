// Package event carries typed progress events from the reconciliation
// loops to whoever wants them (the daemon's event log, tests).
package event

import (
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type int

const (
	FileDiscovered Type = iota + 1
	FileHashed
	FileReleased
	TransferQueued
	BlockUploaded
	BlockDownloaded
	FilePropagated
	FileIngested
	FileDesired
	FileMaterialized
	FileTombstoned
	FilePurged
	BackendDegraded
)

var typeNames = [...]string{
	FileDiscovered:   "FileDiscovered",
	FileHashed:       "FileHashed",
	FileReleased:     "FileReleased",
	TransferQueued:   "TransferQueued",
	BlockUploaded:    "BlockUploaded",
	BlockDownloaded:  "BlockDownloaded",
	FilePropagated:   "FilePropagated",
	FileIngested:     "FileIngested",
	FileDesired:      "FileDesired",
	FileMaterialized: "FileMaterialized",
	FileTombstoned:   "FileTombstoned",
	FilePurged:       "FilePurged",
	BackendDegraded:  "BackendDegraded",
}

func (t Type) String() string {
	if int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Event is a single progress event from a reconciliation loop.
type Event struct {
	Type      Type
	Timestamp time.Time
	Path      string // logical path, when applicable
	Version   string
	Hash      string // block hash, when applicable
	Backend   string // backend name, when applicable
	Size      int64
	Error     error
}

// Bus fans events out to subscribers. Publishing never blocks: a slow
// subscriber misses events rather than stalling a loop.
type Bus struct {
	mu   sync.RWMutex
	subs []chan Event
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel receiving future events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers ev to every subscriber that has room.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
