package mdht

import (
	"fmt"
	"net/netip"
	"time"
)

// NodeInfo is the minimal identity of a remote DHT node:
// its 160-bit ID and its UDP endpoint. This is what travels
// in compact node lists on the wire, and what lookup tasks
// shuttle between their candidate partitions.
type NodeInfo struct {
	ID   Key
	Addr netip.AddrPort
}

func (n NodeInfo) String() string {
	return fmt.Sprintf("%v@%v", n.ID.Short(), n.Addr)
}

// kbucketEntry is a NodeInfo plus the liveness bookkeeping the
// routing table keeps per node. firstSeen never changes after
// insertion; lastResponded advances on every verified response.
type kbucketEntry struct {
	NodeInfo

	firstSeen     time.Time
	lastResponded time.Time

	// consecutive queries that timed out. reset on response.
	failed int
}

// oldAndStaleTimeout is how long a node can sit silent before
// we consider it questionable and probe it during refresh.
const oldAndStaleTimeout = 15 * time.Minute

// maxEntryFailures is how many consecutive timeouts we tolerate
// before an entry is eligible for replacement.
const maxEntryFailures = 3

func newKBucketEntry(ni NodeInfo, now time.Time) *kbucketEntry {
	return &kbucketEntry{
		NodeInfo:  ni,
		firstSeen: now,
	}
}

// good reports whether the entry has responded recently enough
// that we trust it without re-probing.
func (e *kbucketEntry) good(now time.Time) bool {
	return e.failed == 0 && !e.lastResponded.IsZero() &&
		now.Sub(e.lastResponded) < oldAndStaleTimeout
}

// questionable reports whether the entry should be pinged
// before we rely on it or evict it.
func (e *kbucketEntry) questionable(now time.Time) bool {
	return !e.good(now) && e.failed < maxEntryFailures
}

// bad reports whether the entry has failed enough that the
// replacement cache may take its slot.
func (e *kbucketEntry) bad() bool {
	return e.failed >= maxEntryFailures
}

func (e *kbucketEntry) markResponded(now time.Time) {
	e.lastResponded = now
	e.failed = 0
}

func (e *kbucketEntry) markFailed() {
	e.failed++
}
