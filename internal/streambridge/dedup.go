package streambridge

import (
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

// dedupTTL bounds how long a mark_from_telegram entry stays eligible for
// matching an echoed chunk (spec.md §4.6.3: "Entries expire after a
// bounded TTL to avoid unbounded growth").
const dedupTTL = 30 * time.Second

// dedupSet is the per-session short-lived set of exact texts recently sent
// to the managed process, used to drop the process's own echo of user
// input when the protocol round-trips it as a text chunk.
//
// Open Question resolution (SPEC_FULL.md §5): matching normalizes both the
// recorded text and the incoming chunk to Unicode NFC before comparison,
// since a process may re-encode combining characters differently when it
// echoes input.
type dedupSet struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newDedupSet() *dedupSet {
	return &dedupSet{entries: make(map[string]time.Time)}
}

// mark records text as recently sent by the user.
func (d *dedupSet) mark(text string) {
	key := norm.NFC.String(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked()
	d.entries[key] = time.Now().Add(dedupTTL)
}

// matchAndConsume reports whether text matches a recorded entry; on a
// match, the entry is removed (spec.md §4.6.3: "matched entries are
// removed on first hit").
func (d *dedupSet) matchAndConsume(text string) bool {
	key := norm.NFC.String(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evictLocked()

	if _, ok := d.entries[key]; ok {
		delete(d.entries, key)
		return true
	}
	return false
}

// evictLocked drops expired entries. Caller must hold d.mu.
func (d *dedupSet) evictLocked() {
	now := time.Now()
	for k, exp := range d.entries {
		if now.After(exp) {
			delete(d.entries, k)
		}
	}
}
