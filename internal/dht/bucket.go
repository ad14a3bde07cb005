package dht

import (
	"sync"
	"time"
)

// K is the Kademlia bucket capacity.
const K = 8

// numBuckets is the number of bits in an ID; the table keeps one bucket
// per possible common-prefix length with the local ID.
const numBuckets = IDLen * 8

// staleAfter is how long a bucket may go unchanged before it is due for a
// refresh lookup.
const staleAfter = 15 * time.Minute

// bucket is an ordered collection of at most K contacts sharing a common
// prefix length with the local node ID. The head of the list is the
// least-recently-seen contact; Insert moves an existing contact to the
// tail, matching an LRU cache.
type bucket struct {
	mut         sync.RWMutex
	contacts    []*Contact
	lastChanged time.Time
}

func newBucket() *bucket {
	return &bucket{
		contacts:    make([]*Contact, 0, K),
		lastChanged: time.Now(),
	}
}

func (b *bucket) Len() int {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts)
}

func (b *bucket) IsFull() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return len(b.contacts) >= K
}

func (b *bucket) Get(id ID) *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for _, c := range b.contacts {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Insert adds contact if there is room, or moves it to the tail if already
// present. Returns false if the bucket is full and contact is unknown — the
// caller (RoutingTable) decides how to handle that via the eviction policy.
func (b *bucket) Insert(contact *Contact) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == contact.ID() {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.contacts = append(b.contacts, c)
			b.lastChanged = time.Now()
			return true
		}
	}

	if len(b.contacts) >= K {
		return false
	}

	b.contacts = append(b.contacts, contact)
	b.lastChanged = time.Now()
	return true
}

func (b *bucket) Remove(id ID) bool {
	b.mut.Lock()
	defer b.mut.Unlock()

	for i, c := range b.contacts {
		if c.ID() == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			b.lastChanged = time.Now()
			return true
		}
	}
	return false
}

// ReplaceLRU drops the bucket's least-recently-seen contact and appends
// newContact at the tail. Used once that contact has failed a liveness
// ping, the last step of the "ping the most questionable node" eviction
// path.
func (b *bucket) ReplaceLRU(newContact *Contact) {
	b.mut.Lock()
	defer b.mut.Unlock()

	if len(b.contacts) > 0 {
		b.contacts = append(b.contacts[:0:0], b.contacts[1:]...)
	}
	b.contacts = append(b.contacts, newContact)
	b.lastChanged = time.Now()
}

// LRU returns the bucket's least-recently-seen contact: the one a full
// bucket pings before accepting a newcomer.
func (b *bucket) LRU() *Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	if len(b.contacts) == 0 {
		return nil
	}
	return b.contacts[0]
}

func (b *bucket) NeedsRefresh() bool {
	b.mut.RLock()
	defer b.mut.RUnlock()
	return time.Since(b.lastChanged) > staleAfter
}

func (b *bucket) All() []*Contact {
	b.mut.RLock()
	defer b.mut.RUnlock()

	result := make([]*Contact, len(b.contacts))
	copy(result, b.contacts)
	return result
}
