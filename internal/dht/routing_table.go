package dht

import (
	"sort"
	"sync"
)

// InsertOutcome reports what RoutingTable.Insert did with a contact.
type InsertOutcome int

const (
	// Inserted means the contact now occupies a slot in its bucket,
	// either newly added, refreshed, or swapped in for a bad incumbent.
	Inserted InsertOutcome = iota
	// Rejected means the contact is the local node itself.
	Rejected
	// PendingPing means the contact's bucket is full of live contacts;
	// the caller must ping the returned incumbent and call
	// ResolveReplacement with the result.
	PendingPing
)

// Replacement describes a bucket-full newcomer awaiting a liveness check
// on the bucket's least-recently-seen contact (spec.md §4.1, §9).
type Replacement struct {
	BucketIndex int
	Incumbent   *Contact
	Candidate   *Contact
}

// RoutingTable is a Kademlia bucket table scoped to one address family
// (spec.md §3). It keeps one bucket per common-prefix length with the
// local ID — see BucketIndex for why that's equivalent to a tree that
// only ever splits the branch containing the local ID.
type RoutingTable struct {
	localID ID
	family  Family

	mut     sync.Mutex
	buckets [numBuckets]*bucket
}

func NewRoutingTable(localID ID, family Family) *RoutingTable {
	rt := &RoutingTable{localID: localID, family: family}
	for i := range rt.buckets {
		rt.buckets[i] = newBucket()
	}
	return rt
}

func (rt *RoutingTable) ID() ID          { return rt.localID }
func (rt *RoutingTable) Family() Family  { return rt.family }

// Insert applies the add() operation of spec.md §4.1.
func (rt *RoutingTable) Insert(contact *Contact) (InsertOutcome, *Replacement) {
	if contact.ID() == rt.localID {
		return Rejected, nil
	}

	rt.mut.Lock()
	defer rt.mut.Unlock()

	idx := BucketIndex(rt.localID, contact.ID())
	b := rt.buckets[idx]

	if b.Insert(contact) {
		return Inserted, nil
	}

	lru := b.LRU()
	if lru == nil {
		// Unreachable: IsFull implies at least one contact, but guard
		// against a racing Remove anyway.
		b.Insert(contact)
		return Inserted, nil
	}

	for _, c := range b.All() {
		if c.IsBad() {
			b.Remove(c.ID())
			b.Insert(contact)
			return Inserted, nil
		}
	}

	return PendingPing, &Replacement{BucketIndex: idx, Incumbent: lru, Candidate: contact}
}

// ResolveReplacement finishes a PendingPing outcome: if the incumbent
// answered the liveness ping, the newcomer is dropped; otherwise the
// incumbent is evicted and the newcomer takes its place.
func (rt *RoutingTable) ResolveReplacement(r *Replacement, incumbentResponded bool) {
	if incumbentResponded {
		return
	}

	rt.mut.Lock()
	defer rt.mut.Unlock()

	b := rt.buckets[r.BucketIndex]
	b.Remove(r.Incumbent.ID())
	if !b.Insert(r.Candidate) {
		b.ReplaceLRU(r.Candidate)
	}
}

func (rt *RoutingTable) Remove(id ID) bool {
	idx := BucketIndex(rt.localID, id)

	rt.mut.Lock()
	defer rt.mut.Unlock()
	return rt.buckets[idx].Remove(id)
}

func (rt *RoutingTable) Get(id ID) *Contact {
	idx := BucketIndex(rt.localID, id)
	return rt.buckets[idx].Get(id)
}

// Touch applies a liveness event to a known contact; it is a no-op if the
// id isn't in the table (spec.md §4.1's Touch operation).
func (rt *RoutingTable) Touch(id ID, event TouchEvent) {
	if c := rt.Get(id); c != nil {
		c.Touch(event)
	}
}

// FindClosestK returns up to k good-or-questionable contacts sorted by
// ascending XOR distance to target, drawn from the target's bucket and
// then expanding outward to sibling buckets (spec.md §4.1).
func (rt *RoutingTable) FindClosestK(target ID, k int) []*Contact {
	rt.mut.Lock()
	targetIdx := BucketIndex(rt.localID, target)

	var candidates []*Contact
	candidates = append(candidates, rt.buckets[targetIdx].All()...)

	for span := 1; len(candidates) < k*2 && (targetIdx-span >= 0 || targetIdx+span < numBuckets); span++ {
		if targetIdx-span >= 0 {
			candidates = append(candidates, rt.buckets[targetIdx-span].All()...)
		}
		if targetIdx+span < numBuckets {
			candidates = append(candidates, rt.buckets[targetIdx+span].All()...)
		}
	}
	rt.mut.Unlock()

	live := candidates[:0]
	for _, c := range candidates {
		if !c.IsBad() {
			live = append(live, c)
		}
	}

	sort.Slice(live, func(i, j int) bool {
		cmp := CompareDistance(target, live[i].ID(), live[j].ID())
		if cmp != 0 {
			return cmp < 0
		}
		return tieBreak(live[i], live[j])
	})

	// dedupe (a contact's id can never appear in two buckets, but be
	// defensive since the caller treats this as a set).
	seen := make(map[ID]bool, len(live))
	out := make([]*Contact, 0, k)
	for _, c := range live {
		if len(out) >= k {
			break
		}
		if seen[c.ID()] {
			continue
		}
		seen[c.ID()] = true
		out = append(out, c)
	}
	return out
}

// tieBreak orders equidistant contacts per spec.md §4.1: good over
// questionable, then fewer failed queries, then lexicographically
// smaller id.
func tieBreak(a, b *Contact) bool {
	as, bs := a.State(), b.State()
	if as != bs {
		return as == StateGood
	}
	if af, bf := a.FailedQueries(), b.FailedQueries(); af != bf {
		return af < bf
	}
	ai, bi := a.ID(), b.ID()
	for i := range ai {
		if ai[i] != bi[i] {
			return ai[i] < bi[i]
		}
	}
	return false
}

func (rt *RoutingTable) Size() int {
	count := 0
	for _, b := range rt.buckets {
		count += b.Len()
	}
	return count
}

// BucketsNeedingRefresh returns the indices of every non-empty bucket
// that hasn't changed in the stale window (spec.md §4.1,
// refresh_stale_buckets).
func (rt *RoutingTable) BucketsNeedingRefresh() []int {
	var indices []int
	for i, b := range rt.buckets {
		if b.Len() > 0 && b.NeedsRefresh() {
			indices = append(indices, i)
		}
	}
	return indices
}

// RandomIDInBucket returns a target that falls in bucket idx's range, for
// the refresh lookup that bucket is due.
func (rt *RoutingTable) RandomIDInBucket(idx int) ID {
	return randomIDInBucket(rt.localID, idx)
}

func (rt *RoutingTable) QuestionableContacts() []*Contact {
	var out []*Contact
	for _, b := range rt.buckets {
		for _, c := range b.All() {
			if c.IsQuestionable() {
				out = append(out, c)
			}
		}
	}
	return out
}

// Stats summarizes table occupancy and liveness, used by the bootstrap
// convergence test (spec.md §8 scenario 1) and operational visibility.
type Stats struct {
	TotalContacts        int
	GoodContacts         int
	QuestionableContacts int
	BadContacts          int
	FilledBuckets        int
	EmptyBuckets         int
}

func (rt *RoutingTable) GetStats() Stats {
	var s Stats

	for _, b := range rt.buckets {
		contacts := b.All()
		if len(contacts) == 0 {
			s.EmptyBuckets++
			continue
		}

		s.FilledBuckets++
		s.TotalContacts += len(contacts)

		for _, c := range contacts {
			switch c.State() {
			case StateGood:
				s.GoodContacts++
			case StateQuestionable:
				s.QuestionableContacts++
			case StateBad:
				s.BadContacts++
			}
		}
	}

	return s
}

// BucketForLocalID returns the index of the bucket that would contain the
// local node ID itself — the bucket covering the narrowest range, shared
// prefix length 159 — used by bootstrap convergence checks.
func (rt *RoutingTable) BucketForLocalID() int {
	return numBuckets - 1
}
