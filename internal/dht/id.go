package dht

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"math/bits"
)

// IDLen is the width of a DHT identifier in bytes: SHA-1's output size,
// per BEP 5.
const IDLen = sha1.Size

// ID is a 160-bit opaque identifier. Both node IDs and infohashes live in
// this space; the DHT never distinguishes them beyond how they're used.
type ID [IDLen]byte

// RandomID returns a cryptographically random identifier, used to pick the
// local node ID at startup and as the per-search transaction tag seed.
func RandomID() ID {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	return id
}

// Distance returns the XOR metric between a and b.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance orders a and b by how close they are to target: negative
// if a is closer, positive if b is closer, zero if equidistant.
func CompareDistance(target, a, b ID) int {
	da := Distance(target, a)
	db := Distance(target, b)
	return bytes.Compare(da[:], db[:])
}

// CommonPrefixLen returns the number of leading bits shared between a and
// b — equivalently, the number of leading zero bits in their XOR distance.
func CommonPrefixLen(a, b ID) int {
	d := Distance(a, b)
	for i, bt := range d {
		if bt != 0 {
			return i*8 + bits.LeadingZeros8(bt)
		}
	}
	return IDLen * 8
}

// BucketIndex returns which of the local table's 160 buckets remoteID
// belongs in: the number of leading bits it shares with localID, so closer
// IDs land in higher indices (the local ID itself, sharing all 160 bits,
// is clamped into the last bucket). This is the flattened
// representation of the Kademlia bucket-split tree — bucket i holds every
// node whose distance from the local ID has exactly i leading zero
// bits, which is precisely the set of nodes that a literal split-on-demand
// tree would ever carve into their own bucket, since only the branch
// containing the local ID is ever split further. Non-local branches stay
// at a single bucket of size K, which is exactly what indexing by
// common-prefix length gives for free.
func BucketIndex(localID, remoteID ID) int {
	p := CommonPrefixLen(localID, remoteID)
	if p >= numBuckets {
		return numBuckets - 1
	}
	return p
}

// randomIDInBucket returns an ID that falls within the range covered by
// bucket index idx relative to localID — used to pick a refresh target
// when a bucket has gone stale.
func randomIDInBucket(localID ID, idx int) ID {
	id := localID

	bitPos := idx
	byteIdx := bitPos / 8
	bitIdx := uint(bitPos % 8)

	id[byteIdx] ^= 1 << (7 - bitIdx)

	if _, err := rand.Read(id[byteIdx+1:]); err != nil {
		panic("dht: crypto/rand failure: " + err.Error())
	}
	return id
}
