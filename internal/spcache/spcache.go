// Package spcache implements the signage-point cache: a bounded
// in-memory map from signage-point hash to the proofs received for
// it, a quality-to-identifier index, and response counters, with
// time-based eviction.
package spcache

import (
	"sync"
	"time"

	"github.com/seanb95531/chia-farmer/internal/pospace"
)

// SignagePoint is the immutable record of one signage point arrival.
type SignagePoint struct {
	ChallengeHash      pospace.Hash32
	SPHash             pospace.Hash32
	RCHash             pospace.Hash32
	SubSlotIters       uint64
	Difficulty         uint64
	SignagePointIndex  uint8
	PeakHeight         uint32
	LastTxHeight       uint32
}

// QualityIndexEntry identifies which harvester and signage point a
// quality string came from, so a later signature request can be
// routed back to the same harvester/plot.
type QualityIndexEntry struct {
	HarvesterPlotIdentifier string
	SPHash                  pospace.Hash32
	ChallengeHash           pospace.Hash32
	PeerID                  string
}

// ProofRecord pairs a received proof with the harvester that sent it,
// in arrival order.
type ProofRecord struct {
	HarvesterID string
	Proof       *pospace.ProofOfSpace
	Quality     pospace.Hash32
}

// entry is everything the cache tracks for one sp_hash.
type entry struct {
	insertedAt    time.Time
	signagePoints []SignagePoint
	proofs        []ProofRecord
	qualityIndex  map[pospace.Hash32]QualityIndexEntry
}

// Cache is the signage-point cache. Safe for concurrent use, though
// per the concurrency model it is expected to be owned by a single
// dispatcher goroutine; the lock exists so read-only accessors (for
// the admin API or tests) can be called from elsewhere.
type Cache struct {
	mu      sync.Mutex
	entries map[pospace.Hash32]*entry

	// evictAfter is "3 * SUB_SLOT_TIME_TARGET" expressed as a duration.
	evictAfter time.Duration
}

// New returns an empty cache that evicts entries older than
// evictAfter (conventionally 3 * SUB_SLOT_TIME_TARGET).
func New(evictAfter time.Duration) *Cache {
	return &Cache{
		entries:    make(map[pospace.Hash32]*entry),
		evictAfter: evictAfter,
	}
}

// InsertSP records a newly arrived signage point, creating its cache
// entry if this sp_hash hasn't been seen yet, or appending to the
// existing entry's signage-point list if it has (multiple sub-slots
// may reuse the same cc hash).
func (c *Cache) InsertSP(sp SignagePoint, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[sp.SPHash]
	if !ok {
		e = &entry{
			insertedAt:   now,
			qualityIndex: make(map[pospace.Hash32]QualityIndexEntry),
		}
		c.entries[sp.SPHash] = e
	}
	e.signagePoints = append(e.signagePoints, sp)
}

// InsertProof records a verified proof for spHash from harvesterID.
// If quality is already indexed for this sp_hash, the new proof is
// rejected as a duplicate (the quality index admits only the first
// proof of a given quality) and InsertProof returns false.
func (c *Cache) InsertProof(spHash pospace.Hash32, harvesterID string, proof *pospace.ProofOfSpace, quality pospace.Hash32, peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[spHash]
	if !ok {
		return false
	}
	if _, dup := e.qualityIndex[quality]; dup {
		return false
	}

	e.proofs = append(e.proofs, ProofRecord{HarvesterID: harvesterID, Proof: proof, Quality: quality})
	e.qualityIndex[quality] = QualityIndexEntry{
		HarvesterPlotIdentifier: harvesterID,
		SPHash:                  spHash,
		ChallengeHash:           proof.Challenge,
		PeerID:                  peerID,
	}
	return true
}

// LookupByQuality returns the identifiers needed to request a
// signature for a given quality string.
func (c *Cache) LookupByQuality(spHash pospace.Hash32, quality pospace.Hash32) (QualityIndexEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[spHash]
	if !ok {
		return QualityIndexEntry{}, false
	}
	qe, ok := e.qualityIndex[quality]
	return qe, ok
}

// ResponseCount returns the number of proofs recorded for spHash.
func (c *Cache) ResponseCount(spHash pospace.Hash32) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[spHash]
	if !ok {
		return 0
	}
	return len(e.proofs)
}

// EvictExpired removes every entry (and its proofs and quality index)
// whose insertion time is older than evictAfter relative to now. It
// returns the number of entries removed.
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for spHash, e := range c.entries {
		if now.Sub(e.insertedAt) > c.evictAfter {
			delete(c.entries, spHash)
			removed++
		}
	}
	return removed
}

// Len returns the number of distinct sp_hash entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
