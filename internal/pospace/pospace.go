package pospace

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNotImplemented is returned by quality-string verification for v2
// plots. The reference implementation this is ported from raises
// NotImplementedError for validate_proof_v2; there is no known-correct
// v2 verification algorithm to port, so this mirrors that gap exactly
// rather than inventing one.
var ErrNotImplemented = errors.New("pospace: v2 plot verification is not implemented")

// ErrInvariant flags a proof that violates a structural invariant:
// bad pool-identity exclusivity, bad plot size, challenge mismatch, or
// plot-filter failure. Per the spec this is never treated as the
// harvester's fault — the proof is simply dropped.
var ErrInvariant = errors.New("pospace: proof failed an invariant check")

const hashSize = 32

// Hash32 is the canonical 32-byte hash type used throughout the
// consensus-facing parts of the farmer.
type Hash32 [hashSize]byte

// H is the canonical hash function, std_hash in the reference
// implementation: unkeyed SHA-256, no truncation. Consensus-critical
// code must use this, never a faster general-purpose hash.
func H(parts ...[]byte) Hash32 {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// PlotVersion distinguishes the two supported plot file formats.
type PlotVersion int

const (
	PlotVersionUnknown PlotVersion = iota
	PlotVersionV1
	PlotVersionV2
)

// ProofOfSpace is the wire/verification representation of a proof
// returned by a harvester for a given signage point.
type ProofOfSpace struct {
	Challenge               Hash32
	PoolPublicKey            []byte // G1Element bytes; mutually exclusive with PoolContractPuzzleHash
	PoolContractPuzzleHash   *Hash32
	PlotPublicKey            []byte // G1Element bytes
	VersionAndSize           uint8  // encodes version + k-size
	Proof                    []byte
}

// sizeV1 returns (k, true) if VersionAndSize encodes a v1 plot.
// v1 plots encode k directly in the low 7 bits with the high bit
// clear; values 0 are not valid sizes and are treated as "not v1".
func (p *ProofOfSpace) sizeV1() (uint8, bool) {
	if p.VersionAndSize&0x80 != 0 {
		return 0, false
	}
	k := p.VersionAndSize
	if k == 0 {
		return 0, false
	}
	return k, true
}

// sizeV2 returns (k, true) if VersionAndSize encodes a v2 plot. The
// high bit set marks v2; the low bits carry k restricted to {28,30,32}.
func (p *ProofOfSpace) sizeV2() (uint8, bool) {
	if p.VersionAndSize&0x80 == 0 {
		return 0, false
	}
	k := p.VersionAndSize &^ 0x80
	switch k {
	case 28, 30, 32:
		return k, true
	default:
		return 0, false
	}
}

// hasPoolPublicKey reports whether the pool identity is a raw public key.
func (p *ProofOfSpace) hasPoolPublicKey() bool {
	return len(p.PoolPublicKey) > 0
}

// GetPlotID implements get_plot_id: exactly one pool identity must be
// present.
func GetPlotID(p *ProofOfSpace) (Hash32, error) {
	hasPK := p.hasPoolPublicKey()
	hasPH := p.PoolContractPuzzleHash != nil
	if hasPK == hasPH {
		return Hash32{}, fmt.Errorf("%w: expected exactly one of pool public key or pool contract puzzle hash", ErrInvariant)
	}
	if hasPH {
		return CalculatePlotIDPH(*p.PoolContractPuzzleHash, p.PlotPublicKey), nil
	}
	return CalculatePlotIDPK(p.PoolPublicKey, p.PlotPublicKey), nil
}

// CalculatePlotIDPK implements calculate_plot_id_pk.
func CalculatePlotIDPK(poolPublicKey, plotPublicKey []byte) Hash32 {
	return H(poolPublicKey, plotPublicKey)
}

// CalculatePlotIDPH implements calculate_plot_id_ph.
func CalculatePlotIDPH(poolContractPuzzleHash Hash32, plotPublicKey []byte) Hash32 {
	return H(poolContractPuzzleHash[:], plotPublicKey)
}

// CalculatePlotFilterInput implements calculate_plot_filter_input.
func CalculatePlotFilterInput(plotID, challengeHash, signagePoint Hash32) Hash32 {
	return H(plotID[:], challengeHash[:], signagePoint[:])
}

// CalculatePosChallenge implements calculate_pos_challenge: a second
// hash over the filter input.
func CalculatePosChallenge(plotID, challengeHash, signagePoint Hash32) Hash32 {
	input := CalculatePlotFilterInput(plotID, challengeHash, signagePoint)
	return H(input[:])
}

// PassesPlotFilter implements passes_plot_filter: prefixBits == 0
// always passes; otherwise the high-order prefixBits of the filter
// input, read as a big-endian unsigned integer, must be exactly zero.
func PassesPlotFilter(prefixBits int, plotID, challengeHash, signagePoint Hash32) bool {
	if prefixBits == 0 {
		return true
	}
	input := CalculatePlotFilterInput(plotID, challengeHash, signagePoint)
	return topBitsAreZero(input[:], prefixBits)
}

// topBitsAreZero reports whether the top n bits of b are all zero.
func topBitsAreZero(b []byte, n int) bool {
	fullBytes := n / 8
	remBits := n % 8
	for i := 0; i < fullBytes && i < len(b); i++ {
		if b[i] != 0 {
			return false
		}
	}
	if remBits == 0 {
		return true
	}
	if fullBytes >= len(b) {
		return true
	}
	mask := byte(0xFF << (8 - remBits))
	return b[fullBytes]&mask == 0
}

// CalculatePrefixBits implements calculate_prefix_bits. Only the
// single highest applicable height threshold reduces the base value —
// the chain is else-if, never cumulative.
func CalculatePrefixBits(c Constants, height uint32) int {
	prefixBits := int(c.NumberZeroBitsPlotFilterV1)
	switch {
	case height >= c.PlotFilter32Height:
		prefixBits -= 4
	case height >= c.PlotFilter64Height:
		prefixBits -= 3
	case height >= c.PlotFilter128Height:
		prefixBits -= 2
	case height >= c.HardForkHeight:
		prefixBits -= 1
	}
	if prefixBits < 0 {
		return 0
	}
	return prefixBits
}

// FeeQuality implements fee_quality: the last 4 bytes of H(proof ||
// challenge) read as a big-endian uint32.
func FeeQuality(proof []byte, challenge Hash32) uint32 {
	h := H(proof, challenge[:])
	return binary.BigEndian.Uint32(h[hashSize-4:])
}

// QualityVerifier validates a proof's bytes against a plot id and
// challenge and returns the 32-byte quality string. v1 and v2 plot
// formats each need their own chiapos-equivalent verifier; this
// package does not implement the k-table verification algorithm
// itself (that belongs to a plot-format library), so callers supply
// one via this interface. A production farmer wires in the real
// plot-format verifier; tests wire in a fake that returns a
// deterministic quality for known inputs.
type QualityVerifier interface {
	ValidateProofV1(plotID Hash32, k uint8, challenge Hash32, proof []byte) (Hash32, bool)
}

// VerifyAndGetQualityString implements verify_and_get_quality_string.
// originalChallengeHash and signagePoint are the values the dispatcher
// sent to harvesters for this signage point; height is the current
// peak height (used to select the v1 plot-filter prefix).
func VerifyAndGetQualityString(
	p *ProofOfSpace,
	c Constants,
	originalChallengeHash Hash32,
	signagePoint Hash32,
	height uint32,
	verifier QualityVerifier,
) (Hash32, error) {
	hasPK := p.hasPoolPublicKey()
	hasPH := p.PoolContractPuzzleHash != nil
	if !hasPK && !hasPH {
		return Hash32{}, fmt.Errorf("%w: expected pool public key or pool contract puzzle hash but got neither", ErrInvariant)
	}
	if hasPK && hasPH {
		return Hash32{}, fmt.Errorf("%w: expected pool public key or pool contract puzzle hash but got both", ErrInvariant)
	}

	var prefixBits int
	if k, ok := p.sizeV1(); ok {
		if k < c.MinPlotSize {
			return Hash32{}, fmt.Errorf("%w: plot size %d below minimum %d", ErrInvariant, k, c.MinPlotSize)
		}
		if k > c.MaxPlotSize {
			return Hash32{}, fmt.Errorf("%w: plot size %d above maximum %d", ErrInvariant, k, c.MaxPlotSize)
		}
		prefixBits = CalculatePrefixBits(c, height)
	} else if _, ok := p.sizeV2(); ok {
		prefixBits = int(c.NumberZeroBitsPlotFilterV2)
	} else {
		return Hash32{}, fmt.Errorf("%w: unknown plot version/size 0x%02x", ErrInvariant, p.VersionAndSize)
	}

	plotID, err := GetPlotID(p)
	if err != nil {
		return Hash32{}, err
	}

	newChallenge := CalculatePosChallenge(plotID, originalChallengeHash, signagePoint)
	if !bytes.Equal(newChallenge[:], p.Challenge[:]) {
		return Hash32{}, fmt.Errorf("%w: calculated pos challenge does not match proof's challenge", ErrInvariant)
	}

	if !PassesPlotFilter(prefixBits, plotID, originalChallengeHash, signagePoint) {
		return Hash32{}, fmt.Errorf("%w: proof did not pass the plot filter", ErrInvariant)
	}

	return GetQualityString(p, plotID, verifier)
}

// GetQualityString implements get_quality_string.
func GetQualityString(p *ProofOfSpace, plotID Hash32, verifier QualityVerifier) (Hash32, error) {
	if k, ok := p.sizeV1(); ok {
		q, ok := verifier.ValidateProofV1(plotID, k, p.Challenge, p.Proof)
		if !ok {
			return Hash32{}, fmt.Errorf("%w: v1 proof failed table verification", ErrInvariant)
		}
		return q, nil
	}
	if _, ok := p.sizeV2(); ok {
		return Hash32{}, ErrNotImplemented
	}
	return Hash32{}, fmt.Errorf("%w: unknown plot version/size 0x%02x", ErrInvariant, p.VersionAndSize)
}
