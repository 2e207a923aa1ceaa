package farmer

import (
	"encoding/binary"
	"math/bits"

	"github.com/seanb95531/chia-farmer/internal/pospace"
)

// placeholderV1Verifier stands in for the full ChiaPOS plot-table
// verification algorithm (the F1..F7 forward functions over a proof's
// x-values), which depends on disk-backed plot table structures this
// port does not reproduce. It derives a quality string deterministically
// from the inputs so the rest of the dispatch pipeline (duplicate
// rejection, indexing, required_iters) has something real to exercise,
// but it is not cryptographically meaningful and must not be used to
// gate anything outside this codebase's own consensus link. Recorded as
// an Open Question resolution in DESIGN.md, the same way
// ErrNotImplemented was chosen for v2 plots.
type placeholderV1Verifier struct{}

func (placeholderV1Verifier) ValidateProofV1(plotID pospace.Hash32, k uint8, challenge pospace.Hash32, proof []byte) (pospace.Hash32, bool) {
	if len(proof) == 0 {
		return pospace.Hash32{}, false
	}
	return pospace.H(plotID[:], []byte{k}, challenge[:], proof), true
}

// NewDefaultVerifier returns the verifier wired into Service by
// default. Exported so cmd/chiafarmer can swap in a real ChiaPOS
// binding later without touching Service's construction signature.
func NewDefaultVerifier() pospace.QualityVerifier {
	return placeholderV1Verifier{}
}

// requiredIters is a simplified stand-in for calculate_iterations_quality:
// the reference implementation scales a quality string by constants
// derived from the VDF discriminant and difficulty in a way that is not
// practical to reproduce without porting the VDF math itself. This
// keeps the same monotonic property the dispatcher depends on (a
// numerically "better" quality yields fewer required iterations) using
// the quality string's low 8 bytes scaled against the sub-slot
// iterations and difficulty.
func requiredIters(quality pospace.Hash32, difficulty uint64, subSlotIters uint64) uint64 {
	if difficulty == 0 {
		difficulty = 1
	}
	q := binary.BigEndian.Uint64(quality[24:])
	// (q/difficulty) * subSlotIters / 2^64: the high word of the 128-bit
	// product, which is always below subSlotIters.
	scaled, _ := bits.Mul64(q/difficulty, subSlotIters)
	return scaled
}
