package harvester

import (
	"encoding/json"

	"github.com/seanb95531/chia-farmer/internal/pospace"
)

// HarvesterSummary is the plot-sync receiver's last-known summary for
// one harvester peer: how many plots it reports, and the counts from
// its most recent sync pass. Grounded on Farmer.get_harvesters /
// get_receiver in the reference implementation.
type HarvesterSummary struct {
	PlotCount      int
	Duplicates     int
	Invalid        int
	KeysMissing    int
	InitialSync    bool
	LastUpdateUnix int64
}

// PlotSyncDelta is one plot-sync message's worth of change. Zero
// Added/Removed/Duplicates/Invalid/KeysMissing is treated as empty; an
// empty delta triggers a harvester_update only when it is the one that
// completes the session's initial sync.
type PlotSyncDelta struct {
	Added           int
	Removed         int
	Duplicates      int
	Invalid         int
	KeysMissing     int
	InitialSyncDone bool
}

func (d PlotSyncDelta) isEmpty() bool {
	return d.Added == 0 && d.Removed == 0 && d.Duplicates == 0 && d.Invalid == 0 && d.KeysMissing == 0
}

// HarvesterHandshake is the outbound handshake sent once per
// connection, deferred until key setup has produced at least one
// farmer and pool public key.
type HarvesterHandshake struct {
	FarmerPublicKeys [][]byte `json:"farmer_public_keys"`
	PoolPublicKeys   [][]byte `json:"pool_public_keys"`
}

// PoolDifficulty carries one p2-singleton's current difficulty and
// sub-slot iterations, part of the broadcast signage-point payload.
type PoolDifficulty struct {
	P2SingletonPuzzleHash pospace.Hash32 `json:"p2_singleton_puzzle_hash"`
	Difficulty            uint64         `json:"difficulty"`
	SubSlotIters           uint64        `json:"sub_slot_iters"`
}

// NewSignagePointHarvester is broadcast to every connected harvester
// on every new signage point.
type NewSignagePointHarvester struct {
	ChallengeHash      pospace.Hash32   `json:"challenge_hash"`
	Difficulty         uint64           `json:"difficulty"`
	SubSlotIters       uint64           `json:"sub_slot_iters"`
	SignagePointIndex  uint8            `json:"signage_point_index"`
	SPHash             pospace.Hash32   `json:"sp_hash"`
	PeakHeight         uint32           `json:"peak_height"`
	LastTxHeight       uint32           `json:"last_tx_height"`
	PoolDifficulties   []PoolDifficulty `json:"pool_difficulties"`
	FilterPrefixBits   int              `json:"filter_prefix_bits"`
}

// RequestSignatures asks one harvester to sign a set of messages over
// a specific plot it reported a proof for.
type RequestSignatures struct {
	PlotIdentifier string           `json:"plot_identifier"`
	ChallengeHash  pospace.Hash32   `json:"challenge_hash"`
	SPHash         pospace.Hash32   `json:"sp_hash"`
	Messages       [][]byte         `json:"messages"`
}

// NewProofOfSpace is received from a harvester in response to a
// NewSignagePointHarvester broadcast.
type NewProofOfSpace struct {
	PlotIdentifier            string                `json:"plot_identifier"`
	ChallengeHash             pospace.Hash32        `json:"challenge_hash"`
	SPHash                    pospace.Hash32        `json:"sp_hash"`
	Proof                     pospace.ProofOfSpace  `json:"proof"`
	Size                      uint8                 `json:"size"`
	FarmerRewardAddressOverride *pospace.Hash32      `json:"farmer_reward_address_override,omitempty"`
	FeeInfo                   *FeeInfo              `json:"fee_info,omitempty"`
}

// FeeInfo carries the harvester-reported fee threshold used for the
// fee-quality legitimacy check.
type FeeInfo struct {
	AppliedFeeThreshold uint32 `json:"applied_fee_threshold"`
}

// RespondSignatures is received in response to a RequestSignatures.
type RespondSignatures struct {
	PlotIdentifier string         `json:"plot_identifier"`
	ChallengeHash  pospace.Hash32 `json:"challenge_hash"`
	SPHash         pospace.Hash32 `json:"sp_hash"`
	LocalPK        []byte         `json:"local_pk"`
	FarmerPK       []byte         `json:"farmer_pk"`
	MessageSignatures [][]byte    `json:"message_signatures"`
}

// envelope is the wire framing for every harvester-link message: a
// method name plus a raw JSON payload, mirroring the teacher's
// WSRequest/WSNotify shape generalized to carry typed domain messages
// instead of stratum params arrays.
type envelope struct {
	Method  string          `json:"method"`
	Payload json.RawMessage `json:"payload"`
}
