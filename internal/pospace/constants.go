// Package pospace implements the proof-of-space derivations and
// verification pipeline: plot id, plot filter, challenge, quality
// string, and fee-quality. Every function here must stay bit-exact
// with consensus.
package pospace

// Consensus constants relevant to plot filtering and size bounds.
// Mirrors the subset of chia.consensus.default_constants.DEFAULT_CONSTANTS
// the farmer core touches.
type Constants struct {
	MinPlotSize               uint8
	MaxPlotSize                uint8
	NumberZeroBitsPlotFilterV1 uint8
	NumberZeroBitsPlotFilterV2 uint8
	HardForkHeight             uint32
	PlotFilter128Height        uint32
	PlotFilter64Height         uint32
	PlotFilter32Height         uint32
	SubSlotTimeTarget          int64
	NumSPsSubSlot              uint8
}

// MainnetConstants are the production network's consensus parameters.
var MainnetConstants = Constants{
	MinPlotSize:                32,
	MaxPlotSize:                50,
	NumberZeroBitsPlotFilterV1: 9,
	NumberZeroBitsPlotFilterV2: 6,
	HardForkHeight:             5496000,
	PlotFilter128Height:        6029568,
	PlotFilter64Height:         8028698,
	PlotFilter32Height:         10026228,
	SubSlotTimeTarget:          600,
	NumSPsSubSlot:              64,
}
