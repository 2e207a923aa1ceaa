package farmer

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/seanb95531/chia-farmer/internal/blskeys"
	"github.com/seanb95531/chia-farmer/internal/harvester"
	"github.com/seanb95531/chia-farmer/internal/pool"
	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/spcache"
)

type fakeHarvesterLink struct {
	mu         sync.Mutex
	broadcasts []harvester.NewSignagePointHarvester
	requests   []harvester.RequestSignatures
	requestErr error
}

func (f *fakeHarvesterLink) Broadcast(msg harvester.NewSignagePointHarvester) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
}

func (f *fakeHarvesterLink) RequestSignatures(peerID string, req harvester.RequestSignatures) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return f.requestErr
}

type fakeConsensusLink struct {
	mu          sync.Mutex
	submissions []SignedProofSubmission
	submitErr   error
}

func (f *fakeConsensusLink) SubmitSignedProof(ctx context.Context, msg SignedProofSubmission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, msg)
	return f.submitErr
}

type fakeKeyStore struct{}

func (fakeKeyStore) Refresh() (bool, error) { return false, nil }
func (fakeKeyStore) Ready() bool            { return true }
func (fakeKeyStore) RootSecretKeys() []*blskeys.PrivateKey { return nil }
func (fakeKeyStore) FindAuthenticationSK(ownerPK *blskeys.PublicKey) (*blskeys.PrivateKey, error) {
	return blskeys.KeyGen([]byte("0123456789abcdef0123456789abcdef"))
}

// alwaysValidVerifier treats every non-empty proof as valid and
// derives its quality deterministically from the proof bytes, so tests
// can control which proof "wins" without a real plot-table verifier.
type alwaysValidVerifier struct{}

func (alwaysValidVerifier) ValidateProofV1(plotID pospace.Hash32, k uint8, challenge pospace.Hash32, proof []byte) (pospace.Hash32, bool) {
	if len(proof) == 0 {
		return pospace.Hash32{}, false
	}
	return pospace.H(proof), true
}

func testConstants() pospace.Constants {
	c := pospace.MainnetConstants
	c.NumberZeroBitsPlotFilterV1 = 0 // every proof passes the plot filter in tests
	return c
}

func newTestService(t *testing.T, harvesters HarvesterLink, consensus ConsensusLink, pools map[pospace.Hash32]*pool.Client) *Service {
	t.Helper()
	cfg := Config{
		Constants: testConstants(),
		Verifier:  alwaysValidVerifier{},
	}
	return NewService(cfg, pools, harvesters, consensus, fakeKeyStore{}, nil)
}

func TestCountMissingSignagePointsSameChallenge(t *testing.T) {
	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, nil)

	sp1 := spcache.SignagePoint{ChallengeHash: pospace.H([]byte("c1")), SignagePointIndex: 3}
	sp2 := spcache.SignagePoint{ChallengeHash: sp1.ChallengeHash, SignagePointIndex: 6}

	if got := s.countMissingSignagePoints(time.Now(), sp1); got != 0 {
		t.Fatalf("first SP should report 0 missing, got %d", got)
	}
	if got := s.countMissingSignagePoints(time.Now(), sp2); got != 2 {
		t.Fatalf("expected 2 missing signage points between index 3 and 6, got %d", got)
	}
}

func TestCountMissingSignagePointsNewChallengeWithinInterval(t *testing.T) {
	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, nil)
	sp1 := spcache.SignagePoint{ChallengeHash: pospace.H([]byte("c1")), SignagePointIndex: 10}
	now := time.Now()
	s.countMissingSignagePoints(now, sp1)

	sp2 := spcache.SignagePoint{ChallengeHash: pospace.H([]byte("c2")), SignagePointIndex: 0}
	if got := s.countMissingSignagePoints(now.Add(time.Millisecond), sp2); got != 0 {
		t.Fatalf("new challenge well within the expected interval should report 0 missing, got %d", got)
	}
}

func TestCountMissingSignagePointsNewChallengeAfterLongGap(t *testing.T) {
	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, nil)
	sp1 := spcache.SignagePoint{ChallengeHash: pospace.H([]byte("c1")), SignagePointIndex: 10}
	now := time.Now()
	s.countMissingSignagePoints(now, sp1)

	expectedInterval := time.Duration(s.cfg.Constants.SubSlotTimeTarget) * time.Second / time.Duration(s.cfg.Constants.NumSPsSubSlot)
	sp2 := spcache.SignagePoint{ChallengeHash: pospace.H([]byte("c2")), SignagePointIndex: 0}
	gap := expectedInterval * 5
	if got := s.countMissingSignagePoints(now.Add(gap), sp2); got <= 0 {
		t.Fatalf("a large gap across a new challenge should report missing signage points, got %d", got)
	}
}

func TestOnNewSignagePointBroadcastsAndCachesEntry(t *testing.T) {
	hl := &fakeHarvesterLink{}
	s := newTestService(t, hl, &fakeConsensusLink{}, nil)

	sp := spcache.SignagePoint{
		ChallengeHash:     pospace.H([]byte("challenge")),
		SPHash:            pospace.H([]byte("sp")),
		SubSlotIters:      1000,
		Difficulty:        10,
		SignagePointIndex: 1,
		PeakHeight:        100,
	}
	s.OnNewSignagePoint(sp)

	hl.mu.Lock()
	defer hl.mu.Unlock()
	if len(hl.broadcasts) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(hl.broadcasts))
	}
	if hl.broadcasts[0].SPHash != sp.SPHash {
		t.Fatalf("broadcast carried the wrong sp_hash")
	}
	if s.spCache.Len() != 1 {
		t.Fatalf("expected the signage point to be cached, got len %d", s.spCache.Len())
	}
}

func poolTestConfig(t *testing.T, url string) (pool.Config, *blskeys.PrivateKey) {
	t.Helper()
	sk, err := blskeys.KeyGen([]byte("abcdefghijklmnopqrstuvwxyz012345"))
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}
	return pool.Config{
		LauncherID:             pospace.H([]byte("launcher")),
		PoolURL:                url,
		TargetPuzzleHash:       pospace.H([]byte("target")),
		OwnerPublicKey:         sk.G1(),
		P2SingletonPuzzleHash:  pospace.H([]byte("p2singleton")),
	}, sk
}

type fakePoolTransport struct {
	postPartialCalls int
	newDifficulty    *uint64
}

func (f *fakePoolTransport) GetPoolInfo(ctx context.Context, poolURL string) (*pool.PoolInfoResponse, string, bool, error) {
	return nil, poolURL, false, nil
}
func (f *fakePoolTransport) GetFarmer(ctx context.Context, poolURL string, launcherID pospace.Hash32, token uint64, sig []byte) (*pool.GetFarmerResponse, error) {
	return &pool.GetFarmerResponse{}, nil
}
func (f *fakePoolTransport) PostFarmer(ctx context.Context, poolURL string, req pool.PostFarmerRequest) (*pool.PostFarmerResponse, error) {
	return &pool.PostFarmerResponse{}, nil
}
func (f *fakePoolTransport) PutFarmer(ctx context.Context, poolURL string, req pool.PutFarmerRequest) (*pool.PutFarmerResponse, error) {
	return &pool.PutFarmerResponse{}, nil
}
func (f *fakePoolTransport) PostPartial(ctx context.Context, poolURL string, req pool.PostPartialRequest) (*pool.PostPartialResponse, error) {
	f.postPartialCalls++
	return &pool.PostPartialResponse{NewDifficulty: f.newDifficulty}, nil
}

type fakeAuthSKs struct{ sk *blskeys.PrivateKey }

func (f fakeAuthSKs) FindAuthenticationSK(ownerPK *blskeys.PublicKey) (*blskeys.PrivateKey, error) {
	return f.sk, nil
}

type fakeURLPersister struct{}

func (fakeURLPersister) UpdatePoolURL(launcherID pospace.Hash32, newURL string) error { return nil }

func TestHandlePoolPartialSubmitsWhenIterationsAreLowEnough(t *testing.T) {
	cfg, sk := poolTestConfig(t, "https://pool.example.com")
	transport := &fakePoolTransport{}
	client := pool.NewClient(cfg, transport, fakeAuthSKs{sk: sk}, fakeURLPersister{}, true, nil)
	timeout := uint8(10)
	client.State().AuthenticationTokenTimeout = &timeout
	difficulty := uint64(1)
	client.State().CurrentDifficulty = &difficulty

	hl := &fakeHarvesterLink{}
	s := newTestService(t, hl, &fakeConsensusLink{}, map[pospace.Hash32]*pool.Client{cfg.P2SingletonPuzzleHash: client})

	sp := spcache.SignagePoint{
		ChallengeHash: pospace.H([]byte("challenge")),
		SPHash:        pospace.H([]byte("sp")),
		SubSlotIters:  1_000_000,
		Difficulty:    difficulty,
	}
	s.OnNewSignagePoint(sp)

	p2sph := cfg.P2SingletonPuzzleHash
	msg := harvester.NewProofOfSpace{
		PlotIdentifier: "plot-1",
		ChallengeHash:  sp.ChallengeHash,
		SPHash:         sp.SPHash,
		Proof: pospace.ProofOfSpace{
			Challenge:              pospace.CalculatePosChallenge(pospace.CalculatePlotIDPH(p2sph, []byte("plotpk")), sp.ChallengeHash, sp.SPHash),
			PoolContractPuzzleHash: &p2sph,
			PlotPublicKey:          []byte("plotpk"),
			VersionAndSize:         32,
			// alwaysValidVerifier returns H(proof); for these bytes that
			// quality needs 7526 iterations, below 1_000_000/64.
			Proof: []byte("proof-bytes-29"),
		},
	}

	s.HandleProof("harvester-1", msg)

	if transport.postPartialCalls == 0 {
		t.Fatalf("expected SubmitPartial to reach the pool transport")
	}
}

func TestHandleProofDropsInvalidProof(t *testing.T) {
	hl := &fakeHarvesterLink{}
	s := newTestService(t, hl, &fakeConsensusLink{}, nil)

	sp := spcache.SignagePoint{ChallengeHash: pospace.H([]byte("c")), SPHash: pospace.H([]byte("sp"))}
	s.OnNewSignagePoint(sp)

	msg := harvester.NewProofOfSpace{
		PlotIdentifier: "plot-1",
		ChallengeHash:  sp.ChallengeHash,
		SPHash:         sp.SPHash,
		Proof: pospace.ProofOfSpace{
			Challenge:      pospace.Hash32{}, // wrong, will not match calculated challenge
			PoolPublicKey:  []byte("poolpk"),
			PlotPublicKey:  []byte("plotpk"),
			VersionAndSize: 32,
			Proof:          []byte("proof-bytes"),
		},
	}

	s.HandleProof("harvester-1", msg)

	if hl.requestErr != nil {
		t.Fatalf("unexpected request error configured")
	}
	hl.mu.Lock()
	defer hl.mu.Unlock()
	if len(hl.requests) != 0 {
		t.Fatalf("an invalid proof must not trigger a signature request")
	}
}

func TestHandleSelfPooledProofRequestsSignaturesThenForwardsToConsensus(t *testing.T) {
	hl := &fakeHarvesterLink{}
	cl := &fakeConsensusLink{}
	s := newTestService(t, hl, cl, nil)

	plotID := pospace.CalculatePlotIDPK([]byte("poolpk"), []byte("plotpk"))
	sp := spcache.SignagePoint{
		ChallengeHash: pospace.H([]byte("c")),
		SPHash:        pospace.H([]byte("sp")),
		SubSlotIters:  1_000_000,
		Difficulty:    1,
	}
	s.OnNewSignagePoint(sp)

	msg := harvester.NewProofOfSpace{
		PlotIdentifier: "plot-1",
		ChallengeHash:  sp.ChallengeHash,
		SPHash:         sp.SPHash,
		Proof: pospace.ProofOfSpace{
			Challenge:      pospace.CalculatePosChallenge(plotID, sp.ChallengeHash, sp.SPHash),
			PoolPublicKey:  []byte("poolpk"),
			PlotPublicKey:  []byte("plotpk"),
			VersionAndSize: 32,
			// alwaysValidVerifier returns H(proof); for these bytes that
			// quality needs 7526 iterations, below 1_000_000/64.
			Proof: []byte("proof-bytes-29"),
		},
	}

	s.HandleProof("harvester-1", msg)

	hl.mu.Lock()
	numRequests := len(hl.requests)
	hl.mu.Unlock()
	if numRequests != 1 {
		t.Fatalf("expected exactly one signature request, got %d", numRequests)
	}

	s.HandleRespondSignatures("harvester-1", harvester.RespondSignatures{
		PlotIdentifier:    msg.PlotIdentifier,
		ChallengeHash:     msg.ChallengeHash,
		SPHash:            msg.SPHash,
		FarmerPK:          []byte("farmerpk"),
		MessageSignatures: [][]byte{[]byte("sig")},
	})

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.submissions) != 1 {
		t.Fatalf("expected the signed proof to be forwarded to the consensus link, got %d submissions", len(cl.submissions))
	}
}

func TestCheckFeeQualityLegitimacyWarnsWhenFeeInfoMissing(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	plotID := pospace.CalculatePlotIDPK([]byte("poolpk"), []byte("plotpk"))
	challengeHash := pospace.H([]byte("c"))
	spHash := pospace.H([]byte("sp"))
	rewardOverride := pospace.H([]byte("override-puzzle-hash"))

	s := NewService(Config{Constants: testConstants(), Verifier: alwaysValidVerifier{}},
		nil, &fakeHarvesterLink{}, &fakeConsensusLink{}, fakeKeyStore{}, logger)
	s.OnNewSignagePoint(spcache.SignagePoint{ChallengeHash: challengeHash, SPHash: spHash, SubSlotIters: 1_000_000, Difficulty: 1})

	msg := harvester.NewProofOfSpace{
		PlotIdentifier: "plot-1",
		ChallengeHash:  challengeHash,
		SPHash:         spHash,
		Proof: pospace.ProofOfSpace{
			Challenge:      pospace.CalculatePosChallenge(plotID, challengeHash, spHash),
			PoolPublicKey:  []byte("poolpk"),
			PlotPublicKey:  []byte("plotpk"),
			VersionAndSize: 32,
			Proof:          []byte("proof-bytes"),
		},
		FarmerRewardAddressOverride: &rewardOverride,
	}

	s.HandleProof("harvester-1", msg)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("Harvester illegitimately took reward by failing to provide its fee rate")
	if warnings.Len() != 1 {
		t.Fatalf("expected exactly one illegitimate-reward warning for a missing fee_info, got %d", warnings.Len())
	}
}

func TestCheckFeeQualityLegitimacyWarnsWhenThresholdExceeded(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	plotID := pospace.CalculatePlotIDPK([]byte("poolpk"), []byte("plotpk"))
	challengeHash := pospace.H([]byte("c"))
	spHash := pospace.H([]byte("sp"))
	rewardOverride := pospace.H([]byte("override-puzzle-hash"))
	proof := []byte("proof-bytes")

	feeQuality := pospace.FeeQuality(proof, challengeHash)

	s := NewService(Config{Constants: testConstants(), Verifier: alwaysValidVerifier{}},
		nil, &fakeHarvesterLink{}, &fakeConsensusLink{}, fakeKeyStore{}, logger)
	s.OnNewSignagePoint(spcache.SignagePoint{ChallengeHash: challengeHash, SPHash: spHash, SubSlotIters: 1_000_000, Difficulty: 1})

	msg := harvester.NewProofOfSpace{
		PlotIdentifier: "plot-1",
		ChallengeHash:  challengeHash,
		SPHash:         spHash,
		Proof: pospace.ProofOfSpace{
			Challenge:      pospace.CalculatePosChallenge(plotID, challengeHash, spHash),
			PoolPublicKey:  []byte("poolpk"),
			PlotPublicKey:  []byte("plotpk"),
			VersionAndSize: 32,
			Proof:          proof,
		},
		FarmerRewardAddressOverride: &rewardOverride,
		FeeInfo:                     &harvester.FeeInfo{AppliedFeeThreshold: feeQuality - 1},
	}

	s.HandleProof("harvester-1", msg)

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("Harvester illegitimately took reward")
	if warnings.Len() != 1 {
		t.Fatalf("expected exactly one illegitimate-reward warning when fee quality exceeds the reported threshold, got %d", warnings.Len())
	}
}

func TestCheckFeeQualityLegitimacyNoWarningWhenThresholdSatisfied(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core).Sugar()

	plotID := pospace.CalculatePlotIDPK([]byte("poolpk"), []byte("plotpk"))
	challengeHash := pospace.H([]byte("c"))
	spHash := pospace.H([]byte("sp"))
	rewardOverride := pospace.H([]byte("override-puzzle-hash"))
	proof := []byte("proof-bytes")

	feeQuality := pospace.FeeQuality(proof, challengeHash)

	s := NewService(Config{Constants: testConstants(), Verifier: alwaysValidVerifier{}},
		nil, &fakeHarvesterLink{}, &fakeConsensusLink{}, fakeKeyStore{}, logger)
	s.OnNewSignagePoint(spcache.SignagePoint{ChallengeHash: challengeHash, SPHash: spHash, SubSlotIters: 1_000_000, Difficulty: 1})

	msg := harvester.NewProofOfSpace{
		PlotIdentifier: "plot-1",
		ChallengeHash:  challengeHash,
		SPHash:         spHash,
		Proof: pospace.ProofOfSpace{
			Challenge:      pospace.CalculatePosChallenge(plotID, challengeHash, spHash),
			PoolPublicKey:  []byte("poolpk"),
			PlotPublicKey:  []byte("plotpk"),
			VersionAndSize: 32,
			Proof:          proof,
		},
		FarmerRewardAddressOverride: &rewardOverride,
		FeeInfo:                     &harvester.FeeInfo{AppliedFeeThreshold: feeQuality},
	}

	s.HandleProof("harvester-1", msg)

	if n := logs.FilterLevelExact(zapcore.WarnLevel).Len(); n != 0 {
		t.Fatalf("expected no warnings when the reported fee threshold is satisfied, got %d", n)
	}
}

func TestHandleRespondSignaturesIgnoresUnknownPending(t *testing.T) {
	cl := &fakeConsensusLink{}
	s := newTestService(t, &fakeHarvesterLink{}, cl, nil)

	s.HandleRespondSignatures("harvester-1", harvester.RespondSignatures{
		PlotIdentifier: "unknown-plot",
		SPHash:         pospace.H([]byte("sp")),
	})

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if len(cl.submissions) != 0 {
		t.Fatalf("a response with no matching pending request must not reach the consensus link")
	}
}

func TestStartAndStopRunsBackgroundLoopsWithoutPanicking(t *testing.T) {
	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, nil)
	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
}

func TestPeakHeightReflectsLastObservedPeak(t *testing.T) {
	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, nil)
	if got := s.PeakHeight(); got != 0 {
		t.Fatalf("PeakHeight = %d, want 0 before any peak is observed", got)
	}

	s.peakHeightMu.Lock()
	s.peakHeight = 42
	s.peakHeightMu.Unlock()

	if got := s.PeakHeight(); got != 42 {
		t.Errorf("PeakHeight = %d, want 42", got)
	}
}

func TestGenerateLoginLinkDelegatesToMatchingPoolClient(t *testing.T) {
	cfg, sk := poolTestConfig(t, "https://pool.example.com")
	transport := &fakePoolTransport{}
	client := pool.NewClient(cfg, transport, fakeAuthSKs{sk: sk}, fakeURLPersister{}, true, nil)
	timeout := uint8(10)
	client.State().AuthenticationTokenTimeout = &timeout

	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, map[pospace.Hash32]*pool.Client{cfg.P2SingletonPuzzleHash: client})

	link, err := s.GenerateLoginLink(cfg.LauncherID, time.Unix(1_700_000_000, 0))
	if err != nil {
		t.Fatalf("GenerateLoginLink: %v", err)
	}
	if link == "" {
		t.Error("expected a non-empty login link")
	}
}

func TestGenerateLoginLinkErrorsForUnknownLauncherID(t *testing.T) {
	s := newTestService(t, &fakeHarvesterLink{}, &fakeConsensusLink{}, nil)

	if _, err := s.GenerateLoginLink(pospace.H([]byte("unknown")), time.Unix(1_700_000_000, 0)); err == nil {
		t.Fatal("expected an error for an unconfigured launcher_id")
	}
}
