// Package farmer implements the signage-point dispatcher: the
// component that ties the consensus link, the harvester session
// manager, the proof-of-space verification pipeline, and the per-pool
// clients together. Grounded on master.go's ctx/cancel/wg task
// lifecycle and single-owner state discipline, generalized from a
// share-validation pipeline to a proof-of-space one.
package farmer

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/seanb95531/chia-farmer/internal/blskeys"
	"github.com/seanb95531/chia-farmer/internal/harvester"
	"github.com/seanb95531/chia-farmer/internal/pool"
	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/spcache"
	"go.uber.org/zap"
)

// ConsensusLink is the narrow outbound interface to the consensus
// peer. Service never stores the network connection itself, only this
// handle, matching master.go's Master holding *rpc.UpstreamManager
// rather than a back-reference to its own listener.
type ConsensusLink interface {
	SubmitSignedProof(ctx context.Context, msg SignedProofSubmission) error
}

// SignedProofSubmission is a self-pooled (or original pool-key) proof
// forwarded upstream once the originating harvester has signed it.
type SignedProofSubmission struct {
	SPHash            pospace.Hash32
	ChallengeHash     pospace.Hash32
	Proof             pospace.ProofOfSpace
	FarmerPublicKey   []byte
	MessageSignatures [][]byte
}

// HarvesterLink is the narrow interface Service uses against the
// harvester session manager; *harvester.Manager satisfies it.
type HarvesterLink interface {
	Broadcast(msg harvester.NewSignagePointHarvester)
	RequestSignatures(peerID string, req harvester.RequestSignatures) error
}

// KeyStore is the narrow interface Service uses against the keychain
// provider; *keychain.Provider satisfies it.
type KeyStore interface {
	Refresh() (bool, error)
	Ready() bool
	RootSecretKeys() []*blskeys.PrivateKey
	FindAuthenticationSK(ownerPK *blskeys.PublicKey) (*blskeys.PrivateKey, error)
}

// Config bundles Service's fixed dependencies.
type Config struct {
	Constants      pospace.Constants
	Verifier       pospace.QualityVerifier
	SPCacheTTL     time.Duration
	SweepInterval  time.Duration
	KeyRefreshInterval time.Duration
	ConnectionRefreshInterval time.Duration
}

type spMetaEntry struct {
	sp         spcache.SignagePoint
	insertedAt time.Time
}

// Service is the top-level farmer dispatcher.
type Service struct {
	cfg       Config
	spCache   *spcache.Cache
	harvesters HarvesterLink
	consensus ConsensusLink
	keys      KeyStore

	poolsMu sync.RWMutex
	pools   map[pospace.Hash32]*pool.Client // keyed by p2_singleton_puzzle_hash

	peakHeightMu sync.RWMutex
	peakHeight   uint32

	prevSPMu sync.Mutex
	prevSP   spcache.SignagePoint
	prevSPAt time.Time
	havePrevSP bool

	spMetaMu sync.Mutex
	spMeta   map[pospace.Hash32]spMetaEntry

	pendingMu sync.Mutex
	pending   map[string]pendingSignatureRequest

	onConnectionRefresh func()

	logger *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type pendingSignatureRequest struct {
	sp    spcache.SignagePoint
	proof pospace.ProofOfSpace
}

// NewService builds a Service. pools is the initial per-p2-singleton
// client set, keyed by p2_singleton_puzzle_hash; Service takes
// ownership of running each client's update loop.
func NewService(cfg Config, pools map[pospace.Hash32]*pool.Client, harvesters HarvesterLink, consensus ConsensusLink, keys KeyStore, logger *zap.SugaredLogger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.SPCacheTTL == 0 {
		cfg.SPCacheTTL = time.Duration(3) * time.Duration(pospace.MainnetConstants.SubSlotTimeTarget) * time.Second
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.KeyRefreshInterval == 0 {
		cfg.KeyRefreshInterval = time.Second
	}
	if cfg.ConnectionRefreshInterval == 0 {
		cfg.ConnectionRefreshInterval = 30 * time.Second
	}
	if cfg.Verifier == nil {
		cfg.Verifier = NewDefaultVerifier()
	}

	poolsCopy := make(map[pospace.Hash32]*pool.Client, len(pools))
	for k, v := range pools {
		poolsCopy[k] = v
	}

	return &Service{
		cfg:        cfg,
		spCache:    spcache.New(cfg.SPCacheTTL),
		harvesters: harvesters,
		consensus:  consensus,
		keys:       keys,
		pools:      poolsCopy,
		spMeta:     make(map[pospace.Hash32]spMetaEntry),
		pending:    make(map[string]pendingSignatureRequest),
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetConnectionRefreshCallback registers the handler invoked every
// ConnectionRefreshInterval by the cache sweeper loop.
func (s *Service) SetConnectionRefreshCallback(fn func()) {
	s.onConnectionRefresh = fn
}

// Start launches the long-lived background tasks: the key-setup
// refresh loop, the cache sweeper, and one pool-state updater per
// configured pool. Grounded on master.Start's wg.Add/go-loop pattern.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.keySetupLoop()

	s.wg.Add(1)
	go s.cacheSweeperLoop()

	s.poolsMu.RLock()
	clients := make([]*pool.Client, 0, len(s.pools))
	for _, c := range s.pools {
		clients = append(clients, c)
	}
	s.poolsMu.RUnlock()

	for _, c := range clients {
		s.wg.Add(1)
		go s.poolStateUpdaterLoop(c)
	}
}

// Stop cancels every background task and waits for them to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Service) recover(task string) {
	if r := recover(); r != nil {
		if s.logger != nil {
			s.logger.Errorw("farmer task panicked", "task", task, "panic", r)
		}
	}
}

// keySetupLoop implements §4.6's mtime-triggered refresh.
func (s *Service) keySetupLoop() {
	defer s.wg.Done()
	defer s.recover("key_setup")

	ticker := time.NewTicker(s.cfg.KeyRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.keys.Refresh(); err != nil && s.logger != nil {
				s.logger.Warnw("key refresh failed", "error", err)
			}
		}
	}
}

// cacheSweeperLoop implements §5's cache sweeper: ticks every second,
// sweeps expired signage-point entries every SweepInterval, and emits
// a connection-refresh event every ConnectionRefreshInterval.
func (s *Service) cacheSweeperLoop() {
	defer s.wg.Done()
	defer s.recover("cache_sweeper")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var sinceSweep, sinceRefresh time.Duration
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			sinceSweep += time.Second
			sinceRefresh += time.Second

			if sinceSweep >= s.cfg.SweepInterval {
				sinceSweep = 0
				now := time.Now()
				removed := s.spCache.EvictExpired(now)
				s.pruneSPMeta(now)
				if removed > 0 && s.logger != nil {
					s.logger.Debugw("swept expired signage points", "removed", removed)
				}
			}
			if sinceRefresh >= s.cfg.ConnectionRefreshInterval {
				sinceRefresh = 0
				if s.onConnectionRefresh != nil {
					s.onConnectionRefresh()
				}
			}
		}
	}
}

// poolStateUpdaterLoop implements §5's pool-state updater: one
// goroutine per pool, ticking every second; the pool client's own
// schedule fields decide whether any network call actually happens.
func (s *Service) poolStateUpdaterLoop(client *pool.Client) {
	defer s.wg.Done()
	defer s.recover("pool_state_updater")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := client.UpdatePoolState(s.ctx, time.Now()); err != nil && s.logger != nil {
				s.logger.Debugw("pool state update failed", "error", err)
			}
		}
	}
}

func (s *Service) pruneSPMeta(now time.Time) {
	s.spMetaMu.Lock()
	defer s.spMetaMu.Unlock()
	for k, v := range s.spMeta {
		if now.Sub(v.insertedAt) > s.cfg.SPCacheTTL {
			delete(s.spMeta, k)
		}
	}
}

// OnNewSignagePoint implements §4.3 steps 1-3: missing-SP accounting,
// cache insertion, and the broadcast to every connected harvester.
func (s *Service) OnNewSignagePoint(sp spcache.SignagePoint) {
	now := time.Now()

	s.peakHeightMu.Lock()
	s.peakHeight = sp.PeakHeight
	s.peakHeightMu.Unlock()

	missing := s.countMissingSignagePoints(now, sp)
	if missing > 0 && s.logger != nil {
		s.logger.Warnw("missing signage points detected", "count", missing, "sp_hash", hex.EncodeToString(sp.SPHash[:]))
	}

	s.spCache.InsertSP(sp, now)
	s.spMetaMu.Lock()
	s.spMeta[sp.SPHash] = spMetaEntry{sp: sp, insertedAt: now}
	s.spMetaMu.Unlock()

	s.harvesters.Broadcast(harvester.NewSignagePointHarvester{
		ChallengeHash:     sp.ChallengeHash,
		Difficulty:        sp.Difficulty,
		SubSlotIters:      sp.SubSlotIters,
		SignagePointIndex: sp.SignagePointIndex,
		SPHash:            sp.SPHash,
		PeakHeight:        sp.PeakHeight,
		LastTxHeight:      sp.LastTxHeight,
		PoolDifficulties:  s.snapshotPoolDifficulties(),
		FilterPrefixBits:  pospace.CalculatePrefixBits(s.cfg.Constants, sp.PeakHeight),
	})
}

// countMissingSignagePoints implements §4.3 step 1.
func (s *Service) countMissingSignagePoints(now time.Time, sp spcache.SignagePoint) int {
	s.prevSPMu.Lock()
	defer s.prevSPMu.Unlock()

	defer func() {
		s.prevSP = sp
		s.prevSPAt = now
		s.havePrevSP = true
	}()

	if !s.havePrevSP {
		return 0
	}

	if s.prevSP.ChallengeHash == sp.ChallengeHash {
		missing := int(sp.SignagePointIndex) - int(s.prevSP.SignagePointIndex) - 1
		if missing < 0 {
			return 0
		}
		return missing
	}

	expectedInterval := time.Duration(s.cfg.Constants.SubSlotTimeTarget) * time.Second / time.Duration(s.cfg.Constants.NumSPsSubSlot)
	if expectedInterval <= 0 {
		return 0
	}
	dt := now.Sub(s.prevSPAt)
	threshold := time.Duration(float64(expectedInterval) * 1.6)
	if dt < threshold {
		return 0
	}
	return int(dt / expectedInterval)
}

// snapshotPoolDifficulties returns the current difficulty/sub-slot
// iters for every known pool, for the broadcast payload.
func (s *Service) snapshotPoolDifficulties() []harvester.PoolDifficulty {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()

	out := make([]harvester.PoolDifficulty, 0, len(s.pools))
	for p2sph, client := range s.pools {
		state := client.State()
		difficulty := uint64(0)
		if state.CurrentDifficulty != nil {
			difficulty = *state.CurrentDifficulty
		}
		out = append(out, harvester.PoolDifficulty{
			P2SingletonPuzzleHash: p2sph,
			Difficulty:            difficulty,
		})
	}
	return out
}

func (s *Service) poolClientFor(p2sph pospace.Hash32) (*pool.Client, bool) {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()
	c, ok := s.pools[p2sph]
	return c, ok
}

func (s *Service) currentPeakHeight() uint32 {
	s.peakHeightMu.RLock()
	defer s.peakHeightMu.RUnlock()
	return s.peakHeight
}

// PeakHeight reports the most recently observed peak height, for
// read-only status reporting.
func (s *Service) PeakHeight() uint32 {
	return s.currentPeakHeight()
}

func pendingKey(plotIdentifier string, spHash pospace.Hash32) string {
	return plotIdentifier + "|" + hex.EncodeToString(spHash[:])
}

// HandleProof implements §4.3 step 4: verify, dedupe, and route each
// proof down either the pool-partial path or the signature-request
// path, plus the §4.1/§4.3 step 5 fee-quality legitimacy check.
func (s *Service) HandleProof(peerID string, msg harvester.NewProofOfSpace) {
	quality, err := pospace.VerifyAndGetQualityString(&msg.Proof, s.cfg.Constants, msg.ChallengeHash, msg.SPHash, s.currentPeakHeight(), s.cfg.Verifier)
	if err != nil {
		if s.logger != nil {
			s.logger.Debugw("dropping proof that failed verification", "peer_id", peerID, "error", err)
		}
		return
	}

	if !s.spCache.InsertProof(msg.SPHash, msg.PlotIdentifier, &msg.Proof, quality, peerID) {
		if s.logger != nil {
			s.logger.Debugw("dropping duplicate-quality proof", "peer_id", peerID)
		}
		return
	}

	if msg.FarmerRewardAddressOverride != nil {
		s.checkFeeQualityLegitimacy(msg)
	}

	if msg.Proof.PoolContractPuzzleHash != nil {
		s.handlePoolPartial(peerID, msg, quality)
		return
	}
	s.handleSelfPooledProof(peerID, msg, quality)
}

// checkFeeQualityLegitimacy applies the CHIP-22 fee-quality convention
// to a proof carrying a reward-address override: the harvester must
// report the fee rate it used (FeeInfo) and that rate must clear the
// threshold it applied. A missing FeeInfo or a fee quality over the
// reported threshold means the harvester took the reward fee without
// legitimate grounds, logged at warning level to match the original's
// notify_farmer_reward_taken_by_harvester_as_fee.
func (s *Service) checkFeeQualityLegitimacy(msg harvester.NewProofOfSpace) {
	if s.logger == nil {
		return
	}

	feeQuality := pospace.FeeQuality(msg.Proof.Proof, msg.ChallengeHash)
	s.logger.Infow("farmer reward address override",
		"challenge_hash", msg.ChallengeHash,
		"reward_address_override", *msg.FarmerRewardAddressOverride,
	)

	if msg.FeeInfo == nil {
		s.logger.Warnw("Harvester illegitimately took reward by failing to provide its fee rate",
			"challenge_hash", msg.ChallengeHash, "fee_quality", feeQuality)
		return
	}

	if feeQuality <= msg.FeeInfo.AppliedFeeThreshold {
		s.logger.Infow("fee threshold passed",
			"challenge_hash", msg.ChallengeHash, "fee_quality", feeQuality,
			"fee_threshold", msg.FeeInfo.AppliedFeeThreshold)
		return
	}

	s.logger.Warnw("Harvester illegitimately took reward",
		"challenge_hash", msg.ChallengeHash, "fee_quality", feeQuality,
		"fee_threshold", msg.FeeInfo.AppliedFeeThreshold)
}

func (s *Service) handlePoolPartial(peerID string, msg harvester.NewProofOfSpace, quality pospace.Hash32) {
	client, ok := s.poolClientFor(*msg.Proof.PoolContractPuzzleHash)
	if !ok {
		if s.logger != nil {
			s.logger.Warnw("proof references unknown p2_singleton_puzzle_hash", "peer_id", peerID)
		}
		return
	}

	state := client.State()
	difficulty := uint64(1)
	if state.CurrentDifficulty != nil {
		difficulty = *state.CurrentDifficulty
	}

	s.spMetaMu.Lock()
	meta, haveMeta := s.spMeta[msg.SPHash]
	s.spMetaMu.Unlock()
	subSlotIters := uint64(0)
	if haveMeta {
		subSlotIters = meta.sp.SubSlotIters
	}

	iters := requiredIters(quality, difficulty, subSlotIters)
	poolSubSlotIntervalIters := subSlotIters / uint64(s.cfg.Constants.NumSPsSubSlot)
	if iters >= poolSubSlotIntervalIters {
		return
	}

	if err := client.SubmitPartial(s.ctx, time.Now(), msg.Proof, msg.SPHash, msg.PlotIdentifier, false); err != nil && s.logger != nil {
		s.logger.Warnw("partial submission failed", "peer_id", peerID, "error", err)
	}
}

func (s *Service) handleSelfPooledProof(peerID string, msg harvester.NewProofOfSpace, quality pospace.Hash32) {
	s.spMetaMu.Lock()
	meta, haveMeta := s.spMeta[msg.SPHash]
	s.spMetaMu.Unlock()
	subSlotIters := uint64(0)
	if haveMeta {
		subSlotIters = meta.sp.SubSlotIters
	}
	difficulty := uint64(1)
	if haveMeta {
		difficulty = meta.sp.Difficulty
	}

	iters := requiredIters(quality, difficulty, subSlotIters)
	signagePointIntervalIters := subSlotIters / uint64(s.cfg.Constants.NumSPsSubSlot)
	if iters >= signagePointIntervalIters {
		return
	}

	key := pendingKey(msg.PlotIdentifier, msg.SPHash)
	s.pendingMu.Lock()
	s.pending[key] = pendingSignatureRequest{sp: meta.sp, proof: msg.Proof}
	s.pendingMu.Unlock()

	req := harvester.RequestSignatures{
		PlotIdentifier: msg.PlotIdentifier,
		ChallengeHash:  msg.ChallengeHash,
		SPHash:         msg.SPHash,
		Messages:       [][]byte{msg.SPHash[:]},
	}
	if err := s.harvesters.RequestSignatures(peerID, req); err != nil {
		if s.logger != nil {
			s.logger.Warnw("signature request failed", "peer_id", peerID, "error", err)
		}
		s.pendingMu.Lock()
		delete(s.pending, key)
		s.pendingMu.Unlock()
	}
}

// HandleRespondSignatures implements the completion of §4.3 step 4's
// signature-request path: forward the now-signed proof upstream.
func (s *Service) HandleRespondSignatures(peerID string, msg harvester.RespondSignatures) {
	key := pendingKey(msg.PlotIdentifier, msg.SPHash)
	s.pendingMu.Lock()
	pending, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()
	if !ok {
		if s.logger != nil {
			s.logger.Debugw("respond_signatures for unknown pending request", "peer_id", peerID)
		}
		return
	}

	submission := SignedProofSubmission{
		SPHash:            msg.SPHash,
		ChallengeHash:     msg.ChallengeHash,
		Proof:             pending.proof,
		FarmerPublicKey:   msg.FarmerPK,
		MessageSignatures: msg.MessageSignatures,
	}
	if err := s.consensus.SubmitSignedProof(s.ctx, submission); err != nil && s.logger != nil {
		s.logger.Warnw("failed to submit signed proof upstream", "peer_id", peerID, "error", err)
	}
}

// Callbacks returns the harvester.Callbacks bundle wiring this
// Service's HandleProof/HandleRespondSignatures into a harvester
// manager, alongside the supplied harvester-update/removed hooks.
func (s *Service) Callbacks(onUpdate func(string, harvester.HarvesterSummary), onRemoved func(string)) harvester.Callbacks {
	return harvester.Callbacks{
		OnProof:             s.HandleProof,
		OnRespondSignatures: s.HandleRespondSignatures,
		OnHarvesterUpdate:   onUpdate,
		OnHarvesterRemoved:  onRemoved,
	}
}

// PoolStates returns a read-only snapshot of every pool's state, for
// the admin API's get_pool_state.
func (s *Service) PoolStates() map[pospace.Hash32]*pool.State {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()
	out := make(map[pospace.Hash32]*pool.State, len(s.pools))
	for k, c := range s.pools {
		out[k] = c.State()
	}
	return out
}

// GenerateLoginLink implements the admin API's generate_login_link,
// locating the pool client whose configured launcher id matches and
// delegating to its own authentication-payload signer.
func (s *Service) GenerateLoginLink(launcherID pospace.Hash32, now time.Time) (string, error) {
	s.poolsMu.RLock()
	defer s.poolsMu.RUnlock()
	for _, c := range s.pools {
		if c.State().Config.LauncherID == launcherID {
			return c.GenerateLoginLink(now)
		}
	}
	return "", fmt.Errorf("farmer: no pool configured for launcher_id %x", launcherID)
}
