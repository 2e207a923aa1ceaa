// Package pool implements the per-p2-singleton pool client state
// machine: pool_info discovery, farmer registration/refresh,
// authentication-token signing, redirect-driven URL migration, and
// rolling 24h counters.
package pool

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/seanb95531/chia-farmer/internal/blskeys"
	"github.com/seanb95531/chia-farmer/internal/pospace"
	"go.uber.org/zap"
)

const (
	// UpdatePoolInfoInterval is how often pool_info is refreshed on
	// success.
	UpdatePoolInfoInterval = 3600 * time.Second
	// UpdatePoolInfoFailureRetryInterval is the retry backoff after a
	// failed pool_info refresh.
	UpdatePoolInfoFailureRetryInterval = 120 * time.Second
	// UpdatePoolFarmerInfoInterval is how often GET /farmer is polled.
	UpdatePoolFarmerInfoInterval = 300 * time.Second

	counterCapacity = 4096
)

// Config is the per-p2-singleton pool configuration, loaded from the
// configuration file and occasionally rewritten (redirected URL,
// changed payout instructions).
type Config struct {
	LauncherID             pospace.Hash32
	PoolURL                string // empty string means self-pooling
	TargetPuzzleHash       pospace.Hash32
	PayoutInstructions     string
	OwnerPublicKey         *blskeys.PublicKey
	P2SingletonPuzzleHash  pospace.Hash32
}

// IsSelfPooling reports whether this p2-singleton has no external pool.
func (c Config) IsSelfPooling() bool {
	return c.PoolURL == ""
}

// State is the mutable runtime record for one p2-singleton.
type State struct {
	Config Config

	PointsFound          *RollingCounter
	PointsAcknowledged   *RollingCounter
	ValidPartials        *RollingCounter
	InvalidPartials      *RollingCounter
	InsufficientPartials *RollingCounter
	StalePartials        *RollingCounter
	MissingPartials      *RollingCounter
	PoolErrors24h        *RollingCounter

	// CurrentDifficulty is nil until the first successful GET /farmer
	// (or, transitionally, a pool_info-seeded default); it never
	// reverts to nil once set.
	CurrentDifficulty *uint64
	CurrentPoints     uint64

	// AuthenticationTokenTimeout is nil until the first successful
	// GET /pool_info.
	AuthenticationTokenTimeout *uint8
	PlotCount                  int

	NextPoolInfoUpdate int64
	NextFarmerUpdate   int64
}

func newState(cfg Config) *State {
	return &State{
		Config:               cfg,
		PointsFound:          NewRollingCounter(counterCapacity),
		PointsAcknowledged:   NewRollingCounter(counterCapacity),
		ValidPartials:        NewRollingCounter(counterCapacity),
		InvalidPartials:      NewRollingCounter(counterCapacity),
		InsufficientPartials: NewRollingCounter(counterCapacity),
		StalePartials:        NewRollingCounter(counterCapacity),
		MissingPartials:      NewRollingCounter(counterCapacity),
		PoolErrors24h:        NewRollingCounter(counterCapacity),
	}
}

// AuthenticationSKProvider resolves the authentication secret key for
// a pool's owner public key, scanning root secrets on first use.
type AuthenticationSKProvider interface {
	FindAuthenticationSK(ownerPK *blskeys.PublicKey) (*blskeys.PrivateKey, error)
}

// URLPersister persists a redirected pool URL back to configuration.
// Grounded on the "lock-and-load" configuration writer described in
// spec.md §9: callers typically route this through internal/config's
// serialized writer.
type URLPersister interface {
	UpdatePoolURL(launcherID pospace.Hash32, newURL string) error
}

// Client is the state machine for one p2-singleton.
type Client struct {
	state     *State
	transport Transport
	authSKs   AuthenticationSKProvider
	persister URLPersister
	mainnet   bool
	logger    *zap.SugaredLogger

	onError func(poolURL string, err error)
}

// NewClient builds a pool client for one p2-singleton's configuration.
func NewClient(cfg Config, transport Transport, authSKs AuthenticationSKProvider, persister URLPersister, mainnet bool, logger *zap.SugaredLogger) *Client {
	return &Client{
		state:     newState(cfg),
		transport: transport,
		authSKs:   authSKs,
		persister: persister,
		mainnet:   mainnet,
		logger:    logger,
	}
}

// State returns the live state. Callers outside the owning goroutine
// must treat it as read-only.
func (c *Client) State() *State { return c.state }

// SetErrorCallback registers a hook invoked from recordError, for
// wiring external notification (e.g. a Discord/Telegram webhook) to
// persistent pool failures. Not safe to call once UpdatePoolState is
// already running.
func (c *Client) SetErrorCallback(fn func(poolURL string, err error)) {
	c.onError = fn
}

// checkMainnetGuard implements the mainnet HTTPS enforcement: if the
// selected network is mainnet and pool_url doesn't start with
// https://, the update is aborted.
func (c *Client) checkMainnetGuard() error {
	if c.mainnet && !strings.HasPrefix(c.state.Config.PoolURL, "https://") {
		return &ConfigurationError{Reason: fmt.Sprintf("pool_url %q is not HTTPS on mainnet", c.state.Config.PoolURL)}
	}
	return nil
}

// recordError appends a pool_errors_24h entry and logs it.
func (c *Client) recordError(now time.Time, op string, err error) {
	c.state.PoolErrors24h.Append(now.Unix(), 1)
	if c.logger != nil {
		c.logger.Warnw("pool operation failed", "op", op, "launcher_id", fmt.Sprintf("%x", c.state.Config.LauncherID), "error", err)
	}
	if c.onError != nil {
		c.onError(c.state.Config.PoolURL, err)
	}
}

// UpdatePoolState runs the recurring pool-info and farmer-refresh
// actions whose schedule has come due. It is meant to be invoked at
// least once per second by the owning farmer's pool-state updater
// loop; it is a no-op when self-pooling.
func (c *Client) UpdatePoolState(ctx context.Context, now time.Time) error {
	if c.state.Config.IsSelfPooling() {
		return nil
	}
	if err := c.checkMainnetGuard(); err != nil {
		c.recordError(now, "mainnet_guard", err)
		return err
	}

	nowUnix := now.Unix()

	if nowUnix >= c.state.NextPoolInfoUpdate {
		c.poolInfoRefresh(ctx, now)
	}

	if nowUnix >= c.state.NextFarmerUpdate {
		c.farmerRefresh(ctx, now)
	}

	return nil
}

// poolInfoRefresh implements §4.4(a). The next-update schedule is
// advanced before the network call so that back-to-back invocations
// within one tick perform at most one request.
func (c *Client) poolInfoRefresh(ctx context.Context, now time.Time) {
	c.state.NextPoolInfoUpdate = now.Unix() + int64(UpdatePoolInfoInterval/time.Second)

	resp, finalURL, allPermanentRedirect, err := c.transport.GetPoolInfo(ctx, c.state.Config.PoolURL)
	if err != nil {
		c.state.NextPoolInfoUpdate = now.Unix() + int64(UpdatePoolInfoFailureRetryInterval/time.Second)
		c.recordError(now, "get_pool_info", err)
		return
	}

	c.state.AuthenticationTokenTimeout = &resp.AuthenticationTokenTimeout
	if c.state.CurrentDifficulty == nil {
		d := resp.MinimumDifficulty
		c.state.CurrentDifficulty = &d
	}

	if allPermanentRedirect && finalURL != "" && finalURL != c.state.Config.PoolURL {
		canonical := strings.TrimSuffix(finalURL, "/pool_info")
		c.state.Config.PoolURL = canonical
		if c.persister != nil {
			if err := c.persister.UpdatePoolURL(c.state.Config.LauncherID, canonical); err != nil {
				c.recordError(now, "persist_pool_url", err)
			}
		}
	}
}

// farmerRefresh implements §4.4(b).
func (c *Client) farmerRefresh(ctx context.Context, now time.Time) {
	c.state.NextFarmerUpdate = now.Unix() + int64(UpdatePoolFarmerInfoInterval/time.Second)

	if c.state.AuthenticationTokenTimeout == nil {
		if c.logger != nil {
			c.logger.Debugw("skipping farmer refresh: authentication_token_timeout not yet known", "launcher_id", fmt.Sprintf("%x", c.state.Config.LauncherID))
		}
		return
	}
	timeout := *c.state.AuthenticationTokenTimeout
	if timeout == 0 {
		c.recordError(now, "farmer_refresh", &ConfigurationError{Reason: "authentication_token_timeout is zero"})
		return
	}

	authSK, err := c.authSKs.FindAuthenticationSK(c.state.Config.OwnerPublicKey)
	if err != nil {
		c.recordError(now, "farmer_refresh", &KeyUnavailableError{Reason: err.Error()})
		return
	}

	token := authenticationToken(now, timeout)
	sig := signAuthenticationPayload(authSK, "get_farmer", c.state.Config.LauncherID, c.state.Config.TargetPuzzleHash, token)

	resp, err := c.transport.GetFarmer(ctx, c.state.Config.PoolURL, c.state.Config.LauncherID, token, sig)
	if err != nil {
		c.recordError(now, "get_farmer", err)
		return
	}

	if resp.ErrorCode != nil {
		code := ErrorCode(*resp.ErrorCode)
		switch code {
		case ErrFarmerNotKnown:
			c.postFarmer(ctx, now, authSK, token)
			return
		case ErrInvalidSignature:
			c.putFarmer(ctx, now, authSK, token, nil)
			return
		default:
			msg := ""
			if resp.ErrorMessage != nil {
				msg = *resp.ErrorMessage
			}
			c.recordError(now, "get_farmer", &ProtocolError{Op: "get_farmer", Code: code, Message: msg})
			return
		}
	}

	if resp.CurrentDifficulty != nil {
		d := *resp.CurrentDifficulty
		c.state.CurrentDifficulty = &d
	}
	if resp.CurrentPoints != nil {
		c.state.CurrentPoints = *resp.CurrentPoints
	}

	if !strings.EqualFold(resp.PayoutInstructions, c.state.Config.PayoutInstructions) {
		instructions := c.state.Config.PayoutInstructions
		c.putFarmer(ctx, now, authSK, token, &instructions)
	}
}

// postFarmer implements §4.4(c).
func (c *Client) postFarmer(ctx context.Context, now time.Time, authSK *blskeys.PrivateKey, token uint64) {
	ownerSK, err := c.authSKs.FindAuthenticationSK(c.state.Config.OwnerPublicKey)
	if err != nil {
		c.recordError(now, "post_farmer", &KeyUnavailableError{Reason: err.Error()})
		return
	}
	if !ownerSK.G1().Equal(c.state.Config.OwnerPublicKey) {
		c.recordError(now, "post_farmer", &ConfigurationError{Reason: "owner secret key does not match configured owner public key"})
		return
	}

	payload := PostFarmerPayload{
		LauncherID:              c.state.Config.LauncherID,
		AuthenticationToken:     token,
		AuthenticationPublicKey: authSK.G1().Bytes(),
		PayoutInstructions:      c.state.Config.PayoutInstructions,
	}
	sig := blskeys.Sign(ownerSK, hashPayload(payload))

	req := PostFarmerRequest{Payload: payload, Signature: sig.Bytes()}
	if _, err := c.transport.PostFarmer(ctx, c.state.Config.PoolURL, req); err != nil {
		c.recordError(now, "post_farmer", err)
		return
	}

	c.farmerRefresh(ctx, now)
}

// putFarmer implements §4.4(d).
func (c *Client) putFarmer(ctx context.Context, now time.Time, authSK *blskeys.PrivateKey, token uint64, payoutInstructions *string) {
	ownerSK, err := c.authSKs.FindAuthenticationSK(c.state.Config.OwnerPublicKey)
	if err != nil {
		c.recordError(now, "put_farmer", &KeyUnavailableError{Reason: err.Error()})
		return
	}

	payload := PutFarmerPayload{
		LauncherID:          c.state.Config.LauncherID,
		AuthenticationToken: token,
		PayoutInstructions:  payoutInstructions,
	}
	sig := blskeys.Sign(ownerSK, hashPayload(payload))

	req := PutFarmerRequest{Payload: payload, Signature: sig.Bytes()}
	if _, err := c.transport.PutFarmer(ctx, c.state.Config.PoolURL, req); err != nil {
		c.recordError(now, "put_farmer", err)
	}
}

// SubmitPartial submits a harvester proof meeting this pool's
// difficulty as a partial, incrementing points_found immediately and
// valid_partials/invalid_partials once the pool responds. Called from
// the signage-point dispatcher (§4.3 step 4), never from the pool
// client's own scheduled loop.
func (c *Client) SubmitPartial(ctx context.Context, now time.Time, proof pospace.ProofOfSpace, spHash pospace.Hash32, harvesterID string, endOfSubSlot bool) error {
	c.state.PointsFound.Append(now.Unix(), 1)

	if c.state.AuthenticationTokenTimeout == nil {
		err := &ConfigurationError{Reason: "authentication_token_timeout not yet known"}
		c.state.MissingPartials.Append(now.Unix(), 1)
		c.recordError(now, "post_partial", err)
		return err
	}

	authSK, err := c.authSKs.FindAuthenticationSK(c.state.Config.OwnerPublicKey)
	if err != nil {
		c.state.MissingPartials.Append(now.Unix(), 1)
		c.recordError(now, "post_partial", &KeyUnavailableError{Reason: err.Error()})
		return err
	}

	token := authenticationToken(now, *c.state.AuthenticationTokenTimeout)
	payload := PostPartialPayload{
		LauncherID:          c.state.Config.LauncherID,
		AuthenticationToken: token,
		Proof:               proof,
		SPHash:              spHash,
		EndOfSubSlot:        endOfSubSlot,
		HarvesterID:         harvesterID,
	}
	sig := blskeys.Sign(authSK, hashPayload(payload))

	resp, err := c.transport.PostPartial(ctx, c.state.Config.PoolURL, PostPartialRequest{Payload: payload, Signature: sig.Bytes()})
	if err != nil {
		if protoErr, ok := err.(*ProtocolError); ok && protoErr.Code == ErrProofNotGoodEnough {
			c.state.InsufficientPartials.Append(now.Unix(), 1)
		} else if ok {
			c.state.InvalidPartials.Append(now.Unix(), 1)
		} else {
			c.state.StalePartials.Append(now.Unix(), 1)
		}
		c.recordError(now, "post_partial", err)
		return err
	}

	c.state.ValidPartials.Append(now.Unix(), 1)
	c.state.PointsAcknowledged.Append(now.Unix(), 1)
	if resp.NewDifficulty != nil {
		d := *resp.NewDifficulty
		c.state.CurrentDifficulty = &d
	}
	return nil
}

// GenerateLoginLink builds the pool web portal login URL for this
// p2-singleton, signing a fresh authentication payload the same way
// farmerRefresh does for GET /farmer. Returns an error if the pool's
// authentication_token_timeout hasn't been learned yet (requires at
// least one successful pool_info refresh) or the owner secret key
// isn't available.
func (c *Client) GenerateLoginLink(now time.Time) (string, error) {
	if c.state.Config.IsSelfPooling() {
		return "", &ConfigurationError{Reason: "p2-singleton is self-pooled, no pool login link"}
	}
	if c.state.AuthenticationTokenTimeout == nil {
		return "", &ConfigurationError{Reason: "authentication_token_timeout not yet known"}
	}

	authSK, err := c.authSKs.FindAuthenticationSK(c.state.Config.OwnerPublicKey)
	if err != nil {
		return "", &KeyUnavailableError{Reason: err.Error()}
	}

	token := authenticationToken(now, *c.state.AuthenticationTokenTimeout)
	sig := signAuthenticationPayload(authSK, "get_login", c.state.Config.LauncherID, c.state.Config.TargetPuzzleHash, token)

	return fmt.Sprintf("%s/login?launcher_id=%x&authentication_token=%d&signature=%x",
		c.state.Config.PoolURL, c.state.Config.LauncherID, token, sig), nil
}

// authenticationToken implements authentication_token = unix_seconds
// / 60 / timeout_minutes, integer division at each step.
func authenticationToken(now time.Time, timeoutMinutes uint8) uint64 {
	seconds := now.Unix()
	minutes := seconds / 60
	return uint64(minutes / int64(timeoutMinutes))
}

// signAuthenticationPayload implements the AuthenticationPayload hash
// and BLS signature described in spec.md §6.
func signAuthenticationPayload(sk *blskeys.PrivateKey, prefix string, launcherID, targetPuzzleHash pospace.Hash32, token uint64) []byte {
	tokenBE := uint64ToBE(token)
	h := pospace.H([]byte(prefix), launcherID[:], targetPuzzleHash[:], tokenBE)
	return blskeys.Sign(sk, h[:]).Bytes()
}

func uint64ToBE(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}
