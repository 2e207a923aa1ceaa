// Package api provides the farmer's local HTTP surface: a public
// read-only status endpoint and a password-gated admin surface for
// reward-target/payout-instruction edits and login-link generation.
package api

import (
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/seanb95531/chia-farmer/internal/config"
	"github.com/seanb95531/chia-farmer/internal/harvester"
	"github.com/seanb95531/chia-farmer/internal/pool"
	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/util"
)

// FarmerStateProvider exposes the read-only farmer state the API
// surfaces without reaching into internal/farmer's mutable fields
// directly.
type FarmerStateProvider interface {
	PeakHeight() uint32
	PoolStates() map[pospace.Hash32]*pool.State
}

// HarvesterStateProvider exposes the read-only harvester session state.
type HarvesterStateProvider interface {
	SessionCount() int
	Summaries() map[string]harvester.HarvesterSummary
}

// LoginLinkGenerator produces a pool web-portal login URL for one
// p2-singleton, identified by launcher id.
type LoginLinkGenerator interface {
	GenerateLoginLink(launcherID pospace.Hash32, now time.Time) (string, error)
}

// Server is the farmer's HTTP API server.
type Server struct {
	cfg       *config.Config
	farmerSvc FarmerStateProvider
	harvester HarvesterStateProvider
	loginLink LoginLinkGenerator
	router    *gin.Engine
	server    *http.Server

	statsCacheMu   sync.RWMutex
	statsCache     *StatusResponse
	statsCacheTime time.Time
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, farmerSvc FarmerStateProvider, harvesterSvc HarvesterStateProvider, loginLink LoginLinkGenerator) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		farmerSvc: farmerSvc,
		harvester: harvesterSvc,
		loginLink: loginLink,
		router:    router,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if s.corsAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	public := s.router.Group("/api")
	{
		public.GET("/status", s.handleStatus)
	}

	if s.cfg.API.AdminSecret != "" {
		admin := s.router.Group("/admin")
		admin.Use(s.adminAuthMiddleware())
		{
			admin.GET("/reward-targets", s.handleGetRewardTargets)
			admin.POST("/reward-targets", s.handleSetRewardTargets)
			admin.POST("/payout-instructions", s.handleSetPayoutInstructions)
			admin.POST("/login-link", s.handleLoginLink)
			admin.GET("/harvesters", s.handleGetHarvesters)
			admin.GET("/pool-state", s.handleGetPoolState)
		}
	}

	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
}

func (s *Server) corsAllowed(origin string) bool {
	for _, o := range s.cfg.API.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// Start begins the API server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.cfg.API.Bind,
		Handler: s.router,
	}

	util.Infof("API server listening on %s", s.cfg.API.Bind)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Errorf("API server error: %v", err)
		}
	}()

	return nil
}

// Stop shuts down the API server.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// StatusResponse is the /api/status response.
type StatusResponse struct {
	PeakHeight        uint32             `json:"peak_height"`
	ConnectedHarvesters int              `json:"connected_harvesters"`
	Pools             []PoolStatusEntry  `json:"pools"`
	Now               int64              `json:"now"`
}

// PoolStatusEntry summarizes one p2-singleton's pool state.
type PoolStatusEntry struct {
	LauncherID            string  `json:"launcher_id"`
	P2SingletonPuzzleHash string  `json:"p2_singleton_puzzle_hash"`
	SelfPooled            bool    `json:"self_pooled"`
	CurrentDifficulty     *uint64 `json:"current_difficulty,omitempty"`
	CurrentPoints         uint64  `json:"current_points"`
	PointsFound24h        uint64  `json:"points_found_24h"`
	PointsAcknowledged24h uint64  `json:"points_acknowledged_24h"`
}

func (s *Server) handleStatus(c *gin.Context) {
	s.statsCacheMu.RLock()
	if s.statsCache != nil && time.Since(s.statsCacheTime) < 5*time.Second {
		cache := s.statsCache
		s.statsCacheMu.RUnlock()
		c.JSON(200, cache)
		return
	}
	s.statsCacheMu.RUnlock()

	states := s.farmerSvc.PoolStates()
	pools := make([]PoolStatusEntry, 0, len(states))
	now := time.Now().Unix()
	for _, st := range states {
		pools = append(pools, PoolStatusEntry{
			LauncherID:            hex.EncodeToString(st.Config.LauncherID[:]),
			P2SingletonPuzzleHash: hex.EncodeToString(st.Config.P2SingletonPuzzleHash[:]),
			SelfPooled:            st.Config.IsSelfPooling(),
			CurrentDifficulty:     st.CurrentDifficulty,
			CurrentPoints:         st.CurrentPoints,
			PointsFound24h:        uint64(st.PointsFound.Len()),
			PointsAcknowledged24h: uint64(st.PointsAcknowledged.Len()),
		})
	}

	response := &StatusResponse{
		PeakHeight:          s.farmerSvc.PeakHeight(),
		ConnectedHarvesters: s.harvester.SessionCount(),
		Pools:               pools,
		Now:                 now,
	}

	s.statsCacheMu.Lock()
	s.statsCache = response
	s.statsCacheTime = time.Now()
	s.statsCacheMu.Unlock()

	c.JSON(200, response)
}

// adminAuthMiddleware validates the admin bearer secret.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(401, gin.H{"error": "authorization required"})
			c.Abort()
			return
		}

		secret := strings.TrimPrefix(auth, "Bearer ")
		if secret != s.cfg.API.AdminSecret {
			c.JSON(403, gin.H{"error": "invalid admin secret"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// RewardTargetsResponse is the get_reward_targets response.
type RewardTargetsResponse struct {
	FarmerTarget string `json:"farmer_target"`
	PoolTarget   string `json:"pool_target,omitempty"`
}

func (s *Server) handleGetRewardTargets(c *gin.Context) {
	c.JSON(200, RewardTargetsResponse{
		FarmerTarget: s.cfg.Farmer.XCHTargetAddress,
		PoolTarget:   s.cfg.Pool.XCHTargetAddress,
	})
}

// SetRewardTargetsRequest is the set_reward_targets request body.
type SetRewardTargetsRequest struct {
	FarmerTarget string `json:"farmer_target"`
	PoolTarget   string `json:"pool_target"`
}

func (s *Server) handleSetRewardTargets(c *gin.Context) {
	var req SetRewardTargetsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}
	if req.FarmerTarget == "" {
		c.JSON(400, gin.H{"error": "farmer_target required"})
		return
	}

	if err := s.cfg.SetRewardTargets(req.FarmerTarget, req.PoolTarget); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	util.Infof("admin: updated reward targets")
	c.JSON(200, gin.H{"status": "ok"})
}

// SetPayoutInstructionsRequest is the set_payout_instructions request
// body.
type SetPayoutInstructionsRequest struct {
	LauncherID   string `json:"launcher_id"`
	Instructions string `json:"payout_instructions"`
}

func (s *Server) handleSetPayoutInstructions(c *gin.Context) {
	var req SetPayoutInstructionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}
	if req.LauncherID == "" {
		c.JSON(400, gin.H{"error": "launcher_id required"})
		return
	}

	if err := s.cfg.SetPayoutInstructions(req.LauncherID, req.Instructions); err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	util.Infof("admin: updated payout instructions for launcher_id %s", req.LauncherID)
	c.JSON(200, gin.H{"status": "ok"})
}

// LoginLinkRequest is the generate_login_link request body.
type LoginLinkRequest struct {
	LauncherID string `json:"launcher_id"`
}

func (s *Server) handleLoginLink(c *gin.Context) {
	var req LoginLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(400, gin.H{"error": "invalid request"})
		return
	}

	raw, err := hex.DecodeString(req.LauncherID)
	if err != nil || len(raw) != 32 {
		c.JSON(400, gin.H{"error": "launcher_id must be 32 bytes of hex"})
		return
	}
	var launcherID pospace.Hash32
	copy(launcherID[:], raw)

	link, err := s.loginLink.GenerateLoginLink(launcherID, time.Now())
	if err != nil {
		c.JSON(400, gin.H{"error": err.Error()})
		return
	}

	c.JSON(200, gin.H{"login_link": link})
}

// HarvesterEntry is one connected harvester's summary in the
// get_harvesters response.
type HarvesterEntry struct {
	PeerID         string `json:"peer_id"`
	PlotCount      int    `json:"plot_count"`
	Duplicates     int    `json:"duplicates"`
	Invalid        int    `json:"invalid"`
	KeysMissing    int    `json:"keys_missing"`
	InitialSync    bool   `json:"initial_sync"`
	LastUpdateUnix int64  `json:"last_update_unix"`
}

func (s *Server) handleGetHarvesters(c *gin.Context) {
	summaries := s.harvester.Summaries()
	entries := make([]HarvesterEntry, 0, len(summaries))
	for peerID, sum := range summaries {
		entries = append(entries, HarvesterEntry{
			PeerID:         peerID,
			PlotCount:      sum.PlotCount,
			Duplicates:     sum.Duplicates,
			Invalid:        sum.Invalid,
			KeysMissing:    sum.KeysMissing,
			InitialSync:    sum.InitialSync,
			LastUpdateUnix: sum.LastUpdateUnix,
		})
	}

	c.JSON(200, gin.H{"harvesters": entries, "count": len(entries)})
}

// PoolStateEntry is one p2-singleton's full state in the
// get_pool_state response.
type PoolStateEntry struct {
	LauncherID             string  `json:"launcher_id"`
	PoolURL                string  `json:"pool_url"`
	PayoutInstructions     string  `json:"payout_instructions"`
	CurrentDifficulty      *uint64 `json:"current_difficulty,omitempty"`
	CurrentPoints          uint64  `json:"current_points"`
	PointsFound24h         uint64  `json:"points_found_24h"`
	PointsAcknowledged24h  uint64  `json:"points_acknowledged_24h"`
	ValidPartials24h       uint64  `json:"valid_partials_24h"`
	InvalidPartials24h     uint64  `json:"invalid_partials_24h"`
	InsufficientPartials24h uint64 `json:"insufficient_partials_24h"`
	StalePartials24h       uint64  `json:"stale_partials_24h"`
	MissingPartials24h     uint64  `json:"missing_partials_24h"`
	PoolErrors24h          uint64  `json:"pool_errors_24h"`
}

func (s *Server) handleGetPoolState(c *gin.Context) {
	states := s.farmerSvc.PoolStates()
	entries := make([]PoolStateEntry, 0, len(states))
	for _, st := range states {
		entries = append(entries, PoolStateEntry{
			LauncherID:              hex.EncodeToString(st.Config.LauncherID[:]),
			PoolURL:                 st.Config.PoolURL,
			PayoutInstructions:      st.Config.PayoutInstructions,
			CurrentDifficulty:       st.CurrentDifficulty,
			CurrentPoints:           st.CurrentPoints,
			PointsFound24h:          uint64(st.PointsFound.Len()),
			PointsAcknowledged24h:   uint64(st.PointsAcknowledged.Len()),
			ValidPartials24h:        uint64(st.ValidPartials.Len()),
			InvalidPartials24h:      uint64(st.InvalidPartials.Len()),
			InsufficientPartials24h: uint64(st.InsufficientPartials.Len()),
			StalePartials24h:        uint64(st.StalePartials.Len()),
			MissingPartials24h:      uint64(st.MissingPartials.Len()),
			PoolErrors24h:           uint64(st.PoolErrors24h.Len()),
		})
	}

	c.JSON(200, gin.H{"pools": entries})
}
