// chiafarmer is the Farmer core entry point: it wires the harvester
// session manager, one pool client per configured p2-singleton, the
// signage-point dispatcher, the admin/public HTTP API, webhook
// notifications, and optional pprof/New Relic instrumentation.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seanb95531/chia-farmer/internal/api"
	"github.com/seanb95531/chia-farmer/internal/blskeys"
	"github.com/seanb95531/chia-farmer/internal/config"
	"github.com/seanb95531/chia-farmer/internal/farmer"
	"github.com/seanb95531/chia-farmer/internal/harvester"
	"github.com/seanb95531/chia-farmer/internal/keychain"
	"github.com/seanb95531/chia-farmer/internal/newrelic"
	"github.com/seanb95531/chia-farmer/internal/notify"
	"github.com/seanb95531/chia-farmer/internal/pool"
	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/profiling"
	"github.com/seanb95531/chia-farmer/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("chiafarmer v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("chiafarmer v%s starting", version)

	logger := util.Log()

	notifier := notify.NewNotifier(&notify.WebhookConfig{
		Enabled:      cfg.Notify.Enabled,
		DiscordURL:   cfg.Notify.DiscordURL,
		TelegramBot:  cfg.Notify.TelegramBot,
		TelegramChat: cfg.Notify.TelegramChat,
		FarmerName:   cfg.Notify.FarmerName,
	})

	keys := keychain.New(cfg.Farmer.KeychainDir)
	if _, err := keys.Refresh(); err != nil {
		util.Warnf("initial keychain load failed: %v", err)
	}

	var pprofServer *profiling.Server
	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	var nrAgent *newrelic.Agent
	if cfg.NewRelic.Enabled {
		nrAgent = newrelic.NewAgent(&cfg.NewRelic)
		if err := nrAgent.Start(); err != nil {
			util.Errorf("Failed to start New Relic agent: %v", err)
		}
	}

	pools, err := buildPoolClients(cfg, keys, notifier, nrAgent)
	if err != nil {
		util.Fatalf("Failed to configure pools: %v", err)
	}

	harvesterMgr := harvester.NewManager(keys, harvester.Callbacks{}, cfg.Harvester.MaxSessions, logger)

	farmerSvc := farmer.NewService(farmer.Config{
		Constants: pospace.MainnetConstants,
		Verifier:  farmer.NewDefaultVerifier(),
	}, pools, harvesterMgr, noopConsensusLink{}, keys, logger)

	harvesterMgr.SetCallbacks(farmerSvc.Callbacks(
		func(peerID string, summary harvester.HarvesterSummary) {
			notifier.NotifyHarvesterConnected(peerID, summary.PlotCount)
			if nrAgent != nil {
				nrAgent.UpdateHarvesterMetrics(harvesterMgr.SessionCount(), int64(summary.PlotCount))
			}
		},
		func(peerID string) {
			notifier.NotifyHarvesterDisconnected(peerID)
		},
	))

	harvesterSrv := harvester.NewServer(cfg.Harvester.Bind, harvesterMgr, logger)

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg, farmerSvc, harvesterMgr, farmerSvc)
		if err := apiServer.Start(); err != nil {
			util.Fatalf("Failed to start API server: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := harvesterSrv.Start(ctx); err != nil {
		util.Fatalf("Failed to start harvester server: %v", err)
	}

	farmerSvc.Start()

	util.Info("Farmer started successfully. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	util.Info("Shutting down...")

	cancel()
	farmerSvc.Stop()
	harvesterSrv.Stop()
	if apiServer != nil {
		apiServer.Stop()
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if nrAgent != nil {
		nrAgent.Stop()
	}

	util.Info("Farmer stopped")
}

// buildPoolClients constructs one pool.Client per configured
// p2-singleton, resolving each hex-encoded launcher/puzzle-hash/
// owner-public-key field from config and wiring its error callback to
// webhook notification and (if enabled) New Relic.
func buildPoolClients(cfg *config.Config, keys *keychain.Provider, notifier *notify.Notifier, nrAgent *newrelic.Agent) (map[pospace.Hash32]*pool.Client, error) {
	transport := pool.NewHTTPTransport(30 * time.Second)
	mainnet := cfg.IsMainnet()

	clients := make(map[pospace.Hash32]*pool.Client, len(cfg.Pool.PoolList))
	for i, entry := range cfg.Pool.PoolList {
		launcherID, err := parseHash32(entry.LauncherID)
		if err != nil {
			return nil, fmt.Errorf("pool_list[%d].launcher_id: %w", i, err)
		}

		var targetPuzzleHash pospace.Hash32
		if entry.TargetPuzzleHash != "" {
			targetPuzzleHash, err = parseHash32(entry.TargetPuzzleHash)
			if err != nil {
				return nil, fmt.Errorf("pool_list[%d].target_puzzle_hash: %w", i, err)
			}
		}

		p2sph := launcherID
		if entry.P2SingletonPuzzleHash != "" {
			p2sph, err = parseHash32(entry.P2SingletonPuzzleHash)
			if err != nil {
				return nil, fmt.Errorf("pool_list[%d].p2_singleton_puzzle_hash: %w", i, err)
			}
		}

		var ownerPK *blskeys.PublicKey
		if entry.OwnerPublicKey != "" {
			raw, err := hex.DecodeString(entry.OwnerPublicKey)
			if err != nil {
				return nil, fmt.Errorf("pool_list[%d].owner_public_key: %w", i, err)
			}
			ownerPK, err = blskeys.PublicKeyFromBytes(raw)
			if err != nil {
				return nil, fmt.Errorf("pool_list[%d].owner_public_key: %w", i, err)
			}
		}

		poolCfg := pool.Config{
			LauncherID:            launcherID,
			PoolURL:               entry.PoolURL,
			TargetPuzzleHash:      targetPuzzleHash,
			PayoutInstructions:    entry.PayoutInstructions,
			OwnerPublicKey:        ownerPK,
			P2SingletonPuzzleHash: p2sph,
		}

		client := pool.NewClient(poolCfg, transport, keys, cfg, mainnet, util.Log())
		client.SetErrorCallback(func(poolURL string, err error) {
			notifier.NotifyPoolError(poolURL, err)
			if nrAgent != nil {
				nrAgent.RecordPoolCall(poolURL, "update_pool_state", false, 0)
			}
		})
		clients[p2sph] = client
	}

	return clients, nil
}

func parseHash32(s string) (pospace.Hash32, error) {
	var h pospace.Hash32
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(raw) != len(h) {
		return h, fmt.Errorf("expected %d bytes, got %d", len(h), len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// noopConsensusLink satisfies farmer.ConsensusLink. The full node
// websocket connection that feeds signage points in and receives
// signed proofs back is an external collaborator outside this
// repository's scope; a real deployment replaces this with a client
// dialing the local full node's RPC port.
type noopConsensusLink struct{}

func (noopConsensusLink) SubmitSignedProof(ctx context.Context, msg farmer.SignedProofSubmission) error {
	util.Infof("signed proof ready for consensus submission: sp_hash=%x", msg.SPHash)
	return nil
}
