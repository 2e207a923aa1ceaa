package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/seanb95531/chia-farmer/internal/pospace"
	"github.com/seanb95531/chia-farmer/internal/util"
)

func testAddress(t *testing.T, seed byte, prefix string) string {
	t.Helper()
	var ph [32]byte
	for i := range ph {
		ph[i] = seed + byte(i)
	}
	addr, err := util.EncodeBech32mPuzzleHash(ph, prefix)
	if err != nil {
		t.Fatalf("EncodeBech32mPuzzleHash: %v", err)
	}
	return addr
}

func TestValidate(t *testing.T) {
	xchAddr := testAddress(t, 1, "xch")
	txchAddr := testAddress(t, 1, "txch")

	tests := []struct {
		name    string
		config  Config
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid mainnet config",
			config: Config{
				Farmer: FarmerConfig{XCHTargetAddress: xchAddr},
				FullNode: FullNodeConfig{SelectedNetwork: "mainnet"},
				Pool: PoolSectionConfig{
					PoolList: []PoolListEntry{{LauncherID: "aa", PoolURL: "https://pool.example.com"}},
				},
				Harvester: HarvesterSectionConfig{MaxSessions: 4},
			},
			wantErr: false,
		},
		{
			name: "missing farmer target address",
			config: Config{
				FullNode:  FullNodeConfig{SelectedNetwork: "mainnet"},
				Harvester: HarvesterSectionConfig{MaxSessions: 1},
			},
			wantErr: true,
			errMsg:  "farmer.xch_target_address is required",
		},
		{
			name: "farmer address wrong network prefix",
			config: Config{
				Farmer:    FarmerConfig{XCHTargetAddress: txchAddr},
				FullNode:  FullNodeConfig{SelectedNetwork: "mainnet"},
				Harvester: HarvesterSectionConfig{MaxSessions: 1},
			},
			wantErr: true,
			errMsg:  "farmer.xch_target_address is not a valid xch bech32m address",
		},
		{
			name: "testnet accepts txch prefix",
			config: Config{
				Farmer:    FarmerConfig{XCHTargetAddress: txchAddr},
				FullNode:  FullNodeConfig{SelectedNetwork: "testnet"},
				Harvester: HarvesterSectionConfig{MaxSessions: 1},
			},
			wantErr: false,
		},
		{
			name: "non-https pool url rejected on mainnet",
			config: Config{
				Farmer:   FarmerConfig{XCHTargetAddress: xchAddr},
				FullNode: FullNodeConfig{SelectedNetwork: "mainnet"},
				Pool: PoolSectionConfig{
					PoolList: []PoolListEntry{{LauncherID: "aa", PoolURL: "http://pool.example.com"}},
				},
				Harvester: HarvesterSectionConfig{MaxSessions: 1},
			},
			wantErr: true,
			errMsg:  "pool.pool_list[0].pool_url must be https on mainnet",
		},
		{
			name: "non-https pool url allowed off mainnet",
			config: Config{
				Farmer:   FarmerConfig{XCHTargetAddress: txchAddr},
				FullNode: FullNodeConfig{SelectedNetwork: "testnet"},
				Pool: PoolSectionConfig{
					PoolList: []PoolListEntry{{LauncherID: "aa", PoolURL: "http://pool.example.com"}},
				},
				Harvester: HarvesterSectionConfig{MaxSessions: 1},
			},
			wantErr: false,
		},
		{
			name: "missing launcher id",
			config: Config{
				Farmer:   FarmerConfig{XCHTargetAddress: xchAddr},
				FullNode: FullNodeConfig{SelectedNetwork: "mainnet"},
				Pool: PoolSectionConfig{
					PoolList: []PoolListEntry{{PoolURL: "https://pool.example.com"}},
				},
				Harvester: HarvesterSectionConfig{MaxSessions: 1},
			},
			wantErr: true,
			errMsg:  "pool.pool_list[0].launcher_id is required",
		},
		{
			name: "zero max sessions",
			config: Config{
				Farmer:    FarmerConfig{XCHTargetAddress: xchAddr},
				FullNode:  FullNodeConfig{SelectedNetwork: "mainnet"},
				Harvester: HarvesterSectionConfig{MaxSessions: 0},
			},
			wantErr: true,
			errMsg:  "harvester.max_sessions must be > 0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				if err.Error() != tt.errMsg {
					t.Errorf("error = %q, want %q", err.Error(), tt.errMsg)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestIsMainnet(t *testing.T) {
	c := Config{FullNode: FullNodeConfig{SelectedNetwork: "mainnet"}}
	if !c.IsMainnet() {
		t.Error("expected mainnet")
	}
	c.FullNode.SelectedNetwork = "testnet"
	if c.IsMainnet() {
		t.Error("expected non-mainnet")
	}
}

func testLauncherIDHex() string {
	var id pospace.Hash32
	id[0] = 0xaa
	return hex.EncodeToString(id[:])
}

func writeTestConfigFile(t *testing.T, dir string, xchAddr string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	contents := "farmer:\n  xch_target_address: \"" + xchAddr + "\"\n" +
		"full_node:\n  selected_network: mainnet\n" +
		"harvester:\n  max_sessions: 4\n" +
		"pool:\n  pool_list:\n    - launcher_id: \"" + testLauncherIDHex() + "\"\n      pool_url: \"https://pool.example.com\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	xchAddr := testAddress(t, 2, "xch")
	path := writeTestConfigFile(t, dir, xchAddr)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Farmer.XCHTargetAddress != xchAddr {
		t.Errorf("XCHTargetAddress = %q, want %q", cfg.Farmer.XCHTargetAddress, xchAddr)
	}
	if cfg.Harvester.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d, want 4", cfg.Harvester.MaxSessions)
	}
}

func TestUpdatePoolURLPersistsToFile(t *testing.T) {
	dir := t.TempDir()
	xchAddr := testAddress(t, 3, "xch")
	path := writeTestConfigFile(t, dir, xchAddr)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var launcherID pospace.Hash32
	launcherID[0] = 0xaa

	if err := cfg.UpdatePoolURL(launcherID, "https://new-pool.example.com"); err != nil {
		t.Fatalf("UpdatePoolURL: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Pool.PoolList[0].PoolURL != "https://new-pool.example.com" {
		t.Errorf("persisted pool_url = %q, want the migrated URL", reloaded.Pool.PoolList[0].PoolURL)
	}
}

func TestUpdatePoolURLUnknownLauncherErrors(t *testing.T) {
	dir := t.TempDir()
	xchAddr := testAddress(t, 4, "xch")
	path := writeTestConfigFile(t, dir, xchAddr)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var unknown pospace.Hash32
	unknown[0] = 0xff
	if err := cfg.UpdatePoolURL(unknown, "https://new-pool.example.com"); err == nil {
		t.Fatal("expected an error for an unknown launcher id")
	}
}
