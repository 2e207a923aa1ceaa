// Package keychain is a minimal file-based root-secret-key provider:
// one file per root BLS secret key seed, loaded at startup and
// reloaded when the newest modification time among the key files
// changes (removing a key file that is not the newest one does not
// trigger a reload). Grounded on
// Farmer.setup_keys / ensure_keychain_proxy in
// original_source/farmer.py, which the distilled spec named as an
// out-of-scope key-provider capability — this is the minimal concrete
// implementation that capability needs.
package keychain

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/seanb95531/chia-farmer/internal/blskeys"
)

// Provider loads root secret keys from a directory and derives the
// farmer-child and pool-child keys the rest of the farmer core needs.
// Safe for concurrent use: Load/Refresh take a write lock, every
// reader takes a read lock.
type Provider struct {
	dir string

	mu          sync.RWMutex
	rootSKs     []*blskeys.PrivateKey
	farmerSKs   []*blskeys.PrivateKey
	poolSKs     []*blskeys.PrivateKey
	lastMtime   time.Time
	authCache   *blskeys.AuthenticationKeyCache
}

// New returns a provider reading root key files from dir. Call Load
// once before use; Refresh re-checks the directory's mtime signature.
func New(dir string) *Provider {
	return &Provider{
		dir:       dir,
		authCache: blskeys.NewAuthenticationKeyCache(),
	}
}

// keyFileSeeds lists the directory's regular files in deterministic
// (sorted) order, each expected to contain a single hex-encoded seed
// of at least 32 bytes, and returns the latest mtime among them.
func keyFileSeeds(dir string) (seeds [][]byte, latestMtime time.Time, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("keychain: read dir %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("keychain: stat %s: %w", path, err)
		}
		if info.ModTime().After(latestMtime) {
			latestMtime = info.ModTime()
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("keychain: read %s: %w", path, err)
		}
		hexSeed := strings.TrimPrefix(strings.TrimSpace(string(raw)), "0x")
		seed, err := hex.DecodeString(hexSeed)
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("keychain: %s: invalid hex seed: %w", path, err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, latestMtime, nil
}

// Load reads every key file in the provider's directory and derives
// farmer/pool child keys from each. An empty directory is not an
// error: Ready() reports false and the caller polls until keys appear,
// per spec.
func (p *Provider) Load() error {
	seeds, mtime, err := keyFileSeeds(p.dir)
	if err != nil {
		return err
	}

	rootSKs := make([]*blskeys.PrivateKey, 0, len(seeds))
	farmerSKs := make([]*blskeys.PrivateKey, 0, len(seeds))
	poolSKs := make([]*blskeys.PrivateKey, 0, len(seeds))

	for i, seed := range seeds {
		root, err := blskeys.KeyGen(seed)
		if err != nil {
			return fmt.Errorf("keychain: key file %d: %w", i, err)
		}
		farmerSK, err := blskeys.MasterSKToFarmerSK(root)
		if err != nil {
			return fmt.Errorf("keychain: derive farmer key %d: %w", i, err)
		}
		poolSK, err := blskeys.MasterSKToPoolSK(root)
		if err != nil {
			return fmt.Errorf("keychain: derive pool key %d: %w", i, err)
		}
		rootSKs = append(rootSKs, root)
		farmerSKs = append(farmerSKs, farmerSK)
		poolSKs = append(poolSKs, poolSK)
	}

	p.mu.Lock()
	p.rootSKs = rootSKs
	p.farmerSKs = farmerSKs
	p.poolSKs = poolSKs
	p.lastMtime = mtime
	p.authCache = blskeys.NewAuthenticationKeyCache()
	p.mu.Unlock()
	return nil
}

// Refresh re-loads the key directory only if its mtime signature has
// changed since the last load, returning whether a reload happened.
func (p *Provider) Refresh() (bool, error) {
	_, mtime, err := keyFileSeeds(p.dir)
	if err != nil {
		return false, err
	}

	p.mu.RLock()
	unchanged := mtime.Equal(p.lastMtime)
	p.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	if err := p.Load(); err != nil {
		return false, err
	}
	return true, nil
}

// RootSecretKeys returns the currently loaded root secret keys.
func (p *Provider) RootSecretKeys() []*blskeys.PrivateKey {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*blskeys.PrivateKey, len(p.rootSKs))
	copy(out, p.rootSKs)
	return out
}

// Ready reports whether at least one root key has been loaded.
func (p *Provider) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.rootSKs) > 0
}

// PublicKeysIfReady implements harvester.KeyProvider: the farmer and
// pool public keys for the handshake, or ready=false if no keys have
// been loaded yet.
func (p *Provider) PublicKeysIfReady() (farmerPKs [][]byte, poolPKs [][]byte, ready bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.rootSKs) == 0 {
		return nil, nil, false
	}
	for _, sk := range p.farmerSKs {
		farmerPKs = append(farmerPKs, sk.G1().Bytes())
	}
	for _, sk := range p.poolSKs {
		poolPKs = append(poolPKs, sk.G1().Bytes())
	}
	return farmerPKs, poolPKs, true
}

// FindAuthenticationSK implements pool.AuthenticationSKProvider by
// scanning the loaded root keys for the one whose pool-child key
// matches ownerPK, caching the result.
func (p *Provider) FindAuthenticationSK(ownerPK *blskeys.PublicKey) (*blskeys.PrivateKey, error) {
	p.mu.RLock()
	roots := p.rootSKs
	cache := p.authCache
	p.mu.RUnlock()
	return cache.FindAuthenticationSK(roots, ownerPK)
}
