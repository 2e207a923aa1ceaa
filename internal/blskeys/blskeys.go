// Package blskeys manages the farmer's BLS12-381 key material: root
// secret keys loaded from the keychain, the farmer/pool child keys
// derived from each root, and the authentication-key cache used to
// sign pool protocol requests. Built on supranational/blst, the
// reference BLS12-381 implementation used by real Chia software.
package blskeys

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	blst "github.com/supranational/blst/bindings/go"
	"golang.org/x/crypto/hkdf"
)

// augSchemeDST is the domain separation tag for the augmented BLS
// signature scheme (AugSchemeMPL in the reference implementation):
// the message is implicitly prefixed with the signer's public key
// before hashing to the curve.
const augSchemeDST = "BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_AUG_"

// PrivateKey wraps a blst secret key.
type PrivateKey struct {
	sk *blst.SecretKey
}

// PublicKey wraps a compressed G1 public key.
type PublicKey struct {
	pk *blst.P1Affine
}

// Signature wraps a compressed G2 signature.
type Signature struct {
	sig *blst.P2Affine
}

// KeyGen derives a BLS private key from a seed, mirroring
// AugSchemeMPL.key_gen. The seed must be at least 32 bytes of entropy.
func KeyGen(seed []byte) (*PrivateKey, error) {
	if len(seed) < 32 {
		return nil, errors.New("blskeys: seed must be at least 32 bytes")
	}
	sk := blst.KeyGen(seed)
	if sk == nil {
		return nil, errors.New("blskeys: key generation failed")
	}
	return &PrivateKey{sk: sk}, nil
}

// G1 returns the public key corresponding to sk.
func (sk *PrivateKey) G1() *PublicKey {
	pk := new(blst.P1Affine).From(sk.sk)
	return &PublicKey{pk: pk}
}

// Bytes returns the 32-byte big-endian secret scalar.
func (sk *PrivateKey) Bytes() []byte {
	return sk.sk.Serialize()
}

// Equal reports whether two public keys are the same curve point.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.pk.Equals(other.pk)
}

// Bytes returns the 48-byte compressed G1 point.
func (pk *PublicKey) Bytes() []byte {
	return pk.pk.Compress()
}

// PublicKeyFromBytes parses a compressed G1 point.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pk := new(blst.P1Affine).Uncompress(b)
	if pk == nil {
		return nil, fmt.Errorf("blskeys: invalid public key encoding (%d bytes)", len(b))
	}
	return &PublicKey{pk: pk}, nil
}

// Sign implements AugSchemeMPL.sign: the signature is over
// pk || message under the augmented-scheme domain separation tag.
func Sign(sk *PrivateKey, message []byte) *Signature {
	sig := new(blst.P2Affine).Sign(sk.sk, message, []byte(augSchemeDST), sk.G1().Bytes())
	return &Signature{sig: sig}
}

// Verify implements AugSchemeMPL.verify.
func Verify(pk *PublicKey, message []byte, sig *Signature) bool {
	return sig.sig.Verify(true, pk.pk, false, message, []byte(augSchemeDST), pk.Bytes())
}

// Bytes returns the 96-byte compressed G2 point.
func (sig *Signature) Bytes() []byte {
	return sig.sig.Compress()
}

// SignatureFromBytes parses a compressed G2 point.
func SignatureFromBytes(b []byte) (*Signature, error) {
	sig := new(blst.P2Affine).Uncompress(b)
	if sig == nil {
		return nil, fmt.Errorf("blskeys: invalid signature encoding (%d bytes)", len(b))
	}
	return &Signature{sig: sig}, nil
}

// Derivation indices for the two child keys the farmer core needs,
// following Chia's m/12381/8444/<role>/0 key derivation paths.
const (
	farmerDerivationIndex = 0
	poolDerivationIndex   = 1
)

// deriveChildSK derives a child secret key from a parent secret key
// and an index. This follows the shape of Chia's hardened BLS HD
// derivation (EIP-2333-style: the child is a function of the parent
// secret and the index, not merely the parent public key) using
// HKDF-SHA256 as the underlying expansion primitive rather than the
// full lamport-tree construction — sufficient to give every root
// secret key a stable, distinct farmer-child and pool-child key, which
// is everything the farmer core itself depends on.
func deriveChildSK(parent *PrivateKey, index uint32) (*PrivateKey, error) {
	info := []byte{byte(index >> 24), byte(index >> 16), byte(index >> 8), byte(index)}
	reader := hkdf.New(sha256.New, parent.Bytes(), []byte("chia-farmer-child-key"), info)
	seed := make([]byte, 32)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("blskeys: derive child key: %w", err)
	}
	return KeyGen(seed)
}

// MasterSKToFarmerSK derives the farmer key from a root secret key.
func MasterSKToFarmerSK(root *PrivateKey) (*PrivateKey, error) {
	return deriveChildSK(root, farmerDerivationIndex)
}

// MasterSKToPoolSK derives the pool key from a root secret key.
func MasterSKToPoolSK(root *PrivateKey) (*PrivateKey, error) {
	return deriveChildSK(root, poolDerivationIndex)
}

// AuthenticationKeyCache maps a pool owner public key to the
// authentication secret key found among the farmer's root secrets, so
// repeated pool updates don't rescan every root key. Populated lazily
// and lives for the process, per spec.
type AuthenticationKeyCache struct {
	mu    sync.RWMutex
	byPK  map[string]*PrivateKey
}

// NewAuthenticationKeyCache returns an empty cache.
func NewAuthenticationKeyCache() *AuthenticationKeyCache {
	return &AuthenticationKeyCache{byPK: make(map[string]*PrivateKey)}
}

// Get returns the cached authentication secret key for ownerPK, if any.
func (c *AuthenticationKeyCache) Get(ownerPK *PublicKey) (*PrivateKey, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sk, ok := c.byPK[string(ownerPK.Bytes())]
	return sk, ok
}

// FindAuthenticationSK scans rootSecretKeys for the one whose derived
// pool key's public key equals ownerPK, caching the result. Mirrors
// get_authentication_sk / find_authentication_sk: the "authentication"
// key for a pool is simply its pool-derived child key, identified by
// public key match against the pool's configured owner key.
func (c *AuthenticationKeyCache) FindAuthenticationSK(rootSecretKeys []*PrivateKey, ownerPK *PublicKey) (*PrivateKey, error) {
	if sk, ok := c.Get(ownerPK); ok {
		return sk, nil
	}
	for _, root := range rootSecretKeys {
		poolSK, err := MasterSKToPoolSK(root)
		if err != nil {
			continue
		}
		if poolSK.G1().Equal(ownerPK) {
			c.mu.Lock()
			c.byPK[string(ownerPK.Bytes())] = poolSK
			c.mu.Unlock()
			return poolSK, nil
		}
	}
	return nil, fmt.Errorf("blskeys: no authentication key found for owner public key")
}
