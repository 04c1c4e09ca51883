package wallet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/pkg/vault"
)

const (
	// MaxHardenedValue is the max value for hardened indexes of BIP32
	// derivation paths
	MaxHardenedValue = math.MaxUint32 - hdkeychain.HardenedKeyStart
	// MaxDepth is the deepest level of a BIP32 tree.
	MaxDepth = math.MaxUint8
)

// Key refers to a node of the derivation tree. Private keys live in the
// vault and are reachable only through the Engine; public keys are kept
// inline since they hold no secret.
type Key struct {
	owner  *vault.Vault
	handle vault.Handle
	public *hdkeychain.ExtendedKey
	path   DerivationPath
}

// IsPrivate returns whether the key can sign and derive hardened children.
func (k *Key) IsPrivate() bool {
	return !k.handle.IsZero()
}

// Handle returns the vault handle of a private key, the zero handle
// otherwise.
func (k *Key) Handle() vault.Handle {
	return k.handle
}

// Path returns the path of the key relative to the root it was derived
// from: the master key for seed-based keys, the imported key for watch-only
// ones.
func (k *Key) Path() DerivationPath {
	return append(DerivationPath{}, k.path...)
}

// Depth ...
func (k *Key) Depth() uint8 {
	return k.public.Depth()
}

// PublicKey returns the compressed secp256k1 public key.
func (k *Key) PublicKey() *btcec.PublicKey {
	pub, _ := k.public.ECPubKey()
	return pub
}

// Fingerprint returns the first 4 bytes of the key's hash160 in the
// little-endian form used by PSBT key origins.
func (k *Key) Fingerprint() uint32 {
	return fingerprint(k.PublicKey())
}

type deriveFunc func(*hdkeychain.ExtendedKey, uint32) (*hdkeychain.ExtendedKey, error)

// Engine derives BIP32 keys. Private material is read from and written to
// the engine's vault; derivation math runs on private copies outside of the
// vault lock.
type Engine struct {
	vault   *vault.Vault
	network *Network
	derive  deriveFunc
}

// NewEngine returns a derivation engine for the network storing private keys
// in v.
func NewEngine(v *vault.Vault, network *Network) *Engine {
	return &Engine{
		vault:   v,
		network: network,
		derive: func(k *hdkeychain.ExtendedKey, i uint32) (*hdkeychain.ExtendedKey, error) {
			return k.Derive(i)
		},
	}
}

// MasterKey derives the BIP32 master key from the seed stored under seed.
func (e *Engine) MasterKey(seed vault.Handle) (*Key, error) {
	var key *Key
	err := e.vault.WithSecret(seed, func(s []byte) error {
		master, err := hdkeychain.NewMaster(s, e.network.Params)
		if err != nil {
			return err
		}
		key, err = e.storeKey(master, DerivationPath{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveChild derives the child at index of parent.
func (e *Engine) DeriveChild(parent *Key, index uint32) (*Key, error) {
	return e.DerivePath(parent, DerivationPath{index})
}

// DerivePath derives the key at path relative to root. The result is private
// if root is, otherwise any hardened elem makes the derivation fail with
// ErrPrivateKeyRequired.
func (e *Engine) DerivePath(root *Key, path DerivationPath) (*Key, error) {
	if root == nil {
		return nil, ErrNullKey
	}
	if !root.IsPrivate() {
		return e.DerivePublic(root, path)
	}

	if root.owner != e.vault {
		return nil, vault.ErrHandleInvalid
	}

	var key *Key
	err := withExtendedKey(e.vault, root.handle, func(k *hdkeychain.ExtendedKey) error {
		child, actual, err := e.derivePath(k, path)
		if err != nil {
			return err
		}
		key, err = e.storeKey(child, root.path.Child(actual...))
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// DerivePublic returns the public-only key at path relative to root. Paths
// without hardened elems never touch private material.
func (e *Engine) DerivePublic(root *Key, path DerivationPath) (*Key, error) {
	if root == nil {
		return nil, ErrNullKey
	}

	if !path.IsHardened() {
		child, actual, err := e.derivePath(root.public, path)
		if err != nil {
			return nil, err
		}
		return &Key{public: child, path: root.path.Child(actual...)}, nil
	}

	if !root.IsPrivate() {
		return nil, ErrPrivateKeyRequired
	}
	if root.owner != e.vault {
		return nil, vault.ErrHandleInvalid
	}

	var key *Key
	err := withExtendedKey(e.vault, root.handle, func(k *hdkeychain.ExtendedKey) error {
		child, actual, err := e.derivePath(k, path)
		if err != nil {
			return err
		}
		defer child.Zero()

		pub, err := neuter(child, e.network.Params)
		if err != nil {
			return err
		}
		key = &Key{public: pub, path: root.path.Child(actual...)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Neuter returns the public-only counterpart of k.
func (e *Engine) Neuter(k *Key) *Key {
	return &Key{public: k.public, path: k.Path()}
}

// ExtendedPublicKey returns the base58 serialization of the public
// counterpart of k (xpub, tpub).
func (e *Engine) ExtendedPublicKey(k *Key) string {
	return k.public.String()
}

// ImportExtendedPublicKey parses a base58 extended public key into a
// watch-only key. Extended private keys are refused.
func (e *Engine) ImportExtendedPublicKey(xpub string) (*Key, error) {
	k, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidExtendedKey, err)
	}
	if k.IsPrivate() {
		k.Zero()
		return nil, fmt.Errorf("%w: expected a public key", ErrInvalidExtendedKey)
	}
	if !k.IsForNet(e.network.Params) {
		return nil, fmt.Errorf("%w: key is not for network %s", ErrInvalidExtendedKey, e.network.Name)
	}
	return &Key{public: k, path: DerivationPath{}}, nil
}

// WithPrivateKey derives the key at rel from k and exposes its private
// scalar to fn. The scalar is wiped when fn returns.
func (e *Engine) WithPrivateKey(
	k *Key, rel DerivationPath, fn func(*btcec.PrivateKey) error,
) error {
	if k == nil {
		return ErrNullKey
	}
	if !k.IsPrivate() {
		return ErrPrivateKeyRequired
	}
	if k.owner != e.vault {
		return vault.ErrHandleInvalid
	}

	return withExtendedKey(e.vault, k.handle, func(root *hdkeychain.ExtendedKey) error {
		child := root
		if len(rel) > 0 {
			var err error
			if child, _, err = e.derivePath(root, rel); err != nil {
				return err
			}
			defer child.Zero()
		}

		priv, err := child.ECPrivKey()
		if err != nil {
			return err
		}
		defer priv.Zero()

		return fn(priv)
	})
}

// Release wipes the private material of k. Public-only keys are a no-op.
func (e *Engine) Release(k *Key) error {
	if k == nil || !k.IsPrivate() {
		return nil
	}
	if k.owner != e.vault {
		return vault.ErrHandleInvalid
	}
	return e.vault.Release(k.handle)
}

func (e *Engine) storeKey(k *hdkeychain.ExtendedKey, path DerivationPath) (*Key, error) {
	pub, err := neuter(k, e.network.Params)
	if err != nil {
		k.Zero()
		return nil, err
	}
	handle, err := storeExtendedKey(e.vault, k)
	if err != nil {
		return nil, err
	}
	return &Key{owner: e.vault, handle: handle, public: pub, path: path}, nil
}

// derivePath walks path from k and returns the derived key along with the
// indexes actually used, which differ from path only when an invalid child
// forced a skip. Intermediate private keys are wiped; k is left untouched.
func (e *Engine) derivePath(
	k *hdkeychain.ExtendedKey, path DerivationPath,
) (*hdkeychain.ExtendedKey, DerivationPath, error) {
	if int(k.Depth())+len(path) > MaxDepth {
		return nil, nil, fmt.Errorf(
			"%w: depth %d exceeds %d", ErrDerivationOverflow, int(k.Depth())+len(path), MaxDepth,
		)
	}

	actual := make(DerivationPath, 0, len(path))
	current := k
	for _, index := range path {
		child, used, err := e.deriveChild(current, index)
		if current != k {
			current.Zero()
		}
		if err != nil {
			return nil, nil, err
		}
		current = child
		actual = append(actual, used)
	}
	return current, actual, nil
}

// deriveChild derives the child at index, moving on to index+1 while the
// derived scalar is invalid. The search never leaves the hardened or
// non-hardened half index belongs to.
func (e *Engine) deriveChild(
	k *hdkeychain.ExtendedKey, index uint32,
) (*hdkeychain.ExtendedKey, uint32, error) {
	hardened := index >= hdkeychain.HardenedKeyStart
	if hardened && !k.IsPrivate() {
		return nil, 0, ErrPrivateKeyRequired
	}

	for i := index; (i >= hdkeychain.HardenedKeyStart) == hardened; i++ {
		child, err := e.derive(k, i)
		switch {
		case err == nil:
			return child, i, nil
		case errors.Is(err, hdkeychain.ErrInvalidChild):
			log.WithField("index", i).Debug("invalid child, skipping to next index")
			if i == math.MaxUint32 {
				return nil, 0, overflowFrom(index)
			}
		case errors.Is(err, hdkeychain.ErrDeriveHardFromPublic):
			return nil, 0, ErrPrivateKeyRequired
		case errors.Is(err, hdkeychain.ErrDeriveBeyondMaxDepth):
			return nil, 0, fmt.Errorf("%w: %s", ErrDerivationOverflow, err)
		default:
			return nil, 0, err
		}
	}

	return nil, 0, overflowFrom(index)
}

func overflowFrom(index uint32) error {
	return fmt.Errorf("%w: no valid child from index %d", ErrDerivationOverflow, index)
}

func fingerprint(pub *btcec.PublicKey) uint32 {
	return binary.LittleEndian.Uint32(btcutil.Hash160(pub.SerializeCompressed())[:4])
}
