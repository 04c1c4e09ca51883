package wallet

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tdex-network/tdex-keywallet/pkg/vault"
)

// extendedKeyLen is the size of a BIP32 serialized extended key without the
// base58 checksum: version(4) || depth(1) || parent fingerprint(4) ||
// child index(4) || chain code(32) || key data(33).
const extendedKeyLen = 78

// encodeExtendedKey serializes k in its 78-byte BIP32 form. For private keys
// the returned buffer holds secret material and must be wiped by the caller.
// The base58 string form is avoided on purpose for private keys since Go
// strings cannot be zeroed.
func encodeExtendedKey(k *hdkeychain.ExtendedKey) ([]byte, error) {
	buf := make([]byte, extendedKeyLen)
	copy(buf[0:4], k.Version())
	buf[4] = k.Depth()
	binary.BigEndian.PutUint32(buf[5:9], k.ParentFingerprint())
	binary.BigEndian.PutUint32(buf[9:13], k.ChildIndex())
	copy(buf[13:45], k.ChainCode())

	if k.IsPrivate() {
		priv, err := k.ECPrivKey()
		if err != nil {
			return nil, err
		}
		defer priv.Zero()
		// key data is 0x00 || 32-byte scalar
		priv.Key.PutBytesUnchecked(buf[46:78])
		return buf, nil
	}

	pub, err := k.ECPubKey()
	if err != nil {
		return nil, err
	}
	copy(buf[45:78], pub.SerializeCompressed())
	return buf, nil
}

// decodeExtendedKey is the inverse of encodeExtendedKey. The returned key
// copies everything it needs from buf.
func decodeExtendedKey(buf []byte) (*hdkeychain.ExtendedKey, error) {
	if len(buf) != extendedKeyLen {
		return nil, fmt.Errorf(
			"%w: extended key must be %d bytes long", ErrInvalidExtendedKey, extendedKeyLen,
		)
	}

	version := append([]byte{}, buf[0:4]...)
	depth := buf[4]
	parentFP := append([]byte{}, buf[5:9]...)
	childIndex := binary.BigEndian.Uint32(buf[9:13])
	chainCode := append([]byte{}, buf[13:45]...)

	isPrivate := buf[45] == 0x00
	var keyData []byte
	if isPrivate {
		keyData = append([]byte{}, buf[46:78]...)
	} else {
		keyData = append([]byte{}, buf[45:78]...)
	}

	return hdkeychain.NewExtendedKey(
		version, keyData, chainCode, parentFP, depth, childIndex, isPrivate,
	), nil
}

// storeExtendedKey serializes a private k into v and wipes k.
func storeExtendedKey(v *vault.Vault, k *hdkeychain.ExtendedKey) (vault.Handle, error) {
	defer k.Zero()

	buf, err := encodeExtendedKey(k)
	if err != nil {
		return vault.Handle{}, err
	}
	return v.Store(buf)
}

// withExtendedKey exposes the private extended key stored under h to fn and
// wipes it on return.
func withExtendedKey(
	v *vault.Vault, h vault.Handle, fn func(*hdkeychain.ExtendedKey) error,
) error {
	return v.WithSecret(h, func(buf []byte) error {
		k, err := decodeExtendedKey(buf)
		if err != nil {
			return err
		}
		defer k.Zero()
		return fn(k)
	})
}

func neuter(k *hdkeychain.ExtendedKey, params *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	if !k.IsPrivate() {
		return k, nil
	}
	pub, err := k.ECPubKey()
	if err != nil {
		return nil, err
	}
	parentFP := make([]byte, 4)
	binary.BigEndian.PutUint32(parentFP, k.ParentFingerprint())

	return hdkeychain.NewExtendedKey(
		params.HDPublicKeyID[:], pub.SerializeCompressed(),
		append([]byte{}, k.ChainCode()...), parentFP,
		k.Depth(), k.ChildIndex(), false,
	), nil
}
