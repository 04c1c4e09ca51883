package wallet

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-keywallet/pkg/vault"
)

func newTestEngine(t *testing.T, seedHex string) (*Engine, *Key) {
	t.Helper()

	seed, err := hex.DecodeString(seedHex)
	require.NoError(t, err)

	v := vault.New(vault.Opts{})
	t.Cleanup(v.Close)

	h, err := v.Store(seed)
	require.NoError(t, err)

	engine := NewEngine(v, &BitcoinMainNet)
	master, err := engine.MasterKey(h)
	require.NoError(t, err)
	return engine, master
}

func TestBIP32Vectors(t *testing.T) {
	tests := []struct {
		name string
		seed string
		path string
		xpub string
	}{
		{
			name: "vector 1 master",
			seed: "000102030405060708090a0b0c0d0e0f",
			path: "m",
			xpub: "xpub661MyMwAqRbcFtXgS5sYJABqqG9YLmC4Q1Rdap9gSE8NqtwybGhePY2gZ29ESFjqJoCu1Rupje8YtGqsefD265TMg7usUDFdp6W1EGMcet8",
		},
		{
			name: "vector 1 m/0H",
			seed: "000102030405060708090a0b0c0d0e0f",
			path: "m/0'",
			xpub: "xpub68Gmy5EdvgibQVfPdqkBBCHxA5htiqg55crXYuXoQRKfDBFA1WEjWgP6LHhwBZeNK1VTsfTFUHCdrfp1bgwQ9xv5ski8PX9rL2dZXvgGDnw",
		},
		{
			name: "vector 1 m/0H/1",
			seed: "000102030405060708090a0b0c0d0e0f",
			path: "m/0'/1",
			xpub: "xpub6ASuArnXKPbfEwhqN6e3mwBcDTgzisQN1wXN9BJcM47sSikHjJf3UFHKkNAWbWMiGj7Wf5uMash7SyYq527Hqck2AxYysAA7xmALppuCkwQ",
		},
		{
			name: "vector 1 m/0H/1/2H",
			seed: "000102030405060708090a0b0c0d0e0f",
			path: "m/0'/1/2'",
			xpub: "xpub6D4BDPcP2GT577Vvch3R8wDkScZWzQzMMUm3PWbmWvVJrZwQY4VUNgqFJPMM3No2dFDFGTsxxpG5uJh7n7epu4trkrX7x7DogT5Uv6fcLW5",
		},
		{
			name: "vector 1 m/0H/1/2H/2",
			seed: "000102030405060708090a0b0c0d0e0f",
			path: "m/0'/1/2'/2",
			xpub: "xpub6FHa3pjLCk84BayeJxFW2SP4XRrFd1JYnxeLeU8EqN3vDfZmbqBqaGJAyiLjTAwm6ZLRQUMv1ZACTj37sR62cfN7fe5JnJ7dh8zL4fiyLHV",
		},
		{
			name: "vector 1 m/0H/1/2H/2/1000000000",
			seed: "000102030405060708090a0b0c0d0e0f",
			path: "m/0'/1/2'/2/1000000000",
			xpub: "xpub6H1LXWLaKsWFhvm6RVpEL9P4KfRZSW7abD2ttkWP3SSQvnyA8FSVqNTEcYFgJS2UaFcxupHiYkro49S8yGasTvXEYBVPamhGW6cFJodrTHy",
		},
		{
			name: "vector 2 master",
			seed: "fffcf9f6f3f0edeae7e4e1dedbd8d5d2cfccc9c6c3c0bdbab7b4b1aeaba8a5a29f9c999693908d8a8784817e7b7875726f6c696663605d5a5754514e4b484542",
			path: "m",
			xpub: "xpub661MyMwAqRbcFW31YEwpkMuc5THy2PSt5bDMsktWQcFF8syAmRUapSCGu8ED9W6oDMSgv6Zz8idoc4a6mr8BDzTJY47LJhkJ8UB7WEGuduB",
		},
		{
			name: "vector 2 m/0",
			seed: "fffcf9f6f3f0edeae7e4e1dedbd8d5d2cfccc9c6c3c0bdbab7b4b1aeaba8a5a29f9c999693908d8a8784817e7b7875726f6c696663605d5a5754514e4b484542",
			path: "m/0",
			xpub: "xpub69H7F5d8KSRgmmdJg2KhpAK8SR3DjMwAdkxj3ZuxV27CprR9LgpeyGmXUbC6wb7ERfvrnKZjXoUmmDznezpbZb7ap6r1D3tgFxHmwMkQTPH",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, master := newTestEngine(t, tt.seed)

			path, err := ParseDerivationPath(tt.path)
			require.NoError(t, err)

			key, err := engine.DerivePath(master, path)
			require.NoError(t, err)
			assert.True(t, key.IsPrivate())
			assert.Equal(t, tt.xpub, engine.ExtendedPublicKey(key))
			assert.Equal(t, path, key.Path())
			assert.Equal(t, uint8(len(path)), key.Depth())

			// step by step derivation agrees with the whole path at once
			stepped := master
			for _, index := range path {
				stepped, err = engine.DeriveChild(stepped, index)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.xpub, engine.ExtendedPublicKey(stepped))
		})
	}
}

func TestDerivationIsDeterministic(t *testing.T) {
	seed := "000102030405060708090a0b0c0d0e0f"
	paths := []string{"m/84'/0'/0'/0/0", "m/44'/5'/3'/1/19", "m/0/1/2/3", "m/86h/1h/0h"}

	for _, p := range paths {
		path, err := ParseDerivationPath(p)
		require.NoError(t, err)

		engine1, master1 := newTestEngine(t, seed)
		engine2, master2 := newTestEngine(t, seed)

		k1, err := engine1.DerivePath(master1, path)
		require.NoError(t, err)
		k2, err := engine2.DerivePath(master2, path)
		require.NoError(t, err)

		var b1, b2 []byte
		require.NoError(t, withExtendedKey(engine1.vault, k1.handle, func(k *hdkeychain.ExtendedKey) error {
			b1, err = encodeExtendedKey(k)
			return err
		}))
		require.NoError(t, withExtendedKey(engine2.vault, k2.handle, func(k *hdkeychain.ExtendedKey) error {
			b2, err = encodeExtendedKey(k)
			return err
		}))
		assert.Len(t, b1, extendedKeyLen)
		assert.Equal(t, b1, b2)
	}
}

func TestPublicDerivationMatchesPrivate(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")

	parent, err := engine.DerivePath(master, DerivationPath{h + 84, h, h})
	require.NoError(t, err)
	parentPub := engine.Neuter(parent)
	require.False(t, parentPub.IsPrivate())

	for _, i := range []uint32{0, 1, 2, 1000, h - 1} {
		privChild, err := engine.DeriveChild(parent, i)
		require.NoError(t, err)
		pubChild, err := engine.DeriveChild(parentPub, i)
		require.NoError(t, err)

		assert.False(t, pubChild.IsPrivate())
		assert.True(t, privChild.PublicKey().IsEqual(pubChild.PublicKey()))
		assert.Equal(t, engine.ExtendedPublicKey(privChild), engine.ExtendedPublicKey(pubChild))
	}

	for _, i := range []uint32{h, h + 1, math.MaxUint32} {
		_, err := engine.DeriveChild(parentPub, i)
		assert.ErrorIs(t, err, ErrPrivateKeyRequired)
	}

	err = engine.WithPrivateKey(parentPub, nil, func(*btcec.PrivateKey) error { return nil })
	assert.ErrorIs(t, err, ErrPrivateKeyRequired)
}

func TestDeriveSkipsInvalidChild(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")
	expected, err := engine.DeriveChild(master, 6)
	require.NoError(t, err)

	engine.derive = func(k *hdkeychain.ExtendedKey, i uint32) (*hdkeychain.ExtendedKey, error) {
		if i == 5 {
			return nil, hdkeychain.ErrInvalidChild
		}
		return k.Derive(i)
	}

	child, err := engine.DeriveChild(master, 5)
	require.NoError(t, err)
	assert.Equal(t, DerivationPath{6}, child.Path())
	assert.Equal(t, engine.ExtendedPublicKey(expected), engine.ExtendedPublicKey(child))
}

func TestFailingDerivation(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")
	alwaysInvalid := func(*hdkeychain.ExtendedKey, uint32) (*hdkeychain.ExtendedKey, error) {
		return nil, hdkeychain.ErrInvalidChild
	}

	tests := []struct {
		name   string
		derive deriveFunc
		path   DerivationPath
		err    error
	}{
		{
			name:   "hardened half exhausted",
			derive: alwaysInvalid,
			path:   DerivationPath{math.MaxUint32 - 2},
			err:    ErrDerivationOverflow,
		},
		{
			name:   "non hardened half exhausted",
			derive: alwaysInvalid,
			path:   DerivationPath{h - 3},
			err:    ErrDerivationOverflow,
		},
		{
			name: "too deep",
			path: make(DerivationPath, MaxDepth+1),
			err:  ErrDerivationOverflow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(engine.vault, engine.network)
			if tt.derive != nil {
				e.derive = tt.derive
			}
			key, err := e.DerivePath(master, tt.path)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, key)
		})
	}

	_, err := engine.DerivePath(nil, DerivationPath{0})
	assert.ErrorIs(t, err, ErrNullKey)
}

func TestWithPrivateKey(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")
	account, err := engine.DerivePath(master, DerivationPath{h + 84, h, h})
	require.NoError(t, err)

	pub, err := engine.DerivePublic(account, DerivationPath{0, 3})
	require.NoError(t, err)

	var leaked *btcec.PrivateKey
	err = engine.WithPrivateKey(account, DerivationPath{0, 3}, func(priv *btcec.PrivateKey) error {
		assert.True(t, priv.PubKey().IsEqual(pub.PublicKey()))
		leaked = priv
		return nil
	})
	require.NoError(t, err)
	// the scalar is wiped on return
	assert.True(t, leaked.Key.IsZero())
}

func TestReleasedKeyIsInvalid(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")
	key, err := engine.DeriveChild(master, h)
	require.NoError(t, err)

	require.NoError(t, engine.Release(key))
	for i := 0; i < 3; i++ {
		_, err = engine.DeriveChild(key, 0)
		assert.ErrorIs(t, err, vault.ErrHandleInvalid)
		assert.ErrorIs(t, engine.Release(key), vault.ErrHandleInvalid)
	}

	// public data stays readable
	assert.NotEmpty(t, engine.ExtendedPublicKey(key))
}

func TestImportExtendedPublicKey(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")
	account, err := engine.DerivePath(master, DerivationPath{h + 84, h, h})
	require.NoError(t, err)
	xpub := engine.ExtendedPublicKey(account)

	imported, err := engine.ImportExtendedPublicKey(xpub)
	require.NoError(t, err)
	assert.False(t, imported.IsPrivate())
	assert.Equal(t, xpub, engine.ExtendedPublicKey(imported))

	fromPriv, err := engine.DerivePublic(account, DerivationPath{1, 7})
	require.NoError(t, err)
	fromPub, err := engine.DeriveChild(imported, 1)
	require.NoError(t, err)
	fromPub, err = engine.DeriveChild(fromPub, 7)
	require.NoError(t, err)
	assert.True(t, fromPriv.PublicKey().IsEqual(fromPub.PublicKey()))

	tests := []string{
		"",
		"not a key",
		// vector 1 master xprv
		"xprv9s21ZrQH143K3QTDL4LXw2F7HEK3wJUD2nW2nRk4stbPy6cq3jPPqjiChkVvvNKmPGJxWUtg6LnF5kejMRNNU3TGtRBeJgk33yuGBxrMPHi",
	}
	for _, tt := range tests {
		_, err := engine.ImportExtendedPublicKey(tt)
		assert.ErrorIs(t, err, ErrInvalidExtendedKey)
	}

	testnet := NewEngine(engine.vault, &BitcoinTestNet)
	_, err = testnet.ImportExtendedPublicKey(xpub)
	assert.ErrorIs(t, err, ErrInvalidExtendedKey)
}

func TestExtendedKeyEncoding(t *testing.T) {
	engine, master := newTestEngine(t, "000102030405060708090a0b0c0d0e0f")
	key, err := engine.DerivePath(master, DerivationPath{h, 1})
	require.NoError(t, err)

	err = withExtendedKey(engine.vault, key.handle, func(k *hdkeychain.ExtendedKey) error {
		assert.True(t, k.IsPrivate())
		assert.Equal(t, uint8(2), k.Depth())
		assert.Equal(t, uint32(1), k.ChildIndex())
		assert.Equal(t, "xprv9wTYmMFdV23N2TdNG573QoEsfRrWKQgWeibmLntzniatZvR9BmLnvSxqu53Kw1UmYPxLgboyZQaXwTCg8MSY3H2EU4pWcQDnRnrVA1xe8fs", k.String())
		return nil
	})
	require.NoError(t, err)

	_, err = decodeExtendedKey(make([]byte, extendedKeyLen-1))
	assert.ErrorIs(t, err, ErrInvalidExtendedKey)
}
