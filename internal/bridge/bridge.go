// Package bridge exposes the key engine through integer handles and stable
// result codes, the shape required by the C exports of cmd/keywalletffi.
// No Go pointer and no Go error ever crosses it.
package bridge

import (
	"context"
	"fmt"
	"math"
	"runtime/debug"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/pkg/stats"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
)

// MaxBufferLen is the largest host buffer the C exports copy into Go memory.
const MaxBufferLen = math.MaxInt32

// BufferLen validates a buffer length received from the host. Empty buffers
// and buffers longer than MaxBufferLen are rejected with CodeInvalidArgument.
func BufferLen(n uint64) (int, Code) {
	if n == 0 || n > MaxBufferLen {
		return 0, CodeInvalidArgument
	}
	return int(n), CodeOK
}

// Opts is the struct given to New.
type Opts struct {
	// Network defaults to bitcoin mainnet.
	Network          *wallet.Network
	Wordlist         wallet.WordlistProvider
	GapLimit         int
	AddressCacheSize int
	LockMemory       bool
	Metrics          *stats.Metrics
}

type keyEntry struct {
	wallet *wallet.Wallet
	key    *wallet.Key
}

// Bridge owns every wallet and key handed out to the host.
type Bridge struct {
	opts    Opts
	seeds   *wallet.SeedManager
	handles *arena
}

// New returns a bridge creating wallets with the given options.
func New(opts Opts) *Bridge {
	if opts.Network == nil {
		opts.Network = &wallet.BitcoinMainNet
	}
	return &Bridge{
		opts:    opts,
		seeds:   wallet.NewSeedManager(nil, opts.Wordlist),
		handles: newArena(),
	}
}

// Len returns the number of live handles.
func (b *Bridge) Len() int {
	return b.handles.len()
}

// CreateWallet restores a wallet from the mnemonic and returns its handle.
func (b *Bridge) CreateWallet(mnemonic, passphrase string) (handle uint64, code Code) {
	defer recoverPanic("CreateWallet", &code)

	w, err := wallet.NewWalletFromMnemonic(wallet.NewWalletFromMnemonicOpts{
		Mnemonic:         mnemonic,
		Passphrase:       passphrase,
		Network:          b.opts.Network,
		Wordlist:         b.opts.Wordlist,
		GapLimit:         b.opts.GapLimit,
		AddressCacheSize: b.opts.AddressCacheSize,
		LockMemory:       b.opts.LockMemory,
		Metrics:          b.opts.Metrics,
	})
	if err != nil {
		return 0, failure("CreateWallet", err)
	}

	handle, ok := b.handles.insert(kindWallet, w)
	if !ok {
		_ = w.Close()
		return 0, failure("CreateWallet", fmt.Errorf("handle space exhausted"))
	}
	return handle, CodeOK
}

// GenerateMnemonic returns a new phrase for entropyBits of entropy.
func (b *Bridge) GenerateMnemonic(entropyBits int) (mnemonic string, code Code) {
	defer recoverPanic("GenerateMnemonic", &code)

	mnemonic, err := b.seeds.GenerateMnemonic(entropyBits)
	if err != nil {
		return "", failure("GenerateMnemonic", err)
	}
	return mnemonic, CodeOK
}

// ValidateMnemonic returns CodeOK for valid phrases, CodeInvalidMnemonic
// otherwise.
func (b *Bridge) ValidateMnemonic(mnemonic string) (code Code) {
	defer recoverPanic("ValidateMnemonic", &code)

	if err := b.seeds.ValidateMnemonic(mnemonic); err != nil {
		return failure("ValidateMnemonic", err)
	}
	return CodeOK
}

// DeriveKey derives the private key at path from the master key of the
// wallet and returns its handle. The key handle outlives the wallet one.
func (b *Bridge) DeriveKey(walletHandle uint64, path string) (handle uint64, code Code) {
	defer recoverPanic("DeriveKey", &code)

	w, ok := b.wallet(walletHandle)
	if !ok {
		return 0, CodeHandleInvalid
	}
	key, err := w.DeriveKey(path)
	if err != nil {
		return 0, failure("DeriveKey", err)
	}

	handle, ok = b.handles.insert(kindKey, &keyEntry{w, key})
	if !ok {
		_ = w.ReleaseKey(key)
		return 0, failure("DeriveKey", fmt.Errorf("handle space exhausted"))
	}
	return handle, CodeOK
}

// GetPublicAddress encodes the key as an address of the given script type
// (p2pkh, p2sh-p2wpkh, p2wpkh, p2tr or one of their aliases).
func (b *Bridge) GetPublicAddress(keyHandle uint64, scriptType string) (address string, code Code) {
	defer recoverPanic("GetPublicAddress", &code)

	e, ok := b.key(keyHandle)
	if !ok {
		return "", CodeHandleInvalid
	}
	st, err := wallet.ParseScriptType(scriptType)
	if err != nil {
		return "", failure("GetPublicAddress", err)
	}
	address, err = e.wallet.Address(e.key, st)
	if err != nil {
		return "", failure("GetPublicAddress", err)
	}
	return address, CodeOK
}

// ExtendedPublicKey returns the base58 extended public key of the key.
func (b *Bridge) ExtendedPublicKey(keyHandle uint64) (xpub string, code Code) {
	defer recoverPanic("ExtendedPublicKey", &code)

	e, ok := b.key(keyHandle)
	if !ok {
		return "", CodeHandleInvalid
	}
	xpub, err := e.wallet.ExtendedPublicKey(e.key)
	if err != nil {
		return "", failure("ExtendedPublicKey", err)
	}
	return xpub, CodeOK
}

// SignTransaction signs the PSBT with keys of the account ("84'/0'/0'") and
// returns the serialized signed transaction.
func (b *Bridge) SignTransaction(
	ctx context.Context, walletHandle uint64, unsignedTx []byte, accountID string,
) (signedTx []byte, code Code) {
	defer recoverPanic("SignTransaction", &code)

	w, ok := b.wallet(walletHandle)
	if !ok {
		return nil, CodeHandleInvalid
	}
	signedTx, err := w.SignTransaction(ctx, unsignedTx, accountID)
	if err != nil {
		return nil, failure("SignTransaction", err)
	}
	return signedTx, CodeOK
}

// DestroyHandle releases the wallet or key behind handle. Every handle must
// be destroyed exactly once; a second call returns CodeHandleInvalid.
func (b *Bridge) DestroyHandle(handle uint64) (code Code) {
	defer recoverPanic("DestroyHandle", &code)

	k, value, ok := b.handles.remove(handle)
	if !ok {
		return CodeHandleInvalid
	}

	var err error
	switch k {
	case kindWallet:
		err = value.(*wallet.Wallet).Close()
	case kindKey:
		e := value.(*keyEntry)
		err = e.wallet.ReleaseKey(e.key)
	}
	if err != nil {
		return failure("DestroyHandle", err)
	}
	return CodeOK
}

func (b *Bridge) wallet(handle uint64) (*wallet.Wallet, bool) {
	v, ok := b.handles.get(handle, kindWallet)
	if !ok {
		return nil, false
	}
	return v.(*wallet.Wallet), true
}

func (b *Bridge) key(handle uint64) (*keyEntry, bool) {
	v, ok := b.handles.get(handle, kindKey)
	if !ok {
		return nil, false
	}
	return v.(*keyEntry), true
}

func failure(op string, err error) Code {
	code := CodeOf(err)
	entry := log.WithFields(log.Fields{"op": op, "code": code.String()})
	if code == CodeInternal {
		entry.WithError(err).Warn("boundary call failed")
	} else {
		entry.WithError(err).Debug("boundary call failed")
	}
	return code
}

// recoverPanic turns a panic of the call it is deferred in into CodeInternal.
func recoverPanic(op string, code *Code) {
	if rec := recover(); rec != nil {
		log.WithFields(log.Fields{
			"op":    op,
			"panic": fmt.Sprint(rec),
		}).Errorf("recovered from panic\n%s", debug.Stack())
		*code = CodeInternal
	}
}
