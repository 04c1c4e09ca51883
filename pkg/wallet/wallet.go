package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/pkg/stats"
	"github.com/tdex-network/tdex-keywallet/pkg/vault"
)

var (
	// ErrInvalidMnemonic is returned for phrases with a bad word count,
	// unknown words or a checksum mismatch.
	ErrInvalidMnemonic = errors.New("mnemonic is invalid")
	// ErrPrivateKeyRequired is returned when a hardened derivation or a
	// signature is requested from a public-only key.
	ErrPrivateKeyRequired = errors.New("operation requires a private key")
	// ErrDerivationOverflow is returned when no valid child exists in the
	// remaining index space or the tree is deeper than 255 levels.
	ErrDerivationOverflow = errors.New("derivation overflow")
	// ErrSigningFailure ...
	ErrSigningFailure = errors.New("failed to sign transaction")
	// ErrUnsupportedScript ...
	ErrUnsupportedScript = errors.New("unsupported script type")
	// ErrKeyNotFound ...
	ErrKeyNotFound = errors.New("key not found")
	// ErrVerificationFailed ...
	ErrVerificationFailed = errors.New("script verification failed")

	// ErrNullMnemonic ...
	ErrNullMnemonic = errors.New("mnemonic must not be null")
	// ErrNullNetwork ...
	ErrNullNetwork = errors.New("network must not be null")
	// ErrNullDerivationPath ...
	ErrNullDerivationPath = errors.New("derivation path must not be null")
	// ErrNullKey ...
	ErrNullKey = errors.New("key must not be null")
	// ErrNullEngine ...
	ErrNullEngine = errors.New("derivation engine must not be null")
	// ErrNullRegistry ...
	ErrNullRegistry = errors.New("account registry must not be null")
	// ErrNullAccount ...
	ErrNullAccount = errors.New("account must not be null")
	// ErrNullUsageIndex ...
	ErrNullUsageIndex = errors.New("usage index must not be null")
	// ErrNullTransaction ...
	ErrNullTransaction = errors.New("transaction must not be null")
	// ErrNullInputUtxo ...
	ErrNullInputUtxo = errors.New("input witness or non-witness utxo must not be null")

	// ErrInvalidEntropySize ...
	ErrInvalidEntropySize = errors.New(
		"entropy size must be a multiple of 32 in the range [128,256]",
	)
	// ErrInvalidWordlist ...
	ErrInvalidWordlist = errors.New("invalid wordlist")
	// ErrInvalidDerivationPath ...
	ErrInvalidDerivationPath = errors.New("invalid derivation path")
	// ErrInvalidExtendedKey ...
	ErrInvalidExtendedKey = errors.New("invalid extended key")
	// ErrInvalidAccount ...
	ErrInvalidAccount = errors.New("invalid account")
	// ErrInvalidGapLimit ...
	ErrInvalidGapLimit = errors.New("gap limit must not be negative")
	// ErrInvalidUsageResult ...
	ErrInvalidUsageResult = errors.New("invalid usage index result")
	// ErrInvalidTransaction ...
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrInvalidAddressCacheSize ...
	ErrInvalidAddressCacheSize = errors.New("address cache size must not be negative")

	// ErrMalformedDerivationPath ...
	ErrMalformedDerivationPath = errors.New(
		"path must not start or end with a '/' and " +
			"can optionally start with 'm/' for absolute paths",
	)
	// ErrEmptyInputs ...
	ErrEmptyInputs = errors.New("input list must not be empty")
	// ErrUnknownNetwork ...
	ErrUnknownNetwork = errors.New("unknown network")
	// ErrAccountAlreadyExists ...
	ErrAccountAlreadyExists = errors.New("account already exists")
	// ErrWalletClosed ...
	ErrWalletClosed = errors.New("wallet is closed")
)

// Wallet is the context every key operation runs against: it owns a vault
// holding the seed and the keys derived from it, along with the accounts and
// the address cache built on top. Wallets share no state with each other.
type Wallet struct {
	id          uuid.UUID
	network     *Network
	vault       *vault.Vault
	engine      *Engine
	seed        vault.Handle
	master      *Key
	fingerprint uint32
	cache       *AddressCache
	registry    *AccountRegistry
	signer      *Signer
	metrics     *stats.Metrics
	log         *log.Entry

	mu     sync.RWMutex
	closed bool
}

// NewWalletFromMnemonicOpts is the struct given to the NewWalletFromMnemonic
// method
type NewWalletFromMnemonicOpts struct {
	Mnemonic   string
	Passphrase string
	// Network defaults to BitcoinMainNet.
	Network *Network
	// Wordlist defaults to EnglishWordlist.
	Wordlist WordlistProvider
	// GapLimit defaults to DefaultGapLimit.
	GapLimit int
	// AddressCacheSize bounds the address cache; 0 means unbounded.
	AddressCacheSize int
	LockMemory       bool
	Metrics          *stats.Metrics
}

func (o NewWalletFromMnemonicOpts) validate() error {
	if len(o.Mnemonic) <= 0 {
		return ErrNullMnemonic
	}
	if o.GapLimit < 0 {
		return ErrInvalidGapLimit
	}
	if o.AddressCacheSize < 0 {
		return ErrInvalidAddressCacheSize
	}
	return ValidateMnemonic(o.Mnemonic, o.Wordlist)
}

// NewWalletFromMnemonic stretches the mnemonic into a seed and derives the
// master key of a new wallet.
func NewWalletFromMnemonic(opts NewWalletFromMnemonicOpts) (*Wallet, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	network := opts.Network
	if network == nil {
		network = &BitcoinMainNet
	}

	v := vault.New(vault.Opts{LockMemory: opts.LockMemory})
	seed, err := NewSeedManager(v, opts.Wordlist).SeedFromMnemonic(
		opts.Mnemonic, opts.Passphrase,
	)
	if err != nil {
		return nil, err
	}

	engine := NewEngine(v, network)
	master, err := engine.MasterKey(seed)
	if err != nil {
		v.Close()
		return nil, err
	}

	id := uuid.New()
	logger := log.WithFields(log.Fields{
		"wallet":  id.String(),
		"network": network.Name,
	})

	cache := NewAddressCache(AddressCacheOpts{
		Capacity: opts.AddressCacheSize,
		Metrics:  opts.Metrics,
	})
	registry, err := NewAccountRegistry(AccountRegistryOpts{
		Engine:   engine,
		Master:   master,
		Cache:    cache,
		GapLimit: opts.GapLimit,
		Metrics:  opts.Metrics,
		Logger:   logger,
	})
	if err != nil {
		v.Close()
		return nil, err
	}
	signer, err := NewSigner(SignerOpts{
		Engine:            engine,
		Registry:          registry,
		Cache:             cache,
		MasterFingerprint: master.Fingerprint(),
		Metrics:           opts.Metrics,
		Logger:            logger,
	})
	if err != nil {
		v.Close()
		return nil, err
	}

	logger.Debug("wallet created")
	return &Wallet{
		id:          id,
		network:     network,
		vault:       v,
		engine:      engine,
		seed:        seed,
		master:      master,
		fingerprint: master.Fingerprint(),
		cache:       cache,
		registry:    registry,
		signer:      signer,
		metrics:     opts.Metrics,
		log:         logger,
	}, nil
}

// ID returns the random identifier of the wallet instance.
func (w *Wallet) ID() string {
	return w.id.String()
}

// Network ...
func (w *Wallet) Network() *Network {
	return w.network
}

// Fingerprint returns the master key fingerprint as used in PSBT key
// origins.
func (w *Wallet) Fingerprint() uint32 {
	return w.fingerprint
}

// Registry returns the account registry of the wallet.
func (w *Wallet) Registry() *AccountRegistry {
	return w.registry
}

// Cache ...
func (w *Wallet) Cache() *AddressCache {
	return w.cache
}

// DeriveKey derives the private key at path from the master key. The
// returned key must be released with ReleaseKey.
func (w *Wallet) DeriveKey(path string) (*Key, error) {
	derivationPath, err := ParseDerivationPath(path)
	if err != nil {
		return nil, err
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWalletClosed
	}

	key, err := w.engine.DerivePath(w.master, derivationPath)
	if err != nil {
		return nil, err
	}
	w.metrics.Derivation(true)
	w.log.WithField("path", key.path.String()).Debug("derived key")
	return key, nil
}

// ReleaseKey wipes a key obtained from DeriveKey. Keys stay usable after the
// wallet is closed until released.
func (w *Wallet) ReleaseKey(k *Key) error {
	return w.engine.Release(k)
}

// Address encodes the public key of k as a scriptType output address.
func (w *Wallet) Address(k *Key, scriptType ScriptType) (string, error) {
	if k == nil {
		return "", ErrNullKey
	}
	addr, err := NewAddress(k.PublicKey(), k.path, scriptType, w.network)
	if err != nil {
		return "", err
	}
	return addr.Encoded, nil
}

// ExtendedPublicKey returns the base58 extended public key of k.
func (w *Wallet) ExtendedPublicKey(k *Key) (string, error) {
	if k == nil {
		return "", ErrNullKey
	}
	return w.engine.ExtendedPublicKey(k), nil
}

// OpenAccount opens the account of the wallet network under the given
// purpose and index.
func (w *Wallet) OpenAccount(purpose, index uint32) (*Account, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWalletClosed
	}
	return w.registry.OpenAccount(purpose, w.network.CoinType, index)
}

// AccountExtendedPublicKey returns the extended public key of the account,
// the one to give to watch-only wallets.
func (w *Wallet) AccountExtendedPublicKey(a *Account) (string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return "", ErrWalletClosed
	}
	key, err := w.registry.AccountKey(a)
	if err != nil {
		return "", err
	}
	return w.engine.ExtendedPublicKey(key), nil
}

// DiscoverAddresses runs gap limit discovery on the account.
func (w *Wallet) DiscoverAddresses(
	ctx context.Context, a *Account, usage UsageIndex,
) (*DiscoveryResult, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWalletClosed
	}
	return w.registry.DiscoverAddresses(ctx, a, usage)
}

// SignPacket signs the packet with keys of the given account. An account
// that was never opened is used for this call only: signing leaves neither
// the account nor its key behind.
func (w *Wallet) SignPacket(
	ctx context.Context, packet *psbt.Packet, accountID AccountID,
) (*SignedTransaction, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return nil, ErrWalletClosed
	}

	account, release, err := w.registry.signingAccount(accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	return w.signer.SignTransaction(ctx, account, packet)
}

// SignTransaction signs an unsigned transaction (PSBT, binary or base64)
// with keys of the account identified by accountID ("84'/0'/0'") and returns
// the serialized signed transaction.
func (w *Wallet) SignTransaction(
	ctx context.Context, unsignedTx []byte, accountID string,
) ([]byte, error) {
	id, err := ParseAccountID(accountID)
	if err != nil {
		return nil, err
	}
	packet, err := ParseUnsignedTransaction(unsignedTx)
	if err != nil {
		return nil, err
	}

	signed, err := w.SignPacket(ctx, packet, id)
	if err != nil {
		return nil, err
	}
	return signed.Bytes()
}

// Close wipes the seed, the master key and the account keys. Keys returned
// by DeriveKey are not affected.
func (w *Wallet) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWalletClosed
	}
	w.closed = true

	w.registry.Close()
	if err := w.engine.Release(w.master); err != nil {
		return fmt.Errorf("releasing master key: %w", err)
	}
	if err := w.vault.Release(w.seed); err != nil {
		return fmt.Errorf("releasing seed: %w", err)
	}
	w.log.Debug("wallet closed")
	return nil
}
