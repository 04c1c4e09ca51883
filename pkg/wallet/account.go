package wallet

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/pkg/stats"
	"golang.org/x/sync/errgroup"
)

const (
	// ExternalChain is the receive branch of an account.
	ExternalChain uint32 = 0
	// InternalChain is the change branch of an account.
	InternalChain uint32 = 1
	// DefaultGapLimit is the number of consecutive unused addresses that
	// halts discovery.
	DefaultGapLimit = 20
)

var chainNames = [2]string{"external", "internal"}

// AccountID is the purpose'/coin_type'/account' triple of BIP44-like
// derivation schemes.
type AccountID struct {
	Purpose  uint32
	CoinType uint32
	Index    uint32
}

// ParseAccountID parses strings in the form "84'/0'/0'", optionally
// prefixed with "m/". All elems must be hardened.
func ParseAccountID(s string) (AccountID, error) {
	path, err := ParseDerivationPath(s)
	if err != nil {
		return AccountID{}, err
	}
	if len(path) != 3 {
		return AccountID{}, fmt.Errorf(
			"%w: account must be in the form purpose'/coin_type'/account'", ErrInvalidAccount,
		)
	}
	for _, elem := range path {
		if elem < hdkeychain.HardenedKeyStart {
			return AccountID{}, fmt.Errorf("%w: all elems must be hardened", ErrInvalidAccount)
		}
	}
	return AccountID{
		Purpose:  path[0] - hdkeychain.HardenedKeyStart,
		CoinType: path[1] - hdkeychain.HardenedKeyStart,
		Index:    path[2] - hdkeychain.HardenedKeyStart,
	}, nil
}

func (id AccountID) validate() error {
	if id.Purpose > MaxHardenedValue || id.CoinType > MaxHardenedValue || id.Index > MaxHardenedValue {
		return fmt.Errorf("%w: elems must be in range [0, %d]", ErrInvalidAccount, MaxHardenedValue)
	}
	if _, err := ScriptTypeForPurpose(id.Purpose); err != nil {
		return err
	}
	return nil
}

// Path returns the hardened path of the account from the master key.
func (id AccountID) Path() DerivationPath {
	return DerivationPath{
		hdkeychain.HardenedKeyStart + id.Purpose,
		hdkeychain.HardenedKeyStart + id.CoinType,
		hdkeychain.HardenedKeyStart + id.Index,
	}
}

func (id AccountID) String() string {
	return strings.TrimPrefix(id.Path().String(), "m/")
}

type chainState struct {
	// highWater is the index after the last used address.
	highWater uint32
	// derived is the number of addresses derived so far.
	derived uint32
	used    map[uint32]struct{}
}

// Account is a subtree of the wallet rooted at m/purpose'/coin_type'/account'.
type Account struct {
	id         AccountID
	scriptType ScriptType
	watchOnly  bool
	// transient accounts are not registered: their addresses are neither
	// cached nor recorded.
	transient bool

	keyMu sync.Mutex
	key   *Key

	mu     sync.RWMutex
	chains [2]*chainState
}

func newAccount(id AccountID, scriptType ScriptType) *Account {
	a := &Account{id: id, scriptType: scriptType}
	for i := range a.chains {
		a.chains[i] = &chainState{used: make(map[uint32]struct{})}
	}
	return a
}

// ID ...
func (a *Account) ID() AccountID {
	return a.id
}

// ScriptType ...
func (a *Account) ScriptType() ScriptType {
	return a.scriptType
}

// IsWatchOnly returns whether the account was imported from an extended
// public key.
func (a *Account) IsWatchOnly() bool {
	return a.watchOnly
}

// HighWater returns the index after the last used address of chain.
func (a *Account) HighWater(chain uint32) uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chains[chain].highWater
}

// Derived returns the number of addresses derived on chain.
func (a *Account) Derived(chain uint32) uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.chains[chain].derived
}

// UsageIndex answers whether addresses have ever been used in a
// transaction. The result is index aligned with addresses.
type UsageIndex interface {
	AddressesUsed(ctx context.Context, addresses []string) ([]bool, error)
}

// ScanFunc adapts a plain function to UsageIndex.
type ScanFunc func(ctx context.Context, addresses []string) ([]bool, error)

// AddressesUsed ...
func (f ScanFunc) AddressesUsed(ctx context.Context, addresses []string) ([]bool, error) {
	return f(ctx, addresses)
}

// AccountRegistryOpts is the struct given to NewAccountRegistry.
type AccountRegistryOpts struct {
	Engine *Engine
	// Master can be nil for registries holding only watch-only accounts.
	Master   *Key
	Cache    *AddressCache
	GapLimit int
	Metrics  *stats.Metrics
	Logger   *log.Entry
}

func (o AccountRegistryOpts) validate() error {
	if o.Engine == nil {
		return ErrNullEngine
	}
	if o.GapLimit < 0 {
		return ErrInvalidGapLimit
	}
	return nil
}

type scriptRef struct {
	account *Account
	chain   uint32
	index   uint32
}

// AccountRegistry tracks the accounts of a wallet and their address
// discovery state.
type AccountRegistry struct {
	engine   *Engine
	master   *Key
	cache    *AddressCache
	gapLimit uint32
	metrics  *stats.Metrics
	log      *log.Entry

	mu       sync.RWMutex
	accounts map[AccountID]*Account
	scripts  map[string]scriptRef
}

// NewAccountRegistry ...
func NewAccountRegistry(opts AccountRegistryOpts) (*AccountRegistry, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	gapLimit := opts.GapLimit
	if gapLimit == 0 {
		gapLimit = DefaultGapLimit
	}
	cache := opts.Cache
	if cache == nil {
		cache = NewAddressCache(AddressCacheOpts{Metrics: opts.Metrics})
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &AccountRegistry{
		engine:   opts.Engine,
		master:   opts.Master,
		cache:    cache,
		gapLimit: uint32(gapLimit),
		metrics:  opts.Metrics,
		log:      logger,
		accounts: make(map[AccountID]*Account),
		scripts:  make(map[string]scriptRef),
	}, nil
}

// GapLimit ...
func (r *AccountRegistry) GapLimit() uint32 {
	return r.gapLimit
}

// OpenAccount returns the account at m/purpose'/coinType'/index', creating
// it if needed. The account key is derived on first use.
func (r *AccountRegistry) OpenAccount(purpose, coinType, index uint32) (*Account, error) {
	id := AccountID{purpose, coinType, index}
	if err := id.validate(); err != nil {
		return nil, err
	}
	scriptType, _ := ScriptTypeForPurpose(purpose)
	if !r.engine.network.Supports(scriptType) {
		return nil, fmt.Errorf(
			"%w: %s on network %s", ErrUnsupportedScript, scriptType, r.engine.network.Name,
		)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.accounts[id]; ok {
		return a, nil
	}
	if r.master == nil {
		return nil, ErrPrivateKeyRequired
	}

	a := newAccount(id, scriptType)
	r.accounts[id] = a
	r.log.WithField("account", id.String()).Debug("opened account")
	return a, nil
}

// signingAccount returns the registered account with the given id or, if
// there is none, a transient one. The returned func wipes the key of a
// transient account and is a no-op otherwise.
func (r *AccountRegistry) signingAccount(id AccountID) (*Account, func(), error) {
	if a, err := r.Account(id); err == nil {
		return a, func() {}, nil
	}

	if err := id.validate(); err != nil {
		return nil, nil, err
	}
	scriptType, _ := ScriptTypeForPurpose(id.Purpose)
	if !r.engine.network.Supports(scriptType) {
		return nil, nil, fmt.Errorf(
			"%w: %s on network %s", ErrUnsupportedScript, scriptType, r.engine.network.Name,
		)
	}
	if r.master == nil {
		return nil, nil, ErrPrivateKeyRequired
	}

	a := newAccount(id, scriptType)
	a.transient = true
	release := func() {
		a.keyMu.Lock()
		defer a.keyMu.Unlock()
		if a.key != nil {
			_ = r.engine.Release(a.key)
			a.key = nil
		}
	}
	return a, release, nil
}

// OpenWatchOnlyAccount registers an account backed by the extended public
// key of its account node. Such accounts derive addresses but cannot sign.
func (r *AccountRegistry) OpenWatchOnlyAccount(id AccountID, xpub string) (*Account, error) {
	if err := id.validate(); err != nil {
		return nil, err
	}
	scriptType, _ := ScriptTypeForPurpose(id.Purpose)
	if !r.engine.network.Supports(scriptType) {
		return nil, fmt.Errorf(
			"%w: %s on network %s", ErrUnsupportedScript, scriptType, r.engine.network.Name,
		)
	}

	key, err := r.engine.ImportExtendedPublicKey(xpub)
	if err != nil {
		return nil, err
	}
	if key.Depth() != 3 {
		return nil, fmt.Errorf("%w: expected an account level key (depth 3)", ErrInvalidExtendedKey)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountAlreadyExists, id)
	}

	a := newAccount(id, scriptType)
	a.watchOnly = true
	a.key = key
	r.accounts[id] = a
	r.log.WithField("account", id.String()).Debug("opened watch-only account")
	return a, nil
}

// Account returns the account with the given id.
func (r *AccountRegistry) Account(id AccountID) (*Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrKeyNotFound, id)
	}
	return a, nil
}

// Accounts returns the registered accounts sorted by path.
func (r *AccountRegistry) Accounts() []*Account {
	r.mu.RLock()
	defer r.mu.RUnlock()

	accounts := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool {
		pi, pj := accounts[i].id.Path(), accounts[j].id.Path()
		for k := range pi {
			if pi[k] != pj[k] {
				return pi[k] < pj[k]
			}
		}
		return false
	})
	return accounts
}

// AccountByScript returns the account and the address owning pkScript among
// the addresses derived so far.
func (r *AccountRegistry) AccountByScript(pkScript []byte) (*Account, *Address, error) {
	r.mu.RLock()
	ref, ok := r.scripts[string(pkScript)]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: script %x", ErrKeyNotFound, pkScript)
	}

	addr, err := r.Address(ref.account, ref.chain, ref.index)
	if err != nil {
		return nil, nil, err
	}
	return ref.account, addr, nil
}

// AccountKey returns the account level key, deriving it from the master key
// on first use. For accounts not watch-only the key is private.
func (r *AccountRegistry) AccountKey(a *Account) (*Key, error) {
	a.keyMu.Lock()
	defer a.keyMu.Unlock()

	if a.key != nil {
		return a.key, nil
	}
	key, err := r.engine.DerivePath(r.master, a.id.Path())
	if err != nil {
		return nil, err
	}
	r.metrics.Derivation(true)
	a.key = key
	return key, nil
}

// Address returns the address at chain/index of the account. Addresses are
// derived from the account public key and memoized in the cache.
func (r *AccountRegistry) Address(a *Account, chain, index uint32) (*Address, error) {
	if chain != ExternalChain && chain != InternalChain {
		return nil, fmt.Errorf("%w: chain must be 0 or 1", ErrInvalidDerivationPath)
	}
	if index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: address index must not be hardened", ErrInvalidDerivationPath)
	}

	if a.transient {
		return r.deriveAddress(a, chain, index)
	}

	path := a.id.Path().Child(chain, index)
	key := AddressKey{Type: a.scriptType, Path: path.String()}

	addr, err := r.cache.Get(key, func() (*Address, error) {
		return r.deriveAddress(a, chain, index)
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.scripts[string(addr.PkScript)] = scriptRef{a, chain, index}
	r.mu.Unlock()

	a.mu.Lock()
	if c := a.chains[chain]; index >= c.derived {
		c.derived = index + 1
	}
	a.mu.Unlock()

	return addr, nil
}

// NextAddress returns the first address of chain past the last used one.
func (r *AccountRegistry) NextAddress(a *Account, chain uint32) (*Address, error) {
	if chain != ExternalChain && chain != InternalChain {
		return nil, fmt.Errorf("%w: chain must be 0 or 1", ErrInvalidDerivationPath)
	}
	return r.Address(a, chain, a.HighWater(chain))
}

// MarkUsed flags the address paying to pkScript as used and advances the
// high-water mark of its chain.
func (r *AccountRegistry) MarkUsed(pkScript []byte) error {
	a, addr, err := r.AccountByScript(pkScript)
	if err != nil {
		return err
	}

	r.mu.RLock()
	ref := r.scripts[string(pkScript)]
	r.mu.RUnlock()

	a.mu.Lock()
	c := a.chains[ref.chain]
	c.used[ref.index] = struct{}{}
	if ref.index >= c.highWater {
		c.highWater = ref.index + 1
	}
	highWater := c.highWater
	a.mu.Unlock()

	addr.markUsed()
	r.metrics.Discovered(a.id.String(), chainNames[ref.chain], highWater)
	return nil
}

// DiscoveryResult reports the outcome of DiscoverAddresses per chain.
type DiscoveryResult struct {
	// HighWater is the index after the last used address.
	HighWater [2]uint32
	// Scanned is the index discovery halted at, gap limit addresses past
	// HighWater.
	Scanned [2]uint32
	// Checked is the number of addresses looked up in the usage index. It
	// exceeds Scanned by the part of the last window past the halt point.
	Checked [2]uint32
	Used    [2][]uint32
}

// DiscoverAddresses scans both chains of the account against usage.
// Addresses are checked in windows as large as the gap limit, so that a used
// address past a run of gap limit unused ones is still found at the next
// window boundary. The scan of a chain halts gap limit addresses past its
// last used one, at the first window ending in such a run. Nothing is
// recorded unless both chains are scanned successfully.
func (r *AccountRegistry) DiscoverAddresses(
	ctx context.Context, a *Account, usage UsageIndex,
) (*DiscoveryResult, error) {
	if usage == nil {
		return nil, ErrNullUsageIndex
	}

	result := &DiscoveryResult{}
	eg, ctx := errgroup.WithContext(ctx)
	for _, chain := range []uint32{ExternalChain, InternalChain} {
		chain := chain
		eg.Go(func() error {
			highWater, checked, used, err := r.scanChain(ctx, a, chain, usage)
			if err != nil {
				return fmt.Errorf("%s chain: %w", chainNames[chain], err)
			}
			result.HighWater[chain] = highWater
			result.Scanned[chain] = highWater + r.gapLimit
			result.Checked[chain] = checked
			result.Used[chain] = used
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		r.log.WithError(err).WithField("account", a.id.String()).Warn("address discovery failed")
		return nil, err
	}

	for chain, used := range result.Used {
		a.mu.Lock()
		c := a.chains[chain]
		for _, index := range used {
			c.used[index] = struct{}{}
		}
		if result.HighWater[chain] > c.highWater {
			c.highWater = result.HighWater[chain]
		}
		result.HighWater[chain] = c.highWater
		a.mu.Unlock()

		for _, index := range used {
			addr, err := r.Address(a, uint32(chain), index)
			if err != nil {
				return nil, err
			}
			addr.markUsed()
		}
		r.metrics.Discovered(a.id.String(), chainNames[chain], result.HighWater[chain])
	}

	r.log.WithFields(log.Fields{
		"account":  a.id.String(),
		"external": result.HighWater[ExternalChain],
		"internal": result.HighWater[InternalChain],
	}).Debug("address discovery completed")
	return result, nil
}

func (r *AccountRegistry) scanChain(
	ctx context.Context, a *Account, chain uint32, usage UsageIndex,
) (highWater, checked uint32, used []uint32, err error) {
	var unused uint32
	for start := uint32(0); ; start += r.gapLimit {
		if err := ctx.Err(); err != nil {
			return 0, 0, nil, err
		}
		if start+r.gapLimit > hdkeychain.HardenedKeyStart {
			return 0, 0, nil, fmt.Errorf("%w: chain exhausted", ErrDerivationOverflow)
		}

		encoded := make([]string, 0, r.gapLimit)
		for i := start; i < start+r.gapLimit; i++ {
			addr, err := r.Address(a, chain, i)
			if err != nil {
				return 0, 0, nil, err
			}
			encoded = append(encoded, addr.Encoded)
		}

		flags, err := usage.AddressesUsed(ctx, encoded)
		if err != nil {
			return 0, 0, nil, err
		}
		if len(flags) != len(encoded) {
			return 0, 0, nil, fmt.Errorf(
				"%w: usage index returned %d results for %d addresses",
				ErrInvalidUsageResult, len(flags), len(encoded),
			)
		}

		for i, isUsed := range flags {
			index := start + uint32(i)
			if isUsed {
				used = append(used, index)
				highWater = index + 1
				unused = 0
				continue
			}
			unused++
		}
		checked = start + r.gapLimit

		if unused >= r.gapLimit {
			return highWater, checked, used, nil
		}
	}
}

func (r *AccountRegistry) deriveAddress(a *Account, chain, index uint32) (*Address, error) {
	accountKey, err := r.AccountKey(a)
	if err != nil {
		return nil, err
	}
	key, err := r.engine.DerivePublic(accountKey, DerivationPath{chain, index})
	if err != nil {
		return nil, err
	}
	r.metrics.Derivation(false)

	path := a.id.Path().Child(key.path[len(key.path)-2:]...)
	addr, err := NewAddress(key.PublicKey(), path, a.scriptType, r.engine.network)
	if err != nil {
		return nil, err
	}

	a.mu.RLock()
	_, isUsed := a.chains[chain].used[index]
	a.mu.RUnlock()
	if isUsed {
		addr.markUsed()
	}

	r.log.WithFields(log.Fields{
		"account": a.id.String(),
		"path":    path.String(),
	}).Debug("derived address")
	return addr, nil
}

// Close wipes the private account keys.
func (r *AccountRegistry) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.accounts {
		a.keyMu.Lock()
		if a.key != nil && a.key.IsPrivate() {
			_ = r.engine.Release(a.key)
			a.key = nil
		}
		a.keyMu.Unlock()
	}
}
