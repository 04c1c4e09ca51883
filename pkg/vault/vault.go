// Package vault holds secret byte buffers behind opaque, generation-indexed
// handles. It is the only place of the key engine where private material is
// resident in memory: every other component refers to secrets by Handle and
// reaches the plaintext only inside a WithSecret callback.
package vault

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	// ErrHandleInvalid is returned when a released, stale or unknown handle is
	// used.
	ErrHandleInvalid = errors.New("handle is invalid or has been released")
	// ErrNullSecret ...
	ErrNullSecret = errors.New("secret must not be null")
	// ErrNullCallback ...
	ErrNullCallback = errors.New("callback must not be null")
	// ErrVaultClosed ...
	ErrVaultClosed = errors.New("vault is closed")
	// ErrVaultFull ...
	ErrVaultFull = errors.New("vault has no free slots left")
)

// Handle identifies a secret stored in a Vault. The zero value never refers
// to a live secret.
type Handle struct {
	index      uint32
	generation uint32
}

// Uint64 packs the handle into a non-zero integer suitable for crossing a
// foreign call boundary.
func (h Handle) Uint64() uint64 {
	if h.generation == 0 {
		return 0
	}
	return uint64(h.generation)<<32 | uint64(h.index)
}

// IsZero returns whether the handle is the zero value.
func (h Handle) IsZero() bool {
	return h.generation == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.index, h.generation)
}

// HandleFromUint64 is the inverse of Handle.Uint64.
func HandleFromUint64(v uint64) Handle {
	return Handle{index: uint32(v), generation: uint32(v >> 32)}
}

type slot struct {
	generation uint32
	live       bool
	// data is the secret xored with pad, so that the plaintext is never
	// resident outside of a WithSecret scope.
	data []byte
	pad  []byte
}

// bumpGeneration skips 0 on wrap, it is reserved for the zero Handle.
func (s *slot) bumpGeneration() {
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
}

// Opts is the struct given to New.
type Opts struct {
	// LockMemory makes the vault mlock every buffer holding secret material.
	// Failures are logged and otherwise ignored.
	LockMemory bool
}

// Vault is a handle-addressed store of secrets. A Vault is safe for
// concurrent use; its lock is held only while bookkeeping slots and copying
// data in or out, never while a WithSecret callback runs.
type Vault struct {
	lockMemory bool

	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	live   int
	closed bool

	warnOnce sync.Once
}

// New returns an empty vault.
func New(opts Opts) *Vault {
	return &Vault{lockMemory: opts.LockMemory}
}

// Store copies secret into the vault and returns the handle referring to it.
// The caller's buffer is wiped before returning, whatever the outcome.
func (v *Vault) Store(secret []byte) (Handle, error) {
	defer Zero(secret)

	if len(secret) <= 0 {
		return Handle{}, ErrNullSecret
	}

	pad := make([]byte, len(secret))
	if _, err := rand.Read(pad); err != nil {
		return Handle{}, fmt.Errorf("generating pad: %w", err)
	}
	data := make([]byte, len(secret))
	for i := range secret {
		data[i] = secret[i] ^ pad[i]
	}
	v.lock(data)
	v.lock(pad)

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		v.wipe(data, pad)
		return Handle{}, ErrVaultClosed
	}

	var index uint32
	if n := len(v.free); n > 0 {
		index = v.free[n-1]
		v.free = v.free[:n-1]
	} else {
		if uint64(len(v.slots)) >= math.MaxUint32 {
			v.wipe(data, pad)
			return Handle{}, ErrVaultFull
		}
		index = uint32(len(v.slots))
		v.slots = append(v.slots, slot{})
	}

	s := &v.slots[index]
	s.bumpGeneration()
	s.live = true
	s.data = data
	s.pad = pad
	v.live++

	return Handle{index: index, generation: s.generation}, nil
}

// WithSecret exposes the plaintext of the secret referred by h to fn. The
// slice passed to fn is a private, locked copy that is zeroed as soon as fn
// returns or panics; fn must not retain it.
func (v *Vault) WithSecret(h Handle, fn func(secret []byte) error) error {
	if fn == nil {
		return ErrNullCallback
	}

	secret, err := v.reveal(h)
	if err != nil {
		return err
	}
	defer v.wipe(secret)

	return fn(secret)
}

// Release wipes the secret referred by h and invalidates the handle. Any
// further use of h returns ErrHandleInvalid.
func (v *Vault) Release(h Handle) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	s, err := v.slotFor(h)
	if err != nil {
		return err
	}
	v.wipe(s.data, s.pad)
	s.data, s.pad = nil, nil
	s.live = false
	// bumping the generation makes every copy of h stale
	s.bumpGeneration()
	v.free = append(v.free, h.index)
	v.live--

	return nil
}

// Contains returns whether h refers to a live secret.
func (v *Vault) Contains(h Handle) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	_, err := v.slotFor(h)
	return err == nil
}

// Len returns the number of live secrets.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.live
}

// Close wipes every secret still in the vault. Subsequent Store calls fail
// and every previously issued handle becomes invalid.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i := range v.slots {
		s := &v.slots[i]
		if !s.live {
			continue
		}
		v.wipe(s.data, s.pad)
		s.data, s.pad = nil, nil
		s.live = false
		s.bumpGeneration()
	}
	v.free = nil
	v.live = 0
	v.closed = true
}

func (v *Vault) reveal(h Handle) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s, err := v.slotFor(h)
	if err != nil {
		return nil, err
	}
	secret := make([]byte, len(s.data))
	v.lock(secret)
	for i := range s.data {
		secret[i] = s.data[i] ^ s.pad[i]
	}
	return secret, nil
}

// slotFor must be called with v.mu held.
func (v *Vault) slotFor(h Handle) (*slot, error) {
	if h.IsZero() || v.closed || int(h.index) >= len(v.slots) {
		return nil, ErrHandleInvalid
	}
	s := &v.slots[h.index]
	if !s.live || s.generation != h.generation {
		return nil, ErrHandleInvalid
	}
	return s, nil
}

func (v *Vault) lock(buf []byte) {
	if !v.lockMemory {
		return
	}
	if err := lockMemory(buf); err != nil {
		v.warnOnce.Do(func() {
			log.WithError(err).Warn(
				"unable to lock secret memory, secrets may be paged to disk",
			)
		})
	}
}

func (v *Vault) wipe(bufs ...[]byte) {
	for _, buf := range bufs {
		Zero(buf)
		if v.lockMemory {
			_ = unlockMemory(buf)
		}
	}
}
