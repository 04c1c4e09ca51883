package wallet

import (
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DerivationPath is the internal representation of a hierarchical
// deterministic path. Elements >= hdkeychain.HardenedKeyStart are hardened.
type DerivationPath []uint32

// ParseDerivationPath converts a derivation path string to the
// internal binary representation. Absolute paths start with "m", anything
// else is relative. Hardened elems are marked with one of the suffixes ', h
// or H; elems can be expressed in decimal or hex (0x prefix).
func ParseDerivationPath(strPath string) (DerivationPath, error) {
	strPath = strings.TrimSpace(strPath)
	if strPath == "" {
		return nil, ErrNullDerivationPath
	}

	elems := strings.Split(strPath, "/")
	if containsEmptyString(elems) {
		return nil, ErrMalformedDerivationPath
	}
	if strings.TrimSpace(elems[0]) == "m" {
		elems = elems[1:]
	}

	path := make(DerivationPath, 0, len(elems))
	for _, elem := range elems {
		elem = strings.TrimSpace(elem)
		var value uint32

		if hasHardenedSuffix(elem) {
			value = hdkeychain.HardenedKeyStart
			elem = strings.TrimSpace(elem[:len(elem)-1])
		}

		// use big int for convertion
		bigval, ok := new(big.Int).SetString(elem, 0)
		if !ok {
			return nil, fmt.Errorf("%w: invalid elem '%s' in path", ErrInvalidDerivationPath, elem)
		}

		max := math.MaxUint32 - value
		if bigval.Sign() < 0 || bigval.Cmp(big.NewInt(int64(max))) > 0 {
			if value == 0 {
				return nil, fmt.Errorf(
					"%w: elem %v must be in range [0, %d]", ErrInvalidDerivationPath, bigval, max,
				)
			}
			return nil, fmt.Errorf(
				"%w: elem %v must be in hardened range [0, %d]", ErrInvalidDerivationPath, bigval, max,
			)
		}
		value += uint32(bigval.Uint64())

		path = append(path, value)
	}

	return path, nil
}

// String converts a binary derivation path to its canonical representation
func (path DerivationPath) String() string {
	result := "m"
	for _, component := range path {
		var hardened bool
		if component >= hdkeychain.HardenedKeyStart {
			component -= hdkeychain.HardenedKeyStart
			hardened = true
		}
		result = fmt.Sprintf("%s/%d", result, component)
		if hardened {
			result += "'"
		}
	}
	return result
}

// IsHardened returns whether any elem of the path is hardened.
func (path DerivationPath) IsHardened() bool {
	for _, component := range path {
		if component >= hdkeychain.HardenedKeyStart {
			return true
		}
	}
	return false
}

// HasPrefix returns whether path starts with prefix.
func (path DerivationPath) HasPrefix(prefix DerivationPath) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i := range prefix {
		if path[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Child returns a copy of the path extended with the given elems.
func (path DerivationPath) Child(elems ...uint32) DerivationPath {
	child := make(DerivationPath, 0, len(path)+len(elems))
	child = append(child, path...)
	return append(child, elems...)
}

func hasHardenedSuffix(elem string) bool {
	return strings.HasSuffix(elem, "'") ||
		strings.HasSuffix(elem, "h") ||
		strings.HasSuffix(elem, "H")
}

func containsEmptyString(composedPath []string) bool {
	for _, s := range composedPath {
		if strings.TrimSpace(s) == "" {
			return true
		}
	}
	return false
}
