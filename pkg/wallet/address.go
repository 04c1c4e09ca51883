package wallet

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType is the kind of output script a key is encoded into.
type ScriptType int

const (
	// P2PKH is the legacy pay to public key hash script (BIP44).
	P2PKH ScriptType = iota + 1
	// P2SH_P2WPKH is a P2WPKH program nested in P2SH (BIP49).
	P2SH_P2WPKH
	// P2WPKH is the native segwit v0 program (BIP84).
	P2WPKH
	// P2TR is the segwit v1 key-path only program (BIP86).
	P2TR
)

var scriptTypeNames = map[ScriptType]string{
	P2PKH:       "p2pkh",
	P2SH_P2WPKH: "p2sh-p2wpkh",
	P2WPKH:      "p2wpkh",
	P2TR:        "p2tr",
}

var scriptTypeAliases = map[string]ScriptType{
	"p2pkh":       P2PKH,
	"legacy":      P2PKH,
	"p2sh-p2wpkh": P2SH_P2WPKH,
	"p2sh_p2wpkh": P2SH_P2WPKH,
	"nested":      P2SH_P2WPKH,
	"p2wpkh":      P2WPKH,
	"segwit":      P2WPKH,
	"p2tr":        P2TR,
	"taproot":     P2TR,
}

var purposes = map[ScriptType]uint32{
	P2PKH:       44,
	P2SH_P2WPKH: 49,
	P2WPKH:      84,
	P2TR:        86,
}

// ParseScriptType returns the script type for one of its names.
func ParseScriptType(s string) (ScriptType, error) {
	st, ok := scriptTypeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w '%s'", ErrUnsupportedScript, s)
	}
	return st, nil
}

// ScriptTypeForPurpose returns the script type of accounts under the given
// BIP43 purpose.
func ScriptTypeForPurpose(purpose uint32) (ScriptType, error) {
	for st, p := range purposes {
		if p == purpose {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: no script type for purpose %d", ErrUnsupportedScript, purpose)
}

func (s ScriptType) String() string {
	if name, ok := scriptTypeNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Purpose returns the BIP43 purpose of accounts using the script type.
func (s ScriptType) Purpose() uint32 {
	return purposes[s]
}

// Address is an encoded output script along with the key and path it was
// derived from. Everything but the used flag is immutable.
type Address struct {
	Path   DerivationPath
	Type   ScriptType
	PubKey *btcec.PublicKey
	// Hash is the pubkey hash for P2PKH and P2WPKH, the script hash for
	// P2SH-P2WPKH and the x-only output key for P2TR.
	Hash         []byte
	PkScript     []byte
	RedeemScript []byte
	Encoded      string

	used atomic.Bool
}

// NewAddress encodes pubkey as a scriptType output for network.
func NewAddress(
	pubkey *btcec.PublicKey, path DerivationPath,
	scriptType ScriptType, network *Network,
) (*Address, error) {
	if pubkey == nil {
		return nil, ErrNullKey
	}
	if !network.Supports(scriptType) {
		return nil, fmt.Errorf(
			"%w: %s on network %s", ErrUnsupportedScript, scriptType, network.Name,
		)
	}

	params := network.Params
	pubkeyHash := btcutil.Hash160(pubkey.SerializeCompressed())
	addr := &Address{
		Path:   append(DerivationPath{}, path...),
		Type:   scriptType,
		PubKey: pubkey,
	}

	var encoded btcutil.Address
	var err error
	switch scriptType {
	case P2PKH:
		encoded, err = btcutil.NewAddressPubKeyHash(pubkeyHash, params)
		addr.Hash = pubkeyHash

	case P2WPKH:
		encoded, err = btcutil.NewAddressWitnessPubKeyHash(pubkeyHash, params)
		addr.Hash = pubkeyHash

	case P2SH_P2WPKH:
		var program *btcutil.AddressWitnessPubKeyHash
		if program, err = btcutil.NewAddressWitnessPubKeyHash(pubkeyHash, params); err != nil {
			break
		}
		if addr.RedeemScript, err = txscript.PayToAddrScript(program); err != nil {
			break
		}
		var sh *btcutil.AddressScriptHash
		sh, err = btcutil.NewAddressScriptHash(addr.RedeemScript, params)
		if err == nil {
			addr.Hash = sh.ScriptAddress()
		}
		encoded = sh

	case P2TR:
		outputKey := txscript.ComputeTaprootKeyNoScript(pubkey)
		addr.Hash = schnorr.SerializePubKey(outputKey)
		encoded, err = btcutil.NewAddressTaproot(addr.Hash, params)
	}
	if err != nil {
		return nil, err
	}

	if addr.PkScript, err = txscript.PayToAddrScript(encoded); err != nil {
		return nil, err
	}
	addr.Encoded = encoded.EncodeAddress()
	return addr, nil
}

// Used returns whether the address has been observed in a transaction.
func (a *Address) Used() bool {
	return a.used.Load()
}

// markUsed sets the used flag and reports whether it was unset.
func (a *Address) markUsed() bool {
	return a.used.CompareAndSwap(false, true)
}

func (a *Address) String() string {
	return a.Encoded
}
