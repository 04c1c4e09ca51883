package bridge

import (
	"errors"

	"github.com/tdex-network/tdex-keywallet/pkg/vault"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
)

// Code is the result of every boundary call. Values are part of the C ABI and
// must never be renumbered.
type Code int32

const (
	CodeOK Code = iota
	CodeInvalidMnemonic
	CodePrivateKeyRequired
	CodeDerivationOverflow
	CodeHandleInvalid
	CodeSigningFailure
	CodeUnsupportedScript
	CodeKeyNotFound
	CodeInvalidArgument
	CodeInternal
)

var codeNames = map[Code]string{
	CodeOK:                 "ok",
	CodeInvalidMnemonic:    "invalid mnemonic",
	CodePrivateKeyRequired: "private key required",
	CodeDerivationOverflow: "derivation overflow",
	CodeHandleInvalid:      "invalid handle",
	CodeSigningFailure:     "signing failure",
	CodeUnsupportedScript:  "unsupported script",
	CodeKeyNotFound:        "key not found",
	CodeInvalidArgument:    "invalid argument",
	CodeInternal:           "internal error",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "unknown"
}

// codeMapping is walked in order: signing failures wrap the cause that made
// the input unsignable, hence they are matched before it.
var codeMapping = []struct {
	err  error
	code Code
}{
	{wallet.ErrSigningFailure, CodeSigningFailure},
	{wallet.ErrVerificationFailed, CodeSigningFailure},
	{wallet.ErrInvalidMnemonic, CodeInvalidMnemonic},
	{wallet.ErrPrivateKeyRequired, CodePrivateKeyRequired},
	{wallet.ErrDerivationOverflow, CodeDerivationOverflow},
	{vault.ErrHandleInvalid, CodeHandleInvalid},
	{vault.ErrVaultClosed, CodeHandleInvalid},
	{wallet.ErrWalletClosed, CodeHandleInvalid},
	{wallet.ErrUnsupportedScript, CodeUnsupportedScript},
	{wallet.ErrKeyNotFound, CodeKeyNotFound},

	{wallet.ErrNullMnemonic, CodeInvalidArgument},
	{wallet.ErrNullDerivationPath, CodeInvalidArgument},
	{wallet.ErrNullKey, CodeInvalidArgument},
	{wallet.ErrNullTransaction, CodeInvalidArgument},
	{wallet.ErrNullInputUtxo, CodeInvalidArgument},
	{wallet.ErrInvalidEntropySize, CodeInvalidArgument},
	{wallet.ErrInvalidWordlist, CodeInvalidArgument},
	{wallet.ErrInvalidDerivationPath, CodeInvalidArgument},
	{wallet.ErrMalformedDerivationPath, CodeInvalidArgument},
	{wallet.ErrInvalidExtendedKey, CodeInvalidArgument},
	{wallet.ErrInvalidAccount, CodeInvalidArgument},
	{wallet.ErrInvalidGapLimit, CodeInvalidArgument},
	{wallet.ErrInvalidAddressCacheSize, CodeInvalidArgument},
	{wallet.ErrInvalidTransaction, CodeInvalidArgument},
	{wallet.ErrEmptyInputs, CodeInvalidArgument},
	{wallet.ErrUnknownNetwork, CodeInvalidArgument},
	{vault.ErrNullSecret, CodeInvalidArgument},
}

// CodeOf maps an error of the key engine to its boundary code. Errors with
// no mapping are internal.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	for _, m := range codeMapping {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return CodeInternal
}
