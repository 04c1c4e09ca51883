// Command keywalletffi builds the key engine as a C shared library:
//
//	go build -buildmode=c-shared -o libkeywallet.so ./cmd/keywalletffi
//
// Every export returns a result code (see internal/bridge). Strings and
// buffers handed back to the host are allocated with malloc and must be
// released with kw_free_buffer; handles must be released with
// kw_destroy_handle.
package main

/*
#include <stdint.h>
#include <stdlib.h>
*/
import "C"

import (
	"context"
	"sync"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/internal/bridge"
	"github.com/tdex-network/tdex-keywallet/internal/config"
)

var (
	instance *bridge.Bridge
	once     sync.Once
)

func getBridge() *bridge.Bridge {
	once.Do(func() {
		opts := bridge.Opts{LockMemory: true}
		if err := config.InitConfig(); err != nil {
			log.WithError(err).Warn("invalid config, falling back to defaults")
		} else {
			opts = bridge.Opts{
				Network:          config.GetNetwork(),
				GapLimit:         config.GetInt(config.GapLimitKey),
				AddressCacheSize: config.GetInt(config.AddressCacheSizeKey),
				LockMemory:       config.GetBool(config.LockMemoryKey),
			}
		}
		instance = bridge.New(opts)
	})
	return instance
}

//export kw_create_wallet
func kw_create_wallet(mnemonic, passphrase *C.char, out *C.uint64_t) C.int32_t {
	if mnemonic == nil || out == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	var pass string
	if passphrase != nil {
		pass = C.GoString(passphrase)
	}

	handle, code := getBridge().CreateWallet(C.GoString(mnemonic), pass)
	if code == bridge.CodeOK {
		*out = C.uint64_t(handle)
	}
	return C.int32_t(code)
}

//export kw_generate_mnemonic
func kw_generate_mnemonic(entropyBits C.uint32_t, out **C.char) C.int32_t {
	if out == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	mnemonic, code := getBridge().GenerateMnemonic(int(entropyBits))
	if code == bridge.CodeOK {
		*out = C.CString(mnemonic)
	}
	return C.int32_t(code)
}

//export kw_validate_mnemonic
func kw_validate_mnemonic(mnemonic *C.char) C.int32_t {
	if mnemonic == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	return C.int32_t(getBridge().ValidateMnemonic(C.GoString(mnemonic)))
}

//export kw_derive_key
func kw_derive_key(wallet C.uint64_t, path *C.char, out *C.uint64_t) C.int32_t {
	if path == nil || out == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	handle, code := getBridge().DeriveKey(uint64(wallet), C.GoString(path))
	if code == bridge.CodeOK {
		*out = C.uint64_t(handle)
	}
	return C.int32_t(code)
}

//export kw_get_public_address
func kw_get_public_address(key C.uint64_t, scriptType *C.char, out **C.char) C.int32_t {
	if scriptType == nil || out == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	address, code := getBridge().GetPublicAddress(uint64(key), C.GoString(scriptType))
	if code == bridge.CodeOK {
		*out = C.CString(address)
	}
	return C.int32_t(code)
}

//export kw_extended_public_key
func kw_extended_public_key(key C.uint64_t, out **C.char) C.int32_t {
	if out == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	xpub, code := getBridge().ExtendedPublicKey(uint64(key))
	if code == bridge.CodeOK {
		*out = C.CString(xpub)
	}
	return C.int32_t(code)
}

//export kw_sign_transaction
func kw_sign_transaction(
	wallet C.uint64_t, unsignedTx *C.uint8_t, unsignedTxLen C.size_t,
	accountID *C.char, out **C.uint8_t, outLen *C.size_t,
) C.int32_t {
	if unsignedTx == nil || accountID == nil || out == nil || outLen == nil {
		return C.int32_t(bridge.CodeInvalidArgument)
	}
	n, code := bridge.BufferLen(uint64(unsignedTxLen))
	if code != bridge.CodeOK {
		return C.int32_t(code)
	}

	tx := C.GoBytes(unsafe.Pointer(unsignedTx), C.int(n))
	signed, code := getBridge().SignTransaction(
		context.Background(), uint64(wallet), tx, C.GoString(accountID),
	)
	if code == bridge.CodeOK {
		*out = (*C.uint8_t)(C.CBytes(signed))
		*outLen = C.size_t(len(signed))
	}
	return C.int32_t(code)
}

//export kw_destroy_handle
func kw_destroy_handle(handle C.uint64_t) C.int32_t {
	return C.int32_t(getBridge().DestroyHandle(uint64(handle)))
}

//export kw_free_buffer
func kw_free_buffer(buf unsafe.Pointer) {
	C.free(buf)
}

func main() {}
