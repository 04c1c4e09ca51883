package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tdex-network/tdex-keywallet/internal/config"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
)

const (
	testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

	receiveAddress0 = "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"
	receiveAddress1 = "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"
	changeAddress0  = "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el"
	accountXpub     = "xpub6CatWdiZiodmUeTDp8LT5or8nmbKNcuyvz7WyksVFkKB4RHwCD3XyuvPEbvqAQY3rAPshWcMLoP2fMFMKHPJ4ZeZXYVUhLv1VMrjPC7PW6V"
)

type fakeExplorer struct {
	mu   sync.Mutex
	used map[string]bool
	txs  map[string]string
}

func (f *fakeExplorer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/blocks/tip/height":
		fmt.Fprint(w, "100")
	case strings.HasPrefix(path, "/address/"):
		txCount := 0
		if f.used[strings.TrimPrefix(path, "/address/")] {
			txCount = 1
		}
		fmt.Fprintf(w, `{"chain_stats": {"tx_count": %d}, "mempool_stats": {"tx_count": 0}}`, txCount)
	case strings.HasPrefix(path, "/tx/"):
		txHex, ok := f.txs[strings.TrimSuffix(strings.TrimPrefix(path, "/tx/"), "/hex")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, txHex)
	default:
		http.NotFound(w, r)
	}
}

func newFakeExplorer(t *testing.T, used ...string) *fakeExplorer {
	t.Helper()
	f := &fakeExplorer{used: map[string]bool{}, txs: map[string]string{}}
	for _, addr := range used {
		f.used[addr] = true
	}
	server := httptest.NewServer(f)
	t.Cleanup(server.Close)

	t.Setenv("KEYWALLET_EXPLORER_URL", server.URL)
	t.Setenv("KEYWALLET_EXPLORER_RATE_LIMIT", "10000")
	return f
}

func setupEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEYWALLET_NETWORK", "bitcoin")
	t.Setenv("KEYWALLET_DATADIR", t.TempDir())
	t.Setenv("KEYWALLET_LOCK_MEMORY", "false")
	t.Setenv("KEYWALLET_ENABLE_METRICS", "false")
}

func runCLICommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	app := newApp()
	app.Writer = out
	app.ErrWriter = out

	err := app.Run(append([]string{"hdwallet"}, args...))
	return strings.TrimSpace(out.String()), err
}

func runCLICommandJSON(t *testing.T, resp interface{}, args ...string) {
	t.Helper()
	out, err := runCLICommand(t, args...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), resp))
}

func TestGenSeed(t *testing.T) {
	setupEnv(t)

	t.Run("should return a new mnemonic", func(t *testing.T) {
		seed, err := runCLICommand(t, "genseed")
		require.NoError(t, err)
		assert.Len(t, strings.Split(seed, " "), 24)

		out, err := runCLICommand(t, "checkseed", seed)
		require.NoError(t, err)
		assert.Equal(t, "mnemonic is valid", out)
	})

	t.Run("should honor the entropy size", func(t *testing.T) {
		seed, err := runCLICommand(t, "genseed", "--bits", "128")
		require.NoError(t, err)
		assert.Len(t, strings.Split(seed, " "), 12)

		_, err = runCLICommand(t, "genseed", "--bits", "100")
		assert.ErrorIs(t, err, wallet.ErrInvalidEntropySize)
	})

	t.Run("should reject a bad checksum", func(t *testing.T) {
		bad := strings.Replace(testMnemonic, "about", "abandon", 1)
		_, err := runCLICommand(t, append([]string{"checkseed"}, strings.Split(bad, " ")...)...)
		assert.ErrorIs(t, err, wallet.ErrInvalidMnemonic)
	})
}

func TestDerive(t *testing.T) {
	setupEnv(t)

	var key derivedKey
	runCLICommandJSON(
		t, &key, "derive", "--mnemonic", testMnemonic, "--path", "m/84'/0'/0'/0/0",
	)
	assert.Equal(t, "m/84'/0'/0'/0/0", key.Path)
	assert.Equal(t, "73c5da0a", key.MasterFingerprint)
	assert.Equal(t, receiveAddress0, key.Address)

	runCLICommandJSON(
		t, &key, "derive", "--mnemonic", testMnemonic, "--path", "m/84'/0'/0'",
	)
	assert.Equal(t, accountXpub, key.Xpub)

	_, err := runCLICommand(
		t, "derive", "--mnemonic", testMnemonic, "--path", "m/84'/0'/0'/0/0", "--type", "p2wsh",
	)
	assert.ErrorIs(t, err, wallet.ErrUnsupportedScript)

	_, err = runCLICommand(t, "derive", "--mnemonic", testMnemonic, "--path", "m/a/b")
	assert.ErrorIs(t, err, wallet.ErrInvalidDerivationPath)

	t.Run("dash defaults to legacy addresses", func(t *testing.T) {
		runCLICommandJSON(
			t, &key, "--network", "dash", "derive",
			"--mnemonic", testMnemonic, "--path", "m/44'/5'/0'/0/0",
		)
		assert.True(t, strings.HasPrefix(key.Address, "X"))
	})
}

func TestAccount(t *testing.T) {
	setupEnv(t)

	var info accountInfo
	runCLICommandJSON(t, &info, "account", "--mnemonic", testMnemonic)
	assert.Equal(t, "84'/0'/0'", info.Account)
	assert.Equal(t, "p2wpkh", info.ScriptType)
	assert.Equal(t, accountXpub, info.Xpub)
	assert.Equal(t, receiveAddress0, info.ReceiveAddress)
	assert.Equal(t, changeAddress0, info.ChangeAddress)

	var list []addressInfo
	runCLICommandJSON(t, &list, "addresses", "--mnemonic", testMnemonic, "--count", "2")
	require.Len(t, list, 2)
	assert.Equal(t, addressInfo{"m/84'/0'/0'/0/0", receiveAddress0}, list[0])
	assert.Equal(t, addressInfo{"m/84'/0'/0'/0/1", receiveAddress1}, list[1])

	runCLICommandJSON(t, &list, "addresses", "--mnemonic", testMnemonic, "--change", "--count", "1")
	assert.Equal(t, []addressInfo{{"m/84'/0'/0'/1/0", changeAddress0}}, list)

	_, err := runCLICommand(t, "account", "--mnemonic", testMnemonic, "--purpose", "45")
	assert.ErrorIs(t, err, wallet.ErrUnsupportedScript)

	_, err = runCLICommand(t, "account")
	assert.Error(t, err)
}

func TestDiscover(t *testing.T) {
	setupEnv(t)
	newFakeExplorer(t, receiveAddress0)

	var info discoveryInfo
	runCLICommandJSON(t, &info, "discover", "--mnemonic", testMnemonic)
	assert.Equal(t, "84'/0'/0'", info.Account)
	assert.Equal(t, chainInfo{
		HighWater:   1,
		Scanned:     21,
		Checked:     40,
		UsedIndexes: []uint32{0},
		NextAddress: receiveAddress1,
	}, info.External)
	assert.Equal(t, chainInfo{
		HighWater:   0,
		Scanned:     20,
		Checked:     20,
		UsedIndexes: []uint32{},
		NextAddress: changeAddress0,
	}, info.Internal)

	t.Run("without explorer", func(t *testing.T) {
		t.Setenv("KEYWALLET_NETWORK", "dash")
		t.Setenv("KEYWALLET_EXPLORER_URL", "")
		_, err := runCLICommand(t, "discover", "--mnemonic", testMnemonic, "--purpose", "44")
		assert.Error(t, err)
	})
}

func TestSignAndEstimate(t *testing.T) {
	setupEnv(t)
	f := newFakeExplorer(t)

	addr, err := btcutil.DecodeAddress(receiveAddress1, &chaincfg.MainNetParams)
	require.NoError(t, err)
	pkScript, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	prev := wire.NewMsgTx(2)
	prev.AddTxIn(&wire.TxIn{Sequence: wire.MaxTxInSequenceNum})
	prev.AddTxOut(wire.NewTxOut(20000, pkScript))
	buf := &bytes.Buffer{}
	require.NoError(t, prev.Serialize(buf))
	hash := prev.TxHash()
	f.mu.Lock()
	f.txs[hash.String()] = hex.EncodeToString(buf.Bytes())
	f.mu.Unlock()

	packet, err := psbt.New(
		[]*wire.OutPoint{wire.NewOutPoint(&hash, 0)},
		[]*wire.TxOut{wire.NewTxOut(19000, pkScript)},
		2, 0, []uint32{wire.MaxTxInSequenceNum},
	)
	require.NoError(t, err)
	b64, err := packet.B64Encode()
	require.NoError(t, err)

	t.Run("sign", func(t *testing.T) {
		var info signedTxInfo
		runCLICommandJSON(
			t, &info, "sign", "--mnemonic", testMnemonic, "--psbt", b64, "--fetch-utxos",
		)
		require.Len(t, info.Inputs, 1)
		assert.Equal(t, signedInputInfo{
			Index:      0,
			ScriptType: "p2wpkh",
			Path:       "m/84'/0'/0'/0/1",
			SigHash:    uint32(txscript.SigHashAll),
		}, info.Inputs[0])

		txBytes, err := hex.DecodeString(info.TxHex)
		require.NoError(t, err)
		tx := wire.NewMsgTx(2)
		require.NoError(t, tx.Deserialize(bytes.NewReader(txBytes)))
		assert.Equal(t, info.TxID, tx.TxHash().String())
		require.NoError(t, wallet.VerifyTransaction(tx, []*wire.TxOut{prev.TxOut[0]}))
	})

	t.Run("sign from file", func(t *testing.T) {
		packet.Inputs[0].WitnessUtxo = prev.TxOut[0]
		raw := &bytes.Buffer{}
		require.NoError(t, packet.Serialize(raw))
		path := t.TempDir() + "/tx.psbt"
		require.NoError(t, os.WriteFile(path, raw.Bytes(), 0644))

		var info signedTxInfo
		runCLICommandJSON(t, &info, "sign", "--mnemonic", testMnemonic, "--file", path)
		assert.Len(t, info.Inputs, 1)
	})

	t.Run("sign fails", func(t *testing.T) {
		_, err := runCLICommand(t, "sign", "--mnemonic", testMnemonic, "--psbt", b64)
		assert.ErrorIs(t, err, wallet.ErrNullInputUtxo)

		_, err = runCLICommand(t, "sign", "--mnemonic", testMnemonic)
		var e *invalidUsageError
		assert.ErrorAs(t, err, &e)

		_, err = runCLICommand(
			t, "sign", "--mnemonic", testMnemonic, "--psbt", b64, "--fetch-utxos", "--account", "1",
		)
		assert.ErrorIs(t, err, wallet.ErrSigningFailure)
	})

	t.Run("estimate", func(t *testing.T) {
		var info estimationInfo
		runCLICommandJSON(t, &info, "estimate", "--psbt", b64, "--fetch-utxos", "--fee-rate", "2")
		assert.Equal(t, estimationInfo{VirtualSize: 110, Fee: 220}, info)
	})
}

func TestMetrics(t *testing.T) {
	setupEnv(t)
	t.Setenv("KEYWALLET_ENABLE_METRICS", "true")

	_, err := runCLICommand(t, "account", "--mnemonic", testMnemonic)
	require.NoError(t, err)

	dump, err := os.ReadFile(config.GetMetricsPath())
	require.NoError(t, err)
	assert.Contains(t, string(dump), "keywallet_derivations_total")
}
