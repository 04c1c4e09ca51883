package wallet

import (
	"bytes"
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testUtxo struct {
	pkScript []byte
	value    int64
}

// newTestPacket returns a packet spending one output of a dedicated previous
// transaction per utxo. P2PKH inputs carry the full previous transaction,
// the others the witness utxo only.
func newTestPacket(t *testing.T, utxos []testUtxo, payTo []byte) *psbt.Packet {
	t.Helper()

	outpoints := make([]*wire.OutPoint, 0, len(utxos))
	sequences := make([]uint32, 0, len(utxos))
	prevTxs := make([]*wire.MsgTx, 0, len(utxos))
	var total int64
	for i, u := range utxos {
		prev := wire.NewMsgTx(2)
		prev.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Index: uint32(i)},
			Sequence:         wire.MaxTxInSequenceNum,
		})
		prev.AddTxOut(wire.NewTxOut(u.value, u.pkScript))
		prevTxs = append(prevTxs, prev)

		hash := prev.TxHash()
		outpoints = append(outpoints, wire.NewOutPoint(&hash, 0))
		sequences = append(sequences, wire.MaxTxInSequenceNum)
		total += u.value
	}

	packet, err := psbt.New(
		outpoints, []*wire.TxOut{wire.NewTxOut(total-1000, payTo)}, 2, 0, sequences,
	)
	require.NoError(t, err)

	for i, prev := range prevTxs {
		if txscript.GetScriptClass(utxos[i].pkScript) == txscript.PubKeyHashTy {
			packet.Inputs[i].NonWitnessUtxo = prev
			continue
		}
		packet.Inputs[i].WitnessUtxo = prev.TxOut[0]
	}
	return packet
}

func accountUtxos(t *testing.T, w *Wallet, a *Account) ([]testUtxo, []*Address) {
	t.Helper()
	r := w.Registry()

	receive, err := r.Address(a, ExternalChain, 0)
	require.NoError(t, err)
	change, err := r.Address(a, InternalChain, 3)
	require.NoError(t, err)

	return []testUtxo{
		{receive.PkScript, 100000},
		{change.PkScript, 50000},
	}, []*Address{receive, change}
}

func tamperSignature(tx *wire.MsgTx) {
	in := tx.TxIn[0]
	if len(in.Witness) > 0 {
		in.Witness[0][10] ^= 0x01
		return
	}
	in.SignatureScript[10] ^= 0x01
}

func TestSignTransaction(t *testing.T) {
	tests := []struct {
		purpose    uint32
		scriptType ScriptType
		sigHash    txscript.SigHashType
	}{
		{44, P2PKH, txscript.SigHashAll},
		{49, P2SH_P2WPKH, txscript.SigHashAll},
		{84, P2WPKH, txscript.SigHashAll},
		{86, P2TR, txscript.SigHashDefault},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.scriptType.String(), func(t *testing.T) {
			w := newTestWallet(t, NewWalletFromMnemonicOpts{})
			account, err := w.OpenAccount(tt.purpose, 0)
			require.NoError(t, err)
			utxos, addresses := accountUtxos(t, w, account)
			payTo, err := w.Registry().Address(account, ExternalChain, 1)
			require.NoError(t, err)

			packet := newTestPacket(t, utxos, payTo.PkScript)
			id := AccountID{tt.purpose, 0, 0}

			signed, err := w.SignPacket(context.Background(), packet, id)
			require.NoError(t, err)
			require.NoError(t, signed.Verify())
			require.Len(t, signed.Inputs, 2)

			for i, in := range signed.Inputs {
				assert.Equal(t, i, in.Index)
				assert.Equal(t, tt.scriptType, in.ScriptType)
				assert.Equal(t, addresses[i].Path, in.Path)
				assert.Equal(t, tt.sigHash, in.SigHash)
				assert.NotEmpty(t, in.Signature)
			}
			if tt.scriptType == P2TR {
				assert.Len(t, signed.Inputs[0].Signature, 64)
			}

			// the packet is left untouched
			for _, in := range packet.UnsignedTx.TxIn {
				assert.Empty(t, in.SignatureScript)
				assert.Empty(t, in.Witness)
			}

			// signatures are deterministic
			again, err := w.SignPacket(context.Background(), packet, id)
			require.NoError(t, err)
			b1, err := signed.Bytes()
			require.NoError(t, err)
			b2, err := again.Bytes()
			require.NoError(t, err)
			assert.Equal(t, b1, b2)

			tx := signed.Tx.Copy()
			tamperSignature(tx)
			err = VerifyTransaction(tx, signed.PrevOuts)
			assert.ErrorIs(t, err, ErrVerificationFailed)

			tx = signed.Tx.Copy()
			tx.TxOut[0].Value--
			err = VerifyTransaction(tx, signed.PrevOuts)
			assert.ErrorIs(t, err, ErrVerificationFailed)

			// signing never marks addresses as used
			for _, addr := range addresses {
				assert.False(t, addr.Used())
			}
			assert.Equal(t, uint32(0), account.HighWater(ExternalChain))
		})
	}
}

func TestSignSerializedTransaction(t *testing.T) {
	w := newTestWallet(t, NewWalletFromMnemonicOpts{})
	account, err := w.OpenAccount(84, 0)
	require.NoError(t, err)
	utxos, _ := accountUtxos(t, w, account)
	packet := newTestPacket(t, utxos, utxos[0].pkScript)

	signed, err := w.SignPacket(context.Background(), packet, account.ID())
	require.NoError(t, err)
	expected, err := signed.Bytes()
	require.NoError(t, err)

	b64, err := packet.B64Encode()
	require.NoError(t, err)
	raw, err := w.SignTransaction(context.Background(), []byte(b64), "84'/0'/0'")
	require.NoError(t, err)
	assert.Equal(t, expected, raw)

	buf := &bytes.Buffer{}
	require.NoError(t, packet.Serialize(buf))
	raw, err = w.SignTransaction(context.Background(), buf.Bytes(), "m/84'/0'/0'")
	require.NoError(t, err)
	assert.Equal(t, expected, raw)

	tx := wire.NewMsgTx(2)
	require.NoError(t, tx.Deserialize(bytes.NewReader(raw)))
	assert.Equal(t, signed.TxID(), tx.TxHash().String())
}

func TestSignWithKeyOrigins(t *testing.T) {
	w := newTestWallet(t, NewWalletFromMnemonicOpts{})
	other := newTestWallet(t, NewWalletFromMnemonicOpts{})

	account, err := other.OpenAccount(86, 0)
	require.NoError(t, err)
	addr, err := other.Registry().Address(account, ExternalChain, 42)
	require.NoError(t, err)

	packet := newTestPacket(t, []testUtxo{{addr.PkScript, 10000}}, addr.PkScript)
	id := AccountID{86, 0, 0}

	// the signer has never derived index 42
	_, err = w.SignPacket(context.Background(), packet, id)
	assert.ErrorIs(t, err, ErrSigningFailure)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	// an origin with a foreign fingerprint is ignored
	packet.Inputs[0].TaprootBip32Derivation = []*psbt.TaprootBip32Derivation{{
		XOnlyPubKey:          schnorr.SerializePubKey(addr.PubKey),
		MasterKeyFingerprint: w.Fingerprint() + 1,
		Bip32Path:            addr.Path,
	}}
	_, err = w.SignPacket(context.Background(), packet, id)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	packet.Inputs[0].TaprootBip32Derivation[0].MasterKeyFingerprint = w.Fingerprint()
	signed, err := w.SignPacket(context.Background(), packet, id)
	require.NoError(t, err)
	assert.Equal(t, DerivationPath{h + 86, h, h, 0, 42}, signed.Inputs[0].Path)

	// same for segwit v0 origins
	account, err = other.OpenAccount(84, 0)
	require.NoError(t, err)
	addr, err = other.Registry().Address(account, InternalChain, 7)
	require.NoError(t, err)

	packet = newTestPacket(t, []testUtxo{{addr.PkScript, 10000}}, addr.PkScript)
	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               addr.PubKey.SerializeCompressed(),
		MasterKeyFingerprint: w.Fingerprint(),
		Bip32Path:            addr.Path,
	}}
	_, err = w.SignPacket(context.Background(), packet, AccountID{84, 0, 0})
	require.NoError(t, err)
}

func TestSignWithUnopenedAccountLeavesNoState(t *testing.T) {
	w := newTestWallet(t, NewWalletFromMnemonicOpts{})
	other := newTestWallet(t, NewWalletFromMnemonicOpts{})

	account, err := other.OpenAccount(84, 0)
	require.NoError(t, err)
	addr, err := other.Registry().Address(account, ExternalChain, 5)
	require.NoError(t, err)

	id := AccountID{84, 0, 0}
	vaultLen := w.vault.Len()
	assertNoState := func(t *testing.T) {
		t.Helper()
		assert.Empty(t, w.Registry().Accounts())
		assert.Equal(t, vaultLen, w.vault.Len())
		assert.Zero(t, w.Cache().Len())
		_, _, err := w.Registry().AccountByScript(addr.PkScript)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}

	// no key origin leads to the address
	packet := newTestPacket(t, []testUtxo{{addr.PkScript, 10000}}, addr.PkScript)
	_, err = w.SignPacket(context.Background(), packet, id)
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assertNoState(t)

	_, err = w.SignPacket(context.Background(), packet, AccountID{84, 0, 1 << 31})
	assert.ErrorIs(t, err, ErrInvalidAccount)
	assertNoState(t)

	packet.Inputs[0].Bip32Derivation = []*psbt.Bip32Derivation{{
		PubKey:               addr.PubKey.SerializeCompressed(),
		MasterKeyFingerprint: w.Fingerprint(),
		Bip32Path:            addr.Path,
	}}
	signed, err := w.SignPacket(context.Background(), packet, id)
	require.NoError(t, err)
	require.NoError(t, signed.Verify())
	assertNoState(t)

	// once opened, the account keeps what signing derives
	opened, err := w.OpenAccount(84, 0)
	require.NoError(t, err)
	_, err = w.SignPacket(context.Background(), packet, id)
	require.NoError(t, err)
	assert.Equal(t, []*Account{opened}, w.Registry().Accounts())
	owner, _, err := w.Registry().AccountByScript(addr.PkScript)
	require.NoError(t, err)
	assert.Same(t, opened, owner)
}

func TestSignTransactionFails(t *testing.T) {
	w := newTestWallet(t, NewWalletFromMnemonicOpts{})
	account, err := w.OpenAccount(84, 0)
	require.NoError(t, err)
	utxos, _ := accountUtxos(t, w, account)
	id := account.ID()
	ctx := context.Background()

	foreignKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	foreign, err := NewAddress(foreignKey.PubKey(), nil, P2WPKH, &BitcoinMainNet)
	require.NoError(t, err)

	t.Run("unknown script", func(t *testing.T) {
		packet := newTestPacket(t, append(utxos, testUtxo{foreign.PkScript, 1000}), foreign.PkScript)
		_, err := w.SignPacket(ctx, packet, id)
		assert.ErrorIs(t, err, ErrSigningFailure)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("unsupported script", func(t *testing.T) {
		p2wsh := append([]byte{txscript.OP_0, txscript.OP_DATA_32}, bytes.Repeat([]byte{0x01}, 32)...)
		packet := newTestPacket(t, []testUtxo{{p2wsh, 1000}}, foreign.PkScript)
		_, err := w.SignPacket(ctx, packet, id)
		assert.ErrorIs(t, err, ErrUnsupportedScript)
	})

	t.Run("unsupported sighash", func(t *testing.T) {
		packet := newTestPacket(t, utxos, foreign.PkScript)
		packet.Inputs[1].SighashType = 0x04
		_, err := w.SignPacket(ctx, packet, id)
		assert.ErrorIs(t, err, ErrUnsupportedScript)
	})

	t.Run("missing utxo", func(t *testing.T) {
		packet := newTestPacket(t, utxos, foreign.PkScript)
		packet.Inputs[0].WitnessUtxo = nil
		_, err := w.SignPacket(ctx, packet, id)
		assert.ErrorIs(t, err, ErrNullInputUtxo)
	})

	t.Run("mismatching previous transaction", func(t *testing.T) {
		legacy, err := w.OpenAccount(44, 0)
		require.NoError(t, err)
		legacyUtxos, _ := accountUtxos(t, w, legacy)
		packet := newTestPacket(t, legacyUtxos, foreign.PkScript)
		packet.Inputs[0].NonWitnessUtxo = packet.Inputs[1].NonWitnessUtxo
		_, err = w.SignPacket(ctx, packet, legacy.ID())
		assert.ErrorIs(t, err, ErrInvalidTransaction)
	})

	t.Run("watch-only account", func(t *testing.T) {
		xpub, err := w.AccountExtendedPublicKey(account)
		require.NoError(t, err)
		watchOnly, err := w.Registry().OpenWatchOnlyAccount(AccountID{84, 0, 9}, xpub)
		require.NoError(t, err)

		packet := newTestPacket(t, utxos, foreign.PkScript)
		_, err = w.signer.SignTransaction(ctx, watchOnly, packet)
		assert.ErrorIs(t, err, ErrPrivateKeyRequired)
	})

	t.Run("malformed transaction", func(t *testing.T) {
		_, err := w.SignTransaction(ctx, nil, id.String())
		assert.ErrorIs(t, err, ErrNullTransaction)
		_, err = w.SignTransaction(ctx, []byte("not a psbt"), id.String())
		assert.ErrorIs(t, err, ErrInvalidTransaction)
		_, err = w.SignTransaction(ctx, []byte("cHNidP8="), "84'/0'")
		assert.ErrorIs(t, err, ErrInvalidAccount)
	})

	t.Run("closed wallet", func(t *testing.T) {
		closed := newTestWallet(t, NewWalletFromMnemonicOpts{})
		require.NoError(t, closed.Close())
		packet := newTestPacket(t, utxos, foreign.PkScript)
		_, err := closed.SignPacket(ctx, packet, id)
		assert.ErrorIs(t, err, ErrWalletClosed)
	})
}
