package wallet

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var psbtMagic = []byte{0x70, 0x73, 0x62, 0x74, 0xff}

// ParseUnsignedTransaction decodes a BIP174 packet given either in binary or
// in base64 form.
func ParseUnsignedTransaction(raw []byte) (*psbt.Packet, error) {
	if len(raw) <= 0 {
		return nil, ErrNullTransaction
	}

	isBinary := bytes.HasPrefix(raw, psbtMagic)
	if !isBinary {
		raw = bytes.TrimSpace(raw)
	}
	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), !isBinary)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTransaction, err)
	}
	if len(packet.UnsignedTx.TxIn) <= 0 {
		return nil, ErrEmptyInputs
	}
	return packet, nil
}

// SignedInput describes how an input has been satisfied.
type SignedInput struct {
	Index      int
	ScriptType ScriptType
	Path       DerivationPath
	Signature  []byte
	PubKey     []byte
	SigHash    txscript.SigHashType
}

// SignedTransaction is a fully signed transaction. It is never mutated:
// signing again yields a new value.
type SignedTransaction struct {
	Tx       *wire.MsgTx
	Inputs   []SignedInput
	PrevOuts []*wire.TxOut
}

// Bytes returns the consensus serialization of the transaction, witness
// included.
func (s *SignedTransaction) Bytes() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, s.Tx.SerializeSize()))
	if err := s.Tx.Serialize(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// TxID ...
func (s *SignedTransaction) TxID() string {
	return s.Tx.TxHash().String()
}

// Verify runs every input of the transaction through the script engine.
func (s *SignedTransaction) Verify() error {
	return VerifyTransaction(s.Tx, s.PrevOuts)
}

// VerifyTransaction checks that every input of tx satisfies the output it
// spends. prevOuts must be index aligned with tx inputs.
func VerifyTransaction(tx *wire.MsgTx, prevOuts []*wire.TxOut) error {
	if len(prevOuts) != len(tx.TxIn) {
		return fmt.Errorf(
			"%w: got %d previous outputs for %d inputs",
			ErrInvalidTransaction, len(prevOuts), len(tx.TxIn),
		)
	}

	fetcher := prevOutFetcher(tx, prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, prevOut := range prevOuts {
		vm, err := txscript.NewEngine(
			prevOut.PkScript, tx, i, txscript.StandardVerifyFlags,
			nil, sigHashes, prevOut.Value, fetcher,
		)
		if err != nil {
			return fmt.Errorf("%w: input %d: %s", ErrVerificationFailed, i, err)
		}
		if err := vm.Execute(); err != nil {
			return fmt.Errorf("%w: input %d: %s", ErrVerificationFailed, i, err)
		}
	}
	return nil
}

func prevOutFetcher(tx *wire.MsgTx, prevOuts []*wire.TxOut) *txscript.MultiPrevOutFetcher {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range tx.TxIn {
		fetcher.AddPrevOut(in.PreviousOutPoint, prevOuts[i])
	}
	return fetcher
}

// prevOuts returns the outputs spent by the packet inputs, taken from the
// witness utxo or, if missing, from the full previous transaction.
func prevOuts(packet *psbt.Packet) ([]*wire.TxOut, error) {
	outs := make([]*wire.TxOut, len(packet.UnsignedTx.TxIn))
	if len(packet.Inputs) != len(outs) {
		return nil, fmt.Errorf("%w: input count mismatch", ErrInvalidTransaction)
	}

	for i, in := range packet.Inputs {
		if in.WitnessUtxo != nil {
			outs[i] = in.WitnessUtxo
			continue
		}
		if in.NonWitnessUtxo == nil {
			return nil, fmt.Errorf("%w: input %d", ErrNullInputUtxo, i)
		}

		outpoint := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		if in.NonWitnessUtxo.TxHash() != outpoint.Hash {
			return nil, fmt.Errorf(
				"%w: input %d: previous transaction does not match outpoint",
				ErrInvalidTransaction, i,
			)
		}
		if int(outpoint.Index) >= len(in.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf(
				"%w: input %d: outpoint index out of range", ErrInvalidTransaction, i,
			)
		}
		outs[i] = in.NonWitnessUtxo.TxOut[outpoint.Index]
	}
	return outs, nil
}
