package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

var (
	scriptSigSizeByScriptType = map[ScriptType]int{
		P2PKH:       108, // len + opcode + sig + opcode + pubkey
		P2SH_P2WPKH: 24,  // len + opcode + p2wpkh script
		P2WPKH:      1,   // no scriptsig, still len is serialized
		P2TR:        1,   // no scriptsig
	}
	witnessSizeByScriptType = map[ScriptType]int{
		P2PKH:       1,   // empty stack count
		P2SH_P2WPKH: 108, // count + len + sig + len + pubkey
		P2WPKH:      108, // count + len + sig + len + pubkey
		P2TR:        67,  // count + len + schnorr sig + sighash flag
	}
)

// EstimateVirtualSize makes an estimation of the virtual size of a
// transaction once its inputs, of the given script types, are signed.
// Signatures are accounted at their max length so the estimation is an upper
// bound of the actual size.
func EstimateVirtualSize(inScriptTypes []ScriptType, outScripts [][]byte) int {
	baseSize := calcTxBaseSize(inScriptTypes, outScripts)
	totalSize := baseSize
	if hasWitness(inScriptTypes) {
		// marker + flag
		totalSize += 2
		for _, scriptType := range inScriptTypes {
			totalSize += witnessSizeByScriptType[scriptType]
		}
	}

	weight := baseSize*3 + totalSize
	return (weight + 3) / 4
}

// EstimatePacketVirtualSize estimates the virtual size of the packet
// transaction once signed.
func EstimatePacketVirtualSize(packet *psbt.Packet) (int, error) {
	outs, err := prevOuts(packet)
	if err != nil {
		return 0, err
	}

	inScriptTypes := make([]ScriptType, 0, len(outs))
	for i, out := range outs {
		scriptType, ok := scriptTypeOf(out.PkScript)
		if !ok {
			return 0, fmt.Errorf(
				"%w: input %d: script class %s",
				ErrUnsupportedScript, i, txscript.GetScriptClass(out.PkScript),
			)
		}
		inScriptTypes = append(inScriptTypes, scriptType)
	}

	outScripts := make([][]byte, 0, len(packet.UnsignedTx.TxOut))
	for _, out := range packet.UnsignedTx.TxOut {
		outScripts = append(outScripts, out.PkScript)
	}
	return EstimateVirtualSize(inScriptTypes, outScripts), nil
}

// scriptTypeOf classifies the output scripts keys of this package can be
// encoded into. P2SH outputs are assumed to nest a P2WPKH program.
func scriptTypeOf(pkScript []byte) (ScriptType, bool) {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.PubKeyHashTy:
		return P2PKH, true
	case txscript.ScriptHashTy:
		return P2SH_P2WPKH, true
	case txscript.WitnessV0PubKeyHashTy:
		return P2WPKH, true
	case txscript.WitnessV1TaprootTy:
		return P2TR, true
	default:
		return 0, false
	}
}

func hasWitness(inScriptTypes []ScriptType) bool {
	for _, scriptType := range inScriptTypes {
		if scriptType != P2PKH {
			return true
		}
	}
	return false
}

func calcTxBaseSize(inScriptTypes []ScriptType, outScripts [][]byte) int {
	// hash + index + sequence
	inBaseSize := 40
	insSize := 0
	for _, scriptType := range inScriptTypes {
		insSize += inBaseSize + scriptSigSizeByScriptType[scriptType]
	}

	outsSize := 0
	for _, script := range outScripts {
		// value + script len + script
		outsSize += 8 + wire.VarIntSerializeSize(uint64(len(script))) + len(script)
	}

	// version + locktime
	return 8 +
		wire.VarIntSerializeSize(uint64(len(inScriptTypes))) +
		wire.VarIntSerializeSize(uint64(len(outScripts))) +
		insSize + outsSize
}
