package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tdex-network/tdex-keywallet/internal/config"
	"github.com/tdex-network/tdex-keywallet/pkg/explorer"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

var (
	psbtFlag = cli.StringFlag{
		Name:  "psbt",
		Usage: "the base64 encoded unsigned transaction",
	}

	psbtFileFlag = cli.StringFlag{
		Name:  "file",
		Usage: "the file containing the unsigned transaction, binary or base64",
	}

	fetchUtxosFlag = cli.BoolFlag{
		Name:  "fetch-utxos",
		Usage: "fetch from the explorer the prevouts the transaction does not carry",
	}
)

var sign = cli.Command{
	Name:  "sign",
	Usage: "sign the inputs of a PSBT owned by an account",
	Flags: []cli.Flag{
		&mnemonicFlag,
		&passphraseFlag,
		&purposeFlag,
		&accountIndexFlag,
		&psbtFlag,
		&psbtFileFlag,
		&fetchUtxosFlag,
	},
	Action: signAction,
}

var estimate = cli.Command{
	Name:  "estimate",
	Usage: "estimate the virtual size and the fee of a PSBT once signed",
	Flags: []cli.Flag{
		&psbtFlag,
		&psbtFileFlag,
		&fetchUtxosFlag,
		&cli.Float64Flag{
			Name:  "fee-rate",
			Usage: "the fee rate in sat/vbyte",
			Value: 1,
		},
	},
	Action: estimateAction,
}

type signedInputInfo struct {
	Index      int    `json:"index"`
	ScriptType string `json:"script_type"`
	Path       string `json:"path"`
	SigHash    uint32 `json:"sighash"`
}

type signedTxInfo struct {
	TxID   string            `json:"txid"`
	TxHex  string            `json:"hex"`
	Inputs []signedInputInfo `json:"inputs"`
}

type estimationInfo struct {
	VirtualSize int   `json:"vsize"`
	Fee         int64 `json:"fee"`
}

func signAction(c *cli.Context) error {
	packet, err := getPacket(c, "sign")
	if err != nil {
		return err
	}

	w, cleanup, err := getWallet(c)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := getAccount(c, w)
	if err != nil {
		return err
	}
	// a fresh wallet only knows the addresses it derived: look ahead as far
	// as discovery would go without any usage info
	if err := lookAhead(w, a); err != nil {
		return err
	}

	signed, err := w.SignPacket(c.Context, packet, a.ID())
	if err != nil {
		return err
	}
	txBytes, err := signed.Bytes()
	if err != nil {
		return err
	}

	inputs := make([]signedInputInfo, 0, len(signed.Inputs))
	for _, in := range signed.Inputs {
		inputs = append(inputs, signedInputInfo{
			Index:      in.Index,
			ScriptType: in.ScriptType.String(),
			Path:       in.Path.String(),
			SigHash:    uint32(in.SigHash),
		})
	}

	return printJSON(c, signedTxInfo{
		TxID:   signed.TxID(),
		TxHex:  hex.EncodeToString(txBytes),
		Inputs: inputs,
	})
}

func estimateAction(c *cli.Context) error {
	feeRate := c.Float64("fee-rate")
	if feeRate <= 0 {
		return &invalidUsageError{c, "estimate"}
	}

	packet, err := getPacket(c, "estimate")
	if err != nil {
		return err
	}
	vsize, err := wallet.EstimatePacketVirtualSize(packet)
	if err != nil {
		return err
	}

	return printJSON(c, estimationInfo{
		VirtualSize: vsize,
		Fee:         int64(float64(vsize)*feeRate + 0.5),
	})
}

func lookAhead(w *wallet.Wallet, a *wallet.Account) error {
	gapLimit := w.Registry().GapLimit()
	for _, chain := range []uint32{wallet.ExternalChain, wallet.InternalChain} {
		for i := uint32(0); i < a.HighWater(chain)+gapLimit; i++ {
			if _, err := w.Registry().Address(a, chain, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// getPacket reads the unsigned transaction from the psbt or the file flag
// and, if requested, completes it with the prevouts fetched from the
// explorer.
func getPacket(c *cli.Context, command string) (*psbt.Packet, error) {
	var raw []byte
	switch {
	case c.IsSet(psbtFlag.Name) && c.IsSet(psbtFileFlag.Name):
		return nil, &invalidUsageError{c, command}
	case c.IsSet(psbtFlag.Name):
		raw = []byte(c.String(psbtFlag.Name))
	case c.IsSet(psbtFileFlag.Name):
		buf, err := os.ReadFile(c.String(psbtFileFlag.Name))
		if err != nil {
			return nil, err
		}
		raw = buf
	default:
		return nil, &invalidUsageError{c, command}
	}

	packet, err := wallet.ParseUnsignedTransaction(raw)
	if err != nil {
		return nil, err
	}
	if !c.Bool(fetchUtxosFlag.Name) {
		return packet, nil
	}

	svc, err := getExplorerService()
	if err != nil {
		return nil, err
	}
	if err := fetchUtxos(c.Context, svc, packet); err != nil {
		return nil, err
	}
	return packet, nil
}

// fetchUtxos sets the prevout of every input that has none. Legacy inputs
// get the whole previous transaction, the others only the spent output.
func fetchUtxos(ctx context.Context, svc explorer.Service, packet *psbt.Packet) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(config.GetInt(config.ExplorerRateLimitKey))

	for i := range packet.Inputs {
		if packet.Inputs[i].WitnessUtxo != nil || packet.Inputs[i].NonWitnessUtxo != nil {
			continue
		}

		i := i
		outpoint := packet.UnsignedTx.TxIn[i].PreviousOutPoint
		eg.Go(func() error {
			prevTx, err := svc.GetTransaction(ctx, outpoint.Hash.String())
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			if int(outpoint.Index) >= len(prevTx.TxOut) {
				return fmt.Errorf(
					"input %d: prevout %s not found", i, outpoint.String(),
				)
			}

			prevOut := prevTx.TxOut[outpoint.Index]
			if txscript.GetScriptClass(prevOut.PkScript) == txscript.PubKeyHashTy {
				packet.Inputs[i].NonWitnessUtxo = prevTx
			} else {
				packet.Inputs[i].WitnessUtxo = prevOut
			}
			return nil
		})
	}
	return eg.Wait()
}
