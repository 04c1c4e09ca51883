package main

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/tdex-network/tdex-keywallet/internal/config"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
	"github.com/urfave/cli/v2"
)

var derive = cli.Command{
	Name:  "derive",
	Usage: "derive the key at a path from the master key",
	Flags: []cli.Flag{
		&mnemonicFlag,
		&passphraseFlag,
		&cli.StringFlag{
			Name:     "path",
			Usage:    "the derivation path, like m/84'/0'/0'/0/0",
			Required: true,
		},
		&cli.StringFlag{
			Name:  "type",
			Usage: "the script type of the address: p2pkh, p2sh-p2wpkh, p2wpkh or p2tr",
		},
	},
	Action: deriveAction,
}

type derivedKey struct {
	Path              string `json:"path"`
	MasterFingerprint string `json:"master_fingerprint"`
	Xpub              string `json:"xpub"`
	PubKey            string `json:"pubkey"`
	Address           string `json:"address"`
}

func deriveAction(c *cli.Context) error {
	scriptType, err := scriptTypeOrDefault(c.String("type"))
	if err != nil {
		return err
	}

	w, cleanup, err := getWallet(c)
	if err != nil {
		return err
	}
	defer cleanup()

	key, err := w.DeriveKey(c.String("path"))
	if err != nil {
		return err
	}
	defer w.ReleaseKey(key)

	xpub, err := w.ExtendedPublicKey(key)
	if err != nil {
		return err
	}
	addr, err := w.Address(key, scriptType)
	if err != nil {
		return err
	}

	return printJSON(c, derivedKey{
		Path:              key.Path().String(),
		MasterFingerprint: fingerprintHex(w.Fingerprint()),
		Xpub:              xpub,
		PubKey:            hex.EncodeToString(key.PublicKey().SerializeCompressed()),
		Address:           addr,
	})
}

// scriptTypeOrDefault defaults to native segwit where the network supports
// it.
func scriptTypeOrDefault(name string) (wallet.ScriptType, error) {
	if name != "" {
		return wallet.ParseScriptType(name)
	}
	if config.GetNetwork().SegWit {
		return wallet.P2WPKH, nil
	}
	return wallet.P2PKH, nil
}

// fingerprintHex prints the fingerprint bytes in the order PSBT key origins
// carry them.
func fingerprintHex(fingerprint uint32) string {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], fingerprint)
	return hex.EncodeToString(buf[:])
}
