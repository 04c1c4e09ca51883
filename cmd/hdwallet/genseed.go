package main

import (
	"fmt"
	"strings"

	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
	"github.com/urfave/cli/v2"
)

var genseed = cli.Command{
	Name:  "genseed",
	Usage: "generate a mnemonic seed",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "bits",
			Usage: "the entropy size: 128, 160, 192, 224 or 256",
			Value: 256,
		},
	},
	Action: genSeedAction,
}

var checkseed = cli.Command{
	Name:      "checkseed",
	Usage:     "check the words and the checksum of a mnemonic seed",
	ArgsUsage: "<mnemonic>",
	Action:    checkSeedAction,
}

func genSeedAction(c *cli.Context) error {
	mnemonic, err := wallet.NewMnemonic(wallet.NewMnemonicOpts{
		EntropySize: c.Int("bits"),
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, mnemonic)
	return nil
}

func checkSeedAction(c *cli.Context) error {
	if c.NArg() <= 0 {
		return &invalidUsageError{c, "checkseed"}
	}
	mnemonic := strings.Join(c.Args().Slice(), " ")

	if err := wallet.ValidateMnemonic(mnemonic, nil); err != nil {
		return err
	}

	fmt.Fprintln(c.App.Writer, "mnemonic is valid")
	return nil
}
