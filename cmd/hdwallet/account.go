package main

import (
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
	"github.com/urfave/cli/v2"
)

var account = cli.Command{
	Name:  "account",
	Usage: "print the extended public key and the next addresses of an account",
	Flags: []cli.Flag{
		&mnemonicFlag,
		&passphraseFlag,
		&purposeFlag,
		&accountIndexFlag,
	},
	Action: accountAction,
}

var addresses = cli.Command{
	Name:  "addresses",
	Usage: "list the addresses of an account chain",
	Flags: []cli.Flag{
		&mnemonicFlag,
		&passphraseFlag,
		&purposeFlag,
		&accountIndexFlag,
		&cli.BoolFlag{
			Name:  "change",
			Usage: "list addresses of the internal chain",
		},
		&cli.UintFlag{
			Name:  "from",
			Usage: "the index of the first address",
		},
		&cli.UintFlag{
			Name:  "count",
			Usage: "the number of addresses",
			Value: 10,
		},
	},
	Action: addressesAction,
}

type accountInfo struct {
	Account        string `json:"account"`
	ScriptType     string `json:"script_type"`
	Xpub           string `json:"xpub"`
	ReceiveAddress string `json:"receive_address"`
	ChangeAddress  string `json:"change_address"`
}

type addressInfo struct {
	Path    string `json:"path"`
	Address string `json:"address"`
}

func accountAction(c *cli.Context) error {
	w, cleanup, err := getWallet(c)
	if err != nil {
		return err
	}
	defer cleanup()

	a, err := getAccount(c, w)
	if err != nil {
		return err
	}
	xpub, err := w.AccountExtendedPublicKey(a)
	if err != nil {
		return err
	}
	receive, err := w.Registry().NextAddress(a, wallet.ExternalChain)
	if err != nil {
		return err
	}
	change, err := w.Registry().NextAddress(a, wallet.InternalChain)
	if err != nil {
		return err
	}

	return printJSON(c, accountInfo{
		Account:        a.ID().String(),
		ScriptType:     a.ScriptType().String(),
		Xpub:           xpub,
		ReceiveAddress: receive.Encoded,
		ChangeAddress:  change.Encoded,
	})
}

func addressesAction(c *cli.Context) error {
	from, count := c.Uint("from"), c.Uint("count")
	if count <= 0 {
		return &invalidUsageError{c, "addresses"}
	}
	chain := wallet.ExternalChain
	if c.Bool("change") {
		chain = wallet.InternalChain
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

	list := make([]addressInfo, 0, count)
	for i := from; i < from+count; i++ {
		addr, err := w.Registry().Address(a, chain, uint32(i))
		if err != nil {
			return err
		}
		list = append(list, addressInfo{addr.Path.String(), addr.Encoded})
	}

	return printJSON(c, list)
}
