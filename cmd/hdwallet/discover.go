package main

import (
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
	"github.com/urfave/cli/v2"
)

var discover = cli.Command{
	Name:  "discover",
	Usage: "scan the account addresses against the explorer up to the gap limit",
	Flags: []cli.Flag{
		&mnemonicFlag,
		&passphraseFlag,
		&purposeFlag,
		&accountIndexFlag,
	},
	Action: discoverAction,
}

type chainInfo struct {
	HighWater   uint32   `json:"high_water"`
	Scanned     uint32   `json:"scanned"`
	Checked     uint32   `json:"checked"`
	UsedIndexes []uint32 `json:"used_indexes"`
	NextAddress string   `json:"next_address"`
}

type discoveryInfo struct {
	Account  string    `json:"account"`
	External chainInfo `json:"external"`
	Internal chainInfo `json:"internal"`
}

func discoverAction(c *cli.Context) error {
	svc, err := getExplorerService()
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
	result, err := w.DiscoverAddresses(c.Context, a, svc)
	if err != nil {
		return err
	}

	info := discoveryInfo{Account: a.ID().String()}
	for _, chain := range []uint32{wallet.ExternalChain, wallet.InternalChain} {
		next, err := w.Registry().NextAddress(a, chain)
		if err != nil {
			return err
		}
		ci := chainInfo{
			HighWater:   result.HighWater[chain],
			Scanned:     result.Scanned[chain],
			Checked:     result.Checked[chain],
			UsedIndexes: result.Used[chain],
			NextAddress: next.Encoded,
		}
		if ci.UsedIndexes == nil {
			ci.UsedIndexes = []uint32{}
		}
		if chain == wallet.ExternalChain {
			info.External = ci
		} else {
			info.Internal = ci
		}
	}

	return printJSON(c, info)
}
