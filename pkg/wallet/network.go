package wallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Network couples the chain parameters used for key serialization and
// address encoding with the script types the chain supports.
type Network struct {
	Name   string
	Params *chaincfg.Params
	// CoinType is the BIP44 coin type of the chain.
	CoinType uint32
	// SegWit tells whether witness programs (v0 and v1) are valid on the chain.
	SegWit bool
}

var (
	// BitcoinMainNet ...
	BitcoinMainNet = Network{
		Name:     "bitcoin",
		Params:   &chaincfg.MainNetParams,
		CoinType: 0,
		SegWit:   true,
	}
	// BitcoinTestNet ...
	BitcoinTestNet = Network{
		Name:     "testnet",
		Params:   &chaincfg.TestNet3Params,
		CoinType: 1,
		SegWit:   true,
	}
	// BitcoinRegTest ...
	BitcoinRegTest = Network{
		Name:     "regtest",
		Params:   &chaincfg.RegressionNetParams,
		CoinType: 1,
		SegWit:   true,
	}
	// DashMainNet ...
	DashMainNet = Network{
		Name:     "dash",
		Params:   dashParams(chaincfg.MainNetParams, "dash-mainnet", 0xbd6b0cbf, 0x4c, 0x10, 0xcc, 5),
		CoinType: 5,
	}
	// DashTestNet ...
	DashTestNet = Network{
		Name:     "dash-testnet",
		Params:   dashParams(chaincfg.TestNet3Params, "dash-testnet", 0xffcae2ce, 0x8c, 0x13, 0xef, 1),
		CoinType: 1,
	}

	networks = []*Network{
		&BitcoinMainNet, &BitcoinTestNet, &BitcoinRegTest, &DashMainNet, &DashTestNet,
	}
)

// NetworkByName returns the network with the given name.
func NetworkByName(name string) (*Network, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range networks {
		if n.Name == name {
			return n, nil
		}
	}
	return nil, fmt.Errorf("%w '%s'", ErrUnknownNetwork, name)
}

// Supports returns whether the script type can be used on the network.
func (n *Network) Supports(scriptType ScriptType) bool {
	switch scriptType {
	case P2PKH:
		return true
	case P2SH_P2WPKH, P2WPKH, P2TR:
		return n.SegWit
	default:
		return false
	}
}

// Dash shares BIP32 version bytes with Bitcoin; it only differs in address
// prefixes, network magic and coin type. Dash has no witness programs, hence
// no bech32 HRP.
func dashParams(
	base chaincfg.Params, name string, magic uint32,
	pkh, sh, wif byte, coinType uint32,
) *chaincfg.Params {
	params := base
	params.Name = name
	params.Net = wire.BitcoinNet(magic)
	params.PubKeyHashAddrID = pkh
	params.ScriptHashAddrID = sh
	params.PrivateKeyID = wif
	params.Bech32HRPSegwit = ""
	params.HDCoinType = coinType
	return &params
}
