package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/internal/config"
	"github.com/tdex-network/tdex-keywallet/pkg/explorer"
	"github.com/tdex-network/tdex-keywallet/pkg/explorer/esplora"
	"github.com/tdex-network/tdex-keywallet/pkg/stats"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
	"github.com/urfave/cli/v2"
)

var (
	metricsRegistry *prometheus.Registry
	metrics         *stats.Metrics
)

var (
	networkFlag = cli.StringFlag{
		Name:    "network",
		Aliases: []string{"n"},
		Usage:   "bitcoin, testnet, regtest, dash or dash-testnet",
	}

	mnemonicFlag = cli.StringFlag{
		Name:     "mnemonic",
		Usage:    "the mnemonic seed of the wallet",
		EnvVars:  []string{"KEYWALLET_MNEMONIC"},
		Required: true,
	}

	passphraseFlag = cli.StringFlag{
		Name:    "passphrase",
		Usage:   "the optional passphrase of the mnemonic",
		EnvVars: []string{"KEYWALLET_PASSPHRASE"},
	}

	purposeFlag = cli.UintFlag{
		Name:  "purpose",
		Usage: "the account purpose: 44, 49, 84 or 86",
		Value: 84,
	}

	accountIndexFlag = cli.UintFlag{
		Name:  "account",
		Usage: "the account index",
		Value: 0,
	}
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()

	app.Version = "0.0.1"
	app.Name = "hdwallet"
	app.Usage = "Command line interface for HD wallet keys and transaction signing"
	app.Flags = []cli.Flag{&networkFlag}
	app.Before = setup
	app.After = teardown
	app.Commands = append(
		app.Commands,
		&genseed,
		&checkseed,
		&derive,
		&account,
		&addresses,
		&discover,
		&sign,
		&estimate,
	)
	return app
}

// setup loads the configuration from the environment. The network flag
// takes precedence over KEYWALLET_NETWORK.
func setup(c *cli.Context) error {
	if c.IsSet(networkFlag.Name) {
		if err := os.Setenv("KEYWALLET_"+config.NetworkKey, c.String(networkFlag.Name)); err != nil {
			return err
		}
	}
	if err := config.InitConfig(); err != nil {
		return err
	}

	metricsRegistry, metrics = nil, nil
	if config.GetBool(config.EnableMetricsKey) {
		metricsRegistry = prometheus.NewRegistry()
		m, err := stats.NewMetrics(metricsRegistry)
		if err != nil {
			return err
		}
		metrics = m
	}
	return nil
}

func teardown(c *cli.Context) error {
	if metricsRegistry == nil {
		return nil
	}
	if err := stats.DumpMetrics(metricsRegistry, config.GetMetricsPath()); err != nil {
		log.WithError(err).Warn("unable to dump metrics")
	}
	return nil
}

func getWallet(c *cli.Context) (*wallet.Wallet, func(), error) {
	w, err := wallet.NewWalletFromMnemonic(wallet.NewWalletFromMnemonicOpts{
		Mnemonic:         c.String(mnemonicFlag.Name),
		Passphrase:       c.String(passphraseFlag.Name),
		Network:          config.GetNetwork(),
		GapLimit:         config.GetInt(config.GapLimitKey),
		AddressCacheSize: config.GetInt(config.AddressCacheSizeKey),
		LockMemory:       config.GetBool(config.LockMemoryKey),
		Metrics:          metrics,
	})
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() { _ = w.Close() }

	return w, cleanup, nil
}

func getAccount(c *cli.Context, w *wallet.Wallet) (*wallet.Account, error) {
	return w.OpenAccount(
		uint32(c.Uint(purposeFlag.Name)), uint32(c.Uint(accountIndexFlag.Name)),
	)
}

func getExplorerService() (explorer.Service, error) {
	explorerUrl := config.GetString(config.ExplorerUrlKey)
	if explorerUrl == "" {
		return nil, fmt.Errorf(
			"no explorer for network %s, set one with KEYWALLET_%s",
			config.GetNetwork().Name, config.ExplorerUrlKey,
		)
	}
	return esplora.NewService(explorerUrl, esplora.Opts{
		RateLimit: config.GetInt(config.ExplorerRateLimitKey),
	})
}

func printJSON(c *cli.Context, resp interface{}) error {
	jsonBytes, err := json.MarshalIndent(resp, "", "\t")
	if err != nil {
		return fmt.Errorf("unable to encode response: %w", err)
	}
	_, err = fmt.Fprintln(c.App.Writer, string(jsonBytes))
	return err
}

type invalidUsageError struct {
	ctx     *cli.Context
	command string
}

func (e *invalidUsageError) Error() string {
	return fmt.Sprintf("invalid usage of command %s", e.command)
}

func fatal(err error) {
	var e *invalidUsageError
	if errors.As(err, &e) {
		_ = cli.ShowCommandHelp(e.ctx, e.command)
	} else {
		_, _ = fmt.Fprintf(os.Stderr, "[hdwallet] %v\n", err)
	}
	os.Exit(1)
}
