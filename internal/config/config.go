package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/tdex-network/tdex-keywallet/pkg/wallet"
)

const (
	// NetworkKey is the name of the chain keys and addresses are for, one of
	// bitcoin, testnet, regtest, dash, dash-testnet
	NetworkKey = "NETWORK"
	// LogLevelKey are the different logging levels. For reference on the values https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// GapLimitKey is the number of consecutive unused addresses that stops
	// address discovery
	GapLimitKey = "GAP_LIMIT"
	// AddressCacheSizeKey bounds the number of derived addresses kept in
	// memory per wallet, 0 means unbounded
	AddressCacheSizeKey = "ADDRESS_CACHE_SIZE"
	// LockMemoryKey makes the vault mlock the pages holding secrets
	LockMemoryKey = "LOCK_MEMORY"
	// ExplorerUrlKey is the base url of the Esplora API used for address
	// discovery
	ExplorerUrlKey = "EXPLORER_URL"
	// ExplorerRateLimitKey is the max number of requests per second sent to
	// the explorer
	ExplorerRateLimitKey = "EXPLORER_RATE_LIMIT"
	// DatadirKey is the local data directory where metrics are dumped
	DatadirKey = "DATADIR"
	// EnableMetricsKey makes the CLI dump the collected metrics to the
	// datadir before exiting
	EnableMetricsKey = "ENABLE_METRICS"

	StatsLocation = "stats"
)

var vip *viper.Viper
var defaultDatadir = btcutil.AppDataDir("keywallet", false)

var defaultExplorerUrls = map[string]string{
	wallet.BitcoinMainNet.Name: "https://blockstream.info/api",
	wallet.BitcoinTestNet.Name: "https://blockstream.info/testnet/api",
	wallet.BitcoinRegTest.Name: "http://localhost:3000",
}

func InitConfig() error {
	vip = viper.New()
	vip.SetEnvPrefix("KEYWALLET")
	vip.AutomaticEnv()

	vip.SetDefault(NetworkKey, wallet.BitcoinMainNet.Name)
	vip.SetDefault(LogLevelKey, int(log.InfoLevel))
	vip.SetDefault(GapLimitKey, wallet.DefaultGapLimit)
	vip.SetDefault(AddressCacheSizeKey, 0)
	vip.SetDefault(LockMemoryKey, true)
	vip.SetDefault(ExplorerRateLimitKey, 10)
	vip.SetDefault(DatadirKey, defaultDatadir)
	vip.SetDefault(EnableMetricsKey, false)

	if err := validate(); err != nil {
		return fmt.Errorf("error while validating config: %s", err)
	}

	if !vip.IsSet(ExplorerUrlKey) {
		vip.SetDefault(ExplorerUrlKey, defaultExplorerUrls[GetNetwork().Name])
	}

	log.SetLevel(log.Level(GetInt(LogLevelKey)))

	if GetBool(EnableMetricsKey) {
		if err := makeDirectoryIfNotExists(filepath.Join(GetDatadir(), StatsLocation)); err != nil {
			return fmt.Errorf("error while creating datadir: %s", err)
		}
	}
	return nil
}

// Set overrides the value of key, for example with a command line flag.
func Set(key string, value interface{}) {
	vip.Set(key, value)
}

func GetString(key string) string {
	return vip.GetString(key)
}

func GetInt(key string) int {
	return vip.GetInt(key)
}

func GetBool(key string) bool {
	return vip.GetBool(key)
}

func GetDatadir() string {
	return GetString(DatadirKey)
}

// GetNetwork returns the configured network. InitConfig makes sure the name
// is valid.
func GetNetwork() *wallet.Network {
	network, _ := wallet.NetworkByName(GetString(NetworkKey))
	return network
}

// GetMetricsPath returns the file the CLI dumps metrics to.
func GetMetricsPath() string {
	return filepath.Join(GetDatadir(), StatsLocation, "metrics.prom")
}

func validate() error {
	if _, err := wallet.NetworkByName(GetString(NetworkKey)); err != nil {
		return err
	}

	level := GetInt(LogLevelKey)
	if level < int(log.PanicLevel) || level > int(log.TraceLevel) {
		return fmt.Errorf("%s must be in range [%d, %d]",
			LogLevelKey, log.PanicLevel, log.TraceLevel)
	}

	if GetInt(GapLimitKey) <= 0 {
		return fmt.Errorf("%s must be a positive number", GapLimitKey)
	}
	if GetInt(AddressCacheSizeKey) < 0 {
		return fmt.Errorf("%s must not be negative", AddressCacheSizeKey)
	}
	if GetInt(ExplorerRateLimitKey) <= 0 {
		return fmt.Errorf("%s must be a positive number", ExplorerRateLimitKey)
	}

	if explorerUrl := GetString(ExplorerUrlKey); explorerUrl != "" {
		u, err := url.Parse(explorerUrl)
		if err != nil {
			return fmt.Errorf("invalid %s: %s", ExplorerUrlKey, err)
		}
		if !strings.HasPrefix(u.Scheme, "http") || u.Host == "" {
			return fmt.Errorf("%s must be an http(s) url", ExplorerUrlKey)
		}
	}

	if len(GetDatadir()) <= 0 {
		return fmt.Errorf("missing datadir")
	}
	return nil
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}
