package explorer

import (
	"context"

	"github.com/btcsuite/btcd/wire"
)

// TxStats are the funding and spending counters of an address, either for
// the confirmed history or for the mempool.
type TxStats struct {
	FundedTxoCount int   `json:"funded_txo_count"`
	FundedTxoSum   int64 `json:"funded_txo_sum"`
	SpentTxoCount  int   `json:"spent_txo_count"`
	SpentTxoSum    int64 `json:"spent_txo_sum"`
	TxCount        int   `json:"tx_count"`
}

// AddressStats summarizes the history of an address.
type AddressStats struct {
	Address      string  `json:"address"`
	ChainStats   TxStats `json:"chain_stats"`
	MempoolStats TxStats `json:"mempool_stats"`
}

// IsUsed returns whether the address appears in any transaction, confirmed
// or not.
func (s *AddressStats) IsUsed() bool {
	return s.ChainStats.TxCount > 0 || s.MempoolStats.TxCount > 0
}

// Balance returns the confirmed and unconfirmed balance of the address.
func (s *AddressStats) Balance() (confirmed, unconfirmed int64) {
	confirmed = s.ChainStats.FundedTxoSum - s.ChainStats.SpentTxoSum
	unconfirmed = s.MempoolStats.FundedTxoSum - s.MempoolStats.SpentTxoSum
	return
}

// Service is the read-only view of the blockchain the wallet needs: whether
// addresses have been used, and the transactions that funded them.
type Service interface {
	// GetBlockHeight returns the height of the chain tip.
	GetBlockHeight(ctx context.Context) (int, error)
	// GetAddressStats returns the history counters of the address.
	GetAddressStats(ctx context.Context, address string) (*AddressStats, error)
	// AddressesUsed returns, index aligned with addresses, whether each
	// address appears in any transaction.
	AddressesUsed(ctx context.Context, addresses []string) ([]bool, error)
	// GetTransaction returns the transaction with the given hash.
	GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error)
}
