package esplora

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
)

func (e *esplora) GetTransaction(ctx context.Context, txid string) (*wire.MsgTx, error) {
	body, err := e.get(ctx, fmt.Sprintf("/tx/%s/hex", txid))
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, fmt.Errorf("error on retrieving tx %s: %s", txid, err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("error on retrieving tx %s: %s", txid, err)
	}
	if got := tx.TxHash().String(); got != txid {
		return nil, fmt.Errorf("explorer returned tx %s for %s", got, txid)
	}
	return tx, nil
}
