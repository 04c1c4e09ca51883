package esplora

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/tdex-network/tdex-keywallet/pkg/explorer"
	"golang.org/x/sync/errgroup"
)

func (e *esplora) GetAddressStats(
	ctx context.Context, address string,
) (*explorer.AddressStats, error) {
	body, err := e.get(ctx, fmt.Sprintf("/address/%s", address))
	if err != nil {
		return nil, err
	}

	stats := &explorer.AddressStats{}
	if err := json.Unmarshal(body, stats); err != nil {
		return nil, fmt.Errorf("error on retrieving stats of %s: %s", address, err)
	}
	return stats, nil
}

// AddressesUsed queries the stats of every address not already known as
// used, with at most Opts.Concurrency requests in flight.
func (e *esplora) AddressesUsed(
	ctx context.Context, addresses []string,
) ([]bool, error) {
	used := make([]bool, len(addresses))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.concurrency)
	for i, addr := range addresses {
		if e.used.Contains(addr) {
			used[i] = true
			continue
		}

		i, addr := i, addr
		eg.Go(func() error {
			stats, err := e.GetAddressStats(ctx, addr)
			if err != nil {
				return err
			}
			if stats.IsUsed() {
				e.used.Add(addr, struct{}{})
				used[i] = true
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	log.WithField("addresses", len(addresses)).Debug("checked address usage")
	return used, nil
}
