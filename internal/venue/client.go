package venue

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/venue-router/internal/chain"
	"github.com/yourorg/venue-router/internal/config"
	"github.com/yourorg/venue-router/internal/model"
	"github.com/yourorg/venue-router/internal/types"
)

// NewAdapter creates the adapter for a venue id on the given chain
func NewAdapter(id string, c types.SupportedChain, caller chain.Caller, reg *config.Registry, oneInchKey string) (Adapter, error) {
	settings := reg.Venue(id)

	switch strings.ToLower(id) {
	case UniswapID:
		contracts, _ := reg.Contracts(c)
		quoter, ok := config.Address(contracts.UniswapQuoter)
		if !ok {
			return nil, fmt.Errorf("%w: uniswap quoter on %s", model.ErrUnsupportedChain, c)
		}
		router, _ := config.Address(contracts.UniswapRouter)
		return NewUniswap(caller, quoter, router, settings), nil
	case OneInchID:
		return NewOneInch(c, oneInchKey, settings)
	case ParaswapID:
		return NewParaswap(c, caller, settings)
	default:
		return nil, fmt.Errorf("%w: venue %q", model.ErrUnsupportedProtocol, id)
	}
}

// NewAdapters builds every venue in ids, skipping venues that cannot serve the chain
func NewAdapters(ids []string, c types.SupportedChain, caller chain.Caller, reg *config.Registry, oneInchKey string) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		a, err := NewAdapter(id, c, caller, reg, oneInchKey)
		if err != nil {
			logrus.WithField("venue", id).Warnf("Venue disabled: %v", err)
			continue
		}
		adapters = append(adapters, a)
		logrus.Infof("Registered venue %s for chain %s", a.ID(), c)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: no venue available on %s", model.ErrNoRouteAvailable, c)
	}
	return adapters, nil
}
