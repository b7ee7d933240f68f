// Package types contains shared chain definitions used across multiple packages
package types

import (
	"sort"
	"strings"
)

// SupportedChain represents a blockchain network known to the router
type SupportedChain string

// Supported blockchain networks
const (
	ChainEthereum  SupportedChain = "ethereum"
	ChainPolygon   SupportedChain = "polygon"
	ChainArbitrum  SupportedChain = "arbitrum"
	ChainOptimism  SupportedChain = "optimism"
	ChainAvalanche SupportedChain = "avalanche"
	ChainBSC       SupportedChain = "bnb"
	ChainBase      SupportedChain = "base"
	ChainFantom    SupportedChain = "fantom"
	ChainGnosis    SupportedChain = "gnosis"
)

// EVM chain ids
var chainIDs = map[SupportedChain]uint64{
	ChainEthereum:  1,
	ChainOptimism:  10,
	ChainBSC:       56,
	ChainGnosis:    100,
	ChainPolygon:   137,
	ChainFantom:    250,
	ChainBase:      8453,
	ChainArbitrum:  42161,
	ChainAvalanche: 43114,
}

// LayerZero v1 endpoint ids
var layerZeroIDs = map[SupportedChain]uint16{
	ChainEthereum:  101,
	ChainBSC:       102,
	ChainAvalanche: 106,
	ChainPolygon:   109,
	ChainArbitrum:  110,
	ChainOptimism:  111,
	ChainFantom:    112,
}

// Hop identifies chains by their EVM chain id, but only a subset is bridged
var hopIDs = map[SupportedChain]uint64{
	ChainEthereum: 1,
	ChainBSC:      56,
	ChainPolygon:  137,
	ChainArbitrum: 42161,
	ChainOptimism: 10,
	ChainGnosis:   100,
}

var acrossChains = map[SupportedChain]bool{
	ChainEthereum: true,
	ChainOptimism: true,
	ChainPolygon:  true,
	ChainArbitrum: true,
	ChainBase:     true,
}

// ParseChain normalizes a chain name. "binance" and "bsc" are accepted as aliases.
func ParseChain(name string) (SupportedChain, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "binance", "bsc":
		n = string(ChainBSC)
	case "mainnet":
		n = string(ChainEthereum)
	}
	c := SupportedChain(n)
	_, ok := chainIDs[c]
	return c, ok
}

// ChainID returns the EVM chain id
func (c SupportedChain) ChainID() (uint64, bool) {
	id, ok := chainIDs[c]
	return id, ok
}

// LayerZeroID returns the LayerZero endpoint id
func (c SupportedChain) LayerZeroID() (uint16, bool) {
	id, ok := layerZeroIDs[c]
	return id, ok
}

// HopID returns the chain id Hop uses for the chain
func (c SupportedChain) HopID() (uint64, bool) {
	id, ok := hopIDs[c]
	return id, ok
}

// AcrossID returns the chain id for chains served by Across spoke pools
func (c SupportedChain) AcrossID() (uint64, bool) {
	if !acrossChains[c] {
		return 0, false
	}
	return c.ChainID()
}

// AllChains lists every known chain in a stable order
func AllChains() []SupportedChain {
	out := make([]SupportedChain, 0, len(chainIDs))
	for c := range chainIDs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
