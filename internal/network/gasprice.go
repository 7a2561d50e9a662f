package network

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"rpcgate/internal/cache"
)

// GasPrice is the current gas price of a network
type GasPrice struct {
	GasPrice    *big.Int  `json:"gasPrice"`
	GasPriceHex string    `json:"gasPriceHex"`
	Network     string    `json:"network"`
	Timestamp   time.Time `json:"timestamp"`
}

// GasPrice returns the gas price of network, served from the gas-price
// cache while fresh
func (s *Service) GasPrice(ctx context.Context, network string) (*GasPrice, error) {
	if cached, ok := cache.GetAs[*GasPrice](s.cache, cache.TypeGasPrice, network); ok {
		return cached.clone(), nil
	}

	raw, err := s.Call(ctx, network, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}

	hex, err := decodeQuantity(raw)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice on %s: %w", network, err)
	}
	price, err := hexutil.DecodeBig(hex)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice on %s: %w", network, err)
	}

	gp := &GasPrice{
		GasPrice:    price,
		GasPriceHex: hex,
		Network:     network,
		Timestamp:   s.now(),
	}
	s.cache.Set(cache.TypeGasPrice, gp, network)

	return gp.clone(), nil
}

// clone copies gp so callers cannot mutate the cached value
func (gp *GasPrice) clone() *GasPrice {
	c := *gp
	c.GasPrice = new(big.Int).Set(gp.GasPrice)
	return &c
}

// BlockNumber returns the latest block number of network
func (s *Service) BlockNumber(ctx context.Context, network string) (uint64, error) {
	raw, err := s.Call(ctx, network, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}

	hex, err := decodeQuantity(raw)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber on %s: %w", network, err)
	}
	n, err := hexutil.DecodeUint64(hex)
	if err != nil {
		return 0, fmt.Errorf("eth_blockNumber on %s: %w", network, err)
	}
	return n, nil
}

// decodeQuantity unwraps a JSON string result
func decodeQuantity(raw json.RawMessage) (string, error) {
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return "", fmt.Errorf("result is not a hex string: %w", err)
	}
	return hex, nil
}
