package ethrpc

import (
	"context"
	"fmt"
	"math/big"
)

// GasPricer decides the gas price for an outgoing payment. Strategies are
// pluggable; the engine only requires that the returned price is positive.
type GasPricer interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

type suggester interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// AdditivePricer takes the node's suggested price and adds a flat premium,
// trading fee overhead for prompt inclusion of withdrawal payments.
type AdditivePricer struct {
	Node    suggester
	Premium *big.Int
}

func NewAdditivePricer(node suggester, premiumWei int64) *AdditivePricer {
	return &AdditivePricer{Node: node, Premium: big.NewInt(premiumWei)}
}

func (p *AdditivePricer) GasPrice(ctx context.Context) (*big.Int, error) {
	base, err := p.Node.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("base gas price: %w", err)
	}
	price := new(big.Int).Add(base, p.Premium)
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("non-positive gas price %s", price)
	}
	return price, nil
}
