// Package oracle reads reference prices from Chainlink-style aggregator
// contracts and keeps the last fresh answer per venue.
package oracle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/7maylord/whisper/pkgs/confidential"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// AggregatorV3ABI covers the read methods the coordinator uses
const AggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}
	],"stateMutability":"view","type":"function"}
]`

// Feed answers the latest price in encrypted fixed-point precision
type Feed interface {
	LatestPrice(ctx context.Context) (*big.Int, time.Time, error)
}

// ChainlinkFeed binds to one aggregator contract
type ChainlinkFeed struct {
	caller   ethereum.ContractCaller
	contract common.Address
	abi      abi.ABI

	mu       sync.Mutex
	decimals uint8
	haveDec  bool
}

// NewChainlinkFeed creates a feed reading contract through caller
func NewChainlinkFeed(caller ethereum.ContractCaller, contract common.Address) (*ChainlinkFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(AggregatorV3ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to load aggregator ABI: %w", err)
	}
	return &ChainlinkFeed{caller: caller, contract: contract, abi: parsed}, nil
}

func (f *ChainlinkFeed) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := f.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", method, err)
	}

	result, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := f.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", method, err)
	}
	return out, nil
}

func (f *ChainlinkFeed) feedDecimals(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	if f.haveDec {
		dec := f.decimals
		f.mu.Unlock()
		return dec, nil
	}
	f.mu.Unlock()

	out, err := f.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	dec, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("unexpected decimals type %T", out[0])
	}

	f.mu.Lock()
	f.decimals, f.haveDec = dec, true
	f.mu.Unlock()
	return dec, nil
}

// LatestPrice returns the latest answer scaled to 6 decimals and the time
// it was last updated
func (f *ChainlinkFeed) LatestPrice(ctx context.Context) (*big.Int, time.Time, error) {
	dec, err := f.feedDecimals(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}

	out, err := f.call(ctx, "latestRoundData")
	if err != nil {
		return nil, time.Time{}, err
	}
	if len(out) != 5 {
		return nil, time.Time{}, fmt.Errorf("unexpected latestRoundData arity %d", len(out))
	}

	answer, ok := out[1].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("unexpected answer type %T", out[1])
	}
	updated, ok := out[3].(*big.Int)
	if !ok {
		return nil, time.Time{}, fmt.Errorf("unexpected updatedAt type %T", out[3])
	}
	if answer.Sign() <= 0 {
		return nil, time.Time{}, fmt.Errorf("non-positive answer %s", answer)
	}

	return rescale(answer, int(dec), confidential.EncryptedDecimals), time.Unix(updated.Int64(), 0), nil
}

// rescale converts a fixed-point value between precisions, rounding down
func rescale(v *big.Int, from, to int) *big.Int {
	out := new(big.Int).Set(v)
	switch {
	case from > to:
		out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
	case from < to:
		out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	}
	return out
}
