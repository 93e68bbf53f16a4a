package metricsource

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const erc20ABIJSON = `[
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"address","name":"account","type":"address"}],"name":"balanceOf","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// TokenOptions parameterise the on-chain supply reader.
type TokenOptions struct {
	RPCURL          string
	TokenAddress    string
	TreasuryAddress string
	Timeout         time.Duration
}

// SupplyReader reads token supply figures.
type SupplyReader interface {
	TotalSupply(ctx context.Context) (decimal.Decimal, error)
	// TreasuryBalance returns zero when no treasury is configured.
	TreasuryBalance(ctx context.Context) (decimal.Decimal, error)
}

// Token reads ERC-20 supply over Ethereum RPC.
type Token struct {
	opts   TokenOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	decimals  *int32
}

// NewToken builds a supply reader.
func NewToken(opts TokenOptions, logger zerolog.Logger) *Token {
	return &Token{opts: opts, logger: logger.With().Str("component", "token_reader").Logger()}
}

// TotalSupply returns totalSupply() scaled by the token's decimals.
func (t *Token) TotalSupply(ctx context.Context) (decimal.Decimal, error) {
	raw, err := t.callUint(ctx, "totalSupply")
	if err != nil {
		return decimal.Decimal{}, err
	}
	return t.scale(ctx, raw)
}

// TreasuryBalance returns balanceOf(treasury) scaled by the token's decimals.
func (t *Token) TreasuryBalance(ctx context.Context) (decimal.Decimal, error) {
	if t.opts.TreasuryAddress == "" {
		return decimal.Zero, nil
	}
	if !common.IsHexAddress(t.opts.TreasuryAddress) {
		return decimal.Decimal{}, fmt.Errorf("invalid treasury address %q", t.opts.TreasuryAddress)
	}
	raw, err := t.callUint(ctx, "balanceOf", common.HexToAddress(t.opts.TreasuryAddress))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return t.scale(ctx, raw)
}

func (t *Token) scale(ctx context.Context, raw *big.Int) (decimal.Decimal, error) {
	exp, err := t.tokenDecimals(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromBigInt(raw, -exp), nil
}

func (t *Token) tokenDecimals(ctx context.Context) (int32, error) {
	t.clientMux.Lock()
	cached := t.decimals
	t.clientMux.Unlock()
	if cached != nil {
		return *cached, nil
	}

	outputs, err := t.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}
	exp := int32(d)

	t.clientMux.Lock()
	t.decimals = &exp
	t.clientMux.Unlock()
	return exp, nil
}

func (t *Token) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	outputs, err := t.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	v, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("failed to decode %s output", method)
	}
	return v, nil
}

func (t *Token) call(ctx context.Context, method string, args ...any) ([]any, error) {
	if t.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(t.opts.TokenAddress) {
		return nil, fmt.Errorf("invalid token address %q", t.opts.TokenAddress)
	}

	timeout := t.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := t.getClient(ctx)
	if err != nil {
		return nil, err
	}

	addr := common.HexToAddress(t.opts.TokenAddress)
	payload, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

func (t *Token) getClient(ctx context.Context) (*ethclient.Client, error) {
	t.clientMux.Lock()
	defer t.clientMux.Unlock()

	if t.client != nil {
		return t.client, nil
	}

	client, err := ethclient.DialContext(ctx, t.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	t.client = client
	return client, nil
}

// Close releases the RPC connection.
func (t *Token) Close() {
	t.clientMux.Lock()
	defer t.clientMux.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
	}
}

var _ SupplyReader = (*Token)(nil)
