package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

const policyContractABIJSON = `[
{"inputs":[{"internalType":"uint256","name":"newAPY","type":"uint256"}],"name":"setStakingAPY","outputs":[],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"executeHalving","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
{"inputs":[],"name":"currentAPY","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[{"internalType":"bytes32","name":"role","type":"bytes32"},{"internalType":"address","name":"account","type":"address"}],"name":"hasRole","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"AUTOMATION_ROLE","outputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"stateMutability":"view","type":"function"},
{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"oldAPY","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"newAPY","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"APYUpdated","type":"event"},
{"anonymous":false,"inputs":[{"indexed":false,"internalType":"uint256","name":"newEmissionRate","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"HalvingExecuted","type":"event"},
{"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"pauser","type":"address"},{"indexed":false,"internalType":"string","name":"reason","type":"string"}],"name":"EmergencyPause","type":"event"}
]`

const (
	defaultRequestTimeout      = 10 * time.Second
	defaultReceiptPollInterval = 2 * time.Second
	defaultSetRateGasLimit     = 150_000
	defaultHalvingGasLimit     = 300_000
)

var policyContractABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(policyContractABIJSON))
	if err != nil {
		panic("failed to parse policy contract ABI: " + err.Error())
	}
	policyContractABI = parsed
}

// EthOptions parameterise the go-ethereum contract adapter.
type EthOptions struct {
	RPCURL              string
	ContractAddress     string
	PrivateKeyHex       string
	ChainID             int64
	RequestTimeout      time.Duration
	ReceiptPollInterval time.Duration
	SetRateGasLimit     uint64
	HalvingGasLimit     uint64
}

// EthContract talks to the policy contract over JSON-RPC and signs with a local key.
type EthContract struct {
	opts    EthOptions
	logger  zerolog.Logger
	address common.Address
	key     *ecdsa.PrivateKey
	from    common.Address

	clientMux sync.Mutex
	client    *ethclient.Client
	chainID   *big.Int
}

// NewEthContract validates options and derives the signing identity.
func NewEthContract(opts EthOptions, logger zerolog.Logger) (*EthContract, error) {
	if opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid policy contract address %q", opts.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse automation private key: %w", err)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.ReceiptPollInterval <= 0 {
		opts.ReceiptPollInterval = defaultReceiptPollInterval
	}
	if opts.SetRateGasLimit == 0 {
		opts.SetRateGasLimit = defaultSetRateGasLimit
	}
	if opts.HalvingGasLimit == 0 {
		opts.HalvingGasLimit = defaultHalvingGasLimit
	}

	c := &EthContract{
		opts:    opts,
		logger:  logger.With().Str("component", "policy_contract").Logger(),
		address: common.HexToAddress(opts.ContractAddress),
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
	}
	if opts.ChainID > 0 {
		c.chainID = big.NewInt(opts.ChainID)
	}
	return c, nil
}

// Sender returns the automation signer address.
func (c *EthContract) Sender() common.Address {
	return c.from
}

// AutomationRole reads AUTOMATION_ROLE().
func (c *EthContract) AutomationRole(ctx context.Context) ([32]byte, error) {
	outputs, err := c.call(ctx, "AUTOMATION_ROLE")
	if err != nil {
		return [32]byte{}, err
	}
	role, ok := outputs[0].([32]byte)
	if !ok {
		return [32]byte{}, errors.New("failed to decode AUTOMATION_ROLE output")
	}
	return role, nil
}

// HasRole reads hasRole(role, account).
func (c *EthContract) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	outputs, err := c.call(ctx, "hasRole", role, account)
	if err != nil {
		return false, err
	}
	ok, isBool := outputs[0].(bool)
	if !isBool {
		return false, errors.New("failed to decode hasRole output")
	}
	return ok, nil
}

// CurrentRate reads currentAPY() in basis points.
func (c *EthContract) CurrentRate(ctx context.Context) (uint64, error) {
	outputs, err := c.call(ctx, "currentAPY")
	if err != nil {
		return 0, err
	}
	value, ok := outputs[0].(*big.Int)
	if !ok || !value.IsUint64() {
		return 0, errors.New("failed to decode currentAPY output")
	}
	return value.Uint64(), nil
}

// SubmitSetRate signs and sends setStakingAPY(rate).
func (c *EthContract) SubmitSetRate(ctx context.Context, rate uint64) (common.Hash, error) {
	data, err := policyContractABI.Pack("setStakingAPY", new(big.Int).SetUint64(rate))
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, data, c.opts.SetRateGasLimit)
}

// SubmitHalving signs and sends executeHalving().
func (c *EthContract) SubmitHalving(ctx context.Context) (common.Hash, error) {
	data, err := policyContractABI.Pack("executeHalving")
	if err != nil {
		return common.Hash{}, err
	}
	return c.transact(ctx, data, c.opts.HalvingGasLimit)
}

// WaitReceipt polls until the transaction is mined or ctx ends.
func (c *EthContract) WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return Receipt{}, err
	}

	ticker := time.NewTicker(c.opts.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return Receipt{
				TxHash:      receipt.TxHash.Hex(),
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
				Status:      receipt.Status,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return Receipt{}, fmt.Errorf("fetch receipt %s: %w", hash.Hex(), err)
		}

		c.logger.Debug().Str("tx_hash", hash.Hex()).Msg("transaction pending")
		select {
		case <-ctx.Done():
			return Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// LatestBlock returns the current head number.
func (c *EthContract) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	return client.BlockNumber(ctx)
}

// FilterEvents returns decoded policy events in [fromBlock, toBlock].
func (c *EthContract) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ContractEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			policyContractABI.Events[eventAPYUpdated].ID,
			policyContractABI.Events[eventHalvingExecuted].ID,
			policyContractABI.Events[eventEmergencyPause].ID,
		}},
	}

	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter policy logs: %w", err)
	}

	out := make([]ContractEvent, 0, len(logs))
	for _, lg := range logs {
		evt, ok, err := decodeLog(lg)
		if err != nil {
			c.logger.Warn().Err(err).Str("tx_hash", lg.TxHash.Hex()).Msg("skip undecodable log")
			continue
		}
		if ok {
			out = append(out, evt)
		}
	}
	return out, nil
}

const (
	eventAPYUpdated      = "APYUpdated"
	eventHalvingExecuted = "HalvingExecuted"
	eventEmergencyPause  = "EmergencyPause"
)

func decodeLog(lg types.Log) (ContractEvent, bool, error) {
	if len(lg.Topics) == 0 {
		return ContractEvent{}, false, nil
	}

	evt := ContractEvent{TxHash: lg.TxHash.Hex(), BlockNumber: lg.BlockNumber}
	switch lg.Topics[0] {
	case policyContractABI.Events[eventAPYUpdated].ID:
		values, err := policyContractABI.Unpack(eventAPYUpdated, lg.Data)
		if err != nil {
			return ContractEvent{}, false, fmt.Errorf("unpack %s: %w", eventAPYUpdated, err)
		}
		if len(values) != 3 {
			return ContractEvent{}, false, fmt.Errorf("unexpected %s field count %d", eventAPYUpdated, len(values))
		}
		evt.Name = eventAPYUpdated
		evt.OldAPY = bigToUint64(values[0])
		evt.NewAPY = bigToUint64(values[1])
	case policyContractABI.Events[eventHalvingExecuted].ID:
		values, err := policyContractABI.Unpack(eventHalvingExecuted, lg.Data)
		if err != nil {
			return ContractEvent{}, false, fmt.Errorf("unpack %s: %w", eventHalvingExecuted, err)
		}
		if len(values) != 2 {
			return ContractEvent{}, false, fmt.Errorf("unexpected %s field count %d", eventHalvingExecuted, len(values))
		}
		evt.Name = eventHalvingExecuted
		if rate, ok := values[0].(*big.Int); ok {
			evt.NewEmissionRate = rate.String()
		}
	case policyContractABI.Events[eventEmergencyPause].ID:
		if len(lg.Topics) < 2 {
			return ContractEvent{}, false, fmt.Errorf("%s missing indexed pauser", eventEmergencyPause)
		}
		values, err := policyContractABI.Unpack(eventEmergencyPause, lg.Data)
		if err != nil {
			return ContractEvent{}, false, fmt.Errorf("unpack %s: %w", eventEmergencyPause, err)
		}
		evt.Name = eventEmergencyPause
		evt.Pauser = common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
		if len(values) == 1 {
			evt.Reason, _ = values[0].(string)
		}
	default:
		return ContractEvent{}, false, nil
	}
	return evt, true, nil
}

func bigToUint64(v any) uint64 {
	if b, ok := v.(*big.Int); ok && b.IsUint64() {
		return b.Uint64()
	}
	return 0
}

func (c *EthContract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := policyContractABI.Pack(method, args...)
	if err != nil {
		return nil, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.address, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}

	outputs, err := policyContractABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs, nil
}

func (c *EthContract) transact(ctx context.Context, data []byte, gasLimit uint64) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	chainID, err := c.resolveChainID(ctx, client)
	if err != nil {
		return common.Hash{}, err
	}

	nonce, err := client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}

	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("latest header: %w", err)
	}

	var tx *types.Transaction
	if head.BaseFee != nil {
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas tip: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = types.NewTx(&types.DynamicFeeTx{
			ChainID:   chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gasLimit,
			To:        &c.address,
			Data:      data,
		})
	} else {
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("suggest gas price: %w", err)
		}
		tx = types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      gasLimit,
			To:       &c.address,
			Data:     data,
		})
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}

	c.logger.Info().Str("tx_hash", signed.Hash().Hex()).Uint64("nonce", nonce).Msg("transaction submitted")
	return signed.Hash(), nil
}

func (c *EthContract) resolveChainID(ctx context.Context, client *ethclient.Client) (*big.Int, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	c.chainID = id
	return id, nil
}

func (c *EthContract) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection.
func (c *EthContract) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ Contract = (*EthContract)(nil)
