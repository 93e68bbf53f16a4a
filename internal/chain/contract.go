package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Status      uint64
}

// Succeeded reports whether the transaction executed without reverting.
func (r Receipt) Succeeded() bool {
	return r.Status == 1
}

// ContractEvent is a decoded log emitted by the policy contract.
type ContractEvent struct {
	Name            string
	OldAPY          uint64
	NewAPY          uint64
	NewEmissionRate string
	Pauser          string
	Reason          string
	TxHash          string
	BlockNumber     uint64
}

// Contract is the privileged surface of the deployed policy contract.
type Contract interface {
	Sender() common.Address
	AutomationRole(ctx context.Context) ([32]byte, error)
	HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error)
	CurrentRate(ctx context.Context) (uint64, error)
	SubmitSetRate(ctx context.Context, rate uint64) (common.Hash, error)
	SubmitHalving(ctx context.Context) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
	LatestBlock(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]ContractEvent, error)
}
