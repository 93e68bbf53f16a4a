package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestNewEthContractValidation(t *testing.T) {
	valid := EthOptions{
		RPCURL:          "http://127.0.0.1:8545",
		ContractAddress: "0x00000000000000000000000000000000000000b1",
		PrivateKeyHex:   "0x" + testKey,
	}

	c, err := NewEthContract(valid, zerolog.Nop())
	require.NoError(t, err)
	assert.NotEqual(t, common.Address{}, c.Sender())
	assert.Equal(t, uint64(defaultSetRateGasLimit), c.opts.SetRateGasLimit)
	assert.Equal(t, uint64(defaultHalvingGasLimit), c.opts.HalvingGasLimit)
	assert.Nil(t, c.chainID)

	noURL := valid
	noURL.RPCURL = ""
	_, err = NewEthContract(noURL, zerolog.Nop())
	assert.Error(t, err)

	badAddr := valid
	badAddr.ContractAddress = "not-an-address"
	_, err = NewEthContract(badAddr, zerolog.Nop())
	assert.Error(t, err)

	badKey := valid
	badKey.PrivateKeyHex = "zz"
	_, err = NewEthContract(badKey, zerolog.Nop())
	assert.Error(t, err)

	withChain := valid
	withChain.ChainID = 11155111
	c, err = NewEthContract(withChain, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(11155111), c.chainID)
}

func TestDecodeAPYUpdated(t *testing.T) {
	ev := policyContractABI.Events[eventAPYUpdated]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(1000), big.NewInt(1200), big.NewInt(1700000000))
	require.NoError(t, err)

	got, ok, err := decodeLog(types.Log{
		Topics:      []common.Hash{ev.ID},
		Data:        data,
		TxHash:      common.HexToHash("0x01"),
		BlockNumber: 7,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eventAPYUpdated, got.Name)
	assert.Equal(t, uint64(1000), got.OldAPY)
	assert.Equal(t, uint64(1200), got.NewAPY)
	assert.Equal(t, uint64(7), got.BlockNumber)
	assert.Equal(t, common.HexToHash("0x01").Hex(), got.TxHash)
}

func TestDecodeHalvingExecuted(t *testing.T) {
	ev := policyContractABI.Events[eventHalvingExecuted]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(50), big.NewInt(1700000000))
	require.NoError(t, err)

	got, ok, err := decodeLog(types.Log{Topics: []common.Hash{ev.ID}, Data: data})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, eventHalvingExecuted, got.Name)
	assert.Equal(t, "50", got.NewEmissionRate)
}

func TestDecodeEmergencyPause(t *testing.T) {
	ev := policyContractABI.Events[eventEmergencyPause]
	data, err := ev.Inputs.NonIndexed().Pack("oracle exploit")
	require.NoError(t, err)
	pauser := common.HexToAddress("0x00000000000000000000000000000000000000c3")

	got, ok, err := decodeLog(types.Log{
		Topics: []common.Hash{ev.ID, common.BytesToHash(pauser.Bytes())},
		Data:   data,
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pauser.Hex(), got.Pauser)
	assert.Equal(t, "oracle exploit", got.Reason)

	_, _, err = decodeLog(types.Log{Topics: []common.Hash{ev.ID}, Data: data})
	assert.Error(t, err)
}

func TestDecodeIgnoresForeignLogs(t *testing.T) {
	_, ok, err := decodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0xdead")}})
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = decodeLog(types.Log{})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPolicyABIPacksWrites(t *testing.T) {
	data, err := policyContractABI.Pack("setStakingAPY", big.NewInt(1200))
	require.NoError(t, err)
	assert.Equal(t, policyContractABI.Methods["setStakingAPY"].ID, data[:4])
	assert.Len(t, data, 4+32)

	data, err = policyContractABI.Pack("executeHalving")
	require.NoError(t, err)
	assert.Len(t, data, 4)
}
