package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-automation/internal/events"
)

func TestListenerRepublishesContractEvents(t *testing.T) {
	contract := newFakeContract()
	contract.head = 10
	opts := testOptions()
	opts.PollInterval = 10 * time.Millisecond
	svc, bus := newTestService(t, contract, opts)

	require.NoError(t, svc.Initialize(context.Background()))

	contract.mu.Lock()
	contract.logs[10] = []ContractEvent{{Name: eventAPYUpdated, OldAPY: 1, NewAPY: 2}}
	contract.logs[11] = []ContractEvent{
		{Name: eventAPYUpdated, OldAPY: 1000, NewAPY: 1200, TxHash: "0x01", BlockNumber: 11},
		{Name: eventHalvingExecuted, NewEmissionRate: "50", TxHash: "0x02", BlockNumber: 11},
	}
	contract.logs[12] = []ContractEvent{
		{Name: eventEmergencyPause, Pauser: "0xabc", Reason: "exploit", TxHash: "0x03", BlockNumber: 12},
		{Name: "Unknown"},
	}
	contract.head = 12
	contract.mu.Unlock()

	require.Eventually(t, func() bool {
		return len(bus.ofType(events.SystemEmergencyPause)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	confirmed := bus.ofType(events.BlockchainTxConfirmed)
	require.Len(t, confirmed, 2)
	first := confirmed[0].Payload.(events.TxConfirmedPayload)
	assert.Equal(t, events.ContractEventAPYUpdated, first.EventName)
	assert.Equal(t, uint64(1200), first.NewAPY)
	second := confirmed[1].Payload.(events.TxConfirmedPayload)
	assert.Equal(t, events.ContractEventHalvingExecuted, second.EventName)
	assert.Equal(t, "50", second.NewEmissionRate)

	pause := bus.ofType(events.SystemEmergencyPause)[0]
	assert.Equal(t, events.PriorityCritical, pause.Priority)
	assert.Equal(t, "exploit", pause.Payload.(events.EmergencyPausePayload).Reason)
}

func TestCloseStopsListener(t *testing.T) {
	contract := newFakeContract()
	opts := testOptions()
	opts.PollInterval = 5 * time.Millisecond
	svc, _ := newTestService(t, contract, opts)

	require.NoError(t, svc.Initialize(context.Background()))
	done := make(chan struct{})
	go func() {
		svc.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not stop the listener")
	}
	assert.False(t, svc.Status().Initialized)
}
