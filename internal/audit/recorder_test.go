package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-automation/internal/events"
	"policy-automation/internal/storage"
)

type memStore struct {
	mu       sync.Mutex
	changes  []storage.RateChangeRecord
	halvings []storage.HalvingRecord
	err      error
}

func (m *memStore) InsertRateChange(ctx context.Context, rec storage.RateChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.changes = append(m.changes, rec)
	return nil
}

func (m *memStore) InsertHalving(ctx context.Context, rec storage.HalvingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.halvings = append(m.halvings, rec)
	return nil
}

func TestRecorderPersistsChainEvents(t *testing.T) {
	bus := events.New(events.Options{}, zerolog.Nop())
	defer bus.Close()
	store := &memStore{}
	New(store, 0, zerolog.Nop()).Attach(bus)

	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	bus.Publish(events.BlockchainAPYUpdated, events.APYUpdatedPayload{
		OldAPY: 1000, NewAPY: 1200, Reason: "ML", TxHash: "0x01", BlockNumber: 7, Timestamp: at,
	})
	evt := bus.Publish(events.BlockchainHalvingExecuted, events.HalvingExecutedPayload{TxHash: "0x02", BlockNumber: 9})
	bus.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.changes, 1)
	assert.Equal(t, uint64(1200), store.changes[0].NewAPY)
	assert.Equal(t, at, store.changes[0].ChangedAt)
	require.Len(t, store.halvings, 1)
	assert.Equal(t, evt.Timestamp, store.halvings[0].ExecutedAt)
}

func TestRecorderReportsStoreFailure(t *testing.T) {
	bus := events.New(events.Options{}, zerolog.Nop())
	defer bus.Close()
	New(&memStore{err: errors.New("db down")}, time.Second, zerolog.Nop()).Attach(bus)

	bus.Publish(events.BlockchainAPYUpdated, events.APYUpdatedPayload{TxHash: "0x01"})
	bus.Wait()

	errs := bus.Metrics().Errors
	require.Len(t, errs, 1)
	assert.Equal(t, "audit.apy_updated", errs[0].Subscriber)
	assert.Contains(t, errs[0].Message, "db down")
}
