package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"policy-automation/internal/config"
	"policy-automation/internal/domain"
	"policy-automation/internal/events"
	"policy-automation/internal/orchestrator"
	"policy-automation/internal/storage"
)

const (
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

func newTestApp(t *testing.T, mutate func(cfg *config.Config)) *App {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	cfg.Ethereum.RPCURL = "http://127.0.0.1:1"
	cfg.Ethereum.ContractAddress = testContract
	cfg.Ethereum.PrivateKey = testKey
	cfg.Metrics.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	return NewApp(cfg, zerolog.Nop())
}

func TestPolicyAndChainOptionsFollowConfig(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Automation.MinConfidence = 0.9
		cfg.Automation.MaxAPYChangesPerHour = 2
		cfg.Ethereum.EventPoll = 7 * time.Second
	})

	policy := a.policy()
	assert.Equal(t, 0.9, policy.MinConfidence)
	assert.Equal(t, uint(2), policy.MaxAPYChangesPerHour)

	assert.Zero(t, a.chainOptions(false).PollInterval)
	listening := a.chainOptions(true)
	assert.Equal(t, 7*time.Second, listening.PollInterval)
	assert.Equal(t, a.Config.Chain.MaxRate, listening.MaxRate)
}

func TestHalvingOptionsUseStoreAsLocker(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Scheduler.AdvisoryLockKey = 42
		cfg.Halving.MinTotalSupply = 1000
	})

	opts := a.halvingOptions(nil)
	assert.Nil(t, opts.Locker)
	assert.Zero(t, opts.LockKey)
	assert.Equal(t, "1000", opts.MinTotalSupply.String())

	opts = a.halvingOptions(storage.NewStore(nil))
	assert.NotNil(t, opts.Locker)
	assert.Equal(t, int64(42), opts.LockKey)
}

func TestParseTypes(t *testing.T) {
	types, err := parseTypes([]string{"BLOCKCHAIN_APY_UPDATED", "SYSTEM_ANNOUNCEMENT"})
	require.NoError(t, err)
	assert.Equal(t, []events.Type{events.BlockchainAPYUpdated, events.SystemAnnouncement}, types)

	_, err = parseTypes([]string{"NOT_A_TYPE"})
	assert.EqualError(t, err, `unknown event type "NOT_A_TYPE"`)
}

func TestNewScorerUsesRedisWhenConfigured(t *testing.T) {
	mr := miniredis.RunT(t)
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Redis.Addr = mr.Addr()
	})

	scorer, closeScorer, err := a.newScorer(context.Background())
	require.NoError(t, err)
	require.NotNil(t, scorer)
	closeScorer()

	a.Config.Redis.Addr = "127.0.0.1:1"
	_, _, err = a.newScorer(context.Background())
	assert.Error(t, err)
}

func TestNewDispatcherRequiresTelegram(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Alerting.Enabled = true
	})
	assert.Nil(t, a.newDispatcher(nil))

	a.Config.Alerting.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "c"}
	assert.NotNil(t, a.newDispatcher(nil))
}

func TestBuildWithoutOptionalBackends(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Metrics.Enabled = true
	})

	rt, err := a.build(context.Background(), false)
	require.NoError(t, err)
	defer rt.close()

	assert.Nil(t, rt.store)
	assert.Nil(t, rt.bridge)
	assert.False(t, rt.orch.IsRunning())
	assert.False(t, rt.job.IsRunning())
	assert.Equal(t, 1, rt.bus.SubscriberCount(events.OracleDataReceived))

	families, err := rt.collector.Registry().Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["policyd_orchestrator_running"])
	assert.True(t, names["policyd_chain_breaker_open"])
	assert.True(t, names["policyd_halving_checks"])
}

func TestBuildAttachesNATSBridge(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	a := newTestApp(t, func(cfg *config.Config) {
		cfg.NATS.URL = srv.ClientURL()
	})

	rt, err := a.build(context.Background(), true)
	require.NoError(t, err)
	defer rt.close()

	require.NotNil(t, rt.bridge)
	assert.True(t, rt.bridge.Ready())
	assert.Positive(t, rt.bus.SubscriberCount(events.BlockchainAPYUpdated))
}

func TestBuildFailsOnUnknownForwardType(t *testing.T) {
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	a := newTestApp(t, func(cfg *config.Config) {
		cfg.NATS.URL = srv.ClientURL()
		cfg.NATS.Forward = []string{"BOGUS"}
	})

	_, err := a.build(context.Background(), true)
	assert.EqualError(t, err, `unknown event type "BOGUS"`)
}

func TestBuildRejectsBadSignerKey(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Ethereum.PrivateKey = "zz"
	})
	_, err := a.build(context.Background(), false)
	assert.Error(t, err)
}

type fakeHistory struct {
	last  storage.HalvingRecord
	found bool
	err   error
	count int64
}

func (f *fakeHistory) LastHalving(ctx context.Context) (storage.HalvingRecord, bool, error) {
	return f.last, f.found, f.err
}

func (f *fakeHistory) CountRateChangesSince(ctx context.Context, since time.Time) (int64, error) {
	return f.count, f.err
}

func TestRestoreHalvingSeedsCooldown(t *testing.T) {
	a := newTestApp(t, nil)
	orch := orchestrator.New(events.New(events.Options{}, zerolog.Nop()), nil, nil, a.policy(), zerolog.Nop())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.restoreHalving(context.Background(), &fakeHistory{last: storage.HalvingRecord{ExecutedAt: at}, found: true}, orch))
	assert.Equal(t, at, orch.Metrics().LastHalvingAt)

	require.NoError(t, a.restoreHalving(context.Background(), &fakeHistory{}, orch))
	assert.Equal(t, at, orch.Metrics().LastHalvingAt)

	err := a.restoreHalving(context.Background(), &fakeHistory{err: errors.New("db down")}, orch)
	assert.EqualError(t, err, "load last halving: db down")
}

func TestSummarizeAudit(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	summary, err := summarizeAudit(context.Background(), &fakeHistory{
		last:  storage.HalvingRecord{TxHash: "0xh", ExecutedAt: at},
		found: true,
		count: 3,
	}, at.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, int64(3), summary.RateChangesLastHour)
	assert.Equal(t, int64(3), summary.RateChangesLastDay)
	require.NotNil(t, summary.LastHalvingAt)
	assert.Equal(t, at, *summary.LastHalvingAt)
	assert.Equal(t, "0xh", summary.LastHalvingTx)
}

func sampleChanges(n int) []storage.RateChangeRecord {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	changes := make([]storage.RateChangeRecord, n)
	for i := range changes {
		changes[i] = storage.RateChangeRecord{
			TxHash:      "0x" + string(rune('a'+i%26)),
			OldAPY:      uint64(1000 + i*10),
			NewAPY:      uint64(1010 + i*10),
			Reason:      "ml decision\nline two",
			BlockNumber: uint64(100 + i),
			ChangedAt:   base.Add(time.Duration(i) * time.Hour),
		}
	}
	return changes
}

func TestDownsampleChangesKeepsEndpoints(t *testing.T) {
	changes := sampleChanges(10)

	assert.Len(t, downsampleChanges(changes, 0), 10)
	assert.Len(t, downsampleChanges(changes, 20), 10)

	out := downsampleChanges(changes, 4)
	require.Len(t, out, 4)
	assert.Equal(t, changes[0], out[0])
	assert.Equal(t, changes[9], out[3])

	single := downsampleChanges(changes, 1)
	require.Len(t, single, 1)
	assert.Equal(t, changes[9], single[0])
}

func TestExportWindow(t *testing.T) {
	now := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	from, to, err := exportWindow(ExportOptions{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, to)
	assert.Equal(t, now.Add(-defaultExportSpan), from)

	later := now.Add(time.Hour)
	_, _, err = exportWindow(ExportOptions{From: &later, To: &now}, now)
	assert.EqualError(t, err, "from must be before to")
}

func TestWriteChangesCSVAndPNG(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "nested", "rates.csv")
	pngPath := filepath.Join(dir, "nested", "rates.png")
	changes := sampleChanges(3)

	require.NoError(t, writeChangesCSV(csvPath, changes))
	file, err := os.Open(csvPath)
	require.NoError(t, err)
	defer file.Close()
	rows, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "new_apy_bps", rows[0][2])
	assert.Equal(t, []string{"2026-03-01T00:00:00Z", "1000", "1010", "10.10", "100", "0xa"}, rows[1][:6])

	require.NoError(t, writeChangesPNG(pngPath, changes))
	info, err := os.Stat(pngPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())

	require.NoError(t, writeChangesPNG(filepath.Join(dir, "single.png"), changes[:1]))
}

func TestExportRequiresOutput(t *testing.T) {
	a := newTestApp(t, nil)
	err := a.Export(context.Background(), ExportOptions{})
	assert.EqualError(t, err, "at least one of --csv or --png must be provided")

	err = a.Export(context.Background(), ExportOptions{CSVPath: "out.csv"})
	assert.EqualError(t, err, "database not configured; cannot export")
}

func TestHistoryRequiresDatabase(t *testing.T) {
	a := newTestApp(t, nil)
	err := a.History(context.Background(), HistoryOptions{Limit: 5}, &bytes.Buffer{})
	assert.EqualError(t, err, "database not configured; cannot show history")
}

func TestHistoryTables(t *testing.T) {
	var buf bytes.Buffer
	writeRateChanges(&buf, sampleChanges(2))
	writeHalvings(&buf, nil)

	out := buf.String()
	assert.Contains(t, out, "New APY")
	assert.Contains(t, out, "10.10")
	assert.Contains(t, out, "ml decision line two")
	assert.Contains(t, out, "no halvings found")
}

func TestTriggerOracleRequiresAssetPair(t *testing.T) {
	a := newTestApp(t, nil)
	err := a.TriggerOracle(context.Background(), domain.OracleData{}, &bytes.Buffer{})
	assert.EqualError(t, err, "asset pair is required")
}
