package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"policy-automation/internal/storage"
)

const defaultExportSpan = 30 * 24 * time.Hour

// Export renders the rate change history as CSV and/or a PNG step chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := exportWindow(opts, time.Now().UTC())
	if err != nil {
		return err
	}

	changes, err := store.ListRateChangesBetween(ctx, from, to, 0)
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		a.Logger.Info().Msg("no rate changes found for export window")
		return nil
	}

	downsampled := downsampleChanges(changes, opts.MaxPoints)
	a.Logger.Info().Int("total", len(changes)).Int("exported", len(downsampled)).Msg("exporting rate changes")

	if opts.CSVPath != "" {
		if err := writeChangesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeChangesPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func exportWindow(opts ExportOptions, now time.Time) (time.Time, time.Time, error) {
	to := now
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportSpan)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func downsampleChanges(changes []storage.RateChangeRecord, max int) []storage.RateChangeRecord {
	if max <= 0 || len(changes) <= max {
		return changes
	}
	if max == 1 {
		return changes[len(changes)-1:]
	}

	result := make([]storage.RateChangeRecord, 0, max)
	step := float64(len(changes)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(changes) {
			idx = len(changes) - 1
		}
		result = append(result, changes[idx])
	}
	return result
}

func writeChangesCSV(path string, changes []storage.RateChangeRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"changed_at", "old_apy_bps", "new_apy_bps", "new_apy_pct", "block_number", "tx_hash", "reason"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, change := range changes {
		record := []string{
			change.ChangedAt.UTC().Format(time.RFC3339),
			strconv.FormatUint(change.OldAPY, 10),
			strconv.FormatUint(change.NewAPY, 10),
			change.NewPercent().StringFixed(2),
			strconv.FormatUint(change.BlockNumber, 10),
			change.TxHash,
			change.Reason,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeChangesPNG(path string, changes []storage.RateChangeRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	// go-chart needs at least two points to draw a series.
	if len(changes) == 1 {
		only := changes[0]
		prior := only
		prior.ChangedAt = only.ChangedAt.Add(-time.Hour)
		prior.NewAPY = only.OldAPY
		changes = []storage.RateChangeRecord{prior, only}
	}

	x := make([]time.Time, len(changes))
	apy := make([]float64, len(changes))
	for i, change := range changes {
		x[i] = change.ChangedAt
		apy[i] = change.NewPercent().InexactFloat64()
	}

	percentFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Staking APY (%)",
			ValueFormatter: percentFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "APY",
				XValues: x,
				YValues: apy,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
