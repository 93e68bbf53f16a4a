package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"policy-automation/internal/storage"
)

// History prints recent rate changes and halvings from the audit trail.
func (a *App) History(ctx context.Context, opts HistoryOptions, w io.Writer) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show history")
	}
	if closeStore != nil {
		defer closeStore()
	}

	changes, err := store.ListRecentRateChanges(ctx, opts.Limit)
	if err != nil {
		return err
	}
	halvings, err := store.ListRecentHalvings(ctx, opts.Limit)
	if err != nil {
		return err
	}

	writeRateChanges(w, changes)
	fmt.Fprintln(w)
	writeHalvings(w, halvings)
	return nil
}

func writeRateChanges(w io.Writer, changes []storage.RateChangeRecord) {
	if len(changes) == 0 {
		fmt.Fprintln(w, "no rate changes found")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tOld APY\tNew APY\tNew %\tBlock\tTx\tReason")
	for _, change := range changes {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%d\t%s\t%s\n",
			change.ChangedAt.UTC().Format(time.RFC3339),
			change.OldAPY,
			change.NewAPY,
			change.NewPercent().StringFixed(2),
			change.BlockNumber,
			change.TxHash,
			sanitizeInline(change.Reason),
		)
	}
	writer.Flush()
}

func writeHalvings(w io.Writer, halvings []storage.HalvingRecord) {
	if len(halvings) == 0 {
		fmt.Fprintln(w, "no halvings found")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Halved At (UTC)\tBlock\tTx\tReason")
	for _, h := range halvings {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%s\t%s\n",
			h.ExecutedAt.UTC().Format(time.RFC3339),
			h.BlockNumber,
			h.TxHash,
			sanitizeInline(h.Reason),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
