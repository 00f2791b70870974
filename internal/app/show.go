package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/storage"
)

// Show prints archived alerts, newest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	defer closeStore()

	var records []storage.AlertRecord
	if opts.Subject != "" {
		subject, err := alert.NormalizeSubject(opts.Subject)
		if err != nil {
			return err
		}
		records, err = store.ListAlerts(ctx, storage.AlertQuery{Subject: &subject})
		if err != nil {
			return err
		}
		records = newestFirst(records, opts.Limit)
	} else {
		records, err = store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
	}

	return writeAlertTable(os.Stdout, records)
}

// newestFirst reverses chain-ordered records and keeps at most limit.
func newestFirst(records []storage.AlertRecord, limit int) []storage.AlertRecord {
	out := make([]storage.AlertRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, records[i])
	}
	return out
}

func writeAlertTable(w io.Writer, records []storage.AlertRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Observed (UTC)\tKind\tSubject\tHF\tCollateral\tBorrowed\tTop-up\tBlock\tTx")

	for _, rec := range records {
		al := rec.Alert
		topUp := "-"
		if al.RequiredTopUp.Valid {
			topUp = formatDecimal(al.RequiredTopUp.Decimal, 4)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			al.ObservedAt.UTC().Format(time.RFC3339),
			al.Kind,
			al.SubjectHex(),
			formatDecimal(al.HealthFactor, 4),
			formatDecimal(al.CollateralValue, 2),
			formatDecimal(al.BorrowedAmount, 2),
			topUp,
			rec.BlockNumber,
			shortHash(rec.TxHash.Hex()),
		)
	}

	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func shortHash(h string) string {
	if len(h) <= 14 {
		return h
	}
	return h[:10] + "…" + h[len(h)-4:]
}
