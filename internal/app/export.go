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

	"reactive-guard/internal/alert"
	"reactive-guard/internal/storage"
)

// Export renders archived alerts as CSV and/or a health-factor PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	q := storage.AlertQuery{}
	if opts.Subject != "" {
		subject, err := alert.NormalizeSubject(opts.Subject)
		if err != nil {
			return err
		}
		q.Subject = &subject
	}
	if opts.From != nil {
		q.From = opts.From.UTC()
	}
	if opts.To != nil {
		q.To = opts.To.UTC()
	}
	if !q.From.IsZero() && !q.To.IsZero() && !q.From.Before(q.To) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	defer closeStore()

	records, err := store.ListAlerts(ctx, q)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no alerts found for export window")
		return nil
	}

	downsampled := downsampleRecords(records, opts.MaxPoints)
	a.Logger.Info().Int("total", len(records)).Int("exported", len(downsampled)).Msg("exporting alerts")

	if opts.CSVPath != "" {
		if err := writeAlertsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		first, last := downsampled[0].Alert.ObservedAt, downsampled[len(downsampled)-1].Alert.ObservedAt
		if len(downsampled) < 2 || !first.Before(last) {
			a.Logger.Warn().Int("points", len(downsampled)).Msg("chart needs alerts at two distinct times; png skipped")
			return nil
		}
		if err := writeAlertsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRecords(records []storage.AlertRecord, max int) []storage.AlertRecord {
	if max <= 0 || len(records) <= max {
		return records
	}
	if max == 1 {
		return records[len(records)-1:]
	}

	result := make([]storage.AlertRecord, 0, max)
	step := float64(len(records)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(records) {
			idx = len(records) - 1
		}
		result = append(result, records[idx])
	}
	return result
}

var csvHeader = []string{
	"observed_at", "kind", "subject", "health_factor", "collateral_value",
	"borrowed_amount", "required_top_up", "block_number", "tx_hash", "log_index",
}

func writeAlertsCSV(path string, records []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}

	for _, rec := range records {
		al := rec.Alert
		topUp := ""
		if al.RequiredTopUp.Valid {
			topUp = al.RequiredTopUp.Decimal.String()
		}
		row := []string{
			al.ObservedAt.UTC().Format(time.RFC3339),
			al.Kind.String(),
			al.SubjectHex(),
			al.HealthFactor.String(),
			al.CollateralValue.String(),
			al.BorrowedAmount.String(),
			topUp,
			strconv.FormatUint(rec.BlockNumber, 10),
			rec.TxHash.Hex(),
			strconv.FormatUint(uint64(rec.LogIndex), 10),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeAlertsPNG(path string, records []storage.AlertRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(records))
	healthFactor := make([]float64, len(records))
	collateral := make([]float64, len(records))
	borrowed := make([]float64, len(records))

	for i, rec := range records {
		x[i] = rec.Alert.ObservedAt
		healthFactor[i] = rec.Alert.HealthFactor.InexactFloat64()
		collateral[i] = rec.Alert.CollateralValue.InexactFloat64()
		borrowed[i] = rec.Alert.BorrowedAmount.InexactFloat64()
	}

	hfFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Health factor",
			ValueFormatter: hfFormatter,
			Range:          flatRange(healthFactor),
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Value",
			ValueFormatter: valueFormatter,
			Range:          flatRange(collateral, borrowed),
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Health factor",
				XValues: x,
				YValues: healthFactor,
			},
			chart.TimeSeries{
				Name:    "Collateral",
				XValues: x,
				YValues: collateral,
				YAxis:   chart.YAxisSecondary,
			},
			chart.TimeSeries{
				Name:    "Borrowed",
				XValues: x,
				YValues: borrowed,
				YAxis:   chart.YAxisSecondary,
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

// flatRange pads a series whose values are all equal; go-chart cannot scale
// a zero-height axis. Other series are auto-scaled.
func flatRange(series ...[]float64) chart.Range {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, values := range series {
		for _, v := range values {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	if lo != hi {
		return nil
	}
	pad := math.Max(math.Abs(lo)*0.05, 1)
	return &chart.ContinuousRange{Min: lo - pad, Max: hi + pad}
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
