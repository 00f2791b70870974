package app

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/decoder"
	"reactive-guard/internal/storage"
)

const subjectHex = "0x00000000000000000000000000000000000000aa"

func record(block uint64, hf string, at time.Time) storage.AlertRecord {
	return storage.AlertRecord{
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		LogIndex:    1,
		BlockNumber: block,
		Alert: alert.Alert{
			Kind:            alert.Warning,
			Subject:         common.HexToAddress(subjectHex),
			HealthFactor:    decimal.RequireFromString(hf),
			CollateralValue: decimal.RequireFromString("100"),
			BorrowedAmount:  decimal.RequireFromString("85"),
			ObservedAt:      at,
		},
	}
}

func TestSimulateRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 30, 0, 0, time.UTC)
	al, payload, err := simulate(decoder.New(decoder.DispatchAuto), SimulateOptions{
		Kind:       "critical",
		Subject:    strings.ToUpper(subjectHex),
		HF:         "1.02",
		Collateral: "1000",
		Borrowed:   "980.5",
		TopUp:      "120",
	}, now)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if al.Kind != alert.Critical || !al.RequiredTopUp.Valid || al.RequiredTopUp.Decimal.String() != "120" {
		t.Fatalf("unexpected alert %+v", al)
	}

	var wire map[string]interface{}
	if err := json.Unmarshal(payload, &wire); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	want := map[string]interface{}{
		"type":            "critical",
		"user":            subjectHex,
		"healthFactor":    "1.02",
		"collateralValue": "1000",
		"borrowedAmount":  "980.5",
		"requiredTopUp":   "120",
		"timestamp":       float64(now.UnixMilli()),
	}
	for k, v := range want {
		if wire[k] != v {
			t.Fatalf("%s: want %v, got %v", k, v, wire[k])
		}
	}
}

func TestSimulateSafeIgnoresAmounts(t *testing.T) {
	al, payload, err := simulate(decoder.New(decoder.DispatchAuto), SimulateOptions{
		Kind:       "safe",
		Subject:    subjectHex,
		HF:         "2.5",
		Collateral: "500",
	}, time.Unix(1700000000, 0))
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !al.CollateralValue.IsZero() || !al.BorrowedAmount.IsZero() {
		t.Fatalf("safe alert must carry zero values: %+v", al)
	}
	if strings.Contains(string(payload), "requiredTopUp") {
		t.Fatalf("safe payload must not carry requiredTopUp: %s", payload)
	}
}

func TestSimulateRejectsBadInput(t *testing.T) {
	dec := decoder.New(decoder.DispatchAuto)
	cases := map[string]SimulateOptions{
		"kind":    {Kind: "panic", Subject: subjectHex, HF: "1"},
		"subject": {Kind: "warning", Subject: "0x12", HF: "1"},
		"hf":      {Kind: "warning", Subject: subjectHex, HF: "abc"},
		"负数":      {Kind: "warning", Subject: subjectHex, HF: "-1"},
		"精度":      {Kind: "warning", Subject: subjectHex, HF: "0.0000000000000000001"},
	}
	for name, opts := range cases {
		if _, _, err := simulate(dec, opts, time.Unix(1700000000, 0)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestDownsampleRecords(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	records := make([]storage.AlertRecord, 10)
	for i := range records {
		records[i] = record(uint64(i+1), "1.1", base.Add(time.Duration(i)*time.Minute))
	}

	if got := downsampleRecords(records, 0); len(got) != 10 {
		t.Fatalf("zero max keeps everything, got %d", len(got))
	}
	got := downsampleRecords(records, 4)
	if len(got) != 4 {
		t.Fatalf("want 4 points, got %d", len(got))
	}
	if got[0].BlockNumber != 1 || got[3].BlockNumber != 10 {
		t.Fatalf("downsample must keep both ends: %d..%d", got[0].BlockNumber, got[3].BlockNumber)
	}
	if one := downsampleRecords(records, 1); len(one) != 1 || one[0].BlockNumber != 10 {
		t.Fatalf("single point should be the latest: %+v", one)
	}
}

func TestNewestFirst(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	records := []storage.AlertRecord{
		record(1, "1.3", base),
		record(2, "1.2", base.Add(time.Minute)),
		record(3, "1.1", base.Add(2*time.Minute)),
	}
	got := newestFirst(records, 2)
	if len(got) != 2 || got[0].BlockNumber != 3 || got[1].BlockNumber != 2 {
		t.Fatalf("unexpected order: %+v", got)
	}
	if all := newestFirst(records, 0); len(all) != 3 {
		t.Fatalf("zero limit keeps everything, got %d", len(all))
	}
}

func TestWriteAlertTable(t *testing.T) {
	var buf bytes.Buffer
	if err := writeAlertTable(&buf, nil); err != nil {
		t.Fatalf("empty table: %v", err)
	}
	if !strings.Contains(buf.String(), "no alerts found") {
		t.Fatalf("unexpected empty output %q", buf.String())
	}

	buf.Reset()
	rec := record(42, "1.15", time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err := writeAlertTable(&buf, []storage.AlertRecord{rec}); err != nil {
		t.Fatalf("table: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"2026-01-02T03:04:05Z", "warning", subjectHex, "1.1500", "100.00", "42"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
}

func TestWriteAlertsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alerts.csv")
	crit := record(7, "1.01", time.Unix(1700000000, 0).UTC())
	crit.Alert.Kind = alert.Critical
	crit.Alert.RequiredTopUp = decimal.NewNullDecimal(decimal.RequireFromString("12.5"))

	if err := writeAlertsCSV(path, []storage.AlertRecord{record(6, "1.2", time.Unix(1699999000, 0).UTC()), crit}); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("want header + 2 rows, got %d", len(rows))
	}
	if rows[0][0] != "observed_at" || rows[1][6] != "" || rows[2][6] != "12.5" || rows[2][1] != "critical" {
		t.Fatalf("unexpected csv rows: %v", rows)
	}
}

func TestWriteAlertsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hf.png")
	base := time.Unix(1700000000, 0).UTC()
	records := []storage.AlertRecord{
		record(1, "1.4", base),
		record(2, "1.2", base.Add(time.Hour)),
		record(3, "1.05", base.Add(2*time.Hour)),
	}
	if err := writeAlertsPNG(path, records); err != nil {
		t.Fatalf("render png: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
}
