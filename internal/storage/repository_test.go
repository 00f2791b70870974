package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/config"
)

func getTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("REACTIVEGUARD_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("REACTIVEGUARD_TEST_DATABASE_DSN not set; skipping archive test")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, config.DatabaseConfig{DSN: dsn, MaxOpenConns: 4})
	if err != nil {
		t.Skipf("skipping DB test (cannot connect): %v", err)
	}
	store := NewStore(pool)
	t.Cleanup(store.Close)

	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE guardian_alerts`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

var (
	subjectA = common.HexToAddress("0x000000000000000000000000000000000000a11c")
	subjectB = common.HexToAddress("0x000000000000000000000000000000000000b0b0")
)

func record(tx byte, index uint, subject common.Address, kind alert.Kind, observed time.Time) AlertRecord {
	a := alert.Alert{
		Kind:         kind,
		Subject:      subject,
		HealthFactor: decimal.RequireFromString("1.04"),
		ObservedAt:   observed,
	}
	if kind != alert.Safe {
		a.CollateralValue = decimal.RequireFromString("1500.5")
		a.BorrowedAmount = decimal.RequireFromString("1000")
	}
	if kind == alert.Critical {
		a.RequiredTopUp = decimal.NewNullDecimal(decimal.RequireFromString("0.25"))
	}
	return AlertRecord{TxHash: common.BytesToHash([]byte{tx}), LogIndex: index, BlockNumber: uint64(tx), Alert: a}
}

func TestArchiveRoundTrip(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	recs := []AlertRecord{
		record(1, 0, subjectA, alert.Warning, base),
		record(2, 3, subjectA, alert.Critical, base.Add(time.Minute)),
		record(3, 0, subjectB, alert.Safe, base.Add(2*time.Minute)),
	}
	for _, rec := range recs {
		inserted, err := store.InsertAlert(ctx, rec)
		if err != nil || !inserted {
			t.Fatalf("insert: inserted=%v err=%v", inserted, err)
		}
	}

	inserted, err := store.InsertAlert(ctx, recs[1])
	if err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate (tx_hash, log_index) must not be archived twice")
	}

	count, err := store.CountAlerts(ctx)
	if err != nil || count != 3 {
		t.Fatalf("count: %d err=%v", count, err)
	}

	forA, err := store.ListAlertsForSubject(ctx, subjectA, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("list subject: %v", err)
	}
	if len(forA) != 2 || forA[0].Alert.Kind != alert.Warning || forA[1].Alert.Kind != alert.Critical {
		t.Fatalf("unexpected subject history %+v", forA)
	}
	crit := forA[1]
	if !crit.Alert.RequiredTopUp.Valid || !crit.Alert.RequiredTopUp.Decimal.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("required top-up lost: %+v", crit.Alert.RequiredTopUp)
	}
	if crit.LogIndex != 3 || crit.TxHash != recs[1].TxHash || !crit.Alert.ObservedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("log identity lost: %+v", crit)
	}

	recent, err := store.ListRecentAlerts(ctx, 1)
	if err != nil || len(recent) != 1 || recent[0].Alert.Subject != subjectB {
		t.Fatalf("recent: %+v err=%v", recent, err)
	}

	windowed, err := store.ListAlerts(ctx, AlertQuery{From: base.Add(30 * time.Second), To: base.Add(2 * time.Minute)})
	if err != nil || len(windowed) != 1 || windowed[0].Alert.Kind != alert.Critical {
		t.Fatalf("window: %+v err=%v", windowed, err)
	}

	deleted, err := store.DeleteAlertsBefore(ctx, base.Add(90*time.Second))
	if err != nil || deleted != 2 {
		t.Fatalf("delete: %d err=%v", deleted, err)
	}
}

func TestAdvisoryLockExclusive(t *testing.T) {
	store := getTestStore(t)
	ctx := context.Background()

	unlock, ok, err := store.TryAdvisoryLock(ctx, 0x5eed)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	_, again, err := store.TryAdvisoryLock(ctx, 0x5eed)
	if err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if again {
		t.Fatalf("advisory lock must be exclusive across sessions")
	}
	unlock()
}

func TestNilStoreNotConfigured(t *testing.T) {
	var s *Store
	if _, err := s.InsertAlert(context.Background(), AlertRecord{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("want ErrNotConfigured, got %v", err)
	}
	s.Close()
}

func TestAlertColumnsRecord(t *testing.T) {
	topUp := "0.25"
	observed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	cols := alertColumns{
		id:              7,
		txHash:          "0x00000000000000000000000000000000000000000000000000000000000000ab",
		logIndex:        2,
		blockNumber:     99,
		kind:            "critical",
		subject:         "0x000000000000000000000000000000000000A11C",
		healthFactor:    "1.040000000000000000",
		collateralValue: "10",
		borrowedAmount:  "9",
		requiredTopUp:   &topUp,
		observedAt:      observed,
	}

	rec, err := cols.record()
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.Alert.Subject != subjectA || rec.Alert.Kind != alert.Critical || rec.BlockNumber != 99 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := rec.Alert.Validate(); err != nil {
		t.Fatalf("restored alert invalid: %v", err)
	}

	cols.kind = "meltdown"
	if _, err := cols.record(); !errors.Is(err, alert.ErrUnknownKind) {
		t.Fatalf("want ErrUnknownKind, got %v", err)
	}
}
