package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/chain"
	"reactive-guard/internal/decoder"
	"reactive-guard/internal/storage"
)

var subject = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type recordingPublisher struct {
	alerts []alert.Alert
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, a alert.Alert) error {
	if p.err != nil {
		return p.err
	}
	p.alerts = append(p.alerts, a)
	return nil
}

type fakeArchive struct {
	mu      sync.Mutex
	records []storage.AlertRecord
	cutoff  time.Time
	err     error
}

func (f *fakeArchive) InsertAlert(ctx context.Context, rec storage.AlertRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	f.records = append(f.records, rec)
	return true, nil
}

func (f *fakeArchive) ListRecentAlerts(ctx context.Context, limit int) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (f *fakeArchive) ListAlerts(ctx context.Context, q storage.AlertQuery) ([]storage.AlertRecord, error) {
	return nil, nil
}

func (f *fakeArchive) CountAlerts(ctx context.Context) (int64, error) {
	return int64(len(f.records)), nil
}

func (f *fakeArchive) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = olderThan
	return 3, nil
}

type countingEnqueuer struct{ alerts []alert.Alert }

func (c *countingEnqueuer) Enqueue(a alert.Alert) bool {
	c.alerts = append(c.alerts, a)
	return true
}

// sliceSource replays a fixed list of logs.
type sliceSource struct{ logs []types.Log }

func (s *sliceSource) Run(ctx context.Context, handle chain.Handler) error {
	for _, lg := range s.logs {
		handle(ctx, lg)
	}
	return nil
}

func (s *sliceSource) State() chain.State { return chain.Active }

func guardianLog(t *testing.T, a alert.Alert, tx byte, index uint) types.Log {
	t.Helper()
	topics, data, err := decoder.EncodeLog(a)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return types.Log{Topics: topics, Data: data, TxHash: common.BytesToHash([]byte{tx}), Index: index, BlockNumber: uint64(tx)}
}

func warning(hf string) alert.Alert {
	return alert.Alert{
		Kind:            alert.Warning,
		Subject:         subject,
		HealthFactor:    decimal.RequireFromString(hf),
		CollateralValue: decimal.RequireFromString("100"),
		BorrowedAmount:  decimal.RequireFromString("80"),
		ObservedAt:      time.Unix(1700000000, 0).UTC(),
	}
}

func newService(t *testing.T, src chain.Source, pub Publisher, archive storage.AlertArchive, notifier Enqueuer) *Service {
	t.Helper()
	svc, err := New(src, decoder.New(decoder.DispatchAuto), pub, archive, notifier, Options{DedupWindow: 8}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestPipelineProcessesInOrder(t *testing.T) {
	first := guardianLog(t, warning("1.18"), 1, 0)
	malformed := types.Log{Topics: first.Topics, Data: first.Data[:40], TxHash: common.BytesToHash([]byte{2})}
	removed := guardianLog(t, warning("1.30"), 3, 0)
	removed.Removed = true
	second := guardianLog(t, warning("1.12"), 4, 1)

	src := &sliceSource{logs: []types.Log{first, malformed, first, removed, second}}
	pub := &recordingPublisher{}
	archive := &fakeArchive{}
	notifier := &countingEnqueuer{}
	svc := newService(t, src, pub, archive, notifier)

	if err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(pub.alerts) != 2 {
		t.Fatalf("want 2 published alerts, got %d", len(pub.alerts))
	}
	if pub.alerts[0].HealthFactor.String() != "1.18" || pub.alerts[1].HealthFactor.String() != "1.12" {
		t.Fatalf("publish order broken: %v, %v", pub.alerts[0].HealthFactor, pub.alerts[1].HealthFactor)
	}
	if len(archive.records) != 2 || archive.records[1].LogIndex != 1 || archive.records[1].BlockNumber != 4 {
		t.Fatalf("archive records wrong: %+v", archive.records)
	}
	if len(notifier.alerts) != 2 {
		t.Fatalf("notifier should see every published alert, got %d", len(notifier.alerts))
	}

	stats := svc.Stats()
	if stats.Published != 2 || stats.Duplicates != 1 || stats.Rejected != 1 || stats.Archived != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestArchiveFailureDoesNotStopPipeline(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newService(t, nil, pub, &fakeArchive{err: errors.New("db down")}, nil)

	svc.HandleLog(context.Background(), guardianLog(t, warning("1.1"), 1, 0))
	svc.HandleLog(context.Background(), guardianLog(t, warning("1.2"), 2, 0))

	if len(pub.alerts) != 2 {
		t.Fatalf("publishing must continue when archiving fails, got %d", len(pub.alerts))
	}
	if svc.Stats().Archived != 0 {
		t.Fatalf("nothing should count as archived")
	}
}

func TestPublishFailureSkipsSideEffects(t *testing.T) {
	archive := &fakeArchive{}
	notifier := &countingEnqueuer{}
	svc := newService(t, nil, &recordingPublisher{err: errors.New("router: closed")}, archive, notifier)

	svc.HandleLog(context.Background(), guardianLog(t, warning("1.1"), 1, 0))
	if len(archive.records) != 0 || len(notifier.alerts) != 0 {
		t.Fatalf("unpublished alerts must not be archived or notified")
	}
}

func TestRunWithoutSource(t *testing.T) {
	svc := newService(t, nil, &recordingPublisher{}, nil, nil)
	if err := svc.Run(context.Background()); err == nil {
		t.Fatalf("expected error without source")
	}
}

type fakeLocker struct{ acquired bool }

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	return func() {}, f.acquired, nil
}

func TestRetentionPrune(t *testing.T) {
	archive := &fakeArchive{}
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	r := NewRetention(archive, &fakeLocker{acquired: true}, RetentionOptions{Interval: time.Hour, MaxAge: 24 * time.Hour, LockKey: 1}, zerolog.Nop())
	r.now = func() time.Time { return now }
	if err := r.Prune(context.Background(), now); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !archive.cutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("cutoff wrong: %s", archive.cutoff)
	}

	skipped := &fakeArchive{}
	r = NewRetention(skipped, &fakeLocker{acquired: false}, RetentionOptions{Interval: time.Hour, MaxAge: time.Hour, LockKey: 1}, zerolog.Nop())
	if err := r.Prune(context.Background(), now); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !skipped.cutoff.IsZero() {
		t.Fatalf("pruning must be skipped when another relay holds the lock")
	}
}
