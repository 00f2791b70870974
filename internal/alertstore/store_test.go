package alertstore

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"reactive-guard/internal/alert"
)

var (
	subjectA = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	subjectB = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
)

func warningAt(subject common.Address, seq int) alert.Alert {
	return alert.Alert{
		Kind:         alert.Warning,
		Subject:      subject,
		HealthFactor: decimal.NewFromInt(int64(seq)),
		ObservedAt:   time.Unix(int64(1700000000+seq), 0).UTC(),
	}
}

func seqOf(a alert.Alert) int64 {
	return a.HealthFactor.IntPart()
}

func TestRecordEvictsOldestFirst(t *testing.T) {
	s := New(3)
	for i := 1; i <= 5; i++ {
		s.Record(warningAt(subjectA, i))
	}

	got := s.Recent(0)
	if len(got) != 3 {
		t.Fatalf("want 3 retained, got %d", len(got))
	}
	for i, want := range []int64{3, 4, 5} {
		if seqOf(got[i]) != want {
			t.Fatalf("position %d: want seq %d, got %d", i, want, seqOf(got[i]))
		}
	}
	if s.Total() != 5 {
		t.Fatalf("total should count evicted alerts, got %d", s.Total())
	}
	if s.Len() != 3 || s.Capacity() != 3 {
		t.Fatalf("len/capacity: %d/%d", s.Len(), s.Capacity())
	}
}

func TestRecentLimit(t *testing.T) {
	s := New(10)
	for i := 1; i <= 6; i++ {
		s.Record(warningAt(subjectA, i))
	}

	got := s.Recent(2)
	if len(got) != 2 || seqOf(got[0]) != 5 || seqOf(got[1]) != 6 {
		t.Fatalf("Recent(2) should return the last two oldest-first, got %v", got)
	}
	if len(s.Recent(50)) != 6 {
		t.Fatal("limit larger than size should return everything")
	}
}

func TestEmptyStore(t *testing.T) {
	s := New(0)
	if s.Capacity() != DefaultCapacity {
		t.Fatalf("default capacity: %d", s.Capacity())
	}
	if got := s.Recent(20); len(got) != 0 {
		t.Fatalf("empty store returned %d alerts", len(got))
	}
	if got := s.ForSubject(subjectA, 0); len(got) != 0 {
		t.Fatalf("empty store returned %d subject alerts", len(got))
	}
}

func TestForSubjectIsolationAndEviction(t *testing.T) {
	s := New(4)
	s.Record(warningAt(subjectA, 1))
	s.Record(warningAt(subjectB, 2))
	s.Record(warningAt(subjectA, 3))
	s.Record(warningAt(subjectB, 4))
	s.Record(warningAt(subjectA, 5)) // evicts seq 1 (A)
	s.Record(warningAt(subjectA, 6)) // evicts seq 2 (B)

	a := s.ForSubject(subjectA, 0)
	if len(a) != 3 || seqOf(a[0]) != 3 || seqOf(a[1]) != 5 || seqOf(a[2]) != 6 {
		t.Fatalf("subject A history wrong: %v", a)
	}
	b := s.ForSubject(subjectB, 0)
	if len(b) != 1 || seqOf(b[0]) != 4 {
		t.Fatalf("subject B history wrong: %v", b)
	}
	if got := s.ForSubject(subjectA, 1); len(got) != 1 || seqOf(got[0]) != 6 {
		t.Fatalf("ForSubject limit should keep newest, got %v", got)
	}

	s.Record(warningAt(subjectA, 7)) // evicts seq 3 (A)
	s.Record(warningAt(subjectA, 8)) // evicts seq 4 (B)
	if got := s.ForSubject(subjectB, 0); len(got) != 0 {
		t.Fatalf("subject B should be fully evicted, got %v", got)
	}
	if _, ok := s.bySubject[subjectB]; ok {
		t.Fatal("empty subject index entry should be removed")
	}
}

func TestRecentReturnsCopy(t *testing.T) {
	s := New(2)
	s.Record(warningAt(subjectA, 1))
	got := s.Recent(0)
	got[0].Kind = alert.Critical
	if s.Recent(0)[0].Kind != alert.Warning {
		t.Fatal("callers must not be able to mutate stored alerts")
	}
}
