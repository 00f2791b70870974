package alertstore

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"pgregory.net/rapid"

	"reactive-guard/internal/alert"
)

var subjectPool = []common.Address{
	common.HexToAddress("0x1000000000000000000000000000000000000001"),
	common.HexToAddress("0x2000000000000000000000000000000000000002"),
	common.HexToAddress("0x3000000000000000000000000000000000000003"),
}

func genRecords(t *rapid.T) []alert.Alert {
	n := rapid.IntRange(0, 250).Draw(t, "n")
	out := make([]alert.Alert, n)
	for i := range out {
		subject := rapid.SampledFrom(subjectPool).Draw(t, "subject")
		out[i] = warningAt(subject, i+1)
	}
	return out
}

// Capacity: after N_max+k records only the last N_max survive, oldest first.
func TestCapacityProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		capacity := rapid.IntRange(1, 120).Draw(rt, "capacity")
		records := genRecords(rt)

		s := New(capacity)
		for _, a := range records {
			s.Record(a)
		}

		want := records
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		got := s.Recent(capacity)
		if len(got) != len(want) {
			rt.Fatalf("want %d retained, got %d", len(want), len(got))
		}
		for i := range want {
			if seqOf(got[i]) != seqOf(want[i]) {
				rt.Fatalf("position %d: want seq %d, got %d", i, seqOf(want[i]), seqOf(got[i]))
			}
		}
		if s.Total() != uint64(len(records)) {
			rt.Fatalf("total: want %d, got %d", len(records), s.Total())
		}

		// Evicted records are unreachable through subject queries too.
		evicted := len(records) - len(want)
		for _, subject := range subjectPool {
			for _, a := range s.ForSubject(subject, 0) {
				if seqOf(a) <= int64(evicted) {
					rt.Fatalf("evicted seq %d still visible for %s", seqOf(a), subject.Hex())
				}
			}
		}
	})
}

// Ordering and isolation: queries preserve record order and never mix subjects.
func TestOrderingAndIsolationProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		s := New(DefaultCapacity)
		for _, a := range genRecords(rt) {
			s.Record(a)
		}

		recent := s.Recent(0)
		for i := 1; i < len(recent); i++ {
			if seqOf(recent[i-1]) >= seqOf(recent[i]) {
				rt.Fatalf("recent history reordered at %d", i)
			}
		}

		total := 0
		for _, subject := range subjectPool {
			hist := s.ForSubject(subject, 0)
			total += len(hist)
			for i, a := range hist {
				if a.Subject != subject {
					rt.Fatalf("subject %s history contains %s", subject.Hex(), a.Subject.Hex())
				}
				if i > 0 && seqOf(hist[i-1]) >= seqOf(a) {
					rt.Fatalf("subject history reordered at %d", i)
				}
			}
		}
		if total != len(recent) {
			rt.Fatalf("subject index covers %d alerts, store holds %d", total, len(recent))
		}
	})
}
