package alertstore

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"reactive-guard/internal/alert"
)

// DefaultCapacity is the number of alerts retained in memory.
const DefaultCapacity = 100

// Store is a bounded FIFO history of alerts with a per-subject index.
// Record is safe to call concurrently with readers; readers always observe
// a fully applied record.
type Store struct {
	mu        sync.RWMutex
	buf       []alert.Alert
	size      int
	next      uint64 // sequence number of the next record
	bySubject map[common.Address][]uint64
}

// New constructs a store holding at most capacity alerts.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		buf:       make([]alert.Alert, capacity),
		bySubject: make(map[common.Address][]uint64),
	}
}

// Record appends a, evicting the oldest alert when the store is full.
func (s *Store) Record(a alert.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()

	capacity := uint64(len(s.buf))
	seq := s.next
	slot := seq % capacity

	if s.size == len(s.buf) {
		evicted := s.buf[slot]
		s.dropIndex(evicted.Subject, seq-capacity)
	} else {
		s.size++
	}

	s.buf[slot] = a
	s.bySubject[a.Subject] = append(s.bySubject[a.Subject], seq)
	s.next++
}

func (s *Store) dropIndex(subject common.Address, seq uint64) {
	seqs := s.bySubject[subject]
	if len(seqs) > 0 && seqs[0] == seq {
		seqs = seqs[1:]
	}
	if len(seqs) == 0 {
		delete(s.bySubject, subject)
		return
	}
	s.bySubject[subject] = seqs
}

// Recent returns up to limit of the newest alerts, oldest first.
// A non-positive limit returns everything retained.
func (s *Store) Recent(limit int) []alert.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := s.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]alert.Alert, 0, n)
	capacity := uint64(len(s.buf))
	for seq := s.next - uint64(n); seq < s.next; seq++ {
		out = append(out, s.buf[seq%capacity])
	}
	return out
}

// ForSubject returns up to limit of the newest alerts concerning subject,
// oldest first. A non-positive limit returns every retained match.
func (s *Store) ForSubject(subject common.Address, limit int) []alert.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seqs := s.bySubject[subject]
	if limit > 0 && limit < len(seqs) {
		seqs = seqs[len(seqs)-limit:]
	}

	out := make([]alert.Alert, 0, len(seqs))
	capacity := uint64(len(s.buf))
	for _, seq := range seqs {
		out = append(out, s.buf[seq%capacity])
	}
	return out
}

// Len reports how many alerts are currently retained.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity reports the maximum number of retained alerts.
func (s *Store) Capacity() int {
	return len(s.buf)
}

// Total reports how many alerts were ever recorded, including evicted ones.
func (s *Store) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.next
}
