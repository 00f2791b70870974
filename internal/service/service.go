package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/chain"
	"reactive-guard/internal/decoder"
	"reactive-guard/internal/storage"
)

// Publisher records and fans out a decoded alert.
type Publisher interface {
	Publish(ctx context.Context, a alert.Alert) error
}

// Enqueuer accepts alerts for asynchronous notification.
type Enqueuer interface {
	Enqueue(a alert.Alert) bool
}

// Options tune the pipeline.
type Options struct {
	DedupWindow    int
	ArchiveTimeout time.Duration
}

// Stats counts pipeline outcomes.
type Stats struct {
	Published  uint64
	Duplicates uint64
	Rejected   uint64
	Archived   uint64
}

type logKey struct {
	tx    common.Hash
	index uint
}

// Service wires the chain source through the decoder into the router, with
// optional archive and notifier side effects.
type Service struct {
	source    chain.Source
	decoder   *decoder.Decoder
	publisher Publisher
	archive   storage.AlertArchive
	notifier  Enqueuer
	opts      Options
	logger    zerolog.Logger

	seen *lru.Cache[logKey, struct{}]

	published  atomic.Uint64
	duplicates atomic.Uint64
	rejected   atomic.Uint64
	archived   atomic.Uint64
}

// New constructs the pipeline. archive and notifier may be nil.
func New(source chain.Source, dec *decoder.Decoder, publisher Publisher, archive storage.AlertArchive, notifier Enqueuer, opts Options, logger zerolog.Logger) (*Service, error) {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 4096
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = 5 * time.Second
	}

	seen, err := lru.New[logKey, struct{}](opts.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("create dedup window: %w", err)
	}

	return &Service{
		source:    source,
		decoder:   dec,
		publisher: publisher,
		archive:   archive,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		seen:      seen,
	}, nil
}

// Run drives the configured source until ctx is cancelled or the source
// terminates.
func (s *Service) Run(ctx context.Context) error {
	if s.source == nil {
		return fmt.Errorf("chain source not configured")
	}
	return s.source.Run(ctx, s.HandleLog)
}

// HandleLog processes one raw log. Failures are logged and never propagate;
// the next log is processed regardless.
func (s *Service) HandleLog(ctx context.Context, lg types.Log) {
	if lg.Removed {
		return
	}

	key := logKey{tx: lg.TxHash, index: lg.Index}
	if lg.TxHash != (common.Hash{}) {
		if ok, _ := s.seen.ContainsOrAdd(key, struct{}{}); ok {
			s.duplicates.Add(1)
			s.logger.Debug().Str("tx", lg.TxHash.Hex()).Uint("index", lg.Index).Msg("duplicate log skipped")
			return
		}
	}

	a, err := s.decoder.DecodeLog(lg)
	if err != nil {
		s.rejected.Add(1)
		var decErr *decoder.DecodeError
		event := s.logger.Warn().Err(err).Str("tx", lg.TxHash.Hex()).Uint64("block", lg.BlockNumber)
		if errors.As(err, &decErr) {
			event = event.Int("topics", decErr.Topics).Int("data_len", decErr.DataLen)
		}
		event.Msg("discarding undecodable guardian log")
		return
	}

	if err := s.publisher.Publish(ctx, a); err != nil {
		// only happens on shutdown
		s.logger.Error().Err(err).Str("subject", a.SubjectHex()).Msg("failed to publish alert")
		return
	}
	s.published.Add(1)

	if s.archive != nil {
		s.store(ctx, Record(lg, a))
	}
	if s.notifier != nil {
		s.notifier.Enqueue(a)
	}
}

func (s *Service) store(ctx context.Context, rec storage.AlertRecord) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ArchiveTimeout)
	defer cancel()

	inserted, err := s.archive.InsertAlert(ctx, rec)
	if err != nil {
		s.logger.Error().Err(err).Str("tx", rec.TxHash.Hex()).Msg("failed to archive alert")
		return
	}
	if inserted {
		s.archived.Add(1)
	}
}

// Stats returns a snapshot of pipeline counters.
func (s *Service) Stats() Stats {
	return Stats{
		Published:  s.published.Load(),
		Duplicates: s.duplicates.Load(),
		Rejected:   s.rejected.Load(),
		Archived:   s.archived.Load(),
	}
}

// Record pairs a decoded alert with the identity of its log.
func Record(lg types.Log, a alert.Alert) storage.AlertRecord {
	return storage.AlertRecord{
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Alert:       a,
	}
}
