package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"

	"reactive-guard/internal/service"
	"reactive-guard/internal/storage"
)

// Backfill scans historical guardian logs over HTTP RPC, decodes them and
// archives the alerts. Nothing is broadcast to observers.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	contract, err := a.Config.RequireContract()
	if err != nil {
		return err
	}
	dec, err := a.newDecoder()
	if err != nil {
		return err
	}

	client := a.newChainClientFor(a.Config.Chain.RPCURL, contract)
	defer client.Close()

	head, err := client.Handshake(ctx)
	if err != nil {
		return err
	}
	to := opts.ToBlock
	if to == 0 || to > head {
		to = head
	}
	if opts.FromBlock > to {
		return fmt.Errorf("回填范围为空，请检查 --from-block/--to-block (head %d)", head)
	}

	var archive storage.AlertArchive
	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
	} else {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("database.dsn 未配置，无法回填")
		}
		defer closeStore()
		archive = store
	}

	var decoded, inserted, skipped, failed int
	err = client.ScanRange(ctx, opts.FromBlock, to, func(ctx context.Context, lg types.Log) error {
		al, err := dec.DecodeLog(lg)
		if err != nil {
			failed++
			a.Logger.Warn().Err(err).Uint64("block", lg.BlockNumber).Str("tx", lg.TxHash.Hex()).Msg("skipping undecodable log")
			return nil
		}
		decoded++
		if archive == nil {
			a.Logger.Info().
				Uint64("block", lg.BlockNumber).
				Str("kind", al.Kind.String()).
				Str("subject", al.SubjectHex()).
				Str("health_factor", al.HealthFactor.String()).
				Msg("decoded alert")
			return nil
		}

		ok, err := archive.InsertAlert(ctx, service.Record(lg, al))
		if err != nil {
			return err
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("backfill %d-%d: %w", opts.FromBlock, to, err)
	}

	a.Logger.Info().
		Uint64("from", opts.FromBlock).
		Uint64("to", to).
		Int("decoded", decoded).
		Int("inserted", inserted).
		Int("already_archived", skipped).
		Int("undecodable", failed).
		Msg("回填完成")
	return nil
}
