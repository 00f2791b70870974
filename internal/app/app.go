package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"reactive-guard/internal/alert"
	"reactive-guard/internal/alerting"
	"reactive-guard/internal/alertstore"
	"reactive-guard/internal/chain"
	"reactive-guard/internal/config"
	"reactive-guard/internal/decoder"
	"reactive-guard/internal/router"
	"reactive-guard/internal/server"
	"reactive-guard/internal/service"
	"reactive-guard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newDispatcher() (*alerting.Dispatcher, error) {
	if !a.Config.Alerting.Enabled {
		return nil, nil
	}
	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel configured; notifications disabled")
		return nil, nil
	}
	minKind, err := alert.ParseKind(a.Config.Alerting.MinKind)
	if err != nil {
		return nil, err
	}
	return alerting.NewDispatcher(notifier, alerting.DispatcherOptions{
		MinKind:   minKind,
		QueueSize: a.Config.Alerting.QueueSize,
		Channels:  a.Config.Alerting.Channels,
	}, a.Logger), nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if !a.Config.Database.Enabled() {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) newChainClient(contract common.Address) *chain.Client {
	url := a.Config.Chain.WSURL
	if a.Config.Chain.Mode == "poll" {
		url = a.Config.Chain.RPCURL
	}
	return a.newChainClientFor(url, contract)
}

func (a *App) newChainClientFor(url string, contract common.Address) *chain.Client {
	return chain.NewClient(chain.Options{
		URL:            url,
		Contract:       contract,
		RequestTimeout: a.Config.Chain.RequestTimeout,
		MaxBlockRange:  a.Config.Chain.MaxBlockRange,
	}, nil, a.Logger)
}

func (a *App) newSource(client *chain.Client) chain.Source {
	if a.Config.Chain.Mode == "poll" {
		return chain.NewPollSource(client, a.Config.Chain.PollInterval, a.Logger)
	}
	retry := a.Config.Subscription.Retry
	return chain.NewSubscribeSource(client, chain.SubscribeOptions{
		Retry: chain.RetryPolicy{
			Enabled:        retry.Enabled,
			InitialBackoff: retry.InitialBackoff,
			MaxBackoff:     retry.MaxBackoff,
			MaxAttempts:    retry.MaxAttempts,
		},
		GapFill: a.Config.Chain.GapFill,
	}, a.Logger)
}

func (a *App) newDecoder() (*decoder.Decoder, error) {
	dispatch, err := decoder.ParseDispatch(a.Config.Decoder.Dispatch)
	if err != nil {
		return nil, err
	}
	return decoder.New(dispatch), nil
}

// Run executes the long-running relay until interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	contract, err := a.Config.RequireContract()
	if err != nil {
		return err
	}
	dec, err := a.newDecoder()
	if err != nil {
		return err
	}

	client := a.newChainClient(contract)
	defer client.Close()
	if _, err := client.Handshake(ctx); err != nil {
		return err
	}
	source := a.newSource(client)

	history := alertstore.New(a.Config.Store.Capacity)
	rt := router.New(history, router.Options{
		BacklogLimit:        a.Config.Store.BacklogLimit,
		SubjectBacklogLimit: a.Config.Store.SubjectBacklogLimit,
		SendBuffer:          a.Config.Server.SendBuffer,
	}, a.Logger)

	srv := server.New(rt, server.Options{
		Addr:           a.Config.Server.Addr(),
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		WriteTimeout:   a.Config.Server.WriteTimeout,
		PingInterval:   a.Config.Server.PingInterval,
		Ready: func() (bool, string) {
			state := source.State()
			return state == chain.Active, state.String()
		},
	}, a.Logger)
	if err := srv.Listen(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	var archive storage.AlertArchive
	if store != nil {
		archive = store
		defer closeStore()
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; archive disabled")
	}

	dispatcher, err := a.newDispatcher()
	if err != nil {
		return err
	}
	var notifier service.Enqueuer
	if dispatcher != nil {
		notifier = dispatcher
	}

	svc, err := service.New(source, dec, rt, archive, notifier, service.Options{
		DedupWindow: a.Config.Store.DedupWindow,
	}, a.Logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(rt.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(srv.Serve(gctx)) })
	g.Go(func() error {
		err := svc.Run(gctx)
		if errors.Is(err, chain.ErrSourceTerminated) {
			// History and the transport stay up without live events.
			a.Logger.Error().Err(err).Msg("guardian source terminated; serving history only")
			return nil
		}
		return ignoreCanceled(err)
	})
	if dispatcher != nil {
		g.Go(func() error { return ignoreCanceled(dispatcher.Run(gctx)) })
	}
	if store != nil && a.Config.Retention.Enabled {
		retention := service.NewRetention(store, store, service.RetentionOptions{
			Interval: a.Config.Retention.Interval,
			MaxAge:   a.Config.Retention.MaxAge,
			LockKey:  a.Config.Retention.AdvisoryLockKey,
		}, a.Logger)
		g.Go(func() error { return ignoreCanceled(retention.Run(gctx)) })
	}

	a.Logger.Info().
		Str("contract", contract.Hex()).
		Str("mode", a.Config.Chain.Mode).
		Str("addr", srv.Addr()).
		Msg("starting reactive guard relay")

	err = g.Wait()
	stats := svc.Stats()
	a.Logger.Info().
		Uint64("published", stats.Published).
		Uint64("duplicates", stats.Duplicates).
		Uint64("rejected", stats.Rejected).
		Uint64("archived", stats.Archived).
		Msg("relay stopped")
	if err != nil {
		return fmt.Errorf("relay terminated: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ExportOptions hold parameters for exporting archived alerts.
type ExportOptions struct {
	Subject   string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Subject string
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	FromBlock uint64
	ToBlock   uint64
	DryRun    bool
}

// SimulateOptions describe a synthetic guardian event.
type SimulateOptions struct {
	Kind       string
	Subject    string
	HF         string
	Collateral string
	Borrowed   string
	TopUp      string
}
