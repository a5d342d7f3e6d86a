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

	"oracle-index/internal/alerting"
	"oracle-index/internal/analytics"
	"oracle-index/internal/backfill"
	"oracle-index/internal/chain"
	"oracle-index/internal/config"
	"oracle-index/internal/decode"
	"oracle-index/internal/ingest"
	"oracle-index/internal/live"
	"oracle-index/internal/scheduler"
	"oracle-index/internal/storage"
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

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) dialChain(ctx context.Context) (*chain.RPCClient, error) {
	return chain.Dial(ctx, chain.Options{
		HTTPURL:         a.Config.Chain.HTTPURL,
		WSURL:           a.Config.Chain.WSURL,
		ContractAddress: common.HexToAddress(a.Config.Chain.ContractAddress),
		EventTopics:     decode.EventTopics(),
		RequestTimeout:  a.Config.Chain.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) backfillEngine(client *chain.RPCClient, sink *ingest.Sink, store *storage.Store) *backfill.Engine {
	return backfill.New(client, sink, store, backfill.Options{
		StartBlock:    a.Config.Chain.StartBlock,
		BatchSize:     a.Config.Indexer.BatchSize,
		Concurrency:   a.Config.Indexer.Concurrency,
		RetryAttempts: a.Config.Indexer.RetryAttempts,
	}, a.Logger)
}

// Run executes the long-running indexer: backfill to the chain tip, then
// live tail and analytics loop until a shutdown signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	// One indexer instance per database; a second writer would fight over
	// the singleton checkpoint row.
	if key := a.Config.Indexer.AdvisoryLockKey; key != 0 {
		unlock, acquired, err := store.TryAdvisoryLock(ctx, key)
		if err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !acquired {
			return errors.New("another indexer instance holds the advisory lock")
		}
		defer unlock()
	}

	client, err := a.dialChain(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sink := ingest.NewSink(client, store, a.Config.Indexer.TimestampCacheSize, a.Logger)

	engine := a.backfillEngine(client, sink, store)
	lastBlock, err := engine.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("backfill: %w", err)
	}

	tailer := live.New(client, sink, store, a.Config.Indexer.PollInterval, a.Logger)
	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Processing.Interval,
		AlignToStart: a.Config.Processing.AlignToBucket,
		StartupDelay: a.Config.Processing.StartupDelay,
	}, a.Logger)
	loop := analytics.New(store, sched, a.newNotifier(), a.Logger)

	a.Logger.Info().Uint64("from_block", lastBlock).Msg("indexer fully operational")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tailer.Run(gctx, lastBlock) })
	g.Go(func() error { return loop.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("indexer terminated with error")
		return err
	}

	a.Logger.Info().Msg("indexer stopped")
	return nil
}

// Backfill runs the historical drain once and exits.
func (a *App) Backfill(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	client, err := a.dialChain(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	sink := ingest.NewSink(client, store, a.Config.Indexer.TimestampCacheSize, a.Logger)
	_, err = a.backfillEngine(client, sink, store).Run(ctx)
	return err
}

// Migrate applies the schema file to the database.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.ApplySchema(ctx, a.Config.Database.MigrationsPath); err != nil {
		return err
	}
	a.Logger.Info().Str("path", a.Config.Database.MigrationsPath).Msg("schema applied")
	return nil
}

// StatusOptions configure the status command.
type StatusOptions struct {
	Limit int
}

// ExportOptions hold parameters for exporting one asset's update history.
type ExportOptions struct {
	Asset     string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}
