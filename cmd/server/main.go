package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/meridianfund/meridian/internal/config"
	"github.com/meridianfund/meridian/internal/database"
	"github.com/meridianfund/meridian/internal/jobs"
	"github.com/meridianfund/meridian/internal/marketdata"
	"github.com/meridianfund/meridian/internal/metrics"
	"github.com/meridianfund/meridian/internal/optimizer"
	"github.com/meridianfund/meridian/internal/rates"
	"github.com/meridianfund/meridian/internal/riskmodel"
	"github.com/meridianfund/meridian/internal/server"
	"github.com/meridianfund/meridian/internal/timeseries"
	"github.com/meridianfund/meridian/internal/universe"
	"github.com/meridianfund/meridian/pkg/logger"
)

// refreshSchedule runs the daily price refresh before European market open.
const refreshSchedule = "30 5 * * *"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DemoMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Bool("demo_mode", cfg.DemoMode).Msg("starting meridian")

	historyDB, err := database.New(database.Config{
		Path:    cfg.HistoryDBPath(),
		Profile: database.ProfileStandard,
		Name:    "history",
	})
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer historyDB.Close()

	cacheDB, err := database.New(database.Config{
		Path:    cfg.CacheDBPath(),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		return fmt.Errorf("open cache database: %w", err)
	}
	defer cacheDB.Close()

	store, err := universe.NewHistoryStore(historyDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("init history store: %w", err)
	}
	candidates, err := universe.NewCandidateRepository(historyDB.Conn(), log)
	if err != nil {
		return fmt.Errorf("init candidate repository: %w", err)
	}

	cache := marketdata.NewCache(store, cfg.DemoMode, log)
	priceProvider := marketdata.NewProvider(cfg.PriceProviderURL, log)

	rateProvider, err := rates.NewProvider(
		rates.NewHTTPSource(cfg.RateProviderURL, log),
		cacheDB.Conn(),
		cfg.RateCycleHour,
		cfg.RiskFreeFallback,
		log,
	)
	if err != nil {
		return fmt.Errorf("init rate provider: %w", err)
	}

	aligner := timeseries.NewAligner(log)
	estimator := riskmodel.NewEstimator(log)
	calculator := metrics.NewCalculator(log)
	optimizerSvc := optimizer.NewService(cache, aligner, estimator, rateProvider, candidates, log)

	refresher := jobs.NewRefresher(
		store,
		priceProvider,
		cache,
		rateProvider,
		time.Duration(cfg.RefreshBudgetSecs)*time.Second,
		log,
	)

	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc(refreshSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if _, err := refresher.Run(ctx); err != nil {
			log.Error().Err(err).Msg("scheduled refresh failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh job: %w", err)
	}
	rateSchedule := fmt.Sprintf("0 %d * * *", cfg.RateCycleHour)
	if _, err := scheduler.AddFunc(rateSchedule, refresher.RotateRateCycle); err != nil {
		return fmt.Errorf("schedule rate rotation: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.New(server.Config{
		Port:      cfg.Port,
		Log:       log,
		Optimizer: optimizerSvc,
		Metrics:   calculator,
		Cache:     cache,
		Store:     store,
		Rates:     rateProvider,
		Refresher: refresher,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("meridian stopped")
	return nil
}
