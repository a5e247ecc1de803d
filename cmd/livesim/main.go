// Command livesim trades a synthetic market in real time: a seeded
// random-walk feed streams trades and bars through the realtime dispatcher
// into the simulated venue. It runs until a signal arrives or -duration
// elapses, then prints the same report a backtest produces. The optional
// Postgres ledger records the run under the livesim mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tempora/config"
	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/exchange/backtest"
	"github.com/coachpo/tempora/internal/analytics"
	"github.com/coachpo/tempora/internal/feed"
	"github.com/coachpo/tempora/internal/ledger"
	"github.com/coachpo/tempora/internal/observability"
	"github.com/coachpo/tempora/internal/strategy"
	"github.com/coachpo/tempora/lib/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath   = flag.String("config", "", "Path to a Tempora YAML configuration")
		pairFlag  = flag.String("pair", "", "Pair symbol to trade, e.g. BTC-USDT; overrides strategy.pair")
		stratFlag = flag.String("strategy", "", "Strategy name (sma-cross, vwap-dip); overrides strategy.name")
		duration  = flag.Duration("duration", 0, "Stop after this long; 0 runs until SIGINT")
		ledgerDSN = flag.String("ledger", "", "PostgreSQL DSN for the run ledger; overrides ledger.dsn")
		verbose   = flag.Bool("v", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	observability.SetLogger(observability.NewTextLogger(level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx, *cfgPath)
	if err != nil {
		return err
	}
	if *pairFlag != "" {
		cfg.Strategy.Pair = strings.ToUpper(strings.TrimSpace(*pairFlag))
	}
	if *stratFlag != "" {
		cfg.Strategy.Name = *stratFlag
	}
	if *ledgerDSN != "" {
		cfg.Ledger.DSN = *ledgerDSN
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pair, err := resolvePair(cfg)
	if err != nil {
		return err
	}

	tcfg := cfg.Telemetry
	if tcfg.OTLPEndpoint == "" {
		if env := telemetry.FromEnv(); env.OTLPEndpoint != "" {
			tcfg = env
		}
	}
	_, shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutCtx); err != nil {
			observability.Log().Warn("telemetry shutdown", observability.F("error", err))
		}
	}()

	store, dbpool, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	if dbpool != nil {
		defer dbpool.Close()
	}

	period := bar.Minute
	if cfg.Data.Period != "" {
		parsed, err := bar.ParsePeriod(cfg.Data.Period)
		if err != nil {
			return err
		}
		period = parsed
	}

	dopts := []dispatcher.Option{dispatcher.WithPollInterval(cfg.Dispatcher.PollInterval.Std())}
	if cfg.Dispatcher.StrictHandlers {
		dopts = append(dopts, dispatcher.WithStrictHandlers())
	}
	d := dispatcher.NewRealtime(dopts...)

	balances := cfg.InitialBalances()
	if len(balances) == 0 {
		// The demo binary should trade out of the box.
		balances = map[string]decimal.Decimal{pair.Quote: decimal.NewFromInt(10000)}
		observability.Log().Info("seeding demo balance",
			observability.F("symbol", pair.Quote),
			observability.F("amount", "10000"))
	}
	exOpts := []backtest.Option{
		backtest.WithFees(backtest.ProportionalFees{
			MakerRate: cfg.Fees.MakerRate.Decimal,
			TakerRate: cfg.Fees.TakerRate.Decimal,
		}),
		backtest.WithLiquidity(backtest.VolumeShare{
			Fraction:       cfg.Liquidity.VolumeFraction.Decimal,
			SlippageFactor: cfg.Liquidity.SlippageFactor.Decimal,
		}),
	}
	for symbol, amount := range balances {
		exOpts = append(exOpts, backtest.WithInitialBalance(symbol, amount))
	}
	if cfg.Lending.Enabled {
		exOpts = append(exOpts, backtest.WithLending(cfg.Lending.HourlyRate.Decimal, cfg.Lending.AccrueEvery.Std()))
	}
	ex, err := backtest.NewExchange(d, exOpts...)
	if err != nil {
		return err
	}

	synth, err := feed.New(feed.Config{
		Symbol:     pair.Symbol(),
		Period:     period,
		Interval:   cfg.Feed.Interval.Std(),
		Seed:       cfg.Feed.Seed,
		StartPrice: cfg.Feed.StartPrice.Decimal,
		Volatility: cfg.Feed.Volatility.InexactFloat64(),
	})
	if err != nil {
		return err
	}
	if err := d.AddSource(synth.Source()); err != nil {
		return err
	}

	tracker := analytics.NewTracker()
	d.Subscribe(bar.KindBar, func(_ context.Context, ev event.Event) error {
		if b, ok := ev.(*bar.Bar); ok {
			tracker.ObserveBar(b)
		}
		return nil
	})

	strat, err := strategy.FromConfig(cfg.Strategy)
	if err != nil {
		return err
	}

	runRow := ledger.Run{
		ID:        uuid.NewString(),
		Mode:      ledger.ModeLiveSim,
		Pair:      pair.Symbol(),
		Strategy:  strat.Name(),
		StartedAt: time.Now().UTC(),
		Metadata: map[string]any{
			"seed":     cfg.Feed.Seed,
			"interval": cfg.Feed.Interval.Std().String(),
			"period":   period.String(),
		},
	}
	rec, err := ledger.NewRecorder(store, runRow)
	if err != nil {
		return err
	}
	if rec.Enabled() {
		if err := rec.Begin(ctx); err != nil {
			return err
		}
	}

	d.Subscribe(exchange.KindOrder, func(ctx context.Context, ev event.Event) error {
		oe, ok := ev.(*exchange.OrderEvent)
		if !ok {
			return nil
		}
		tracker.Observe(oe)
		rec.Observe(ctx, oe)
		return nil
	})

	sess, err := strategy.NewSession(d, ex, pair, period)
	if err != nil {
		return err
	}
	if err := strategy.Attach(ctx, sess, strat); err != nil {
		return err
	}

	if *duration > 0 {
		if err := d.Schedule(time.Now().Add(*duration), func(context.Context, dispatcher.Tick) error {
			d.Stop()
			return nil
		}); err != nil {
			return err
		}
	}

	observability.Log().Info("livesim started",
		observability.F("pair", pair.Symbol()),
		observability.F("strategy", strat.Name()),
		observability.F("interval", cfg.Feed.Interval.Std()),
		observability.F("period", period.String()))

	started := time.Now()
	runErr := d.Run(ctx)
	elapsed := time.Since(started)
	stopErr := strat.OnStop(ctx)

	loans, closeErr := ex.Close()
	summary := tracker.Clone()

	var recErr error
	if rec.Enabled() {
		// Ledger writes must complete even after a SIGINT cancelled ctx.
		finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if err := rec.Finish(finCtx, time.Now().UTC(), summary.Equity); err != nil {
			recErr = err
		}
		if err := rec.Close(finCtx); err != nil && recErr == nil {
			recErr = err
		}
		cancel()
		if n := rec.Dropped(); n > 0 {
			observability.Log().Warn("ledger records dropped",
				observability.F("run", runRow.ID), observability.F("count", n))
		}
	}

	fmt.Printf("\n%s  %s", pair.Symbol(), strat.Name())
	if rec.Enabled() {
		fmt.Printf("  run=%s", runRow.ID)
	}
	fmt.Printf("  (%s)\n", elapsed.Round(time.Second))
	analytics.WriteSummary(os.Stdout, summary)
	for _, loan := range loans {
		fmt.Printf("  open loan %s: %s principal, %s accrued\n",
			loan.Symbol, loan.Principal, loan.Accrued)
	}

	return errors.Join(runErr, stopErr, closeErr, recErr)
}

// resolvePair picks the session instrument: the configured strategy pair, the
// sole declared pair, or the feed default when nothing is declared.
func resolvePair(cfg config.Config) (exchange.Pair, error) {
	if symbol := cfg.Strategy.Pair; symbol != "" {
		pair, ok := cfg.Pair(symbol)
		if !ok {
			return exchange.Pair{}, fmt.Errorf("pair %s not declared under pairs", symbol)
		}
		return pair, nil
	}
	switch len(cfg.Pairs) {
	case 0:
		return exchange.NewPair("BTC", "USDT", 8, 2)
	case 1:
		return cfg.Pairs[0].Pair()
	default:
		return exchange.Pair{}, errors.New("strategy.pair required when several pairs are declared")
	}
}

// openLedger migrates and connects the run ledger. An empty DSN disables
// recording and yields a nil store.
func openLedger(ctx context.Context, lc config.LedgerConfig) (*ledger.Store, *pgxpool.Pool, error) {
	if lc.DSN == "" {
		return nil, nil, nil
	}
	if err := ledger.Apply(ctx, lc.DSN, lc.MigrationsDir); err != nil {
		return nil, nil, err
	}
	dbpool, err := pgxpool.New(ctx, lc.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger pool: %w", err)
	}
	return ledger.NewStore(dbpool), dbpool, nil
}
