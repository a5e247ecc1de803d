// Command backtest replays historical OHLCV data through the simulated
// exchange and prints a per-pair performance report. With -sweep every
// configured pair runs concurrently, each on its own dispatcher and venue,
// so results stay deterministic per pair. An optional Postgres ledger
// records runs, order snapshots, and fills.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tempora/config"
	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/core/dispatcher"
	"github.com/coachpo/tempora/core/event"
	"github.com/coachpo/tempora/exchange"
	"github.com/coachpo/tempora/exchange/backtest"
	"github.com/coachpo/tempora/internal/analytics"
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
		csv       = flag.String("csv", "", "Comma-separated CSV bar files; overrides data.files")
		pairFlag  = flag.String("pair", "", "Pair symbol to trade, e.g. BTC-USDT; overrides strategy.pair")
		stratFlag = flag.String("strategy", "", "Strategy name (sma-cross, vwap-dip); overrides strategy.name")
		period    = flag.String("period", "", "Bar period of the input data, e.g. 1m, 1h; overrides data.period")
		ledgerDSN = flag.String("ledger", "", "PostgreSQL DSN for the run ledger; overrides ledger.dsn")
		sweep     = flag.Bool("sweep", false, "Backtest every configured pair concurrently")
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
	applyOverrides(&cfg, *csv, *pairFlag, *stratFlag, *period, *ledgerDSN)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.Balances) == 0 {
		observability.Log().Warn("no balances configured; orders will be rejected unless lending is enabled")
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

	pairs, err := sessionPairs(cfg, *sweep)
	if err != nil {
		return err
	}
	digest := configDigest(*cfgPath)

	results := make([]report, len(pairs))
	if *sweep && len(pairs) > 1 {
		limit := min(len(pairs), runtime.GOMAXPROCS(0))
		p := concpool.New().WithErrors().WithContext(ctx).WithMaxGoroutines(limit)
		for i, pr := range pairs {
			p.Go(func(ctx context.Context) error {
				res, err := runOne(ctx, cfg, pr, store, digest, true)
				if err != nil {
					return fmt.Errorf("%s: %w", pr.Symbol(), err)
				}
				results[i] = res
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}
	} else {
		for i, pr := range pairs {
			res, err := runOne(ctx, cfg, pr, store, digest, *sweep)
			if err != nil {
				return fmt.Errorf("%s: %w", pr.Symbol(), err)
			}
			results[i] = res
		}
	}

	for _, res := range results {
		printReport(os.Stdout, res)
	}
	return nil
}

// report captures one finished run for printing.
type report struct {
	pair     exchange.Pair
	strategy string
	runID    string
	summary  analytics.Summary
	loans    []backtest.Loan
	last     time.Time
	elapsed  time.Duration
}

// runOne replays one pair's data on an isolated dispatcher and venue.
// exclusive marks a sweep run, where data files must name the pair they
// belong to.
func runOne(ctx context.Context, cfg config.Config, pair exchange.Pair, store *ledger.Store, digest string, exclusive bool) (report, error) {
	period := bar.Minute
	if cfg.Data.Period != "" {
		parsed, err := bar.ParsePeriod(cfg.Data.Period)
		if err != nil {
			return report{}, err
		}
		period = parsed
	}

	files, err := dataFilesFor(cfg.Data.Paths(), pair, exclusive)
	if err != nil {
		return report{}, err
	}

	var dopts []dispatcher.Option
	if cfg.Dispatcher.StrictHandlers {
		dopts = append(dopts, dispatcher.WithStrictHandlers())
	}
	d := dispatcher.NewBacktesting(dopts...)

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
	for symbol, amount := range cfg.InitialBalances() {
		exOpts = append(exOpts, backtest.WithInitialBalance(symbol, amount))
	}
	if cfg.Lending.Enabled {
		exOpts = append(exOpts, backtest.WithLending(cfg.Lending.HourlyRate.Decimal, cfg.Lending.AccrueEvery.Std()))
	}
	ex, err := backtest.NewExchange(d, exOpts...)
	if err != nil {
		return report{}, err
	}

	var srcOpts []bar.CSVSourceOption
	if start := cfg.Session.Start; !start.IsZero() {
		srcOpts = append(srcOpts, bar.WithStart(start))
	}
	sources := make([]*bar.CSVSource, 0, len(files))
	for _, f := range files {
		src := bar.NewCSVSource(f, pair.Symbol(), period, srcOpts...)
		if err := d.AddSource(src); err != nil {
			return report{}, err
		}
		sources = append(sources, src)
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
		return report{}, err
	}

	run := ledger.Run{
		ID:           uuid.NewString(),
		Mode:         ledger.ModeBacktest,
		ConfigDigest: digest,
		Pair:         pair.Symbol(),
		Strategy:     strat.Name(),
		StartedAt:    time.Now().UTC(),
		Metadata:     map[string]any{"files": files, "period": period.String()},
	}
	rec, err := ledger.NewRecorder(store, run)
	if err != nil {
		return report{}, err
	}
	if rec.Enabled() {
		if err := rec.Begin(ctx); err != nil {
			return report{}, err
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
		return report{}, err
	}
	if err := strategy.Attach(ctx, sess, strat); err != nil {
		return report{}, err
	}

	if end := cfg.Session.End; !end.IsZero() {
		if err := d.Schedule(end, func(context.Context, dispatcher.Tick) error {
			d.Stop()
			return nil
		}); err != nil {
			return report{}, err
		}
	}

	started := time.Now()
	runErr := d.Run(ctx)
	elapsed := time.Since(started)
	stopErr := strat.OnStop(ctx)

	var failures []error
	for i, src := range sources {
		if err := src.Err(); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", files[i], err))
		}
	}

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
				observability.F("run", run.ID), observability.F("count", n))
		}
	}

	failures = append(failures, runErr, stopErr, closeErr, recErr)
	if err := errors.Join(failures...); err != nil {
		return report{}, err
	}

	return report{
		pair:     pair,
		strategy: strat.Name(),
		runID:    run.ID,
		summary:  summary,
		loans:    loans,
		last:     d.Now(),
		elapsed:  elapsed,
	}, nil
}

func applyOverrides(cfg *config.Config, csv, pairSym, stratName, period, dsn string) {
	if csv != "" {
		var files []string
		for _, f := range strings.Split(csv, ",") {
			if f = strings.TrimSpace(f); f != "" {
				files = append(files, f)
			}
		}
		// Flag paths are relative to the working directory, not data.dir.
		cfg.Data.Files = files
		cfg.Data.Dir = ""
	}
	if pairSym != "" {
		cfg.Strategy.Pair = strings.ToUpper(strings.TrimSpace(pairSym))
	}
	if stratName != "" {
		cfg.Strategy.Name = stratName
	}
	if period != "" {
		cfg.Data.Period = period
	}
	if dsn != "" {
		cfg.Ledger.DSN = dsn
	}
}

// sessionPairs resolves which pairs to run: all of them for a sweep, the
// strategy pair otherwise. A single declared pair needs no explicit choice.
func sessionPairs(cfg config.Config, sweep bool) ([]exchange.Pair, error) {
	if len(cfg.Pairs) == 0 {
		return nil, errors.New("no pairs declared in configuration")
	}
	if sweep {
		return cfg.ExchangePairs()
	}
	symbol := cfg.Strategy.Pair
	if symbol == "" {
		if len(cfg.Pairs) == 1 {
			pair, err := cfg.Pairs[0].Pair()
			if err != nil {
				return nil, err
			}
			return []exchange.Pair{pair}, nil
		}
		return nil, errors.New("strategy.pair required when several pairs are declared")
	}
	pair, ok := cfg.Pair(symbol)
	if !ok {
		return nil, fmt.Errorf("pair %s not declared under pairs", symbol)
	}
	return []exchange.Pair{pair}, nil
}

// dataFilesFor matches input files to a pair by name. A file belongs to a
// pair when its base name carries the base and quote symbols as adjacent
// tokens ("btc-usdt-1m.csv") or fused ("BTCUSDT.csv"). When nothing matches,
// a single-pair run claims every file as chunks of one history; a sweep
// needs the name tag to keep pairs apart and errors instead.
func dataFilesFor(paths []string, pair exchange.Pair, exclusive bool) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no data files configured (set data.files or -csv)")
	}
	matched := make([]string, 0, len(paths))
	for _, p := range paths {
		if fileMatchesPair(filepath.Base(p), pair) {
			matched = append(matched, p)
		}
	}
	if len(matched) > 0 {
		return matched, nil
	}
	if exclusive {
		return nil, fmt.Errorf("no data file names %s; tag sweep inputs with the pair symbol", pair.Symbol())
	}
	return paths, nil
}

func fileMatchesPair(name string, pair exchange.Pair) bool {
	tokens := tokenize(name)
	fused := pair.Base + pair.Quote
	for i, tok := range tokens {
		if tok == fused {
			return true
		}
		if tok == pair.Base && i+1 < len(tokens) && tokens[i+1] == pair.Quote {
			return true
		}
	}
	return false
}

// tokenize splits a file name into upper-cased alphanumeric runs.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			cur.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
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

// configDigest fingerprints the session file recorded with each run.
func configDigest(path string) string {
	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv(config.EnvPath))
	}
	if candidate == "" {
		return ""
	}
	raw, err := os.ReadFile(candidate)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func printReport(w io.Writer, r report) {
	fmt.Fprintf(w, "\n%s  %s", r.pair.Symbol(), r.strategy)
	if r.runID != "" {
		fmt.Fprintf(w, "  run=%s", r.runID)
	}
	fmt.Fprintf(w, "  (%s", r.elapsed.Round(time.Millisecond))
	if !r.last.IsZero() {
		fmt.Fprintf(w, ", data through %s", r.last.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(w, ")")

	analytics.WriteSummary(w, r.summary)
	for _, loan := range r.loans {
		fmt.Fprintf(w, "  open loan %s: %s principal, %s accrued\n",
			loan.Symbol, loan.Principal, loan.Accrued)
	}
}
