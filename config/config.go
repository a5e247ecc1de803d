// Package config loads and validates Tempora session configuration from YAML.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tempora/core/bar"
	"github.com/coachpo/tempora/exchange"
)

// EnvPath names the environment variable consulted when Load is called
// without an explicit path.
const EnvPath = "TEMPORA_CONFIG"

// Environment identifies the runtime environment a session runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Decimal wraps decimal.Decimal so YAML scalars parse exactly, quoted or not.
type Decimal struct {
	decimal.Decimal
}

// D builds a Decimal from a literal, panicking on malformed input. Intended
// for defaults and tests.
func D(s string) Decimal {
	return Decimal{decimal.RequireFromString(s)}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Decimal) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		d.Decimal = decimal.Decimal{}
		return nil
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("decimal: invalid value %q", node.Value)
	}
	d.Decimal = parsed
	return nil
}

// Duration parses YAML scalars through time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil || strings.TrimSpace(node.Value) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("duration: invalid value %q", node.Value)
	}
	if parsed < 0 {
		return fmt.Errorf("duration: %q must not be negative", node.Value)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the setting as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// PairConfig declares one tradable instrument and its decimal precision.
type PairConfig struct {
	Base           string `yaml:"base"`
	Quote          string `yaml:"quote"`
	BasePrecision  int32  `yaml:"basePrecision"`
	QuotePrecision int32  `yaml:"quotePrecision"`
}

// Pair converts the declaration into the validated exchange form.
func (p PairConfig) Pair() (exchange.Pair, error) {
	return exchange.NewPair(p.Base, p.Quote, p.BasePrecision, p.QuotePrecision)
}

// FeesConfig parameterises the proportional maker/taker fee model.
type FeesConfig struct {
	MakerRate Decimal `yaml:"makerRate"`
	TakerRate Decimal `yaml:"takerRate"`
}

// LiquidityConfig parameterises the volume-share liquidity model.
type LiquidityConfig struct {
	VolumeFraction Decimal `yaml:"volumeFraction"`
	SlippageFactor Decimal `yaml:"slippageFactor"`
}

// LendingConfig enables the margin pool for a simulated session.
type LendingConfig struct {
	Enabled     bool     `yaml:"enabled"`
	HourlyRate  Decimal  `yaml:"hourlyRate"`
	AccrueEvery Duration `yaml:"accrueEvery"`
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	StrictHandlers bool     `yaml:"strictHandlers"`
	PollInterval   Duration `yaml:"pollInterval"`
}

// DataConfig locates the historical bar inputs for a backtest.
type DataConfig struct {
	Dir    string   `yaml:"dir"`
	Files  []string `yaml:"files"`
	Period string   `yaml:"period"`
}

// Paths returns each input file resolved against Dir.
func (d DataConfig) Paths() []string {
	out := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		if d.Dir != "" && !filepath.IsAbs(f) {
			f = filepath.Join(d.Dir, f)
		}
		out = append(out, f)
	}
	return out
}

// SessionConfig bounds a run. Bars closing before Start are dropped at the
// source; End is the instant a backtest stops even if scheduled work remains.
// Zero values leave the respective bound open.
type SessionConfig struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// StrategyConfig selects and parameterises the strategy under test.
type StrategyConfig struct {
	Name   string            `yaml:"name"`
	Pair   string            `yaml:"pair"`
	Params map[string]string `yaml:"params"`
}

// Param returns the named parameter or fallback when unset.
func (s StrategyConfig) Param(name, fallback string) string {
	if v, ok := s.Params[name]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

// LedgerConfig connects the optional run ledger. An empty DSN disables
// recording.
type LedgerConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// FeedConfig parameterises the synthetic realtime feed.
type FeedConfig struct {
	Seed       int64    `yaml:"seed"`
	Interval   Duration `yaml:"interval"`
	StartPrice Decimal  `yaml:"startPrice"`
	Volatility Decimal  `yaml:"volatility"`
}

// Config is the unified Tempora session configuration sourced from YAML.
type Config struct {
	Environment Environment        `yaml:"environment"`
	Pairs       []PairConfig       `yaml:"pairs"`
	Balances    map[string]Decimal `yaml:"balances"`
	Fees        FeesConfig         `yaml:"fees"`
	Liquidity   LiquidityConfig    `yaml:"liquidity"`
	Lending     LendingConfig      `yaml:"lending"`
	Dispatcher  DispatcherConfig   `yaml:"dispatcher"`
	Data        DataConfig         `yaml:"data"`
	Session     SessionConfig      `yaml:"session"`
	Strategy    StrategyConfig     `yaml:"strategy"`
	Ledger      LedgerConfig       `yaml:"ledger"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Feed        FeedConfig         `yaml:"feed"`
}

// Default returns a runnable development configuration.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Fees: FeesConfig{
			MakerRate: D("0.001"),
			TakerRate: D("0.002"),
		},
		Liquidity: LiquidityConfig{
			VolumeFraction: D("0.25"),
		},
		Lending: LendingConfig{
			AccrueEvery: Duration(time.Hour),
		},
		Dispatcher: DispatcherConfig{
			PollInterval: Duration(100 * time.Millisecond),
		},
		Strategy: StrategyConfig{Name: "sma-cross"},
		Telemetry: TelemetryConfig{
			ServiceName: "tempora",
		},
		Feed: FeedConfig{
			Seed:       1,
			Interval:   Duration(time.Second),
			StartPrice: D("100"),
			Volatility: D("0.005"),
		},
	}
}

// Load reads a Config from the YAML file at path. An empty path falls back
// to $TEMPORA_CONFIG; when that is also empty the defaults are returned
// unchanged. Parsed values overlay the defaults.
func Load(ctx context.Context, path string) (Config, error) {
	_ = ctx

	candidate := strings.TrimSpace(path)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv(EnvPath))
	}
	cfg := Default()
	if candidate == "" {
		return cfg, nil
	}

	reader, closer, err := openConfigFile(candidate)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}

	for i := range c.Pairs {
		c.Pairs[i].Base = strings.ToUpper(strings.TrimSpace(c.Pairs[i].Base))
		c.Pairs[i].Quote = strings.ToUpper(strings.TrimSpace(c.Pairs[i].Quote))
	}

	normalised := make(map[string]Decimal, len(c.Balances))
	for symbol, amount := range c.Balances {
		normalised[strings.ToUpper(strings.TrimSpace(symbol))] = amount
	}
	c.Balances = normalised

	if c.Lending.AccrueEvery <= 0 {
		c.Lending.AccrueEvery = Duration(time.Hour)
	}
	if c.Dispatcher.PollInterval <= 0 {
		c.Dispatcher.PollInterval = Duration(100 * time.Millisecond)
	}

	c.Data.Dir = strings.TrimSpace(c.Data.Dir)
	c.Data.Period = strings.TrimSpace(c.Data.Period)
	for i, f := range c.Data.Files {
		c.Data.Files[i] = strings.TrimSpace(f)
	}

	c.Strategy.Name = strings.TrimSpace(c.Strategy.Name)
	c.Strategy.Pair = strings.ToUpper(strings.TrimSpace(c.Strategy.Pair))
	c.Ledger.DSN = strings.TrimSpace(c.Ledger.DSN)
	c.Ledger.MigrationsDir = strings.TrimSpace(c.Ledger.MigrationsDir)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tempora"
	}
	if c.Feed.Interval <= 0 {
		c.Feed.Interval = Duration(time.Second)
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	seen := make(map[string]struct{}, len(c.Pairs))
	for _, pc := range c.Pairs {
		pair, err := pc.Pair()
		if err != nil {
			return fmt.Errorf("pair %s-%s: %w", pc.Base, pc.Quote, err)
		}
		if _, dup := seen[pair.Symbol()]; dup {
			return fmt.Errorf("pair %s declared twice", pair.Symbol())
		}
		seen[pair.Symbol()] = struct{}{}
	}
	if c.Strategy.Pair != "" {
		if _, ok := seen[c.Strategy.Pair]; !ok {
			return fmt.Errorf("strategy pair %s not declared under pairs", c.Strategy.Pair)
		}
	}

	for symbol, amount := range c.Balances {
		if symbol == "" {
			return fmt.Errorf("balance symbol required")
		}
		if amount.IsNegative() {
			return fmt.Errorf("balance %s must not be negative", symbol)
		}
	}

	if c.Fees.MakerRate.IsNegative() || c.Fees.TakerRate.IsNegative() {
		return fmt.Errorf("fee rates must not be negative")
	}
	if !c.Liquidity.VolumeFraction.IsPositive() || c.Liquidity.VolumeFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("liquidity volumeFraction must be in (0, 1]")
	}
	if c.Liquidity.SlippageFactor.IsNegative() {
		return fmt.Errorf("liquidity slippageFactor must not be negative")
	}
	if c.Lending.Enabled && c.Lending.HourlyRate.IsNegative() {
		return fmt.Errorf("lending hourlyRate must not be negative")
	}

	if c.Data.Period != "" {
		if _, err := bar.ParsePeriod(c.Data.Period); err != nil {
			return fmt.Errorf("data period: %w", err)
		}
	}
	if !c.Session.Start.IsZero() && !c.Session.End.IsZero() && !c.Session.End.After(c.Session.Start) {
		return fmt.Errorf("session end must be after start")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}
	if c.Feed.Interval <= 0 {
		return fmt.Errorf("feed interval must be > 0")
	}
	if !c.Feed.StartPrice.IsPositive() {
		return fmt.Errorf("feed startPrice must be > 0")
	}
	if c.Feed.Volatility.IsNegative() {
		return fmt.Errorf("feed volatility must not be negative")
	}
	return nil
}

// Pair resolves one declared pair by its dash symbol, e.g. "BTC-USDT".
func (c Config) Pair(symbol string) (exchange.Pair, bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, pc := range c.Pairs {
		pair, err := pc.Pair()
		if err != nil {
			continue
		}
		if pair.Symbol() == symbol {
			return pair, true
		}
	}
	return exchange.Pair{}, false
}

// ExchangePairs converts every declared pair.
func (c Config) ExchangePairs() ([]exchange.Pair, error) {
	out := make([]exchange.Pair, 0, len(c.Pairs))
	for _, pc := range c.Pairs {
		pair, err := pc.Pair()
		if err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, nil
}

// InitialBalances converts the configured deposits for the balance book.
func (c Config) InitialBalances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Balances))
	for symbol, amount := range c.Balances {
		out[symbol] = amount.Decimal
	}
	return out
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open session config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
