// Package config loads the hierarchical trading configuration (defaults ->
// account -> instrument), resolves inheritance into immutable snapshots and
// watches the file for hot reloads.
//
// Config is loaded from a YAML file. Secrets (account passwords, API token)
// may be overridden via MT_* environment variables or resolved from Vault
// when the value has the form "vault:<mount>/<path>".
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError reports a schema or validation problem. Fatal at startup,
// recoverable on reload (the previous snapshot is retained).
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ConfigIOError reports a missing or unreadable config file.
type ConfigIOError struct {
	Path string
	Err  error
}

func (e *ConfigIOError) Error() string {
	return fmt.Sprintf("config: cannot read %s: %v", e.Path, e.Err)
}

func (e *ConfigIOError) Unwrap() error { return e.Err }

// File is the raw top-level YAML document (v2 schema). Unknown keys are
// rejected at decode time so misconfiguration fails fast.
type File struct {
	Version           int                        `yaml:"version"`
	Defaults          Groups                     `yaml:"defaults"`
	Accounts          map[string]*AccountSection `yaml:"accounts"`
	StrategyTemplates map[string]*StrategyGroup  `yaml:"strategy_templates"`
	Emergency         EmergencySection           `yaml:"emergency"`
	Notifications     *NotificationsSection      `yaml:"notifications"`
	AI                *AISection                 `yaml:"ai"`
	API               *APISection                `yaml:"api"`
	Database          *DatabaseSection           `yaml:"database"`
	Redis             *RedisSection              `yaml:"redis"`
	Vault             *VaultSection              `yaml:"vault"`
	Logging           *LoggingSection            `yaml:"logging"`
}

// Groups are the named sub-sections that merge field-by-field across the
// defaults -> account -> instrument hierarchy. Pointer fields distinguish
// "absent, inherit" from an explicit zero.
type Groups struct {
	Execution          *ExecutionGroup    `yaml:"execution"`
	Risk               *RiskGroup         `yaml:"risk"`
	Strategy           *StrategyGroup     `yaml:"strategy"`
	PositionManagement *PositionMgmtGroup `yaml:"position_management"`
	TradingRules       *TradingRulesGroup `yaml:"trading_rules"`
	TradingHours       *TradingHours      `yaml:"trading_hours"`
}

type ExecutionGroup struct {
	IntervalSeconds       *int  `yaml:"interval_seconds"`
	ParallelExecution     *bool `yaml:"parallel_execution"`
	MaxWorkers            *int  `yaml:"max_workers"`
	UseIntelligentManager *bool `yaml:"use_intelligent_manager"`
	UseML                 *bool `yaml:"use_ml"`
	UseSentiment          *bool `yaml:"use_sentiment"`
}

type RiskGroup struct {
	RiskPercent     *float64 `yaml:"risk_percent"`
	MaxPositionSize *float64 `yaml:"max_position_size"`
	MinPositionSize *float64 `yaml:"min_position_size"`
}

type StrategyGroup struct {
	Kind           *string  `yaml:"kind"` // "position" or "crossover"
	Template       *string  `yaml:"template"`
	Timeframe      *string  `yaml:"timeframe"`
	FastPeriod     *int     `yaml:"fast_period"`
	SlowPeriod     *int     `yaml:"slow_period"`
	StopLossPips   *float64 `yaml:"stop_loss_pips"`
	TakeProfitPips *float64 `yaml:"take_profit_pips"`
}

type PositionMgmtGroup struct {
	Breakeven    *BreakevenRule    `yaml:"breakeven"`
	TrailingStop *TrailingRule     `yaml:"trailing_stop"`
	PartialClose *PartialCloseRule `yaml:"partial_close"`
}

type BreakevenRule struct {
	Enabled     bool    `yaml:"enabled"`
	TriggerPips float64 `yaml:"trigger_pips"`
	OffsetPips  float64 `yaml:"offset_pips"`
}

type TrailingRule struct {
	Enabled      bool    `yaml:"enabled"`
	TriggerPips  float64 `yaml:"trigger_pips"`
	DistancePips float64 `yaml:"distance_pips"`
}

type PartialCloseRule struct {
	Enabled     bool    `yaml:"enabled"`
	TriggerPips float64 `yaml:"trigger_pips"`
	Percent     float64 `yaml:"percent"`
}

type TradingRulesGroup struct {
	CooldownSeconds     *int     `yaml:"cooldown_seconds"`
	TradeOnSignalChange *bool    `yaml:"trade_on_signal_change"`
	MinConfidence       *float64 `yaml:"min_confidence"`
}

// TradingHours restricts order submission to a daily window (UTC, "HH:MM").
// A window with Start > End spans midnight.
type TradingHours struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Contains reports whether t falls inside the window.
func (h *TradingHours) Contains(t time.Time) bool {
	start, err1 := parseClock(h.Start)
	end, err2 := parseClock(h.End)
	if err1 != nil || err2 != nil {
		return true
	}
	minute := t.UTC().Hour()*60 + t.UTC().Minute()
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, err
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock out of range: %s", s)
	}
	return hh*60 + mm, nil
}

// AccountSection is one entry under "accounts".
type AccountSection struct {
	Login     int64  `yaml:"login"`
	Password  string `yaml:"password"`
	Server    string `yaml:"server"`
	Broker    string `yaml:"broker"`
	BridgeURL string `yaml:"bridge_url"`
	Enabled   *bool  `yaml:"enabled"`

	Groups     `yaml:",inline"`
	Portfolio  *PortfolioGroup    `yaml:"portfolio"`
	Currencies []*CurrencySection `yaml:"currencies"`
}

type PortfolioGroup struct {
	PortfolioRiskPercent *float64 `yaml:"portfolio_risk_percent"`
	MaxConcurrentTrades  *int     `yaml:"max_concurrent_trades"`
}

// CurrencySection is one instrument entry under an account.
type CurrencySection struct {
	Symbol  string `yaml:"symbol"`
	Enabled *bool  `yaml:"enabled"`

	// Shorthand for risk.risk_percent at the instrument level.
	RiskPercent *float64 `yaml:"risk_percent"`

	Groups `yaml:",inline"`
}

type EmergencySection struct {
	StopAll             bool    `yaml:"stop_all"`
	MaxDailyLossPercent float64 `yaml:"max_daily_loss_percent"`
	MaxDrawdownPercent  float64 `yaml:"max_drawdown_percent"`
	CloseAllOnStop      bool    `yaml:"close_all_on_stop"`
}

type NotificationsSection struct {
	Enabled bool   `yaml:"enabled"`
	Webhook string `yaml:"webhook"`
}

type AISection struct {
	SentimentEndpoint string `yaml:"sentiment_endpoint"`
}

type APISection struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
}

type DatabaseSection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisSection struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type VaultSection struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

type LoggingSection struct {
	Level      string `yaml:"level"`
	JSONFormat bool   `yaml:"json_format"`
	Output     string `yaml:"output"`
}

// Snapshot is an immutable, fully loaded configuration. Reload swaps the
// whole snapshot; in-flight cycles keep the one they started with.
type Snapshot struct {
	File     *File
	LoadedAt time.Time
}

// Load reads, migrates (v1 -> v2) and validates the file at path.
func Load(path string) (*Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigIOError{Path: path, Err: err}
	}
	return Parse(raw)
}

// Parse decodes raw YAML into a validated Snapshot.
func Parse(raw []byte) (*Snapshot, error) {
	version, err := sniffVersion(raw)
	if err != nil {
		return nil, err
	}
	if version == 1 {
		migrated, err := MigrateV1(raw)
		if err != nil {
			return nil, err
		}
		raw = migrated
	}

	var f File
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	applyEnvOverrides(&f)
	if err := validate(&f); err != nil {
		return nil, err
	}
	return &Snapshot{File: &f, LoadedAt: time.Now().UTC()}, nil
}

// sniffVersion peeks at the document without strict decoding. A missing
// version key means the legacy v1 layout.
func sniffVersion(raw []byte) (int, error) {
	var probe struct {
		Version *int `yaml:"version"`
	}
	if err := yaml.Unmarshal(raw, &probe); err != nil {
		return 0, &ConfigError{Reason: err.Error()}
	}
	if probe.Version == nil {
		return 1, nil
	}
	if *probe.Version != 2 {
		return 0, &ConfigError{Field: "version", Reason: fmt.Sprintf("unsupported version %d", *probe.Version)}
	}
	return 2, nil
}

func applyEnvOverrides(f *File) {
	for name, acct := range f.Accounts {
		key := "MT_ACCOUNT_" + strings.ToUpper(name) + "_PASSWORD"
		if v := os.Getenv(key); v != "" {
			acct.Password = v
		}
	}
	if f.API != nil {
		if v := os.Getenv("MT_API_JWT_SECRET"); v != "" {
			f.API.JWTSecret = v
		}
	}
	if f.Database != nil {
		if v := os.Getenv("MT_DB_PASSWORD"); v != "" {
			f.Database.Password = v
		}
	}
}

func validate(f *File) error {
	if len(f.Accounts) == 0 {
		return &ConfigError{Field: "accounts", Reason: "at least one account is required"}
	}
	for name, acct := range f.Accounts {
		if acct == nil {
			return &ConfigError{Field: "accounts." + name, Reason: "empty account section"}
		}
		if acct.Login == 0 {
			return &ConfigError{Field: "accounts." + name + ".login", Reason: "login is required"}
		}
		if acct.Server == "" {
			return &ConfigError{Field: "accounts." + name + ".server", Reason: "server is required"}
		}
		seen := make(map[string]bool)
		for i, cur := range acct.Currencies {
			if cur.Symbol == "" {
				return &ConfigError{Field: fmt.Sprintf("accounts.%s.currencies[%d].symbol", name, i), Reason: "symbol is required"}
			}
			if seen[cur.Symbol] {
				return &ConfigError{Field: "accounts." + name + ".currencies", Reason: "duplicate symbol " + cur.Symbol}
			}
			seen[cur.Symbol] = true
			if s := cur.Strategy; s != nil && s.Template != nil {
				if _, ok := f.StrategyTemplates[*s.Template]; !ok {
					return &ConfigError{Field: "accounts." + name + ".currencies", Reason: "unknown strategy template " + *s.Template}
				}
			}
		}
	}
	if err := validateResolved(f); err != nil {
		return err
	}
	return nil
}

// validateResolved resolves every (account, instrument) pair once so bad
// numbers surface at load time instead of mid-cycle.
func validateResolved(f *File) error {
	for name, acct := range f.Accounts {
		for _, cur := range acct.Currencies {
			ic := resolveInstrument(f, acct, cur)
			field := fmt.Sprintf("accounts.%s.currencies(%s)", name, cur.Symbol)
			if ic.RiskPercent <= 0 || ic.RiskPercent > 100 {
				return &ConfigError{Field: field, Reason: fmt.Sprintf("risk_percent %.2f out of (0,100]", ic.RiskPercent)}
			}
			if ic.Strategy.FastPeriod <= 0 || ic.Strategy.SlowPeriod <= 0 {
				return &ConfigError{Field: field, Reason: "strategy periods must be positive"}
			}
			if ic.Strategy.FastPeriod >= ic.Strategy.SlowPeriod {
				return &ConfigError{Field: field, Reason: "fast_period must be below slow_period"}
			}
			if ic.MinPositionSize <= 0 || ic.MaxPositionSize < ic.MinPositionSize {
				return &ConfigError{Field: field, Reason: "invalid position size bounds"}
			}
			if ic.MinConfidence < 0 || ic.MinConfidence > 1 {
				return &ConfigError{Field: field, Reason: "min_confidence out of [0,1]"}
			}
			switch ic.Strategy.Kind {
			case StrategyPosition, StrategyCrossover:
			default:
				return &ConfigError{Field: field, Reason: "unknown strategy kind " + string(ic.Strategy.Kind)}
			}
		}
	}
	return nil
}
