package config

import (
	"fmt"
	"sort"
	"time"
)

// StrategyKind selects how the signal engine interprets the moving averages.
type StrategyKind string

const (
	StrategyPosition  StrategyKind = "position"
	StrategyCrossover StrategyKind = "crossover"
)

// StrategyParams are the fully resolved strategy settings for one instrument.
type StrategyParams struct {
	Kind           StrategyKind
	FastPeriod     int
	SlowPeriod     int
	StopLossPips   float64
	TakeProfitPips float64
}

// PositionManagement are the resolved SL/TP mutation rules.
type PositionManagement struct {
	Breakeven    BreakevenRule
	TrailingStop TrailingRule
	PartialClose PartialCloseRule
}

// InstrumentConfig is the merge of defaults -> account -> instrument for one
// (account, symbol) pair. Every field is resolved; nothing is left unset.
type InstrumentConfig struct {
	Symbol              string
	Enabled             bool
	RiskPercent         float64
	Timeframe           string
	Strategy            StrategyParams
	MaxPositionSize     float64
	MinPositionSize     float64
	Cooldown            time.Duration
	TradeOnSignalChange bool
	MinConfidence       float64
	TradingHours        *TradingHours
	PositionMgmt        PositionManagement
}

// ExecutionParams control the orchestrator loop for one account.
type ExecutionParams struct {
	Interval              time.Duration
	ParallelExecution     bool
	MaxWorkers            int
	UseIntelligentManager bool
	UseML                 bool
	UseSentiment          bool
}

// PortfolioParams bound cross-instrument exposure for one account.
type PortfolioParams struct {
	PortfolioRiskPercent float64
	MaxConcurrentTrades  int
}

// EmergencyParams are the account-wide hard stops.
type EmergencyParams struct {
	StopAll             bool
	MaxDailyLossPercent float64
	MaxDrawdownPercent  float64
	CloseAllOnStop      bool
}

// AccountProfile is the resolved configuration for one account: credentials,
// execution parameters and the ordered set of instrument configs.
type AccountProfile struct {
	Name      string
	Login     int64
	Password  string
	Server    string
	Broker    string
	BridgeURL string
	Enabled   bool
	Execution ExecutionParams
	Portfolio PortfolioParams
	Emergency EmergencyParams

	Instruments []InstrumentConfig
}

// Instrument returns the resolved config for symbol, or nil.
func (p *AccountProfile) Instrument(symbol string) *InstrumentConfig {
	for i := range p.Instruments {
		if p.Instruments[i].Symbol == symbol {
			return &p.Instruments[i]
		}
	}
	return nil
}

// Built-in fallbacks applied below the "defaults" section.
var builtin = struct {
	intervalSeconds     int
	maxWorkers          int
	riskPercent         float64
	maxPositionSize     float64
	minPositionSize     float64
	timeframe           string
	fastPeriod          int
	slowPeriod          int
	stopLossPips        float64
	takeProfitPips      float64
	cooldownSeconds     int
	tradeOnSignalChange bool
	minConfidence       float64
	portfolioRisk       float64
	maxConcurrent       int
}{
	intervalSeconds:     30,
	maxWorkers:          4,
	riskPercent:         1.0,
	maxPositionSize:     1.0,
	minPositionSize:     0.01,
	timeframe:           "M15",
	fastPeriod:          10,
	slowPeriod:          20,
	stopLossPips:        20,
	takeProfitPips:      40,
	cooldownSeconds:     60,
	tradeOnSignalChange: true,
	minConfidence:       0.5,
	portfolioRisk:       5.0,
	maxConcurrent:       10,
}

// AccountNames lists the configured accounts in stable order.
func (s *Snapshot) AccountNames() []string {
	names := make([]string, 0, len(s.File.Accounts))
	for name := range s.File.Accounts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveAccount builds the full AccountProfile for the named account.
func (s *Snapshot) ResolveAccount(name string) (*AccountProfile, error) {
	acct, ok := s.File.Accounts[name]
	if !ok {
		return nil, &ConfigError{Field: "accounts", Reason: fmt.Sprintf("unknown account %q", name)}
	}
	f := s.File

	exec := mergeExecution(f.Defaults.Execution, acct.Execution)
	bridge := acct.BridgeURL
	if bridge == "" {
		bridge = "http://127.0.0.1:6542"
	}
	profile := &AccountProfile{
		Name:      name,
		Login:     acct.Login,
		Password:  acct.Password,
		Server:    acct.Server,
		Broker:    acct.Broker,
		BridgeURL: bridge,
		Enabled:   boolOr(acct.Enabled, true),
		Execution: exec,
		Portfolio: mergePortfolio(acct.Portfolio),
		Emergency: EmergencyParams{
			StopAll:             f.Emergency.StopAll,
			MaxDailyLossPercent: f.Emergency.MaxDailyLossPercent,
			MaxDrawdownPercent:  f.Emergency.MaxDrawdownPercent,
			CloseAllOnStop:      f.Emergency.CloseAllOnStop,
		},
	}
	for _, cur := range acct.Currencies {
		profile.Instruments = append(profile.Instruments, resolveInstrument(f, acct, cur))
	}
	return profile, nil
}

// Resolve returns the InstrumentConfig for one (account, symbol) pair.
func (s *Snapshot) Resolve(account, symbol string) (*InstrumentConfig, error) {
	acct, ok := s.File.Accounts[account]
	if !ok {
		return nil, &ConfigError{Field: "accounts", Reason: fmt.Sprintf("unknown account %q", account)}
	}
	for _, cur := range acct.Currencies {
		if cur.Symbol == symbol {
			ic := resolveInstrument(s.File, acct, cur)
			return &ic, nil
		}
	}
	return nil, &ConfigError{Field: "accounts." + account + ".currencies", Reason: fmt.Sprintf("unknown symbol %q", symbol)}
}

func resolveInstrument(f *File, acct *AccountSection, cur *CurrencySection) InstrumentConfig {
	strat := mergeStrategy(f,
		f.Defaults.Strategy, acct.Strategy, cur.Strategy)
	risk := mergeRisk(f.Defaults.Risk, acct.Risk, cur.Risk)
	rules := mergeRules(f.Defaults.TradingRules, acct.TradingRules, cur.TradingRules)
	pm := mergePositionMgmt(f.Defaults.PositionManagement, acct.PositionManagement, cur.PositionManagement)

	riskPercent := risk.riskPercent
	if cur.RiskPercent != nil {
		riskPercent = *cur.RiskPercent
	}

	hours := cur.TradingHours
	if hours == nil {
		hours = acct.TradingHours
	}
	if hours == nil {
		hours = f.Defaults.TradingHours
	}

	return InstrumentConfig{
		Symbol:              cur.Symbol,
		Enabled:             boolOr(cur.Enabled, true),
		RiskPercent:         riskPercent,
		Timeframe:           strat.timeframe,
		Strategy:            strat.params,
		MaxPositionSize:     risk.maxPositionSize,
		MinPositionSize:     risk.minPositionSize,
		Cooldown:            time.Duration(rules.cooldownSeconds) * time.Second,
		TradeOnSignalChange: rules.tradeOnSignalChange,
		MinConfidence:       rules.minConfidence,
		TradingHours:        hours,
		PositionMgmt:        pm,
	}
}

func mergeExecution(layers ...*ExecutionGroup) ExecutionParams {
	out := ExecutionParams{
		Interval:   time.Duration(builtin.intervalSeconds) * time.Second,
		MaxWorkers: builtin.maxWorkers,
	}
	for _, g := range layers {
		if g == nil {
			continue
		}
		if g.IntervalSeconds != nil {
			out.Interval = time.Duration(*g.IntervalSeconds) * time.Second
		}
		if g.ParallelExecution != nil {
			out.ParallelExecution = *g.ParallelExecution
		}
		if g.MaxWorkers != nil {
			out.MaxWorkers = *g.MaxWorkers
		}
		if g.UseIntelligentManager != nil {
			out.UseIntelligentManager = *g.UseIntelligentManager
		}
		if g.UseML != nil {
			out.UseML = *g.UseML
		}
		if g.UseSentiment != nil {
			out.UseSentiment = *g.UseSentiment
		}
	}
	return out
}

func mergePortfolio(g *PortfolioGroup) PortfolioParams {
	out := PortfolioParams{
		PortfolioRiskPercent: builtin.portfolioRisk,
		MaxConcurrentTrades:  builtin.maxConcurrent,
	}
	if g != nil {
		if g.PortfolioRiskPercent != nil {
			out.PortfolioRiskPercent = *g.PortfolioRiskPercent
		}
		if g.MaxConcurrentTrades != nil {
			out.MaxConcurrentTrades = *g.MaxConcurrentTrades
		}
	}
	return out
}

type resolvedRisk struct {
	riskPercent     float64
	maxPositionSize float64
	minPositionSize float64
}

func mergeRisk(layers ...*RiskGroup) resolvedRisk {
	out := resolvedRisk{
		riskPercent:     builtin.riskPercent,
		maxPositionSize: builtin.maxPositionSize,
		minPositionSize: builtin.minPositionSize,
	}
	for _, g := range layers {
		if g == nil {
			continue
		}
		if g.RiskPercent != nil {
			out.riskPercent = *g.RiskPercent
		}
		if g.MaxPositionSize != nil {
			out.maxPositionSize = *g.MaxPositionSize
		}
		if g.MinPositionSize != nil {
			out.minPositionSize = *g.MinPositionSize
		}
	}
	return out
}

type resolvedStrategy struct {
	params    StrategyParams
	timeframe string
}

func mergeStrategy(f *File, layers ...*StrategyGroup) resolvedStrategy {
	out := resolvedStrategy{
		params: StrategyParams{
			Kind:           StrategyPosition,
			FastPeriod:     builtin.fastPeriod,
			SlowPeriod:     builtin.slowPeriod,
			StopLossPips:   builtin.stopLossPips,
			TakeProfitPips: builtin.takeProfitPips,
		},
		timeframe: builtin.timeframe,
	}
	apply := func(g *StrategyGroup) {
		if g == nil {
			return
		}
		// A template expands first so explicit fields beside it win.
		if g.Template != nil {
			if tpl, ok := f.StrategyTemplates[*g.Template]; ok {
				apply2(&out, tpl)
			}
		}
		apply2(&out, g)
	}
	for _, g := range layers {
		apply(g)
	}
	return out
}

func apply2(out *resolvedStrategy, g *StrategyGroup) {
	if g.Kind != nil {
		out.params.Kind = StrategyKind(*g.Kind)
	}
	if g.Timeframe != nil {
		out.timeframe = *g.Timeframe
	}
	if g.FastPeriod != nil {
		out.params.FastPeriod = *g.FastPeriod
	}
	if g.SlowPeriod != nil {
		out.params.SlowPeriod = *g.SlowPeriod
	}
	if g.StopLossPips != nil {
		out.params.StopLossPips = *g.StopLossPips
	}
	if g.TakeProfitPips != nil {
		out.params.TakeProfitPips = *g.TakeProfitPips
	}
}

type resolvedRules struct {
	cooldownSeconds     int
	tradeOnSignalChange bool
	minConfidence       float64
}

func mergeRules(layers ...*TradingRulesGroup) resolvedRules {
	out := resolvedRules{
		cooldownSeconds:     builtin.cooldownSeconds,
		tradeOnSignalChange: builtin.tradeOnSignalChange,
		minConfidence:       builtin.minConfidence,
	}
	for _, g := range layers {
		if g == nil {
			continue
		}
		if g.CooldownSeconds != nil {
			out.cooldownSeconds = *g.CooldownSeconds
		}
		if g.TradeOnSignalChange != nil {
			out.tradeOnSignalChange = *g.TradeOnSignalChange
		}
		if g.MinConfidence != nil {
			out.minConfidence = *g.MinConfidence
		}
	}
	return out
}

func mergePositionMgmt(layers ...*PositionMgmtGroup) PositionManagement {
	var out PositionManagement
	for _, g := range layers {
		if g == nil {
			continue
		}
		if g.Breakeven != nil {
			out.Breakeven = *g.Breakeven
		}
		if g.TrailingStop != nil {
			out.TrailingStop = *g.TrailingStop
		}
		if g.PartialClose != nil {
			out.PartialClose = *g.PartialClose
		}
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p != nil {
		return *p
	}
	return def
}
