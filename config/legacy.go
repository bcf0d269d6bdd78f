package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// legacyFile is the v1 layout: one implicit account, a flat "global" section
// and a map of currencies. Detected by the absence of a "version" key.
type legacyFile struct {
	Global     legacyGlobal               `yaml:"global"`
	Currencies map[string]*legacyCurrency `yaml:"currencies"`
}

type legacyGlobal struct {
	Login    int64  `yaml:"login"`
	Password string `yaml:"password"`
	Server   string `yaml:"server"`
	Broker   string `yaml:"broker"`

	IntervalSeconds     *int     `yaml:"interval_seconds"`
	ParallelExecution   *bool    `yaml:"parallel_execution"`
	UseML               *bool    `yaml:"use_ml"`
	UseSentiment        *bool    `yaml:"use_sentiment"`
	RiskPercent         *float64 `yaml:"risk_percent"`
	MaxPositionSize     *float64 `yaml:"max_position_size"`
	MinPositionSize     *float64 `yaml:"min_position_size"`
	Timeframe           *string  `yaml:"timeframe"`
	FastPeriod          *int     `yaml:"fast_period"`
	SlowPeriod          *int     `yaml:"slow_period"`
	StopLossPips        *float64 `yaml:"sl_pips"`
	TakeProfitPips      *float64 `yaml:"tp_pips"`
	CooldownSeconds     *int     `yaml:"cooldown_seconds"`
	TradeOnSignalChange *bool    `yaml:"trade_on_signal_change"`
	MinConfidence       *float64 `yaml:"min_confidence"`
}

type legacyCurrency struct {
	Enabled        *bool    `yaml:"enabled"`
	RiskPercent    *float64 `yaml:"risk_percent"`
	Timeframe      *string  `yaml:"timeframe"`
	FastPeriod     *int     `yaml:"fast_period"`
	SlowPeriod     *int     `yaml:"slow_period"`
	StopLossPips   *float64 `yaml:"sl_pips"`
	TakeProfitPips *float64 `yaml:"tp_pips"`
}

// MigrateV1 converts a v1 document to the v2 layout with a single account
// named "default". Running the output through Parse again is a no-op, the
// emitted document carries version: 2.
func MigrateV1(raw []byte) ([]byte, error) {
	var legacy legacyFile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&legacy); err != nil {
		return nil, &ConfigError{Field: "v1", Reason: err.Error()}
	}

	g := legacy.Global
	out := File{
		Version: 2,
		Defaults: Groups{
			Execution: &ExecutionGroup{
				IntervalSeconds:   g.IntervalSeconds,
				ParallelExecution: g.ParallelExecution,
				UseML:             g.UseML,
				UseSentiment:      g.UseSentiment,
			},
			Risk: &RiskGroup{
				RiskPercent:     g.RiskPercent,
				MaxPositionSize: g.MaxPositionSize,
				MinPositionSize: g.MinPositionSize,
			},
			Strategy: &StrategyGroup{
				Timeframe:      g.Timeframe,
				FastPeriod:     g.FastPeriod,
				SlowPeriod:     g.SlowPeriod,
				StopLossPips:   g.StopLossPips,
				TakeProfitPips: g.TakeProfitPips,
			},
			TradingRules: &TradingRulesGroup{
				CooldownSeconds:     g.CooldownSeconds,
				TradeOnSignalChange: g.TradeOnSignalChange,
				MinConfidence:       g.MinConfidence,
			},
		},
		Accounts: map[string]*AccountSection{
			"default": {
				Login:    g.Login,
				Password: g.Password,
				Server:   g.Server,
				Broker:   g.Broker,
			},
		},
	}

	for symbol, cur := range legacy.Currencies {
		section := &CurrencySection{Symbol: symbol}
		if cur != nil {
			section.Enabled = cur.Enabled
			section.RiskPercent = cur.RiskPercent
			if cur.Timeframe != nil || cur.FastPeriod != nil || cur.SlowPeriod != nil ||
				cur.StopLossPips != nil || cur.TakeProfitPips != nil {
				section.Strategy = &StrategyGroup{
					Timeframe:      cur.Timeframe,
					FastPeriod:     cur.FastPeriod,
					SlowPeriod:     cur.SlowPeriod,
					StopLossPips:   cur.StopLossPips,
					TakeProfitPips: cur.TakeProfitPips,
				}
			}
		}
		out.Accounts["default"].Currencies = append(out.Accounts["default"].Currencies, section)
	}
	sortCurrencies(out.Accounts["default"].Currencies)

	return yaml.Marshal(&out)
}

func sortCurrencies(list []*CurrencySection) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j-1].Symbol > list[j].Symbol; j-- {
			list[j-1], list[j] = list[j], list[j-1]
		}
	}
}
