package strategy

// SMA returns the simple moving average of the last period values ending at
// index i (inclusive). Returns 0 when there is not enough history.
func SMA(values []float64, period, i int) float64 {
	if period <= 0 || i+1 < period || i >= len(values) {
		return 0
	}
	var sum float64
	for j := i - period + 1; j <= i; j++ {
		sum += values[j]
	}
	return sum / float64(period)
}

// EMA returns the exponential moving average over values with the given
// period, seeded with the SMA of the first period values.
func EMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}
	out := make([]float64, len(values))
	var seed float64
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	out[period-1] = seed / float64(period)
	k := 2.0 / float64(period+1)
	for i := period; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

// RSI computes the Relative Strength Index over the final period changes.
func RSI(values []float64, period int) float64 {
	if period <= 0 || len(values) <= period {
		return 50
	}
	var gains, losses float64
	for i := len(values) - period; i < len(values); i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := gains / losses
	return 100 - 100/(1+rs)
}

// ATR computes the average true range over the last period bars expressed in
// price units.
func ATR(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if period <= 0 || n <= period || len(highs) != n || len(lows) != n {
		return 0
	}
	var sum float64
	for i := n - period; i < n; i++ {
		tr := highs[i] - lows[i]
		if d := abs(highs[i] - closes[i-1]); d > tr {
			tr = d
		}
		if d := abs(lows[i] - closes[i-1]); d > tr {
			tr = d
		}
		sum += tr
	}
	return sum / float64(period)
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
