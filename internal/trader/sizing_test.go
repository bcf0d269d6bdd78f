package trader

import (
	"testing"

	"mt-trading-engine/internal/broker"
)

func TestComputeVolumeReference(t *testing.T) {
	// 10k balance at 1% risk, 20 pip stop, $10/pip/lot: exactly 0.5 lots.
	info := broker.DefaultSymbolInfo("EURUSD")
	got := ComputeVolume(100, 1.1000, 1.0980, info, 0.01, 1.0)
	if got != 0.5 {
		t.Errorf("volume = %v, want 0.5", got)
	}
}

func TestComputeVolumeFloorsToLotStep(t *testing.T) {
	info := broker.DefaultSymbolInfo("EURUSD")
	// 17.3 pips of stop distance: 100 / (17.3*10) = 0.578..., floored to 0.57.
	got := ComputeVolume(100, 1.10000, 1.09827, info, 0.01, 1.0)
	if got != 0.57 {
		t.Errorf("volume = %v, want 0.57 (floored, never rounded up)", got)
	}
}

func TestComputeVolumeClampsToMax(t *testing.T) {
	info := broker.DefaultSymbolInfo("EURUSD")
	got := ComputeVolume(10000, 1.1000, 1.0980, info, 0.01, 1.0)
	if got != 1.0 {
		t.Errorf("volume = %v, want clamped 1.0", got)
	}
}

func TestComputeVolumeBelowMinimumSkips(t *testing.T) {
	info := broker.DefaultSymbolInfo("EURUSD")
	// 1 of risk over a 20 pip stop: 0.005 lots, below min 0.01.
	got := ComputeVolume(1, 1.1000, 1.0980, info, 0.01, 1.0)
	if got != 0 {
		t.Errorf("volume = %v, want 0 below minimum", got)
	}
}

func TestComputeVolumeDegenerateInputs(t *testing.T) {
	info := broker.DefaultSymbolInfo("EURUSD")
	if got := ComputeVolume(100, 1.1000, 1.1000, info, 0.01, 1.0); got != 0 {
		t.Errorf("zero stop distance: volume = %v, want 0", got)
	}
	if got := ComputeVolume(0, 1.1000, 1.0980, info, 0.01, 1.0); got != 0 {
		t.Errorf("zero risk: volume = %v, want 0", got)
	}
	if got := ComputeVolume(-50, 1.1000, 1.0980, info, 0.01, 1.0); got != 0 {
		t.Errorf("negative risk: volume = %v, want 0", got)
	}
}

func TestComputeVolumeJPY(t *testing.T) {
	// USDJPY pip is 0.01; the reference table carries its own pip value.
	info := broker.DefaultSymbolInfo("USDJPY")
	if info.PipSize != 0.01 {
		t.Fatalf("pip size = %v, want 0.01", info.PipSize)
	}
	// 20 pip stop at 150.00: 100 / (20 * 6.70) = 0.746..., floored to 0.74.
	got := ComputeVolume(100, 150.00, 149.80, info, 0.01, 5.0)
	if got != 0.74 {
		t.Errorf("volume = %v, want 0.74", got)
	}
}
