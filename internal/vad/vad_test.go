package vad

import (
	"math"
	"testing"
)

const loud = DefaultHigh * 2

func TestNewDefaults(t *testing.T) {
	d := New()
	if d.low != DefaultLow || d.high != DefaultHigh {
		t.Errorf("thresholds: got %f/%f", d.low, d.high)
	}
	if d.hangover != DefaultHangover {
		t.Errorf("hangover: got %d, want %d", d.hangover, DefaultHangover)
	}
	if !d.Enabled() || d.Active() {
		t.Error("expected enabled and silent by default")
	}
}

func TestDisabledPassesEverything(t *testing.T) {
	d := New()
	d.SetEnabled(false)
	if !d.Update(0) {
		t.Error("disabled detector should always report speech")
	}
}

func TestSpeechNeedsHighThreshold(t *testing.T) {
	d := New()
	// Between the thresholds does not start speech.
	mid := (DefaultLow + DefaultHigh) / 2
	if d.Update(mid) {
		t.Error("level below the high threshold should not start speech")
	}
	if !d.Update(loud) {
		t.Error("level above the high threshold should start speech")
	}
	// Once active, the low threshold applies.
	for i := range 3 * DefaultHangover {
		if !d.Update(mid) {
			t.Fatalf("frame %d: level above the low threshold should sustain speech", i)
		}
	}
}

func TestHangover(t *testing.T) {
	d := New()
	d.Update(loud)
	for i := range DefaultHangover {
		if !d.Update(0) {
			t.Errorf("hangover frame %d should still be speech", i)
		}
	}
	if d.Update(0) {
		t.Error("frame after hangover should be silence")
	}
	if d.Active() {
		t.Error("detector should be inactive")
	}
}

func TestHangoverResetOnSpeech(t *testing.T) {
	d := New()
	d.Update(loud)
	for range DefaultHangover - 1 {
		d.Update(0)
	}
	d.Update(loud)
	for i := range DefaultHangover {
		if !d.Update(0) {
			t.Errorf("hangover frame %d after speech reset should be speech", i)
		}
	}
}

func TestSetThresholds(t *testing.T) {
	d := New()
	d.SetThresholds(-10, 200)
	if math.Abs(float64(d.low)-0.001) > 1e-6 || math.Abs(float64(d.high)-0.05) > 1e-6 {
		t.Errorf("clamping: got %f/%f", d.low, d.high)
	}
	d.SetThresholds(50, 10)
	if d.high != d.low {
		t.Errorf("high below low should be raised: got %f/%f", d.low, d.high)
	}
}

func TestResetAndZeroHangover(t *testing.T) {
	d := New()
	d.SetHangover(-1)
	d.Update(loud)
	if d.Update(0) {
		t.Error("no hangover expected")
	}
	d.Update(loud)
	d.Reset()
	if d.Active() {
		t.Error("Reset should clear the active state")
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Error("nil frame should return 0")
	}
	// A full-scale sine has an RMS of 1/sqrt(2); 400 Hz fits the frame exactly.
	frame := make([]int16, 480)
	for i := range frame {
		frame[i] = int16(math.MaxInt16 * math.Sin(2*math.Pi*400*float64(i)/48000))
	}
	got := RMS(frame)
	if want := float32(1 / math.Sqrt2); math.Abs(float64(got-want)) > 0.005 {
		t.Errorf("RMS: got %f, want ~%f", got, want)
	}
}
