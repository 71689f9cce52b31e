// Package vad is an energy-based voice activity detector for 16-bit PCM in
// 10 ms frames. Speech starts when a frame's level rises above the high
// threshold and continues while it stays above the low one; a hangover keeps
// the detector active for a few frames after the level drops so word
// endings are not clipped.
package vad

import "math"

const (
	// DefaultLow and DefaultHigh are RMS levels relative to full scale
	// (about -46 and -36 dBFS).
	DefaultLow  = float32(0.005)
	DefaultHigh = float32(0.016)

	// DefaultHangover is 400 ms of 10 ms frames.
	DefaultHangover = 40
)

// Detector is a single-channel voice activity detector. Use New.
type Detector struct {
	low, high float32
	hangover  int
	remaining int
	active    bool
	enabled   bool
}

// New returns an enabled Detector with the default thresholds.
func New() *Detector {
	return &Detector{
		low:      DefaultLow,
		high:     DefaultHigh,
		hangover: DefaultHangover,
		enabled:  true,
	}
}

// SetEnabled toggles detection. A disabled Detector reports every frame
// as speech.
func (d *Detector) SetEnabled(enabled bool) {
	d.enabled = enabled
	if !enabled {
		d.Reset()
	}
}

func (d *Detector) Enabled() bool { return d.enabled }

// SetThresholds sets the silence and speech levels. Both are in [0, 100]
// and map linearly onto RMS [0.001, 0.05]; high is raised to low when
// below it.
func (d *Detector) SetThresholds(low, high int) {
	d.low = levelToRMS(low)
	d.high = max(levelToRMS(high), d.low)
}

// SetHangover sets the number of quiet frames still reported as speech.
func (d *Detector) SetHangover(frames int) {
	d.hangover = max(frames, 0)
}

func levelToRMS(level int) float32 {
	level = min(max(level, 0), 100)
	return 0.001 + float32(level)/100*0.049
}

// Active reports whether the last frame was classified as speech.
func (d *Detector) Active() bool { return d.active }

// Update classifies a frame with the given RMS level and reports whether
// it should be transmitted.
func (d *Detector) Update(rms float32) bool {
	if !d.enabled {
		d.active = true
		return true
	}
	threshold := d.high
	if d.active {
		threshold = d.low
	}
	switch {
	case rms > threshold:
		d.remaining = d.hangover
		d.active = true
	case d.remaining > 0:
		d.remaining--
		d.active = true
	default:
		d.active = false
	}
	return d.active
}

// Reset returns to the silent state.
func (d *Detector) Reset() {
	d.remaining = 0
	d.active = false
}

// RMS returns the root-mean-square level of a PCM frame relative to full
// scale.
func RMS(frame []int16) float32 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return float32(math.Sqrt(sum / float64(len(frame))))
}
