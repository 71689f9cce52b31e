package adapt

import "testing"

func TestNextDepthStepsUpOnHighLoss(t *testing.T) {
	// 10% concealed: step up one rung.
	got := NextDepth(3, 500, 50)
	if got != 4 {
		t.Errorf("high loss: NextDepth(3, 500, 50) = %d, want 4", got)
	}
}

func TestNextDepthStepsDownOnLowLoss(t *testing.T) {
	got := NextDepth(3, 500, 0)
	if got != 2 {
		t.Errorf("clean link: NextDepth(3, 500, 0) = %d, want 2", got)
	}
}

func TestNextDepthHoldsOnModerateLoss(t *testing.T) {
	// 3% sits between the thresholds.
	got := NextDepth(4, 500, 15)
	if got != 4 {
		t.Errorf("moderate loss: NextDepth(4, 500, 15) = %d, want 4 (hold)", got)
	}
}

func TestNextDepthHoldsOnTooFewSamples(t *testing.T) {
	got := NextDepth(3, MinSamples-1, MinSamples-1)
	if got != 3 {
		t.Errorf("short interval: got %d, want 3 (hold)", got)
	}
}

func TestNextDepthCannotExceedMax(t *testing.T) {
	top := Ladder[len(Ladder)-1]
	if got := NextDepth(top, 500, 500); got != top {
		t.Errorf("at max rung: got %d, want %d", got, top)
	}
}

func TestNextDepthCannotGoBelowMin(t *testing.T) {
	bottom := Ladder[0]
	if got := NextDepth(bottom, 500, 0); got != bottom {
		t.Errorf("at min rung: got %d, want %d", got, bottom)
	}
}

func TestNextDepthUnknownValueSnapsToClosestRung(t *testing.T) {
	// 5 is equidistant between 4 and 6; the lower rung wins, then high
	// loss steps up to 6.
	if got := NextDepth(5, 500, 100); got != 6 {
		t.Errorf("snap+step: NextDepth(5, 500, 100) = %d, want 6", got)
	}
	// Out-of-range values snap to the ends.
	if got := NextDepth(99, 10, 0); got != 8 {
		t.Errorf("snap high: got %d, want 8", got)
	}
}

func TestStepIndex(t *testing.T) {
	for i, step := range Ladder {
		if got := stepIndex(step); got != i {
			t.Errorf("stepIndex(%d) = %d, want %d", step, got, i)
		}
	}
}

func TestDefaultDepthIsOnLadder(t *testing.T) {
	if Ladder[stepIndex(DefaultDepth)] != DefaultDepth {
		t.Errorf("DefaultDepth %d is not a ladder rung", DefaultDepth)
	}
}
