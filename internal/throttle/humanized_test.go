package throttle

import (
	"context"
	"strings"
	"testing"
	"time"

	. "github.com/onsi/gomega"

	"github.com/LucasGS520/Market-Suite/internal/config"
)

func newTestHumanDelay() *HumanDelay {
	h := NewHumanDelay(config.HumanSettings{
		AvgWPM:     200,
		BaseDelay:  1.0,
		FatigueMin: 0.5,
		FatigueMax: 2.0,
	})
	h.randFloat = func() float64 { return 0.5 } // fatigue 1.25
	return h
}

func TestCalculateDelayFormula(t *testing.T) {
	g := NewWithT(t)
	h := newTestHumanDelay()

	// 100 words at 200 wpm read in 30 s; base 1.0, reflection 0.5,
	// midpoint fatigue 1.25.
	text := strings.Repeat("palavra ", 100)
	g.Expect(h.CalculateDelay(text, 0.5)).To(BeNumerically("~", 32.75, 1e-9))

	// Empty text still pays base, reflection and fatigue.
	g.Expect(h.CalculateDelay("", 0)).To(BeNumerically("~", 2.25, 1e-9))
}

func TestProlongCompounds(t *testing.T) {
	g := NewWithT(t)
	h := newTestHumanDelay()

	h.Prolong(1.5)
	g.Expect(h.BaseDelay()).To(BeNumerically("~", 1.5, 1e-9))
	h.Prolong(1.5)
	g.Expect(h.BaseDelay()).To(BeNumerically("~", 2.25, 1e-9))

	g.Expect(h.CalculateDelay("", 0)).To(BeNumerically("~", 3.5, 1e-9))
}

func TestHumanWaitUsesComputedDelay(t *testing.T) {
	g := NewWithT(t)
	h := newTestHumanDelay()

	var slept time.Duration
	h.sleep = func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}
	g.Expect(h.Wait(context.Background(), "", 0)).To(Succeed())
	g.Expect(slept).To(BeNumerically("~", 2250*time.Millisecond, time.Millisecond))
}
