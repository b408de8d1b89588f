package throttle

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/LucasGS520/Market-Suite/internal/config"
)

// HumanDelay computes sleep durations that mimic a person reading the
// page: a base delay, reflection time, word-count reading time and a
// random fatigue component. Block recovery prolongs the base delay.
type HumanDelay struct {
	mu        sync.Mutex
	avgWPM    float64
	baseDelay float64

	fatigueMin, fatigueMax float64

	sleep     func(context.Context, time.Duration) error
	randFloat func() float64
}

// NewHumanDelay builds a delay manager from settings.
func NewHumanDelay(cfg config.HumanSettings) *HumanDelay {
	return &HumanDelay{
		avgWPM:     cfg.AvgWPM,
		baseDelay:  cfg.BaseDelay,
		fatigueMin: cfg.FatigueMin,
		fatigueMax: cfg.FatigueMax,
		sleep:      sleepCtx,
		randFloat:  rand.Float64,
	}
}

// CalculateDelay returns the delay in seconds for the given page text.
func (h *HumanDelay) CalculateDelay(text string, reflectionTime float64) float64 {
	words := 0
	if text != "" {
		words = len(strings.Fields(text))
	}
	readingTime := float64(words) / h.avgWPM * 60

	h.mu.Lock()
	base := h.baseDelay
	fatigue := h.fatigueMin + h.randFloat()*(h.fatigueMax-h.fatigueMin)
	h.mu.Unlock()

	return base + reflectionTime + readingTime + fatigue
}

// Wait sleeps for the computed delay, honoring context cancellation.
func (h *HumanDelay) Wait(ctx context.Context, text string, reflectionTime float64) error {
	d := h.CalculateDelay(text, reflectionTime)
	return h.sleep(ctx, time.Duration(d*float64(time.Second)))
}

// Prolong multiplies the base delay, slowing every later fetch.
func (h *HumanDelay) Prolong(factor float64) {
	h.mu.Lock()
	h.baseDelay *= factor
	h.mu.Unlock()
}

// BaseDelay returns the current base delay in seconds.
func (h *HumanDelay) BaseDelay() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseDelay
}
