package capture

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/ent0n29/mockpanel/internal/capability"
)

var (
	simulatedPostures    = []string{"upright", "upright", "upright", "leaning", "slouched"}
	simulatedExpressions = []string{"neutral", "smile", "focused", "thinking", "surprised"}
)

// RandomDetector produces placeholder visual features from a random source.
// It performs no image analysis and exists only for simulation and tests
// until a real detector is plugged in.
type RandomDetector struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomDetector(seed uint64) *RandomDetector {
	return &RandomDetector{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (d *RandomDetector) Detect(_ context.Context, _ capability.Frame) (VisualFeatures, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	f := VisualFeatures{
		EyeContact:   60 + d.rng.Float64()*35,
		HeadMovement: d.rng.Float64() * 20,
		Posture:      simulatedPostures[d.rng.IntN(len(simulatedPostures))],
		Gesture:      d.rng.Float64() < 0.1,
	}
	if d.rng.Float64() < 0.3 {
		f.Expressions = []string{simulatedExpressions[d.rng.IntN(len(simulatedExpressions))]}
	}
	return f, nil
}

// JitterFunc returns a value in [-1, 1] used to perturb nervousness.
type JitterFunc func() float64

// RandomJitter returns a seeded jitter source.
func RandomJitter(seed uint64) JitterFunc {
	var mu sync.Mutex
	rng := rand.New(rand.NewPCG(seed, seed+1))
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		return rng.Float64()*2 - 1
	}
}

// NoJitter keeps nervousness deterministic.
func NoJitter() float64 { return 0 }
