package station

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Generator produces the next sample a station reports.
type Generator interface {
	NextReading() (temperature, precipitation float64)
}

// DiurnalGenerator models a day: temperature follows a sine curve peaking
// mid-afternoon with some noise, and rain comes in spells. Each reading
// advances the simulated clock by Step.
type DiurnalGenerator struct {
	Mean      float64 // daily mean, °C
	Amplitude float64 // half the daily swing, °C
	Noise     float64 // standard deviation of temperature noise

	mu      sync.Mutex
	clock   time.Duration // since simulated midnight
	step    time.Duration
	rng     *rand.Rand
	raining bool
}

const (
	peakHour      = 15.0
	rainStartProb = 0.08
	rainStopProb  = 0.3
	rainMean      = 1.2 // mm per reading while raining
)

func NewDiurnalGenerator(startHour int, step time.Duration, seed uint64) *DiurnalGenerator {
	return &DiurnalGenerator{
		Mean:      12,
		Amplitude: 7,
		Noise:     0.4,
		clock:     time.Duration(((startHour%24)+24)%24) * time.Hour,
		step:      step,
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (g *DiurnalGenerator) NextReading() (temperature, precipitation float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	hour := math.Mod(g.clock.Hours(), 24)
	g.clock += g.step

	temperature = g.baseline(hour) + g.rng.NormFloat64()*g.Noise

	if g.raining {
		g.raining = g.rng.Float64() >= rainStopProb
	} else {
		g.raining = g.rng.Float64() < rainStartProb
	}
	if g.raining {
		precipitation = g.rng.ExpFloat64() * rainMean
	}
	return round1(temperature), round1(precipitation)
}

func (g *DiurnalGenerator) baseline(hour float64) float64 {
	return g.Mean + g.Amplitude*math.Cos(2*math.Pi*(hour-peakHour)/24)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
