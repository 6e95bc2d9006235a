package station

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDiurnalGenerator_Deterministic(t *testing.T) {
	a := NewDiurnalGenerator(6, 10*time.Minute, 42)
	b := NewDiurnalGenerator(6, 10*time.Minute, 42)
	for i := 0; i < 50; i++ {
		at, ap := a.NextReading()
		bt, bp := b.NextReading()
		assert.Equal(t, at, bt)
		assert.Equal(t, ap, bp)
	}
}

func TestDiurnalGenerator_Ranges(t *testing.T) {
	g := NewDiurnalGenerator(0, 15*time.Minute, 1)
	rained := false
	for i := 0; i < 24*4*7; i++ {
		temp, precip := g.NextReading()
		assert.GreaterOrEqual(t, precip, 0.0)
		assert.InDelta(t, g.Mean, temp, g.Amplitude+5*g.Noise)
		if precip > 0 {
			rained = true
		}
	}
	assert.True(t, rained, "a simulated week should see some rain")
}

func TestDiurnalGenerator_AfternoonWarmerThanNight(t *testing.T) {
	g := NewDiurnalGenerator(0, time.Hour, 1)
	assert.Greater(t, g.baseline(15), g.baseline(3))
	assert.InDelta(t, g.Mean+g.Amplitude, g.baseline(15), 1e-9)
	assert.InDelta(t, g.Mean-g.Amplitude, g.baseline(3), 1e-9)
}

func TestDiurnalGenerator_StartHourWraps(t *testing.T) {
	g := NewDiurnalGenerator(-3, time.Hour, 1)
	assert.Equal(t, 21*time.Hour, g.clock)
	g = NewDiurnalGenerator(26, time.Hour, 1)
	assert.Equal(t, 2*time.Hour, g.clock)
}
