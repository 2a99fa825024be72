package psgd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultSchedule(t *testing.T) {
	s := DefaultSchedule()

	for step := 0; step < 250; step++ {
		assert.Equal(t, 1.0, s(step))
	}
	assert.Equal(t, 1.0, s(250))

	prev := s(250)
	for step := 251; step < 10000; step++ {
		p := s(step)
		assert.LessOrEqual(t, p, 1.0)
		assert.GreaterOrEqual(t, p, 0.03)
		if prev > 0.03 {
			assert.Less(t, p, prev, "step %d", step)
		} else {
			assert.Equal(t, 0.03, p)
		}
		prev = p
	}
	assert.Equal(t, 0.03, s(100000))
	assert.InDelta(t, math.Exp(-0.75), s(1000), 1e-12)
}

func TestConstantSchedule(t *testing.T) {
	s := ConstantSchedule(0.4)
	assert.Equal(t, 0.4, s(0))
	assert.Equal(t, 0.4, s(12345))
}

func TestLogSchedule(t *testing.T) {
	s := LogSchedule(0.5, 2)
	assert.Equal(t, 1.0, s(0))
	assert.Equal(t, 1.0, s(1))
	// log10(100^0.5) = 1, so 1/(1^2 + 1).
	assert.InDelta(t, 0.5, s(100), 1e-12)
	assert.Less(t, s(10000), s(100))
}
