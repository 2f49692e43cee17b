package marker

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservation_Geometry(t *testing.T) {
	o := Square(7, Point{100, 50}, 20)

	assert.Equal(t, Point{100, 50}, o.Center())
	assert.InDelta(t, 20, o.SideLength(), 1e-9)
}

func TestEstimate_Centred(t *testing.T) {
	const width = 640
	f := FocalLength(width, 90)
	assert.InDelta(t, 320, f, 1e-9)

	// 0.05 m marker at 2 m appears 8 px wide
	obs := Square(0, Point{320, 240}, 0.05*f/2)

	pos, err := Estimate(obs, width, 90, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, pos.Distance, 1e-9)
	assert.InDelta(t, 0, pos.Bearing, 1e-9)
	assert.InDelta(t, 0, pos.X, 1e-9)
	assert.InDelta(t, 2.0, pos.Y, 1e-9)
}

func TestEstimate_OffAxis(t *testing.T) {
	const width = 640
	f := FocalLength(width, 90)

	// marker 30 degrees to the right at 1.5 m
	b := 30 * math.Pi / 180
	obs := Square(3, Point{320 + f*math.Tan(b), 240}, 0.1*f/1.5)

	pos, err := Estimate(obs, width, 90, 0.1)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, pos.Distance, 1e-9)
	assert.InDelta(t, 30, pos.Bearing, 1e-9)
	assert.InDelta(t, 0.75, pos.X, 1e-9)
	assert.InDelta(t, 1.5*math.Cos(b), pos.Y, 1e-9)
}

func TestEstimate_Rejects(t *testing.T) {
	good := Square(0, Point{10, 10}, 5)

	_, err := Estimate(Observation{}, 640, 80, 0.05)
	assert.ErrorIs(t, err, ErrDetector)

	_, err = Estimate(good, 0, 80, 0.05)
	assert.ErrorIs(t, err, ErrDetector)

	_, err = Estimate(good, 640, 180, 0.05)
	assert.ErrorIs(t, err, ErrDetector)
}

func TestLargest(t *testing.T) {
	_, ok := Largest(nil)
	assert.False(t, ok)

	far := Square(1, Point{100, 100}, 10)
	near := Square(2, Point{300, 100}, 40)

	got, ok := Largest([]Observation{far, near, far})
	require.True(t, ok)
	assert.Equal(t, 2, got.ID)
}
