// Package marker defines the fiducial detector port and the pose estimate
// derived from a detected marker's corners.
package marker

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/eaglewings/powerwatch/internal/vehicle"
)

// ErrDetector is returned for malformed frames or a failing detector backend.
var ErrDetector = errors.New("detector error")

// DefaultFOV is the horizontal field of view in degrees of the stock camera.
const DefaultFOV = 82.6

// Point is a pixel coordinate, origin top-left.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Observation is one detected marker in a frame. Corners run clockwise from top-left.
type Observation struct {
	ID      int      `json:"id"`
	Corners [4]Point `json:"corners"`
}

// Center returns the mean of the four corners.
func (o Observation) Center() Point {
	var c Point
	for _, p := range o.Corners {
		c.X += p.X
		c.Y += p.Y
	}
	c.X /= 4
	c.Y /= 4
	return c
}

// SideLength returns the mean edge length in pixels.
func (o Observation) SideLength() float64 {
	var total float64
	for i := range o.Corners {
		a, b := o.Corners[i], o.Corners[(i+1)%4]
		total += math.Hypot(b.X-a.X, b.Y-a.Y)
	}
	return total / 4
}

// Position is a marker location relative to the camera, in metres.
// X is to the right, Y is forward along the optical axis.
type Position struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Distance float64 `json:"distance"`
	Bearing  float64 `json:"bearing"` // degrees, positive to the right
}

func (p Position) String() string {
	return fmt.Sprintf("(%.2fm, %.2fm) d=%.2fm b=%.1f°", p.X, p.Y, p.Distance, p.Bearing)
}

// Detector finds markers in a frame. An empty slice means no markers.
type Detector interface {
	Detect(ctx context.Context, frame vehicle.Frame) ([]Observation, error)
}

// FocalLength returns the pinhole focal length in pixels for a frame width and
// horizontal field of view in degrees.
func FocalLength(width int, fov float64) float64 {
	return (float64(width) / 2) / math.Tan(fov/2*math.Pi/180)
}

// Estimate derives the marker position from its apparent size and horizontal offset.
func Estimate(obs Observation, frameWidth int, fov, markerSize float64) (Position, error) {
	if frameWidth <= 0 || fov <= 0 || fov >= 180 {
		return Position{}, fmt.Errorf("%w: bad camera geometry width=%d fov=%.1f", ErrDetector, frameWidth, fov)
	}
	side := obs.SideLength()
	if side <= 0 || math.IsNaN(side) {
		return Position{}, fmt.Errorf("%w: degenerate marker %d", ErrDetector, obs.ID)
	}

	f := FocalLength(frameWidth, fov)
	c := obs.Center()
	bearing := math.Atan((c.X - float64(frameWidth)/2) / f)
	distance := markerSize * f / side

	return Position{
		X:        distance * math.Sin(bearing),
		Y:        distance * math.Cos(bearing),
		Distance: distance,
		Bearing:  bearing * 180 / math.Pi,
	}, nil
}

// Largest returns the observation with the largest apparent size, which is the
// closest one for markers of equal physical size.
func Largest(obs []Observation) (Observation, bool) {
	if len(obs) == 0 {
		return Observation{}, false
	}
	best := obs[0]
	for _, o := range obs[1:] {
		if o.SideLength() > best.SideLength() {
			best = o
		}
	}
	return best, true
}

// Square builds the corners of an axis-aligned square marker centred at c.
func Square(id int, c Point, side float64) Observation {
	h := side / 2
	return Observation{
		ID: id,
		Corners: [4]Point{
			{c.X - h, c.Y - h},
			{c.X + h, c.Y - h},
			{c.X + h, c.Y + h},
			{c.X - h, c.Y + h},
		},
	}
}
