// Package accel holds the acceleration sample type and the magnitude
// evaluation applied to every sample.
package accel

import "math"

// Sample is one 3-axis acceleration reading in g.
type Sample struct {
	X, Y, Z float32
}

// Magnitude returns the Euclidean norm of s. NaN and Inf components
// propagate into the result.
func Magnitude(s Sample) float32 {
	x, y, z := float64(s.X), float64(s.Y), float64(s.Z)

	return float32(math.Sqrt(x*x + y*y + z*z))
}

// Magnitude is a convenience for accel.Magnitude(s).
func (s Sample) Magnitude() float32 {
	return Magnitude(s)
}
