// Package gaze holds gaze samples, the bounded sample buffer and the sources
// that produce samples (a camera tracker bridge and a synthetic fallback).
package gaze

// Sample is one gaze reading. When Present is false no face or eyes were
// detected at that instant and X/Y carry no meaning.
type Sample struct {
	X         float64
	Y         float64
	Present   bool
	Timestamp int64 // monotonic milliseconds
}

// At returns a sample with coordinates.
func At(x, y float64, ts int64) Sample {
	return Sample{X: x, Y: y, Present: true, Timestamp: ts}
}

// Absent returns an absence marker.
func Absent(ts int64) Sample {
	return Sample{Timestamp: ts}
}

// Region is an axis-aligned rectangle in the same coordinate space as samples.
type Region struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
}

// Contains reports whether (x, y) lies inside r, edges included.
func (r Region) Contains(x, y float64) bool {
	return x >= r.Left && x <= r.Right && y >= r.Top && y <= r.Bottom
}

// Point is a screen position.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Viewport is the visible screen area samples are expressed in.
type Viewport struct {
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
}

// Center returns the middle of the viewport.
func (v Viewport) Center() Point {
	return Point{X: v.Width / 2, Y: v.Height / 2}
}

// CalibrationGrid returns the 3x3 calibration targets at 20/50/80% of the viewport,
// row by row.
func CalibrationGrid(v Viewport) []Point {
	fractions := []float64{0.2, 0.5, 0.8}
	points := make([]Point, 0, len(fractions)*len(fractions))
	for _, fy := range fractions {
		for _, fx := range fractions {
			points = append(points, Point{X: fx * v.Width, Y: fy * v.Height})
		}
	}
	return points
}
