// Package geometry provides the coordinate transforms applied to normalized landmark points.
package geometry

import "math"

// Point is a 2D point normalized to [0,1] relative to the frame, origin top-left.
// Rotation may move a point outside [0,1].
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TransformSpec describes how landmarks are mapped onto the displayed frame.
type TransformSpec struct {
	// Mirror flips the frame horizontally (x = 1 - x). Applied before rotation.
	Mirror bool `json:"mirror"`

	// RotationDegrees rotates about the frame center (0.5, 0.5).
	// The point is rotated by the negated angle so landmarks follow a video
	// element rotated by the same number of degrees.
	RotationDegrees float64 `json:"rotation_degrees"`
}

// IsIdentity reports whether s leaves every point unchanged.
func (s TransformSpec) IsIdentity() bool {
	return !s.Mirror && s.RotationDegrees == 0
}

// Transform maps p through spec.
//
// The mirrored x is used for both the cosine and the sine terms of the rotation.
func Transform(p Point, spec TransformSpec) Point {
	x, y := p.X, p.Y

	if spec.Mirror {
		x = 1 - x
	}

	if spec.RotationDegrees != 0 {
		theta := -spec.RotationDegrees * math.Pi / 180
		sin, cos := math.Sincos(theta)
		dx, dy := x-0.5, y-0.5
		x = dx*cos - dy*sin + 0.5
		y = dy*cos + dx*sin + 0.5
	}

	return Point{X: x, Y: y}
}

// Normalize converts a pixel position to normalized coordinates.
// A zero width or height yields the zero point.
func Normalize(px, py float64, width, height int) Point {
	if width <= 0 || height <= 0 {
		return Point{}
	}
	return Point{X: px / float64(width), Y: py / float64(height)}
}

// ToPixel converts a normalized point to integer pixel coordinates for a frame of the given size.
func (p Point) ToPixel(width, height int) (int, int) {
	return int(math.Round(p.X * float64(width))), int(math.Round(p.Y * float64(height)))
}

// InFrame reports whether the point lies within the normalized frame.
func (p Point) InFrame() bool {
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}
