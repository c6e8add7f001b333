// Package geometry provides the 2D value types and collision tests used by the match simulation.
// Coordinates place (0, 0) at the top left of the arena with y growing downwards.
package geometry

import "math"

// Vector is a two component displacement or direction.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Point marks a location in arena space. It is a type alias of Vector, so a Point and a Vector
// are interchangeable without conversion.
type Point = Vector

var (
	Zero  = Vector{}
	One   = Vector{X: 1, Y: 1}
	Right = Vector{X: 1}
	Left  = Vector{X: -1}
	Up    = Vector{Y: -1}
	Down  = Vector{Y: 1}
)

// Vec is shorthand for constructing a vector.
func Vec(x, y float64) Vector { return Vector{X: x, Y: y} }

// Add returns v+o.
func (v Vector) Add(o Vector) Vector { return Vector{X: v.X + o.X, Y: v.Y + o.Y} }

// Sub returns v-o.
func (v Vector) Sub(o Vector) Vector { return Vector{X: v.X - o.X, Y: v.Y - o.Y} }

// Mul multiplies component-wise.
func (v Vector) Mul(o Vector) Vector { return Vector{X: v.X * o.X, Y: v.Y * o.Y} }

// Scale multiplies both components by n.
func (v Vector) Scale(n float64) Vector { return Vector{X: v.X * n, Y: v.Y * n} }

// Dot returns the scalar product.
func (v Vector) Dot(o Vector) float64 { return v.X*o.X + v.Y*o.Y }

// Cross returns the 2D determinant v.X*o.Y - v.Y*o.X.
func (v Vector) Cross(o Vector) float64 { return v.X*o.Y - v.Y*o.X }

// Angle returns the signed angle in radians that rotates v onto o.
func (v Vector) Angle(o Vector) float64 { return math.Atan2(v.Cross(o), v.Dot(o)) }

// Length returns the euclidean norm.
func (v Vector) Length() float64 { return math.Hypot(v.X, v.Y) }

// Normalized returns a unit vector with v's heading. The zero vector is returned unchanged.
func (v Vector) Normalized() Vector {
	length := v.Length()
	if length == 0 {
		return v
	}
	return Vector{X: v.X / length, Y: v.Y / length}
}

// Normalize rescales v in place to unit length.
func (v *Vector) Normalize() {
	*v = v.Normalized()
}
