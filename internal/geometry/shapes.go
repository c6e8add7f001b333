package geometry

import (
	"fmt"
	"math"
)

// Rectangle is an axis aligned box anchored at its top left corner.
type Rectangle struct {
	Pos  Point  `json:"pos"`
	Size Vector `json:"size"`
}

// NewRectangle builds a rectangle from its top left corner. Non-positive sizes are programmer errors.
func NewRectangle(pos Point, size Vector) Rectangle {
	if size.X <= 0 || size.Y <= 0 {
		panic(fmt.Sprintf("geometry: rectangle size must be positive, got (%g, %g)", size.X, size.Y))
	}
	return Rectangle{Pos: pos, Size: size}
}

// NewRectangleAt builds a rectangle centred on center.
func NewRectangleAt(center Point, size Vector) Rectangle {
	return NewRectangle(Vector{X: center.X - size.X/2, Y: center.Y - size.Y/2}, size)
}

func (r Rectangle) Top() float64    { return r.Pos.Y }
func (r Rectangle) Bottom() float64 { return r.Pos.Y + r.Size.Y }
func (r Rectangle) Left() float64   { return r.Pos.X }
func (r Rectangle) Right() float64  { return r.Pos.X + r.Size.X }

// Center returns the midpoint of the rectangle.
func (r Rectangle) Center() Point {
	return Point{X: r.Pos.X + r.Size.X/2, Y: r.Pos.Y + r.Size.Y/2}
}

// Circle is a disc described by its center and radius.
type Circle struct {
	Pos    Point   `json:"pos"`
	Radius float64 `json:"radius"`
}

// NewCircle builds a circle. Non-positive radii are programmer errors.
func NewCircle(pos Point, radius float64) Circle {
	if radius <= 0 {
		panic(fmt.Sprintf("geometry: circle radius must be positive, got %g", radius))
	}
	return Circle{Pos: pos, Radius: radius}
}

func (c Circle) Top() float64    { return c.Pos.Y - c.Radius }
func (c Circle) Bottom() float64 { return c.Pos.Y + c.Radius }
func (c Circle) Left() float64   { return c.Pos.X - c.Radius }
func (c Circle) Right() float64  { return c.Pos.X + c.Radius }

// RectVsRect reports whether the rectangles overlap. Touching edges do not count.
func RectVsRect(a, b Rectangle) bool {
	return a.Left() < b.Right() &&
		a.Right() > b.Left() &&
		a.Top() < b.Bottom() &&
		a.Bottom() > b.Top()
}

// ClosestPoint returns the point of rect nearest to the circle center.
func ClosestPoint(rect Rectangle, circle Circle) Point {
	center := rect.Center()
	diff := circle.Pos.Sub(center)
	half := rect.Size.Scale(0.5)
	clamped := Vector{
		X: math.Max(-half.X, math.Min(half.X, diff.X)),
		Y: math.Max(-half.Y, math.Min(half.Y, diff.Y)),
	}
	return center.Add(clamped)
}

// RectVsCircle reports whether the circle penetrates the rectangle.
func RectVsCircle(rect Rectangle, circle Circle) bool {
	return ClosestPoint(rect, circle).Sub(circle.Pos).Length() < circle.Radius
}

// CircleVsCircle reports whether the circles touch or overlap.
func CircleVsCircle(a, b Circle) bool {
	diff := a.Pos.Sub(b.Pos)
	reach := a.Radius + b.Radius
	return diff.Dot(diff) <= reach*reach
}
