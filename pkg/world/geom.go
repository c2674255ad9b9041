package world

import "math"

// Epsilon is the tolerance for position comparisons.
const Epsilon = 1e-6

// Idle is the relative-angle sentinel of an actor that is not moving. It lies
// outside [-π, π] so it can never be confused with a real heading.
var Idle = math.Inf(1)

// IsIdle reports whether a relative angle is the Idle sentinel.
func IsIdle(relative float64) bool {
	return math.IsInf(relative, 1)
}

// NormalizeAngle maps an angle into [-π, π]. Idle passes through unchanged.
func NormalizeAngle(a float64) float64 {
	if IsIdle(a) || math.IsNaN(a) {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// Vec2 is a point or displacement in the world plane.
type Vec2 struct {
	X, Y float64
}

func (v Vec2) Add(o Vec2) Vec2         { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Sub(o Vec2) Vec2         { return Vec2{v.X - o.X, v.Y - o.Y} }
func (v Vec2) Scale(f float64) Vec2    { return Vec2{v.X * f, v.Y * f} }
func (v Vec2) Len() float64            { return math.Hypot(v.X, v.Y) }
func (v Vec2) Dist(o Vec2) float64     { return v.Sub(o).Len() }
func (v Vec2) ApproxEqual(o Vec2) bool { return v.Dist(o) <= Epsilon }

// Direction returns the unit vector of an absolute angle.
func Direction(angle float64) Vec2 {
	sin, cos := math.Sincos(angle)
	return Vec2{cos, sin}
}
