package world

import (
	"fmt"
	"math"
	"strings"
)

// GridPoint addresses a cell. Z is 0 in 2D worlds.
type GridPoint struct {
	X, Y, Z int
}

func (p GridPoint) Add(o GridPoint) GridPoint {
	return GridPoint{p.X + o.X, p.Y + o.Y, p.Z + o.Z}
}

func (p GridPoint) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.X, p.Y, p.Z)
}

// Neighborhood selects which cells count as adjacent.
type Neighborhood int

const (
	Four Neighborhood = iota
	Eight
	TwentySix
)

func (n Neighborhood) String() string {
	switch n {
	case Four:
		return "four"
	case Eight:
		return "eight"
	case TwentySix:
		return "twentysix"
	}
	return fmt.Sprintf("neighborhood(%d)", int(n))
}

// ParseNeighborhood accepts "four", "eight", "twentysix" and their digit spellings.
func ParseNeighborhood(s string) (Neighborhood, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "four", "4":
		return Four, nil
	case "", "eight", "8":
		return Eight, nil
	case "twentysix", "26":
		return TwentySix, nil
	}
	return 0, fmt.Errorf("unknown neighborhood %q", s)
}

// Offsets returns the relative grid points adjacent to the origin.
func (n Neighborhood) Offsets() []GridPoint {
	switch n {
	case Four:
		return []GridPoint{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}}
	case Eight:
		var out []GridPoint
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if dx != 0 || dy != 0 {
					out = append(out, GridPoint{dx, dy, 0})
				}
			}
		}
		return out
	case TwentySix:
		var out []GridPoint
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					if dx != 0 || dy != 0 || dz != 0 {
						out = append(out, GridPoint{dx, dy, dz})
					}
				}
			}
		}
		return out
	}
	return nil
}

// pointOf returns the grid point containing pos for the given cell size.
func pointOf(pos Vec2, cellSize float64) GridPoint {
	return GridPoint{
		X: int(math.Floor(pos.X / cellSize)),
		Y: int(math.Floor(pos.Y / cellSize)),
	}
}
