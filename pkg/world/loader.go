package world

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
)

//go:embed worlds/default.toml
var defaultWorld []byte

// Loader produces a populated world.
type Loader interface {
	Load(logger *slog.Logger) (*World, error)
}

// File is the TOML layout of a world file.
//
// Each entry of Rows is one row of cells, row index = y, column = x:
//
//	'.'  walkable cell
//	'S'  walkable cell and player spawn point
//	'#'  blocked cell (part of the zone, visible through, never entered)
//	' '  no cell
type File struct {
	Name                string    `toml:"name"`
	CellSize            float64   `toml:"cell_size"`
	Neighborhood        string    `toml:"neighborhood"`
	StepLength          float64   `toml:"step_length"`
	ViewRadius          *int      `toml:"view_radius"`
	MaxCorrectableSteps *int      `toml:"max_correctable_steps"`
	Rows                []string  `toml:"rows"`
	NPCs                []NPCSpec `toml:"npc"`
}

// NPCSpec places a patrolling NPC.
type NPCSpec struct {
	Name          string  `toml:"name"`
	X             float64 `toml:"x"`
	Y             float64 `toml:"y"`
	PatrolHeading float64 `toml:"patrol_heading"`
	PatrolSteps   int     `toml:"patrol_steps"`
}

// FileLoader reads a world file. Data wins over Path when both are set.
type FileLoader struct {
	Path string
	Data []byte
}

func (l FileLoader) Load(logger *slog.Logger) (*World, error) {
	data := l.Data
	if data == nil {
		raw, err := os.ReadFile(l.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read world file: %w", err)
		}
		data = raw
	}
	return Parse(data, logger)
}

// DefaultLoader loads the built-in world.
func DefaultLoader() Loader {
	return FileLoader{Data: defaultWorld}
}

// Parse builds a world from a TOML world file.
func Parse(data []byte, logger *slog.Logger) (*World, error) {
	var f File
	if _, err := toml.Decode(string(data), &f); err != nil {
		return nil, fmt.Errorf("failed to parse world file: %w", err)
	}

	cfg := DefaultConfig()
	if f.CellSize != 0 {
		cfg.CellSize = f.CellSize
	}
	if f.StepLength != 0 {
		cfg.StepLength = f.StepLength
	}
	if f.ViewRadius != nil {
		cfg.ViewRadius = *f.ViewRadius
	}
	if f.MaxCorrectableSteps != nil {
		cfg.MaxCorrectableSteps = *f.MaxCorrectableSteps
	}
	n, err := ParseNeighborhood(f.Neighborhood)
	if err != nil {
		return nil, err
	}
	cfg.Neighborhood = n

	name := f.Name
	if name == "" {
		name = "world"
	}
	w, err := FromRows(cfg, name, f.Rows, logger)
	if err != nil {
		return nil, err
	}

	for _, spec := range f.NPCs {
		a, err := w.NewActor(KindNPC, spec.Name, Vec2{spec.X, spec.Y}, nil)
		if err != nil {
			return nil, fmt.Errorf("npc %q: %w", spec.Name, err)
		}
		if spec.PatrolSteps > 0 {
			a.SetBrain(&PatrolBrain{Heading: spec.PatrolHeading, Steps: spec.PatrolSteps})
		}
	}
	w.Commit()
	return w, nil
}

// FromRows builds a single-zone world from a character grid. The spawn point is
// the centre of the 'S' cell, or of the first walkable cell when there is none.
func FromRows(cfg Config, name string, rows []string, logger *slog.Logger) (*World, error) {
	w, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}

	var specs []CellSpec
	var spawn, firstWalkable *GridPoint
	for y, row := range rows {
		for x, ch := range []byte(row) {
			p := GridPoint{X: x, Y: y}
			switch ch {
			case ' ':
				continue
			case '.':
				specs = append(specs, CellSpec{Point: p, Walkable: true})
			case 'S':
				specs = append(specs, CellSpec{Point: p, Walkable: true})
				if spawn == nil {
					sp := p
					spawn = &sp
				}
			case '#':
				specs = append(specs, CellSpec{Point: p})
			default:
				return nil, fmt.Errorf("world row %d: unknown cell %q at column %d", y, ch, x)
			}
			if ch != '#' && firstWalkable == nil {
				fw := p
				firstWalkable = &fw
			}
		}
	}
	if firstWalkable == nil {
		return nil, fmt.Errorf("%w: world has no walkable cell", ErrInvalidSetting)
	}
	if _, err := w.AddZone(name, specs); err != nil {
		return nil, err
	}

	if spawn == nil {
		spawn = firstWalkable
	}
	if err := w.SetSpawn(w.CellCenter(*spawn)); err != nil {
		return nil, err
	}
	return w, nil
}

// CellCenter returns the centre of the cell at p.
func (w *World) CellCenter(p GridPoint) Vec2 {
	cs := w.cfg.CellSize
	return Vec2{(float64(p.X) + 0.5) * cs, (float64(p.Y) + 0.5) * cs}
}
