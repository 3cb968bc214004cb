// Package plan loads mission plan files.
package plan

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueyaml "cuelang.org/go/encoding/yaml"
	"gopkg.in/yaml.v3"

	"droneops-gcs/internal/geo"
)

//go:embed schema.cue
var schemaCUE []byte

// ErrInvalidPlan wraps every plan validation failure.
var ErrInvalidPlan = errors.New("invalid plan")

// Plan is a named list of waypoints flown at a cruise altitude.
type Plan struct {
	Name        string         `yaml:"name,omitempty" json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	CruiseAlt   float64        `yaml:"cruise_alt" json:"cruise_alt"`
	Waypoints   []geo.Waypoint `yaml:"waypoints" json:"waypoints"`
}

// Load reads and validates a YAML plan from disk.
func Load(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return Parse(path, b)
}

// Parse validates data against the plan schema and decodes it.
func Parse(filename string, data []byte) (*Plan, error) {
	if err := validateSchema(filename, data); err != nil {
		return nil, err
	}
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	return &p, nil
}

func validateSchema(filename string, data []byte) error {
	ctx := cuecontext.New()
	file, err := cueyaml.Extract(filename, data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	val := ctx.BuildFile(file)
	if val.Err() != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, val.Err())
	}
	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if schema.Err() != nil {
		return fmt.Errorf("cannot compile plan schema: %w", schema.Err())
	}
	def := schema.LookupPath(cue.ParsePath("#Plan"))
	if err := def.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return nil
}

// Route returns a copy of the plan's waypoints.
func (p *Plan) Route() []geo.Waypoint {
	return slices.Clone(p.Waypoints)
}

// DistanceKM returns the length of the plan's waypoint legs, ignoring the legs to and
// from home.
func (p *Plan) DistanceKM() float64 {
	pts := make([]geo.Coordinate, len(p.Waypoints))
	for i, w := range p.Waypoints {
		pts[i] = geo.Coordinate{Lat: w.Lat, Lon: w.Lon}
	}
	return geo.RouteDistanceKM(pts)
}
