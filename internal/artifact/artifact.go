// Package artifact builds the per-trial parameter document handed to the
// simulator and reads it back when a calibration is resumed.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Shape selects how group corrections are laid out
type Shape string

const (
	// ShapeFlat writes one record per (attribute, value, mode)
	ShapeFlat Shape = "flat"
	// ShapeNested writes per-group blocks holding their own mode params
	ShapeNested Shape = "nested"
)

var ErrDistanceGroupsMismatch = errors.New("distance groups differ from existing document")

// Document mirrors the scoring section of the simulator configuration
type Document struct {
	Scoring         Scoring          `yaml:"scoring"`
	GroupDeltas     []GroupDelta     `yaml:"groupDeltas,omitempty"`
	AdvancedScoring *AdvancedScoring `yaml:"advancedScoring,omitempty"`
}

// Scoring holds the per-mode constants and distance-bucket deltas
type Scoring struct {
	DistanceGroups []float64    `yaml:"distanceGroups,omitempty"`
	ModeParams     []ModeParams `yaml:"modeParams"`
}

// ModeParams holds one mode's constant and its ordered bucket deltas
type ModeParams struct {
	Mode                   string    `yaml:"mode"`
	Constant               float64   `yaml:"constant"`
	DeltaDistanceConstants []float64 `yaml:"deltaDistanceConstants,omitempty"`
}

// GroupDelta is one flat group correction record
type GroupDelta struct {
	Attribute     string  `yaml:"attribute"`
	Value         string  `yaml:"value"`
	Mode          string  `yaml:"mode"`
	DeltaConstant float64 `yaml:"deltaConstant"`
}

// AdvancedScoring is the nested group layout
type AdvancedScoring struct {
	ScoringParameters []GroupBlock `yaml:"scoringParameters"`
}

// GroupBlock applies its mode params to persons whose Attribute equals Value
type GroupBlock struct {
	Attribute  string           `yaml:"attribute"`
	Value      string           `yaml:"value"`
	ModeParams []GroupModeParam `yaml:"modeParams"`
}

type GroupModeParam struct {
	Mode          string  `yaml:"mode"`
	DeltaConstant float64 `yaml:"deltaConstant"`
}

// New returns an empty document
func New() *Document {
	return &Document{Scoring: Scoring{ModeParams: []ModeParams{}}}
}

func (d *Document) mode(mode string) *ModeParams {
	for i := range d.Scoring.ModeParams {
		if d.Scoring.ModeParams[i].Mode == mode {
			return &d.Scoring.ModeParams[i]
		}
	}
	d.Scoring.ModeParams = append(d.Scoring.ModeParams, ModeParams{Mode: mode})
	return &d.Scoring.ModeParams[len(d.Scoring.ModeParams)-1]
}

// AddConstant adds v to the constant of mode.
// Constants are additive so several calibrators may contribute to one mode.
func (d *Document) AddConstant(mode string, v float64) {
	d.mode(mode).Constant += v
}

// Constant returns the constant of mode, 0 if absent
func (d *Document) Constant(mode string) float64 {
	for _, mp := range d.Scoring.ModeParams {
		if mp.Mode == mode {
			return mp.Constant
		}
	}
	return 0
}

// SetDistanceDeltas records the bucket edges and a mode's ordered delta chain
func (d *Document) SetDistanceDeltas(edges []float64, mode string, deltas []float64) error {
	if len(d.Scoring.DistanceGroups) > 0 && !equalFloats(d.Scoring.DistanceGroups, edges) {
		return fmt.Errorf("%w: %v vs %v", ErrDistanceGroupsMismatch, d.Scoring.DistanceGroups, edges)
	}
	d.Scoring.DistanceGroups = append([]float64(nil), edges...)
	d.mode(mode).DeltaDistanceConstants = append([]float64(nil), deltas...)
	return nil
}

// AddGroupDelta records a group correction in the requested shape
func (d *Document) AddGroupDelta(shape Shape, attr, value, mode string, delta float64) {
	if shape == ShapeNested {
		if d.AdvancedScoring == nil {
			d.AdvancedScoring = &AdvancedScoring{}
		}
		block := d.block(attr, value)
		for i := range block.ModeParams {
			if block.ModeParams[i].Mode == mode {
				block.ModeParams[i].DeltaConstant += delta
				return
			}
		}
		block.ModeParams = append(block.ModeParams, GroupModeParam{Mode: mode, DeltaConstant: delta})
		return
	}
	for i := range d.GroupDeltas {
		g := &d.GroupDeltas[i]
		if g.Attribute == attr && g.Value == value && g.Mode == mode {
			g.DeltaConstant += delta
			return
		}
	}
	d.GroupDeltas = append(d.GroupDeltas, GroupDelta{Attribute: attr, Value: value, Mode: mode, DeltaConstant: delta})
}

func (d *Document) block(attr, value string) *GroupBlock {
	params := d.AdvancedScoring.ScoringParameters
	for i := range params {
		if params[i].Attribute == attr && params[i].Value == value {
			return &params[i]
		}
	}
	d.AdvancedScoring.ScoringParameters = append(params, GroupBlock{Attribute: attr, Value: value})
	return &d.AdvancedScoring.ScoringParameters[len(d.AdvancedScoring.ScoringParameters)-1]
}

// GroupDelta looks a correction up in either shape
func (d *Document) GroupDelta(attr, value, mode string) (float64, bool) {
	for _, g := range d.GroupDeltas {
		if g.Attribute == attr && g.Value == value && g.Mode == mode {
			return g.DeltaConstant, true
		}
	}
	if d.AdvancedScoring != nil {
		for _, b := range d.AdvancedScoring.ScoringParameters {
			if b.Attribute != attr || b.Value != value {
				continue
			}
			for _, mp := range b.ModeParams {
				if mp.Mode == mode {
					return mp.DeltaConstant, true
				}
			}
		}
	}
	return 0, false
}

// DistanceDeltas returns the delta chain of mode
func (d *Document) DistanceDeltas(mode string) []float64 {
	for _, mp := range d.Scoring.ModeParams {
		if mp.Mode == mode {
			return mp.DeltaDistanceConstants
		}
	}
	return nil
}

// sort orders every list so identical parameters produce identical files
func (d *Document) sort() {
	sort.Slice(d.Scoring.ModeParams, func(i, j int) bool {
		return d.Scoring.ModeParams[i].Mode < d.Scoring.ModeParams[j].Mode
	})
	sort.Slice(d.GroupDeltas, func(i, j int) bool {
		a, b := d.GroupDeltas[i], d.GroupDeltas[j]
		if a.Attribute != b.Attribute {
			return a.Attribute < b.Attribute
		}
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return a.Mode < b.Mode
	})
	if d.AdvancedScoring != nil {
		blocks := d.AdvancedScoring.ScoringParameters
		sort.Slice(blocks, func(i, j int) bool {
			if blocks[i].Attribute != blocks[j].Attribute {
				return blocks[i].Attribute < blocks[j].Attribute
			}
			return blocks[i].Value < blocks[j].Value
		})
		for _, b := range blocks {
			sort.Slice(b.ModeParams, func(i, j int) bool { return b.ModeParams[i].Mode < b.ModeParams[j].Mode })
		}
	}
}

// Marshal renders the document as YAML
func (d *Document) Marshal() ([]byte, error) {
	d.sort()
	data, err := yaml.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameter artifact: %w", err)
	}
	return data, nil
}

// WriteFile writes the document to path, creating parent directories
func (d *Document) WriteFile(path string) error {
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write parameter artifact %s: %w", path, err)
	}
	return nil
}

// Parse reads a document from YAML bytes
func Parse(data []byte) (*Document, error) {
	d := New()
	if err := yaml.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to parse parameter artifact: %w", err)
	}
	return d, nil
}

// ReadFile reads a previously written document
func ReadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameter artifact %s: %w", path, err)
	}
	return Parse(data)
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
