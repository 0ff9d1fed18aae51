// Package experiment holds the declaration API used by experiment setup code
// (parameter axes, the test variable, adaptive settings), answer schemes, and
// the contract an experiment implements to supply stimuli.
package experiment

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/earyx-lab/earyx/internal/adapt"
)

// ErrInvalidDeclaration is returned when a declaration cannot produce runs.
var ErrInvalidDeclaration = errors.New("invalid experiment declaration")

// ParameterAxis is one independent dimension of the experiment. Every value
// of every axis is combined with every other to form the set of runs.
type ParameterAxis struct {
	Name        string    `json:"name" yaml:"name"`
	Values      []float64 `json:"values" yaml:"values"`
	Unit        string    `json:"unit" yaml:"unit"`
	Description string    `json:"description,omitempty" yaml:"description,omitempty"`
}

// Variable is the single quantity the adaptive procedure changes.
type Variable struct {
	Name        string  `json:"name" yaml:"name"`
	Start       float64 `json:"start" yaml:"start"`
	Unit        string  `json:"unit" yaml:"unit"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// AxisValue is the fixed value of one axis within a run.
type AxisValue struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Declaration collects everything experiment setup code declares.
type Declaration struct {
	Axes     []ParameterAxis `json:"axes"`
	Variable Variable        `json:"variable"`
	Settings []adapt.Setting `json:"settings"`
}

// AddParameter appends a parameter axis. The name is later used as a lookup
// key, so it must be unique and contain no whitespace; Validate enforces this.
func (d *Declaration) AddParameter(name, unit, description string, values ...float64) {
	d.Axes = append(d.Axes, ParameterAxis{
		Name:        name,
		Values:      append([]float64(nil), values...),
		Unit:        unit,
		Description: description,
	})
}

// SetVariable sets the test variable, replacing any previous one.
func (d *Declaration) SetVariable(name string, start float64, unit, description string) {
	d.Variable = Variable{Name: name, Start: start, Unit: unit, Description: description}
}

// AddAdaptSetting appends an adaptive setting.
func (d *Declaration) AddAdaptSetting(s adapt.Setting) {
	d.Settings = append(d.Settings, s)
}

// Axis returns the axis with the given name.
func (d *Declaration) Axis(name string) (ParameterAxis, bool) {
	for _, a := range d.Axes {
		if a.Name == name {
			return a, true
		}
	}
	return ParameterAxis{}, false
}

// RunCount returns the size of the settings x axes product.
func (d *Declaration) RunCount() int {
	n := len(d.Settings)
	for _, a := range d.Axes {
		n *= len(a.Values)
	}
	return n
}

// Validate checks names, values and settings.
func (d *Declaration) Validate() error {
	seen := make(map[string]bool, len(d.Axes))
	for i, a := range d.Axes {
		if err := validateName(a.Name); err != nil {
			return fmt.Errorf("%w: axis %d: %v", ErrInvalidDeclaration, i, err)
		}
		if seen[a.Name] {
			return fmt.Errorf("%w: duplicate axis %q", ErrInvalidDeclaration, a.Name)
		}
		seen[a.Name] = true
		if len(a.Values) == 0 {
			return fmt.Errorf("%w: axis %q has no values", ErrInvalidDeclaration, a.Name)
		}
	}

	if err := validateName(d.Variable.Name); err != nil {
		return fmt.Errorf("%w: variable: %v", ErrInvalidDeclaration, err)
	}
	if seen[d.Variable.Name] {
		return fmt.Errorf("%w: variable %q collides with an axis", ErrInvalidDeclaration, d.Variable.Name)
	}

	if len(d.Settings) == 0 {
		return fmt.Errorf("%w: at least one adaptive setting is required", ErrInvalidDeclaration)
	}
	for i, s := range d.Settings {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("%w: setting %d: %v", ErrInvalidDeclaration, i, err)
		}
	}
	return nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("name is empty")
	}
	if strings.IndexFunc(name, unicode.IsSpace) >= 0 {
		return fmt.Errorf("name %q contains whitespace", name)
	}
	return nil
}
