package experiment

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/earyx-lab/earyx/internal/adapt"
	"github.com/earyx-lab/earyx/internal/signal"
)

// RunContext is what an experiment sees when a run is activated for the
// first time.
type RunContext struct {
	Index      int
	Parameters []AxisValue
	Setting    adapt.Setting
	Rand       *rand.Rand
	Signals    *signal.Store
}

// Param returns the value of the named axis for this run.
func (c RunContext) Param(name string) (float64, bool) {
	return lookup(c.Parameters, name)
}

// TrialContext is what an experiment sees when a trial is generated.
type TrialContext struct {
	RunContext
	Variable      float64
	CorrectAnswer string
	// RunStimulus is the run-level stimulus prepared by a RunPreparer, if any.
	RunStimulus signal.Stimulus
}

func lookup(params []AxisValue, name string) (float64, bool) {
	for _, p := range params {
		if p.Name == name {
			return p.Value, true
		}
	}
	return 0, false
}

// Experiment is implemented by user experiment code.
type Experiment interface {
	Name() string
	Declaration() Declaration
	Answers() AnswerScheme
	// Trial synthesizes the segments of one trial. Segments left nil are
	// inherited from the run stimulus.
	Trial(tc TrialContext) (signal.Segments, error)
}

// RunPreparer is implemented by experiments that produce segments shared by
// every trial of a run, such as a fixed reference tone.
type RunPreparer interface {
	PrepareRun(rc RunContext) (signal.Segments, error)
}

// Factory builds a fresh experiment instance.
type Factory func() Experiment

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes an experiment available by name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("experiment %q registered twice", name))
	}
	registry[name] = f
}

// Lookup builds the experiment registered under name.
func Lookup(name string) (Experiment, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown experiment %q (available: %v)", name, Names())
	}
	return f(), nil
}

// Names lists the registered experiments in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
