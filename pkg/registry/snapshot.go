package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidSnapshot is returned when a catalog cannot be published.
var ErrInvalidSnapshot = errors.New("invalid registry snapshot")

// ErrUnknownIntent is returned for intent ids that are not in a snapshot.
var ErrUnknownIntent = errors.New("unknown intent")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Snapshot is an immutable, versioned view of the intent and capability
// catalogs. Slices and maps reachable from a Snapshot must not be modified.
type Snapshot struct {
	version        string
	generation     uint64
	intents        []Intent
	capabilities   []Capability
	intentByID     map[string]int
	capByID        map[string]int
	fallbackIntent string
	fallbackModel  string
}

// Build validates a catalog and indexes it into a snapshot.
func Build(cat Catalog) (*Snapshot, error) {
	if err := validate.Struct(cat); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	s := &Snapshot{
		version:      cat.Version,
		intents:      cloneIntents(cat.Intents),
		capabilities: cloneCapabilities(cat.Capabilities),
		intentByID:   make(map[string]int, len(cat.Intents)),
		capByID:      make(map[string]int, len(cat.Capabilities)),
	}

	sort.Slice(s.intents, func(i, j int) bool { return s.intents[i].ID < s.intents[j].ID })
	sort.Slice(s.capabilities, func(i, j int) bool { return s.capabilities[i].ID < s.capabilities[j].ID })

	for i, in := range s.intents {
		if _, dup := s.intentByID[in.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate intent %s", ErrInvalidSnapshot, in.ID)
		}
		if err := checkSteps(in); err != nil {
			return nil, fmt.Errorf("%w: intent %s: %v", ErrInvalidSnapshot, in.ID, err)
		}
		s.intents[i].RequiredCapabilities = requiredWithSteps(in)
		s.intentByID[in.ID] = i
	}
	for i, c := range s.capabilities {
		if _, dup := s.capByID[c.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate capability %s", ErrInvalidSnapshot, c.ID)
		}
		s.capByID[c.ID] = i
	}

	fb, ok := s.intentByID[cat.FallbackIntent]
	if !ok {
		return nil, fmt.Errorf("%w: fallback intent %s not defined", ErrInvalidSnapshot, cat.FallbackIntent)
	}
	if !s.intents[fb].Fallback {
		return nil, fmt.Errorf("%w: fallback intent %s must set fallback: true", ErrInvalidSnapshot, cat.FallbackIntent)
	}
	for _, in := range s.intents {
		if in.Fallback && in.ID != cat.FallbackIntent {
			return nil, fmt.Errorf("%w: intent %s is marked fallback but fallback_intent is %s", ErrInvalidSnapshot, in.ID, cat.FallbackIntent)
		}
	}
	s.fallbackIntent = cat.FallbackIntent

	if cat.FallbackModel != "" {
		idx, ok := s.capByID[cat.FallbackModel]
		if !ok {
			return nil, fmt.Errorf("%w: fallback model %s not defined", ErrInvalidSnapshot, cat.FallbackModel)
		}
		if s.capabilities[idx].Kind != KindModel {
			return nil, fmt.Errorf("%w: fallback model %s is a %s", ErrInvalidSnapshot, cat.FallbackModel, s.capabilities[idx].Kind)
		}
		cheapest := s.capabilities[s.capByID[cheapestModel(s.capabilities)]]
		if s.capabilities[idx].Cost > cheapest.Cost {
			return nil, fmt.Errorf("%w: fallback model %s costs %g, more than %s at %g",
				ErrInvalidSnapshot, cat.FallbackModel, s.capabilities[idx].Cost, cheapest.ID, cheapest.Cost)
		}
		s.fallbackModel = cat.FallbackModel
	} else {
		s.fallbackModel = cheapestModel(s.capabilities)
	}

	return s, nil
}

// checkSteps verifies that step ids are unique, dependencies resolve, and the
// template is acyclic.
func checkSteps(in Intent) error {
	ids := make(map[string]struct{}, len(in.Steps))
	for _, st := range in.Steps {
		if _, dup := ids[st.ID]; dup {
			return fmt.Errorf("duplicate step %s", st.ID)
		}
		ids[st.ID] = struct{}{}
	}
	for _, st := range in.Steps {
		for _, dep := range st.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("step %s depends on unknown step %s", st.ID, dep)
			}
		}
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(in.Steps))
	deps := make(map[string][]string, len(in.Steps))
	for _, st := range in.Steps {
		deps[st.ID] = st.DependsOn
	}
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("step cycle through %s", id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for _, st := range in.Steps {
		if err := visit(st.ID); err != nil {
			return err
		}
	}
	return nil
}

func requiredWithSteps(in Intent) []string {
	out := slices.Clone(in.RequiredCapabilities)
	for _, st := range in.Steps {
		if !slices.Contains(out, st.Capability) {
			out = append(out, st.Capability)
		}
	}
	return out
}

func cheapestModel(caps []Capability) string {
	best := -1
	for i, c := range caps {
		if c.Kind != KindModel {
			continue
		}
		if best < 0 || c.Cost < caps[best].Cost {
			best = i
		}
	}
	if best < 0 {
		return ""
	}
	return caps[best].ID
}

// Version returns the catalog version string.
func (s *Snapshot) Version() string { return s.version }

// Generation returns the publication counter assigned by the Registry.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Intents returns all intents ordered by id.
func (s *Snapshot) Intents() []Intent { return s.intents }

// Capabilities returns all capabilities ordered by id.
func (s *Snapshot) Capabilities() []Capability { return s.capabilities }

// Intent looks up an intent by id.
func (s *Snapshot) Intent(id string) (Intent, bool) {
	idx, ok := s.intentByID[id]
	if !ok {
		return Intent{}, false
	}
	return s.intents[idx], true
}

// Capability looks up a capability by id.
func (s *Snapshot) Capability(id string) (Capability, bool) {
	idx, ok := s.capByID[id]
	if !ok {
		return Capability{}, false
	}
	return s.capabilities[idx], true
}

// FallbackIntent returns the designated "unclassified" intent.
func (s *Snapshot) FallbackIntent() Intent {
	return s.intents[s.intentByID[s.fallbackIntent]]
}

// FallbackModel returns the lowest-cost model used by the Safe Fallback.
func (s *Snapshot) FallbackModel() (Capability, bool) {
	if s.fallbackModel == "" {
		return Capability{}, false
	}
	return s.Capability(s.fallbackModel)
}

// CapabilitiesWithTag returns capabilities declaring tag, ordered by id.
func (s *Snapshot) CapabilitiesWithTag(tag string) []Capability {
	var out []Capability
	for _, c := range s.capabilities {
		if c.HasTag(tag) {
			out = append(out, c)
		}
	}
	return out
}

// String identifies the snapshot in logs.
func (s *Snapshot) String() string {
	return fmt.Sprintf("%s#%d", s.version, s.generation)
}

func cloneIntents(in []Intent) []Intent {
	out := make([]Intent, len(in))
	for i, it := range in {
		it.Keywords = normalizeTerms(it.Keywords)
		it.RequiredCapabilities = slices.Clone(it.RequiredCapabilities)
		steps := make([]Step, len(it.Steps))
		for j, st := range it.Steps {
			st.DependsOn = slices.Clone(st.DependsOn)
			steps[j] = st
		}
		it.Steps = steps
		out[i] = it
	}
	return out
}

func cloneCapabilities(in []Capability) []Capability {
	out := make([]Capability, len(in))
	for i, c := range in {
		c.Tags = slices.Clone(c.Tags)
		c.Input = cloneMap(c.Input)
		c.Output = cloneMap(c.Output)
		out[i] = c
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func normalizeTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
