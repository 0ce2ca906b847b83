package engine

import (
	"github.com/rendis/conductor/internal/expressions"
	"github.com/rendis/conductor/pkg/schema"
)

// Unit is one scheduling unit: a parallel group of action steps, or a single
// step of any kind. Offset is the position of the first step relative to the
// slice that was scheduled.
type Unit struct {
	Offset int
	Steps  []schema.StepDefinition
	Group  bool
}

// Len returns the number of steps in the unit.
func (u Unit) Len() int { return len(u.Steps) }

// Resolver reports whether a variable path is currently resolvable.
type Resolver interface {
	Has(path string) bool
}

// NextUnit returns the unit at the head of steps. A group starts at an
// eligible action step and extends over the contiguous eligible action steps
// that follow it. An action step is eligible when its depends_on_var is
// absent or resolvable and it does not read the output of an earlier member
// of the forming group. Anything else runs singly.
func NextUnit(steps []schema.StepDefinition, vars Resolver) Unit {
	if len(steps) == 0 {
		return Unit{}
	}
	produced := map[string]struct{}{}
	n := 0
	for n < len(steps) && eligible(&steps[n], vars, produced) {
		if out := steps[n].OutputVar; out != "" {
			produced[out] = struct{}{}
		}
		n++
	}
	if n == 0 {
		return Unit{Steps: steps[:1]}
	}
	return Unit{Steps: steps[:n], Group: true}
}

// Schedule previews the full unit sequence for steps, assuming every step's
// output becomes resolvable once its unit has run.
func Schedule(steps []schema.StepDefinition, vars Resolver) []Unit {
	known := &overlay{base: vars, extra: map[string]struct{}{}}
	var units []Unit
	for offset := 0; offset < len(steps); {
		u := NextUnit(steps[offset:], known)
		u.Offset = offset
		units = append(units, u)
		for i := range u.Steps {
			if out := u.Steps[i].Output(); out != "" {
				known.extra[out] = struct{}{}
			}
		}
		offset += u.Len()
	}
	return units
}

func eligible(step *schema.StepDefinition, vars Resolver, produced map[string]struct{}) bool {
	if step.Type != schema.StepTypeAction {
		return false
	}
	if dep := step.DependsOnVar; dep != "" {
		if _, inGroup := produced[rootName(dep)]; inGroup || vars == nil || !vars.Has(dep) {
			return false
		}
	}
	for _, ref := range expressions.References(step.Arguments) {
		if _, inGroup := produced[ref]; inGroup {
			return false
		}
	}
	return true
}

func rootName(path string) string {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' || path[i] == '[' {
			return path[:i]
		}
	}
	return path
}

// overlay treats names in extra as resolvable on top of base.
type overlay struct {
	base  Resolver
	extra map[string]struct{}
}

func (o *overlay) Has(path string) bool {
	if _, ok := o.extra[rootName(path)]; ok {
		return true
	}
	return o.base != nil && o.base.Has(path)
}
