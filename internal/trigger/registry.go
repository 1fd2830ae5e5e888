package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/ingestor-core/internal/domain"
)

// Registration describes one remote agent and when it becomes eligible.
type Registration struct {
	Name     string        `yaml:"name" json:"name"`
	Trigger  Condition     `yaml:"trigger" json:"trigger"`
	Endpoint string        `yaml:"endpoint" json:"endpoint"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"-"`
}

// Builder accumulates registrations at startup.
type Builder struct {
	regs  []Registration
	index map[string]int
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{index: make(map[string]int)}
}

// Register adds an agent. It rejects duplicate names, malformed conditions,
// and predicates that would make the dependency graph cyclic.
func (b *Builder) Register(reg Registration) error {
	if reg.Name == "" {
		return fmt.Errorf("%w: agent name is required", domain.ErrInvalidCondition)
	}
	if _, dup := b.index[reg.Name]; dup {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateAgent, reg.Name)
	}
	if err := reg.Trigger.Validate(); err != nil {
		return fmt.Errorf("agent %s: %w", reg.Name, err)
	}
	if path := b.cyclePath(reg); path != nil {
		return fmt.Errorf("%w: %s", domain.ErrTriggerCycle, strings.Join(path, " -> "))
	}
	b.index[reg.Name] = len(b.regs)
	b.regs = append(b.regs, reg)
	return nil
}

// cyclePath returns the dependency path back to reg.Name if adding reg closes
// a cycle, or nil.
func (b *Builder) cyclePath(reg Registration) []string {
	deps := func(name string) []string {
		if name == reg.Name {
			return reg.Trigger.Agents()
		}
		if i, ok := b.index[name]; ok {
			return b.regs[i].Trigger.Agents()
		}
		return nil
	}

	visited := map[string]bool{}
	var walk func(name string, path []string) []string
	walk = func(name string, path []string) []string {
		for _, dep := range deps(name) {
			next := append(append([]string(nil), path...), dep)
			if dep == reg.Name {
				return next
			}
			if visited[dep] {
				continue
			}
			visited[dep] = true
			if found := walk(dep, next); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(reg.Name, []string{reg.Name})
}

// Build freezes the registrations. Every referenced agent must be registered.
func (b *Builder) Build() (*Registry, error) {
	for _, reg := range b.regs {
		for _, dep := range reg.Trigger.Agents() {
			if _, ok := b.index[dep]; !ok {
				return nil, fmt.Errorf("agent %s: %w: %s", reg.Name, domain.ErrUnknownAgent, dep)
			}
		}
	}
	r := &Registry{
		regs:  append([]Registration(nil), b.regs...),
		index: make(map[string]int, len(b.index)),
	}
	for k, v := range b.index {
		r.index[k] = v
	}
	return r, nil
}

// Registry is the immutable, process-wide set of agent registrations,
// iterated in registration order.
type Registry struct {
	regs  []Registration
	index map[string]int
}

// All returns the registrations in registration order.
func (r *Registry) All() []Registration {
	return append([]Registration(nil), r.regs...)
}

// Get looks up a registration by name.
func (r *Registry) Get(name string) (Registration, bool) {
	i, ok := r.index[name]
	if !ok {
		return Registration{}, false
	}
	return r.regs[i], true
}

// Len returns the number of registered agents.
func (r *Registry) Len() int { return len(r.regs) }

// Dependents returns agents whose predicate references name.
func (r *Registry) Dependents(name string) []string {
	var out []string
	for _, reg := range r.regs {
		for _, dep := range reg.Trigger.Agents() {
			if dep == name {
				out = append(out, reg.Name)
				break
			}
		}
	}
	return out
}
