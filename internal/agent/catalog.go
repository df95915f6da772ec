// Package agent holds the catalogue of named subagent definitions that
// orchestration builds nested processors from.
package agent

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/basket/agentcore/internal/tools"
)

// SessionMode selects how a detached run is driven.
type SessionMode string

const (
	// ModeRun executes the subagent once.
	ModeRun SessionMode = "run"
	// ModeGoal re-runs the subagent until its goal is judged achieved.
	ModeGoal SessionMode = "goal"
)

// DefaultName is used when a caller does not name a subagent.
const DefaultName = "general"

const (
	defaultMaxSteps          = 15
	defaultTimeout           = 10 * time.Minute
	defaultMaxGoalIterations = 3
)

var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

// Definition configures one subagent.
type Definition struct {
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description" json:"description"`
	Provider    string        `yaml:"provider" json:"provider,omitempty"`
	Model       string        `yaml:"model" json:"model,omitempty"`
	System      string        `yaml:"system" json:"-"`
	Temperature float64       `yaml:"temperature" json:"-"`
	MaxSteps    int           `yaml:"max_steps" json:"max_steps"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	// Tools is an allow list of tool name globs; empty allows every tool.
	Tools     []string    `yaml:"tools" json:"tools,omitempty"`
	DenyTools []string    `yaml:"deny_tools" json:"deny_tools,omitempty"`
	Mode      SessionMode `yaml:"session_mode" json:"session_mode"`
	// MaxGoalIterations bounds goal-mode re-runs.
	MaxGoalIterations int `yaml:"max_goal_iterations" json:"max_goal_iterations,omitempty"`
}

// Normalize fills defaults in place.
func (d *Definition) Normalize() {
	d.Name = strings.TrimSpace(strings.ToLower(d.Name))
	if d.MaxSteps <= 0 {
		d.MaxSteps = defaultMaxSteps
	}
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	if d.Mode == "" {
		d.Mode = ModeRun
	}
	if d.MaxGoalIterations <= 0 {
		d.MaxGoalIterations = defaultMaxGoalIterations
	}
}

// Validate reports the first problem with d.
func (d Definition) Validate() error {
	if !nameRE.MatchString(d.Name) {
		return fmt.Errorf("subagent name %q must match %s", d.Name, nameRE)
	}
	switch d.Mode {
	case "", ModeRun, ModeGoal:
	default:
		return fmt.Errorf("subagent %s: unknown session_mode %q", d.Name, d.Mode)
	}
	if d.Temperature < 0 || d.Temperature > 2 {
		return fmt.Errorf("subagent %s: temperature %.2f out of range [0,2]", d.Name, d.Temperature)
	}
	return nil
}

// ToolSet narrows parent to the tools d may use.
func (d Definition) ToolSet(parent *tools.Registry) *tools.Registry {
	if parent == nil {
		return tools.NewRegistry()
	}
	return parent.Filter(d.Tools, d.DenyTools)
}

// General is the built-in fallback definition.
func General() Definition {
	d := Definition{
		Name:        DefaultName,
		Description: "General-purpose assistant for self-contained subtasks.",
		System:      "You are a focused subagent. Complete the delegated task and reply with a concise summary of the result.",
	}
	d.Normalize()
	return d
}

// Catalog is the set of known subagents. It is safe for concurrent use and
// can be replaced wholesale on config reload.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog builds a catalogue. The general definition is always present
// unless defs override it.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	c := &Catalog{}
	if err := c.Replace(defs); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace swaps in a new definition set atomically.
func (c *Catalog) Replace(defs []Definition) error {
	next := map[string]Definition{DefaultName: General()}
	seen := map[string]bool{}
	for _, d := range defs {
		d.Normalize()
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.Name] {
			return fmt.Errorf("duplicate subagent %q", d.Name)
		}
		seen[d.Name] = true
		next[d.Name] = d
	}
	c.mu.Lock()
	c.defs = next
	c.mu.Unlock()
	return nil
}

// Register adds one definition.
func (c *Catalog) Register(d Definition) error {
	d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[d.Name]; ok && d.Name != DefaultName {
		return fmt.Errorf("subagent %q already exists", d.Name)
	}
	c.defs[d.Name] = d
	return nil
}

// Get returns a definition by name.
func (c *Catalog) Get(name string) (Definition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.defs[strings.ToLower(strings.TrimSpace(name))]
	return d, ok
}

// Resolve returns the named definition, or the general one for an empty
// name.
func (c *Catalog) Resolve(name string) (Definition, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultName
	}
	d, ok := c.Get(name)
	if !ok {
		return Definition{}, fmt.Errorf("unknown subagent %q (available: %s)", name, strings.Join(c.Names(), ", "))
	}
	return d, nil
}

// Names returns the sorted subagent names.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for n := range c.defs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// List returns every definition sorted by name.
func (c *Catalog) List() []Definition {
	names := c.Names()
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Definition, 0, len(names))
	for _, n := range names {
		out = append(out, c.defs[n])
	}
	return out
}
