package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/target/merrymaker/internal/domain/model"
	apperrors "github.com/target/merrymaker/internal/errors"
)

// RuleAlert is one finding produced by a rule evaluation.
type RuleAlert struct {
	Rule    string          `json:"rule"`
	Message string          `json:"message"`
	Level   string          `json:"level"`
	Context json.RawMessage `json:"context,omitempty"`
}

// Rule evaluates a single scan event. Implementations must be safe for
// concurrent use; every rule-job invocation is independent.
type Rule interface {
	Name() string
	EventTypes() []model.ScanEventType
	Process(ctx context.Context, event *model.ScanEvent) ([]RuleAlert, error)
}

// Engine is the rule registry. It maps event types to the rules interested
// in them and rule names to rules, so the pipeline can fan events out into
// per-rule jobs and the rule worker can resolve a job back to its rule.
type Engine struct {
	mu     sync.RWMutex
	byType map[model.ScanEventType][]Rule
	byName map[string]Rule
}

// NewEngine creates an empty Engine.
func NewEngine() *Engine {
	return &Engine{
		byType: make(map[model.ScanEventType][]Rule),
		byName: make(map[string]Rule),
	}
}

// Register adds a rule under its name and event types. Registering two rules
// with the same name is a programming error.
func (e *Engine) Register(r Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := r.Name()
	if name == "" {
		return apperrors.Validation("rule name is required")
	}
	if _, exists := e.byName[name]; exists {
		return apperrors.Conflictf("rule %q already registered", name)
	}
	e.byName[name] = r
	for _, t := range r.EventTypes() {
		e.byType[t] = append(e.byType[t], r)
	}
	return nil
}

// RulesFor returns the rules registered for an event type. Events with no
// interested rules are dropped by the pipeline.
func (e *Engine) RulesFor(t model.ScanEventType) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.byType[t]))
	copy(out, e.byType[t])
	return out
}

// Get resolves a rule by name.
func (e *Engine) Get(name string) (Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.byName[name]
	return r, ok
}

// Names returns all registered rule names, sorted.
func (e *Engine) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.byName))
	for name := range e.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Evaluate resolves a rule by name and runs it against the event.
func (e *Engine) Evaluate(ctx context.Context, ruleName string, event *model.ScanEvent) ([]RuleAlert, error) {
	r, ok := e.Get(ruleName)
	if !ok {
		return nil, apperrors.NotFoundf("rule %q not registered", ruleName)
	}
	alerts, err := r.Process(ctx, event)
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", ruleName, err)
	}
	return alerts, nil
}
