package load

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
)

// Discipline selects how a TaskSet picks its next child.
type Discipline int

const (
	// WeightedRandom draws a child independently on every selection, with
	// probability proportional to its weight.
	WeightedRandom Discipline = iota
	// Sequential runs every child in declaration order, one per selection,
	// and starts over after the last.
	Sequential
)

func (d Discipline) String() string {
	switch d {
	case WeightedRandom:
		return "weighted"
	case Sequential:
		return "sequential"
	default:
		return "unknown"
	}
}

// ParseDiscipline parses "weighted" (the default for "") or "sequential".
func ParseDiscipline(s string) (Discipline, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "weighted", "weighted-random", "random":
		return WeightedRandom, nil
	case "sequential", "sequence":
		return Sequential, nil
	default:
		return 0, fmt.Errorf("unknown discipline %q (expected weighted or sequential)", s)
	}
}

// InitFunc is a task set's on_start hook. It runs when a user enters the
// set: at spawn for a root, on first selection for a nested set and before
// every pass of a sequential set.
type InitFunc func(ctx context.Context, uc *UserContext, client Client) error

// Child is a weighted edge from a TaskSet to one of its children.
type Child struct {
	Node   Node
	Weight int
}

// TaskSet is an immutable scheduling composite. The same TaskSet can be run
// by any number of users concurrently; all per-user traversal state lives in
// the UserContext.
type TaskSet struct {
	name        string
	discipline  Discipline
	children    []Child
	totalWeight int
	onStart     InitFunc
}

// Name returns the task set name.
func (ts *TaskSet) Name() string { return ts.name }

// Discipline returns the selection discipline.
func (ts *TaskSet) Discipline() Discipline { return ts.discipline }

// TotalWeight returns the sum of child weights.
func (ts *TaskSet) TotalWeight() int { return ts.totalWeight }

// OnStart returns the set's initializer, or nil.
func (ts *TaskSet) OnStart() InitFunc { return ts.onStart }

// Children returns a copy of the child list in declaration order.
func (ts *TaskSet) Children() []Child {
	out := make([]Child, len(ts.children))
	copy(out, ts.children)
	return out
}

func (ts *TaskSet) node() {}

// TaskSetBuilder assembles a TaskSet. Errors are collected and reported by
// Build.
type TaskSetBuilder struct {
	name       string
	discipline Discipline
	children   []Child
	onStart    InitFunc
	errs       ConfigurationErrors
}

// NewTaskSet starts building a task set.
func NewTaskSet(name string, discipline Discipline) *TaskSetBuilder {
	return &TaskSetBuilder{name: name, discipline: discipline}
}

// Add appends a child with the given weight. Sequential sets accept weights
// but ignore them when selecting.
func (b *TaskSetBuilder) Add(node Node, weight int) *TaskSetBuilder {
	path := fmt.Sprintf("%s.children[%d]", b.name, len(b.children))
	switch {
	case isNilNode(node):
		b.errs.Add(path, "child is nil")
		return b
	case weight <= 0:
		b.errs.Addf(path, "weight of %q must be positive, got %d", node.Name(), weight)
	}
	b.children = append(b.children, Child{Node: node, Weight: weight})
	return b
}

// OnStart sets the initializer run when a user enters the set.
func (b *TaskSetBuilder) OnStart(fn InitFunc) *TaskSetBuilder {
	b.onStart = fn
	return b
}

// Build validates and returns the task set.
func (b *TaskSetBuilder) Build() (*TaskSet, error) {
	errs := &ConfigurationErrors{Errors: append([]*ConfigurationError(nil), b.errs.Errors...)}

	if strings.TrimSpace(b.name) == "" {
		errs.Add("", "task set name is required")
	}
	if b.discipline != WeightedRandom && b.discipline != Sequential {
		errs.Addf(b.name, "unknown discipline %d", int(b.discipline))
	}
	if len(b.children) == 0 {
		errs.Add(b.name, "task set has no children")
	}

	total := 0
	for _, c := range b.children {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if len(b.children) > 0 && total == 0 {
		errs.Add(b.name, "total child weight is zero")
	}

	if errs.HasErrors() {
		return nil, errs
	}

	ts := &TaskSet{
		name:        b.name,
		discipline:  b.discipline,
		children:    append([]Child(nil), b.children...),
		totalWeight: total,
		onStart:     b.onStart,
	}
	if err := Validate(ts); err != nil {
		return nil, err
	}
	return ts, nil
}

// MustBuild is like Build but panics on error.
func (b *TaskSetBuilder) MustBuild() *TaskSet {
	ts, err := b.Build()
	if err != nil {
		panic(err)
	}
	return ts
}

// Validate walks the tree rooted at ts and rejects cycles, empty sets,
// non-positive weights and tasks without a work function.
func Validate(ts *TaskSet) error {
	if ts == nil {
		return &ConfigurationError{Message: "task set is nil"}
	}
	errs := &ConfigurationErrors{}
	validateTree(ts, ts.name, map[*TaskSet]bool{}, map[*TaskSet]bool{}, errs)
	return errs.ErrOrNil()
}

func validateTree(ts *TaskSet, path string, onStack, done map[*TaskSet]bool, errs *ConfigurationErrors) {
	if onStack[ts] {
		errs.Addf(path, "cycle detected: task set %q contains itself", ts.name)
		return
	}
	if done[ts] {
		return
	}
	onStack[ts] = true
	defer func() {
		onStack[ts] = false
		done[ts] = true
	}()

	if len(ts.children) == 0 {
		errs.Add(path, "task set has no children")
	}
	total := 0
	for i, c := range ts.children {
		childPath := fmt.Sprintf("%s.children[%d]", path, i)
		if c.Weight <= 0 {
			errs.Addf(childPath, "weight must be positive, got %d", c.Weight)
		}
		total += c.Weight
		switch n := c.Node.(type) {
		case *Task:
			if n == nil || n.fn == nil {
				errs.Add(childPath, "task has no work function")
			}
		case *TaskSet:
			if n == nil {
				errs.Add(childPath, "child is nil")
				continue
			}
			validateTree(n, path+"/"+n.name, onStack, done, errs)
		default:
			errs.Addf(childPath, "unsupported node type %T", c.Node)
		}
	}
	if len(ts.children) > 0 && total <= 0 {
		errs.Add(path, "total child weight is zero")
	}
}

func isNilNode(n Node) bool {
	switch v := n.(type) {
	case nil:
		return true
	case *Task:
		return v == nil
	case *TaskSet:
		return v == nil
	}
	return false
}

// Step is the outcome of one resolution: the leaf task to run and the task
// sets, outermost first, whose initializers must run before it.
type Step struct {
	Task  *Task
	Enter []*TaskSet
}

// Resolve selects the next leaf task for the user owning uc.
//
// Weighted sets draw a child from the user's RNG on every selection.
// Sequential sets return the child at the user's cursor and advance it; on
// wrap the set is marked as not entered so its initializer runs again
// before the next pass. A sequential child that has started a pass keeps
// control until the pass completes, at every nesting level.
func (ts *TaskSet) Resolve(uc *UserContext) Step {
	var step Step
	ts.resolve(uc, &step)
	return step
}

func (ts *TaskSet) resolve(uc *UserContext, step *Step) {
	if !uc.isEntered(ts) {
		uc.markEntered(ts)
		if ts.onStart != nil {
			step.Enter = append(step.Enter, ts)
		}
	}

	switch ts.discipline {
	case Sequential:
		ts.resolveSequential(uc, step)
	default:
		ts.resolveWeighted(uc, step)
	}
}

func (ts *TaskSet) resolveWeighted(uc *UserContext, step *Step) {
	if sub := uc.pending[ts]; sub != nil {
		sub.resolve(uc, step)
		if !uc.inProgress(sub) {
			delete(uc.pending, ts)
		}
		return
	}

	switch n := ts.Pick(uc.rng).(type) {
	case *Task:
		step.Task = n
	case *TaskSet:
		n.resolve(uc, step)
		if uc.inProgress(n) {
			uc.pending[ts] = n
		}
	}
}

func (ts *TaskSet) resolveSequential(uc *UserContext, step *Step) {
	idx := uc.cursors[ts]
	switch n := ts.children[idx].Node.(type) {
	case *Task:
		step.Task = n
	case *TaskSet:
		n.resolve(uc, step)
		if uc.inProgress(n) {
			return
		}
	}

	idx++
	if idx >= len(ts.children) {
		idx = 0
		delete(uc.entered, ts)
	}
	uc.cursors[ts] = idx
}

// Pick draws a child with probability proportional to its weight,
// ignoring the discipline.
func (ts *TaskSet) Pick(rng *rand.Rand) Node {
	r := rng.IntN(ts.totalWeight)
	running := 0
	for _, c := range ts.children {
		running += c.Weight
		if running > r {
			return c.Node
		}
	}
	return ts.children[len(ts.children)-1].Node
}
