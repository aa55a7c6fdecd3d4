// Package dag validates DAG definitions and derives their dependency graph.
package dag

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/flexinfer/mentatlab/services/dagrunner/pkg/types"
)

// ErrInvalidDAG is wrapped by every ValidationError.
var ErrInvalidDAG = errors.New("invalid dag")

// taskIDPattern matches the task id pattern of the DAG schema. Stores use
// task ids inside composite keys.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidationError lists every problem found in a DAG definition.
type ValidationError struct {
	DAGID    string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid dag %q: %s", e.DAGID, strings.Join(e.Problems, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidDAG }

// Graph is the dependency structure of a validated DAG.
type Graph struct {
	upstream   map[string][]string
	downstream map[string][]string
	order      []string
}

// Upstream returns the direct upstream task ids of id, sorted.
func (g *Graph) Upstream(id string) []string { return g.upstream[id] }

// Downstream returns the direct downstream task ids of id, sorted.
func (g *Graph) Downstream(id string) []string { return g.downstream[id] }

// Order returns task ids in a deterministic topological order.
func (g *Graph) Order() []string { return g.order }

// Roots returns the tasks without upstream dependencies.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.upstream[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Descendants returns every task transitively downstream of id.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{}
	stack := append([]string(nil), g.downstream[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.downstream[n]...)
	}
	var out []string
	for _, n := range g.order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// ScheduleParser validates a schedule expression. It is injected to keep this
// package free of a cron dependency.
type ScheduleParser func(expr string) error

// Build validates d and returns its graph. Structural problems (duplicate ids,
// unknown references, cycles) are collected into a single *ValidationError.
func Build(d *types.DAG) (*Graph, error) {
	return BuildWithSchedule(d, nil)
}

// BuildWithSchedule is Build plus schedule validation through parse.
func BuildWithSchedule(d *types.DAG, parse ScheduleParser) (*Graph, error) {
	if d == nil {
		return nil, &ValidationError{Problems: []string{"dag is nil"}}
	}
	var problems []string
	if strings.TrimSpace(d.ID) == "" {
		problems = append(problems, "id is required")
	}
	if len(d.Tasks) == 0 {
		problems = append(problems, "at least one task is required")
	}
	if parse != nil {
		if err := parse(d.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("schedule %q: %v", d.Schedule, err))
		}
	}
	if d.StartDate != nil && d.EndDate != nil && d.EndDate.Before(*d.StartDate) {
		problems = append(problems, "end_date is before start_date")
	}
	problems = append(problems, checkRetry("default_retry", d.DefaultRetry)...)

	ids := make(map[string]bool, len(d.Tasks))
	for i := range d.Tasks {
		t := &d.Tasks[i]
		switch {
		case strings.TrimSpace(t.ID) == "":
			problems = append(problems, fmt.Sprintf("task #%d: id is required", i))
			continue
		case !taskIDPattern.MatchString(t.ID):
			problems = append(problems, fmt.Sprintf("task id %q: must match %s", t.ID, taskIDPattern))
		case ids[t.ID]:
			problems = append(problems, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		ids[t.ID] = true
		if !t.TriggerRule.Valid() {
			problems = append(problems, fmt.Sprintf("task %q: unknown trigger rule %q", t.ID, t.TriggerRule))
		}
		problems = append(problems, checkRetry("task "+t.ID+" retry", t.Retry)...)
	}

	edges := make(map[string]map[string]bool, len(ids))
	addEdge := func(from, to string) {
		if !ids[from] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: unknown task %q", from, to, from))
			return
		}
		if !ids[to] {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: unknown task %q", from, to, to))
			return
		}
		if from == to {
			problems = append(problems, fmt.Sprintf("task %q depends on itself", from))
			return
		}
		if edges[from] == nil {
			edges[from] = map[string]bool{}
		}
		edges[from][to] = true
	}
	for _, e := range d.Edges {
		addEdge(e.From, e.To)
	}
	for i := range d.Tasks {
		for _, up := range d.Tasks[i].Upstream {
			addEdge(up, d.Tasks[i].ID)
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{DAGID: d.ID, Problems: problems}
	}

	g := &Graph{
		upstream:   make(map[string][]string, len(ids)),
		downstream: make(map[string][]string, len(ids)),
	}
	for from, tos := range edges {
		for to := range tos {
			g.downstream[from] = append(g.downstream[from], to)
			g.upstream[to] = append(g.upstream[to], from)
		}
	}
	for id := range ids {
		sort.Strings(g.downstream[id])
		sort.Strings(g.upstream[id])
	}

	order, cycle := topoSort(d.TaskIDs(), g)
	if cycle != nil {
		return nil, &ValidationError{
			DAGID:    d.ID,
			Problems: []string{"cycle detected: " + strings.Join(cycle, " -> ")},
		}
	}
	g.order = order
	return g, nil
}

// topoSort runs Kahn's algorithm, breaking ties by declaration order. When the
// graph is cyclic it returns one cycle path instead.
func topoSort(declared []string, g *Graph) ([]string, []string) {
	indeg := make(map[string]int, len(declared))
	for _, id := range declared {
		indeg[id] = len(g.upstream[id])
	}
	pos := make(map[string]int, len(declared))
	for i, id := range declared {
		pos[id] = i
	}

	var ready []string
	for _, id := range declared {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]string, 0, len(declared))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, m := range g.downstream[n] {
			indeg[m]--
			if indeg[m] == 0 {
				ready = append(ready, m)
			}
		}
	}
	if len(order) == len(declared) {
		return order, nil
	}

	// Walk upstream from any unresolved node until a node repeats.
	var start string
	for _, id := range declared {
		if indeg[id] > 0 {
			start = id
			break
		}
	}
	seen := map[string]int{}
	var path []string
	for n := start; ; {
		if i, ok := seen[n]; ok {
			cycle := append([]string(nil), path[i:]...)
			// path was built walking upstream; reverse to read in edge direction.
			for l, r := 0, len(cycle)-1; l < r; l, r = l+1, r-1 {
				cycle[l], cycle[r] = cycle[r], cycle[l]
			}
			return nil, append(cycle, cycle[0])
		}
		seen[n] = len(path)
		path = append(path, n)
		for _, up := range g.upstream[n] {
			if indeg[up] > 0 {
				n = up
				break
			}
		}
	}
}

func checkRetry(field string, p *types.RetryPolicy) []string {
	if p == nil {
		return nil
	}
	var problems []string
	if p.MaxAttempts < 1 {
		problems = append(problems, field+": max_attempts must be >= 1")
	}
	if p.Backoff < 0 || p.MaxBackoff < 0 {
		problems = append(problems, field+": backoff must not be negative")
	}
	if p.Multiplier != 0 && p.Multiplier < 1 {
		problems = append(problems, field+": multiplier must be >= 1")
	}
	return problems
}
