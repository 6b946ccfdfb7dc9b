package workflow

import (
	"errors"
	"fmt"
	"sort"
)

// ExecutionPlan groups step indices into dependency tiers. Steps in the
// same tier have no edges between them and may run concurrently.
type ExecutionPlan struct {
	Tiers [][]int // ascending stepIndex within each tier
}

// ValidateSteps checks index uniqueness, index range and that every
// dependency points strictly backwards at an existing step.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if s.StepIndex < 1 {
			return fmt.Errorf("%w: step %q has index %d", ErrInvalidPlan, s.TaskName, s.StepIndex)
		}
		if seen[s.StepIndex] {
			return fmt.Errorf("%w: duplicate step index %d", ErrInvalidPlan, s.StepIndex)
		}
		seen[s.StepIndex] = true
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if dep >= s.StepIndex {
				return fmt.Errorf("%w: step %d depends on %d (not strictly earlier)", ErrInvalidPlan, s.StepIndex, dep)
			}
			if !seen[dep] {
				return fmt.Errorf("%w: step %d depends on unknown step %d", ErrInvalidPlan, s.StepIndex, dep)
			}
		}
	}
	if _, err := BuildPlan(steps); err != nil {
		return err
	}
	return nil
}

// BuildPlan runs Kahn's algorithm over the dependency edges and assigns each
// step the depth of its longest dependency chain.
func BuildPlan(steps []Step) (*ExecutionPlan, error) {
	index := make(map[int]bool, len(steps))
	for _, s := range steps {
		index[s.StepIndex] = true
	}

	edges := make(map[int][]int)
	inDegree := make(map[int]int, len(steps))
	for _, s := range steps {
		inDegree[s.StepIndex] += 0
		for _, dep := range uniqueInts(s.DependsOn) {
			if !index[dep] {
				return nil, fmt.Errorf("%w: step %d depends on unknown step %d", ErrInvalidPlan, s.StepIndex, dep)
			}
			edges[dep] = append(edges[dep], s.StepIndex)
			inDegree[s.StepIndex]++
		}
	}

	depth := make(map[int]int, len(steps))
	var queue []int
	for idx, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, idx)
		}
	}
	sort.Ints(queue)

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range edges[node] {
			inDegree[next]--
			if d := depth[node] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(inDegree) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, errCycle)
	}

	maxDepth := 0
	for _, d := range depth {
		if d > maxDepth {
			maxDepth = d
		}
	}
	tiers := make([][]int, maxDepth+1)
	for idx := range inDegree {
		tiers[depth[idx]] = append(tiers[depth[idx]], idx)
	}
	for _, tier := range tiers {
		sort.Ints(tier)
	}
	return &ExecutionPlan{Tiers: tiers}, nil
}

var errCycle = errors.New("directed graph contains a cycle")

func uniqueInts(in []int) []int {
	if len(in) < 2 {
		return in
	}
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
