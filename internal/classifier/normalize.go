package classifier

import (
	"fmt"
	"sort"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

const (
	qcTaskName       = "Quality Review"
	deliveryTaskName = "Client Delivery"
)

// Normalize reorders a validated plan so the work steps run first, followed by
// exactly one qc step and exactly one delivery step. Missing qc or delivery
// steps are synthesized; extra ones are dropped along with the dependencies
// that pointed at them.
func Normalize(steps []workflow.Step) ([]workflow.Step, error) {
	ordered := make([]workflow.Step, len(steps))
	copy(ordered, steps)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].StepIndex < ordered[j].StepIndex })

	var work []workflow.Step
	var qc, delivery *workflow.Step
	for i := range ordered {
		s := ordered[i]
		switch {
		case s.AgentType == workflow.AgentQC:
			if qc == nil {
				qc = &s
			}
		case s.AgentType == workflow.AgentDelivery:
			if delivery == nil {
				delivery = &s
			}
		default:
			work = append(work, s)
		}
	}

	n := len(work)
	remap := make(map[int]int, n+2)
	for i, s := range work {
		remap[s.StepIndex] = i + 1
	}
	if qc != nil {
		remap[qc.StepIndex] = n + 1
	}
	if delivery != nil {
		remap[delivery.StepIndex] = n + 2
	}

	out := make([]workflow.Step, 0, n+2)
	for i, s := range work {
		s.StepIndex = i + 1
		s.DependsOn = remapDeps(s.DependsOn, remap, s.StepIndex)
		out = append(out, s)
	}

	qcStep := synthesizedQC()
	if qc != nil {
		qcStep = *qc
	}
	qcStep.StepIndex = n + 1
	qcStep.DependsOn = remapDeps(qcStep.DependsOn, remap, qcStep.StepIndex)
	if n > 0 {
		qcStep.DependsOn = addDep(qcStep.DependsOn, n)
	}
	out = append(out, qcStep)

	deliveryStep := synthesizedDelivery()
	if delivery != nil {
		deliveryStep = *delivery
	}
	deliveryStep.StepIndex = n + 2
	deliveryStep.DependsOn = addDep(remapDeps(deliveryStep.DependsOn, remap, deliveryStep.StepIndex), n+1)
	out = append(out, deliveryStep)

	if err := workflow.ValidateSteps(out); err != nil {
		return nil, fmt.Errorf("normalized plan: %w", err)
	}
	return out, nil
}

// remapDeps translates old indices to new ones and keeps only those strictly
// before self.
func remapDeps(deps []int, remap map[int]int, self int) []int {
	out := make([]int, 0, len(deps))
	seen := make(map[int]bool, len(deps))
	for _, d := range deps {
		nd, ok := remap[d]
		if !ok || nd >= self || seen[nd] {
			continue
		}
		seen[nd] = true
		out = append(out, nd)
	}
	sort.Ints(out)
	return out
}

func addDep(deps []int, d int) []int {
	for _, v := range deps {
		if v == d {
			return deps
		}
	}
	deps = append(deps, d)
	sort.Ints(deps)
	return deps
}

func synthesizedQC() workflow.Step {
	return workflow.Step{
		AgentType:        workflow.AgentQC,
		TaskName:         qcTaskName,
		Description:      "Review all work for quality, accuracy and brand consistency",
		Instructions:     "Review the previous work against the original request. Check accuracy, completeness, tone and formatting. List concrete issues and state whether the work is ready for the client.",
		EstimatedMinutes: 15,
	}
}

func synthesizedDelivery() workflow.Step {
	return workflow.Step{
		AgentType:        workflow.AgentDelivery,
		TaskName:         deliveryTaskName,
		Description:      "Package and deliver the final work to the client",
		Instructions:     "Prepare the final deliverables for the client. Write a short cover note summarizing what was done and how to use it.",
		EstimatedMinutes: 10,
	}
}

// requiredAgents returns the sorted set of agent types used by steps.
func requiredAgents(steps []workflow.Step) []workflow.AgentType {
	seen := make(map[workflow.AgentType]bool)
	var out []workflow.AgentType
	for _, s := range steps {
		if !seen[s.AgentType] {
			seen[s.AgentType] = true
			out = append(out, s.AgentType)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func totalMinutes(steps []workflow.Step) int {
	total := 0
	for _, s := range steps {
		total += s.EstimatedMinutes
	}
	return total
}
