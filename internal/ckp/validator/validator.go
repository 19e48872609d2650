// Package validator checks a compiled procedure graph for structural and
// semantic errors before it is ever handed to the orchestrator: dangling
// edges, unreachable nodes, self-recursive subflows, undeclared template
// variables, and incompatible action/channel pairings.
package validator

import (
	"fmt"
	"regexp"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

var jinjaVarRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// channelActions maps a dispatch channel to the action names it is known
// to support. An action invoked against a channel outside this set is a
// hard validation error, not a warning: a procedure that asks a channel
// to do something it cannot do will always fail at runtime, so catching
// it at compile time is strictly better than letting a run burn a job slot.
var channelActions = map[string]map[string]bool{
	"internal": ir.InternalActions,
}

// Validate returns every error found in p. An empty slice means the
// procedure is safe to persist and execute.
func Validate(p *ir.Procedure) []string {
	var errs []string

	if p.ProcedureID == "" {
		errs = append(errs, "procedure_id is required")
	}
	if len(p.Nodes) == 0 {
		errs = append(errs, "procedure has no nodes")
	}
	if p.StartNodeID == "" {
		errs = append(errs, "start_node_id is required")
	} else if _, ok := p.Nodes[p.StartNodeID]; !ok {
		errs = append(errs, fmt.Sprintf("start_node_id %q does not reference a known node", p.StartNodeID))
	}

	if p.Trigger != nil && p.Trigger.Type != "" && !ir.ValidTriggerTypes[p.Trigger.Type] {
		errs = append(errs, fmt.Sprintf("trigger.type %q is not a recognized trigger type", p.Trigger.Type))
	}

	declared := declaredVars(p)

	for id, n := range p.Nodes {
		errs = append(errs, validateNodeEdges(p, id, n)...)
		errs = append(errs, validateNodeTemplates(n, declared)...)
		errs = append(errs, validateActionChannels(id, n)...)
		if n.Type == ir.NodeSubflow {
			sp := n.Payload.(ir.SubflowPayload)
			if sp.ProcedureID == p.ProcedureID {
				errs = append(errs, fmt.Sprintf("node %q: subflow cannot invoke its own procedure_id (self-recursion)", id))
			}
		}
	}

	errs = append(errs, findUnreachable(p)...)

	return errs
}

// declaredVars builds the set of variable names a template reference is
// allowed to use: the procedure's declared variables_schema, the
// implicit runtime vars every run carries, and every variable a node can
// write at runtime (a step's output_variable, an llm_action's outputs
// keys, and a loop's iterator/index/collect vars). Without the latter, a
// node referencing a value a prior node just produced would wrongly
// read as an undeclared-variable error.
func declaredVars(p *ir.Procedure) map[string]bool {
	declared := make(map[string]bool, len(p.VariablesSchema)+len(ir.ImplicitRuntimeVars))
	for k := range p.VariablesSchema {
		declared[k] = true
	}
	for k := range ir.ImplicitRuntimeVars {
		declared[k] = true
	}

	addStep := func(s ir.Step) {
		if s.OutputVariable != "" {
			declared[s.OutputVariable] = true
		}
	}

	for _, n := range p.Nodes {
		switch payload := n.Payload.(type) {
		case ir.SequencePayload:
			for _, s := range payload.Steps {
				addStep(s)
			}
		case ir.ProcessingPayload:
			for _, s := range payload.Operations {
				addStep(s)
			}
		case ir.LLMActionPayload:
			for k := range payload.Outputs {
				declared[k] = true
			}
			declared["llm_output"] = true
		case ir.LoopPayload:
			if payload.IteratorVariable != "" {
				declared[payload.IteratorVariable] = true
			}
			if payload.IndexVariable != "" {
				declared[payload.IndexVariable] = true
			}
			if payload.CollectVariable != "" {
				declared[payload.CollectVariable] = true
			}
		case ir.TransformPayload:
			for _, t := range payload.Transformations {
				if t.OutputVariable != "" {
					declared[t.OutputVariable] = true
				}
			}
		}
	}

	return declared
}

func validateNodeEdges(p *ir.Procedure, id string, n *ir.Node) []string {
	var errs []string
	check := func(target, label string) {
		if target == "" {
			return
		}
		if _, ok := p.Nodes[target]; !ok {
			errs = append(errs, fmt.Sprintf("node %q: %s references unknown node %q", id, label, target))
		}
	}

	switch payload := n.Payload.(type) {
	case ir.SequencePayload:
		check(n.NextNodeID, "next_node_id")
		for _, s := range payload.Steps {
			for _, eh := range s.ErrorHandlers {
				check(eh.FallbackNode, "error handler fallback_node")
			}
		}
	case ir.LogicPayload:
		if len(payload.Rules) == 0 && payload.DefaultNextNodeID == "" {
			errs = append(errs, fmt.Sprintf("node %q: logic node has no rules and no default_next_node_id", id))
		}
		for i, r := range payload.Rules {
			if r.ConditionExpr == "" {
				errs = append(errs, fmt.Sprintf("node %q: rule %d has empty condition", id, i))
			}
			check(r.NextNodeID, fmt.Sprintf("rule %d next_node_id", i))
		}
		check(payload.DefaultNextNodeID, "default_next_node_id")
	case ir.LoopPayload:
		if payload.BodyNodeID == "" {
			errs = append(errs, fmt.Sprintf("node %q: loop node missing body_node_id", id))
		}
		check(payload.BodyNodeID, "body_node_id")
		check(payload.NextNodeID, "next_node_id")
	case ir.ParallelPayload:
		if len(payload.Branches) == 0 {
			errs = append(errs, fmt.Sprintf("node %q: parallel node has no branches", id))
		}
		for _, b := range payload.Branches {
			check(b.StartNodeID, fmt.Sprintf("branch %q start_node_id", b.BranchID))
		}
		check(payload.NextNodeID, "next_node_id")
	case ir.HumanApprovalPayload:
		check(payload.OnApprove, "on_approve")
		check(payload.OnReject, "on_reject")
		check(payload.OnTimeout, "on_timeout")
	case ir.LLMActionPayload:
		check(payload.NextNodeID, "next_node_id")
	case ir.SubflowPayload:
		check(payload.NextNodeID, "next_node_id")
		if payload.OnFailure != "" && payload.OnFailure != "fail_parent" && payload.OnFailure != "continue" {
			errs = append(errs, fmt.Sprintf("node %q: subflow on_failure %q must be fail_parent or continue", id, payload.OnFailure))
		}
	case ir.TerminatePayload:
		// terminal node, no outgoing edges to check
	default:
		check(n.NextNodeID, "next_node_id")
	}
	return errs
}

func validateNodeTemplates(n *ir.Node, declared map[string]bool) []string {
	if len(declared) == 0 {
		return nil
	}
	var errs []string
	scan := func(s string, where string) {
		for _, m := range jinjaVarRe.FindAllStringSubmatch(s, -1) {
			name := m[1]
			if !declared[name] {
				errs = append(errs, fmt.Sprintf("node %q: %s references undeclared variable %q", n.ID, where, name))
			}
		}
	}

	switch payload := n.Payload.(type) {
	case ir.SequencePayload:
		for _, s := range payload.Steps {
			for k, v := range s.Params {
				if sv, ok := v.(string); ok {
					scan(sv, fmt.Sprintf("step %q param %q", s.StepID, k))
				}
			}
			scan(s.IdempotencyKey, fmt.Sprintf("step %q idempotency_key", s.StepID))
		}
	case ir.ProcessingPayload:
		for _, s := range payload.Operations {
			for k, v := range s.Params {
				if sv, ok := v.(string); ok {
					scan(sv, fmt.Sprintf("operation %q param %q", s.StepID, k))
				}
			}
			scan(s.IdempotencyKey, fmt.Sprintf("operation %q idempotency_key", s.StepID))
		}
	case ir.LogicPayload:
		for i, r := range payload.Rules {
			scan(r.ConditionExpr, fmt.Sprintf("rule %d condition", i))
		}
	case ir.LLMActionPayload:
		scan(payload.Prompt, "prompt")
		scan(payload.SystemPrompt, "system_prompt")
	case ir.VerificationPayload:
		for _, c := range payload.Checks {
			scan(c.ConditionExpr, fmt.Sprintf("check %q condition", c.Name))
		}
	case ir.HumanApprovalPayload:
		scan(payload.Prompt, "prompt")
	}
	return errs
}

func validateActionChannels(id string, n *ir.Node) []string {
	var errs []string
	checkStep := func(s ir.Step) {
		if s.Binding == nil || s.Binding.Kind != "internal" {
			return
		}
		if !ir.InternalActions[s.Action] {
			errs = append(errs, fmt.Sprintf("node %q: step %q binds action %q to the internal channel, which does not support it", id, s.StepID, s.Action))
		}
	}
	switch payload := n.Payload.(type) {
	case ir.SequencePayload:
		for _, s := range payload.Steps {
			checkStep(s)
		}
	case ir.ProcessingPayload:
		for _, s := range payload.Operations {
			checkStep(s)
		}
	}
	return errs
}

// findUnreachable performs a breadth-first walk from start_node_id and
// reports every node the walk never touches.
func findUnreachable(p *ir.Procedure) []string {
	if p.StartNodeID == "" {
		return nil
	}
	if _, ok := p.Nodes[p.StartNodeID]; !ok {
		return nil
	}

	visited := map[string]bool{p.StartNodeID: true}
	queue := []string{p.StartNodeID}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, ok := p.Nodes[id]
		if !ok {
			continue
		}
		for _, next := range outgoingEdges(n) {
			if next == "" || visited[next] {
				continue
			}
			if _, ok := p.Nodes[next]; !ok {
				continue
			}
			visited[next] = true
			queue = append(queue, next)
		}
	}

	var errs []string
	for id := range p.Nodes {
		if !visited[id] {
			errs = append(errs, fmt.Sprintf("node %q is unreachable from start_node_id", id))
		}
	}
	return errs
}

func outgoingEdges(n *ir.Node) []string {
	switch payload := n.Payload.(type) {
	case ir.SequencePayload:
		edges := []string{n.NextNodeID}
		for _, s := range payload.Steps {
			for _, eh := range s.ErrorHandlers {
				edges = append(edges, eh.FallbackNode)
			}
		}
		return edges
	case ir.LogicPayload:
		edges := []string{payload.DefaultNextNodeID}
		for _, r := range payload.Rules {
			edges = append(edges, r.NextNodeID)
		}
		return edges
	case ir.LoopPayload:
		return []string{payload.BodyNodeID, payload.NextNodeID}
	case ir.ParallelPayload:
		edges := []string{payload.NextNodeID}
		for _, b := range payload.Branches {
			edges = append(edges, b.StartNodeID)
		}
		return edges
	case ir.HumanApprovalPayload:
		return []string{payload.OnApprove, payload.OnReject, payload.OnTimeout}
	case ir.LLMActionPayload:
		return []string{payload.NextNodeID}
	case ir.SubflowPayload:
		return []string{payload.NextNodeID}
	case ir.TransformPayload:
		return []string{n.NextNodeID}
	case ir.VerificationPayload:
		return []string{n.NextNodeID}
	case ir.ProcessingPayload:
		return []string{n.NextNodeID}
	case ir.TerminatePayload:
		return nil
	default:
		return []string{n.NextNodeID}
	}
}
