package validator

import (
	"strings"
	"testing"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
)

func baseProcedure() *ir.Procedure {
	return &ir.Procedure{
		ProcedureID: "proc.example",
		StartNodeID: "start",
		Nodes: map[string]*ir.Node{
			"start": {
				ID:   "start",
				Type: ir.NodeTerminate,
				Payload: ir.TerminatePayload{
					Status: "success",
				},
			},
		},
	}
}

func TestValidateEmptyProcedure(t *testing.T) {
	p := &ir.Procedure{}
	errs := Validate(p)
	if len(errs) == 0 {
		t.Fatalf("expected errors for empty procedure, got none")
	}
}

func TestValidateMinimalProcedureIsClean(t *testing.T) {
	errs := Validate(baseProcedure())
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}

func TestValidateUnknownStartNode(t *testing.T) {
	p := baseProcedure()
	p.StartNodeID = "missing"
	errs := Validate(p)
	if !containsSubstring(errs, "does not reference a known node") {
		t.Fatalf("expected unknown start node error, got %v", errs)
	}
}

func TestValidateUnreachableNode(t *testing.T) {
	p := baseProcedure()
	p.Nodes["orphan"] = &ir.Node{
		ID:      "orphan",
		Type:    ir.NodeTerminate,
		Payload: ir.TerminatePayload{Status: "success"},
	}
	errs := Validate(p)
	if !containsSubstring(errs, `"orphan" is unreachable`) {
		t.Fatalf("expected unreachable node error, got %v", errs)
	}
}

func TestValidateSubflowSelfRecursion(t *testing.T) {
	p := baseProcedure()
	p.StartNodeID = "call"
	p.Nodes["call"] = &ir.Node{
		ID:   "call",
		Type: ir.NodeSubflow,
		Payload: ir.SubflowPayload{
			ProcedureID: p.ProcedureID,
		},
	}
	errs := Validate(p)
	if !containsSubstring(errs, "self-recursion") {
		t.Fatalf("expected self-recursion error, got %v", errs)
	}
}

func TestValidateUndeclaredTemplateVariable(t *testing.T) {
	p := baseProcedure()
	p.VariablesSchema = map[string]any{"known": map[string]any{"type": "string"}}
	p.StartNodeID = "seq"
	p.Nodes["seq"] = &ir.Node{
		ID:         "seq",
		Type:       ir.NodeSequence,
		NextNodeID: "start",
		Payload: ir.SequencePayload{
			Steps: []ir.Step{
				{
					StepID: "s1",
					Action: "log",
					Params: map[string]any{"message": "{{unknown_var}}"},
				},
			},
		},
	}
	errs := Validate(p)
	if !containsSubstring(errs, `undeclared variable "unknown_var"`) {
		t.Fatalf("expected undeclared variable error, got %v", errs)
	}
}

func TestValidateOutputVariableReferenceIsDeclared(t *testing.T) {
	p := baseProcedure()
	p.VariablesSchema = map[string]any{"known": map[string]any{"type": "string"}}
	p.StartNodeID = "seq"
	p.Nodes["seq"] = &ir.Node{
		ID:         "seq",
		Type:       ir.NodeSequence,
		NextNodeID: "start",
		Payload: ir.SequencePayload{
			Steps: []ir.Step{
				{
					StepID:         "s1",
					Action:         "set_variable",
					Params:         map[string]any{"value": "hello"},
					OutputVariable: "greeting",
				},
				{
					StepID:         "s2",
					Action:         "log",
					Params:         map[string]any{"message": "{{greeting}}"},
					IdempotencyKey: "log-{{greeting}}",
				},
			},
		},
	}
	errs := Validate(p)
	if containsSubstring(errs, `undeclared variable "greeting"`) {
		t.Fatalf("expected a step's own output_variable to be a declared var, got %v", errs)
	}
}

func TestValidateLoopVariablesAreDeclared(t *testing.T) {
	p := baseProcedure()
	p.VariablesSchema = map[string]any{"items": map[string]any{"type": "array"}}
	p.StartNodeID = "loop"
	p.Nodes["loop"] = &ir.Node{
		ID:   "loop",
		Type: ir.NodeLoop,
		Payload: ir.LoopPayload{
			IteratorVar:      "items",
			IteratorVariable: "item",
			IndexVariable:    "idx",
			BodyNodeID:       "body",
			NextNodeID:       "start",
		},
	}
	p.Nodes["body"] = &ir.Node{
		ID:         "body",
		Type:       ir.NodeSequence,
		NextNodeID: "loop",
		Payload: ir.SequencePayload{
			Steps: []ir.Step{
				{StepID: "b1", Action: "log", Params: map[string]any{"message": "{{item}} at {{idx}}"}},
			},
		},
	}
	errs := Validate(p)
	if containsSubstring(errs, "undeclared variable") {
		t.Fatalf("expected loop iterator/index vars to be declared, got %v", errs)
	}
}

func TestValidateActionChannelMismatchIsHardError(t *testing.T) {
	p := baseProcedure()
	p.StartNodeID = "seq"
	p.Nodes["seq"] = &ir.Node{
		ID:         "seq",
		Type:       ir.NodeSequence,
		NextNodeID: "start",
		Payload: ir.SequencePayload{
			Steps: []ir.Step{
				{
					StepID:  "s1",
					Action:  "run_playbook",
					Binding: &ir.Binding{Kind: "internal"},
				},
			},
		},
	}
	errs := Validate(p)
	if !containsSubstring(errs, "does not support it") {
		t.Fatalf("expected action/channel mismatch error, got %v", errs)
	}
}

func containsSubstring(errs []string, needle string) bool {
	for _, e := range errs {
		if strings.Contains(e, needle) {
			return true
		}
	}
	return false
}
