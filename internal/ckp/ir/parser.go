package ir

import (
	"encoding/json"
	"fmt"
)

// Parse decodes a raw CKP JSON document into a typed Procedure. It does not
// validate graph semantics — call validator.Validate on the result for that.
func Parse(raw []byte) (*Procedure, error) {
	var doc struct {
		ProcedureID     string                    `json:"procedure_id"`
		Version         string                    `json:"version"`
		GlobalConfig    GlobalConfig              `json:"global_config"`
		VariablesSchema map[string]any            `json:"variables_schema"`
		StartNodeID     string                    `json:"start_node_id"`
		Nodes           map[string]json.RawMessage `json:"nodes"`
		Trigger         *Trigger                  `json:"trigger"`
		Provenance      map[string]any            `json:"provenance"`
		RetrievalMeta   map[string]any            `json:"retrieval_meta"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode procedure document: %w", err)
	}
	if doc.ProcedureID == "" {
		return nil, fmt.Errorf("procedure_id is required")
	}

	p := &Procedure{
		ProcedureID:     doc.ProcedureID,
		Version:         doc.Version,
		GlobalConfig:    doc.GlobalConfig,
		VariablesSchema: doc.VariablesSchema,
		StartNodeID:     doc.StartNodeID,
		Trigger:         doc.Trigger,
		Provenance:      doc.Provenance,
		RetrievalMeta:   doc.RetrievalMeta,
		Nodes:           make(map[string]*Node, len(doc.Nodes)),
	}

	for id, raw := range doc.Nodes {
		n, err := parseNode(id, raw)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", id, err)
		}
		p.Nodes[id] = n
	}

	return p, nil
}

func parseNode(id string, raw json.RawMessage) (*Node, error) {
	var head struct {
		Type       NodeType       `json:"type"`
		Agent      string         `json:"agent"`
		NextNodeID string         `json:"next_node_id"`
		Checkpoint bool           `json:"checkpoint"`
		Telemetry  NodeTelemetry  `json:"telemetry"`
		SLA        *NodeSLA       `json:"sla"`
		Retry      *RetryPolicy   `json:"retry_policy"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode node header: %w", err)
	}

	n := &Node{
		ID:         id,
		Type:       head.Type,
		Agent:      head.Agent,
		NextNodeID: head.NextNodeID,
		Checkpoint: head.Checkpoint,
		Telemetry:  head.Telemetry,
		SLA:        head.SLA,
		Retry:      head.Retry,
	}

	var err error
	switch head.Type {
	case NodeSequence:
		var p struct {
			Steps []rawStep `json:"steps"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			steps, serr := parseSteps(p.Steps)
			if serr != nil {
				return nil, serr
			}
			n.Payload = SequencePayload{Steps: steps}
		}
	case NodeLogic:
		var p struct {
			Rules             []LogicRule `json:"rules"`
			DefaultNextNodeID string      `json:"default_next_node_id"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = LogicPayload{Rules: p.Rules, DefaultNextNodeID: p.DefaultNextNodeID}
		}
	case NodeLoop:
		var p LoopPayload
		err = json.Unmarshal(raw, &loopAlias{
			IteratorVar:      &p.IteratorVar,
			IteratorVariable: &p.IteratorVariable,
			IndexVariable:    &p.IndexVariable,
			CollectVariable:  &p.CollectVariable,
			BodyNodeID:       &p.BodyNodeID,
			NextNodeID:       &p.NextNodeID,
		})
		if err == nil {
			n.Payload = p
		}
	case NodeParallel:
		var p struct {
			Branches      []ParallelBranch `json:"branches"`
			WaitStrategy  string           `json:"wait_strategy"`
			BranchFailure string           `json:"branch_failure"`
			NextNodeID    string           `json:"next_node_id"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = ParallelPayload{
				Branches:      p.Branches,
				WaitStrategy:  p.WaitStrategy,
				BranchFailure: p.BranchFailure,
				NextNodeID:    p.NextNodeID,
			}
		}
	case NodeHumanApproval:
		var p struct {
			Prompt       string         `json:"prompt"`
			DecisionType string         `json:"decision_type"`
			Options      []any          `json:"options"`
			ContextData  map[string]any `json:"context_data"`
			OnApprove    string         `json:"on_approve"`
			OnReject     string         `json:"on_reject"`
			OnTimeout    string         `json:"on_timeout"`
			ExpiresInSec int            `json:"expires_in_seconds"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = HumanApprovalPayload(p)
		}
	case NodeLLMAction:
		var p struct {
			Model             string            `json:"model"`
			Prompt            string            `json:"prompt"`
			SystemPrompt      string            `json:"system_prompt"`
			Temperature       float64           `json:"temperature"`
			MaxTokens         int               `json:"max_tokens"`
			Outputs           map[string]string `json:"outputs"`
			OrchestrationMode bool              `json:"orchestration_mode"`
			Branches          []string          `json:"branches"`
			NextNodeID        string            `json:"next_node_id"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = LLMActionPayload(p)
		}
	case NodeSubflow:
		var p struct {
			ProcedureID    string            `json:"procedure_id"`
			Version        string            `json:"version"`
			InheritContext bool              `json:"inherit_context"`
			InputMapping   map[string]any    `json:"input_mapping"`
			OutputMapping  map[string]string `json:"output_mapping"`
			OnFailure      string            `json:"on_failure"`
			NextNodeID     string            `json:"next_node_id"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = SubflowPayload(p)
		}
	case NodeTransform:
		var p struct {
			Transformations []Transformation `json:"transformations"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = TransformPayload{Transformations: p.Transformations}
		}
	case NodeVerification:
		var p struct {
			Checks []VerificationCheck `json:"checks"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = VerificationPayload{Checks: p.Checks}
		}
	case NodeProcessing:
		var p struct {
			Operations []rawStep `json:"operations"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			ops, serr := parseSteps(p.Operations)
			if serr != nil {
				return nil, serr
			}
			n.Payload = ProcessingPayload{Operations: ops}
		}
	case NodeTerminate:
		var p struct {
			Status string `json:"status"`
		}
		err = json.Unmarshal(raw, &p)
		if err == nil {
			n.Payload = TerminatePayload{Status: p.Status}
		}
	default:
		return nil, fmt.Errorf("unknown node type %q", head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", head.Type, err)
	}

	return n, nil
}

// loopAlias lets LoopPayload round-trip through encoding/json without
// exporting parallel field-tag structs for every call site.
type loopAlias struct {
	IteratorVar      *string `json:"iterator_var"`
	IteratorVariable *string `json:"iterator_variable"`
	IndexVariable    *string `json:"index_variable"`
	CollectVariable  *string `json:"collect_variable"`
	BodyNodeID       *string `json:"body_node_id"`
	NextNodeID       *string `json:"next_node_id"`
}

type rawStep struct {
	StepID         string            `json:"step_id"`
	Action         string            `json:"action"`
	Params         map[string]any    `json:"params"`
	OutputVariable string            `json:"output_variable"`
	IdempotencyKey string            `json:"idempotency_key"`
	WaitMS         int               `json:"wait_ms"`
	WaitAfterMS    int               `json:"wait_after_ms"`
	TimeoutMS      int               `json:"timeout_ms"`
	RetryOnFailure bool              `json:"retry_on_failure"`
	RetryConfig    *RetryPolicy      `json:"retry_config"`
	ErrorHandlers  []ErrorHandler    `json:"error_handlers"`
	NotifyOnError  *NotifyConfig     `json:"notify_on_error"`
	Binding        *rawBinding       `json:"binding"`
}

type rawBinding struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

func parseSteps(raw []rawStep) ([]Step, error) {
	steps := make([]Step, 0, len(raw))
	for _, r := range raw {
		if r.StepID == "" {
			return nil, fmt.Errorf("step missing step_id")
		}
		s := Step{
			StepID:         r.StepID,
			Action:         r.Action,
			Params:         r.Params,
			OutputVariable: r.OutputVariable,
			IdempotencyKey: r.IdempotencyKey,
			WaitMS:         r.WaitMS,
			WaitAfterMS:    r.WaitAfterMS,
			TimeoutMS:      r.TimeoutMS,
			RetryOnFailure: r.RetryOnFailure,
			RetryConfig:    r.RetryConfig,
			ErrorHandlers:  r.ErrorHandlers,
			NotifyOnError:  r.NotifyOnError,
		}
		if r.Binding != nil {
			s.Binding = &Binding{Kind: r.Binding.Kind, Ref: r.Binding.Ref}
		}
		steps = append(steps, s)
	}
	return steps, nil
}
