package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
	"github.com/marcus-qen/ckp-orchestrator/internal/llm"
	"github.com/marcus-qen/ckp-orchestrator/internal/metrics"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// LLMAction issues a chat completion, extracts its outputs per the
// node's Outputs map, accumulates token usage into the run's cost
// counters, and — for orchestration_mode nodes — routes to the branch
// named by the "_next_node" field JSON-decoded from the reply content,
// falling back to the first branch when that field names no branch or
// the reply does not decode.
func LLMAction(ctx context.Context, ec *Context, node *ir.Node) (string, *Outcome, error) {
	payload, ok := node.Payload.(ir.LLMActionPayload)
	if !ok {
		return "", nil, fmt.Errorf("node %s: not an llm_action payload", node.ID)
	}
	if ec.LLM == nil {
		return "", nil, fmt.Errorf("node %s: no LLM client configured", node.ID)
	}

	vars := ec.Snapshot()
	prompt := template.Render(payload.Prompt, vars)
	systemPrompt := template.Render(payload.SystemPrompt, vars)

	if payload.OrchestrationMode && len(payload.Branches) > 0 {
		directive := fmt.Sprintf("You must route this workflow to exactly one of the following branches: %s. "+
			"Respond with a JSON object whose \"_next_node\" field is the chosen branch name.",
			strings.Join(payload.Branches, ", "))
		if systemPrompt != "" {
			systemPrompt = systemPrompt + "\n\n" + directive
		} else {
			systemPrompt = directive
		}
	}

	messages := []llm.Message{}
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	req := &llm.CompletionRequest{
		Model:       payload.Model,
		Messages:    messages,
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
	}
	if payload.OrchestrationMode {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	resp, err := ec.LLM.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("node %s: completion call: %w", node.ID, err)
	}

	metrics.RecordTokenUsage(payload.Model, resp.PromptTokens, resp.CompletionTokens)
	cost := llm.CostUSDMicros(payload.Model, resp.PromptTokens, resp.CompletionTokens)
	if err := ec.Store.AccumulateRunCost(ec.RunID, resp.PromptTokens, resp.CompletionTokens, cost); err != nil {
		return "", nil, fmt.Errorf("node %s: record token usage: %w", node.ID, err)
	}
	ec.emitEvent(node.ID, "", store.EventLLMUsage, map[string]any{
		"model":             payload.Model,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
		"total_tokens":      resp.PromptTokens + resp.CompletionTokens,
	})

	if len(payload.Outputs) == 0 {
		ec.Set("llm_output", resp.Content)
	} else {
		for k, v := range ExtractOutputs(payload.Outputs, resp.Content) {
			ec.Set(k, v)
		}
	}

	if payload.OrchestrationMode && len(payload.Branches) > 0 {
		var decoded struct {
			NextNode string `json:"_next_node"`
		}
		if err := json.Unmarshal([]byte(resp.Content), &decoded); err == nil {
			for _, b := range payload.Branches {
				if b == decoded.NextNode {
					return b, nil, nil
				}
			}
		}
		return payload.Branches[0], nil, nil
	}

	return payload.NextNodeID, nil, nil
}
