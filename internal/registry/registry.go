// Package registry resolves a step's action to a concrete dispatch
// target — an internal handler, an HTTP call to a registered agent, or
// an MCP tool call — and applies the concurrency and circuit-breaker
// policy appropriate to that channel before the call is made.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/mcp"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Dispatcher resolves and invokes steps against their bound channel.
type Dispatcher struct {
	store      *store.Store
	mcpManager *mcp.Manager
	httpClient *http.Client

	mu          sync.Mutex
	mcpBreakers map[string]*gobreaker.CircuitBreaker[string]

	// affinity caches, per run, the last agent_id a given step resolved
	// to — so a retried step prefers the same agent instance instead of
	// round-robining across a capability's whole pool every attempt.
	affinityMu sync.Mutex
	affinity   map[string]string // "<run_id>:<step_id>" -> agent_id
}

// NewDispatcher constructs a Dispatcher backed by s. mcpManager may be
// nil if the procedure set being served has no mcp_tool bindings.
func NewDispatcher(s *store.Store, mcpManager *mcp.Manager) *Dispatcher {
	return &Dispatcher{
		store:       s,
		mcpManager:  mcpManager,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		mcpBreakers: make(map[string]*gobreaker.CircuitBreaker[string]),
		affinity:    make(map[string]string),
	}
}

// Result is the outcome of dispatching one step.
type Result struct {
	Output   any
	RawBytes []byte
}

// Dispatch executes step against its bound channel (step.Binding.Kind).
// A step with no binding counts as "internal" and is rejected here. An
// agent_http binding with no Ref resolves an agent via the capability
// registry.
func (d *Dispatcher) Dispatch(ctx context.Context, runID string, step ir.Step, agentCapability string, rendered map[string]any) (*Result, error) {
	kind := "internal"
	ref := ""
	if step.Binding != nil {
		kind = step.Binding.Kind
		ref = step.Binding.Ref
	}

	switch kind {
	case "internal":
		return nil, fmt.Errorf("internal action %q must be handled by the executor, not dispatched through the registry", step.Action)
	case "agent_http":
		return d.dispatchAgentHTTP(ctx, runID, step, agentCapability, ref, rendered)
	case "mcp_tool":
		return d.dispatchMCPTool(ctx, ref, step.Action, rendered)
	default:
		return nil, fmt.Errorf("unknown binding kind %q", kind)
	}
}

func (d *Dispatcher) dispatchAgentHTTP(ctx context.Context, runID string, step ir.Step, capability, explicitAgentID string, params map[string]any) (*Result, error) {
	agentID := explicitAgentID
	if agentID == "" {
		var err error
		agentID, err = d.resolveAgent(runID, step.StepID, capability)
		if err != nil {
			return nil, err
		}
	}

	open, err := d.store.CircuitOpen(agentID)
	if err != nil {
		return nil, fmt.Errorf("check circuit for agent %s: %w", agentID, err)
	}
	if open {
		return nil, fmt.Errorf("circuit open for agent %s: too many consecutive failures", agentID)
	}

	agent, err := d.store.GetAgent(agentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent %s: %w", agentID, err)
	}

	leaseKey, releaseFn, err := d.acquireConcurrencySlot(ctx, agent, runID, step.StepID)
	if err != nil {
		return nil, err
	}
	defer releaseFn()
	_ = leaseKey

	body, err := json.Marshal(map[string]any{"action": step.Action, "params": params})
	if err != nil {
		return nil, fmt.Errorf("marshal agent_http request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agent.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent_http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		_, _ = d.store.RecordAgentFailure(agentID)
		return nil, fmt.Errorf("dispatch to agent %s: %w", agentID, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		_, _ = d.store.RecordAgentFailure(agentID)
		return nil, fmt.Errorf("read agent %s response: %w", agentID, err)
	}
	if resp.StatusCode >= 300 {
		_, _ = d.store.RecordAgentFailure(agentID)
		return nil, fmt.Errorf("agent %s returned status %d: %s", agentID, resp.StatusCode, string(raw))
	}

	if err := d.store.RecordAgentSuccess(agentID); err != nil {
		return nil, fmt.Errorf("record agent success for %s: %w", agentID, err)
	}

	var out any
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	return &Result{Output: out, RawBytes: raw}, nil
}

// resolveAgent picks a healthy agent advertising capability, preferring
// the agent this run/step pair used on a prior attempt (affinity cache)
// if it is still healthy.
func (d *Dispatcher) resolveAgent(runID, nodeID, capability string) (string, error) {
	key := runID + ":" + nodeID
	d.affinityMu.Lock()
	cached, ok := d.affinity[key]
	d.affinityMu.Unlock()
	if ok {
		if open, err := d.store.CircuitOpen(cached); err == nil && !open {
			return cached, nil
		}
	}

	candidates, err := d.store.ListAgentsByCapability(capability)
	if err != nil {
		return "", fmt.Errorf("list agents for capability %s: %w", capability, err)
	}
	for _, a := range candidates {
		open, err := d.store.CircuitOpen(a.AgentID)
		if err != nil {
			continue
		}
		if !open {
			d.affinityMu.Lock()
			d.affinity[key] = a.AgentID
			d.affinityMu.Unlock()
			return a.AgentID, nil
		}
	}
	return "", fmt.Errorf("no healthy agent available for capability %q", capability)
}

// acquireConcurrencySlot blocks (with ctx as the bail-out) until one of
// the agent's max_concurrent resource-lease slots is free.
func (d *Dispatcher) acquireConcurrencySlot(ctx context.Context, agent *store.AgentInstance, runID, nodeID string) (string, func(), error) {
	max := agent.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		for slot := 0; slot < max; slot++ {
			key := fmt.Sprintf("%s#%d", agent.AgentID, slot)
			leaseID, ok, err := d.store.AcquireResourceLease(key, runID, nodeID, 60)
			if err != nil {
				return "", nil, fmt.Errorf("acquire concurrency slot %s: %w", key, err)
			}
			if ok {
				return leaseID, func() { _ = d.store.ReleaseResourceLease(leaseID) }, nil
			}
		}
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatchMCPTool calls an MCP tool through a server-scoped circuit
// breaker. Unlike agent_http, there is no persisted AgentInstance row for
// MCP servers, so the breaker state here is an in-memory gobreaker
// instance per server instead of a DB-backed counter.
func (d *Dispatcher) dispatchMCPTool(ctx context.Context, serverName, toolName string, params map[string]any) (*Result, error) {
	if d.mcpManager == nil {
		return nil, fmt.Errorf("mcp_tool step bound to server %q but no MCP manager is configured", serverName)
	}

	breaker := d.mcpBreakerFor(serverName)

	text, err := breaker.Execute(func() (string, error) {
		return d.mcpManager.CallTool(ctx, serverName, toolName, params)
	})
	if err != nil {
		return nil, fmt.Errorf("mcp tool %s on %s: %w", toolName, serverName, err)
	}

	var out any
	raw := []byte(text)
	if json.Valid(raw) {
		_ = json.Unmarshal(raw, &out)
	} else {
		out = text
	}
	return &Result{Output: out, RawBytes: raw}, nil
}

func (d *Dispatcher) mcpBreakerFor(serverName string) *gobreaker.CircuitBreaker[string] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.mcpBreakers[serverName]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "mcp:" + serverName,
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	d.mcpBreakers[serverName] = b
	return b
}
