// Package executors implements the per-node-type execution semantics of
// a compiled procedure graph: the sequence/processing step runner (with
// its retry, error-handler, and idempotency-cache behavior), and the
// logic/loop/parallel/human_approval/llm_action/subflow/transform/
// verification/terminate node bodies.
//
// Each executor returns the id of the next node to visit (or a terminal
// Outcome) and leaves the main walk to the orchestrator; loop and
// parallel nodes first walk their own body sub-graphs via walkFrom
// (walk.go).
package executors

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/ir"
	"github.com/marcus-qen/ckp-orchestrator/internal/ckp/template"
	"github.com/marcus-qen/ckp-orchestrator/internal/llm"
	"github.com/marcus-qen/ckp-orchestrator/internal/metrics"
	"github.com/marcus-qen/ckp-orchestrator/internal/registry"
	"github.com/marcus-qen/ckp-orchestrator/internal/store"
)

// Dispatcher is the subset of registry.Dispatcher the executors need —
// narrowed so this package doesn't have to import the concrete type in
// every signature and tests can fake it.
type Dispatcher interface {
	Dispatch(ctx context.Context, runID string, step ir.Step, agentCapability string, rendered map[string]any) (*registry.Result, error)
}

// SubflowRunner invokes a child procedure as a nested run and returns
// its output variables. The orchestrator supplies the implementation,
// since running a subflow means re-entering the same graph-walk loop
// that owns this node.
type SubflowRunner interface {
	RunSubflow(ctx context.Context, parentRunID, nodeID, procedureID, version string, inputVars map[string]any) (map[string]any, error)
}

// Outcome is a terminal result produced by a node. Terminate nodes
// produce one; loop and parallel nodes pass on an Outcome that their
// body walk reached (parallel only for a failure status). A child's
// error is returned as an error, not as an Outcome.
type Outcome struct {
	Status  string
	Message string
}

// Context carries everything a node executor needs: the mutable run
// variable set, the collaborators it dispatches work through, the
// node map a loop/parallel body walks against, and the identifiers
// every internal action and telemetry event is tagged with.
type Context struct {
	Store       *store.Store
	Dispatch    Dispatcher
	LLM         *llm.Client
	Subflow     SubflowRunner
	Nodes       map[string]*ir.Node
	RunID       string
	ProcedureID string
	Version     string

	// GlobalConfig carries the procedure's execution_mode, test overrides,
	// and mock, screenshot, retry and rate-limit settings. RunStep consults it before every
	// real dispatch.
	GlobalConfig ir.GlobalConfig

	// RateLimit bounds the number of steps this run may have dispatching
	// concurrently, built from GlobalConfig.RateLimiting.MaxConcurrent. Nil
	// when no limit is configured.
	RateLimit chan struct{}

	mu   sync.Mutex
	vars map[string]any
}

// NewContext constructs an executor Context seeded with initial vars.
func NewContext(s *store.Store, d Dispatcher, llmClient *llm.Client, subflow SubflowRunner, nodes map[string]*ir.Node, runID, procedureID, version string, initial map[string]any) *Context {
	vars := make(map[string]any, len(initial))
	for k, v := range initial {
		vars[k] = v
	}
	return &Context{
		Store:       s,
		Dispatch:    d,
		LLM:         llmClient,
		Subflow:     subflow,
		Nodes:       nodes,
		RunID:       runID,
		ProcedureID: procedureID,
		Version:     version,
		vars:        vars,
	}
}

// WithGlobalConfig attaches a procedure's global_config to the context,
// constructing the rate-limiting semaphore when max_concurrent is set.
func (c *Context) WithGlobalConfig(gc ir.GlobalConfig) *Context {
	c.GlobalConfig = gc
	if gc.RateLimiting != nil && gc.RateLimiting.MaxConcurrent > 0 {
		c.RateLimit = make(chan struct{}, gc.RateLimiting.MaxConcurrent)
	}
	return c
}

// acquireRateLimit blocks until a dispatch slot is free, emitting
// pool_saturated the first time this step has to wait for one. It is a
// no-op when no rate limit is configured.
func (c *Context) acquireRateLimit(ctx context.Context, nodeID, stepID string) error {
	if c.RateLimit == nil {
		return nil
	}
	select {
	case c.RateLimit <- struct{}{}:
		return nil
	default:
	}
	c.emitEvent(nodeID, stepID, store.EventPoolSaturated, map[string]any{"reason": "run_rate_limit"})
	select {
	case c.RateLimit <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Context) releaseRateLimit() {
	if c.RateLimit == nil {
		return
	}
	<-c.RateLimit
}

// emitEvent records one run_events row, swallowing store errors since a
// forensic-log write must never fail the run it describes.
func (c *Context) emitEvent(nodeID, stepID, eventType string, payload map[string]any) {
	if c.Store == nil {
		return
	}
	body, _ := json.Marshal(payload)
	_ = c.Store.RecordEvent(store.RunEvent{
		RunID:     c.RunID,
		EventType: eventType,
		NodeID:    nodeID,
		StepID:    stepID,
		Payload:   body,
	})
}

// Get returns a copy of the current variable named key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.vars[key]
	return v, ok
}

// Set assigns a run variable.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[key] = value
}

// SetMany assigns several run variables atomically with respect to
// concurrent readers/writers (parallel branches write back through
// this).
func (c *Context) SetMany(vals map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range vals {
		c.vars[k] = v
	}
}

// Snapshot returns a shallow copy of all run variables, suitable for
// persisting to Run.VarsSnapshot or handing to a template render call.
func (c *Context) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// Fork returns a child Context sharing the same collaborators but an
// independent copy of the variable set — used by parallel branches so
// concurrent forks don't race on each other's writes before the rejoin
// merges their deltas back.
func (c *Context) Fork() *Context {
	child := NewContext(c.Store, c.Dispatch, c.LLM, c.Subflow, c.Nodes, c.RunID, c.ProcedureID, c.Version, c.Snapshot())
	child.GlobalConfig = c.GlobalConfig
	child.RateLimit = c.RateLimit
	return child
}

// fallbackRouteError is returned by runErrorHandlers for an "escalate"
// handler: the step itself failed, but the node should still route to
// FallbackNode rather than abort. Sequence/Processing unwrap it via
// errors.As to recover the override.
type fallbackRouteError struct {
	FallbackNode string
	cause        error
}

func (e *fallbackRouteError) Error() string { return e.cause.Error() }
func (e *fallbackRouteError) Unwrap() error  { return e.cause }

// isExternalStep reports whether a step dispatches off-process (agent_http
// or mcp_tool), as opposed to an internal action resolved in-process.
func isExternalStep(step ir.Step) bool {
	return !(step.Binding == nil || step.Binding.Kind == "internal" || ir.InternalActions[step.Action])
}

// RunStep executes one Step: render its params, dispatch (internal or
// through the registry), apply the retry/backoff policy, run error
// handlers on exhaustion, and cache the result under its idempotency
// key. It returns the step's output value.
func RunStep(ctx context.Context, ec *Context, nodeID string, step ir.Step) (any, error) {
	if step.IdempotencyKey != "" {
		if rec, err := ec.Store.GetStepResult(ec.RunID, nodeID, step.StepID, step.IdempotencyKey); err == nil {
			var cached any
			if len(rec.Result) > 0 {
				_ = json.Unmarshal(rec.Result, &cached)
			}
			if step.OutputVariable != "" {
				ec.Set(step.OutputVariable, cached)
			}
			return cached, nil
		}
	}

	if step.WaitMS > 0 {
		select {
		case <-time.After(time.Duration(step.WaitMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ec.emitEvent(nodeID, step.StepID, store.EventStepStarted, map[string]any{"action": step.Action})

	maxRetries := 0
	delayMS := 0
	backoff := 1.0
	if step.RetryOnFailure {
		maxRetries = 3
		delayMS = 1000
		if gp := ec.GlobalConfig.RetryPolicy; gp != nil {
			if gp.MaxRetries > 0 {
				maxRetries = gp.MaxRetries
			}
			if gp.RetryDelayMS > 0 {
				delayMS = gp.RetryDelayMS
			}
			if gp.BackoffMultiplier > 0 {
				backoff = gp.BackoffMultiplier
			}
		}
		if step.RetryConfig != nil {
			if step.RetryConfig.MaxRetries > 0 {
				maxRetries = step.RetryConfig.MaxRetries
			}
			if step.RetryConfig.RetryDelayMS > 0 {
				delayMS = step.RetryConfig.RetryDelayMS
			}
			if step.RetryConfig.BackoffMultiplier > 0 {
				backoff = step.RetryConfig.BackoffMultiplier
			}
		}
	}

	rendered := template.RenderValue(step.Params, ec.Snapshot())
	renderedMap, _ := rendered.(map[string]any)

	var out any
	var lastErr error
	external := isExternalStep(step)

	switch {
	case ec.GlobalConfig.ExecutionMode == "dry_run" && external:
		out = map[string]any{"dry_run": true, "action": step.Action}
		ec.emitEvent(nodeID, step.StepID, store.EventDryRunStepSkipped, map[string]any{"action": step.Action})

	case ec.GlobalConfig.TestDataOverrides[step.StepID] != nil:
		out = ec.GlobalConfig.TestDataOverrides[step.StepID]
		ec.emitEvent(nodeID, step.StepID, store.EventStepTestOverride, map[string]any{"step_id": step.StepID})

	case ec.GlobalConfig.MockExternalCalls && external:
		out = map[string]any{"mocked": true, "action": step.Action}
		ec.emitEvent(nodeID, step.StepID, store.EventStepMockApplied, map[string]any{"action": step.Action})

	default:
		delay := delayMS
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				metrics.RecordRetryAttempt(nodeID, step.StepID)
				select {
				case <-time.After(time.Duration(delay) * time.Millisecond):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				delay = int(float64(delay) * backoff)
			}

			out, lastErr = dispatchStep(ctx, ec, nodeID, step, renderedMap)
			if lastErr == nil {
				break
			}
		}
	}

	if lastErr != nil {
		metrics.RecordStepExecution(nodeID, "failed")
		handled, handledOut, herr := runErrorHandlers(ctx, ec, nodeID, step, lastErr)
		if handled {
			out, lastErr = handledOut, herr
		}
		if ec.GlobalConfig.ScreenshotOnFail {
			ec.emitEvent(nodeID, step.StepID, store.EventScreenshotRequest, map[string]any{"action": step.Action})
		}
	} else {
		metrics.RecordStepExecution(nodeID, "succeeded")
	}

	if lastErr != nil {
		return nil, lastErr
	}

	if step.OutputVariable != "" {
		ec.Set(step.OutputVariable, out)
	}

	for _, a := range extractArtifacts(out) {
		id, err := ec.Store.RecordArtifact(store.Artifact{RunID: ec.RunID, NodeID: nodeID, StepID: step.StepID, Kind: a.kind, URI: a.uri})
		if err == nil {
			ec.emitEvent(nodeID, step.StepID, store.EventArtifactCreated, map[string]any{"artifact_id": id, "kind": a.kind, "uri": a.uri})
		}
	}

	if step.IdempotencyKey != "" {
		resultJSON, _ := json.Marshal(out)
		_ = ec.Store.PutStepResult(store.StepIdempotencyRecord{
			RunID:          ec.RunID,
			NodeID:         nodeID,
			StepID:         step.StepID,
			IdempotencyKey: step.IdempotencyKey,
			Result:         resultJSON,
		})
	}

	completedPayload := map[string]any{"action": step.Action, "output_variable": step.OutputVariable, "cached": false}
	ec.emitEvent(nodeID, step.StepID, store.EventStepCompleted, completedPayload)

	if step.WaitAfterMS > 0 {
		select {
		case <-time.After(time.Duration(step.WaitAfterMS) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return out, nil
}

// dispatchStep routes a step to its internal handler or the registry
// dispatcher based on its binding, extracting outputs per its action's
// outputs-map contract where one applies.
func dispatchStep(ctx context.Context, ec *Context, nodeID string, step ir.Step, rendered map[string]any) (any, error) {
	if step.Binding == nil || step.Binding.Kind == "internal" || ir.InternalActions[step.Action] {
		return runInternalAction(ctx, ec, step, rendered)
	}

	if err := ec.acquireRateLimit(ctx, nodeID, step.StepID); err != nil {
		return nil, err
	}
	defer ec.releaseRateLimit()

	res, err := ec.Dispatch.Dispatch(ctx, ec.RunID, step, stepCapability(step), rendered)
	if err != nil {
		return nil, err
	}
	return res.Output, nil
}

// stepCapability derives the agent capability namespace a step's
// action is dispatched under, when no explicit binding ref is given.
func stepCapability(step ir.Step) string {
	if step.Binding != nil && step.Binding.Ref != "" {
		return step.Binding.Ref
	}
	return step.Action
}

// runErrorHandlers finds the first error handler matching err (or the
// catch-all with an empty ErrorType) and applies its recovery action.
// It returns handled=false when no handler matches, meaning the
// original error should propagate unchanged.
func runErrorHandlers(ctx context.Context, ec *Context, nodeID string, step ir.Step, stepErr error) (handled bool, out any, err error) {
	for _, h := range step.ErrorHandlers {
		if h.ErrorType != "" && !strings.Contains(stepErr.Error(), h.ErrorType) {
			continue
		}
		notifyOnError(ec, nodeID, step, h, stepErr)
		switch h.Action {
		case "ignore":
			return true, nil, nil
		case "retry":
			delay := h.DelayMS
			if delay <= 0 {
				delay = 1000
			}
			retries := h.MaxRetries
			if retries <= 0 {
				retries = 1
			}
			var lastErr error
			var lastOut any
			for i := 0; i < retries; i++ {
				select {
				case <-time.After(time.Duration(delay) * time.Millisecond):
				case <-ctx.Done():
					return true, nil, ctx.Err()
				}
				rendered := template.RenderValue(step.Params, ec.Snapshot())
				renderedMap, _ := rendered.(map[string]any)
				lastOut, lastErr = dispatchStep(ctx, ec, nodeID, step, renderedMap)
				if lastErr == nil {
					return true, lastOut, nil
				}
			}
			return true, nil, lastErr
		case "screenshot_and_fail":
			return true, nil, fmt.Errorf("%s (screenshot captured)", stepErr)
		case "escalate":
			return true, nil, &fallbackRouteError{FallbackNode: h.FallbackNode, cause: stepErr}
		case "fail":
			return true, nil, stepErr
		}
	}
	return false, nil, stepErr
}

// notifyOnError emits step_error_notification and fires the handler's
// alert webhook fire-and-forget when the step carries a notify_on_error
// config, regardless of which handler action ultimately runs.
func notifyOnError(ec *Context, nodeID string, step ir.Step, h ir.ErrorHandler, stepErr error) {
	if step.NotifyOnError == nil {
		return
	}
	ec.emitEvent(nodeID, step.StepID, store.EventStepErrorNotify, map[string]any{
		"action":      step.Action,
		"error":       stepErr.Error(),
		"handler":     h.Action,
		"webhook_url": step.NotifyOnError.WebhookURL,
	})
	if step.NotifyOnError.WebhookURL == "" {
		return
	}
	url := step.NotifyOnError.WebhookURL
	body, _ := json.Marshal(map[string]any{
		"run_id":  ec.RunID,
		"node_id": nodeID,
		"step_id": step.StepID,
		"action":  step.Action,
		"error":   stepErr.Error(),
	})
	go func() {
		resp, err := http.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			return
		}
		_ = resp.Body.Close()
	}()
}

// runInternalAction executes one of the orchestrator's built-in,
// agentless actions.
func runInternalAction(ctx context.Context, ec *Context, step ir.Step, rendered map[string]any) (any, error) {
	switch step.Action {
	case "log":
		msg := fmt.Sprint(rendered["message"])
		return map[string]any{"logged": msg}, nil

	case "wait":
		ms := 0
		if v, ok := rendered["duration_ms"]; ok {
			ms = toInt(v)
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, nil

	case "set_variable":
		return rendered["value"], nil

	case "calculate":
		expr, _ := rendered["expression"].(string)
		return evaluateArithmetic(expr, ec.Snapshot())

	case "format_data":
		tmpl, _ := rendered["template"].(string)
		return template.Render(tmpl, ec.Snapshot()), nil

	case "parse_json":
		raw, _ := rendered["input"].(string)
		var out any
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, fmt.Errorf("parse_json: %w", err)
		}
		return out, nil

	case "parse_csv":
		raw, _ := rendered["input"].(string)
		rows, err := csv.NewReader(strings.NewReader(raw)).ReadAll()
		if err != nil {
			return nil, fmt.Errorf("parse_csv: %w", err)
		}
		return rows, nil

	case "generate_id":
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate_id: %w", err)
		}
		return hex.EncodeToString(buf), nil

	case "get_timestamp":
		return store.Now().Format(time.RFC3339), nil

	case "set_checkpoint":
		return map[string]any{"checkpoint": true}, nil

	case "restore_checkpoint":
		return map[string]any{"restored": true}, nil

	case "screenshot":
		return map[string]any{"screenshot": "unsupported-in-headless-orchestrator"}, nil

	default:
		return nil, fmt.Errorf("unknown internal action %q", step.Action)
	}
}

// evaluateArithmetic supports the narrow "a op b" arithmetic grammar
// calculate steps use, resolving bareword operands against vars.
func evaluateArithmetic(expr string, vars map[string]any) (float64, error) {
	fields := strings.Fields(expr)
	if len(fields) != 3 {
		return 0, fmt.Errorf("calculate: expected 'a op b', got %q", expr)
	}
	a, err := operand(fields[0], vars)
	if err != nil {
		return 0, err
	}
	b, err := operand(fields[2], vars)
	if err != nil {
		return 0, err
	}
	switch fields[1] {
	case "+":
		return a + b, nil
	case "-":
		return a - b, nil
	case "*":
		return a * b, nil
	case "/":
		if b == 0 {
			return 0, fmt.Errorf("calculate: division by zero")
		}
		return a / b, nil
	default:
		return 0, fmt.Errorf("calculate: unsupported operator %q", fields[1])
	}
}

func operand(s string, vars map[string]any) (float64, error) {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f, nil
	}
	if v, ok := template.Lookup(s, vars); ok {
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	}
	return 0, fmt.Errorf("calculate: unresolved operand %q", s)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	default:
		return 0
	}
}

// artifactRef is one external output reference pulled from a step result.
type artifactRef struct {
	kind string
	uri  string
}

// artifactFields lists the result keys whose value is recorded as an
// Artifact row, in priority order.
var artifactFields = []string{"screenshot", "artifact", "artifacts", "artifact_uri", "uri"}

// extractArtifacts scans a step's result for any of artifactFields and
// returns one artifactRef per hit, unwrapping string-slice values into
// one ref each.
func extractArtifacts(result any) []artifactRef {
	m, ok := result.(map[string]any)
	if !ok {
		return nil
	}
	var refs []artifactRef
	for _, field := range artifactFields {
		v, present := m[field]
		if !present {
			continue
		}
		switch val := v.(type) {
		case string:
			if val != "" {
				refs = append(refs, artifactRef{kind: field, uri: val})
			}
		case []any:
			for _, item := range val {
				if s, ok := item.(string); ok && s != "" {
					refs = append(refs, artifactRef{kind: field, uri: s})
				}
			}
		}
	}
	return refs
}

// ExtractOutputs applies an llm_action/mcp-style outputs map to a raw
// value: "text"/"raw"/"content" copy the value verbatim, while a
// "json:field.path" spec decodes value as JSON (if it's a string) and
// looks up the dotted path within it.
func ExtractOutputs(outputs map[string]string, raw string) map[string]any {
	result := make(map[string]any, len(outputs))
	var parsed any
	parsedOK := json.Unmarshal([]byte(raw), &parsed) == nil

	for varName, spec := range outputs {
		switch {
		case spec == "text" || spec == "raw" || spec == "content":
			result[varName] = raw
		case strings.HasPrefix(spec, "json:"):
			path := strings.TrimPrefix(spec, "json:")
			if !parsedOK {
				result[varName] = nil
				continue
			}
			parsedMap, isMap := parsed.(map[string]any)
			if !isMap {
				result[varName] = parsed
				continue
			}
			if v, ok := template.Lookup(path, parsedMap); ok {
				result[varName] = v
			} else {
				result[varName] = nil
			}
		default:
			result[varName] = raw
		}
	}
	return result
}
