// Package ir defines the typed intermediate representation a CKP document
// compiles into: a node map keyed by id, with per-node tagged-variant
// payloads, plus the trigger and provenance sidecars.
package ir

// NodeType discriminates the payload carried by a Node.
type NodeType string

const (
	NodeSequence      NodeType = "sequence"
	NodeLogic         NodeType = "logic"
	NodeLoop          NodeType = "loop"
	NodeParallel      NodeType = "parallel"
	NodeHumanApproval NodeType = "human_approval"
	NodeLLMAction     NodeType = "llm_action"
	NodeSubflow       NodeType = "subflow"
	NodeTransform     NodeType = "transform"
	NodeVerification  NodeType = "verification"
	NodeProcessing    NodeType = "processing"
	NodeTerminate     NodeType = "terminate"
)

// InternalActions are handled by the orchestrator without an agent.
var InternalActions = map[string]bool{
	"log":                true,
	"wait":                true,
	"set_variable":        true,
	"calculate":           true,
	"format_data":         true,
	"parse_json":          true,
	"parse_csv":           true,
	"generate_id":         true,
	"get_timestamp":       true,
	"set_checkpoint":      true,
	"restore_checkpoint":  true,
	"screenshot":          true,
}

// ImplicitRuntimeVars are always considered declared, even with no
// variables_schema entry, because the runtime populates them itself.
var ImplicitRuntimeVars = map[string]bool{
	"run_id":           true,
	"procedure_id":     true,
	"trigger_type":     true,
	"triggered_by":     true,
	"node_id":          true,
	"step_id":          true,
	"loop_index":       true,
	"loop_item":        true,
	"parallel_results": true,
	"llm_output":       true,
}

// ValidTriggerTypes enumerates the trigger.type values the validator allows.
var ValidTriggerTypes = map[string]bool{
	"manual":     true,
	"scheduled":  true,
	"webhook":    true,
	"event":      true,
	"file_watch": true,
}

// Procedure is the compiled form of one CKP document.
type Procedure struct {
	ProcedureID      string
	Version          string
	GlobalConfig     GlobalConfig
	VariablesSchema  map[string]any
	StartNodeID      string
	Nodes            map[string]*Node
	Trigger          *Trigger
	Provenance       map[string]any
	RetrievalMeta    map[string]any
}

// GlobalConfig carries the procedure-wide execution knobs referenced
// throughout the node executors.
type GlobalConfig struct {
	ExecutionMode       string                    `json:"execution_mode,omitempty"`
	TestDataOverrides   map[string]map[string]any `json:"test_data_overrides,omitempty"`
	MockExternalCalls   bool                      `json:"mock_external_calls,omitempty"`
	ScreenshotOnFail    bool                      `json:"screenshot_on_fail,omitempty"`
	RetryPolicy         *RetryPolicy              `json:"retry_policy,omitempty"`
	RateLimiting        *RateLimiting             `json:"rate_limiting,omitempty"`
}

// RetryPolicy is the global default that RunStep applies to steps with
// retry_on_failure set; a step's retry_config overrides individual
// fields. Node.Retry is parsed but RunStep does not apply it.
type RetryPolicy struct {
	MaxRetries        int     `json:"max_retries,omitempty"`
	RetryDelayMS      int     `json:"retry_delay_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// RateLimiting bounds in-run fan-out via a run-scoped semaphore.
type RateLimiting struct {
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// Trigger describes how a procedure is invoked automatically.
type Trigger struct {
	Type               string `json:"type"`
	Schedule           string `json:"schedule,omitempty"`
	WebhookSecret      string `json:"webhook_secret,omitempty"`
	EventSource        string `json:"event_source,omitempty"`
	DedupeWindowSeconds int    `json:"dedupe_window_seconds,omitempty"`
	MaxConcurrentRuns  int    `json:"max_concurrent_runs,omitempty"`
	Enabled            bool   `json:"enabled,omitempty"`
}

// Node is one vertex of the procedure graph. Payload holds the
// type-specific fields; Type discriminates which concrete payload type
// it is.
type Node struct {
	ID         string
	Type       NodeType
	Agent      string // channel/capability namespace this node dispatches against, if any
	NextNodeID string // generic "what's after me" edge; node types with their own routing ignore this
	Checkpoint bool
	Telemetry  NodeTelemetry
	SLA        *NodeSLA
	Retry      *RetryPolicy
	Payload    any
}

// NodeTelemetry holds the flags parsed from a node's telemetry block.
// RunStep does not read them: step_completed events carry neither a
// duration nor a retry count.
type NodeTelemetry struct {
	TrackDuration bool `json:"track_duration,omitempty"`
	TrackRetries  bool `json:"track_retries,omitempty"`
}

// NodeSLA flags a maximum wall-clock budget for a sequence node.
type NodeSLA struct {
	MaxDurationMS int    `json:"max_duration_ms,omitempty"`
	OnBreach      string `json:"on_breach,omitempty"`
}

// SequencePayload is the sequence node body: an ordered list of steps.
type SequencePayload struct {
	Steps []Step
}

// Step is one unit of dispatchable work inside a sequence/processing node.
type Step struct {
	StepID           string
	Action           string
	Params           map[string]any
	OutputVariable   string
	IdempotencyKey   string
	WaitMS           int
	WaitAfterMS      int
	TimeoutMS        int
	RetryOnFailure   bool
	RetryConfig      *RetryPolicy
	ErrorHandlers    []ErrorHandler
	NotifyOnError    *NotifyConfig
	Binding          *Binding
}

// ErrorHandler governs recovery behavior for a failed step.
type ErrorHandler struct {
	ErrorType      string // empty matches any
	Action         string // ignore|fail|retry|escalate|screenshot_and_fail
	MaxRetries     int
	DelayMS        int
	FallbackNode   string
	RecoverySteps  []Step
}

// NotifyConfig describes an alert webhook fired on step error.
type NotifyConfig struct {
	WebhookURL string `json:"webhook_url,omitempty"`
}

// Binding is the tagged-variant executor binding an explicit step may
// carry, bypassing registry resolution.
type Binding struct {
	Kind string // internal|agent_http|mcp_tool
	Ref  string // URL, when Kind != internal
}

// LogicPayload routes to the first rule whose condition is true, else a
// default.
type LogicPayload struct {
	Rules              []LogicRule
	DefaultNextNodeID  string
}

// LogicRule is one branch of a logic node.
type LogicRule struct {
	ConditionExpr string
	NextNodeID    string
}

// LoopPayload drives a bounded iteration over a collection variable.
type LoopPayload struct {
	IteratorVar      string // vars key holding the source collection
	IteratorVariable string // vars key the current item is exposed under
	IndexVariable    string // optional vars key the current index is exposed under
	CollectVariable  string // optional vars key accumulated results are written to
	BodyNodeID       string
	NextNodeID       string
}

// ParallelPayload forks N branches and rejoins.
type ParallelPayload struct {
	Branches       []ParallelBranch
	WaitStrategy   string // all|any
	BranchFailure  string // continue|fail
	NextNodeID     string
}

// ParallelBranch is one fork of a parallel node.
type ParallelBranch struct {
	BranchID    string
	StartNodeID string
}

// HumanApprovalPayload pauses the run for a decision.
type HumanApprovalPayload struct {
	Prompt       string
	DecisionType string
	Options      []any
	ContextData  map[string]any
	OnApprove    string
	OnReject     string
	OnTimeout    string
	ExpiresInSec int
}

// LLMActionPayload invokes an LLM completion.
type LLMActionPayload struct {
	Model             string
	Prompt            string
	SystemPrompt      string
	Temperature       float64
	MaxTokens         int
	Outputs           map[string]string
	OrchestrationMode bool
	Branches          []string
	NextNodeID        string
}

// SubflowPayload invokes a child procedure as a nested run.
type SubflowPayload struct {
	ProcedureID      string
	Version          string
	InheritContext   bool
	InputMapping     map[string]any
	OutputMapping    map[string]string
	OnFailure        string // fail_parent|continue
	NextNodeID       string
}

// TransformPayload applies ordered operations to derive new variables.
type TransformPayload struct {
	Transformations []Transformation
}

// Transformation is one filter/map/aggregate/sort/unique step.
type Transformation struct {
	OpType         string
	SourceVariable string
	Expression     string
	Params         map[string]any
	OutputVariable string
}

// VerificationPayload runs ordered condition checks.
type VerificationPayload struct {
	Checks []VerificationCheck
}

// VerificationCheck is one condition evaluated against vars.
type VerificationCheck struct {
	Name          string
	ConditionExpr string
	OnFail        string // fail_workflow|continue
}

// ProcessingPayload runs a list of internal actions in sequence, writing
// each result to its own output variable.
type ProcessingPayload struct {
	Operations []Step
}

// TerminatePayload ends the walk with a terminal status.
type TerminatePayload struct {
	Status string // success|failure|... the node's own status vocabulary, distinct from Run.status
}
