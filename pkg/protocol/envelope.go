package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/errdefs"

	"github.com/seldon-engine/aof/pkg/runfiles"
)

// Wire constants. Every envelope must carry exactly these.
const (
	ProtocolName    = "aof"
	ProtocolVersion = 1
)

// Envelope types accepted by the router.
const (
	TypeStatusUpdate     = "status.update"
	TypeCompletionReport = "completion.report"
	TypeHandoffRequest   = "handoff.request"
	TypeHandoffAccepted  = "handoff.accepted"
	TypeHandoffRejected  = "handoff.rejected"
)

// Rejection reasons recorded in protocol.message.rejected events.
const (
	ReasonInvalidEnvelope  = "invalid_envelope"
	ReasonInvalidPayload   = "invalid_payload"
	ReasonInvalidProjectID = "invalid_project_id"
	ReasonTaskNotFound     = "task_not_found"
	ReasonUnauthorized     = "unauthorized"
	ReasonNestedDelegation = "nested_delegation"
)

// Envelope is the unit of agent-to-daemon communication. Payload stays raw
// until the router knows the type.
type Envelope struct {
	Protocol  string          `json:"protocol"`
	Version   int             `json:"version"`
	ProjectID string          `json:"projectId"`
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId"`
	FromAgent string          `json:"fromAgent"`
	ToAgent   string          `json:"toAgent,omitempty"`
	SentAt    time.Time       `json:"sentAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the signature fields. It does not touch the payload;
// payload schemas belong to the per-type handlers.
func (e *Envelope) Validate() error {
	if e.Protocol != ProtocolName {
		return fmt.Errorf("protocol %q is not %q: %w", e.Protocol, ProtocolName, errdefs.ErrInvalidArgument)
	}
	if e.Version != ProtocolVersion {
		return fmt.Errorf("version %d is not %d: %w", e.Version, ProtocolVersion, errdefs.ErrInvalidArgument)
	}
	if e.ProjectID == "" {
		return fmt.Errorf("missing projectId: %w", errdefs.ErrInvalidArgument)
	}
	if e.TaskID == "" {
		return fmt.Errorf("missing taskId: %w", errdefs.ErrInvalidArgument)
	}
	if e.FromAgent == "" {
		return fmt.Errorf("missing fromAgent: %w", errdefs.ErrInvalidArgument)
	}
	if e.SentAt.IsZero() {
		return fmt.Errorf("missing sentAt: %w", errdefs.ErrInvalidArgument)
	}
	switch e.Type {
	case TypeStatusUpdate, TypeCompletionReport, TypeHandoffRequest, TypeHandoffAccepted, TypeHandoffRejected:
		return nil
	case "":
		return fmt.Errorf("missing type: %w", errdefs.ErrInvalidArgument)
	default:
		return fmt.Errorf("unknown type %q: %w", e.Type, errdefs.ErrInvalidArgument)
	}
}

// Parse decodes and validates one envelope.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %v: %w", err, errdefs.ErrInvalidArgument)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// StatusUpdate is the payload of a status.update envelope. Everything is
// optional: an envelope with only a workLog entry is a pure journal append.
type StatusUpdate struct {
	Status   string   `json:"status,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
	WorkLog  string   `json:"workLog,omitempty"`
	AgentID  string   `json:"agentId,omitempty"`
}

// CompletionReport is the payload of a completion.report envelope. It maps
// one-to-one onto the run_result.json the router persists before applying
// the outcome.
type CompletionReport struct {
	Outcome      string                `json:"outcome"`
	SummaryRef   string                `json:"summaryRef,omitempty"`
	Deliverables []string              `json:"deliverables,omitempty"`
	Tests        *runfiles.TestSummary `json:"tests,omitempty"`
	Blockers     []string              `json:"blockers,omitempty"`
	Notes        string                `json:"notes,omitempty"`
}

// HandoffRequest is the payload of a handoff.request envelope. TaskID names
// the child being handed over and must repeat the envelope's taskId.
type HandoffRequest struct {
	TaskID             string    `json:"taskId"`
	ParentTaskID       string    `json:"parentTaskId"`
	ToAgent            string    `json:"toAgent"`
	AcceptanceCriteria []string  `json:"acceptanceCriteria,omitempty"`
	ExpectedOutputs    []string  `json:"expectedOutputs,omitempty"`
	ContextRefs        []string  `json:"contextRefs,omitempty"`
	Constraints        []string  `json:"constraints,omitempty"`
	DueBy              time.Time `json:"dueBy,omitempty"`
}

// HandoffDecision is the payload of handoff.accepted and handoff.rejected
// envelopes. Reason is required when rejecting.
type HandoffDecision struct {
	Reason string `json:"reason,omitempty"`
}

// decodePayload unmarshals the raw payload into the handler's schema.
func decodePayload(env *Envelope, into any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Payload, into); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", env.Type, err, errdefs.ErrInvalidArgument)
	}
	return nil
}
