package workflow

import (
	"encoding/json"
	"fmt"
)

// OutputData is what a completed task leaves behind: the model's text and,
// when the response carried a fenced JSON block, that block verbatim.
type OutputData struct {
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// Payload is the decoded form of OutputData.Structured. Known agent types
// get a typed variant; anything else is kept as RawPayload.
type Payload interface {
	payloadKind() string
}

type QCReview struct {
	Approved bool     `json:"approved"`
	Score    float64  `json:"score,omitempty"`
	Issues   []string `json:"issues,omitempty"`
	Summary  string   `json:"summary,omitempty"`
}

type DeliveryNote struct {
	Channel string `json:"channel,omitempty"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

type RawPayload json.RawMessage

func (QCReview) payloadKind() string     { return "qc_review" }
func (DeliveryNote) payloadKind() string { return "delivery_note" }
func (RawPayload) payloadKind() string   { return "raw" }

// ParseStructured decodes raw into the payload variant for agentType. A
// shape that does not match the typed variant degrades to RawPayload.
func ParseStructured(agentType AgentType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("structured output is not valid json")
	}

	switch agentType {
	case AgentQC:
		var r struct {
			Approved *bool `json:"approved"`
			QCReview
		}
		if err := json.Unmarshal(raw, &r); err == nil && r.Approved != nil {
			r.QCReview.Approved = *r.Approved
			return r.QCReview, nil
		}
	case AgentDelivery:
		var n DeliveryNote
		if err := json.Unmarshal(raw, &n); err == nil && n.Message != "" {
			return n, nil
		}
	}
	return RawPayload(raw), nil
}

// Payload decodes the structured part of the output for the given agent type.
func (o *OutputData) Payload(agentType AgentType) (Payload, error) {
	if o == nil {
		return nil, nil
	}
	return ParseStructured(agentType, o.Structured)
}
