package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/mtzanidakis/foreman/internal/workflow"
)

var validate *validator.Validate

func init() {
	validate = validator.New()

	_ = validate.RegisterValidation("nonempty", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	_ = validate.RegisterValidation("agenttype", func(fl validator.FieldLevel) bool {
		return workflow.AgentType(fl.Field().String()).Valid()
	})
	_ = validate.RegisterValidation("requesttype", func(fl validator.FieldLevel) bool {
		v := workflow.RequestType(fl.Field().String())
		for _, t := range workflow.RequestTypes {
			if t == v {
				return true
			}
		}
		return false
	})
}

// classificationSchema is the JSON contract the model must follow.
type classificationSchema struct {
	RequestType       string       `json:"request_type" validate:"required,requesttype"`
	Priority          string       `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
	Complexity        string       `json:"complexity" validate:"omitempty,oneof=simple moderate complex enterprise"`
	Summary           string       `json:"summary" validate:"required,nonempty"`
	RequiredAgents    []string     `json:"required_agents" validate:"omitempty,dive,agenttype"`
	EstimatedMinutes  int          `json:"estimated_minutes" validate:"gte=0"`
	SuggestedWorkflow []stepSchema `json:"suggested_workflow" validate:"required,min=1,max=40,dive"`
}

type stepSchema struct {
	StepIndex        int    `json:"step_index" validate:"gte=1"`
	AgentType        string `json:"agent_type" validate:"required,agenttype"`
	TaskName         string `json:"task_name" validate:"required,nonempty,max=200"`
	Description      string `json:"description"`
	Instructions     string `json:"instructions" validate:"required,nonempty"`
	DependsOn        []int  `json:"depends_on" validate:"omitempty,dive,gte=1"`
	EstimatedMinutes int    `json:"estimated_minutes" validate:"gte=0"`
}

type planSchema struct {
	SuggestedWorkflow []stepSchema `json:"suggested_workflow" validate:"required,min=1,max=40,dive"`
}

func (s stepSchema) step() workflow.Step {
	return workflow.Step{
		StepIndex:        s.StepIndex,
		AgentType:        workflow.AgentType(s.AgentType),
		TaskName:         strings.TrimSpace(s.TaskName),
		Description:      strings.TrimSpace(s.Description),
		Instructions:     strings.TrimSpace(s.Instructions),
		DependsOn:        s.DependsOn,
		EstimatedMinutes: s.EstimatedMinutes,
	}
}

func toSteps(in []stepSchema) []workflow.Step {
	out := make([]workflow.Step, len(in))
	for i, s := range in {
		out[i] = s.step()
	}
	return out
}

// ParseError means the model response could not be turned into a valid plan.
type ParseError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification parse error: %s: %v", e.Reason, e.Err)
	}
	return "classification parse error: " + e.Reason
}

func (e *ParseError) Unwrap() error { return e.Err }

// decodeObject locates the first JSON value in a model response and decodes
// it into v, then validates it. Trailing prose after the value is ignored.
func decodeObject(response string, v any) error {
	cleaned := stripFences(response)
	idx := strings.IndexAny(cleaned, "{[")
	if idx == -1 {
		return &ParseError{Reason: "no JSON object in response", Raw: response}
	}
	if err := json.NewDecoder(strings.NewReader(cleaned[idx:])).Decode(v); err != nil {
		return &ParseError{Reason: "decode", Raw: response, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &ParseError{Reason: "schema", Raw: response, Err: describe(err)}
	}
	return nil
}

// decodePlan accepts either {"suggested_workflow": [...]} or a bare array.
func decodePlan(response string) ([]workflow.Step, error) {
	cleaned := stripFences(response)
	idx := strings.IndexAny(cleaned, "{[")
	if idx != -1 && cleaned[idx] == '[' {
		var steps []stepSchema
		if err := json.NewDecoder(strings.NewReader(cleaned[idx:])).Decode(&steps); err != nil {
			return nil, &ParseError{Reason: "decode", Raw: response, Err: err}
		}
		if err := validate.Struct(planSchema{SuggestedWorkflow: steps}); err != nil {
			return nil, &ParseError{Reason: "schema", Raw: response, Err: describe(err)}
		}
		return toSteps(steps), nil
	}
	var p planSchema
	if err := decodeObject(response, &p); err != nil {
		return nil, err
	}
	return toSteps(p.SuggestedWorkflow), nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i != -1 {
		rest := s[i+3:]
		if nl := strings.IndexByte(rest, '\n'); nl != -1 {
			rest = rest[nl+1:]
		}
		if end := strings.Index(rest, "```"); end != -1 {
			rest = rest[:end]
		}
		return strings.TrimSpace(rest)
	}
	return s
}

func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
