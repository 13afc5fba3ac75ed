package schemas

import (
	"context"
	"fmt"
	"strings"
)

// AgentType is the closed set of capability categories used to route requests.
type AgentType string

const (
	AgentDataValidation     AgentType = "DATA_VALIDATION"
	AgentValuation          AgentType = "VALUATION"
	AgentWorkflow           AgentType = "WORKFLOW"
	AgentUserInteraction    AgentType = "USER_INTERACTION"
	AgentSpatialAnalysis    AgentType = "SPATIAL_ANALYSIS"
	AgentDocumentProcessing AgentType = "DOCUMENT_PROCESSING"
	AgentLegalCompliance    AgentType = "LEGAL_COMPLIANCE"
	AgentReporting          AgentType = "REPORTING"
)

// AllAgentTypes lists every known agent type in declaration order.
var AllAgentTypes = []AgentType{
	AgentDataValidation,
	AgentValuation,
	AgentWorkflow,
	AgentUserInteraction,
	AgentSpatialAnalysis,
	AgentDocumentProcessing,
	AgentLegalCompliance,
	AgentReporting,
}

func (t AgentType) String() string { return string(t) }

// Valid reports whether t is one of the known agent types.
func (t AgentType) Valid() bool {
	for _, known := range AllAgentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseAgentType converts a case-insensitive name into an AgentType.
func ParseAgentType(s string) (AgentType, error) {
	t := AgentType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown agent type %q", s)
	}
	return t, nil
}

// Agent is a registered capability provider. Implementations must be safe for
// concurrent calls to HandleRequest, since broadcast fan-out may overlap.
type Agent interface {
	// ID returns the unique, stable identifier of the agent.
	ID() string
	// Type returns the capability category the agent serves.
	Type() AgentType
	// IsActive reports whether the agent currently accepts work.
	IsActive() bool
	// Capabilities lists free-form capability labels for introspection.
	Capabilities() []string

	HandleRequest(ctx context.Context, req AgentRequest) (*AgentResponse, error)
	GetStatus(ctx context.Context) map[string]interface{}
	Shutdown(ctx context.Context) error
}

// AgentLoader supplies previously known agents when the core initializes.
type AgentLoader interface {
	LoadAgents(ctx context.Context) ([]Agent, error)
}

// AgentLoaderFunc adapts a function to the AgentLoader interface.
type AgentLoaderFunc func(ctx context.Context) ([]Agent, error)

func (f AgentLoaderFunc) LoadAgents(ctx context.Context) ([]Agent, error) { return f(ctx) }
