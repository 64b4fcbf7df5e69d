// Package operation holds the units of work exchanged with the server and
// the wrappers used to deliver their results.
package operation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/HsiangNianian/AMonItor/rvagent/internal/protocol"
)

// SelfAssignedMarker is appended to ids generated by the agent so the server
// can tell them apart from ids it issued.
const SelfAssignedMarker = "-agent"

var ErrMissingType = errors.New("operation type is required")

type Operation struct {
	Type   protocol.OperationType
	ID     string
	Plugin string
	Data   map[string]any
	Result map[string]any
}

func NewSelfAssignedID() string {
	return uuid.New().String() + SelfAssignedMarker
}

func IsSelfAssigned(id string) bool {
	return strings.HasSuffix(id, SelfAssignedMarker)
}

// NewSelfOriginated creates an operation raised by the agent itself.
func NewSelfOriginated(opType protocol.OperationType, plugin string, data map[string]any) *Operation {
	if data == nil {
		data = map[string]any{}
	}
	return &Operation{
		Type:   opType,
		ID:     NewSelfAssignedID(),
		Plugin: plugin,
		Data:   data,
	}
}

// NewFromEnvelope copies the known fields of env. The result is never taken
// from the wire.
func NewFromEnvelope(env protocol.Envelope) (*Operation, error) {
	if env.Operation == "" {
		return nil, ErrMissingType
	}
	id := env.OperationID
	if id == "" {
		id = NewSelfAssignedID()
	}
	data := env.Data
	if data == nil {
		data = map[string]any{}
	}
	return &Operation{
		Type:   env.Operation,
		ID:     id,
		Plugin: env.Plugin,
		Data:   data,
	}, nil
}

func (o *Operation) IsCore() bool {
	return o.Plugin == ""
}

func (o *Operation) IsSavable(policy SavePolicy) bool {
	return policy.Savable(o.Type)
}

func (o *Operation) Envelope(agentID string) protocol.Envelope {
	return protocol.Envelope{
		Operation:   o.Type,
		OperationID: o.ID,
		AgentID:     agentID,
		Plugin:      o.Plugin,
		Data:        o.Data,
	}
}

func (o *Operation) Serialize() map[string]any {
	return map[string]any{
		protocol.KeyOperation:   string(o.Type),
		protocol.KeyOperationID: o.ID,
		protocol.KeyPlugin:      o.Plugin,
		protocol.KeyData:        o.Data,
		"result":                o.Result,
	}
}

func (o *Operation) Describe() string {
	return fmt.Sprintf("(%s, %s)", o.Type, o.ID)
}
